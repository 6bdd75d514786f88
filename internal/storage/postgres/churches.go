package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/church"
)

const churchColumns = `id, name, name_normalized, jurisdiction, street, city, region, postal_code,
	full_address, website, website_validated, contact_email, contact_phone, founded_year,
	contact_person, search_keywords, source_url, source_urls, scraper_version, merged_from,
	merged_at, last_updated`

// matchQuery mirrors church.IsSameEntity: any strong identifier AND either
// locality field. NULL arguments never compare equal.
const matchQuery = `SELECT ` + churchColumns + `
FROM churches
WHERE (name = $1 OR name_normalized = $2 OR website = $3 OR contact_phone = $4)
	AND (city = $5 OR region = $6)
ORDER BY id
LIMIT 1`

const matchForUpdateQuery = matchQuery + `
FOR UPDATE`

const identityKeyQuery = `SELECT ` + churchColumns + `
FROM churches
WHERE name_normalized = $1 AND city = $2 AND region = $3
FOR UPDATE`

const identityHolderQuery = `SELECT id
FROM churches
WHERE name_normalized = $1 AND city = $2 AND region = $3 AND id <> $4
LIMIT 1`

const insertChurchQuery = `INSERT INTO churches (
	name, name_normalized, jurisdiction, street, city, region, postal_code, full_address,
	website, website_validated, contact_email, contact_phone, founded_year, contact_person,
	search_keywords, source_url, source_urls, scraper_version, merged_from, merged_at, last_updated
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21
)
ON CONFLICT (name_normalized, city, region) DO NOTHING
RETURNING id`

const updateChurchQuery = `UPDATE churches SET
	name = $2, name_normalized = $3, jurisdiction = $4, street = $5, city = $6, region = $7,
	postal_code = $8, full_address = $9, website = $10, website_validated = $11,
	contact_email = $12, contact_phone = $13, founded_year = $14, contact_person = $15,
	search_keywords = $16, source_url = $17, source_urls = $18, scraper_version = $19,
	merged_from = $20, merged_at = $21, last_updated = $22
WHERE id = $1`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// FindExisting looks up the stored church matching rec. It runs outside any
// transaction and returns found=false when nothing qualifies.
func (s *Store) FindExisting(ctx context.Context, rec church.Church) (int64, bool, error) {
	existing, found, err := findMatch(ctx, s.pool, matchQuery, matchArgs(rec)...)
	if err != nil || !found {
		return 0, false, err
	}
	return existing.ID, true, nil
}

// SaveBatch merges recs inside one transaction. Records are processed in
// input order; the first failure rolls back the whole batch and is returned
// as a *church.BatchError. An empty batch never opens a transaction.
func (s *Store) SaveBatch(ctx context.Context, recs []church.Church, now time.Time) (church.BatchResult, error) {
	var result church.BatchResult
	if len(recs) == 0 {
		return result, nil
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for i, rec := range recs {
			inserted, err := s.saveOne(ctx, tx, rec, now)
			if err != nil {
				return &church.BatchError{Index: i, Name: rec.Name, Err: err}
			}
			if inserted {
				result.Saved++
			} else {
				result.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return church.BatchResult{}, err
	}
	return result, nil
}

func (s *Store) saveOne(ctx context.Context, tx pgx.Tx, rec church.Church, now time.Time) (bool, error) {
	existing, found, err := findMatch(ctx, tx, matchForUpdateQuery, matchArgs(rec)...)
	if err != nil {
		return false, err
	}
	if found {
		return false, s.mergeInto(ctx, tx, existing, rec, now)
	}

	prepared := church.Prepare(rec, now)
	if err := church.ValidateForInsert(prepared); err != nil {
		return false, err
	}
	id, conflict, err := insertChurch(ctx, tx, prepared)
	if err != nil {
		return false, err
	}
	if !conflict {
		s.logger.Debug("church inserted", zap.Int64("id", id), zap.String("name", rec.Name))
		return true, nil
	}

	// Another producer committed the same identity key after our match ran.
	existing, found, err = findMatch(ctx, tx, identityKeyQuery, rec.NameNormalized, rec.City, rec.Region)
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("identity key conflict for %q but no row found", rec.NameNormalized)
	}
	s.logger.Info("identity key conflict resolved as merge", zap.Int64("id", existing.ID))
	return false, s.mergeInto(ctx, tx, existing, rec, now)
}

// mergeInto coalesces rec onto existing and writes the result. When the merged
// identity key already belongs to another row, existing keeps its own key.
func (s *Store) mergeInto(ctx context.Context, tx pgx.Tx, existing, rec church.Church, now time.Time) error {
	merged := church.Coalesce(existing, rec, now)
	if key, moved := church.MovesIdentity(existing, merged); moved {
		holder, taken, err := identityHolder(ctx, tx, key, existing.ID)
		if err != nil {
			return err
		}
		if taken {
			s.logger.Info("identity key held by another church, keeping stored key",
				zap.Int64("id", existing.ID),
				zap.Int64("holder_id", holder),
				zap.String("name_normalized", key.NameNormalized),
			)
			merged = church.KeepIdentity(merged, existing)
		}
	}
	return updateChurch(ctx, tx, merged)
}

func identityHolder(ctx context.Context, q querier, key church.IdentityKey, self int64) (int64, bool, error) {
	var id int64
	err := q.QueryRow(ctx, identityHolderQuery, key.NameNormalized, key.City, key.Region, self).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("look up identity key holder: %w", err)
	}
	return id, true, nil
}

func findMatch(ctx context.Context, q querier, query string, args ...any) (church.Church, bool, error) {
	existing, err := scanChurch(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return church.Church{}, false, nil
		}
		return church.Church{}, false, fmt.Errorf("match church: %w", err)
	}
	return existing, true, nil
}

func matchArgs(rec church.Church) []any {
	return []any{
		nullString(rec.Name),
		nullString(rec.NameNormalized),
		nullString(rec.Website),
		nullString(rec.ContactPhone),
		nullString(rec.City),
		nullString(rec.Region),
	}
}

// insertChurch returns conflict=true when the identity key already exists.
func insertChurch(ctx context.Context, tx pgx.Tx, c church.Church) (int64, bool, error) {
	args, err := churchArgs(c)
	if err != nil {
		return 0, false, err
	}
	var id int64
	if err := tx.QueryRow(ctx, insertChurchQuery, args...).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, true, nil
		}
		return 0, false, fmt.Errorf("insert church: %w", err)
	}
	return id, false, nil
}

func updateChurch(ctx context.Context, tx pgx.Tx, c church.Church) error {
	args, err := churchArgs(c)
	if err != nil {
		return err
	}
	args = append([]any{c.ID}, args...)
	if _, err := tx.Exec(ctx, updateChurchQuery, args...); err != nil {
		return fmt.Errorf("update church %d: %w", c.ID, err)
	}
	return nil
}

// churchArgs renders every writable column in insertChurchQuery order.
func churchArgs(c church.Church) ([]any, error) {
	sourceURLs, err := json.Marshal(nonNilStrings(c.SourceURLs))
	if err != nil {
		return nil, fmt.Errorf("marshal source urls: %w", err)
	}
	mergedFrom, err := json.Marshal(nonNilIDs(c.MergedFrom))
	if err != nil {
		return nil, fmt.Errorf("marshal merged from: %w", err)
	}
	validated := c.WebsiteValidated != nil && *c.WebsiteValidated
	return []any{
		c.Name,
		nullString(c.NameNormalized),
		nullString(c.Jurisdiction),
		nullString(c.Street),
		nullString(c.City),
		nullString(c.Region),
		nullString(c.PostalCode),
		nullString(c.FullAddress),
		nullString(c.Website),
		validated,
		nullString(c.ContactEmail),
		nullString(c.ContactPhone),
		c.FoundedYear,
		nullString(c.ContactPerson),
		nullString(c.SearchKeywords),
		nullString(c.SourceURL),
		sourceURLs,
		nullString(c.ScraperVersion),
		mergedFrom,
		c.MergedAt,
		c.LastUpdated,
	}, nil
}

func scanChurch(row rowScanner, extra ...any) (church.Church, error) {
	var c church.Church
	var nameNorm, jurisdiction, street, city, region, postal, fullAddress *string
	var website, email, phone, person, keywords, sourceURL, version *string
	var validated bool
	var sourceURLs, mergedFrom []byte
	dest := []any{
		&c.ID, &c.Name, &nameNorm, &jurisdiction, &street, &city, &region, &postal,
		&fullAddress, &website, &validated, &email, &phone, &c.FoundedYear,
		&person, &keywords, &sourceURL, &sourceURLs, &version, &mergedFrom,
		&c.MergedAt, &c.LastUpdated,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return church.Church{}, err //nolint:wrapcheck // callers distinguish pgx.ErrNoRows
	}
	c.NameNormalized = derefString(nameNorm)
	c.Jurisdiction = derefString(jurisdiction)
	c.Street = derefString(street)
	c.City = derefString(city)
	c.Region = derefString(region)
	c.PostalCode = derefString(postal)
	c.FullAddress = derefString(fullAddress)
	c.Website = derefString(website)
	c.WebsiteValidated = &validated
	c.ContactEmail = derefString(email)
	c.ContactPhone = derefString(phone)
	c.ContactPerson = derefString(person)
	c.SearchKeywords = derefString(keywords)
	c.SourceURL = derefString(sourceURL)
	c.ScraperVersion = derefString(version)
	if len(sourceURLs) > 0 {
		if err := json.Unmarshal(sourceURLs, &c.SourceURLs); err != nil {
			return church.Church{}, fmt.Errorf("decode source_urls: %w", err)
		}
	}
	if len(mergedFrom) > 0 {
		if err := json.Unmarshal(mergedFrom, &c.MergedFrom); err != nil {
			return church.Church{}, fmt.Errorf("decode merged_from: %w", err)
		}
	}
	return c, nil
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func nonNilIDs(in []int64) []int64 {
	if in == nil {
		return []int64{}
	}
	return in
}
