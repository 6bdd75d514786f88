package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/church"
)

// ListByJurisdiction returns every church of one jurisdiction ordered by
// region, city and name.
func (s *Store) ListByJurisdiction(ctx context.Context, jurisdiction string) ([]church.Church, error) {
	query := `SELECT ` + churchColumns + `
		FROM churches
		WHERE jurisdiction = $1
		ORDER BY region, city, name, id;
	`
	rows, err := s.pool.Query(ctx, query, jurisdiction)
	if err != nil {
		return nil, fmt.Errorf("failed to list churches: %w", err)
	}
	defer rows.Close()

	var out []church.Church
	for rows.Next() {
		c, err := scanChurch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan church row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate churches: %w", err)
	}
	return out, nil
}

// Search ranks churches against term over name, city, address, contact person
// and keywords, best match first.
func (s *Store) Search(ctx context.Context, term string, limit int) ([]church.SearchResult, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, fmt.Errorf("%w: search term is required", church.ErrInvalidQuery)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", church.ErrInvalidQuery)
	}
	query := `SELECT ` + churchColumns + `,
			ts_rank(search_document, plainto_tsquery('simple', $1)) AS score
		FROM churches
		WHERE search_document @@ plainto_tsquery('simple', $1)
		ORDER BY score DESC, id
		LIMIT $2;
	`
	rows, err := s.pool.Query(ctx, query, term, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search churches: %w", err)
	}
	defer rows.Close()

	var out []church.SearchResult
	for rows.Next() {
		var score float32
		c, err := scanChurch(rows, &score)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		out = append(out, church.SearchResult{Church: c, Score: float64(score)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate search rows: %w", err)
	}
	return out, nil
}

// Statistics runs the overall, per-jurisdiction and per-region rollups as three
// independent queries; the results are not a point-in-time snapshot.
func (s *Store) Statistics(ctx context.Context) (church.Statistics, error) {
	var stats church.Statistics

	overall := `
		SELECT
			COUNT(*),
			COUNT(DISTINCT jurisdiction),
			COUNT(website),
			COUNT(*) FILTER (WHERE website_validated),
			COUNT(contact_email),
			COUNT(contact_phone),
			AVG(founded_year)::float8,
			MAX(last_updated)
		FROM churches;
	`
	o := &stats.Overall
	err := s.pool.QueryRow(ctx, overall).Scan(
		&o.Total,
		&o.Jurisdictions,
		&o.WithWebsite,
		&o.ValidatedWebsites,
		&o.WithEmail,
		&o.WithPhone,
		&o.AvgFoundedYear,
		&o.LastUpdate,
	)
	if err != nil {
		return church.Statistics{}, fmt.Errorf("failed to load overall statistics: %w", err)
	}

	byJurisdiction := `
		SELECT jurisdiction, COUNT(*)
		FROM churches
		GROUP BY jurisdiction
		ORDER BY COUNT(*) DESC, jurisdiction;
	`
	if stats.ByJurisdiction, err = s.counts(ctx, byJurisdiction); err != nil {
		return church.Statistics{}, fmt.Errorf("failed to load jurisdiction breakdown: %w", err)
	}

	byRegion := `
		SELECT region, COUNT(*)
		FROM churches
		WHERE region IS NOT NULL
		GROUP BY region
		ORDER BY COUNT(*) DESC, region;
	`
	if stats.ByRegion, err = s.counts(ctx, byRegion); err != nil {
		return church.Statistics{}, fmt.Errorf("failed to load region breakdown: %w", err)
	}
	return stats, nil
}

func (s *Store) counts(ctx context.Context, query string) ([]church.Count, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by Statistics
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (church.Count, error) {
		var (
			label *string
			n     int64
		)
		if err := row.Scan(&label, &n); err != nil {
			return church.Count{}, err //nolint:wrapcheck // wrapped by Statistics
		}
		return church.Count{Label: derefString(label), Count: n}, nil
	})
}
