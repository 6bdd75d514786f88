package church

import (
	"fmt"
	"time"
)

// Coalesce applies incoming on top of stored and returns the merged church.
// A stored field is overwritten only when the incoming value is present
// (non-empty string, non-nil pointer). Source URLs and merge lineage are unioned
// in first-seen order. The identifier of stored is kept and LastUpdated is
// always set to now.
func Coalesce(stored, incoming Church, now time.Time) Church {
	out := stored

	out.Name = pick(stored.Name, incoming.Name)
	out.NameNormalized = pick(stored.NameNormalized, incoming.NameNormalized)
	out.Jurisdiction = pick(stored.Jurisdiction, incoming.Jurisdiction)
	out.Street = pick(stored.Street, incoming.Street)
	out.City = pick(stored.City, incoming.City)
	out.Region = pick(stored.Region, incoming.Region)
	out.PostalCode = pick(stored.PostalCode, incoming.PostalCode)
	out.FullAddress = pick(stored.FullAddress, incoming.FullAddress)
	out.Website = pick(stored.Website, incoming.Website)
	out.ContactEmail = pick(stored.ContactEmail, incoming.ContactEmail)
	out.ContactPhone = pick(stored.ContactPhone, incoming.ContactPhone)
	out.ContactPerson = pick(stored.ContactPerson, incoming.ContactPerson)
	out.SearchKeywords = pick(stored.SearchKeywords, incoming.SearchKeywords)
	out.SourceURL = pick(stored.SourceURL, incoming.SourceURL)
	out.ScraperVersion = pick(stored.ScraperVersion, incoming.ScraperVersion)

	if incoming.WebsiteValidated != nil {
		v := *incoming.WebsiteValidated
		out.WebsiteValidated = &v
	}
	if incoming.FoundedYear != nil {
		y := *incoming.FoundedYear
		out.FoundedYear = &y
	}
	if incoming.MergedAt != nil {
		t := *incoming.MergedAt
		out.MergedAt = &t
	}

	out.SourceURLs = unionStrings(stored.SourceURLs, incoming.SourceURLs, incoming.SourceURL)
	out.MergedFrom = unionIDs(stored.MergedFrom, incoming.MergedFrom)
	out.LastUpdated = now
	return out
}

// IdentityKey is the (name_normalized, city, region) triple that at most one
// stored church may hold.
type IdentityKey struct {
	NameNormalized string
	City           string
	Region         string
}

// IdentityKey reports c's key. Rows missing any part are never constrained,
// so ok is false for them.
func (c Church) IdentityKey() (key IdentityKey, ok bool) {
	key = IdentityKey{NameNormalized: c.NameNormalized, City: c.City, Region: c.Region}
	return key, key.NameNormalized != "" && key.City != "" && key.Region != ""
}

// MovesIdentity reports whether merging stored into merged hands the row a
// complete identity key it did not hold before.
func MovesIdentity(stored, merged Church) (IdentityKey, bool) {
	next, ok := merged.IdentityKey()
	if !ok {
		return IdentityKey{}, false
	}
	if prev, had := stored.IdentityKey(); had && prev == next {
		return IdentityKey{}, false
	}
	return next, true
}

// KeepIdentity returns merged with the name and locality columns of stored.
// Used when the merged key already belongs to another row.
func KeepIdentity(merged, stored Church) Church {
	merged.Name = stored.Name
	merged.NameNormalized = stored.NameNormalized
	merged.City = stored.City
	merged.Region = stored.Region
	return merged
}

// Prepare fills the derived fields of a record that is about to be inserted:
// the primary source URL joins the source set and LastUpdated is stamped.
func Prepare(rec Church, now time.Time) Church {
	rec.ID = 0
	rec.SourceURLs = unionStrings(nil, rec.SourceURLs, rec.SourceURL)
	rec.MergedFrom = unionIDs(nil, rec.MergedFrom)
	rec.LastUpdated = now
	return rec
}

// ValidateForInsert enforces the invariants of a newly stored church: a display
// name, and a website or phone unless the row absorbed earlier records.
func ValidateForInsert(rec Church) error {
	if rec.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRecord)
	}
	if rec.Website == "" && rec.ContactPhone == "" && len(rec.MergedFrom) == 0 {
		return fmt.Errorf("%w: %q has neither website nor contact phone", ErrInvalidRecord, rec.Name)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c Church) Clone() Church {
	out := c
	if c.WebsiteValidated != nil {
		v := *c.WebsiteValidated
		out.WebsiteValidated = &v
	}
	if c.FoundedYear != nil {
		y := *c.FoundedYear
		out.FoundedYear = &y
	}
	if c.MergedAt != nil {
		t := *c.MergedAt
		out.MergedAt = &t
	}
	out.SourceURLs = append([]string(nil), c.SourceURLs...)
	out.MergedFrom = append([]int64(nil), c.MergedFrom...)
	return out
}

func pick(stored, incoming string) string {
	if incoming != "" {
		return incoming
	}
	return stored
}

func unionStrings(base, extra []string, more ...string) []string {
	out := make([]string, 0, len(base)+len(extra)+len(more))
	seen := make(map[string]struct{}, cap(out))
	add := func(v string) {
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for _, v := range base {
		add(v)
	}
	for _, v := range extra {
		add(v)
	}
	for _, v := range more {
		add(v)
	}
	return out
}

func unionIDs(base, extra []int64) []int64 {
	out := make([]int64, 0, len(base)+len(extra))
	seen := make(map[int64]struct{}, cap(out))
	for _, list := range [][]int64{base, extra} {
		for _, id := range list {
			if id <= 0 {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
