package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/church"
)

type validationKey struct {
	churchID int64
	url      string
}

// Store provides an in-memory implementation of store.Store for development
// and testing. Batches are applied copy-on-write so a failed batch leaves no
// trace.
type Store struct {
	mu          sync.RWMutex
	churches    map[int64]church.Church
	nextID      int64
	sessions    map[string]church.Session
	errors      map[string][]church.ScrapeError
	nextErrorID int64
	validations map[validationKey]church.ValidationResult
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		churches:    make(map[int64]church.Church),
		nextID:      1,
		sessions:    make(map[string]church.Session),
		errors:      make(map[string][]church.ScrapeError),
		nextErrorID: 1,
		validations: make(map[validationKey]church.ValidationResult),
	}
}

// EnsureSchema is a no-op; the maps are ready once NewStore returns.
func (s *Store) EnsureSchema(context.Context) error { return nil }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// CreateSession stores a new running session.
func (s *Store) CreateSession(_ context.Context, session church.Session) error {
	if session.ID == "" {
		return fmt.Errorf("%w: session id is required", church.ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("%w: session %s", church.ErrConflict, session.ID)
	}
	session.Status = church.SessionRunning
	session.EndedAt = nil
	session.Config = cloneConfig(session.Config)
	s.sessions[session.ID] = session
	return nil
}

// CloseSession finalizes a running session and records errs.
func (s *Store) CloseSession(
	_ context.Context,
	id string,
	endedAt time.Time,
	stats church.SessionStats,
	errs []church.ScrapeError,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.runningSession(id)
	if err != nil {
		return err
	}
	session.EndedAt = pointerTime(endedAt)
	session.Status = church.SessionCompleted
	session.Scraped = stats.Scraped
	session.Saved = stats.Saved
	session.Duplicates = stats.Duplicates
	session.Validated = stats.Validated
	session.ErrorsCount = len(errs)
	session.ByJurisdiction = cloneCounts(stats.ByJurisdiction)
	s.sessions[id] = session

	for _, e := range errs {
		e.ID = s.nextErrorID
		s.nextErrorID++
		e.SessionID = id
		if e.Kind == "" {
			e.Kind = "unknown"
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = endedAt
		}
		s.errors[id] = append(s.errors[id], e)
	}
	return nil
}

// FailSession moves a running session to failed.
func (s *Store) FailSession(_ context.Context, id string, endedAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.runningSession(id)
	if err != nil {
		return err
	}
	session.EndedAt = pointerTime(endedAt)
	session.Status = church.SessionFailed
	session.FailureReason = reason
	s.sessions[id] = session
	return nil
}

func (s *Store) runningSession(id string) (church.Session, error) {
	session, ok := s.sessions[id]
	if !ok {
		return church.Session{}, church.ErrNotFound
	}
	if session.Status != church.SessionRunning {
		return church.Session{}, fmt.Errorf("%w: status is %s", church.ErrSessionClosed, session.Status)
	}
	return session, nil
}

// GetSession fetches a session by ID.
func (s *Store) GetSession(_ context.Context, id string) (church.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return church.Session{}, church.ErrNotFound
	}
	return copySession(session), nil
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(
	_ context.Context,
	status *church.SessionStatus,
	limit,
	offset int,
) ([]church.Session, error) {
	s.mu.RLock()
	out := make([]church.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if status != nil && session.Status != *status {
			continue
		}
		out = append(out, copySession(session))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return page(out, limit, offset), nil
}

// ListSessionErrors returns a copy of the error rows recorded for a session.
func (s *Store) ListSessionErrors(_ context.Context, id string) ([]church.ScrapeError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.errors[id]
	out := make([]church.ScrapeError, len(rows))
	copy(out, rows)
	return out, nil
}

// FindExisting returns the lowest-id church matching rec.
func (s *Store) FindExisting(_ context.Context, rec church.Church) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, ok := findMatch(s.churches, rec)
	if !ok {
		return 0, false, nil
	}
	return existing.ID, true, nil
}

// SaveBatch applies recs to a working copy and swaps it in only when every
// record succeeds.
func (s *Store) SaveBatch(_ context.Context, recs []church.Church, now time.Time) (church.BatchResult, error) {
	var result church.BatchResult
	if len(recs) == 0 {
		return result, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working := make(map[int64]church.Church, len(s.churches)+len(recs))
	for id, c := range s.churches {
		working[id] = c
	}
	nextID := s.nextID

	for i, rec := range recs {
		if existing, ok := findMatch(working, rec); ok {
			working[existing.ID] = mergeInto(working, existing, rec.Clone(), now)
			result.Updated++
			continue
		}
		prepared := church.Prepare(rec.Clone(), now)
		if err := church.ValidateForInsert(prepared); err != nil {
			return church.BatchResult{}, &church.BatchError{Index: i, Name: rec.Name, Err: err}
		}
		prepared.ID = nextID
		nextID++
		working[prepared.ID] = prepared
		result.Saved++
	}

	s.churches = working
	s.nextID = nextID
	return result, nil
}

// RecordValidations upserts results keyed by (church id, url). Results for
// unknown churches reject the whole call.
func (s *Store) RecordValidations(_ context.Context, results []church.ValidationResult) error {
	if len(results) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		if _, ok := s.churches[r.ChurchID]; !ok {
			return fmt.Errorf("%w: validation references unknown church %d", church.ErrNotFound, r.ChurchID)
		}
	}
	for _, r := range results {
		s.validations[validationKey{churchID: r.ChurchID, url: r.URL}] = r
	}
	return nil
}

// Validation returns the stored result for (churchID, url).
func (s *Store) Validation(churchID int64, url string) (church.ValidationResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.validations[validationKey{churchID: churchID, url: url}]
	return r, ok
}

// Church returns a copy of the stored church with id.
func (s *Store) Church(id int64) (church.Church, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.churches[id]
	if !ok {
		return church.Church{}, false
	}
	return c.Clone(), true
}

// ListByJurisdiction returns churches ordered by region, city and name.
func (s *Store) ListByJurisdiction(_ context.Context, jurisdiction string) ([]church.Church, error) {
	s.mu.RLock()
	var out []church.Church
	for _, c := range s.churches {
		if c.Jurisdiction == jurisdiction {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Region != b.Region {
			return a.Region < b.Region
		}
		if a.City != b.City {
			return a.City < b.City
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return out, nil
}

// Search returns churches containing every term token, ranked by token density.
func (s *Store) Search(_ context.Context, term string, limit int) ([]church.SearchResult, error) {
	terms := tokenize(term)
	if len(terms) == 0 {
		return nil, fmt.Errorf("%w: search term is required", church.ErrInvalidQuery)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", church.ErrInvalidQuery)
	}

	s.mu.RLock()
	var out []church.SearchResult
	for _, c := range s.churches {
		if score, ok := rank(c, terms); ok {
			out = append(out, church.SearchResult{Church: c.Clone(), Score: score})
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Statistics computes the same rollups as the SQL store.
func (s *Store) Statistics(_ context.Context) (church.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		stats          church.Statistics
		foundedSum     int64
		foundedCount   int64
		byJurisdiction = map[string]int64{}
		byRegion       = map[string]int64{}
	)
	o := &stats.Overall
	for _, c := range s.churches {
		o.Total++
		byJurisdiction[c.Jurisdiction]++
		if c.Region != "" {
			byRegion[c.Region]++
		}
		if c.Website != "" {
			o.WithWebsite++
		}
		if c.WebsiteValidated != nil && *c.WebsiteValidated {
			o.ValidatedWebsites++
		}
		if c.ContactEmail != "" {
			o.WithEmail++
		}
		if c.ContactPhone != "" {
			o.WithPhone++
		}
		if c.FoundedYear != nil {
			foundedSum += int64(*c.FoundedYear)
			foundedCount++
		}
		if o.LastUpdate == nil || c.LastUpdated.After(*o.LastUpdate) {
			o.LastUpdate = pointerTime(c.LastUpdated)
		}
	}
	for j := range byJurisdiction {
		if j != "" {
			o.Jurisdictions++
		}
	}
	if foundedCount > 0 {
		avg := float64(foundedSum) / float64(foundedCount)
		o.AvgFoundedYear = &avg
	}
	stats.ByJurisdiction = sortedCounts(byJurisdiction)
	stats.ByRegion = sortedCounts(byRegion)
	return stats, nil
}

// mergeInto coalesces rec onto existing. When the merged identity key already
// belongs to another row, existing keeps its own key.
func mergeInto(churches map[int64]church.Church, existing, rec church.Church, now time.Time) church.Church {
	merged := church.Coalesce(existing, rec, now)
	key, moved := church.MovesIdentity(existing, merged)
	if !moved {
		return merged
	}
	for id, c := range churches {
		if id == existing.ID {
			continue
		}
		if held, ok := c.IdentityKey(); ok && held == key {
			return church.KeepIdentity(merged, existing)
		}
	}
	return merged
}

func findMatch(churches map[int64]church.Church, rec church.Church) (church.Church, bool) {
	var (
		best  church.Church
		found bool
	)
	for _, c := range churches {
		if !church.IsSameEntity(c, rec) {
			continue
		}
		if !found || c.ID < best.ID {
			best, found = c, true
		}
	}
	return best, found
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	})
}

func rank(c church.Church, terms []string) (float64, bool) {
	doc := tokenize(strings.Join([]string{c.Name, c.City, c.FullAddress, c.ContactPerson, c.SearchKeywords}, " "))
	if len(doc) == 0 {
		return 0, false
	}
	counts := make(map[string]int, len(doc))
	for _, tok := range doc {
		counts[tok]++
	}
	hits := 0
	for _, t := range terms {
		n := counts[t]
		if n == 0 {
			return 0, false
		}
		hits += n
	}
	return float64(hits) / float64(len(doc)), true
}

func sortedCounts(in map[string]int64) []church.Count {
	out := make([]church.Count, 0, len(in))
	for label, n := range in {
		out = append(out, church.Count{Label: label, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}

func page[T any](items []T, limit, offset int) []T {
	offset = max(offset, 0)
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func copySession(in church.Session) church.Session {
	out := in
	if in.EndedAt != nil {
		out.EndedAt = pointerTime(*in.EndedAt)
	}
	out.ByJurisdiction = cloneCounts(in.ByJurisdiction)
	out.Config = cloneConfig(in.Config)
	return out
}

func cloneCounts(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneConfig(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
