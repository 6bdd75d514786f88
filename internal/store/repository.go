// Package store declares interfaces for persisting ingestion state.
package store

import (
	"context"
	"time"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/church"
)

// SchemaBootstrapper creates the relational schema when it is missing.
type SchemaBootstrapper interface {
	// EnsureSchema is a no-op when the churches table exists. Failures are
	// reported as *church.SchemaError.
	EnsureSchema(ctx context.Context) error
}

// SessionRepository persists ingestion runs and their error audit rows.
type SessionRepository interface {
	// CreateSession inserts a running session.
	CreateSession(ctx context.Context, session church.Session) error
	// CloseSession finalizes a running session and writes errs in one insert.
	// It returns church.ErrSessionClosed if the session already ended.
	CloseSession(
		ctx context.Context,
		id string,
		endedAt time.Time,
		stats church.SessionStats,
		errs []church.ScrapeError,
	) error
	// FailSession marks a running session failed with reason.
	FailSession(ctx context.Context, id string, endedAt time.Time, reason string) error
	// GetSession loads a session or returns church.ErrNotFound.
	GetSession(ctx context.Context, id string) (church.Session, error)
	// ListSessions returns sessions filtered by optional status, newest first.
	ListSessions(ctx context.Context, status *church.SessionStatus, limit, offset int) ([]church.Session, error)
	// ListSessionErrors returns the error rows linked to a session.
	ListSessionErrors(ctx context.Context, id string) ([]church.ScrapeError, error)
}

// ChurchRepository deduplicates and merges incoming churches.
type ChurchRepository interface {
	// FindExisting returns the identifier of the stored church matching rec.
	FindExisting(ctx context.Context, rec church.Church) (int64, bool, error)
	// SaveBatch inserts or coalesces every record atomically; now stamps
	// LastUpdated on every written row.
	SaveBatch(ctx context.Context, recs []church.Church, now time.Time) (church.BatchResult, error)
}

// ValidationRepository upserts URL validation results.
type ValidationRepository interface {
	RecordValidations(ctx context.Context, results []church.ValidationResult) error
}

// QueryRepository serves read-only lookups and rollups.
type QueryRepository interface {
	ListByJurisdiction(ctx context.Context, jurisdiction string) ([]church.Church, error)
	Search(ctx context.Context, term string, limit int) ([]church.SearchResult, error)
	Statistics(ctx context.Context) (church.Statistics, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	SchemaBootstrapper
	SessionRepository
	ChurchRepository
	ValidationRepository
	QueryRepository

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	// Close releases the connection pool.
	Close()
}
