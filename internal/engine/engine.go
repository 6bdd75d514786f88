// Package engine exposes the ingestion operations used by the HTTP API and the
// batch CLI. It sits on top of a store.Store and adds timestamps, session IDs,
// metrics, batch archiving and session notifications.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/church"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/clock/system"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/id/uuid"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/logging"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/metrics"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/storage"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/store"
)

// Search limits applied when callers pass an out-of-range value.
const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 100
	DefaultListLimit   = 50
	MaxListLimit       = 500
)

// Clock supplies timestamps for sessions and merges.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session and archive identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Publisher delivers session lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// SessionEvent is published when a session completes or fails.
type SessionEvent struct {
	SessionID     string               `json:"session_id"`
	Status        church.SessionStatus `json:"status"`
	EndedAt       time.Time            `json:"ended_at"`
	Stats         church.SessionStats  `json:"stats"`
	ErrorsCount   int                  `json:"errors_count"`
	FailureReason string               `json:"failure_reason,omitempty"`
}

// Engine is the public operation surface of the ingestion service.
type Engine struct {
	store         store.Store
	logger        *zap.Logger
	clock         Clock
	ids           IDGenerator
	publisher     Publisher
	topic         string
	archive       storage.BlobStore
	archivePrefix string
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger. A nil logger is replaced by a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logging.Component(logger, "engine")
	}
}

// WithClock overrides the wall clock.
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithIDGenerator overrides the session ID generator.
func WithIDGenerator(ids IDGenerator) Option {
	return func(e *Engine) {
		if ids != nil {
			e.ids = ids
		}
	}
}

// WithPublisher publishes a SessionEvent to topic whenever a session ends.
func WithPublisher(publisher Publisher, topic string) Option {
	return func(e *Engine) {
		e.publisher = publisher
		e.topic = topic
	}
}

// WithArchive stores every raw batch as JSON under prefix before it is merged.
func WithArchive(archive storage.BlobStore, prefix string) Option {
	return func(e *Engine) {
		e.archive = archive
		e.archivePrefix = strings.Trim(prefix, "/")
	}
}

// New builds an Engine over st.
func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("engine: store is required")
	}
	e := &Engine{
		store:  st,
		logger: zap.NewNop(),
		clock:  system.New(),
		ids:    uuid.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// EnsureSchema creates the relational schema when it is missing.
func (e *Engine) EnsureSchema(ctx context.Context) error {
	if err := e.store.EnsureSchema(ctx); err != nil {
		e.logger.Error("schema bootstrap failed", zap.Error(err))
		return err //nolint:wrapcheck
	}
	return nil
}

// OpenSession starts a running session and returns its ID.
func (e *Engine) OpenSession(ctx context.Context, config map[string]any) (string, error) {
	id, err := e.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	session := church.Session{
		ID:        id,
		StartedAt: e.clock.Now(),
		Status:    church.SessionRunning,
		Config:    config,
	}
	if err := e.store.CreateSession(ctx, session); err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	metrics.ObserveSession(string(church.SessionRunning))
	logging.Session(e.logger, id).Info("session opened")
	return id, nil
}

// CloseSession completes a running session and records its errors.
// Closing twice returns church.ErrSessionClosed.
func (e *Engine) CloseSession(
	ctx context.Context,
	id string,
	stats church.SessionStats,
	errs []church.ScrapeError,
) error {
	endedAt := e.clock.Now()
	if err := e.store.CloseSession(ctx, id, endedAt, stats, errs); err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	metrics.ObserveSession(string(church.SessionCompleted))
	logging.Session(e.logger, id).Info("session closed",
		zap.Int("scraped", stats.Scraped),
		zap.Int("saved", stats.Saved),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("errors", len(errs)),
	)
	e.publish(ctx, SessionEvent{
		SessionID:   id,
		Status:      church.SessionCompleted,
		EndedAt:     endedAt,
		Stats:       stats,
		ErrorsCount: len(errs),
	})
	return nil
}

// FailSession marks a running session as failed.
func (e *Engine) FailSession(ctx context.Context, id, reason string) error {
	endedAt := e.clock.Now()
	if err := e.store.FailSession(ctx, id, endedAt, reason); err != nil {
		return fmt.Errorf("fail session %s: %w", id, err)
	}
	metrics.ObserveSession(string(church.SessionFailed))
	logging.Session(e.logger, id).Warn("session failed", zap.String("reason", reason))
	e.publish(ctx, SessionEvent{
		SessionID:     id,
		Status:        church.SessionFailed,
		EndedAt:       endedAt,
		FailureReason: reason,
	})
	return nil
}

// GetSession loads one session.
func (e *Engine) GetSession(ctx context.Context, id string) (church.Session, error) {
	session, err := e.store.GetSession(ctx, id)
	if err != nil {
		return church.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return session, nil
}

// ListSessions pages through sessions, newest first.
func (e *Engine) ListSessions(
	ctx context.Context,
	status *church.SessionStatus,
	limit, offset int,
) ([]church.Session, error) {
	if status != nil && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown session status %q", church.ErrInvalidQuery, *status)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", church.ErrInvalidQuery)
	}
	sessions, err := e.store.ListSessions(ctx, status, clamp(limit, DefaultListLimit, MaxListLimit), offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// ListSessionErrors returns the error rows recorded when a session closed.
func (e *Engine) ListSessionErrors(ctx context.Context, id string) ([]church.ScrapeError, error) {
	if _, err := e.store.GetSession(ctx, id); err != nil {
		return nil, fmt.Errorf("list session errors %s: %w", id, err)
	}
	errs, err := e.store.ListSessionErrors(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list session errors %s: %w", id, err)
	}
	return errs, nil
}

// SaveBatch merges recs into the store atomically.
func (e *Engine) SaveBatch(ctx context.Context, recs []church.Church) (church.BatchResult, error) {
	if len(recs) == 0 {
		return church.BatchResult{}, nil
	}
	now := e.clock.Now()
	e.archiveBatch(ctx, now, recs)

	start := time.Now()
	result, err := e.store.SaveBatch(ctx, recs, now)
	metrics.ObserveBatch(result.Saved, result.Updated, err, time.Since(start))
	if err != nil {
		e.logger.Warn("batch rejected", zap.Int("records", len(recs)), zap.Error(err))
		return church.BatchResult{}, err //nolint:wrapcheck
	}
	e.logger.Debug("batch saved",
		zap.Int("records", len(recs)),
		zap.Int("saved", result.Saved),
		zap.Int("updated", result.Updated),
	)
	return result, nil
}

// FindExisting reports the stored church that rec would merge into.
func (e *Engine) FindExisting(ctx context.Context, rec church.Church) (int64, bool, error) {
	id, found, err := e.store.FindExisting(ctx, rec)
	if err != nil {
		return 0, false, fmt.Errorf("find existing: %w", err)
	}
	return id, found, nil
}

// RecordValidations upserts link-check outcomes. Results without a timestamp
// are stamped with the current time.
func (e *Engine) RecordValidations(ctx context.Context, results []church.ValidationResult) error {
	if len(results) == 0 {
		return nil
	}
	now := e.clock.Now()
	stamped := make([]church.ValidationResult, len(results))
	for i, r := range results {
		if r.ChurchID <= 0 || strings.TrimSpace(r.URL) == "" {
			return fmt.Errorf("%w: validation %d needs church_id and url", church.ErrInvalidRecord, i)
		}
		if r.ValidatedAt.IsZero() {
			r.ValidatedAt = now
		}
		stamped[i] = r
	}
	if err := e.store.RecordValidations(ctx, stamped); err != nil {
		return fmt.Errorf("record validations: %w", err)
	}
	for _, r := range stamped {
		metrics.ObserveValidation(r.IsValid)
	}
	return nil
}

// ListByJurisdiction returns every church of a jurisdiction ordered by
// region, city and name.
func (e *Engine) ListByJurisdiction(ctx context.Context, jurisdiction string) ([]church.Church, error) {
	if strings.TrimSpace(jurisdiction) == "" {
		return nil, fmt.Errorf("%w: jurisdiction is required", church.ErrInvalidQuery)
	}
	churches, err := e.store.ListByJurisdiction(ctx, jurisdiction)
	if err != nil {
		return nil, fmt.Errorf("list by jurisdiction: %w", err)
	}
	return churches, nil
}

// Search runs a ranked full-text query. limit is clamped to [1, 100] and
// defaults to 20.
func (e *Engine) Search(ctx context.Context, term string, limit int) ([]church.SearchResult, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, fmt.Errorf("%w: search term is blank", church.ErrInvalidQuery)
	}
	results, err := e.store.Search(ctx, term, clamp(limit, DefaultSearchLimit, MaxSearchLimit))
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return results, nil
}

// Statistics returns the directory rollups.
func (e *Engine) Statistics(ctx context.Context) (church.Statistics, error) {
	stats, err := e.store.Statistics(ctx)
	if err != nil {
		return church.Statistics{}, fmt.Errorf("statistics: %w", err)
	}
	return stats, nil
}

// Ping checks store connectivity.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close releases the store.
func (e *Engine) Close() {
	e.store.Close()
}

func (e *Engine) publish(ctx context.Context, event SessionEvent) {
	if e.publisher == nil {
		return
	}
	msgID, err := e.publisher.Publish(ctx, e.topic, event)
	if err != nil {
		metrics.ObserveSideEffectFailure("publish")
		logging.Session(e.logger, event.SessionID).Warn("publish session event failed", zap.Error(err))
		return
	}
	logging.Session(e.logger, event.SessionID).Debug("session event published", zap.String("message_id", msgID))
}

// archiveBatch writes recs to <prefix>/<yyyy>/<mm>/<dd>/<id>.json.
func (e *Engine) archiveBatch(ctx context.Context, now time.Time, recs []church.Church) {
	if e.archive == nil {
		return
	}
	fail := func(err error) {
		metrics.ObserveSideEffectFailure("archive")
		e.logger.Warn("archive batch failed", zap.Int("records", len(recs)), zap.Error(err))
	}
	data, err := json.Marshal(recs)
	if err != nil {
		fail(fmt.Errorf("marshal batch: %w", err))
		return
	}
	id, err := e.ids.NewID()
	if err != nil {
		fail(err)
		return
	}
	objectPath := path.Join(e.archivePrefix, now.Format("2006/01/02"), id+".json")
	uri, err := e.archive.PutObject(ctx, objectPath, "application/json", bytes.NewReader(data))
	if err != nil {
		fail(err)
		return
	}
	if uri != "" {
		e.logger.Debug("batch archived", zap.String("uri", uri))
	}
}

func clamp(v, def, upper int) int {
	switch {
	case v <= 0:
		return def
	case v > upper:
		return upper
	}
	return v
}
