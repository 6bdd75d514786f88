package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/church"
)

// maxRowsPerInsert keeps multi-row statements well under the 65535 parameter cap.
const maxRowsPerInsert = 1000

const sessionColumns = `id, started_at, ended_at, status, total_scraped, total_saved,
	total_duplicates, total_validated, errors_count, by_jurisdiction, config, failure_reason`

// CreateSession inserts a running session row.
func (s *Store) CreateSession(ctx context.Context, session church.Session) error {
	id, err := parseSessionID(session.ID)
	if err != nil {
		return err
	}
	cfg, err := json.Marshal(nonNilConfig(session.Config))
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}
	query := `
		INSERT INTO scraping_sessions (id, started_at, status, config)
		VALUES ($1, $2, $3, $4);
	`
	if _, err := s.pool.Exec(ctx, query, id, session.StartedAt, string(church.SessionRunning), cfg); err != nil {
		if hasCode(err, uniqueViolation) {
			return fmt.Errorf("%w: session %s", church.ErrConflict, session.ID)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// CloseSession marks a running session completed, stores the aggregate counts
// and inserts errs in a single multi-row statement, all in one transaction.
func (s *Store) CloseSession(
	ctx context.Context,
	id string,
	endedAt time.Time,
	stats church.SessionStats,
	errs []church.ScrapeError,
) error {
	sessionID, err := parseSessionID(id)
	if err != nil {
		return err
	}
	breakdown, err := json.Marshal(nonNilCounts(stats.ByJurisdiction))
	if err != nil {
		return fmt.Errorf("marshal jurisdiction breakdown: %w", err)
	}
	query := `
		UPDATE scraping_sessions
		SET ended_at = $2, status = $3, total_scraped = $4, total_saved = $5,
			total_duplicates = $6, total_validated = $7, errors_count = $8, by_jurisdiction = $9
		WHERE id = $1 AND status = $10;
	`
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query,
			sessionID,
			endedAt,
			string(church.SessionCompleted),
			stats.Scraped,
			stats.Saved,
			stats.Duplicates,
			stats.Validated,
			len(errs),
			breakdown,
			string(church.SessionRunning),
		)
		if err != nil {
			return fmt.Errorf("failed to close session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return sessionStateError(ctx, tx, sessionID)
		}
		return insertScrapeErrors(ctx, tx, sessionID, endedAt, errs)
	})
}

// FailSession moves a running session to failed.
func (s *Store) FailSession(ctx context.Context, id string, endedAt time.Time, reason string) error {
	sessionID, err := parseSessionID(id)
	if err != nil {
		return err
	}
	query := `
		UPDATE scraping_sessions
		SET ended_at = $2, status = $3, failure_reason = $4
		WHERE id = $1 AND status = $5;
	`
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query,
			sessionID, endedAt, string(church.SessionFailed), nullString(reason), string(church.SessionRunning))
		if err != nil {
			return fmt.Errorf("failed to fail session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return sessionStateError(ctx, tx, sessionID)
		}
		return nil
	})
}

// GetSession retrieves a single session by its ID.
func (s *Store) GetSession(ctx context.Context, id string) (church.Session, error) {
	sessionID, err := parseSessionID(id)
	if err != nil {
		return church.Session{}, err
	}
	query := `SELECT ` + sessionColumns + ` FROM scraping_sessions WHERE id = $1;`
	session, err := scanSession(s.pool.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return church.Session{}, church.ErrNotFound
		}
		return church.Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions retrieves sessions, newest first, with optional status filtering.
func (s *Store) ListSessions(
	ctx context.Context,
	status *church.SessionStatus,
	limit,
	offset int,
) ([]church.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM scraping_sessions
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []church.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// ListSessionErrors returns the audit rows of one session in insertion order.
func (s *Store) ListSessionErrors(ctx context.Context, id string) ([]church.ScrapeError, error) {
	sessionID, err := parseSessionID(id)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT id, jurisdiction, error_type, message, url, created_at
		FROM scraping_errors
		WHERE session_id = $1
		ORDER BY id;
	`
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session errors: %w", err)
	}
	defer rows.Close()

	var out []church.ScrapeError
	for rows.Next() {
		var (
			e            church.ScrapeError
			jurisdiction *string
			url          *string
		)
		if err := rows.Scan(&e.ID, &jurisdiction, &e.Kind, &e.Message, &url, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session error row: %w", err)
		}
		e.SessionID = id
		e.Jurisdiction = derefString(jurisdiction)
		e.URL = derefString(url)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session errors: %w", err)
	}
	return out, nil
}

func insertScrapeErrors(
	ctx context.Context,
	tx pgx.Tx,
	sessionID uuid.UUID,
	at time.Time,
	errs []church.ScrapeError,
) error {
	for start := 0; start < len(errs); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(errs))
		chunk := errs[start:end]

		var sb strings.Builder
		sb.WriteString("INSERT INTO scraping_errors (session_id, jurisdiction, error_type, message, url, created_at) VALUES ")
		args := make([]any, 0, len(chunk)*6)
		for i, e := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := i * 6
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6)
			createdAt := e.CreatedAt
			if createdAt.IsZero() {
				createdAt = at
			}
			kind := e.Kind
			if kind == "" {
				kind = "unknown"
			}
			args = append(args, sessionID, nullString(e.Jurisdiction), kind, e.Message, nullString(e.URL), createdAt)
		}
		if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("failed to insert session errors: %w", err)
		}
	}
	return nil
}

// sessionStateError explains why a guarded status update touched no rows.
func sessionStateError(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM scraping_sessions WHERE id = $1;`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return church.ErrNotFound
		}
		return fmt.Errorf("failed to load session status: %w", err)
	}
	return fmt.Errorf("%w: status is %s", church.ErrSessionClosed, status)
}

func scanSession(row rowScanner) (church.Session, error) {
	var (
		session   church.Session
		id        uuid.UUID
		status    string
		breakdown []byte
		cfg       []byte
		reason    *string
	)
	err := row.Scan(
		&id,
		&session.StartedAt,
		&session.EndedAt,
		&status,
		&session.Scraped,
		&session.Saved,
		&session.Duplicates,
		&session.Validated,
		&session.ErrorsCount,
		&breakdown,
		&cfg,
		&reason,
	)
	if err != nil {
		return church.Session{}, err //nolint:wrapcheck // callers distinguish pgx.ErrNoRows
	}
	session.ID = id.String()
	session.Status = church.SessionStatus(status)
	session.FailureReason = derefString(reason)
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &session.ByJurisdiction); err != nil {
			return church.Session{}, fmt.Errorf("decode by_jurisdiction: %w", err)
		}
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &session.Config); err != nil {
			return church.Session{}, fmt.Errorf("decode config: %w", err)
		}
	}
	return session, nil
}

func parseSessionID(id string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid session id %q", church.ErrNotFound, id)
	}
	return parsed, nil
}

func nonNilConfig(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}

func nonNilCounts(in map[string]int) map[string]int {
	if in == nil {
		return map[string]int{}
	}
	return in
}
