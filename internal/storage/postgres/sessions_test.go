package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/church"
)

var sessionColumnNames = []string{
	"id", "started_at", "ended_at", "status", "total_scraped", "total_saved",
	"total_duplicates", "total_validated", "errors_count", "by_jurisdiction", "config", "failure_reason",
}

func TestCreateSessionInsertsRunningRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.Must(uuid.NewV7())
	started := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO scraping_sessions").
		WithArgs(id, started, "running", []byte(`{"jurisdictions":["OCA"]}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.CreateSession(context.Background(), church.Session{
		ID:        id.String(),
		StartedAt: started,
		Config:    map[string]any{"jurisdictions": []string{"OCA"}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseSessionStoresCountsAndErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.Must(uuid.NewV7())
	ended := time.Unix(1700003600, 0).UTC()
	reported := ended.Add(-time.Minute)

	stats := church.SessionStats{
		Scraped:        12,
		Saved:          9,
		Duplicates:     3,
		Validated:      5,
		ByJurisdiction: map[string]int{"OCA": 7, "GOARCH": 5},
	}
	errs := []church.ScrapeError{
		{Jurisdiction: "OCA", Kind: "timeout", Message: "deadline exceeded", URL: "https://oca.example/p/2", CreatedAt: reported},
		{Message: "parse failure"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE scraping_sessions").
		WithArgs(id, ended, "completed", 12, 9, 3, 5, 2, pgxmock.AnyArg(), "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO scraping_errors .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\), \(\$7`).
		WithArgs(
			id, strPtr("OCA"), "timeout", "deadline exceeded", strPtr("https://oca.example/p/2"), reported,
			id, (*string)(nil), "unknown", "parse failure", (*string)(nil), ended,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	require.NoError(t, store.CloseSession(context.Background(), id.String(), ended, stats, errs))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseSessionWithoutErrorsSkipsInsert(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.Must(uuid.NewV7())
	ended := time.Unix(1700003600, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE scraping_sessions").
		WithArgs(id, ended, "completed", 0, 0, 0, 0, 0, []byte(`{}`), "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.CloseSession(context.Background(), id.String(), ended, church.SessionStats{}, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseSessionRejectsDoubleClose(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.Must(uuid.NewV7())
	ended := time.Unix(1700003600, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE scraping_sessions").
		WithArgs(anyArgs(10)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM scraping_sessions").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectRollback()

	err := store.CloseSession(context.Background(), id.String(), ended, church.SessionStats{}, nil)
	require.ErrorIs(t, err, church.ErrSessionClosed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseSessionUnknownID(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.Must(uuid.NewV7())

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE scraping_sessions").
		WithArgs(anyArgs(10)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM scraping_sessions").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	err := store.CloseSession(context.Background(), id.String(), time.Now(), church.SessionStats{}, nil)
	require.ErrorIs(t, err, church.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionOperationsRejectMalformedID(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()

	require.ErrorIs(t, store.CloseSession(ctx, "not-a-uuid", time.Now(), church.SessionStats{}, nil), church.ErrNotFound)
	require.ErrorIs(t, store.FailSession(ctx, "not-a-uuid", time.Now(), "boom"), church.ErrNotFound)
	_, err := store.GetSession(ctx, "not-a-uuid")
	require.ErrorIs(t, err, church.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailSession(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.Must(uuid.NewV7())
	ended := time.Unix(1700003600, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE scraping_sessions").
		WithArgs(id, ended, "failed", strPtr("source unreachable"), "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.FailSession(context.Background(), id.String(), ended, "source unreachable"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionDecodesRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.Must(uuid.NewV7())
	started := time.Unix(1700000000, 0).UTC()
	ended := started.Add(time.Hour)

	mock.ExpectQuery("FROM scraping_sessions WHERE id = \\$1").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(sessionColumnNames).AddRow(
			id, started, &ended, "completed", 10, 8, 2, 4, 1,
			[]byte(`{"OCA":10}`), []byte(`{"mode":"full"}`), (*string)(nil),
		))

	session, err := store.GetSession(context.Background(), id.String())
	require.NoError(t, err)
	require.Equal(t, id.String(), session.ID)
	require.Equal(t, church.SessionCompleted, session.Status)
	require.Equal(t, ended, *session.EndedAt)
	require.Equal(t, 8, session.Saved)
	require.Equal(t, map[string]int{"OCA": 10}, session.ByJurisdiction)
	require.Equal(t, "full", session.Config["mode"])
	require.Empty(t, session.FailureReason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.Must(uuid.NewV7())

	mock.ExpectQuery("FROM scraping_sessions").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(sessionColumnNames))

	_, err := store.GetSession(context.Background(), id.String())
	require.ErrorIs(t, err, church.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSessionsFiltersByStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.Must(uuid.NewV7())
	started := time.Unix(1700000000, 0).UTC()
	status := church.SessionFailed

	mock.ExpectQuery("FROM scraping_sessions").
		WithArgs(strPtr("failed"), 20, 0).
		WillReturnRows(pgxmock.NewRows(sessionColumnNames).AddRow(
			id, started, (*time.Time)(nil), "failed", 0, 0, 0, 0, 0,
			[]byte(`{}`), []byte(`{}`), strPtr("crawler crashed"),
		))

	sessions, err := store.ListSessions(context.Background(), &status, 20, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "crawler crashed", sessions[0].FailureReason)
	require.Nil(t, sessions[0].EndedAt)

	mock.ExpectQuery("FROM scraping_sessions").
		WithArgs((*string)(nil), 5, 10).
		WillReturnRows(pgxmock.NewRows(sessionColumnNames))

	sessions, err = store.ListSessions(context.Background(), nil, 5, 10)
	require.NoError(t, err)
	require.Empty(t, sessions)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSessionErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.Must(uuid.NewV7())
	at := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("FROM scraping_errors").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "jurisdiction", "error_type", "message", "url", "created_at"}).
			AddRow(int64(1), strPtr("OCA"), "timeout", "deadline exceeded", (*string)(nil), at))

	errs, err := store.ListSessionErrors(context.Background(), id.String())
	require.NoError(t, err)
	require.Equal(t, []church.ScrapeError{{
		ID:           1,
		SessionID:    id.String(),
		Jurisdiction: "OCA",
		Kind:         "timeout",
		Message:      "deadline exceeded",
		CreatedAt:    at,
	}}, errs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertScrapeErrorsChunks(t *testing.T) {
	t.Parallel()

	_, mock := newMockStore(t)
	id := uuid.Must(uuid.NewV7())
	at := time.Unix(1700000000, 0).UTC()

	errs := make([]church.ScrapeError, maxRowsPerInsert+1)
	for i := range errs {
		errs[i] = church.ScrapeError{Kind: "http", Message: "500"}
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO scraping_errors").
		WithArgs(anyArgs(maxRowsPerInsert * 6)...).
		WillReturnResult(pgxmock.NewResult("INSERT", maxRowsPerInsert))
	mock.ExpectExec("INSERT INTO scraping_errors").
		WithArgs(anyArgs(6)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, insertScrapeErrors(context.Background(), tx, id, at, errs))
	require.NoError(t, mock.ExpectationsWereMet())
}

func strPtr(s string) *string { return &s }

func TestCreateSessionDuplicateID(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	id := uuid.Must(uuid.NewV7())

	mock.ExpectExec("INSERT INTO scraping_sessions").
		WithArgs(anyArgs(4)...).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})

	err := store.CreateSession(context.Background(), church.Session{ID: id.String(), StartedAt: time.Now()})
	require.ErrorIs(t, err, church.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}
