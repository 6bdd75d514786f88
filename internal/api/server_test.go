package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/church"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/config"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/engine"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/metrics"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/storage/memory"
)

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, RequestTimeoutSec: 5, MaxBodyBytes: 1 << 20},
		DB:     config.DBConfig{Driver: "memory"},
	}
}

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	metrics.Init()
	eng, err := engine.New(memory.NewStore())
	require.NoError(t, err)
	return NewServer(eng, cfg, zap.NewNop())
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const stNicholasBatch = `{"churches":[
 {"name":"St. Nicholas Orthodox Church","name_normalized":"st nicholas","jurisdiction":"OCA",
  "city":"Springfield","region":"IL","website":"https://stnicholas.example.org"},
 {"name":"Holy Trinity Cathedral","name_normalized":"holy trinity","jurisdiction":"OCA",
  "city":"Chicago","region":"IL","contact_phone":"312-555-0100"}
]}`

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testConfig())
	rec := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

type downService struct{ Service }

func (downService) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadinessReportsStoreOutage(t *testing.T) {
	t.Parallel()

	s := NewServer(downService{}, testConfig(), nil)
	rec := do(t, s, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testConfig())

	rec := do(t, s, http.MethodPost, "/v1/sessions", `{"config":{"jurisdictions":["OCA"]}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	opened := decodeBody[map[string]string](t, rec)
	id := opened["session_id"]
	require.NotEmpty(t, id)

	closeBody := `{"stats":{"scraped":12,"saved":10,"duplicates":2,"by_jurisdiction":{"OCA":12}},
		"errors":[{"error_type":"timeout","message":"page timed out"},{"error_type":"parse","message":"no address"}]}`
	rec = do(t, s, http.MethodPost, "/v1/sessions/"+id+"/close", closeBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/v1/sessions/"+id+"/close", closeBody)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/sessions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[struct {
		Session church.Session `json:"session"`
	}](t, rec)
	assert.Equal(t, church.SessionCompleted, got.Session.Status)
	assert.Equal(t, 2, got.Session.ErrorsCount)
	assert.Equal(t, 12, got.Session.Scraped)

	rec = do(t, s, http.MethodGet, "/v1/sessions/"+id+"/errors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	errs := decodeBody[struct {
		Errors []church.ScrapeError `json:"errors"`
	}](t, rec)
	assert.Len(t, errs.Errors, 2)

	rec = do(t, s, http.MethodGet, "/v1/sessions?status=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[struct {
		Sessions []church.Session `json:"sessions"`
	}](t, rec)
	require.Len(t, listed.Sessions, 1)
	assert.Equal(t, id, listed.Sessions[0].ID)
}

func TestFailSessionOverHTTP(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testConfig())
	rec := do(t, s, http.MethodPost, "/v1/sessions", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[map[string]string](t, rec)["session_id"]

	rec = do(t, s, http.MethodPost, "/v1/sessions/"+id+"/fail", `{"reason":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/sessions/"+id+"/fail", `{"reason":"source offline"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/sessions/"+id+"/fail", `{"reason":"again"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSessionRouteErrors(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testConfig())
	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"malformed id", http.MethodGet, "/v1/sessions/not-a-uuid", "", http.StatusBadRequest},
		{"unknown id", http.MethodGet, "/v1/sessions/0190b3c4-5d6e-7f80-9a1b-2c3d4e5f6a7b", "", http.StatusNotFound},
		{"close unknown", http.MethodPost, "/v1/sessions/0190b3c4-5d6e-7f80-9a1b-2c3d4e5f6a7b/close", "{}", http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/v1/sessions?status=paused", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/v1/sessions?limit=-1", "", http.StatusBadRequest},
		{"invalid json", http.MethodPost, "/v1/sessions", "{invalid", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, s, tt.method, tt.target, tt.body)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestBatchMatchAndQueries(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testConfig())

	rec := do(t, s, http.MethodPost, "/v1/churches/batch", stNicholasBatch)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, church.BatchResult{Saved: 2}, decodeBody[church.BatchResult](t, rec))

	rec = do(t, s, http.MethodPost, "/v1/churches/batch", stNicholasBatch)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, church.BatchResult{Updated: 2}, decodeBody[church.BatchResult](t, rec))

	rec = do(t, s, http.MethodPost, "/v1/churches/match",
		`{"name":"St. Nicholas Orthodox Church","city":"Springfield","contact_phone":"217-555-0199"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	match := decodeBody[matchResponse](t, rec)
	require.True(t, match.Found)

	rec = do(t, s, http.MethodPost, "/v1/validations",
		`{"results":[{"church_id":`+jsonInt(match.ID)+`,"url":"https://stnicholas.example.org","is_valid":true,"status_code":200}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/v1/churches?jurisdiction=OCA", "")
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[struct {
		Churches []church.Church `json:"churches"`
	}](t, rec)
	require.Len(t, listed.Churches, 2)
	assert.Equal(t, "Chicago", listed.Churches[0].City)

	rec = do(t, s, http.MethodGet, "/v1/churches/search?q=nicholas&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	found := decodeBody[struct {
		Results []church.SearchResult `json:"results"`
	}](t, rec)
	require.Len(t, found.Results, 1)
	assert.Equal(t, "St. Nicholas Orthodox Church", found.Results[0].Name)

	rec = do(t, s, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[church.Statistics](t, rec)
	assert.Equal(t, int64(2), stats.Overall.Total)
	assert.Equal(t, int64(1), stats.Overall.WithWebsite)
}

func TestBatchRejectsInvalidRecord(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testConfig())
	rec := do(t, s, http.MethodPost, "/v1/churches/batch",
		`{"churches":[{"name":"St. Mary","city":"Austin","website":"https://stmary.example"},{"name":"No Contact","city":"Dallas"}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.EqualValues(t, 1, body["index"])

	rec = do(t, s, http.MethodGet, "/v1/stats", "")
	assert.Equal(t, int64(0), decodeBody[church.Statistics](t, rec).Overall.Total)
}

func TestQueryValidation(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testConfig())
	tests := []struct {
		name   string
		target string
	}{
		{"missing jurisdiction", "/v1/churches"},
		{"missing term", "/v1/churches/search"},
		{"blank term", "/v1/churches/search?q=%20%20"},
		{"bad limit", "/v1/churches/search?q=trinity&limit=abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, s, http.MethodGet, tt.target, "")
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestValidationForUnknownChurch(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testConfig())
	rec := do(t, s, http.MethodPost, "/v1/validations", `{"results":[{"church_id":42,"url":"https://x.example"}]}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.MaxBodyBytes = 64
	s := newTestServer(t, cfg)
	rec := do(t, s, http.MethodPost, "/v1/churches/batch", stNicholasBatch)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "exceeds")
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "s3cret"}
	s := newTestServer(t, cfg)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "missing key", path: "/v1/stats", want: http.StatusForbidden},
		{name: "header key", path: "/v1/stats", header: "s3cret", want: http.StatusOK},
		{name: "query key", path: "/v1/stats?api_key=s3cret", want: http.StatusOK},
		{name: "same length wrong key", path: "/v1/stats", header: "s3creT", want: http.StatusForbidden},
		{name: "key prefix", path: "/v1/stats?api_key=s3c", want: http.StatusForbidden},
		{name: "longer key", path: "/v1/stats", header: "s3cret!", want: http.StatusForbidden},
		{name: "health is open", path: "/healthz", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testConfig())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.CORSOrigins = []string{"https://admin.example"}
	s := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodOptions, "/v1/stats", nil)
	req.Header.Set("Origin", "https://admin.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, "https://admin.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.RateLimitPerMinute = 2
	s := newTestServer(t, cfg)

	codes := make([]int, 0, 3)
	for range 3 {
		codes = append(codes, do(t, s, http.MethodGet, "/v1/stats", "").Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

type panicService struct{ Service }

func (panicService) Statistics(context.Context) (church.Statistics, error) { panic("boom") }

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(panicService{}, testConfig(), nil)
	rec := do(t, s, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "internal server error"))
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
