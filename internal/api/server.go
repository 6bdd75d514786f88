// Package api exposes the ingestion engine over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/church"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/config"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/logging"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/metrics"
)

const readyTimeout = 2 * time.Second

// Service is the engine surface the handlers depend on.
type Service interface {
	OpenSession(ctx context.Context, config map[string]any) (string, error)
	CloseSession(ctx context.Context, id string, stats church.SessionStats, errs []church.ScrapeError) error
	FailSession(ctx context.Context, id, reason string) error
	GetSession(ctx context.Context, id string) (church.Session, error)
	ListSessions(ctx context.Context, status *church.SessionStatus, limit, offset int) ([]church.Session, error)
	ListSessionErrors(ctx context.Context, id string) ([]church.ScrapeError, error)
	SaveBatch(ctx context.Context, recs []church.Church) (church.BatchResult, error)
	FindExisting(ctx context.Context, rec church.Church) (int64, bool, error)
	RecordValidations(ctx context.Context, results []church.ValidationResult) error
	ListByJurisdiction(ctx context.Context, jurisdiction string) ([]church.Church, error)
	Search(ctx context.Context, term string, limit int) ([]church.SearchResult, error)
	Statistics(ctx context.Context) (church.Statistics, error)
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the engine.
type Server struct {
	router  chi.Router
	svc     Service
	cfg     config.Config
	timeout time.Duration
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, cfg config.Config, logger *zap.Logger) *Server {
	s := &Server{
		svc:     svc,
		cfg:     cfg,
		timeout: cfg.RequestTimeout(),
		logger:  logging.Component(logger, "api"),
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	if len(cfg.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Server.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Server.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(cfg.Server.RateLimitPerMinute, time.Minute))
		}
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.openSession)
			r.Get("/", s.listSessions)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Get("/errors", s.listSessionErrors)
				r.Post("/close", s.closeSession)
				r.Post("/fail", s.failSession)
			})
		})
		r.Route("/churches", func(r chi.Router) {
			r.Get("/", s.listChurches)
			r.Get("/search", s.searchChurches)
			r.Post("/batch", s.saveBatch)
			r.Post("/match", s.matchChurch)
		})
		r.Post("/validations", s.recordValidations)
		r.Get("/stats", s.statistics)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.svc.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeServiceError maps engine errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var batchErr *church.BatchError
	switch {
	case errors.As(err, &batchErr) && errors.Is(err, church.ErrInvalidRecord):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": batchErr.Error(),
			"index": batchErr.Index,
		})
		return
	case errors.Is(err, church.ErrInvalidRecord):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, church.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, church.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	case errors.Is(err, church.ErrSessionClosed), errors.Is(err, church.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
		return
	}
	s.logger.Error(op+" failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("panic", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
