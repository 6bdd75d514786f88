package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/church"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/id/uuid"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
)

type openSessionRequest struct {
	Config map[string]any `json:"config"`
}

type closeSessionRequest struct {
	Stats  church.SessionStats  `json:"stats"`
	Errors []church.ScrapeError `json:"errors"`
}

type failSessionRequest struct {
	Reason string `json:"reason"`
}

type batchRequest struct {
	Churches []church.Church `json:"churches"`
}

type validationsRequest struct {
	Results []church.ValidationResult `json:"results"`
}

type matchResponse struct {
	Found bool  `json:"found"`
	ID    int64 `json:"id,omitempty"`
}

// openSession handles POST /v1/sessions and returns 201 {"session_id": ...}.
func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := s.decode(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	id, err := s.svc.OpenSession(ctx, req.Config)
	if err != nil {
		s.writeServiceError(w, r, "open session", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"session_id": id,
		"status":     string(church.SessionRunning),
	})
}

// listSessions handles GET /v1/sessions?status=&limit=&offset=.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultSessionLimit, maxSessionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *church.SessionStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		val := church.SessionStatus(strings.ToLower(raw))
		if !val.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = &val
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	sessions, err := s.svc.ListSessions(ctx, status, limit, offset)
	if err != nil {
		s.writeServiceError(w, r, "list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []church.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// getSession handles GET /v1/sessions/{session_id}.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	session, err := s.svc.GetSession(ctx, id)
	if err != nil {
		s.writeServiceError(w, r, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

// listSessionErrors handles GET /v1/sessions/{session_id}/errors.
func (s *Server) listSessionErrors(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	errs, err := s.svc.ListSessionErrors(ctx, id)
	if err != nil {
		s.writeServiceError(w, r, "list session errors", err)
		return
	}
	if errs == nil {
		errs = []church.ScrapeError{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": errs})
}

// closeSession handles POST /v1/sessions/{session_id}/close. A second close
// answers 409.
func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req closeSessionRequest
	if err := s.decode(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if err := s.svc.CloseSession(ctx, id, req.Stats, req.Errors); err != nil {
		s.writeServiceError(w, r, "close session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":   id,
		"status":       string(church.SessionCompleted),
		"errors_count": len(req.Errors),
	})
}

// failSession handles POST /v1/sessions/{session_id}/fail.
func (s *Server) failSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req failSessionRequest
	if err := s.decode(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if err := s.svc.FailSession(ctx, id, req.Reason); err != nil {
		s.writeServiceError(w, r, "fail session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": string(church.SessionFailed)})
}

// saveBatch handles POST /v1/churches/batch. An invalid record rejects the
// whole batch with 422 and the offending index.
func (s *Server) saveBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := s.decode(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	result, err := s.svc.SaveBatch(ctx, req.Churches)
	if err != nil {
		s.writeServiceError(w, r, "save batch", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// matchChurch handles POST /v1/churches/match with a church body and reports
// the stored church it would merge into.
func (s *Server) matchChurch(w http.ResponseWriter, r *http.Request) {
	var rec church.Church
	if err := s.decode(w, r, &rec, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	id, found, err := s.svc.FindExisting(ctx, rec)
	if err != nil {
		s.writeServiceError(w, r, "match church", err)
		return
	}
	writeJSON(w, http.StatusOK, matchResponse{Found: found, ID: id})
}

// recordValidations handles POST /v1/validations.
func (s *Server) recordValidations(w http.ResponseWriter, r *http.Request) {
	var req validationsRequest
	if err := s.decode(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if err := s.svc.RecordValidations(ctx, req.Results); err != nil {
		s.writeServiceError(w, r, "record validations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"recorded": len(req.Results)})
}

// listChurches handles GET /v1/churches?jurisdiction=.
func (s *Server) listChurches(w http.ResponseWriter, r *http.Request) {
	jurisdiction := strings.TrimSpace(r.URL.Query().Get("jurisdiction"))
	if jurisdiction == "" {
		writeError(w, http.StatusBadRequest, "jurisdiction is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	churches, err := s.svc.ListByJurisdiction(ctx, jurisdiction)
	if err != nil {
		s.writeServiceError(w, r, "list churches", err)
		return
	}
	if churches == nil {
		churches = []church.Church{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"churches": churches})
}

// searchChurches handles GET /v1/churches/search?q=&limit=. The engine clamps
// the limit.
func (s *Server) searchChurches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	term := strings.TrimSpace(q.Get("q"))
	if term == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = val
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	results, err := s.svc.Search(ctx, term, limit)
	if err != nil {
		s.writeServiceError(w, r, "search", err)
		return
	}
	if results == nil {
		results = []church.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// statistics handles GET /v1/stats.
func (s *Server) statistics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	stats, err := s.svc.Statistics(ctx)
	if err != nil {
		s.writeServiceError(w, r, "statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// decode reads a JSON body bounded by server.max_body_bytes. An empty body is
// accepted when optional is set.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	if s.cfg.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return nil
	case optional && errors.Is(err, io.EOF):
		return nil
	case errors.As(err, &tooLarge):
		return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
	}
	return errors.New("invalid JSON")
}

func parseSessionID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "session_id")
	if id == "" {
		return "", errors.New("session_id is required")
	}
	if !uuid.Valid(id) {
		return "", errors.New("invalid session_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
