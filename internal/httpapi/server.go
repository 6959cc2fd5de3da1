package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/driftwatch/internal/driftwatch"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	tracker     *driftwatch.Tracker
	projector   *driftwatch.Projector
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(tracker *driftwatch.Tracker, projector *driftwatch.Projector) *Server {
	return NewServerWithConfig(tracker, projector, ServerConfig{})
}

func NewServerWithConfig(tracker *driftwatch.Tracker, projector *driftwatch.Projector, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		tracker:     tracker,
		projector:   projector,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if r.URL.Path == "/v1/admin/buffers" && r.Method == http.MethodGet {
		s.handleAdminBuffers(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "executions" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	executionID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "watch" && r.Method == http.MethodPost:
		requiredScope = "track:write"
		route = "watch"
	case len(parts) == 4 && parts[3] == "watch" && r.Method == http.MethodDelete:
		requiredScope = "track:write"
		route = "unwatch"
	case len(parts) == 4 && parts[3] == "provisional-state" && r.Method == http.MethodGet:
		requiredScope = "state:read"
		route = "provisional_state"
	case len(parts) == 5 && parts[3] == "provisional-state" && parts[4] == "summary" && r.Method == http.MethodGet:
		requiredScope = "state:read"
		route = "provisional_summary"
	case len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet:
		requiredScope = "state:read"
		route = "events"
	case len(parts) == 5 && parts[3] == "events" && parts[4] == "stream" && r.Method == http.MethodGet:
		requiredScope = "state:read"
		route = "events_stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, executionID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := executionID + "|" + claims.AgentName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "watch":
		s.handleWatch(w, r, executionID, correlationID)
	case "unwatch":
		s.handleUnwatch(w, r, executionID, correlationID)
	case "provisional_state":
		s.handleProvisionalState(w, r, executionID, correlationID)
	case "provisional_summary":
		s.handleProvisionalSummary(w, r, executionID, correlationID)
	case "events":
		s.handleEvents(w, r, executionID, correlationID)
	case "events_stream":
		s.handleEventsStream(w, r, executionID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type watchRequest struct {
	RootPath string `json:"rootPath"`
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, executionID, correlationID string) {
	var req watchRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.RootPath) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "rootPath is required", correlationID)
		return
	}
	if err := s.tracker.StartTracking(executionID, req.RootPath); err != nil {
		switch {
		case errors.Is(err, driftwatch.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		case errors.Is(err, driftwatch.ErrAlreadyTracking), errors.Is(err, driftwatch.ErrAlreadyWatching):
			writeError(w, http.StatusConflict, "already_tracking", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"executionId": executionID,
		"rootPath":    req.RootPath,
		"status":      "tracking",
	})
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request, executionID, correlationID string) {
	s.tracker.StopTracking(executionID)
	if parseBool(r.URL.Query().Get("discardEvents"), false) {
		s.tracker.Buffer().Remove(executionID)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"executionId": executionID,
		"status":      "stopped",
	})
}

func (s *Server) handleProvisionalState(w http.ResponseWriter, r *http.Request, executionID, correlationID string) {
	state, err := s.projector.ComputeProvisionalState(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, driftwatch.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleProvisionalSummary(w http.ResponseWriter, r *http.Request, executionID, correlationID string) {
	summary, err := s.projector.Summary(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, driftwatch.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":             summary,
		"hasProvisionalState": s.projector.HasProvisionalState(executionID),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, executionID, correlationID string) {
	fromSequence, err := parseOptionalBoundedInt(r.URL.Query().Get("fromSequence"), 0, 0, math.MaxInt32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid fromSequence", correlationID)
		return
	}
	events := s.tracker.Buffer().Events(executionID, uint64(fromSequence))
	writeJSON(w, http.StatusOK, map[string]any{
		"executionId": executionID,
		"events":      events,
		"count":       len(events),
	})
}

func (s *Server) handleAdminBuffers(w http.ResponseWriter, r *http.Request) {
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "", "", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if !hasAnyScope(claims.Scopes, "admin:read") {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: admin:read", getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.Buffer().Stats())
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, errors.New("out of range")
	}
	return parsed, nil
}
