package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/docker/go-metrics"
	"github.com/google/uuid"

	"github.com/nkasozi/svc-task-details-repository-manager/internal/recontasks"
)

const correlationHeader = "X-Correlation-Id"

// TaskService is the set of workflows the API exposes.
type TaskService interface {
	CreateTask(ctx context.Context, req recontasks.CreateTaskRequest) (recontasks.TaskResponse, error)
	GetTask(ctx context.Context, taskID string) (recontasks.TaskResponse, error)
	AttachPrimaryFile(ctx context.Context, req recontasks.AttachPrimaryFileRequest) (recontasks.FileAttachmentSummary, error)
	AttachComparisonFile(ctx context.Context, req recontasks.AttachComparisonFileRequest) (recontasks.FileAttachmentSummary, error)
}

type ServerConfig struct {
	// JWTSecret enables bearer token auth when set.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	service     TaskService
	events      *recontasks.EventHub
	cfg         ServerConfig
	schemas     *requestSchemas
	rateLimiter *rateLimiter
	metrics     http.Handler
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

func NewServer(service TaskService, events *recontasks.EventHub) *Server {
	return NewServerWithConfig(service, events, ServerConfig{})
}

func NewServerWithConfig(service TaskService, events *recontasks.EventHub, cfg ServerConfig) *Server {
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
		service:     service,
		events:      events,
		cfg:         cfg,
		schemas:     mustLoadRequestSchemas(),
		rateLimiter: limiter,
		metrics:     metrics.Handler(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(correlationHeader, correlationID)
	ctx := log.WithLogger(r.Context(), log.G(r.Context()).WithFields(log.Fields{
		"correlationId": correlationID,
		"method":        r.Method,
		"path":          r.URL.Path,
	}))
	r = r.WithContext(ctx)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 0 || parts[0] != "recon-tasks" {
		writeError(w, http.StatusNotFound, string(recontasks.KindNotFound), "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 1 && r.Method == http.MethodPost:
		requiredScope = "tasks:write"
		route = "create_task"
	case len(parts) == 2 && parts[1] == "attach-primary-file" && r.Method == http.MethodPost:
		requiredScope = "tasks:write"
		route = "attach_primary_file"
	case len(parts) == 2 && parts[1] == "attach-comparison-file" && r.Method == http.MethodPost:
		requiredScope = "tasks:write"
		route = "attach_comparison_file"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		requiredScope = "tasks:read"
		route = "events"
	case len(parts) == 2 && r.Method == http.MethodGet:
		requiredScope = "tasks:read"
		route = "get_task"
	default:
		writeError(w, http.StatusNotFound, string(recontasks.KindNotFound), "route not found", correlationID)
		return
	}

	principal := clientAddress(r)
	if s.cfg.JWTSecret != "" {
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		principal = claims.Subject
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(principal, time.Now().UTC()) {
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
	case "create_task":
		s.handleCreateTask(w, r, correlationID)
	case "attach_primary_file":
		s.handleAttachFile(w, r, correlationID, s.service.AttachPrimaryFile)
	case "attach_comparison_file":
		s.handleAttachFile(w, r, correlationID, s.service.AttachComparisonFile)
	case "events":
		s.handleEvents(w, r, correlationID)
	case "get_task":
		s.handleGetTask(w, r, parts[1], correlationID)
	default:
		writeError(w, http.StatusNotFound, string(recontasks.KindNotFound), "route not found", correlationID)
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req recontasks.CreateTaskRequest
	if !s.decodeJSONBody(w, r, correlationID, createTaskSchema, &req) {
		return
	}
	resp, err := s.service.CreateTask(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, taskID, correlationID string) {
	resp, err := s.service.GetTask(r.Context(), taskID)
	if err != nil {
		writeServiceError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type attachFunc func(context.Context, recontasks.AttachFileRequest) (recontasks.FileAttachmentSummary, error)

func (s *Server) handleAttachFile(w http.ResponseWriter, r *http.Request, correlationID string, attach attachFunc) {
	var req recontasks.AttachFileRequest
	if !s.decodeJSONBody(w, r, correlationID, attachFileSchema, &req) {
		return
	}
	summary, err := attach(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(correlationHeader))
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, string(recontasks.KindBadClientRequest), "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, string(recontasks.KindBadClientRequest), "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

// decodeJSONBody reads the body, checks it against the named schema and
// decodes it into dst. It writes the error response itself and reports
// whether the handler should continue.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID, schema string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := s.schemas.validate(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, string(recontasks.KindBadClientRequest), err.Error(), correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, string(recontasks.KindBadClientRequest), "invalid json body", correlationID)
		return false
	}
	return true
}

func statusForKind(kind recontasks.ErrorKind) int {
	switch kind {
	case recontasks.KindNotFound:
		return http.StatusNotFound
	case recontasks.KindBadClientRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps a service error to its status. Server side failures
// are logged in full and answered with a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, correlationID string) {
	kind := recontasks.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		log.G(r.Context()).WithError(err).WithField("kind", kind).Error("request failed")
		writeError(w, status, string(kind), "internal server error", correlationID)
		return
	}
	message := err.Error()
	var svcErr *recontasks.Error
	if errors.As(err, &svcErr) {
		message = svcErr.Message
	}
	writeError(w, status, string(kind), message, correlationID)
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

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
