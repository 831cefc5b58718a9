package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"rule-engine/internal/apperr"
	"rule-engine/internal/dlq"
	"rule-engine/internal/models"
	"rule-engine/internal/monitor"
	"rule-engine/internal/queue"
	"rule-engine/internal/store"
	"rule-engine/internal/telemetry"
)

// DeadLetters is the DLQ surface exposed over HTTP.
type DeadLetters interface {
	GetDLQEntries(ctx context.Context, offset, limit int, f dlq.Filter) ([]models.DLQEntry, int64, error)
	GetDLQStats(ctx context.Context) (dlq.Stats, error)
	GetEntry(ctx context.Context, id string) (*models.DLQEntry, error)
	RetryJob(ctx context.Context, id string, opts dlq.RetryOptions) (dlq.RetryResult, error)
	BatchRetry(ctx context.Context, c dlq.Criteria, limit int) (dlq.BatchResult, error)
	CleanupOldEntries(ctx context.Context, olderThanDays int) (int, error)
}

// Jobs dispatches manual executions and reports queue state.
type Jobs interface {
	AddExecuteRuleJob(ctx context.Context, p models.ExecuteRulePayload) (queue.JobInfo, error)
	GetQueueStatus(ctx context.Context) queue.Status
}

// Deps are the services behind the admin API. DLQ may be nil when no broker
// is configured.
type Deps struct {
	Monitor *monitor.Monitor
	DLQ     DeadLetters
	Jobs    Jobs
	Store   store.Store
}

// Server wires HTTP handlers for the admin API.
type Server struct {
	deps    Deps
	timeNow func() time.Time
	log     *zap.SugaredLogger
}

// New constructs the API server.
func New(deps Deps, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{deps: deps, timeNow: time.Now, log: log.Named("api")}
}

// WithClock overrides the clock used for manual trigger keys.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.timeNow = now
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/alerts", s.handleAlerts)
		r.Post("/alerts/{id}/resolve", s.handleResolveAlert)
		r.Post("/circuit-breakers/reset", s.handleResetBreakers)
		r.Get("/queue", s.handleQueue)
	})

	r.Route("/dlq", func(r chi.Router) {
		r.Use(s.requireDLQ)
		r.Get("/", s.handleDLQList)
		r.Get("/stats", s.handleDLQStats)
		r.Post("/batch-retry", s.handleDLQBatchRetry)
		r.Post("/cleanup", s.handleDLQCleanup)
		r.Get("/{id}", s.handleDLQEntry)
		r.Post("/{id}/retry", s.handleDLQRetry)
	})

	r.Post("/rules/{id}/trigger", s.handleTrigger)
	return r
}

// instrument records latency and status for the monitor and Prometheus.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Monitor != nil {
			s.deps.Monitor.ConnOpened()
			defer s.deps.Monitor.ConnClosed()
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		telemetry.HTTPRequestLatency.WithLabelValues(route, strconv.Itoa(status)).Observe(elapsed.Seconds())
		if s.deps.Monitor != nil && route != "/metrics/*" {
			s.deps.Monitor.RecordRequest(elapsed, status >= http.StatusInternalServerError)
		}
	})
}

func (s *Server) requireDLQ(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.DLQ == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "dead letter queue needs the broker", Kind: apperr.KindSystem.String()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.Collect(r.Context()))
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.deps.Monitor.Alerts()})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Monitor.ResolveAlert(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleResetBreakers(w http.ResponseWriter, _ *http.Request) {
	s.deps.Monitor.ResetCircuitBreakers()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Jobs.GetQueueStatus(r.Context()))
}

type dlqListResponse struct {
	Entries []models.DLQEntry `json:"entries"`
	Total   int64             `json:"total"`
	Offset  int               `json:"offset"`
	Limit   int               `json:"limit"`
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := intParam(q.Get("limit"), 50)
	if err != nil {
		s.writeError(w, err)
		return
	}
	f := dlq.Filter{Queue: q.Get("queue"), UserID: q.Get("user_id")}
	if v := q.Get("can_retry"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, apperr.Newf(apperr.KindInvalidInput, "can_retry must be a boolean"))
			return
		}
		f.CanRetry = &b
	}
	entries, total, err := s.deps.DLQ.GetDLQEntries(r.Context(), offset, limit, f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.DLQEntry{}
	}
	writeJSON(w, http.StatusOK, dlqListResponse{Entries: entries, Total: total, Offset: offset, Limit: limit})
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.DLQ.GetDLQStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDLQEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.DLQ.GetEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type retryRequest struct {
	DelaySeconds  int    `json:"delay_seconds"`
	Priority      string `json:"priority"`
	RemoveFromDLQ *bool  `json:"remove_from_dlq"`
}

func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := decodeOptional(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	opts := dlq.RetryOptions{
		Delay:         time.Duration(req.DelaySeconds) * time.Second,
		Priority:      req.Priority,
		RemoveFromDLQ: true,
	}
	if req.RemoveFromDLQ != nil {
		opts.RemoveFromDLQ = *req.RemoveFromDLQ
	}
	res, err := s.deps.DLQ.RetryJob(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type batchRetryRequest struct {
	Queue         string `json:"queue"`
	ErrorPattern  string `json:"error_pattern"`
	MaxAgeSeconds int    `json:"max_age_seconds"`
	Limit         int    `json:"limit"`
}

func (s *Server) handleDLQBatchRetry(w http.ResponseWriter, r *http.Request) {
	var req batchRetryRequest
	if err := decodeOptional(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	c := dlq.Criteria{Queue: req.Queue, MaxAge: time.Duration(req.MaxAgeSeconds) * time.Second}
	if req.ErrorPattern != "" {
		re, err := regexp.Compile(req.ErrorPattern)
		if err != nil {
			s.writeError(w, apperr.Wrap(apperr.KindInvalidInput, err, "error_pattern"))
			return
		}
		c.ErrorPattern = re
	}
	res, err := s.deps.DLQ.BatchRetry(r.Context(), c, req.Limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cleanupRequest struct {
	OlderThanDays int `json:"older_than_days"`
}

func (s *Server) handleDLQCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeOptional(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	n, err := s.deps.DLQ.CleanupOldEntries(r.Context(), req.OlderThanDays)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

type triggerResponse struct {
	Job            queue.JobInfo `json:"job"`
	IdempotencyKey string        `json:"idempotency_key"`
}

// handleTrigger runs a rule now, outside its schedule or condition.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rule, _, err := s.deps.Store.GetRuleWithOwner(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rule.Status != models.RuleStatusActive {
		s.writeError(w, apperr.Newf(apperr.KindValidation, "rule %s is %s", id, rule.Status))
		return
	}
	now := s.timeNow().UTC()
	key := fmt.Sprintf("manual-%s-%d", id, now.UnixMilli())
	info, err := s.deps.Jobs.AddExecuteRuleJob(r.Context(), models.ExecuteRulePayload{
		RuleID:         id,
		IdempotencyKey: key,
		Trigger:        models.TriggerManual,
		ScheduledFor:   now,
	})
	if err != nil && info.Mode != queue.ModeInline {
		s.writeError(w, err)
		return
	}
	if err != nil {
		// The inline run already recorded its outcome on the execution.
		s.log.Warnw("manual execution failed", "rule_id", id, "key", key, "error", err)
	}
	_ = s.deps.Store.AppendAudit(r.Context(), id, "manual_trigger", key)
	writeJSON(w, http.StatusAccepted, triggerResponse{Job: info, IdempotencyKey: key})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Newf(apperr.KindInvalidInput, "invalid integer %q", v)
	}
	return n, nil
}

// decodeOptional decodes a JSON body when one was sent.
func decodeOptional(r *http.Request, out any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, err, "invalid json")
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation, apperr.KindInvalidInput, apperr.KindInvalidAddress:
		return http.StatusBadRequest
	case apperr.KindAuthentication:
		return http.StatusUnauthorized
	case apperr.KindPermissionDenied:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	code := statusFor(kind)
	if code >= http.StatusInternalServerError {
		s.log.Errorw("request failed", "error", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Kind: kind.String()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
