package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"crm-worker/internal/assign"
	"crm-worker/internal/config"
	"crm-worker/internal/models"
	"crm-worker/internal/queue"
	"crm-worker/internal/ratelimit"
	"crm-worker/internal/scheduler"
	"crm-worker/internal/telemetry"
)

// Pinger is a connectivity probe for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Snapshotter exposes per-job in-process state; nil when this process runs no
// scheduler.
type Snapshotter interface {
	Snapshot() []scheduler.JobStatus
}

// Server wires the HTTP surface for enqueue, queue inspection, and assignment
// operations.
type Server struct {
	cfg       config.Config
	processor *queue.Processor
	engine    *assign.Engine
	limiter   *ratelimit.TenantBucket
	storePing Pinger
	cachePing Pinger
	jobs      Snapshotter
}

// New constructs the API server. limiter and jobs may be nil.
func New(cfg config.Config, processor *queue.Processor, engine *assign.Engine, limiter *ratelimit.TenantBucket, storePing, cachePing Pinger, jobs Snapshotter) *Server {
	return &Server{
		cfg:       cfg,
		processor: processor,
		engine:    engine,
		limiter:   limiter,
		storePing: storePing,
		cachePing: cachePing,
		jobs:      jobs,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/queue/items", s.handleEnqueue)
	r.Get("/queue/items/{id}", s.handleGetItem)
	r.Post("/queue/items/{id}/cancel", s.handleCancel)
	r.Post("/queue/items/{id}/retry", s.handleRetry)
	r.Get("/queue/stats", s.handleQueueStats)

	r.Post("/assignments/next", s.handleNextAssignee)
	r.Post("/assignments/reset", s.handleResetRotation)
	r.Get("/assignments/stats", s.handleAssignmentStats)
	r.Get("/assignments/config", s.handleGetRotationConfig)
	r.Put("/assignments/config", s.handlePutRotationConfig)
	return r
}

type enqueueRequest struct {
	TargetKey    string         `json:"target_key"`
	Priority     int            `json:"priority"`
	MaxAttempts  int            `json:"max_attempts"`
	ScheduledFor *time.Time     `json:"scheduled_for"`
	DelaySeconds int            `json:"delay_seconds"`
	Payload      map[string]any `json:"payload"`
}

type enqueueResponse struct {
	Item       models.QueueItem `json:"item"`
	Suppressed bool             `json:"suppressed"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TargetKey == "" {
		http.Error(w, "target_key is required", http.StatusBadRequest)
		return
	}
	tenant := tenantFromRequest(r)

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	scheduledFor := req.ScheduledFor
	if req.DelaySeconds > 0 {
		t := time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
		scheduledFor = &t
	}

	item, suppressed, err := s.processor.Enqueue(r.Context(), queue.EnqueueParams{
		TenantID:     tenant,
		TargetKey:    req.TargetKey,
		Priority:     req.Priority,
		MaxAttempts:  req.MaxAttempts,
		Payload:      req.Payload,
		ScheduledFor: scheduledFor,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	code := http.StatusAccepted
	if suppressed {
		code = http.StatusOK
	}
	writeJSON(w, code, enqueueResponse{Item: item, Suppressed: suppressed})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.processor.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "item not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.processor.Cancel(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrInvalidTransition) {
		http.Error(w, "item is not cancellable in its current status", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "failed to cancel item", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	err := s.processor.Retry(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrInvalidTransition) {
		http.Error(w, "only failed items can be retried", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "failed to retry item", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.processor.Stats(r.Context(), tenantFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type nextAssigneeRequest struct {
	SubjectID string `json:"subject_id"`
	CreatorID string `json:"creator_id"`
}

func (s *Server) handleNextAssignee(w http.ResponseWriter, r *http.Request) {
	var req nextAssigneeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	tenant := tenantFromRequest(r)
	res := s.engine.Next(r.Context(), tenant, req.CreatorID)
	if req.SubjectID != "" {
		s.engine.Record(r.Context(), tenant, req.SubjectID, res)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResetRotation(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ResetRotation(r.Context(), tenantFromRequest(r)); err != nil {
		http.Error(w, "failed to reset rotation", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleAssignmentStats(w http.ResponseWriter, r *http.Request) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid to timestamp", http.StatusBadRequest)
			return
		}
		to = t
	}
	stats, err := s.engine.Statistics(r.Context(), tenantFromRequest(r), from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetRotationConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.Config(r.Context(), tenantFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if cfg == nil {
		http.Error(w, "rotation is not configured for this tenant", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutRotationConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.RotationConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	// The tenant comes from the request, never the body.
	cfg.TenantID = tenantFromRequest(r)
	if err := s.engine.SaveConfig(r.Context(), cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type healthResponse struct {
	Status string                `json:"status"`
	Store  string                `json:"store"`
	Cache  string                `json:"cache"`
	Jobs   []scheduler.JobStatus `json:"jobs,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok", Cache: "ok"}
	code := http.StatusOK
	if s.storePing != nil {
		if err := s.storePing.Ping(r.Context()); err != nil {
			resp.Store = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.cachePing != nil {
		if err := s.cachePing.Ping(r.Context()); err != nil {
			resp.Cache = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.jobs != nil {
		resp.Jobs = s.jobs.Snapshot()
	}
	writeJSON(w, code, resp)
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
