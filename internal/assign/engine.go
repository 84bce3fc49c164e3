package assign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crm-worker/internal/models"
	"crm-worker/internal/store"
	"crm-worker/internal/telemetry"
)

// Store is the slice of persistence the engine needs. *store.Store implements
// it; tests substitute an in-memory fake.
type Store interface {
	GetRotationConfig(ctx context.Context, tenantID string) (*models.RotationConfig, error)
	SaveRotationConfig(ctx context.Context, cfg models.RotationConfig) error
	GetRotationState(ctx context.Context, tenantID string) (*models.RotationState, error)
	SaveRotationState(ctx context.Context, state models.RotationState) error
	DeleteRotationState(ctx context.Context, tenantID string) error
	ListPoolAgents(ctx context.Context, tenantID string, scope models.RotationScope, scopeRef string) ([]models.Agent, error)
	GetAgent(ctx context.Context, tenantID, id string) (*models.Agent, error)
	CountAssignmentsSince(ctx context.Context, tenantID string, since time.Time) (map[string]int, error)
	AppendAssignmentLog(ctx context.Context, entry models.AssignmentLog) error
	AssignmentStats(ctx context.Context, tenantID string, from, to time.Time) (models.AssignmentStats, error)
}

var _ Store = (*store.Store)(nil)

// Result is one assignment resolution.
type Result struct {
	AssigneeID string `json:"assignee_id"`
	Reason     string `json:"reason"`
	Cycle      int    `json:"cycle"`
}

// Engine picks the next eligible agent for a tenant under the tenant's
// rotation policy. The cursor is persisted per call so fairness holds across
// worker instances and restarts.
type Engine struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures the Engine.
type Option func(*Engine)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds an Engine.
func NewEngine(st Store, opts ...Option) *Engine {
	e := &Engine{store: st, clock: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Next resolves an assignee for the tenant. It never fails: any policy or
// store error degrades to the fallback candidate (the subject's creator) with
// reason error_fallback, so a broken assignment policy cannot block lead
// creation upstream.
func (e *Engine) Next(ctx context.Context, tenantID, fallbackID string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("assignment panicked, degrading to creator",
				slog.String("tenant", tenantID), slog.Any("panic", r))
			res = Result{AssigneeID: fallbackID, Reason: models.ReasonErrorFallback}
		}
		telemetry.Assignments.WithLabelValues(res.Reason).Inc()
	}()

	r, err := e.next(ctx, tenantID, fallbackID)
	if err != nil {
		e.logger.Error("assignment failed, degrading to creator",
			slog.String("tenant", tenantID), slog.Any("error", err))
		return Result{AssigneeID: fallbackID, Reason: models.ReasonErrorFallback}
	}
	return r
}

func (e *Engine) next(ctx context.Context, tenantID, fallbackID string) (Result, error) {
	cfg, err := e.store.GetRotationConfig(ctx, tenantID)
	if err != nil {
		return Result{}, err
	}
	if cfg == nil || !cfg.Enabled {
		return Result{AssigneeID: fallbackID, Reason: models.ReasonDisabled}, nil
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil || cfg.Timezone == "" {
		loc = time.UTC
	}
	now := e.clock().In(loc)

	agents, err := e.store.ListPoolAgents(ctx, tenantID, cfg.Scope, cfg.ScopeRef)
	if err != nil {
		return Result{}, err
	}
	if cfg.SkipInactive {
		agents = filterAgents(agents, func(a models.Agent) bool { return a.Active })
	}

	if cfg.WorkingHoursEnabled && !withinWorkingHours(cfg.WorkingHours, now) {
		return e.resolveFallback(ctx, cfg, fallbackID)
	}

	if cfg.SkipWhenFull && (cfg.MaxPerDay > 0 || cfg.MaxPerWeek > 0) {
		agents, err = e.filterCapacity(ctx, cfg, agents, now)
		if err != nil {
			return Result{}, err
		}
	}

	if len(agents) == 0 {
		return e.resolveFallback(ctx, cfg, fallbackID)
	}

	// ListPoolAgents returns agents name-sorted, so the pool order is stable.
	pool := make([]string, len(agents))
	for i, a := range agents {
		pool[i] = a.ID
	}

	state, err := e.store.GetRotationState(ctx, tenantID)
	if err != nil {
		return Result{}, err
	}
	if state == nil {
		state = &models.RotationState{TenantID: tenantID}
	}
	if !sameMembers(state.Pool, pool) {
		// Fairness is scoped to the pool as it exists right now: any
		// membership change rebuilds the state and restarts the cursor.
		state.Pool = pool
		state.LastAssignedID = nil
		state.Cycle++
	}

	idx := -1
	if state.LastAssignedID != nil {
		idx = indexOf(state.Pool, *state.LastAssignedID)
	}
	next := state.Pool[(idx+1)%len(state.Pool)]
	state.LastAssignedID = &next
	state.AssignmentCount++
	if err := e.store.SaveRotationState(ctx, *state); err != nil {
		return Result{}, err
	}
	return Result{AssigneeID: next, Reason: models.ReasonRoundRobin, Cycle: state.Cycle}, nil
}

// resolveFallback is used when the eligible pool is empty or the tenant is
// outside working hours. The engine never returns "no one": every lead must
// end up with an owner.
func (e *Engine) resolveFallback(ctx context.Context, cfg *models.RotationConfig, fallbackID string) (Result, error) {
	if cfg.FallbackUserID != nil {
		agent, err := e.store.GetAgent(ctx, cfg.TenantID, *cfg.FallbackUserID)
		if err != nil {
			return Result{}, err
		}
		if agent != nil && agent.Active {
			return Result{AssigneeID: agent.ID, Reason: models.ReasonFallbackUser}, nil
		}
	}
	if cfg.FallbackToCreator && fallbackID != "" {
		return Result{AssigneeID: fallbackID, Reason: models.ReasonFallbackCreator}, nil
	}
	return Result{AssigneeID: fallbackID, Reason: models.ReasonNoAgentsAvailable}, nil
}

func (e *Engine) filterCapacity(ctx context.Context, cfg *models.RotationConfig, agents []models.Agent, now time.Time) ([]models.Agent, error) {
	dayStart := startOfDay(now)
	weekStart := startOfWeek(now)

	var dayCounts, weekCounts map[string]int
	var err error
	if cfg.MaxPerDay > 0 {
		dayCounts, err = e.store.CountAssignmentsSince(ctx, cfg.TenantID, dayStart)
		if err != nil {
			return nil, err
		}
	}
	if cfg.MaxPerWeek > 0 {
		weekCounts, err = e.store.CountAssignmentsSince(ctx, cfg.TenantID, weekStart)
		if err != nil {
			return nil, err
		}
	}

	return filterAgents(agents, func(a models.Agent) bool {
		if cfg.MaxPerDay > 0 && dayCounts[a.ID] >= cfg.MaxPerDay {
			return false
		}
		if cfg.MaxPerWeek > 0 && weekCounts[a.ID] >= cfg.MaxPerWeek {
			return false
		}
		return true
	}), nil
}

// Record appends one audit row for a resolution. Audit failures are logged,
// not propagated: the assignment already happened.
func (e *Engine) Record(ctx context.Context, tenantID, subjectID string, res Result) {
	err := e.store.AppendAssignmentLog(ctx, models.AssignmentLog{
		TenantID:   tenantID,
		SubjectID:  subjectID,
		AssigneeID: res.AssigneeID,
		Reason:     res.Reason,
		Cycle:      res.Cycle,
	})
	if err != nil {
		e.logger.Error("append assignment log failed",
			slog.String("tenant", tenantID), slog.String("subject", subjectID), slog.Any("error", err))
	}
}

// Config returns the tenant's rotation policy, nil when none is configured.
func (e *Engine) Config(ctx context.Context, tenantID string) (*models.RotationConfig, error) {
	return e.store.GetRotationConfig(ctx, tenantID)
}

// SaveConfig upserts the tenant's rotation policy and drops the stored cursor
// so the next assignment starts from the rebuilt pool.
func (e *Engine) SaveConfig(ctx context.Context, cfg models.RotationConfig) error {
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
	}
	if err := e.store.SaveRotationConfig(ctx, cfg); err != nil {
		return err
	}
	return e.store.DeleteRotationState(ctx, cfg.TenantID)
}

// ResetRotation drops the stored cursor; the next call rebuilds the pool.
func (e *Engine) ResetRotation(ctx context.Context, tenantID string) error {
	return e.store.DeleteRotationState(ctx, tenantID)
}

// Statistics aggregates the audit trail for a range.
func (e *Engine) Statistics(ctx context.Context, tenantID string, from, to time.Time) (models.AssignmentStats, error) {
	return e.store.AssignmentStats(ctx, tenantID, from, to)
}

func filterAgents(agents []models.Agent, keep func(models.Agent) bool) []models.Agent {
	out := agents[:0:0]
	for _, a := range agents {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func indexOf(pool []string, id string) int {
	for i, v := range pool {
		if v == id {
			return i
		}
	}
	return -1
}

// sameMembers compares pools as sets; order changes alone do not force a rebuild.
func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, v := range a {
		seen[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := seen[v]; !ok {
			return false
		}
	}
	return true
}

func startOfDay(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

// startOfWeek returns Monday 00:00 in now's location.
func startOfWeek(now time.Time) time.Time {
	d := startOfDay(now)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}
