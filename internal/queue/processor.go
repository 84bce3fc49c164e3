package queue

import (
	"context"
	"log/slog"
	"time"

	"crm-worker/internal/assign"
	"crm-worker/internal/executor"
	"crm-worker/internal/models"
	"crm-worker/internal/store"
	"crm-worker/internal/telemetry"
)

// Store is the slice of persistence the processor needs. *store.Store
// implements it; tests substitute an in-memory fake.
type Store interface {
	CreateItem(ctx context.Context, p store.CreateItemParams) (models.QueueItem, error)
	FindActiveByTarget(ctx context.Context, tenantID, targetKey string) (models.QueueItem, bool, error)
	GetItem(ctx context.Context, id string) (models.QueueItem, error)
	ClaimNextDue(ctx context.Context, now time.Time) (models.QueueItem, bool, error)
	UpdateItemPayload(ctx context.Context, id string, payload map[string]any) error
	MarkCompleted(ctx context.Context, id, resultRef string) error
	MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	CancelItem(ctx context.Context, id string) error
	RetryItem(ctx context.Context, id string) error
	QueueStats(ctx context.Context, tenantID string, now time.Time) (models.QueueStats, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.QueueItem, error)
	DeleteItems(ctx context.Context, ids []string) error
}

var _ Store = (*store.Store)(nil)

// Assigner resolves the next callee for items that arrive without one.
// *assign.Engine implements it.
type Assigner interface {
	Next(ctx context.Context, tenantID, fallbackID string) assign.Result
	Record(ctx context.Context, tenantID, subjectID string, res assign.Result)
}

// Archiver exports purged items to object storage. Nil disables archiving.
type Archiver interface {
	StoreItems(ctx context.Context, items []models.QueueItem) (string, error)
}

// Processor owns the durable call queue: duplicate-suppressed enqueue, CAS
// claim, backoff scheduling, and delegation to the external executor.
type Processor struct {
	store       Store
	exec        executor.Executor
	assigner    Assigner
	archiver    Archiver
	backoff     Strategy
	maxAttempts int
	logger      *slog.Logger
	clock       func() time.Time
}

// Option configures the Processor.
type Option func(*Processor)

// WithAssigner enables round-robin assignee resolution for items without one.
func WithAssigner(a Assigner) Option {
	return func(p *Processor) { p.assigner = a }
}

// WithArchiver enables retention exports during purge.
func WithArchiver(a Archiver) Option {
	return func(p *Processor) { p.archiver = a }
}

// WithBackoff overrides the retry delay strategy.
func WithBackoff(s Strategy) Option {
	return func(p *Processor) { p.backoff = s }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.clock = now }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithDefaultMaxAttempts sets the attempt budget applied when an enqueue
// request does not carry one.
func WithDefaultMaxAttempts(n int) Option {
	return func(p *Processor) { p.maxAttempts = n }
}

// NewProcessor builds a Processor around a store and an executor.
func NewProcessor(st Store, exec executor.Executor, opts ...Option) *Processor {
	p := &Processor{
		store:       st,
		exec:        exec,
		backoff:     Exponential{Base: 2 * time.Minute},
		maxAttempts: 3,
		logger:      slog.Default(),
		clock:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// EnqueueParams describes one enqueue request.
type EnqueueParams struct {
	TenantID     string
	TargetKey    string
	Priority     int
	MaxAttempts  int
	Payload      map[string]any
	ScheduledFor *time.Time
}

// Enqueue creates a pending item, unless a non-terminal item already exists
// for the same (tenant, target) pair; then the existing item is returned with
// suppressed=true and nothing is created. Two automation triggers firing for
// the same phone number must not produce two concurrent calls.
func (p *Processor) Enqueue(ctx context.Context, params EnqueueParams) (models.QueueItem, bool, error) {
	existing, found, err := p.store.FindActiveByTarget(ctx, params.TenantID, params.TargetKey)
	if err != nil {
		return models.QueueItem{}, false, err
	}
	if found {
		telemetry.DuplicatesSuppressed.Inc()
		p.logger.Debug("duplicate enqueue suppressed",
			slog.String("tenant", params.TenantID),
			slog.String("target", params.TargetKey),
			slog.String("existing_id", existing.ID))
		return existing, true, nil
	}

	if params.MaxAttempts == 0 {
		params.MaxAttempts = p.maxAttempts
	}
	item, err := p.store.CreateItem(ctx, store.CreateItemParams{
		TenantID:     params.TenantID,
		TargetKey:    params.TargetKey,
		Priority:     params.Priority,
		MaxAttempts:  params.MaxAttempts,
		Payload:      params.Payload,
		ScheduledFor: params.ScheduledFor,
	})
	if err != nil {
		return models.QueueItem{}, false, err
	}
	telemetry.ItemsEnqueued.Inc()
	return item, false, nil
}

// ProcessOne claims and executes at most one due item. It returns whether an
// item was processed. Executor failures are recorded on the item and drive the
// retry/fail decision; persistence failures propagate to the caller so a
// scheduler tick aborts instead of silently advancing state.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	item, ok, err := p.store.ClaimNextDue(ctx, p.clock())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if item.Payload == nil {
		item.Payload = map[string]any{}
	}
	if p.assigner != nil {
		if _, has := item.Payload["assignee_id"]; !has {
			creator, _ := item.Payload["created_by"].(string)
			res := p.assigner.Next(ctx, item.TenantID, creator)
			item.Payload["assignee_id"] = res.AssigneeID
			if err := p.store.UpdateItemPayload(ctx, item.ID, item.Payload); err != nil {
				return false, err
			}
			p.assigner.Record(ctx, item.TenantID, item.ID, res)
		}
	}

	resultRef, execErr := p.exec.Execute(ctx, item)
	if execErr == nil {
		if err := p.store.MarkCompleted(ctx, item.ID, resultRef); err != nil {
			return false, err
		}
		telemetry.ItemsCompleted.Inc()
		return true, nil
	}

	// Attempts was already incremented by the claim.
	if item.Attempts >= item.MaxAttempts {
		if err := p.store.MarkFailed(ctx, item.ID, execErr.Error()); err != nil {
			return false, err
		}
		telemetry.ItemsFailed.Inc()
		p.logger.Error("queue item exhausted retries",
			slog.String("item", item.ID),
			slog.String("tenant", item.TenantID),
			slog.Int("attempts", item.Attempts),
			slog.Any("error", execErr))
		return true, nil
	}

	nextRetry := p.clock().Add(p.backoff.Delay(item.Attempts))
	if err := p.store.MarkRetry(ctx, item.ID, nextRetry, execErr.Error()); err != nil {
		return false, err
	}
	telemetry.ItemsRetried.Inc()
	p.logger.Warn("queue item attempt failed, retry scheduled",
		slog.String("item", item.ID),
		slog.Int("attempt", item.Attempts),
		slog.Time("next_retry_at", nextRetry),
		slog.Any("error", execErr))
	return true, nil
}

// Drain processes due items until the queue is empty, the batch limit is hit,
// or the context is cancelled. It returns how many items were processed.
func (p *Processor) Drain(ctx context.Context, limit int) (int, error) {
	processed := 0
	for limit <= 0 || processed < limit {
		select {
		case <-ctx.Done():
			return processed, ctx.Err()
		default:
		}
		ok, err := p.ProcessOne(ctx)
		if err != nil {
			return processed, err
		}
		if !ok {
			break
		}
		processed++
	}
	return processed, nil
}

// Cancel moves a pending or failed item to cancelled.
func (p *Processor) Cancel(ctx context.Context, id string) error {
	if err := p.store.CancelItem(ctx, id); err != nil {
		return err
	}
	telemetry.ItemsCancelled.Inc()
	return nil
}

// Retry resets a failed item to pending with attempts = 0.
func (p *Processor) Retry(ctx context.Context, id string) error {
	return p.store.RetryItem(ctx, id)
}

// Get returns one item.
func (p *Processor) Get(ctx context.Context, id string) (models.QueueItem, error) {
	return p.store.GetItem(ctx, id)
}

// Stats returns a tenant's queue breakdown.
func (p *Processor) Stats(ctx context.Context, tenantID string) (models.QueueStats, error) {
	return p.store.QueueStats(ctx, tenantID, p.clock())
}

// PurgeTerminal archives and deletes terminal items last touched before
// now-horizon. It returns how many rows were purged.
func (p *Processor) PurgeTerminal(ctx context.Context, horizon time.Duration, batch int) (int, error) {
	cutoff := p.clock().Add(-horizon)
	purged := 0
	for {
		items, err := p.store.ListTerminalBefore(ctx, cutoff, batch)
		if err != nil {
			return purged, err
		}
		if len(items) == 0 {
			return purged, nil
		}
		if p.archiver != nil {
			ref, err := p.archiver.StoreItems(ctx, items)
			if err != nil {
				// Keep the rows; losing the export matters more than the disk.
				return purged, err
			}
			p.logger.Info("archived purged queue items", slog.Int("count", len(items)), slog.String("ref", ref))
		}
		ids := make([]string, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.ID)
		}
		if err := p.store.DeleteItems(ctx, ids); err != nil {
			return purged, err
		}
		purged += len(ids)
		telemetry.ItemsPurged.Add(float64(len(ids)))
		if len(items) < batch {
			return purged, nil
		}
	}
}
