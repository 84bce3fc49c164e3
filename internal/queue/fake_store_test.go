package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crm-worker/internal/models"
	"crm-worker/internal/store"
)

// fakeStore is an in-memory Store with the same transition guards as the
// Postgres implementation.
type fakeStore struct {
	mu       sync.Mutex
	items    map[string]*models.QueueItem
	seq      int
	base     time.Time
	claimErr error
	markErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items: map[string]*models.QueueItem{},
		base:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) CreateItem(_ context.Context, p store.CreateItemParams) (models.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	created := f.base.Add(time.Duration(f.seq) * time.Millisecond)
	item := models.QueueItem{
		ID:           fmt.Sprintf("item-%d", f.seq),
		TenantID:     p.TenantID,
		TargetKey:    p.TargetKey,
		Status:       models.StatusPending,
		Priority:     p.Priority,
		MaxAttempts:  p.MaxAttempts,
		Payload:      p.Payload,
		ScheduledFor: p.ScheduledFor,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	f.items[item.ID] = &item
	return item, nil
}

func (f *fakeStore) FindActiveByTarget(_ context.Context, tenantID, targetKey string) (models.QueueItem, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *models.QueueItem
	for _, it := range f.items {
		if it.TenantID == tenantID && it.TargetKey == targetKey && !it.Status.Terminal() {
			if best == nil || it.CreatedAt.Before(best.CreatedAt) {
				best = it
			}
		}
	}
	if best == nil {
		return models.QueueItem{}, false, nil
	}
	return *best, true, nil
}

func (f *fakeStore) GetItem(_ context.Context, id string) (models.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return models.QueueItem{}, models.ErrNotFound
	}
	return *it, nil
}

func (f *fakeStore) ClaimNextDue(_ context.Context, now time.Time) (models.QueueItem, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return models.QueueItem{}, false, f.claimErr
	}
	var best *models.QueueItem
	for _, it := range f.items {
		if it.Status != models.StatusPending {
			continue
		}
		if it.ScheduledFor != nil && it.ScheduledFor.After(now) {
			continue
		}
		if it.NextRetryAt != nil && it.NextRetryAt.After(now) {
			continue
		}
		if best == nil || it.Priority > best.Priority ||
			(it.Priority == best.Priority && it.CreatedAt.Before(best.CreatedAt)) {
			best = it
		}
	}
	if best == nil {
		return models.QueueItem{}, false, nil
	}
	best.Status = models.StatusProcessing
	best.Attempts++
	t := now
	best.LastAttemptAt = &t
	best.UpdatedAt = now
	return *best, true, nil
}

func (f *fakeStore) UpdateItemPayload(_ context.Context, id string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return models.ErrNotFound
	}
	it.Payload = payload
	return nil
}

func (f *fakeStore) transition(id string, to models.ItemStatus, mutate func(*models.QueueItem)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	it, ok := f.items[id]
	if !ok {
		return models.ErrNotFound
	}
	if !models.CanTransition(it.Status, to) {
		return models.ErrInvalidTransition
	}
	it.Status = to
	mutate(it)
	return nil
}

func (f *fakeStore) MarkCompleted(_ context.Context, id, resultRef string) error {
	return f.transition(id, models.StatusCompleted, func(it *models.QueueItem) {
		it.ResultRef = &resultRef
		it.ErrorMessage = nil
	})
}

func (f *fakeStore) MarkRetry(_ context.Context, id string, nextRetryAt time.Time, errMsg string) error {
	return f.transition(id, models.StatusPending, func(it *models.QueueItem) {
		t := nextRetryAt
		it.NextRetryAt = &t
		it.ErrorMessage = &errMsg
	})
}

func (f *fakeStore) MarkFailed(_ context.Context, id string, errMsg string) error {
	return f.transition(id, models.StatusFailed, func(it *models.QueueItem) {
		it.ErrorMessage = &errMsg
	})
}

func (f *fakeStore) CancelItem(_ context.Context, id string) error {
	f.mu.Lock()
	it, ok := f.items[id]
	if ok && it.Status == models.StatusProcessing {
		f.mu.Unlock()
		return models.ErrInvalidTransition
	}
	f.mu.Unlock()
	return f.transition(id, models.StatusCancelled, func(*models.QueueItem) {})
}

func (f *fakeStore) RetryItem(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return models.ErrNotFound
	}
	if it.Status != models.StatusFailed {
		return models.ErrInvalidTransition
	}
	it.Status = models.StatusPending
	it.Attempts = 0
	it.NextRetryAt = nil
	it.ErrorMessage = nil
	return nil
}

func (f *fakeStore) QueueStats(_ context.Context, tenantID string, now time.Time) (models.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := models.QueueStats{TenantID: tenantID, ByStatus: map[models.ItemStatus]int{}}
	for _, it := range f.items {
		if it.TenantID != tenantID {
			continue
		}
		stats.ByStatus[it.Status]++
		if it.Status == models.StatusPending {
			due := (it.ScheduledFor == nil || !it.ScheduledFor.After(now)) &&
				(it.NextRetryAt == nil || !it.NextRetryAt.After(now))
			if due {
				stats.DueNow++
			} else {
				stats.ScheduledLater++
			}
		}
	}
	return stats, nil
}

func (f *fakeStore) ListTerminalBefore(_ context.Context, cutoff time.Time, limit int) ([]models.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.QueueItem
	for _, it := range f.items {
		if it.Status.Terminal() && it.UpdatedAt.Before(cutoff) {
			out = append(out, *it)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteItems(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.items, id)
	}
	return nil
}
