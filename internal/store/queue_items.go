package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"crm-worker/internal/models"
)

const itemColumns = `id, tenant_id, target_key, status, priority, attempts, max_attempts,
	payload, scheduled_for, last_attempt_at, next_retry_at, result_ref, error_message,
	created_at, updated_at`

type itemRow interface {
	Scan(dest ...any) error
}

func scanItem(row itemRow) (models.QueueItem, error) {
	var (
		item        models.QueueItem
		payloadJSON []byte
		scheduled   pgtype.Timestamptz
		lastAttempt pgtype.Timestamptz
		nextRetry   pgtype.Timestamptz
		resultRef   pgtype.Text
		errMsg      pgtype.Text
	)
	if err := row.Scan(&item.ID, &item.TenantID, &item.TargetKey, &item.Status, &item.Priority,
		&item.Attempts, &item.MaxAttempts, &payloadJSON, &scheduled, &lastAttempt, &nextRetry,
		&resultRef, &errMsg, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return models.QueueItem{}, err
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &item.Payload); err != nil {
			return models.QueueItem{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	item.ScheduledFor = tsPtr(scheduled)
	item.LastAttemptAt = tsPtr(lastAttempt)
	item.NextRetryAt = tsPtr(nextRetry)
	item.ResultRef = textPtr(resultRef)
	item.ErrorMessage = textPtr(errMsg)
	return item, nil
}

// CreateItemParams collects inputs required to insert a queue item.
type CreateItemParams struct {
	TenantID     string
	TargetKey    string
	Priority     int
	MaxAttempts  int
	Payload      map[string]any
	ScheduledFor *time.Time
}

// CreateItem inserts a pending queue item.
func (s *Store) CreateItem(ctx context.Context, p CreateItemParams) (models.QueueItem, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO queue_items (id, tenant_id, target_key, status, priority, attempts,
			max_attempts, payload, scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $9)
	`, id, p.TenantID, p.TargetKey, models.StatusPending, p.Priority, p.MaxAttempts,
		payloadJSON, p.ScheduledFor, now)
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("insert queue item: %w", err)
	}

	return models.QueueItem{
		ID:           id,
		TenantID:     p.TenantID,
		TargetKey:    p.TargetKey,
		Status:       models.StatusPending,
		Priority:     p.Priority,
		MaxAttempts:  p.MaxAttempts,
		Payload:      p.Payload,
		ScheduledFor: p.ScheduledFor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// FindActiveByTarget returns the non-terminal item for a (tenant, target) pair
// if one exists. Used for duplicate suppression on enqueue.
func (s *Store) FindActiveByTarget(ctx context.Context, tenantID, targetKey string) (models.QueueItem, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+itemColumns+`
		FROM queue_items
		WHERE tenant_id = $1 AND target_key = $2 AND status IN ($3, $4)
		ORDER BY created_at ASC
		LIMIT 1
	`, tenantID, targetKey, models.StatusPending, models.StatusProcessing)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueItem{}, false, nil
	}
	if err != nil {
		return models.QueueItem{}, false, fmt.Errorf("find active item: %w", err)
	}
	return item, true, nil
}

// GetItem fetches an item by id.
func (s *Store) GetItem(ctx context.Context, id string) (models.QueueItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueItem{}, models.ErrNotFound
	}
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// ClaimNextDue claims the highest-priority, oldest due pending item by
// flipping it to processing and incrementing attempts in one statement.
// SKIP LOCKED keeps concurrent workers from claiming the same row.
func (s *Store) ClaimNextDue(ctx context.Context, now time.Time) (models.QueueItem, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_items
		SET status = $1, attempts = attempts + 1, last_attempt_at = $2, updated_at = $2
		WHERE id = (
			SELECT id FROM queue_items
			WHERE status = $3
			  AND (scheduled_for IS NULL OR scheduled_for <= $2)
			  AND (next_retry_at IS NULL OR next_retry_at <= $2)
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+itemColumns+`
	`, models.StatusProcessing, now.UTC(), models.StatusPending)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueItem{}, false, nil
	}
	if err != nil {
		return models.QueueItem{}, false, fmt.Errorf("claim queue item: %w", err)
	}
	return item, true, nil
}

// UpdateItemPayload rewrites an item's payload (e.g. to stamp the resolved assignee).
func (s *Store) UpdateItemPayload(ctx context.Context, id string, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE queue_items SET payload = $2, updated_at = NOW() WHERE id = $1
	`, id, payloadJSON)
	if err != nil {
		return fmt.Errorf("update payload: %w", err)
	}
	return nil
}

// MarkCompleted transitions processing -> completed with the executor's result.
func (s *Store) MarkCompleted(ctx context.Context, id, resultRef string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $2, result_ref = $3, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusCompleted, emptyToNil(resultRef), models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrInvalidTransition
	}
	return nil
}

// MarkRetry transitions processing -> pending with a retry deadline after a
// failed attempt that has budget left.
func (s *Store) MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $2, next_retry_at = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusPending, nextRetryAt.UTC(), errMsg, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrInvalidTransition
	}
	return nil
}

// MarkFailed transitions processing -> failed once the attempt budget is spent.
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusFailed, errMsg, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrInvalidTransition
	}
	return nil
}

// CancelItem transitions pending|failed -> cancelled. A processing item cannot
// be cancelled mid-flight; the guard makes that an ErrInvalidTransition.
func (s *Store) CancelItem(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, models.StatusCancelled, models.StatusPending, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("cancel item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrInvalidTransition
	}
	return nil
}

// RetryItem resets a failed item to pending with a fresh attempt budget.
func (s *Store) RetryItem(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $2, attempts = 0, next_retry_at = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusPending, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("retry item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrInvalidTransition
	}
	return nil
}

// QueueStats returns per-status counts plus due-now / scheduled-later splits
// for one tenant.
func (s *Store) QueueStats(ctx context.Context, tenantID string, now time.Time) (models.QueueStats, error) {
	stats := models.QueueStats{TenantID: tenantID, ByStatus: map[models.ItemStatus]int{}}

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM queue_items WHERE tenant_id = $1 GROUP BY status
	`, tenantID)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status models.ItemStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return models.QueueStats{}, fmt.Errorf("scan queue stats: %w", err)
		}
		stats.ByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return models.QueueStats{}, fmt.Errorf("queue stats rows: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE (scheduled_for IS NULL OR scheduled_for <= $2)
				AND (next_retry_at IS NULL OR next_retry_at <= $2)),
			COUNT(*) FILTER (WHERE scheduled_for > $2 OR next_retry_at > $2)
		FROM queue_items WHERE tenant_id = $1 AND status = $3
	`, tenantID, now.UTC(), models.StatusPending).Scan(&stats.DueNow, &stats.ScheduledLater)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("queue due split: %w", err)
	}
	return stats, nil
}

// CountDueWithin counts pending items that become due inside the window.
func (s *Store) CountDueWithin(ctx context.Context, window time.Duration) (int64, error) {
	horizon := time.Now().UTC().Add(window)
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_items
		WHERE status = $1
		  AND (scheduled_for IS NULL OR scheduled_for <= $2)
		  AND (next_retry_at IS NULL OR next_retry_at <= $2)
	`, models.StatusPending, horizon).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count due items: %w", err)
	}
	return n, nil
}

// ListTerminalBefore returns terminal items last touched before the cutoff,
// oldest first, for the cleanup job.
func (s *Store) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.QueueItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM queue_items
		WHERE status IN ($1, $2, $3) AND updated_at < $4
		ORDER BY updated_at ASC
		LIMIT $5
	`, models.StatusCompleted, models.StatusFailed, models.StatusCancelled, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list terminal items: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan terminal item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("terminal items rows: %w", err)
	}
	return items, nil
}

// DeleteItems removes rows by id after they have been archived.
func (s *Store) DeleteItems(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM queue_items WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	return nil
}

// CancelStalePending cancels pending items whose schedule passed more than the
// expiry window ago. Returns how many were cancelled.
func (s *Store) CancelStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $1, error_message = 'expired before execution', updated_at = NOW()
		WHERE status = $2 AND scheduled_for IS NOT NULL AND scheduled_for < $3
	`, models.StatusCancelled, models.StatusPending, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("cancel stale items: %w", err)
	}
	return tag.RowsAffected(), nil
}
