package models

import (
	"time"
)

// ItemStatus enumerates queue item lifecycle states persisted in Postgres.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
	StatusCancelled  ItemStatus = "cancelled"
)

// validTransitions is the single source of truth for the item state machine.
// Call sites never flip statuses directly; they go through CanTransition.
var validTransitions = map[ItemStatus][]ItemStatus{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusPending},
	StatusFailed:     {StatusPending, StatusCancelled},
}

// CanTransition reports whether moving an item from one status to another is legal.
func CanTransition(from, to ItemStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status is an end state.
func (s ItemStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// QueueItem is one unit of deferred call work persisted in Postgres.
type QueueItem struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	TargetKey     string         `json:"target_key"`
	Status        ItemStatus     `json:"status"`
	Priority      int            `json:"priority"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	Payload       map[string]any `json:"payload"`
	ScheduledFor  *time.Time     `json:"scheduled_for,omitempty"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time     `json:"next_retry_at,omitempty"`
	ResultRef     *string        `json:"result_ref,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// QueueStats summarizes a tenant's queue for the status endpoint.
type QueueStats struct {
	TenantID       string             `json:"tenant_id"`
	ByStatus       map[ItemStatus]int `json:"by_status"`
	DueNow         int                `json:"due_now"`
	ScheduledLater int                `json:"scheduled_later"`
}
