package store

import (
	"context"
	"fmt"
)

// migrations run in order on startup. Statements are idempotent so every
// worker instance can apply them on boot without coordination.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS queue_items (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		target_key      TEXT NOT NULL,
		status          TEXT NOT NULL,
		priority        INT NOT NULL DEFAULT 0,
		attempts        INT NOT NULL DEFAULT 0,
		max_attempts    INT NOT NULL DEFAULT 3,
		payload         JSONB NOT NULL DEFAULT '{}',
		scheduled_for   TIMESTAMPTZ,
		last_attempt_at TIMESTAMPTZ,
		next_retry_at   TIMESTAMPTZ,
		result_ref      TEXT,
		error_message   TEXT,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_items_claim
		ON queue_items (status, priority DESC, created_at ASC)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_items_target
		ON queue_items (tenant_id, target_key, status)`,
	`CREATE TABLE IF NOT EXISTS rotation_configs (
		tenant_id             TEXT PRIMARY KEY,
		enabled               BOOLEAN NOT NULL DEFAULT FALSE,
		scope                 TEXT NOT NULL DEFAULT 'all',
		scope_ref             TEXT NOT NULL DEFAULT '',
		max_per_day           INT NOT NULL DEFAULT 0,
		max_per_week          INT NOT NULL DEFAULT 0,
		skip_inactive         BOOLEAN NOT NULL DEFAULT TRUE,
		skip_when_full        BOOLEAN NOT NULL DEFAULT FALSE,
		working_hours_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		working_hours         JSONB NOT NULL DEFAULT '{}',
		timezone              TEXT NOT NULL DEFAULT 'UTC',
		fallback_user_id      TEXT,
		fallback_to_creator   BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS rotation_states (
		tenant_id        TEXT PRIMARY KEY,
		pool             JSONB NOT NULL DEFAULT '[]',
		last_assigned_id TEXT,
		assignment_count INT NOT NULL DEFAULT 0,
		cycle            INT NOT NULL DEFAULT 0,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS assignment_logs (
		id          TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		subject_id  TEXT NOT NULL,
		assignee_id TEXT NOT NULL,
		reason      TEXT NOT NULL,
		cycle       INT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assignment_logs_capacity
		ON assignment_logs (tenant_id, assignee_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_assignment_logs_time
		ON assignment_logs (tenant_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id            TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		name          TEXT NOT NULL,
		active        BOOLEAN NOT NULL DEFAULT TRUE,
		assignable    BOOLEAN NOT NULL DEFAULT TRUE,
		team_id       TEXT NOT NULL DEFAULT '',
		department_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents (tenant_id, active)`,
}

// RunMigrations executes the schema migrations in order.
func (s *Store) RunMigrations(ctx context.Context) error {
	for i, sql := range migrations {
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %d: %w", i, err)
		}
	}
	return nil
}
