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

// GetRotationConfig loads a tenant's assignment policy. A nil config with nil
// error means rotation is not configured for the tenant.
func (s *Store) GetRotationConfig(ctx context.Context, tenantID string) (*models.RotationConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, enabled, scope, scope_ref, max_per_day, max_per_week,
			skip_inactive, skip_when_full, working_hours_enabled, working_hours,
			timezone, fallback_user_id, fallback_to_creator
		FROM rotation_configs WHERE tenant_id = $1
	`, tenantID)

	var cfg models.RotationConfig
	var hoursJSON []byte
	var fallback pgtype.Text
	err := row.Scan(&cfg.TenantID, &cfg.Enabled, &cfg.Scope, &cfg.ScopeRef, &cfg.MaxPerDay,
		&cfg.MaxPerWeek, &cfg.SkipInactive, &cfg.SkipWhenFull, &cfg.WorkingHoursEnabled,
		&hoursJSON, &cfg.Timezone, &fallback, &cfg.FallbackToCreator)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rotation config: %w", err)
	}
	if len(hoursJSON) > 0 {
		if err := json.Unmarshal(hoursJSON, &cfg.WorkingHours); err != nil {
			return nil, fmt.Errorf("unmarshal working hours: %w", err)
		}
	}
	cfg.FallbackUserID = textPtr(fallback)
	return &cfg, nil
}

// SaveRotationConfig upserts a tenant's assignment policy.
func (s *Store) SaveRotationConfig(ctx context.Context, cfg models.RotationConfig) error {
	hoursJSON, err := json.Marshal(cfg.WorkingHours)
	if err != nil {
		return fmt.Errorf("marshal working hours: %w", err)
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rotation_configs (tenant_id, enabled, scope, scope_ref, max_per_day,
			max_per_week, skip_inactive, skip_when_full, working_hours_enabled,
			working_hours, timezone, fallback_user_id, fallback_to_creator)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id) DO UPDATE SET
			enabled = EXCLUDED.enabled, scope = EXCLUDED.scope, scope_ref = EXCLUDED.scope_ref,
			max_per_day = EXCLUDED.max_per_day, max_per_week = EXCLUDED.max_per_week,
			skip_inactive = EXCLUDED.skip_inactive, skip_when_full = EXCLUDED.skip_when_full,
			working_hours_enabled = EXCLUDED.working_hours_enabled,
			working_hours = EXCLUDED.working_hours, timezone = EXCLUDED.timezone,
			fallback_user_id = EXCLUDED.fallback_user_id,
			fallback_to_creator = EXCLUDED.fallback_to_creator
	`, cfg.TenantID, cfg.Enabled, cfg.Scope, cfg.ScopeRef, cfg.MaxPerDay, cfg.MaxPerWeek,
		cfg.SkipInactive, cfg.SkipWhenFull, cfg.WorkingHoursEnabled, hoursJSON,
		cfg.Timezone, cfg.FallbackUserID, cfg.FallbackToCreator)
	if err != nil {
		return fmt.Errorf("save rotation config: %w", err)
	}
	return nil
}

// GetRotationState loads the rotation cursor. Nil means no state yet.
func (s *Store) GetRotationState(ctx context.Context, tenantID string) (*models.RotationState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, pool, last_assigned_id, assignment_count, cycle, updated_at
		FROM rotation_states WHERE tenant_id = $1
	`, tenantID)

	var state models.RotationState
	var poolJSON []byte
	var last pgtype.Text
	err := row.Scan(&state.TenantID, &poolJSON, &last, &state.AssignmentCount, &state.Cycle, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rotation state: %w", err)
	}
	if len(poolJSON) > 0 {
		if err := json.Unmarshal(poolJSON, &state.Pool); err != nil {
			return nil, fmt.Errorf("unmarshal pool: %w", err)
		}
	}
	state.LastAssignedID = textPtr(last)
	return &state, nil
}

// SaveRotationState upserts the rotation cursor.
func (s *Store) SaveRotationState(ctx context.Context, state models.RotationState) error {
	poolJSON, err := json.Marshal(state.Pool)
	if err != nil {
		return fmt.Errorf("marshal pool: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rotation_states (tenant_id, pool, last_assigned_id, assignment_count, cycle, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			pool = EXCLUDED.pool, last_assigned_id = EXCLUDED.last_assigned_id,
			assignment_count = EXCLUDED.assignment_count, cycle = EXCLUDED.cycle,
			updated_at = NOW()
	`, state.TenantID, poolJSON, state.LastAssignedID, state.AssignmentCount, state.Cycle)
	if err != nil {
		return fmt.Errorf("save rotation state: %w", err)
	}
	return nil
}

// DeleteRotationState drops the cursor so the next assignment rebuilds it.
func (s *Store) DeleteRotationState(ctx context.Context, tenantID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM rotation_states WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("delete rotation state: %w", err)
	}
	return nil
}

// ListPoolAgents returns assignable agents for a scope, name-sorted.
func (s *Store) ListPoolAgents(ctx context.Context, tenantID string, scope models.RotationScope, scopeRef string) ([]models.Agent, error) {
	query := `
		SELECT id, tenant_id, name, active, assignable, team_id, department_id
		FROM agents WHERE tenant_id = $1 AND assignable = TRUE`
	args := []any{tenantID}
	switch scope {
	case models.ScopeTeam:
		query += ` AND team_id = $2`
		args = append(args, scopeRef)
	case models.ScopeDepartment:
		query += ` AND department_id = $2`
		args = append(args, scopeRef)
	case models.ScopeCustom:
		query += ` AND id = ANY(string_to_array($2, ','))`
		args = append(args, scopeRef)
	}
	query += ` ORDER BY name ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pool agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Name, &a.Active, &a.Assignable, &a.TeamID, &a.DepartmentID); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pool agents rows: %w", err)
	}
	return agents, nil
}

// GetAgent fetches one agent; nil means unknown id.
func (s *Store) GetAgent(ctx context.Context, tenantID, id string) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, active, assignable, team_id, department_id
		FROM agents WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	var a models.Agent
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.Active, &a.Assignable, &a.TeamID, &a.DepartmentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// CountAssignmentsSince returns per-assignee assignment counts from the audit
// trail, for the capacity filter. Only round-robin and fallback assignments
// count against capacity.
func (s *Store) CountAssignmentsSince(ctx context.Context, tenantID string, since time.Time) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT assignee_id, COUNT(*)
		FROM assignment_logs
		WHERE tenant_id = $1 AND created_at >= $2
		GROUP BY assignee_id
	`, tenantID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("count assignments: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan assignment count: %w", err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("assignment counts rows: %w", err)
	}
	return counts, nil
}

// AppendAssignmentLog writes one audit row. Rows are never updated.
func (s *Store) AppendAssignmentLog(ctx context.Context, entry models.AssignmentLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO assignment_logs (id, tenant_id, subject_id, assignee_id, reason, cycle, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, entry.ID, entry.TenantID, entry.SubjectID, entry.AssigneeID, entry.Reason, entry.Cycle)
	if err != nil {
		return fmt.Errorf("append assignment log: %w", err)
	}
	return nil
}

// AssignmentStats aggregates the audit trail by assignee and reason in a range.
func (s *Store) AssignmentStats(ctx context.Context, tenantID string, from, to time.Time) (models.AssignmentStats, error) {
	stats := models.AssignmentStats{
		TenantID:   tenantID,
		ByAssignee: map[string]int{},
		ByReason:   map[string]int{},
	}
	rows, err := s.pool.Query(ctx, `
		SELECT assignee_id, reason, COUNT(*)
		FROM assignment_logs
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY assignee_id, reason
	`, tenantID, from.UTC(), to.UTC())
	if err != nil {
		return models.AssignmentStats{}, fmt.Errorf("assignment stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var assignee, reason string
		var n int
		if err := rows.Scan(&assignee, &reason, &n); err != nil {
			return models.AssignmentStats{}, fmt.Errorf("scan assignment stats: %w", err)
		}
		stats.ByAssignee[assignee] += n
		stats.ByReason[reason] += n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return models.AssignmentStats{}, fmt.Errorf("assignment stats rows: %w", err)
	}
	return stats, nil
}
