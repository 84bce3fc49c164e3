package models

import "time"

// RotationScope selects which agents form the candidate pool.
type RotationScope string

const (
	ScopeTeam       RotationScope = "team"
	ScopeDepartment RotationScope = "department"
	ScopeCustom     RotationScope = "custom"
	ScopeAll        RotationScope = "all"
)

// AssignmentReason records how an assignee was resolved.
const (
	ReasonRoundRobin        = "round_robin"
	ReasonFallbackUser      = "fallback_user"
	ReasonFallbackCreator   = "fallback_creator"
	ReasonDisabled          = "disabled"
	ReasonErrorFallback     = "error_fallback"
	ReasonNoAgentsAvailable = "no_agents_available"
)

// DayWindow is one weekday's working-hours window. Start and End are
// "HH:MM" wall-clock times in the tenant's timezone.
type DayWindow struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// RotationConfig is the per-tenant assignment policy. Absence means
// rotation is disabled for the tenant.
type RotationConfig struct {
	TenantID            string               `json:"tenant_id"`
	Enabled             bool                 `json:"enabled"`
	Scope               RotationScope        `json:"scope"`
	ScopeRef            string               `json:"scope_ref,omitempty"`
	MaxPerDay           int                  `json:"max_per_day"`
	MaxPerWeek          int                  `json:"max_per_week"`
	SkipInactive        bool                 `json:"skip_inactive"`
	SkipWhenFull        bool                 `json:"skip_when_full"`
	WorkingHoursEnabled bool                 `json:"working_hours_enabled"`
	WorkingHours        map[string]DayWindow `json:"working_hours,omitempty"`
	Timezone            string               `json:"timezone"`
	FallbackUserID      *string              `json:"fallback_user_id,omitempty"`
	FallbackToCreator   bool                 `json:"fallback_to_creator"`
}

// RotationState is the mutable rotation cursor, persisted so fairness
// survives across worker instances and restarts.
type RotationState struct {
	TenantID        string    `json:"tenant_id"`
	Pool            []string  `json:"pool"`
	LastAssignedID  *string   `json:"last_assigned_id,omitempty"`
	AssignmentCount int       `json:"assignment_count"`
	Cycle           int       `json:"cycle"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AssignmentLog is one append-only audit row. Never mutated after insert.
type AssignmentLog struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	SubjectID  string    `json:"subject_id"`
	AssigneeID string    `json:"assignee_id"`
	Reason     string    `json:"reason"`
	Cycle      int       `json:"cycle"`
	CreatedAt  time.Time `json:"created_at"`
}

// Agent is the minimal projection of a CRM user this core needs for
// assignment decisions. User CRUD lives elsewhere.
type Agent struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenant_id"`
	Name         string `json:"name"`
	Active       bool   `json:"active"`
	Assignable   bool   `json:"assignable"`
	TeamID       string `json:"team_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
}

// AssignmentStats aggregates the audit trail for reporting.
type AssignmentStats struct {
	TenantID   string         `json:"tenant_id"`
	ByAssignee map[string]int `json:"by_assignee"`
	ByReason   map[string]int `json:"by_reason"`
	Total      int            `json:"total"`
}
