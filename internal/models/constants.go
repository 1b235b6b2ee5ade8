package models

// Job actions.
const (
	ActionCreate   = "create"
	ActionUpdate   = "update"
	ActionDelete   = "delete"
	ActionFullSync = "full_sync"
)

// Job statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Project statuses. Completed and archived are terminal.
const (
	ProjectActive    = "active"
	ProjectOnHold    = "on_hold"
	ProjectCompleted = "completed"
	ProjectArchived  = "archived"
)

// Task priorities, mirrored 1:1 to remote importance.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

const (
	// MaxClaimBatch caps a single claim.
	MaxClaimBatch = 250

	// DefaultClaimBatch is used when the caller passes a non-positive limit.
	DefaultClaimBatch = 50
)

// IsTerminalProjectStatus reports whether a project with this status must not
// have remote representation.
func IsTerminalProjectStatus(status string) bool {
	return status == ProjectCompleted || status == ProjectArchived
}

// IsValidAction reports whether action is a known job action.
func IsValidAction(action string) bool {
	switch action {
	case ActionCreate, ActionUpdate, ActionDelete, ActionFullSync:
		return true
	default:
		return false
	}
}

// NormalizePriority maps unknown or empty priorities to normal.
func NormalizePriority(p string) string {
	switch p {
	case PriorityLow, PriorityHigh:
		return p
	default:
		return PriorityNormal
	}
}
