// Package v1 defines the wire/data-model types consumed by the Orchestrator's
// clients and by the optional HTTP reference adapter: tasks, agent roles,
// coordination messages, and delegation results.
package v1

import "time"

// TaskState is a Task's position in the Orchestrator's lifecycle.
type TaskState string

const (
	TaskStateQueued          TaskState = "QUEUED"
	TaskStateDispatching     TaskState = "DISPATCHING"
	TaskStateInProgress      TaskState = "IN_PROGRESS"
	TaskStateWaitingForInput TaskState = "WAITING_FOR_INPUT"
	TaskStateCompleted       TaskState = "COMPLETED"
	TaskStateFailed          TaskState = "FAILED"
	TaskStateCancelled       TaskState = "CANCELLED"
)

// Task is input to the Orchestrator.
type Task struct {
	ID                   string                 `json:"id"`
	Description          string                 `json:"description"`
	RequiredCapabilities []string               `json:"required_capabilities,omitempty"`
	Priority             int                    `json:"priority"`
	EstimatedEffort      *time.Duration         `json:"estimated_effort,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`

	State           TaskState  `json:"state"`
	AssignedAgentID *string    `json:"assigned_agent_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}
