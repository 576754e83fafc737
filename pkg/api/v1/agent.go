package v1

import "time"

// AgentRole is an advisory classification used for role-based routing; the
// set of valid roles is open-ended and caller-defined.
type AgentRole string

// AgentStatus is an agent's last-reported status, carried on StatusUpdate
// coordination messages and surfaced by the Orchestrator's registry.
type AgentStatus string

const (
	AgentStatusIdle      AgentStatus = "IDLE"
	AgentStatusBusy      AgentStatus = "BUSY"
	AgentStatusUnhealthy AgentStatus = "UNHEALTHY"
	AgentStatusOffline   AgentStatus = "OFFLINE"
)

// AgentRegistration is what an agent declares to the Coordination Bus and
// Orchestrator on startup.
type AgentRegistration struct {
	AgentID      string            `json:"agent_id"`
	Role         AgentRole         `json:"role,omitempty"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// DelegationResult is the Orchestrator's record of having routed and run a
// task: which agent and role the routing decision chose, how confident that
// decision was, and how the run concluded.
type DelegationResult struct {
	TaskID        string     `json:"task_id"`
	ChosenAgentID string     `json:"chosen_agent_id"`
	ChosenRole    AgentRole  `json:"chosen_role,omitempty"`
	Confidence    float64    `json:"confidence"`
	Rationale     string     `json:"rationale,omitempty"`
	SessionID     string     `json:"session_id"`
	State         TaskState  `json:"state"`
	Output        string     `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	Attempts      int        `json:"attempts"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// CompletedAtOrNow returns CompletedAt if set, otherwise the current time;
// convenient for notifications fired before CompletedAt is stamped.
func (d *DelegationResult) CompletedAtOrNow() time.Time {
	if d.CompletedAt != nil {
		return *d.CompletedAt
	}
	return time.Now().UTC()
}
