// Package events names the subjects published on the system event bus: a
// fire-and-forget audit trail of session and task lifecycle transitions,
// distinct from the Coordination Bus's per-agent delivery guarantees.
package events

// Event types for sessions.
const (
	SessionStarted    = "session.started"
	SessionTerminated = "session.terminated"
	SessionError      = "session.error"
)

// Event types for tasks.
const (
	TaskQueued    = "task.queued"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
)

// Event types for agents.
const (
	AgentRegistered = "agent.registered"
	AgentReleased   = "agent.released"
)
