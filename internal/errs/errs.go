// Package errs defines the typed sentinel errors shared across the
// orchestration core's layers, matching the error taxonomy each layer
// surfaces to its callers.
package errs

import "errors"

var (
	// ConfigError marks an invalid SessionConfig (bad directory, non-positive
	// PTY size, out-of-range compression threshold).
	ErrConfig = errors.New("config_error")

	// PtyUnavailable marks OS resource exhaustion while allocating a PTY.
	ErrPtyUnavailable = errors.New("pty_unavailable")

	// ChildSpawnFailed marks a failure to exec the child process.
	ErrChildSpawnFailed = errors.New("child_spawn_failed")

	// Closed marks an operation attempted after the PTY/child has exited.
	ErrClosed = errors.New("closed")

	// InvalidState marks an illegal session state-machine transition.
	ErrInvalidState = errors.New("invalid_state")

	// Timeout marks an operation deadline expiring.
	ErrTimeout = errors.New("timeout")

	// ContextOverflow marks compression failing to fit the configured budget.
	ErrContextOverflow = errors.New("context_overflow")

	// CorruptSnapshot marks persisted state failing an integrity/fingerprint check.
	ErrCorruptSnapshot = errors.New("corrupt_snapshot")

	// UnknownAgent marks a Coordination Bus operation against an unregistered agent.
	ErrUnknownAgent = errors.New("unknown_agent")

	// AlreadyRegistered marks a duplicate Coordination Bus registration.
	ErrAlreadyRegistered = errors.New("already_registered")

	// NoEligibleAgent marks an Orchestrator routing failure with no candidate.
	ErrNoEligibleAgent = errors.New("no_eligible_agent")

	// NotFound marks a lookup miss in the Persistence Layer or a registry.
	ErrNotFound = errors.New("not_found")

	// QueueFull marks a bounded queue rejecting a new entry.
	ErrQueueFull = errors.New("queue_full")
)
