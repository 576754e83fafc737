// Package session implements the Session Engine: PTY-backed agent sessions
// with a guarded lifecycle state machine, bounded output buffering, idle-based
// turn detection, and an optional terminal-state-aware output classifier.
package session

import (
	"os"
	"time"

	"github.com/fleetkit/agentfleet/internal/errs"
)

// Status is a Session's lifecycle state.
type Status string

const (
	StatusInitializing Status = "Initializing"
	StatusRunning      Status = "Running"
	StatusPaused       Status = "Paused"
	StatusSuspended    Status = "Suspended"
	StatusTerminating  Status = "Terminating"
	StatusTerminated   Status = "Terminated"
	StatusError        Status = "Error"
)

// legalTransitions enumerates the state machine's guarded edges.
var legalTransitions = map[Status]map[Status]bool{
	StatusInitializing: {StatusRunning: true, StatusError: true},
	StatusRunning:      {StatusPaused: true, StatusSuspended: true, StatusTerminating: true, StatusError: true},
	StatusPaused:       {StatusRunning: true, StatusTerminating: true, StatusError: true},
	StatusSuspended:    {StatusRunning: true, StatusTerminating: true, StatusError: true},
	StatusError:        {StatusTerminating: true},
	StatusTerminating:  {StatusTerminated: true},
}

func canTransition(from, to Status) bool {
	if from == StatusTerminating && to == StatusTerminating {
		return true // stop() is idempotent
	}
	if from == StatusTerminated && to == StatusTerminated {
		return true
	}
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Config describes how a Session's PTY and child process are created.
type Config struct {
	// Name is an optional caller-assigned label; Engine.Resolve looks a
	// session up by either its UUID or this name.
	Name string

	WorkingDirectory string
	Command          []string
	Env              map[string]string
	PtySize          PtySize

	// OutputBufferBytes bounds the drop-oldest ring buffer.
	OutputBufferBytes int64

	// Timeout bounds a single SendInput write. Zero disables it.
	Timeout time.Duration

	// IdleTimeout arms a turn-complete notification when no output arrives for this
	// long; zero disables idle-based turn detection.
	IdleTimeout time.Duration

	// ParseOutput enables the optional heuristic output classifier.
	ParseOutput bool

	// DeferStart, when true, delays PTY creation until the first Resize call so the
	// child starts at the caller's real terminal dimensions instead of a guess.
	DeferStart bool

	// EnableAIFeatures turns on the Context Manager for this session: every
	// SendInput and detected turn completion is recorded as a message, and
	// the session's context is compressed automatically as it grows.
	EnableAIFeatures bool

	// ContextMaxTokens and CompressionThreshold configure the Context
	// Manager when EnableAIFeatures is set; zero values fall back to
	// contextmanager.DefaultConfig().
	ContextMaxTokens     int
	CompressionThreshold float64
}

// PtySize is the PTY's terminal dimensions in character cells.
type PtySize struct {
	Rows int
	Cols int
}

// Validate implements the create(config) contract's validation rules.
func (c Config) Validate() error {
	if c.WorkingDirectory == "" {
		return errs.ErrConfig
	}
	if info, err := os.Stat(c.WorkingDirectory); err != nil || !info.IsDir() {
		return errs.ErrConfig
	}
	if !c.DeferStart && (c.PtySize.Rows <= 0 || c.PtySize.Cols <= 0) {
		return errs.ErrConfig
	}
	if len(c.Command) == 0 {
		return errs.ErrConfig
	}
	if c.CompressionThreshold != 0 && (c.CompressionThreshold <= 0 || c.CompressionThreshold > 1) {
		return errs.ErrConfig
	}
	return nil
}

// Info is a point-in-time snapshot of a Session's observable state.
type Info struct {
	ID           string
	Name         string
	Status       Status
	Command      []string
	WorkingDir   string
	PID          int
	ExitCode     *int
	CreatedAt    time.Time
	LastActivity time.Time
	Metadata     map[string]string
}

// OutputChunk is a single piece of buffered PTY output.
type OutputChunk struct {
	Data      []byte
	Timestamp time.Time
}
