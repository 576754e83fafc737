// Package persistence implements the Persistence Layer: it serializes the
// minimum state needed to reconstruct a Session after a restart, under the
// on-disk layout of sessions/<id>/{state,context,output.tail},
// snapshots/<id>/<snapshot-id>, and a flat index of known session ids. A
// SQL-backed secondary index (SQLite or Postgres, selected by Provide)
// accelerates List without a directory scan.
package persistence

import "time"

// SessionState is the subset of a Session's attributes that survive a
// restart: everything except the live PTY handle and output buffer.
type SessionState struct {
	ID              string            `json:"id"`
	Name            string            `json:"name,omitempty"`
	Status          string            `json:"status"`
	WorkingDir      string            `json:"working_directory"`
	Command         []string          `json:"command"`
	Environment     map[string]string `json:"environment,omitempty"`
	PtyRows         int               `json:"pty_rows"`
	PtyCols         int               `json:"pty_cols"`
	AgentRole       string            `json:"agent_role,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastActivity    time.Time         `json:"last_activity"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ContextChecksum string            `json:"context_checksum"`
}

// MessageState mirrors a Context Manager Message for serialization.
type MessageState struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	TokenCount int       `json:"token_count"`
}

// ContextState mirrors a Session's Context for serialization.
type ContextState struct {
	SessionID            string         `json:"session_id"`
	Messages             []MessageState `json:"messages"`
	CurrentTokens        int            `json:"current_tokens"`
	MaxTokens            int            `json:"max_tokens"`
	CompressionThreshold float64        `json:"compression_threshold"`
}

// Record is the full persisted form of a Session: state, context, and a
// bounded tail of its output buffer.
type Record struct {
	State       SessionState `json:"state"`
	Context     ContextState `json:"context"`
	OutputTail  []byte       `json:"output_tail,omitempty"`
	SnapshotID  string       `json:"snapshot_id,omitempty"`
	SnapshotAt  time.Time    `json:"snapshot_at,omitempty"`
	SnapshotTag string       `json:"snapshot_label,omitempty"`
}
