package persistence

import (
	"github.com/fleetkit/agentfleet/internal/contextmanager"
	v1 "github.com/fleetkit/agentfleet/pkg/api/v1"
)

// ContextStateFrom converts a live Context Manager instance into the
// serializable shape a Record stores.
func ContextStateFrom(sessionID string, c *contextmanager.Context, maxTokens int, compressionThreshold float64) ContextState {
	msgs := c.Snapshot()
	out := make([]MessageState, len(msgs))
	for i, m := range msgs {
		out[i] = MessageState{
			Role:       string(m.Role),
			Content:    m.Content,
			Timestamp:  m.Timestamp,
			TokenCount: m.TokenCount,
		}
	}
	return ContextState{
		SessionID:            sessionID,
		Messages:             out,
		CurrentTokens:        c.GetTotalTokens(),
		MaxTokens:            maxTokens,
		CompressionThreshold: compressionThreshold,
	}
}

// RestoreContext rebuilds a live Context Manager instance from a persisted
// ContextState, replaying its messages in order so current_tokens and the
// fingerprint match what was saved.
func RestoreContext(state ContextState) *contextmanager.Context {
	cfg := contextmanager.Config{
		MaxTokens:            state.MaxTokens,
		CompressionThreshold: state.CompressionThreshold,
	}
	c := contextmanager.New(state.SessionID, cfg)
	for _, m := range state.Messages {
		_ = c.AddMessage(v1.Message{
			Role:       v1.MessageRole(m.Role),
			Content:    m.Content,
			Timestamp:  m.Timestamp,
			TokenCount: m.TokenCount,
		})
	}
	return c
}
