package contextmanager

import (
	"math"
	"strings"
	"testing"

	"github.com/fleetkit/agentfleet/internal/errs"
	v1 "github.com/fleetkit/agentfleet/pkg/api/v1"
)

func TestEstimateTokensIsDeterministic(t *testing.T) {
	a := EstimateTokens("hello world")
	b := EstimateTokens("hello world")
	if a != b {
		t.Fatalf("expected deterministic estimate, got %d and %d", a, b)
	}
	if a <= perMessageOverhead {
		t.Errorf("expected overhead-inclusive estimate greater than %d, got %d", perMessageOverhead, a)
	}
}

func TestAddMessageUpdatesTotals(t *testing.T) {
	c := New("s1", DefaultConfig())
	if err := c.AddMessage(v1.Message{Role: v1.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	if c.GetMessageCount() != 1 {
		t.Errorf("expected 1 message, got %d", c.GetMessageCount())
	}
	if c.GetTotalTokens() != EstimateTokens("hi") {
		t.Errorf("expected current_tokens to equal the message's token_count, got %d", c.GetTotalTokens())
	}
}

func TestGetMessagesWithinLimit(t *testing.T) {
	c := New("s1", DefaultConfig())
	_ = c.AddMessage(v1.Message{Role: v1.RoleUser, Content: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	_ = c.AddMessage(v1.Message{Role: v1.RoleAssistant, Content: "short"})

	recent := c.GetMessagesWithinLimit(1000)
	if len(recent) != 2 {
		t.Fatalf("expected both messages to fit a generous budget, got %d", len(recent))
	}

	tiny := c.GetMessagesWithinLimit(1)
	if len(tiny) != 0 {
		t.Errorf("expected an empty result when even the most recent message doesn't fit, got %d", len(tiny))
	}
}

func TestGetRecent(t *testing.T) {
	c := New("s1", DefaultConfig())
	for i := 0; i < 5; i++ {
		_ = c.AddMessage(v1.Message{Role: v1.RoleUser, Content: "m"})
	}
	recent := c.GetRecent(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(recent))
	}
}

func TestCompressNoOpWhenAlreadyMinimal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecentWindow = 10
	c := New("s1", cfg)
	_ = c.AddMessage(v1.Message{Role: v1.RoleSystem, Content: "policy"})
	_ = c.AddMessage(v1.Message{Role: v1.RoleUser, Content: "hi"})

	changed, err := c.Compress()
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if changed {
		t.Error("expected no-op compression when everything is System or recent")
	}
}

func TestCompressPreservesSystemAndRecent(t *testing.T) {
	cfg := Config{MaxTokens: 500, CompressionThreshold: 0.5, RecentWindow: 3}
	c := New("s1", cfg)

	_ = c.AddMessage(v1.Message{Role: v1.RoleSystem, Content: "you are an agent"})
	for i := 0; i < 20; i++ {
		_ = c.AddMessage(v1.Message{Role: v1.RoleUser, Content: strings.Repeat("x", 20)})
	}

	changed, err := c.Compress()
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if !changed {
		t.Fatal("expected compression to have run")
	}

	msgs := c.Snapshot()
	if msgs[0].Role != v1.RoleSystem {
		t.Errorf("expected the first message to remain System, got %s", msgs[0].Role)
	}
	if msgs[1].Role != v1.RoleSystem {
		t.Errorf("expected a synthesized summary message after the preserved System message, got %s", msgs[1].Role)
	}
	bound := int(math.Ceil(float64(cfg.MaxTokens) * cfg.CompressionThreshold))
	if c.GetTotalTokens() > bound {
		t.Errorf("expected current_tokens <= ceil(max_tokens*compression_threshold) (%d) after compression, got %d", bound, c.GetTotalTokens())
	}
}

func TestCompressHitsThresholdBoundNotMaxTokens(t *testing.T) {
	cfg := Config{MaxTokens: 100, CompressionThreshold: 0.8, RecentWindow: 3}
	c := New("s1", cfg)

	for i := 0; i < 20; i++ {
		_ = c.AddMessage(v1.Message{Role: v1.RoleUser, Content: "a b"})
	}

	changed, err := c.Compress()
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if !changed {
		t.Fatal("expected compression to have run")
	}

	bound := int(math.Ceil(float64(cfg.MaxTokens) * cfg.CompressionThreshold))
	if got := c.GetTotalTokens(); got > bound {
		t.Errorf("expected current_tokens <= %d (ceil(max_tokens*compression_threshold)), got %d", bound, got)
	}
}

func TestCompressFailsOverflowWhenUnsatisfiable(t *testing.T) {
	cfg := Config{MaxTokens: 10, CompressionThreshold: 0.9, RecentWindow: 1}
	c := New("s1", cfg)
	// A System message alone already exceeds the tiny budget, so even after
	// every droppable message is gone, nothing can satisfy it.
	_ = c.AddMessage(v1.Message{Role: v1.RoleSystem, Content: strings.Repeat("y", 200)})
	_ = c.AddMessage(v1.Message{Role: v1.RoleUser, Content: "one"})
	_ = c.AddMessage(v1.Message{Role: v1.RoleUser, Content: "two"})
	_ = c.AddMessage(v1.Message{Role: v1.RoleUser, Content: "three"})

	_, err := c.Compress()
	if err != errs.ErrContextOverflow {
		t.Errorf("expected ErrContextOverflow, got %v", err)
	}
}

func TestFingerprintStableAndSensitive(t *testing.T) {
	c1 := New("s1", DefaultConfig())
	c2 := New("s2", DefaultConfig())
	_ = c1.AddMessage(v1.Message{Role: v1.RoleUser, Content: "hi"})
	_ = c2.AddMessage(v1.Message{Role: v1.RoleUser, Content: "hi"})

	if c1.Fingerprint() != c2.Fingerprint() {
		t.Error("expected identical (role, content) sequences to fingerprint identically")
	}

	_ = c2.AddMessage(v1.Message{Role: v1.RoleUser, Content: "bye"})
	if c1.Fingerprint() == c2.Fingerprint() {
		t.Error("expected diverging message sequences to fingerprint differently")
	}
}
