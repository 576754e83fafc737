// Package contextmanager implements the Context Manager: a bounded,
// token-aware conversation log with deterministic token estimation and a
// priority-preserving compression policy.
package contextmanager

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/fleetkit/agentfleet/internal/errs"
	v1 "github.com/fleetkit/agentfleet/pkg/api/v1"
)

// perMessageOverhead accounts for role/framing tokens not captured by a
// raw character count.
const perMessageOverhead = 4

// EstimateTokens is the deterministic token estimator: ceil(char_count/4)
// plus a fixed per-message overhead. It is a pure function of content only,
// so replays against a persisted context are stable.
func EstimateTokens(content string) int {
	return int(math.Ceil(float64(len(content))/4)) + perMessageOverhead
}

// Summarizer produces the synthesized summary message text for a dropped
// middle span of messages during compression. The default Summarizer
// concatenates message content with elision markers; callers may supply
// one backed by an actual agent call.
type Summarizer func(dropped []v1.Message) string

// DefaultSummarizer concatenates the dropped messages' content with
// elision markers, truncated to budgetTokens worth of characters.
func DefaultSummarizer(budgetTokens int) Summarizer {
	return func(dropped []v1.Message) string {
		if len(dropped) == 0 {
			return ""
		}
		maxChars := budgetTokens * 4
		if maxChars <= 0 {
			maxChars = 1
		}
		var b []byte
		b = append(b, []byte("[elided "+itoa(len(dropped))+" messages] ")...)
		for _, m := range dropped {
			if len(b) >= maxChars {
				break
			}
			b = append(b, []byte(string(m.Role)+": ")...)
			remaining := maxChars - len(b)
			if remaining < 0 {
				remaining = 0
			}
			content := m.Content
			if len(content) > remaining {
				content = content[:remaining]
			}
			b = append(b, []byte(content)...)
			b = append(b, ' ', '|', ' ')
		}
		if len(b) > maxChars {
			b = b[:maxChars]
		}
		return string(b)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Config tunes a Context's budget and compression behavior.
type Config struct {
	MaxTokens            int
	CompressionThreshold float64 // compress() triggers above MaxTokens*CompressionThreshold
	RecentWindow         int     // K: recent messages preserved verbatim by compression
	Summarizer           Summarizer
}

// DefaultConfig mirrors the policy's stated defaults: an 8192-token budget,
// compression triggered at 75% of budget, and a 12-message recent window.
func DefaultConfig() Config {
	return Config{
		MaxTokens:            8192,
		CompressionThreshold: 0.75,
		RecentWindow:         12,
	}
}

// Context is a Session's bounded, token-aware conversation history.
type Context struct {
	mu                   sync.RWMutex
	sessionID            string
	messages             []v1.Message
	currentTokens        int
	maxTokens            int
	compressionThreshold float64
	recentWindow         int
	summarizer           Summarizer
}

// New creates an empty Context for sessionID under cfg.
func New(sessionID string, cfg Config) *Context {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if cfg.CompressionThreshold <= 0 || cfg.CompressionThreshold > 1 {
		cfg.CompressionThreshold = DefaultConfig().CompressionThreshold
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultConfig().RecentWindow
	}
	if cfg.Summarizer == nil {
		cfg.Summarizer = DefaultSummarizer(int(float64(cfg.MaxTokens) * 0.2))
	}
	return &Context{
		sessionID:            sessionID,
		maxTokens:            cfg.MaxTokens,
		compressionThreshold: cfg.CompressionThreshold,
		recentWindow:         cfg.RecentWindow,
		summarizer:           cfg.Summarizer,
	}
}

// AddMessage appends m, stamping its token count via EstimateTokens if not
// already set, and compresses in place if the budget is now exceeded.
func (c *Context) AddMessage(m v1.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if m.TokenCount == 0 {
		m.TokenCount = EstimateTokens(m.Content)
	}
	c.messages = append(c.messages, m)
	c.currentTokens += m.TokenCount

	if c.shouldCompress() {
		_, err := c.compressLocked()
		return err
	}
	return nil
}

func (c *Context) shouldCompress() bool {
	return float64(c.currentTokens) > float64(c.maxTokens)*c.compressionThreshold
}

// GetMessagesWithinLimit returns the largest suffix of messages whose
// token sum is at most budget, always including the most recent message if
// it alone fits; otherwise an empty slice.
func (c *Context) GetMessagesWithinLimit(budget int) []v1.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.messages) == 0 {
		return nil
	}
	if c.messages[len(c.messages)-1].TokenCount > budget {
		return nil
	}

	sum := 0
	start := len(c.messages)
	for i := len(c.messages) - 1; i >= 0; i-- {
		sum += c.messages[i].TokenCount
		if sum > budget {
			break
		}
		start = i
	}
	out := make([]v1.Message, len(c.messages)-start)
	copy(out, c.messages[start:])
	return out
}

// GetRecent returns the last n messages, oldest first.
func (c *Context) GetRecent(n int) []v1.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || len(c.messages) == 0 {
		return nil
	}
	start := len(c.messages) - n
	if start < 0 {
		start = 0
	}
	out := make([]v1.Message, len(c.messages)-start)
	copy(out, c.messages[start:])
	return out
}

// GetTotalTokens returns current_tokens.
func (c *Context) GetTotalTokens() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTokens
}

// GetMessageCount returns the number of retained messages.
func (c *Context) GetMessageCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Compress runs the compression policy unconditionally, returning true iff
// the message list actually changed.
func (c *Context) Compress() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compressLocked()
}

// compressLocked runs the compression policy and reports whether the
// message list changed. Callers must hold c.mu for writing.
func (c *Context) compressLocked() (bool, error) {
	systemIdx, recentIdx := partitionIndices(c.messages, c.recentWindow)
	droppedMsgs := pickComplement(c.messages, systemIdx, recentIdx)

	// Already minimal: everything is System or within the recent window.
	if len(droppedMsgs) == 0 {
		return false, nil
	}

	systemMsgs := pick(c.messages, systemIdx)
	recentMsgs := pick(c.messages, recentIdx)

	summaryBudget := int(float64(c.maxTokens) * 0.2)
	summaryContent := c.summarizer(droppedMsgs)
	summary := v1.Message{
		Role:       v1.RoleSystem,
		Content:    summaryContent,
		Timestamp:  time.Now().UTC(),
		TokenCount: min(EstimateTokens(summaryContent), summaryBudget),
	}

	rebuilt := make([]v1.Message, 0, len(systemMsgs)+1+len(recentMsgs))
	rebuilt = append(rebuilt, systemMsgs...)
	rebuilt = append(rebuilt, summary)
	rebuilt = append(rebuilt, recentMsgs...)

	total := sumTokens(rebuilt)
	target := int(math.Ceil(float64(c.maxTokens) * c.compressionThreshold))

	// Edge case: still over the post-compression budget. Drop recent
	// messages from the front of the recent window (oldest first) until it
	// fits.
	for total > target && len(recentMsgs) > 0 {
		dropped := recentMsgs[0]
		recentMsgs = recentMsgs[1:]
		total -= dropped.TokenCount
		rebuilt = append(append(append([]v1.Message{}, systemMsgs...), summary), recentMsgs...)
	}

	// Still over budget: drop the summary entirely.
	if total > target {
		total -= summary.TokenCount
		rebuilt = append(append([]v1.Message{}, systemMsgs...), recentMsgs...)
	}

	if total > target {
		return false, errs.ErrContextOverflow
	}

	c.messages = rebuilt
	c.currentTokens = total
	return true, nil
}

func sumTokens(msgs []v1.Message) int {
	total := 0
	for _, m := range msgs {
		total += m.TokenCount
	}
	return total
}

// partitionIndices returns the indices of System messages and the indices
// of the last window recent messages (which may overlap; callers dedupe via
// pickComplement).
func partitionIndices(msgs []v1.Message, window int) (systemIdx, recentIdx []int) {
	for i, m := range msgs {
		if m.Role == v1.RoleSystem {
			systemIdx = append(systemIdx, i)
		}
	}
	start := len(msgs) - window
	if start < 0 {
		start = 0
	}
	for i := start; i < len(msgs); i++ {
		recentIdx = append(recentIdx, i)
	}
	return
}

func pick(msgs []v1.Message, idx []int) []v1.Message {
	seen := make(map[int]bool, len(idx))
	out := make([]v1.Message, 0, len(idx))
	for _, i := range idx {
		if seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, msgs[i])
	}
	return out
}

func pickComplement(msgs []v1.Message, a, b []int) []v1.Message {
	excluded := make(map[int]bool, len(a)+len(b))
	for _, i := range a {
		excluded[i] = true
	}
	for _, i := range b {
		excluded[i] = true
	}
	out := make([]v1.Message, 0, len(msgs))
	for i, m := range msgs {
		if !excluded[i] {
			out = append(out, m)
		}
	}
	return out
}

// Fingerprint computes a stable hash over (role, content) for every
// retained message, in order. Used for snapshot dedup and resume
// validation by the Persistence Layer.
func (c *Context) Fingerprint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h := sha256.New()
	for _, m := range c.messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Snapshot returns a defensive copy of the retained messages.
func (c *Context) Snapshot() []v1.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]v1.Message, len(c.messages))
	copy(out, c.messages)
	return out
}
