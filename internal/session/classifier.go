package session

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fleetkit/agentfleet/internal/common/logger"
	"github.com/tuzig/vt10x"
	"go.uber.org/zap"
)

// Classification is the tagged variant the output semantic parser produces
// per chunk. The classifier is heuristic and advisory only; it never gates
// session behavior.
type Classification struct {
	Kind string // "build", "test", "log", "vcs", or "generic"

	BuildStatus    string // "success" | "failed", set when Kind == "build"
	BuildReason    string // set when BuildStatus == "failed"
	BuildArtifacts []string

	TestsPassed int
	TestsFailed int

	LogLevel   string
	LogEntries []string

	VcsOperation string
	VcsResult    string

	Text string // set when Kind == "generic"
}

var (
	buildFailedRe  = regexp.MustCompile(`(?i)build failed|compilation error|BUILD FAILURE`)
	buildSuccessRe = regexp.MustCompile(`(?i)build succeeded|BUILD SUCCESS`)
	testSummaryRe  = regexp.MustCompile(`(?i)(\d+)\s+passed(?:,\s*(\d+)\s+failed)?`)
	logLineRe      = regexp.MustCompile(`(?i)^(DEBUG|INFO|WARN|ERROR|FATAL)[:\s]`)
	vcsLineRe      = regexp.MustCompile(`(?i)^(git|svn|hg)\s+(\w+)`)
)

// classify applies the heuristic pattern-based classifier to a raw output
// chunk. Parse errors are non-fatal by construction: every branch always
// produces at least a Generic classification.
func classify(text string) Classification {
	if buildFailedRe.MatchString(text) {
		return Classification{Kind: "build", BuildStatus: "failed", BuildReason: strings.TrimSpace(text)}
	}
	if buildSuccessRe.MatchString(text) {
		return Classification{Kind: "build", BuildStatus: "success"}
	}
	if m := testSummaryRe.FindStringSubmatch(text); m != nil {
		passed, _ := strconv.Atoi(m[1])
		failed, _ := strconv.Atoi(m[2])
		return Classification{Kind: "test", TestsPassed: passed, TestsFailed: failed}
	}
	if m := logLineRe.FindStringSubmatch(text); m != nil {
		return Classification{Kind: "log", LogLevel: strings.ToUpper(m[1]), LogEntries: []string{strings.TrimSpace(text)}}
	}
	if m := vcsLineRe.FindStringSubmatch(text); m != nil {
		return Classification{Kind: "vcs", VcsOperation: m[2], VcsResult: strings.TrimSpace(text)}
	}
	return Classification{Kind: "generic", Text: text}
}

// OutputState is the state a terminal-aware classifier detects from the
// visible screen buffer rather than from raw byte pattern matching, so that
// multi-line TUI repaint sequences classify correctly.
type OutputState string

const (
	OutputStateUnknown         OutputState = "unknown"
	OutputStateWorking         OutputState = "working"
	OutputStateWaitingApproval OutputState = "waiting_approval"
	OutputStateWaitingInput    OutputState = "waiting_input"
)

// StateDetector examines the visible terminal content and returns the
// detected state. Implementations may be provided per command/CLI.
type StateDetector interface {
	DetectState(lines []string, glyphs [][]vt10x.Glyph) OutputState
	ShouldAcceptStateChange(current, next OutputState) bool
}

// noopDetector never emits anything; used when no detector is configured.
type noopDetector struct{}

func (noopDetector) DetectState([]string, [][]vt10x.Glyph) OutputState     { return OutputStateUnknown }
func (noopDetector) ShouldAcceptStateChange(OutputState, OutputState) bool { return true }

// StateChangeFunc is called when the screenTracker's detected state changes.
type StateChangeFunc func(sessionID string, state OutputState)

type screenTrackerConfig struct {
	rows, cols      int
	checkInterval   time.Duration
	stabilityWindow time.Duration
}

// screenTracker feeds PTY output into a vt10x virtual terminal and
// periodically asks a StateDetector to classify the rendered screen.
// Grounded on the same technique as the chunk-level classify(): heuristic,
// advisory, never authoritative — but operating on rendered cells instead of
// raw bytes so control-code noise from TUI repaints doesn't defeat matching.
type screenTracker struct {
	log       *logger.Logger
	sessionID string
	detector  StateDetector
	onChange  StateChangeFunc
	cfg       screenTrackerConfig
	term      vt10x.Terminal

	mu               sync.Mutex
	lastState        OutputState
	lastCheck        time.Time
	pendingState     OutputState
	pendingStateTime time.Time
}

func newScreenTracker(sessionID string, detector StateDetector, onChange StateChangeFunc, cfg screenTrackerConfig, log *logger.Logger) *screenTracker {
	if detector == nil {
		detector = noopDetector{}
	}
	if cfg.rows <= 0 {
		cfg.rows = 24
	}
	if cfg.cols <= 0 {
		cfg.cols = 80
	}
	if cfg.checkInterval <= 0 {
		cfg.checkInterval = 100 * time.Millisecond
	}
	return &screenTracker{
		log:       log.WithFields(zap.String("component", "screen-tracker"), zap.String("session_id", sessionID)),
		sessionID: sessionID,
		detector:  detector,
		onChange:  onChange,
		cfg:       cfg,
		term:      vt10x.New(vt10x.WithSize(cfg.cols, cfg.rows)),
		lastState: OutputStateUnknown,
	}
}

func (t *screenTracker) write(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.term.Write(data)
}

func (t *screenTracker) resize(cols, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.term.Resize(cols, rows)
	t.cfg.cols, t.cfg.rows = cols, rows
}

func (t *screenTracker) shouldCheck() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastCheck) >= t.cfg.checkInterval
}

func (t *screenTracker) checkAndUpdate() OutputState {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastCheck = time.Now()
	lines, glyphs := t.extractScreen()
	detected := t.detector.DetectState(lines, glyphs)

	if t.cfg.stabilityWindow > 0 {
		return t.applyStabilityWindow(detected)
	}
	if detected != t.lastState && t.detector.ShouldAcceptStateChange(t.lastState, detected) {
		t.emit(detected)
	}
	return t.lastState
}

func (t *screenTracker) extractScreen() ([]string, [][]vt10x.Glyph) {
	lines := make([]string, t.cfg.rows)
	glyphs := make([][]vt10x.Glyph, t.cfg.rows)
	for row := 0; row < t.cfg.rows; row++ {
		rowGlyphs := make([]vt10x.Glyph, t.cfg.cols)
		chars := make([]rune, 0, t.cfg.cols)
		for col := 0; col < t.cfg.cols; col++ {
			g := t.term.Cell(col, row)
			rowGlyphs[col] = g
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines[row] = string(chars)
		glyphs[row] = rowGlyphs
	}
	return lines, glyphs
}

func (t *screenTracker) applyStabilityWindow(detected OutputState) OutputState {
	now := time.Now()
	if detected != t.pendingState {
		t.pendingState = detected
		t.pendingStateTime = now
		return t.lastState
	}
	if now.Sub(t.pendingStateTime) >= t.cfg.stabilityWindow && t.pendingState != t.lastState {
		if t.detector.ShouldAcceptStateChange(t.lastState, t.pendingState) {
			t.emit(t.pendingState)
		}
	}
	return t.lastState
}

func (t *screenTracker) emit(next OutputState) {
	t.lastState = next
	if t.onChange != nil {
		t.mu.Unlock()
		t.onChange(t.sessionID, next)
		t.mu.Lock()
	}
}
