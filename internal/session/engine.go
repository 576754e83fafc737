package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetkit/agentfleet/internal/common/logger"
	"github.com/fleetkit/agentfleet/internal/common/portutil"
	"github.com/fleetkit/agentfleet/internal/contextmanager"
	"github.com/fleetkit/agentfleet/internal/errs"
	"github.com/fleetkit/agentfleet/internal/persistence"
	"github.com/fleetkit/agentfleet/internal/ptyhost"
	"github.com/fleetkit/agentfleet/internal/tracing"
	v1 "github.com/fleetkit/agentfleet/pkg/api/v1"
)

// TurnCompleteFunc is invoked when a Session's idle timer fires or a
// waiting_input classification is detected — either signals that the
// current turn is over, independent of any provider-specific protocol.
type TurnCompleteFunc func(sessionID string)

// Session is a single PTY-backed agent session and its guarded lifecycle.
type Session struct {
	id     string
	cfg    Config
	log    *logger.Logger
	engine *Engine

	mu        sync.Mutex
	status    Status
	ptmx      ptyhost.Handle
	cmd       *exec.Cmd
	createdAt time.Time
	lastActiv time.Time
	exitCode  *int
	metadata  map[string]string

	buffer *ringBuffer
	screen *screenTracker

	context *contextmanager.Context
	turnBuf []byte
	turnMu  sync.Mutex

	idleTimerMu sync.Mutex
	idleTimer   *time.Timer

	stopOnce   sync.Once
	stopSignal chan struct{}
	waitDone   chan struct{}

	startOnce sync.Once
	started   bool
}

// Engine owns the set of live Sessions and the shared callbacks invoked as
// their state changes.
type Engine struct {
	log *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	onTurnComplete TurnCompleteFunc
	onStateChange  StateChangeFunc
	detectorFor    func(cfg Config) StateDetector

	store *persistence.Store
}

// NewEngine creates a Session Engine. detectorFor may be nil, in which case
// sessions with ParseOutput enabled get a no-op detector.
func NewEngine(log *logger.Logger, detectorFor func(cfg Config) StateDetector) *Engine {
	return &Engine{
		log:         log.WithFields(zap.String("component", "session-engine")),
		sessions:    make(map[string]*Session),
		detectorFor: detectorFor,
	}
}

func (e *Engine) OnTurnComplete(fn TurnCompleteFunc) { e.onTurnComplete = fn }
func (e *Engine) OnStateChange(fn StateChangeFunc)   { e.onStateChange = fn }

// Create validates config and registers a new Session in Initializing.
// Errors: ConfigError.
func (e *Engine) Create(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.OutputBufferBytes <= 0 {
		cfg.OutputBufferBytes = defaultOutputBufferBytes
	}

	s := &Session{
		id:         uuid.New().String(),
		cfg:        cfg,
		log:        e.log.WithFields(zap.String("session_id", "")),
		engine:     e,
		status:     StatusInitializing,
		createdAt:  time.Now().UTC(),
		lastActiv:  time.Now().UTC(),
		metadata:   make(map[string]string),
		buffer:     newRingBuffer(cfg.OutputBufferBytes),
		stopSignal: make(chan struct{}),
		waitDone:   make(chan struct{}),
	}
	s.log = e.log.WithFields(zap.String("session_id", s.id))

	if cfg.ParseOutput {
		var detector StateDetector
		if e.detectorFor != nil {
			detector = e.detectorFor(cfg)
		}
		s.screen = newScreenTracker(s.id, detector, e.onStateChange, screenTrackerConfig{
			rows: cfg.PtySize.Rows,
			cols: cfg.PtySize.Cols,
		}, e.log)
	}

	if cfg.EnableAIFeatures {
		s.context = contextmanager.New(s.id, contextmanager.Config{
			MaxTokens:            cfg.ContextMaxTokens,
			CompressionThreshold: cfg.CompressionThreshold,
		})
	}

	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()

	return s, nil
}

// Get looks up a live Session by id.
func (e *Engine) Get(id string) (*Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[id]
	return s, ok
}

// List returns the ids of all live Sessions.
func (e *Engine) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Remove drops a Session from the Engine's registry without stopping it;
// callers should Stop first.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, id)
}

// Resolve looks up a Session by its UUID or by the caller-assigned Name it
// was created with, whichever matches first.
func (e *Engine) Resolve(idOrName string) (*Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.sessions[idOrName]; ok {
		return s, true
	}
	for _, s := range e.sessions {
		if s.cfg.Name == idOrName {
			return s, true
		}
	}
	return nil, false
}

// ID returns the Session's identifier.
func (s *Session) ID() string { return s.id }

// Context returns the Session's Context Manager, or nil if
// Config.EnableAIFeatures was not set.
func (s *Session) Context() *contextmanager.Context { return s.context }

// Status returns the Session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.status, to) {
		return errs.ErrInvalidState
	}
	s.status = to
	return nil
}

// Start opens the PTY (unless deferred) and spawns the child, moving the
// Session to Running. Errors: PtyUnavailable, ChildSpawnFailed, InvalidState.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusInitializing {
		s.mu.Unlock()
		return errs.ErrInvalidState
	}
	s.mu.Unlock()

	if s.cfg.DeferStart {
		if err := s.transition(StatusRunning); err != nil {
			return err
		}
		s.log.Info("session deferred, awaiting resize before pty creation")
		return nil
	}

	_, span := tracing.TraceSessionStart(ctx, s.id, strings.Join(s.cfg.Command, " "))
	defer span.End()

	err := s.spawn(s.cfg.PtySize.Cols, s.cfg.PtySize.Rows)
	tracing.TraceSessionResult(span, err)
	if err != nil {
		_ = s.transition(StatusError)
		return err
	}
	return s.transition(StatusRunning)
}

// spawn actually allocates the PTY and execs the child. Called either from
// Start (immediate) or from the first Resize (deferred start).
func (s *Session) spawn(cols, rows int) error {
	if len(s.cfg.Command) == 0 {
		return errs.ErrConfig
	}

	command, portEnv, err := expandPortPlaceholders(s.cfg.Command)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrConfig, err)
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = s.cfg.WorkingDirectory
	env := make(map[string]string, len(s.cfg.Env)+len(portEnv))
	for k, v := range s.cfg.Env {
		env[k] = v
	}
	for k, v := range portEnv {
		env[k] = v
	}
	cmd.Env = mergeEnv(env)
	ptyhost.SetProcGroup(cmd)

	ptmx, err := ptyhost.StartWithSize(cmd, cols, rows)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrPtyUnavailable, err)
	}

	s.mu.Lock()
	s.ptmx = ptmx
	s.cmd = cmd
	s.started = true
	s.mu.Unlock()

	if cmd.Process == nil {
		return fmt.Errorf("%w: process did not start", errs.ErrChildSpawnFailed)
	}

	s.log.Info("session started", zap.Strings("command", s.cfg.Command), zap.Int("pid", cmd.Process.Pid))

	go s.readLoop()
	go s.wait()
	s.resetIdleTimer()

	return nil
}

// portPlaceholderSep joins command arguments into a single string so a
// placeholder repeated across two arguments (e.g. "--port" "$PORT") still
// resolves to one allocated port, then is split back out. Chosen because it
// cannot appear inside a shell argument.
const portPlaceholderSep = "\x00"

// expandPortPlaceholders resolves $PORT/${PORT}-style placeholders in
// command to OS-assigned ports, so a caller can request an agent command be
// launched on an ephemeral port without allocating one itself.
func expandPortPlaceholders(command []string) ([]string, map[string]string, error) {
	joined := strings.Join(command, portPlaceholderSep)
	transformed, portEnv, err := portutil.TransformCommand(joined)
	if err != nil {
		return nil, nil, err
	}
	return strings.Split(transformed, portPlaceholderSep), portEnv, nil
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// Pause transitions Running → Paused. Errors: InvalidState.
func (s *Session) Pause() error { return s.transition(StatusPaused) }

// Resume transitions Paused → Running. Errors: InvalidState.
func (s *Session) Resume() error { return s.transition(StatusRunning) }

// SendInput writes to the PTY stdin; legal only in Running.
func (s *Session) SendInput(ctx context.Context, data []byte) error {
	_, span := tracing.TraceSessionTurn(ctx, s.id)
	defer span.End()

	s.mu.Lock()
	status := s.status
	ptmx := s.ptmx
	s.mu.Unlock()

	if status != StatusRunning {
		tracing.TraceSessionResult(span, errs.ErrInvalidState)
		return errs.ErrInvalidState
	}
	if ptmx == nil {
		tracing.TraceSessionResult(span, errs.ErrClosed)
		return errs.ErrClosed
	}

	if s.context != nil {
		_ = s.context.AddMessage(v1.Message{Role: v1.RoleUser, Content: string(data)})
	}

	deadline := s.cfg.Timeout
	if deadline <= 0 {
		err := writeRetrying(ptmx, data)
		tracing.TraceSessionResult(span, err)
		return err
	}

	done := make(chan error, 1)
	go func() { done <- writeRetrying(ptmx, data) }()
	select {
	case err := <-done:
		tracing.TraceSessionResult(span, err)
		return err
	case <-time.After(deadline):
		tracing.TraceSessionResult(span, errs.ErrTimeout)
		return errs.ErrTimeout
	case <-ctx.Done():
		tracing.TraceSessionResult(span, ctx.Err())
		return ctx.Err()
	}
}

func writeRetrying(w ptyhost.Handle, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// ReadOutput drains the currently buffered output; never blocks.
func (s *Session) ReadOutput() []byte {
	return s.buffer.drain()
}

// Peek returns the currently buffered output without draining it.
func (s *Session) Peek() []byte {
	return s.buffer.bytes()
}

// ReadUntil accumulates buffered output until predicate(accumulated) is true
// or timeout elapses.
func (s *Session) ReadUntil(ctx context.Context, predicate func(string) bool, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	var accum []byte
	for {
		accum = s.buffer.bytes()
		if predicate(string(accum)) {
			return accum, nil
		}
		if time.Now().After(deadline) {
			return accum, errs.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return accum, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// SetMetadata records a key/value pair on the session.
func (s *Session) SetMetadata(k, v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[k] = v
}

// GetMetadata retrieves a previously set key/value pair.
func (s *Session) GetMetadata(k string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.metadata[k]
	return v, ok
}

// Info returns a point-in-time snapshot of the session's observable state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid := 0
	if s.cmd != nil && s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	md := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		md[k] = v
	}
	return Info{
		ID:           s.id,
		Name:         s.cfg.Name,
		Status:       s.status,
		Command:      s.cfg.Command,
		WorkingDir:   s.cfg.WorkingDirectory,
		PID:          pid,
		ExitCode:     s.exitCode,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActiv,
		Metadata:     md,
	}
}

// Stop transitions through Terminating → Terminated. Idempotent.
// If graceful, it sends the child a termination signal (SIGTERM on Unix, an
// immediate kill on Windows) and waits up to 5 seconds for exit before
// killing the process group; the child's stdin is not closed.
func (s *Session) Stop(ctx context.Context, graceful bool) error {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()

	if status == StatusTerminated {
		return nil
	}
	if status != StatusTerminating {
		if err := s.transition(StatusTerminating); err != nil {
			return err
		}
	}

	s.stopOnce.Do(func() { close(s.stopSignal) })

	s.idleTimerMu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimerMu.Unlock()

	s.mu.Lock()
	ptmx, cmd := s.ptmx, s.cmd
	s.mu.Unlock()

	if ptmx == nil {
		return s.terminate()
	}

	if graceful {
		if cmd != nil && cmd.Process != nil {
			_ = ptyhost.TerminateProcess(cmd.Process)
		}
		select {
		case <-s.waitDone:
		case <-time.After(5 * time.Second):
			if cmd != nil && cmd.Process != nil {
				_ = ptyhost.KillProcessGroup(cmd.Process.Pid)
			}
		case <-ctx.Done():
		}
		_ = ptmx.Close()
	} else {
		if cmd != nil && cmd.Process != nil {
			_ = ptyhost.KillProcessGroup(cmd.Process.Pid)
		}
		_ = ptmx.Close()
	}

	return s.terminate()
}

// terminate makes the final Terminating -> Terminated transition and, if a
// Store is attached, snapshots the session's terminal state.
func (s *Session) terminate() error {
	if err := s.transition(StatusTerminated); err != nil {
		return err
	}
	s.persistOnStop()
	return nil
}

func (s *Session) wait() {
	defer close(s.waitDone)

	s.mu.Lock()
	cmd, ptmx := s.cmd, s.ptmx
	s.mu.Unlock()

	exitCode, signalName, _ := ptyhost.WaitProcess(cmd, ptmx)

	s.mu.Lock()
	s.exitCode = &exitCode
	s.mu.Unlock()

	if signalName != "" {
		s.log.Info("session child exited", zap.Int("exit_code", exitCode), zap.String("signal", signalName))
	} else {
		s.log.Info("session child exited", zap.Int("exit_code", exitCode))
	}
}
