// Package dispatcher delegates queued tasks to agent sessions: it selects an
// eligible agent via the registry, reuses or starts that agent's session,
// feeds the task in as input, and waits for the session to report a
// completed turn.
package dispatcher

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fleetkit/agentfleet/internal/common/logger"
	"github.com/fleetkit/agentfleet/internal/common/stringutil"
	"github.com/fleetkit/agentfleet/internal/errs"
	"github.com/fleetkit/agentfleet/internal/orchestrator/registry"
	"github.com/fleetkit/agentfleet/internal/session"
	v1 "github.com/fleetkit/agentfleet/pkg/api/v1"
)

// SessionConfigFunc builds the session Config a given agent's session
// should run, letting callers map AgentRole to a concrete command.
type SessionConfigFunc func(agent v1.AgentRegistration) session.Config

// Config holds the Dispatcher's tunables.
type Config struct {
	MaxConcurrent int
	TurnTimeout   time.Duration
}

// DefaultConfig mirrors the scheduler's historical defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 5,
		TurnTimeout:   10 * time.Minute,
	}
}

// Dispatcher routes tasks to agent sessions and reports delegation results.
type Dispatcher struct {
	engine   *session.Engine
	registry *registry.Registry
	log      *logger.Logger
	cfg      Config

	sessionConfig SessionConfigFunc

	sem    *semaphore.Weighted
	active int64

	mu      sync.Mutex
	pool    map[string]string        // agentID -> sessionID
	pending map[string]chan struct{} // sessionID -> turn-complete signal
}

// New creates a Dispatcher bound to engine and reg. sessionConfig decides
// what command/environment each agent's session runs.
func New(engine *session.Engine, reg *registry.Registry, log *logger.Logger, cfg Config, sessionConfig SessionConfigFunc) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = runtime.NumCPU()
	}
	d := &Dispatcher{
		engine:        engine,
		registry:      reg,
		log:           log.WithFields(zap.String("component", "dispatcher")),
		cfg:           cfg,
		sessionConfig: sessionConfig,
		sem:           semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		pool:          make(map[string]string),
		pending:       make(map[string]chan struct{}),
	}
	engine.OnTurnComplete(d.handleTurnComplete)
	return d
}

func (d *Dispatcher) handleTurnComplete(sessionID string) {
	d.mu.Lock()
	ch, ok := d.pending[sessionID]
	if ok {
		delete(d.pending, sessionID)
	}
	d.mu.Unlock()
	if ok {
		close(ch)
	}
}

// CanExecute reports whether the dispatcher has a free concurrency slot.
func (d *Dispatcher) CanExecute() bool {
	if d.sem.TryAcquire(1) {
		d.sem.Release(1)
		return true
	}
	return false
}

// ActiveCount returns the number of in-flight delegations.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Execute delegates task to the agent the registry selects, blocking until
// the agent's session reports turn completion, the task's context is
// cancelled, or the turn timeout elapses.
func (d *Dispatcher) Execute(ctx context.Context, task *v1.Task) (*v1.DelegationResult, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	decision, err := d.registry.SelectForTask(task)
	if err != nil {
		return nil, err
	}
	agent := decision.Agent
	defer d.registry.Release(agent.AgentID)

	sess, err := d.sessionFor(agent)
	if err != nil {
		return nil, fmt.Errorf("acquire session for agent %s: %w", agent.AgentID, err)
	}

	result := &v1.DelegationResult{
		TaskID:        task.ID,
		ChosenAgentID: agent.AgentID,
		ChosenRole:    decision.Role,
		Confidence:    decision.Confidence,
		Rationale:     decision.Rationale,
		SessionID:     sess.ID(),
		StartedAt:     time.Now().UTC(),
	}

	done := make(chan struct{})
	d.mu.Lock()
	d.pending[sess.ID()] = done
	d.mu.Unlock()

	if err := sess.SendInput(ctx, []byte(task.Description+"\n")); err != nil {
		d.mu.Lock()
		delete(d.pending, sess.ID())
		d.mu.Unlock()
		result.State = v1.TaskStateFailed
		result.Error = err.Error()
		return result, err
	}

	timeout := d.cfg.TurnTimeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		result.State = v1.TaskStateCompleted
		result.Output = string(sess.ReadOutput())
		d.log.Debug("task turn completed",
			zap.String("task_id", task.ID),
			zap.String("output_preview", stringutil.TruncateStringWithEllipsis(result.Output, 200)))
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, sess.ID())
		d.mu.Unlock()
		result.State = v1.TaskStateCancelled
		err = ctx.Err()
	case <-timer.C:
		d.mu.Lock()
		delete(d.pending, sess.ID())
		d.mu.Unlock()
		result.State = v1.TaskStateFailed
		err = errs.ErrTimeout
	}

	completedAt := time.Now().UTC()
	result.CompletedAt = &completedAt
	if err != nil {
		result.Error = err.Error()
	}
	return result, err
}

// sessionFor returns agent's pooled session, starting a fresh one if none
// is running.
func (d *Dispatcher) sessionFor(agent v1.AgentRegistration) (*session.Session, error) {
	d.mu.Lock()
	sessionID, pooled := d.pool[agent.AgentID]
	d.mu.Unlock()

	if pooled {
		if sess, ok := d.engine.Get(sessionID); ok && sess.Status() == session.StatusRunning {
			return sess, nil
		}
	}

	cfg := d.sessionConfig(agent)
	sess, err := d.engine.Create(cfg)
	if err != nil {
		return nil, err
	}
	if err := sess.Start(context.Background()); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.pool[agent.AgentID] = sess.ID()
	d.mu.Unlock()

	d.log.Info("started session for agent",
		zap.String("agent_id", agent.AgentID),
		zap.String("session_id", sess.ID()))
	return sess, nil
}
