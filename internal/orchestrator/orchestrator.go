// Package orchestrator composes the task queue, agent registry, dispatcher,
// and scheduler into the programmatic surface external collaborators (CLI,
// TUI, HTTP adapter) submit tasks through.
package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fleetkit/agentfleet/internal/common/logger"
	"github.com/fleetkit/agentfleet/internal/coordination"
	"github.com/fleetkit/agentfleet/internal/events"
	eventbus "github.com/fleetkit/agentfleet/internal/events/bus"
	"github.com/fleetkit/agentfleet/internal/orchestrator/dispatcher"
	"github.com/fleetkit/agentfleet/internal/orchestrator/queue"
	"github.com/fleetkit/agentfleet/internal/orchestrator/registry"
	"github.com/fleetkit/agentfleet/internal/orchestrator/scheduler"
	"github.com/fleetkit/agentfleet/internal/session"
	v1 "github.com/fleetkit/agentfleet/pkg/api/v1"
)

// TaskHandle resolves once its task's delegation reaches a terminal state.
type TaskHandle struct {
	TaskID string
	done   chan *v1.DelegationResult
}

// Wait blocks for the task's outcome or ctx cancellation.
func (h *TaskHandle) Wait(ctx context.Context) (*v1.DelegationResult, error) {
	select {
	case result := <-h.done:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BatchOptions configures a submit_batch call.
type BatchOptions struct {
	// FailFast, if set, makes JoinAll return at the first failed result it
	// reaches in submission order; it does not cancel sibling dispatches
	// already in flight.
	FailFast bool
}

// BatchHandle groups the TaskHandles from a single submit_batch call.
type BatchHandle struct {
	handles []*TaskHandle
}

// FirstCompleted returns the first task in the batch to reach a terminal
// state.
func (b *BatchHandle) FirstCompleted(ctx context.Context) (*v1.DelegationResult, error) {
	type arrival struct {
		result *v1.DelegationResult
		err    error
	}
	out := make(chan arrival, len(b.handles))
	for _, h := range b.handles {
		go func(h *TaskHandle) {
			r, err := h.Wait(ctx)
			out <- arrival{r, err}
		}(h)
	}
	a := <-out
	return a.result, a.err
}

// JoinAll waits for every task in the batch, in submission order. With
// FailFast set, it returns at the first failed result it reaches, leaving the
// remaining results unresolved; a failure is not seen until every earlier
// task in the batch has finished.
func (b *BatchHandle) JoinAll(ctx context.Context, opts BatchOptions) ([]*v1.DelegationResult, error) {
	results := make([]*v1.DelegationResult, len(b.handles))
	for i, h := range b.handles {
		result, err := h.Wait(ctx)
		if err != nil {
			return results, err
		}
		results[i] = result
		if opts.FailFast && result.State == v1.TaskStateFailed {
			return results, nil
		}
	}
	return results, nil
}

// Orchestrator is the top-level facade: it accepts tasks, routes them to
// agents, and runs delegation through agent sessions.
type Orchestrator struct {
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	queue      *queue.TaskQueue
	log        *logger.Logger

	repo   *inMemoryTaskRepo
	bus    *coordination.Bus
	events eventbus.EventBus

	mu      sync.Mutex
	waiters map[string]chan *v1.DelegationResult
}

// inMemoryTaskRepo satisfies scheduler.TaskRepository by holding submitted
// tasks in memory; callers that need durable task history should persist
// DelegationResults themselves via the Persistence Layer.
type inMemoryTaskRepo struct {
	mu    sync.RWMutex
	tasks map[string]*v1.Task
}

func newInMemoryTaskRepo() *inMemoryTaskRepo {
	return &inMemoryTaskRepo{tasks: make(map[string]*v1.Task)}
}

func (r *inMemoryTaskRepo) Put(task *v1.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
}

func (r *inMemoryTaskRepo) GetTask(_ context.Context, taskID string) (*v1.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return nil, scheduler.ErrTaskNotFound
	}
	return task, nil
}

func (r *inMemoryTaskRepo) UpdateTaskState(_ context.Context, taskID string, state v1.TaskState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return scheduler.ErrTaskNotFound
	}
	task.State = state
	return nil
}

// Config holds the Orchestrator's dependencies and tunables.
type Config struct {
	DefaultRole       v1.AgentRole
	QueueMaxSize      int
	SchedulerConfig   scheduler.SchedulerConfig
	DispatcherConfig  dispatcher.Config
	SessionConfigFunc dispatcher.SessionConfigFunc

	// Bus, if set, receives a TaskCompleted broadcast whenever a task's
	// delegation reaches a terminal state, so peers/monitors observe
	// completions the same way they would any other coordination traffic.
	Bus *coordination.Bus

	// EventBus, if set, receives a fire-and-forget audit event for task and
	// agent lifecycle transitions, independent of the Coordination Bus.
	EventBus eventbus.EventBus
}

// New wires a fresh Orchestrator around engine.
func New(engine *session.Engine, log *logger.Logger, cfg Config) *Orchestrator {
	reg := registry.New(cfg.DefaultRole)
	disp := dispatcher.New(engine, reg, log, cfg.DispatcherConfig, cfg.SessionConfigFunc)
	q := queue.NewTaskQueue(cfg.QueueMaxSize)
	repo := newInMemoryTaskRepo()
	sched := scheduler.NewScheduler(q, disp, repo, log, cfg.SchedulerConfig)

	o := &Orchestrator{
		registry:   reg,
		dispatcher: disp,
		scheduler:  sched,
		queue:      q,
		repo:       repo,
		bus:        cfg.Bus,
		events:     cfg.EventBus,
		log:        log.WithFields(zap.String("component", "orchestrator")),
		waiters:    make(map[string]chan *v1.DelegationResult),
	}
	sched.OnResult(o.handleResult)
	return o
}

func (o *Orchestrator) handleResult(result *v1.DelegationResult) {
	if o.bus != nil {
		o.bus.Broadcast(v1.CoordinationMessage{
			Kind:      v1.KindTaskCompleted,
			Timestamp: result.CompletedAtOrNow(),
			AgentID:   result.ChosenAgentID,
			TaskID:    result.TaskID,
			Note:      result.Rationale,
		})
	}

	if o.events != nil {
		subject := events.TaskCompleted
		if result.State == v1.TaskStateFailed {
			subject = events.TaskFailed
		}
		evt := eventbus.NewEvent(subject, "orchestrator", map[string]interface{}{
			"task_id":         result.TaskID,
			"chosen_agent_id": result.ChosenAgentID,
			"state":           string(result.State),
			"attempts":        result.Attempts,
		})
		if err := o.events.Publish(context.Background(), subject, evt); err != nil {
			o.log.Warn("failed to publish task lifecycle event", zap.Error(err))
		}
	}

	o.mu.Lock()
	ch, ok := o.waiters[result.TaskID]
	if ok {
		delete(o.waiters, result.TaskID)
	}
	o.mu.Unlock()
	if ok {
		ch <- result
		close(ch)
	}
}

// Start begins the scheduler's processing loop.
func (o *Orchestrator) Start(ctx context.Context) error { return o.scheduler.Start(ctx) }

// Stop halts the scheduler's processing loop.
func (o *Orchestrator) Stop() error { return o.scheduler.Stop() }

// RegisterAgent adds an agent to the routing registry.
func (o *Orchestrator) RegisterAgent(agentID string, role v1.AgentRole, capabilities []string) error {
	if err := o.registry.Register(v1.AgentRegistration{
		AgentID:      agentID,
		Role:         role,
		Capabilities: capabilities,
	}); err != nil {
		return err
	}
	if o.events != nil {
		evt := eventbus.NewEvent(events.AgentRegistered, "orchestrator", map[string]interface{}{
			"agent_id": agentID,
			"role":     string(role),
		})
		if err := o.events.Publish(context.Background(), events.AgentRegistered, evt); err != nil {
			o.log.Warn("failed to publish agent registration event", zap.Error(err))
		}
	}
	return nil
}

// Submit enqueues task and returns a handle that resolves on completion.
func (o *Orchestrator) Submit(task *v1.Task) (*TaskHandle, error) {
	if task.State == "" {
		task.State = v1.TaskStateQueued
	}
	o.repo.Put(task)

	done := make(chan *v1.DelegationResult, 1)
	o.mu.Lock()
	o.waiters[task.ID] = done
	o.mu.Unlock()

	if err := o.scheduler.EnqueueTask(task); err != nil {
		o.mu.Lock()
		delete(o.waiters, task.ID)
		o.mu.Unlock()
		return nil, err
	}
	return &TaskHandle{TaskID: task.ID, done: done}, nil
}

// SubmitBatch submits every task in tasks and returns a handle over all of
// them. All tasks are dispatched independently and concurrently, bounded
// only by the dispatcher's semaphore.
func (o *Orchestrator) SubmitBatch(tasks []*v1.Task, _ BatchOptions) (*BatchHandle, error) {
	handles := make([]*TaskHandle, 0, len(tasks))
	for _, task := range tasks {
		h, err := o.Submit(task)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return &BatchHandle{handles: handles}, nil
}

// QueueStatus reports the scheduler's current load.
func (o *Orchestrator) QueueStatus() *scheduler.QueueStatus { return o.scheduler.GetQueueStatus() }
