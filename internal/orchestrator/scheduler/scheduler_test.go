package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fleetkit/agentfleet/internal/common/logger"
	"github.com/fleetkit/agentfleet/internal/orchestrator/queue"
	v1 "github.com/fleetkit/agentfleet/pkg/api/v1"
)

// fakeDispatcher is a scripted Dispatcher for scheduler tests, avoiding a
// real PTY-backed session for every queue-processing assertion.
type fakeDispatcher struct {
	mu            sync.Mutex
	maxConcurrent int
	active        int
	executeFn     func(task *v1.Task) (*v1.DelegationResult, error)
	executed      []string
}

func newFakeDispatcher(maxConcurrent int) *fakeDispatcher {
	return &fakeDispatcher{maxConcurrent: maxConcurrent}
}

func (f *fakeDispatcher) CanExecute() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active < f.maxConcurrent
}

func (f *fakeDispatcher) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeDispatcher) Execute(ctx context.Context, task *v1.Task) (*v1.DelegationResult, error) {
	f.mu.Lock()
	f.active++
	f.executed = append(f.executed, task.ID)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.executeFn != nil {
		return f.executeFn(task)
	}
	completedAt := time.Now().UTC()
	return &v1.DelegationResult{
		TaskID:        task.ID,
		ChosenAgentID: "agent-1",
		State:         v1.TaskStateCompleted,
		StartedAt:     time.Now().UTC(),
		CompletedAt:   &completedAt,
	}, nil
}

// testTaskRepository is an in-memory task repository for testing
type testTaskRepository struct {
	tasks map[string]*v1.Task
	mu    sync.RWMutex
}

func newTestTaskRepository() *testTaskRepository {
	return &testTaskRepository{
		tasks: make(map[string]*v1.Task),
	}
}

func (r *testTaskRepository) AddTask(task *v1.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
}

func (r *testTaskRepository) GetTask(ctx context.Context, taskID string) (*v1.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, exists := r.tasks[taskID]
	if !exists {
		return nil, ErrTaskNotFound
	}
	copy := *task
	return &copy, nil
}

func (r *testTaskRepository) UpdateTaskState(ctx context.Context, taskID string, state v1.TaskState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, exists := r.tasks[taskID]
	if !exists {
		return ErrTaskNotFound
	}
	task.State = state
	return nil
}

func createTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error", // Suppress logs during tests
		Format: "console",
	})
	return log
}

func createTestTask(id string, priority int) *v1.Task {
	return &v1.Task{
		ID:          id,
		Description: "Test Task " + id,
		Priority:    priority,
		State:       v1.TaskStateQueued,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

func TestNewScheduler(t *testing.T) {
	q := queue.NewTaskQueue(100)
	disp := newFakeDispatcher(5)
	log := createTestLogger()
	taskRepo := newTestTaskRepository()

	s := NewScheduler(q, disp, taskRepo, log, DefaultSchedulerConfig())
	if s == nil {
		t.Fatal("NewScheduler returned nil")
	}
	if s.IsRunning() {
		t.Error("scheduler should not be running initially")
	}
}

func TestDefaultSchedulerConfig(t *testing.T) {
	cfg := DefaultSchedulerConfig()

	if cfg.ProcessInterval != 5*time.Second {
		t.Errorf("expected ProcessInterval = 5s, got %v", cfg.ProcessInterval)
	}
	if cfg.RetryLimit != 3 {
		t.Errorf("expected RetryLimit = 3, got %d", cfg.RetryLimit)
	}
	if cfg.RetryDelay != 30*time.Second {
		t.Errorf("expected RetryDelay = 30s, got %v", cfg.RetryDelay)
	}
}

func TestStartStop(t *testing.T) {
	q := queue.NewTaskQueue(100)
	disp := newFakeDispatcher(5)
	log := createTestLogger()
	taskRepo := newTestTaskRepository()

	s := NewScheduler(q, disp, taskRepo, log, DefaultSchedulerConfig())

	err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.IsRunning() {
		t.Error("scheduler should be running after Start")
	}

	err = s.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("scheduler should not be running after Stop")
	}
}

func TestStartAlreadyRunning(t *testing.T) {
	q := queue.NewTaskQueue(100)
	disp := newFakeDispatcher(5)
	log := createTestLogger()
	taskRepo := newTestTaskRepository()

	s := NewScheduler(q, disp, taskRepo, log, DefaultSchedulerConfig())

	_ = s.Start(context.Background())
	defer func() {
		_ = s.Stop()
	}()

	err := s.Start(context.Background())
	if err != ErrSchedulerAlreadyRunning {
		t.Errorf("expected ErrSchedulerAlreadyRunning, got %v", err)
	}
}

func TestStopNotRunning(t *testing.T) {
	q := queue.NewTaskQueue(100)
	disp := newFakeDispatcher(5)
	log := createTestLogger()
	taskRepo := newTestTaskRepository()

	s := NewScheduler(q, disp, taskRepo, log, DefaultSchedulerConfig())

	err := s.Stop()
	if err != ErrSchedulerNotRunning {
		t.Errorf("expected ErrSchedulerNotRunning, got %v", err)
	}
}

func TestEnqueueTask(t *testing.T) {
	q := queue.NewTaskQueue(100)
	disp := newFakeDispatcher(5)
	log := createTestLogger()
	taskRepo := newTestTaskRepository()

	s := NewScheduler(q, disp, taskRepo, log, DefaultSchedulerConfig())

	task := createTestTask("task-1", 5)
	err := s.EnqueueTask(task)
	if err != nil {
		t.Fatalf("EnqueueTask failed: %v", err)
	}

	if q.Len() != 1 {
		t.Errorf("expected queue length = 1, got %d", q.Len())
	}
}

func TestRemoveTask(t *testing.T) {
	q := queue.NewTaskQueue(100)
	disp := newFakeDispatcher(5)
	log := createTestLogger()
	taskRepo := newTestTaskRepository()

	s := NewScheduler(q, disp, taskRepo, log, DefaultSchedulerConfig())

	task := createTestTask("task-1", 5)
	_ = s.EnqueueTask(task)

	removed := s.RemoveTask("task-1")
	if !removed {
		t.Error("RemoveTask should return true for existing task")
	}

	if q.Len() != 0 {
		t.Errorf("expected queue length = 0 after remove, got %d", q.Len())
	}
}

func TestRemoveNonExistentTask(t *testing.T) {
	q := queue.NewTaskQueue(100)
	disp := newFakeDispatcher(5)
	log := createTestLogger()
	taskRepo := newTestTaskRepository()

	s := NewScheduler(q, disp, taskRepo, log, DefaultSchedulerConfig())

	removed := s.RemoveTask("non-existent")
	if removed {
		t.Error("RemoveTask should return false for non-existent task")
	}
}

func TestGetQueueStatus(t *testing.T) {
	q := queue.NewTaskQueue(100)
	disp := newFakeDispatcher(5)
	log := createTestLogger()
	taskRepo := newTestTaskRepository()

	cfg := DefaultSchedulerConfig()
	s := NewScheduler(q, disp, taskRepo, log, cfg)

	_ = s.EnqueueTask(createTestTask("task-1", 5))
	_ = s.EnqueueTask(createTestTask("task-2", 3))

	status := s.GetQueueStatus()
	if status.QueuedTasks != 2 {
		t.Errorf("expected QueuedTasks = 2, got %d", status.QueuedTasks)
	}
	if status.ActiveExecutions != 0 {
		t.Errorf("expected ActiveExecutions = 0, got %d", status.ActiveExecutions)
	}
}

func TestHandleTaskCompleted(t *testing.T) {
	q := queue.NewTaskQueue(100)
	disp := newFakeDispatcher(5)
	log := createTestLogger()
	taskRepo := newTestTaskRepository()

	s := NewScheduler(q, disp, taskRepo, log, DefaultSchedulerConfig())

	initialStatus := s.GetQueueStatus()

	s.HandleTaskCompleted("task-1", true)

	status := s.GetQueueStatus()
	if status.TotalProcessed != initialStatus.TotalProcessed+1 {
		t.Error("TotalProcessed should increment on success")
	}

	s.HandleTaskCompleted("task-2", false)

	status = s.GetQueueStatus()
	if status.TotalFailed != initialStatus.TotalFailed+1 {
		t.Error("TotalFailed should increment on failure")
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := queue.NewTaskQueue(100)
	disp := newFakeDispatcher(5)
	log := createTestLogger()
	taskRepo := newTestTaskRepository()

	s := NewScheduler(q, disp, taskRepo, log, DefaultSchedulerConfig())

	_ = s.EnqueueTask(createTestTask("low", 1))
	_ = s.EnqueueTask(createTestTask("high", 10))
	_ = s.EnqueueTask(createTestTask("medium", 5))

	first := q.Dequeue()
	if first == nil || first.TaskID != "high" {
		t.Errorf("expected highest priority task (high) first, got %v", first)
	}
}

func TestIsRunning(t *testing.T) {
	q := queue.NewTaskQueue(100)
	disp := newFakeDispatcher(5)
	log := createTestLogger()
	taskRepo := newTestTaskRepository()

	s := NewScheduler(q, disp, taskRepo, log, DefaultSchedulerConfig())

	if s.IsRunning() {
		t.Error("scheduler should not be running before Start")
	}

	_ = s.Start(context.Background())
	if !s.IsRunning() {
		t.Error("scheduler should be running after Start")
	}

	_ = s.Stop()
	if s.IsRunning() {
		t.Error("scheduler should not be running after Stop")
	}
}

func TestSchedulerWithContextCancellation(t *testing.T) {
	q := queue.NewTaskQueue(100)
	disp := newFakeDispatcher(5)
	log := createTestLogger()
	taskRepo := newTestTaskRepository()

	cfg := DefaultSchedulerConfig()
	cfg.ProcessInterval = 10 * time.Millisecond
	s := NewScheduler(q, disp, taskRepo, log, cfg)

	ctx, cancel := context.WithCancel(context.Background())

	err := s.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cancel()

	time.Sleep(50 * time.Millisecond)

	_ = s.Stop()
}

func TestEnqueueDuplicateTask(t *testing.T) {
	q := queue.NewTaskQueue(100)
	disp := newFakeDispatcher(5)
	log := createTestLogger()
	taskRepo := newTestTaskRepository()

	s := NewScheduler(q, disp, taskRepo, log, DefaultSchedulerConfig())

	task := createTestTask("task-1", 5)
	_ = s.EnqueueTask(task)

	err := s.EnqueueTask(task)
	if err != queue.ErrTaskExists {
		t.Errorf("expected ErrTaskExists, got %v", err)
	}
}

func TestRetryTaskExceedsLimit(t *testing.T) {
	q := queue.NewTaskQueue(100)
	disp := newFakeDispatcher(5)
	log := createTestLogger()
	taskRepo := newTestTaskRepository()

	cfg := DefaultSchedulerConfig()
	cfg.RetryLimit = 2
	cfg.RetryDelay = 1 * time.Millisecond
	s := NewScheduler(q, disp, taskRepo, log, cfg)

	task := createTestTask("task-1", 5)
	taskRepo.AddTask(task)

	result := s.RetryTask("task-1")
	if !result {
		t.Error("first retry should succeed")
	}

	result = s.RetryTask("task-1")
	if !result {
		t.Error("second retry should succeed")
	}

	result = s.RetryTask("task-1")
	if result {
		t.Error("third retry should fail (limit exceeded)")
	}
}

func TestRetryTaskNotFound(t *testing.T) {
	q := queue.NewTaskQueue(100)
	disp := newFakeDispatcher(5)
	log := createTestLogger()
	taskRepo := newTestTaskRepository()

	cfg := DefaultSchedulerConfig()
	cfg.RetryDelay = 1 * time.Millisecond
	s := NewScheduler(q, disp, taskRepo, log, cfg)

	result := s.RetryTask("non-existent")
	if result {
		t.Error("retry should fail for non-existent task")
	}
}

func TestProcessTasksDelegatesToDispatcher(t *testing.T) {
	q := queue.NewTaskQueue(100)
	disp := newFakeDispatcher(5)
	log := createTestLogger()
	taskRepo := newTestTaskRepository()

	task := createTestTask("task-1", 5)
	taskRepo.AddTask(task)

	s := NewScheduler(q, disp, taskRepo, log, DefaultSchedulerConfig())
	_ = s.EnqueueTask(task)

	s.processTasks(context.Background())
	s.wg.Wait()

	disp.mu.Lock()
	executed := append([]string(nil), disp.executed...)
	disp.mu.Unlock()

	if len(executed) != 1 || executed[0] != "task-1" {
		t.Errorf("expected dispatcher to execute task-1, got %v", executed)
	}

	updated, err := taskRepo.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if updated.State != v1.TaskStateCompleted {
		t.Errorf("expected task state COMPLETED, got %s", updated.State)
	}
}
