package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fleetkit/agentfleet/internal/common/logger"
	"github.com/fleetkit/agentfleet/internal/orchestrator/dispatcher"
	"github.com/fleetkit/agentfleet/internal/orchestrator/scheduler"
	"github.com/fleetkit/agentfleet/internal/session"
	v1 "github.com/fleetkit/agentfleet/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	return log
}

// catSessionConfig runs `cat`, which echoes whatever it receives on stdin
// back out, so a turn's output is deterministic without depending on any
// external agent CLI.
func catSessionConfig(t *testing.T) dispatcher.SessionConfigFunc {
	dir := t.TempDir()
	return func(agent v1.AgentRegistration) session.Config {
		return session.Config{
			WorkingDirectory: dir,
			Command:          []string{"cat"},
			PtySize:          session.PtySize{Rows: 24, Cols: 80},
			IdleTimeout:      40 * time.Millisecond,
		}
	}
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	log := testLogger(t)
	engine := session.NewEngine(log, nil)

	cfg := Config{
		DefaultRole:       "generic",
		QueueMaxSize:      100,
		SchedulerConfig:   scheduler.DefaultSchedulerConfig(),
		DispatcherConfig:  dispatcher.DefaultConfig(),
		SessionConfigFunc: catSessionConfig(t),
	}
	cfg.SchedulerConfig.ProcessInterval = 10 * time.Millisecond
	return New(engine, log, cfg)
}

func TestSubmitResolvesOnCompletion(t *testing.T) {
	o := newTestOrchestrator(t)
	if err := o.RegisterAgent("agent-1", "generic", nil); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = o.Stop() }()

	handle, err := o.Submit(&v1.Task{ID: "t1", Description: "hello orchestrator"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if result.State != v1.TaskStateCompleted {
		t.Errorf("expected TaskStateCompleted, got %s", result.State)
	}
	if !strings.Contains(result.Output, "hello orchestrator") {
		t.Errorf("expected echoed output, got %q", result.Output)
	}
}

func TestSubmitBatchJoinAll(t *testing.T) {
	o := newTestOrchestrator(t)
	if err := o.RegisterAgent("agent-1", "generic", nil); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = o.Stop() }()

	batch, err := o.SubmitBatch([]*v1.Task{
		{ID: "b1", Description: "first"},
		{ID: "b2", Description: "second"},
	}, BatchOptions{})
	if err != nil {
		t.Fatalf("SubmitBatch failed: %v", err)
	}

	results, err := batch.JoinAll(ctx, BatchOptions{})
	if err != nil {
		t.Fatalf("JoinAll failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.State != v1.TaskStateCompleted {
			t.Errorf("expected TaskStateCompleted, got %s for task %s", r.State, r.TaskID)
		}
	}
}

func TestSubmitNoEligibleAgentFailsEventually(t *testing.T) {
	o := newTestOrchestrator(t)
	// No agents registered: the dispatcher's Execute will fail with
	// NoEligibleAgent on every retry until the scheduler gives up.
	o.scheduler = scheduler.NewScheduler(o.queue, o.dispatcher, o.repo, o.log, scheduler.SchedulerConfig{
		ProcessInterval: 10 * time.Millisecond,
		MaxConcurrent:   1,
		RetryLimit:      0,
		RetryDelay:      time.Millisecond,
	})
	o.scheduler.OnResult(o.handleResult)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = o.Stop() }()

	handle, err := o.Submit(&v1.Task{ID: "t1", Description: "nobody home"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if result.State != v1.TaskStateFailed {
		t.Errorf("expected TaskStateFailed, got %s", result.State)
	}
}
