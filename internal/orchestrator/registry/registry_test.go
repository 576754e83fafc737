package registry

import (
	"testing"

	"github.com/fleetkit/agentfleet/internal/errs"
	v1 "github.com/fleetkit/agentfleet/pkg/api/v1"
)

func TestRegisterAndGet(t *testing.T) {
	r := New("")
	reg := v1.AgentRegistration{AgentID: "a1", Capabilities: []string{"go"}}

	if err := r.Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	entry, ok := r.Get("a1")
	if !ok {
		t.Fatal("expected agent to be found")
	}
	if entry.Status != v1.AgentStatusIdle {
		t.Errorf("expected newly registered agent to be Idle, got %s", entry.Status)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New("")
	reg := v1.AgentRegistration{AgentID: "a1"}
	_ = r.Register(reg)

	if err := r.Register(reg); err != errs.ErrAlreadyRegistered {
		t.Errorf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestUnregisterUnknown(t *testing.T) {
	r := New("")
	if err := r.Unregister("missing"); err != errs.ErrUnknownAgent {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestUpdateStatusUnknown(t *testing.T) {
	r := New("")
	if err := r.UpdateStatus("missing", v1.AgentStatusBusy); err != errs.ErrUnknownAgent {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestSelectForTaskNoAgents(t *testing.T) {
	r := New("")
	_, err := r.SelectForTask(&v1.Task{ID: "t1"})
	if err != errs.ErrNoEligibleAgent {
		t.Errorf("expected ErrNoEligibleAgent, got %v", err)
	}
}

func TestSelectForTaskCapabilityIntersection(t *testing.T) {
	r := New("")
	_ = r.Register(v1.AgentRegistration{AgentID: "go-agent", Capabilities: []string{"go"}})
	_ = r.Register(v1.AgentRegistration{AgentID: "py-agent", Capabilities: []string{"python"}})

	decision, err := r.SelectForTask(&v1.Task{ID: "t1", RequiredCapabilities: []string{"go"}})
	if err != nil {
		t.Fatalf("SelectForTask failed: %v", err)
	}
	if decision.Agent.AgentID != "go-agent" {
		t.Errorf("expected go-agent, got %s", decision.Agent.AgentID)
	}
	if decision.Confidence != 1.0 {
		t.Errorf("expected confidence 1.0 for a unique winner, got %v", decision.Confidence)
	}
}

func TestSelectForTaskLoadBalances(t *testing.T) {
	r := New("generic")
	_ = r.Register(v1.AgentRegistration{AgentID: "a1", Role: "generic"})
	_ = r.Register(v1.AgentRegistration{AgentID: "a2", Role: "generic"})

	// a1 already has load; a2 should win the next selection.
	_, _ = r.SelectForTask(&v1.Task{ID: "warmup"})
	second, err := r.SelectForTask(&v1.Task{ID: "t2"})
	if err != nil {
		t.Fatalf("SelectForTask failed: %v", err)
	}
	if second.Agent.AgentID != "a2" {
		t.Errorf("expected load to balance onto a2, got %s", second.Agent.AgentID)
	}
}

func TestSelectForTaskFallsBackToDefaultRole(t *testing.T) {
	r := New("generic")
	_ = r.Register(v1.AgentRegistration{AgentID: "specialist", Capabilities: []string{"rust"}, Role: "backend"})
	_ = r.Register(v1.AgentRegistration{AgentID: "generalist", Role: "generic"})

	decision, err := r.SelectForTask(&v1.Task{ID: "t1", RequiredCapabilities: []string{"go"}})
	if err != nil {
		t.Fatalf("SelectForTask failed: %v", err)
	}
	if decision.Agent.AgentID != "generalist" {
		t.Errorf("expected fallback to the default-role agent, got %s", decision.Agent.AgentID)
	}
}

func TestSelectForTaskNoOverlapNoDefaultRoleFails(t *testing.T) {
	r := New("")
	_ = r.Register(v1.AgentRegistration{AgentID: "specialist", Capabilities: []string{"rust"}})

	_, err := r.SelectForTask(&v1.Task{ID: "t1", RequiredCapabilities: []string{"go"}})
	if err != errs.ErrNoEligibleAgent {
		t.Errorf("expected ErrNoEligibleAgent with no default role configured, got %v", err)
	}
}

func TestSelectForTaskSkipsUnhealthyAndOffline(t *testing.T) {
	r := New("generic")
	_ = r.Register(v1.AgentRegistration{AgentID: "down", Role: "generic"})
	_ = r.Register(v1.AgentRegistration{AgentID: "up", Role: "generic"})
	_ = r.UpdateStatus("down", v1.AgentStatusOffline)

	decision, err := r.SelectForTask(&v1.Task{ID: "t1"})
	if err != nil {
		t.Fatalf("SelectForTask failed: %v", err)
	}
	if decision.Agent.AgentID != "up" {
		t.Errorf("expected healthy agent, got %s", decision.Agent.AgentID)
	}
}

func TestSelectForTaskWithNoRequiredCapabilitiesNeedsDefaultRole(t *testing.T) {
	r := New("")
	_ = r.Register(v1.AgentRegistration{AgentID: "a1"})

	_, err := r.SelectForTask(&v1.Task{ID: "t1"})
	if err != errs.ErrNoEligibleAgent {
		t.Errorf("expected ErrNoEligibleAgent without a configured default role, got %v", err)
	}
}

func TestReleaseDecrementsLoad(t *testing.T) {
	r := New("generic")
	_ = r.Register(v1.AgentRegistration{AgentID: "a1", Role: "generic"})

	_, _ = r.SelectForTask(&v1.Task{ID: "t1"})
	entry, _ := r.Get("a1")
	if entry.ActiveTasks != 1 {
		t.Fatalf("expected ActiveTasks = 1, got %d", entry.ActiveTasks)
	}

	r.Release("a1")
	entry, _ = r.Get("a1")
	if entry.ActiveTasks != 0 {
		t.Errorf("expected ActiveTasks = 0 after release, got %d", entry.ActiveTasks)
	}
}

func TestList(t *testing.T) {
	r := New("")
	_ = r.Register(v1.AgentRegistration{AgentID: "b1"})
	_ = r.Register(v1.AgentRegistration{AgentID: "a1"})

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(list))
	}
	if list[0].AgentID != "a1" || list[1].AgentID != "b1" {
		t.Errorf("expected deterministic sorted order, got %v", list)
	}
}
