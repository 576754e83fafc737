// Package registry tracks registered agents and implements the
// Orchestrator's routing decision procedure: capability intersection, then
// load balancing, then least-recently-used, then a configured default role.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetkit/agentfleet/internal/errs"
	v1 "github.com/fleetkit/agentfleet/pkg/api/v1"
)

// Entry is a registered agent plus the routing state the Registry tracks
// about it.
type Entry struct {
	Registration v1.AgentRegistration
	Status       v1.AgentStatus
	ActiveTasks  int
	LastSeen     time.Time
}

func (e *Entry) overlap(required []string) int {
	if len(required) == 0 {
		return 0
	}
	have := make(map[string]bool, len(e.Registration.Capabilities))
	for _, c := range e.Registration.Capabilities {
		have[c] = true
	}
	n := 0
	for _, c := range required {
		if have[c] {
			n++
		}
	}
	return n
}

// Decision is the Orchestrator's routing verdict for a single task.
type Decision struct {
	Agent      v1.AgentRegistration
	Role       v1.AgentRole
	Confidence float64
	Rationale  string
}

// Registry holds the set of agents known to the Orchestrator.
type Registry struct {
	mu          sync.RWMutex
	agents      map[string]*Entry
	defaultRole v1.AgentRole
}

// New creates an empty Registry. defaultRole is the fallback role used when
// no task names required capabilities, or no agent overlaps any of them.
func New(defaultRole v1.AgentRole) *Registry {
	return &Registry{
		agents:      make(map[string]*Entry),
		defaultRole: defaultRole,
	}
}

// Register adds a new agent. Registering an agent ID a second time returns
// ErrAlreadyRegistered.
func (r *Registry) Register(reg v1.AgentRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[reg.AgentID]; exists {
		return errs.ErrAlreadyRegistered
	}
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = time.Now().UTC()
	}
	r.agents[reg.AgentID] = &Entry{
		Registration: reg,
		Status:       v1.AgentStatusIdle,
		LastSeen:     reg.RegisteredAt,
	}
	return nil
}

// Unregister removes an agent. Unregistering an unknown agent ID returns
// ErrUnknownAgent.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; !exists {
		return errs.ErrUnknownAgent
	}
	delete(r.agents, agentID)
	return nil
}

// UpdateStatus records an agent's last-reported status.
func (r *Registry) UpdateStatus(agentID string, status v1.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.agents[agentID]
	if !exists {
		return errs.ErrUnknownAgent
	}
	entry.Status = status
	entry.LastSeen = time.Now().UTC()
	return nil
}

// Get returns a copy of the agent entry for agentID.
func (r *Registry) Get(agentID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.agents[agentID]
	if !exists {
		return Entry{}, false
	}
	return *entry, true
}

// List returns every registered agent, sorted by agent ID for determinism.
func (r *Registry) List() []v1.AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]v1.AgentRegistration, 0, len(r.agents))
	for _, entry := range r.agents {
		out = append(out, entry.Registration)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// SelectForTask runs the routing decision procedure against task and
// returns the winning agent. The winner's ActiveTasks is incremented;
// callers must call Release once the task completes.
func (r *Registry) SelectForTask(task *v1.Task) (Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	healthy := r.healthyEntries()
	if len(healthy) == 0 {
		return Decision{}, errs.ErrNoEligibleAgent
	}

	candidates, confidence, rationale := rankByCapability(healthy, task.RequiredCapabilities)
	if len(candidates) == 0 {
		candidates = r.fallbackCandidates(healthy)
		confidence, rationale = 0.25, "no capability overlap, routed to default role"
		if len(candidates) == 0 {
			return Decision{}, errs.ErrNoEligibleAgent
		}
	}

	chosen, stageConfidence := pickByLoadThenLRU(candidates)
	if stageConfidence < confidence {
		confidence = stageConfidence
		if rationale == "" {
			rationale = "resolved by load/LRU tiebreak"
		}
	}

	chosen.ActiveTasks++
	chosen.LastSeen = time.Now().UTC()

	return Decision{
		Agent:      chosen.Registration,
		Role:       resolveRole(chosen.Registration, r.defaultRole),
		Confidence: confidence,
		Rationale:  rationale,
	}, nil
}

func resolveRole(reg v1.AgentRegistration, fallback v1.AgentRole) v1.AgentRole {
	if reg.Role != "" {
		return reg.Role
	}
	return fallback
}

func (r *Registry) healthyEntries() []*Entry {
	var out []*Entry
	for _, entry := range r.agents {
		if entry.Status == v1.AgentStatusUnhealthy || entry.Status == v1.AgentStatusOffline {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// fallbackCandidates restricts to agents advertising the registry's default
// role. Returns nil (forcing ErrNoEligibleAgent) if no default role is
// configured or no agent advertises it.
func (r *Registry) fallbackCandidates(healthy []*Entry) []*Entry {
	if r.defaultRole == "" {
		return nil
	}
	var out []*Entry
	for _, e := range healthy {
		if e.Registration.Role == r.defaultRole {
			out = append(out, e)
		}
	}
	return out
}

// rankByCapability implements routing step 1: capability intersection.
// Returns the agents tied for maximum overlap, the confidence appropriate
// to a unique vs. tied winner, and a rationale. An empty result means no
// agent overlapped at all (or required is empty), signaling the caller to
// fall back.
func rankByCapability(healthy []*Entry, required []string) ([]*Entry, float64, string) {
	if len(required) == 0 {
		return nil, 0, ""
	}
	maxOverlap := 0
	for _, e := range healthy {
		if n := e.overlap(required); n > maxOverlap {
			maxOverlap = n
		}
	}
	if maxOverlap == 0 {
		return nil, 0, ""
	}
	var winners []*Entry
	for _, e := range healthy {
		if e.overlap(required) == maxOverlap {
			winners = append(winners, e)
		}
	}
	if len(winners) == 1 {
		return winners, 1.0, "unique capability-intersection winner"
	}
	return winners, 0.75, fmt.Sprintf("tied on capability intersection (overlap=%d)", maxOverlap)
}

// pickByLoadThenLRU implements routing steps 2 and 3: load balance, then
// least-recently-used. Returns the chosen entry and the confidence implied
// by how many tiebreak stages were needed.
func pickByLoadThenLRU(candidates []*Entry) (*Entry, float64) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ActiveTasks != candidates[j].ActiveTasks {
			return candidates[i].ActiveTasks < candidates[j].ActiveTasks
		}
		return candidates[i].Registration.AgentID < candidates[j].Registration.AgentID
	})
	if len(candidates) == 1 {
		return candidates[0], 1.0
	}
	minLoad := candidates[0].ActiveTasks
	var tied []*Entry
	for _, e := range candidates {
		if e.ActiveTasks == minLoad {
			tied = append(tied, e)
		}
	}
	if len(tied) == 1 {
		return tied[0], 0.75
	}
	sort.Slice(tied, func(i, j int) bool { return tied[i].LastSeen.Before(tied[j].LastSeen) })
	return tied[0], 0.5
}

// Release decrements an agent's active task count after a task completes.
func (r *Registry) Release(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.agents[agentID]
	if !exists {
		return
	}
	if entry.ActiveTasks > 0 {
		entry.ActiveTasks--
	}
}
