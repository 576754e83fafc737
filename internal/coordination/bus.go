// Package coordination implements the Coordination Bus: per-agent inboxes
// plus a broadcast monitor channel, with per-inbox-per-publisher FIFO and
// no cross-inbox ordering guarantee.
package coordination

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fleetkit/agentfleet/internal/common/logger"
	"github.com/fleetkit/agentfleet/internal/errs"
	v1 "github.com/fleetkit/agentfleet/pkg/api/v1"
)

// InboxCapacity bounds each registered agent's inbox and each monitor's
// receive channel. A full inbox drops the message rather than blocking the
// publisher; DroppedCount reports how many deliveries were lost this way.
const InboxCapacity = 256

// InboxHandle is the receiver half of a registered agent's inbox.
type InboxHandle struct {
	agentID string
	ch      chan v1.CoordinationMessage
}

// AgentID returns the inbox's owning agent.
func (h *InboxHandle) AgentID() string { return h.agentID }

// C exposes the inbox's receive channel.
func (h *InboxHandle) C() <-chan v1.CoordinationMessage { return h.ch }

// ReceiverHandle is a monitor subscription receiving a copy of every
// message routed through the bus.
type ReceiverHandle struct {
	id int64
	ch chan v1.CoordinationMessage
}

// C exposes the monitor's receive channel.
func (h *ReceiverHandle) C() <-chan v1.CoordinationMessage { return h.ch }

// Bus is the Coordination Bus: it maintains per-agent inboxes and a set of
// broadcast monitor channels, and is safe under concurrent publish from
// multiple producers.
type Bus struct {
	mu       sync.RWMutex
	inboxes  map[string]chan v1.CoordinationMessage
	monitors map[int64]chan v1.CoordinationMessage
	nextID   int64

	log     *logger.Logger
	dropped uint64
}

// New creates an empty Bus.
func New(log *logger.Logger) *Bus {
	return &Bus{
		inboxes:  make(map[string]chan v1.CoordinationMessage),
		monitors: make(map[int64]chan v1.CoordinationMessage),
		log:      log.WithFields(zap.String("component", "coordination_bus")),
	}
}

// Register creates agentID's inbox. Registering an agent a second time
// returns ErrAlreadyRegistered.
func (b *Bus) Register(agentID string) (*InboxHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.inboxes[agentID]; exists {
		return nil, errs.ErrAlreadyRegistered
	}
	ch := make(chan v1.CoordinationMessage, InboxCapacity)
	b.inboxes[agentID] = ch
	return &InboxHandle{agentID: agentID, ch: ch}, nil
}

// Unregister removes agentID's inbox and closes it. Unregistering an
// unknown agent is a no-op, matching the bus's weak-reference ownership
// model: callers may unregister an agent that already dropped out.
func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, exists := b.inboxes[agentID]; exists {
		delete(b.inboxes, agentID)
		close(ch)
	}
}

// Inbox returns the receive channel for a registered agent.
func (b *Bus) Inbox(agentID string) (<-chan v1.CoordinationMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, exists := b.inboxes[agentID]
	if !exists {
		return nil, errs.ErrUnknownAgent
	}
	return ch, nil
}

// PublishTo delivers msg to agentID's inbox and to every monitor. Delivery
// happens after b.mu is released; a publisher's successive calls still
// reach a given inbox in call order because each call delivers before it
// returns and the inbox is a FIFO channel.
func (b *Bus) PublishTo(agentID string, msg v1.CoordinationMessage) error {
	b.mu.RLock()
	ch, exists := b.inboxes[agentID]
	monitors := b.monitorsSnapshotLocked()
	b.mu.RUnlock()

	if !exists {
		return errs.ErrUnknownAgent
	}
	msg.AgentID = agentID
	b.deliver(ch, msg)
	b.deliverToMonitors(monitors, msg)
	return nil
}

// Broadcast delivers msg to every registered inbox and every monitor.
// Ordering across inboxes is not guaranteed.
func (b *Bus) Broadcast(msg v1.CoordinationMessage) {
	b.mu.RLock()
	inboxes := make([]chan v1.CoordinationMessage, 0, len(b.inboxes))
	for _, ch := range b.inboxes {
		inboxes = append(inboxes, ch)
	}
	monitors := b.monitorsSnapshotLocked()
	b.mu.RUnlock()

	for _, ch := range inboxes {
		b.deliver(ch, msg)
	}
	b.deliverToMonitors(monitors, msg)
}

// SubscribeMonitor returns a new receiver of all traffic. Multiple monitors
// are permitted and each receives its own copy of every message.
func (b *Bus) SubscribeMonitor() *ReceiverHandle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan v1.CoordinationMessage, InboxCapacity)
	b.monitors[id] = ch
	return &ReceiverHandle{id: id, ch: ch}
}

// UnsubscribeMonitor stops and removes a monitor subscription.
func (b *Bus) UnsubscribeMonitor(h *ReceiverHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, exists := b.monitors[h.id]; exists {
		delete(b.monitors, h.id)
		close(ch)
	}
}

// DroppedCount reports how many deliveries were dropped under back-pressure
// instead of blocking the publisher.
func (b *Bus) DroppedCount() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (b *Bus) monitorsSnapshotLocked() []chan v1.CoordinationMessage {
	out := make([]chan v1.CoordinationMessage, 0, len(b.monitors))
	for _, ch := range b.monitors {
		out = append(out, ch)
	}
	return out
}

// deliver sends msg to ch, dropping (rather than blocking the publisher
// indefinitely) if the inbox is full, and incrementing the dropped-message
// metric.
func (b *Bus) deliver(ch chan v1.CoordinationMessage, msg v1.CoordinationMessage) {
	select {
	case ch <- msg:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.log.Warn("dropped coordination message: inbox full", zap.String("kind", string(msg.Kind)))
	}
}

func (b *Bus) deliverToMonitors(monitors []chan v1.CoordinationMessage, msg v1.CoordinationMessage) {
	for _, ch := range monitors {
		b.deliver(ch, msg)
	}
}
