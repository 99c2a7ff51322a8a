package transport

import (
	"context"
	"fmt"
	"sync"

	"dicemesh/pkg/core"
)

// MemoryHub connects in-process transports for tests and simulations.
type MemoryHub struct {
	mu    sync.RWMutex
	nodes map[core.PeerID]*MemoryTransport
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		nodes: make(map[core.PeerID]*MemoryTransport),
	}
}

// Attach creates a transport joined to the hub under the given peer ID.
func (h *MemoryHub) Attach(id core.PeerID) *MemoryTransport {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := &MemoryTransport{
		hub:    h,
		id:     id,
		events: make(chan Event, 256),
	}
	h.nodes[id] = t

	// Announce the new peer to everyone already attached, both ways.
	for otherID, other := range h.nodes {
		if otherID == id {
			continue
		}
		other.deliver(Event{Type: EventPeerConnected, Peer: id})
		t.deliver(Event{Type: EventPeerConnected, Peer: otherID})
	}

	return t
}

// Detach removes a transport and notifies remaining peers.
func (h *MemoryHub) Detach(id core.PeerID, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.nodes[id]; !exists {
		return
	}
	delete(h.nodes, id)

	for _, other := range h.nodes {
		other.deliver(Event{Type: EventPeerDisconnected, Peer: id, Reason: reason})
	}
}

// Partition severs delivery between two groups without detaching anyone.
// Used by tests to simulate a network split.
func (h *MemoryHub) Partition(groupA, groupB []core.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, a := range groupA {
		if t, ok := h.nodes[a]; ok {
			if t.blocked == nil {
				t.blocked = make(map[core.PeerID]bool)
			}
			for _, b := range groupB {
				t.blocked[b] = true
			}
		}
	}
	for _, b := range groupB {
		if t, ok := h.nodes[b]; ok {
			if t.blocked == nil {
				t.blocked = make(map[core.PeerID]bool)
			}
			for _, a := range groupA {
				t.blocked[a] = true
			}
		}
	}
}

// Heal removes all partition blocks.
func (h *MemoryHub) Heal() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, t := range h.nodes {
		t.blocked = nil
	}
}

// MemoryTransport is the in-process Transport used by tests.
type MemoryTransport struct {
	hub     *MemoryHub
	id      core.PeerID
	events  chan Event
	blocked map[core.PeerID]bool
	stopped bool
	mu      sync.Mutex
}

func (t *MemoryTransport) Start(ctx context.Context) error { return nil }

func (t *MemoryTransport) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.hub.Detach(t.id, "stopped")
	return nil
}

func (t *MemoryTransport) Send(data []byte, to core.PeerID, mode SendMode) error {
	t.hub.mu.RLock()
	target, exists := t.hub.nodes[to]
	blocked := t.blocked != nil && t.blocked[to]
	t.hub.mu.RUnlock()

	if !exists {
		return fmt.Errorf("peer %s not connected", to.Short())
	}
	if blocked {
		return fmt.Errorf("peer %s unreachable", to.Short())
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	target.deliver(Event{Type: EventFrameReceived, Peer: t.id, Data: dataCopy})
	return nil
}

func (t *MemoryTransport) Broadcast(data []byte) error {
	t.hub.mu.RLock()
	targets := make([]*MemoryTransport, 0, len(t.hub.nodes))
	for id, node := range t.hub.nodes {
		if id == t.id {
			continue
		}
		if t.blocked != nil && t.blocked[id] {
			continue
		}
		targets = append(targets, node)
	}
	t.hub.mu.RUnlock()

	for _, target := range targets {
		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)
		target.deliver(Event{Type: EventFrameReceived, Peer: t.id, Data: dataCopy})
	}
	return nil
}

func (t *MemoryTransport) deliver(ev Event) {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}

	// Bounded channel: a slow consumer drops the oldest event rather than
	// blocking the sender.
	select {
	case t.events <- ev:
	default:
		select {
		case <-t.events:
		default:
		}
		select {
		case t.events <- ev:
		default:
		}
	}
}

func (t *MemoryTransport) Events() <-chan Event {
	return t.events
}

func (t *MemoryTransport) Peers() []core.PeerID {
	t.hub.mu.RLock()
	defer t.hub.mu.RUnlock()

	peers := make([]core.PeerID, 0, len(t.hub.nodes))
	for id := range t.hub.nodes {
		if id == t.id {
			continue
		}
		if t.blocked != nil && t.blocked[id] {
			continue
		}
		peers = append(peers, id)
	}
	return peers
}

func (t *MemoryTransport) LocalID() core.PeerID {
	return t.id
}
