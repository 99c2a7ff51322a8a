package transport

import (
	"context"

	"dicemesh/pkg/core"
)

// EventType classifies transport notifications.
type EventType int

const (
	EventPeerConnected EventType = iota
	EventPeerDisconnected
	EventFrameReceived
)

// Event is delivered on the transport's event channel.
type Event struct {
	Type    EventType
	Peer    core.PeerID
	Address string
	Reason  string
	Data    []byte
}

// SendMode selects delivery semantics for a single send.
type SendMode int

const (
	SendBestEffort SendMode = iota
	SendReliable
)

// Transport delivers opaque byte frames between directly connected peers.
// The mesh layer owns framing, dedup and trust; the transport only moves
// bytes and reports connectivity.
type Transport interface {
	Start(ctx context.Context) error
	Stop() error

	Send(data []byte, to core.PeerID, mode SendMode) error
	Broadcast(data []byte) error

	Events() <-chan Event
	Peers() []core.PeerID
	LocalID() core.PeerID
}
