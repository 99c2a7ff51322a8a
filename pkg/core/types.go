package core

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// PeerID is the stable identifier of a mesh participant, derived from its
// verifying key at first contact.
type PeerID string

func (p PeerID) Short() string {
	if len(p) > 12 {
		return string(p[:12])
	}
	return string(p)
}

// FrameKind identifies what a frame carries. Security policy decides per
// kind whether a signature is required.
type FrameKind int

const (
	FrameHeartbeat FrameKind = iota
	FrameGameMove
	FrameElection
	FrameCrossShard
	FrameStateSync
	FrameCheckpoint
	FrameAck
	FrameMembership
)

func (k FrameKind) String() string {
	switch k {
	case FrameHeartbeat:
		return "heartbeat"
	case FrameGameMove:
		return "game_move"
	case FrameElection:
		return "election"
	case FrameCrossShard:
		return "cross_shard"
	case FrameStateSync:
		return "state_sync"
	case FrameCheckpoint:
		return "checkpoint"
	case FrameAck:
		return "ack"
	case FrameMembership:
		return "membership"
	default:
		return "unknown"
	}
}

// Frame is the unit of mesh traffic. The wire bit-layout is owned by the
// codec layer; this is the content contract.
type Frame struct {
	Sender    PeerID    `json:"sender"`
	Kind      FrameKind `json:"kind"`
	Payload   []byte    `json:"payload"`
	TTL       int       `json:"ttl"`
	Timestamp time.Time `json:"timestamp"`
	Signature []byte    `json:"signature,omitempty"`
}

// Hash returns the content hash of the frame with the signature zeroed,
// so signing and verification cover the same bytes.
func (f *Frame) Hash() ([]byte, error) {
	fCopy := *f
	fCopy.Signature = nil
	data, err := json.Marshal(fCopy)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(data)
	return hash[:], nil
}

func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

func UnmarshalFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &f, nil
}

// ShouldForward reports whether the frame has hop budget left for relay.
func (f *Frame) ShouldForward() bool {
	return f.TTL > 1
}

// PeerIdentity is created on first contact and never deleted; a misbehaving
// peer is blocked, not forgotten.
type PeerIdentity struct {
	ID        PeerID    `json:"id"`
	PublicKey []byte    `json:"public_key"`
	FirstSeen time.Time `json:"first_seen"`
}

// GameOperation is a session-level operation submitted by the local game
// logic or received from a peer.
type GameOperation struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Actor     PeerID    `json:"actor"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Signature []byte    `json:"signature,omitempty"`
}

func (op *GameOperation) Hash() ([]byte, error) {
	opCopy := *op
	opCopy.Signature = nil
	data, err := json.Marshal(opCopy)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(data)
	return hash[:], nil
}

// GameStateSnapshot is a signed view of session state at a given round.
// It is authoritative only once signature weight exceeds two-thirds of the
// relevant member set.
type GameStateSnapshot struct {
	StateHash  []byte            `json:"state_hash"`
	Round      uint64            `json:"round"`
	Signatures map[PeerID][]byte `json:"signatures"`
}

// EventType enumerates the events the core emits to the game session.
type EventType int

const (
	EventPeerJoined EventType = iota
	EventPeerLeft
	EventStateCommitted
	EventShardRebalanced
	EventOperationAborted
	EventCheatFlagged
)

func (e EventType) String() string {
	switch e {
	case EventPeerJoined:
		return "peer_joined"
	case EventPeerLeft:
		return "peer_left"
	case EventStateCommitted:
		return "state_committed"
	case EventShardRebalanced:
		return "shard_rebalanced"
	case EventOperationAborted:
		return "operation_aborted"
	case EventCheatFlagged:
		return "cheat_flagged"
	default:
		return "unknown"
	}
}

// Event is delivered on the node's event stream.
type Event struct {
	Type        EventType
	Peer        PeerID
	StateHash   []byte
	Round       uint64
	ShardID     string
	OperationID string
	Reason      string
	Evidence    []byte
	Timestamp   time.Time
}
