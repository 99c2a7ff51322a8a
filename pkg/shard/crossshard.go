package shard

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"dicemesh/pkg/core"
	"dicemesh/pkg/logging"
	"dicemesh/pkg/utils"
)

type OpType int

const (
	OpAssetTransfer OpType = iota
	OpMemberTransfer
	OpStateSync
	OpVote
)

func (t OpType) String() string {
	switch t {
	case OpAssetTransfer:
		return "asset_transfer"
	case OpMemberTransfer:
		return "member_transfer"
	case OpStateSync:
		return "state_sync"
	case OpVote:
		return "vote"
	default:
		return "unknown"
	}
}

type OpPhase int

const (
	OpProposed OpPhase = iota
	OpAccepted
	OpCommitted
	OpCompleted
	OpAborted
)

func (p OpPhase) String() string {
	switch p {
	case OpProposed:
		return "proposed"
	case OpAccepted:
		return "accepted"
	case OpCommitted:
		return "committed"
	case OpCompleted:
		return "completed"
	case OpAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (p OpPhase) Terminal() bool {
	return p == OpCompleted || p == OpAborted
}

// CrossShardOp is a two-shard atomic operation. It must reach a terminal
// phase by its expiry; nothing intermediate survives past that deadline.
type CrossShardOp struct {
	ID           string             `json:"id"`
	Type         OpType             `json:"type"`
	Phase        OpPhase            `json:"phase"`
	SourceShard  string             `json:"source_shard"`
	TargetShard  string             `json:"target_shard"`
	Participants []core.PeerID      `json:"participants"`
	Payload      json.RawMessage    `json:"payload"`
	Accepts      map[core.PeerID]bool `json:"accepts"`
	Commits      map[core.PeerID]bool `json:"commits"`
	CreatedAt    time.Time          `json:"created_at"`
	ExpiresAt    time.Time          `json:"expires_at"`
	AbortReason  string             `json:"abort_reason,omitempty"`
}

// TransferPayload is the payload of asset and member transfers.
type TransferPayload struct {
	From   core.PeerID `json:"from"`
	To     core.PeerID `json:"to"`
	Amount int64       `json:"amount,omitempty"`
}

// CrossShardMessage is the payload of FrameCrossShard frames.
type CrossShardMessage struct {
	OpID   string      `json:"op_id"`
	Phase  OpPhase     `json:"phase"`
	Sender core.PeerID `json:"sender"`
	Op     *CrossShardOp `json:"op,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// ApplyFunc applies a committed operation's effects. It runs exactly once
// per operation.
type ApplyFunc func(op *CrossShardOp) error

// ValidateFunc vets a proposed operation before this node accepts it.
type ValidateFunc func(op *CrossShardOp) error

// NotifyFunc broadcasts a cross-shard message to an operation's
// participants.
type NotifyFunc func(op *CrossShardOp, msg *CrossShardMessage) error

// AbortHandler is told when an operation reaches Aborted.
type AbortHandler func(opID, reason string)

// maxPendingPerOp bounds how many early messages are held for an
// operation whose proposal has not arrived yet.
const maxPendingPerOp = 16

// CrossShardCoordinator drives Propose → Accept → Commit → Completed with
// forced Abort at expiry. The applied set guarantees effects land exactly
// once, at Commit, never before.
type CrossShardCoordinator struct {
	mu      sync.Mutex
	ops     map[string]*CrossShardOp
	applied map[string]bool

	// Accept/Commit/Abort messages that outran their proposal, replayed
	// when it lands.
	pending   map[string][]*CrossShardMessage
	pendingAt map[string]time.Time

	localID  core.PeerID
	expiry   time.Duration
	logger   *logging.StructuredLogger
	apply    ApplyFunc
	validate ValidateFunc
	notify   NotifyFunc
	onAbort  AbortHandler

	committedTotal uint64
	abortedTotal   uint64
}

func NewCrossShardCoordinator(localID core.PeerID, expiry time.Duration, logger *logging.StructuredLogger) *CrossShardCoordinator {
	return &CrossShardCoordinator{
		ops:       make(map[string]*CrossShardOp),
		applied:   make(map[string]bool),
		pending:   make(map[string][]*CrossShardMessage),
		pendingAt: make(map[string]time.Time),
		localID:   localID,
		expiry:    expiry,
		logger:    logger,
	}
}

func (c *CrossShardCoordinator) SetApplyFunc(f ApplyFunc)       { c.apply = f }
func (c *CrossShardCoordinator) SetValidateFunc(f ValidateFunc) { c.validate = f }
func (c *CrossShardCoordinator) SetNotifyFunc(f NotifyFunc)     { c.notify = f }
func (c *CrossShardCoordinator) SetAbortHandler(h AbortHandler) { c.onAbort = h }

// Propose opens a new operation and announces it to all participants.
func (c *CrossShardCoordinator) Propose(opType OpType, sourceShard, targetShard string, participants []core.PeerID, payload interface{}) (*CrossShardOp, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	idBytes := make([]byte, 8)
	rand.Read(idBytes)

	op := &CrossShardOp{
		ID:           hex.EncodeToString(idBytes),
		Type:         opType,
		Phase:        OpProposed,
		SourceShard:  sourceShard,
		TargetShard:  targetShard,
		Participants: participants,
		Payload:      data,
		Accepts:      make(map[core.PeerID]bool),
		Commits:      make(map[core.PeerID]bool),
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(c.expiry),
	}

	if c.validate != nil {
		if err := c.validate(op); err != nil {
			return nil, fmt.Errorf("proposal rejected locally: %w", err)
		}
	}

	c.mu.Lock()
	c.ops[op.ID] = op
	op.Accepts[c.localID] = true
	c.mu.Unlock()

	if c.notify != nil {
		msg := &CrossShardMessage{OpID: op.ID, Phase: OpProposed, Sender: c.localID, Op: op}
		if err := c.notify(op, msg); err != nil {
			c.abort(op.ID, fmt.Sprintf("proposal broadcast failed: %v", err))
			return nil, err
		}
	}

	return op, nil
}

// HandleMessage processes one inbound cross-shard message. Frames may
// arrive arbitrarily reordered; phases only ever move forward. A phase
// message that arrives before its proposal is buffered and replayed
// once the proposal lands.
func (c *CrossShardCoordinator) HandleMessage(msg *CrossShardMessage) error {
	switch msg.Phase {
	case OpProposed:
		return c.handleProposal(msg)
	case OpAccepted:
		if c.stashIfUnknown(msg) {
			return nil
		}
		return c.recordAccept(msg.OpID, msg.Sender)
	case OpCommitted:
		if c.stashIfUnknown(msg) {
			return nil
		}
		return c.recordCommit(msg.OpID, msg.Sender)
	case OpAborted:
		if c.stashIfUnknown(msg) {
			return nil
		}
		c.abort(msg.OpID, msg.Reason)
		return nil
	}
	return nil
}

// stashIfUnknown buffers a message referencing an operation this node
// has not seen proposed yet. Returns true when the message was taken.
func (c *CrossShardCoordinator) stashIfUnknown(msg *CrossShardMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, known := c.ops[msg.OpID]; known {
		return false
	}
	if len(c.pending[msg.OpID]) >= maxPendingPerOp {
		return true
	}
	if _, tracked := c.pendingAt[msg.OpID]; !tracked {
		c.pendingAt[msg.OpID] = time.Now()
	}
	c.pending[msg.OpID] = append(c.pending[msg.OpID], msg)
	return true
}

// takePending removes and returns the buffered messages for an
// operation whose proposal just arrived.
func (c *CrossShardCoordinator) takePending(opID string) []*CrossShardMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	stashed := c.pending[opID]
	delete(c.pending, opID)
	delete(c.pendingAt, opID)
	return stashed
}

func (c *CrossShardCoordinator) handleProposal(msg *CrossShardMessage) error {
	if msg.Op == nil {
		return fmt.Errorf("proposal without operation body")
	}

	op := msg.Op
	if c.validate != nil {
		if err := c.validate(op); err != nil {
			// A failed validation at Propose forces Abort for everyone.
			c.abort(op.ID, fmt.Sprintf("validation failed at %s: %v", c.localID.Short(), err))
			if c.notify != nil {
				c.notify(op, &CrossShardMessage{
					OpID:   op.ID,
					Phase:  OpAborted,
					Sender: c.localID,
					Reason: err.Error(),
				})
			}
			return err
		}
	}

	c.mu.Lock()
	if existing, known := c.ops[op.ID]; known {
		op = existing
	} else {
		if op.Accepts == nil {
			op.Accepts = make(map[core.PeerID]bool)
		}
		if op.Commits == nil {
			op.Commits = make(map[core.PeerID]bool)
		}
		c.ops[op.ID] = op
	}
	op.Accepts[c.localID] = true
	c.mu.Unlock()

	if c.notify != nil {
		c.notify(op, &CrossShardMessage{OpID: op.ID, Phase: OpAccepted, Sender: c.localID})
	}

	if err := c.recordAccept(op.ID, c.localID); err != nil {
		return err
	}

	// Replay anything that outran this proposal.
	for _, stashed := range c.takePending(op.ID) {
		if err := c.HandleMessage(stashed); err != nil {
			return err
		}
	}
	return nil
}

func (c *CrossShardCoordinator) recordAccept(opID string, from core.PeerID) error {
	c.mu.Lock()
	op, exists := c.ops[opID]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("unknown operation %s", opID)
	}
	if op.Phase.Terminal() {
		c.mu.Unlock()
		return nil
	}

	op.Accepts[from] = true
	allAccepted := len(op.Accepts) >= len(op.Participants)
	if allAccepted && op.Phase == OpProposed {
		op.Phase = OpAccepted
		op.Commits[c.localID] = true
	}
	c.mu.Unlock()

	if allAccepted {
		if c.notify != nil {
			c.notify(op, &CrossShardMessage{OpID: op.ID, Phase: OpCommitted, Sender: c.localID})
		}
		return c.recordCommit(opID, c.localID)
	}
	return nil
}

func (c *CrossShardCoordinator) recordCommit(opID string, from core.PeerID) error {
	c.mu.Lock()
	op, exists := c.ops[opID]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("unknown operation %s", opID)
	}
	if op.Phase.Terminal() {
		c.mu.Unlock()
		return nil
	}

	op.Commits[from] = true
	quorum := core.QuorumSize(len(op.Participants))
	shouldApply := len(op.Commits) >= quorum && !c.applied[opID]
	if shouldApply {
		// Mark before applying so a re-entrant message cannot apply twice.
		c.applied[opID] = true
		op.Phase = OpCommitted
	}
	c.mu.Unlock()

	if !shouldApply {
		return nil
	}

	if c.apply != nil {
		if err := c.apply(op); err != nil {
			c.abort(opID, fmt.Sprintf("apply failed: %v", err))
			return err
		}
	}

	c.mu.Lock()
	op.Phase = OpCompleted
	c.committedTotal++
	c.mu.Unlock()

	c.logger.InfoWithFields("Cross-shard operation completed", map[string]interface{}{
		"op":   opID,
		"type": op.Type.String(),
	})
	return nil
}

func (c *CrossShardCoordinator) abort(opID, reason string) {
	c.mu.Lock()
	op, exists := c.ops[opID]
	if !exists || op.Phase.Terminal() {
		c.mu.Unlock()
		return
	}
	op.Phase = OpAborted
	op.AbortReason = reason
	c.abortedTotal++
	c.mu.Unlock()

	c.logger.WarnWithFields("Cross-shard operation aborted", map[string]interface{}{
		"op":     opID,
		"reason": reason,
	})

	if c.onAbort != nil {
		c.onAbort(opID, reason)
	}
}

// Abort forces an operation into the Aborted phase and notifies every
// participant so no partial state is retained anywhere.
func (c *CrossShardCoordinator) Abort(opID, reason string) {
	c.mu.Lock()
	op, exists := c.ops[opID]
	c.mu.Unlock()

	c.abort(opID, reason)

	if exists && c.notify != nil {
		c.notify(op, &CrossShardMessage{
			OpID:   opID,
			Phase:  OpAborted,
			Sender: c.localID,
			Reason: reason,
		})
	}
}

// SweepExpired force-aborts every non-terminal operation past its expiry.
// Returns the consensus-timeout errors for the caller's bookkeeping.
func (c *CrossShardCoordinator) SweepExpired() []error {
	c.mu.Lock()
	now := time.Now()
	expired := make([]*CrossShardOp, 0)
	for _, op := range c.ops {
		if !op.Phase.Terminal() && now.After(op.ExpiresAt) {
			expired = append(expired, op)
		}
	}
	// Buffered messages whose proposal never arrived expire too.
	for id, at := range c.pendingAt {
		if now.Sub(at) > c.expiry {
			delete(c.pending, id)
			delete(c.pendingAt, id)
		}
	}
	c.mu.Unlock()

	errs := make([]error, 0, len(expired))
	for _, op := range expired {
		c.Abort(op.ID, "operation expired before commit")
		errs = append(errs, utils.NewMeshError(utils.KindConsensusTimeout, "cross_shard",
			fmt.Errorf("operation %s expired in phase %s", op.ID, op.Phase)))
	}
	return errs
}

// PruneTerminal drops terminal operations older than the retention window.
func (c *CrossShardCoordinator) PruneTerminal(retention time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	for id, op := range c.ops {
		if op.Phase.Terminal() && op.CreatedAt.Before(cutoff) {
			delete(c.ops, id)
			delete(c.applied, id)
		}
	}
}

func (c *CrossShardCoordinator) Get(opID string) (*CrossShardOp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.ops[opID]
	return op, ok
}

func (c *CrossShardCoordinator) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := 0
	for _, op := range c.ops {
		if !op.Phase.Terminal() {
			active++
		}
	}

	return map[string]interface{}{
		"active":    active,
		"committed": c.committedTotal,
		"aborted":   c.abortedTotal,
	}
}
