package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"dicemesh/pkg/core"
	"dicemesh/pkg/identity"
	"dicemesh/pkg/logging"
	"dicemesh/pkg/mesh"
	"dicemesh/pkg/metrics"
	"dicemesh/pkg/security"
	"dicemesh/pkg/shard"
	statesync "dicemesh/pkg/sync"
	"dicemesh/pkg/transport"
	"dicemesh/pkg/utils"
)

// membershipAnnounce is the payload of a membership frame. HostID is
// the sender's wire-level transport identity, set when the transport
// addresses peers by something other than the mesh ID.
type membershipAnnounce struct {
	Action    string `json:"action"` // "join" | "leave"
	PublicKey []byte `json:"public_key,omitempty"`
	HostID    string `json:"host_id,omitempty"`
}

// peerBinder is implemented by transports whose wire addressing is not
// the mesh identity (the libp2p transport). The membership exchange
// binds the two so targeted sends resolve.
type peerBinder interface {
	HostID() string
	BindPeer(hostID string, meshID core.PeerID) error
}

// statusBeacon piggybacks the sender's network view and state snapshot
// on the heartbeat kind, feeding partition detection and lag detection.
type statusBeacon struct {
	View     []core.PeerID           `json:"view,omitempty"`
	Snapshot *core.GameStateSnapshot `json:"snapshot,omitempty"`
}

type syncEnvelope struct {
	Request  *statesync.SyncRequest  `json:"request,omitempty"`
	Response *statesync.SyncResponse `json:"response,omitempty"`
}

type checkpointEnvelope struct {
	Announce     *core.GameStateSnapshot `json:"announce,omitempty"`
	EndorseRound uint64                  `json:"endorse_round,omitempty"`
	Endorsement  []byte                  `json:"endorsement,omitempty"`
}

// Node assembles the mesh, trust, shard, and synchronization layers for
// one session participant and runs their shared timers.
type Node struct {
	cfg    *core.Config
	ident  *identity.Identity
	logger *logging.StructuredLogger
	mm     *metrics.MeshMetrics

	transport    transport.Transport
	validator    *security.Validator
	mesh         *mesh.Service
	shards       *shard.Manager
	elections    *shard.ElectionManager
	crossShard   *shard.CrossShardCoordinator
	synchronizer *statesync.Synchronizer
	partition    *statesync.PartitionDetector
	registry     *utils.ComponentRegistry
	health       *utils.HealthMonitor

	sessionMu sync.RWMutex
	members   map[core.PeerID][]byte
	balances  map[core.PeerID]int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a node. The signature primitive is self-tested before any
// other component is touched: if signing itself is broken the node must
// halt rather than join the mesh with unverifiable output.
func New(cfg *core.Config, ident *identity.Identity, tr transport.Transport,
	db *leveldb.DB, logger *logging.StructuredLogger, mm *metrics.MeshMetrics) (*Node, error) {

	if err := identity.SelfTest(); err != nil {
		return nil, utils.NewMeshError(utils.KindFatal, "node",
			fmt.Errorf("signature primitive self-test failed: %w", err))
	}
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}

	validator, err := security.NewValidator(cfg, db, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	meshSvc, err := mesh.NewService(cfg, tr, validator, ident, logger, mm)
	if err != nil {
		return nil, fmt.Errorf("failed to create mesh service: %w", err)
	}

	n := &Node{
		cfg:       cfg,
		ident:     ident,
		logger:    logger.WithField("component", "node"),
		mm:        mm,
		transport: tr,
		validator: validator,
		mesh:      meshSvc,
		registry:  utils.NewComponentRegistry(),
		members:   make(map[core.PeerID][]byte),
		balances:  make(map[core.PeerID]int64),
	}

	n.shards = shard.NewManager(cfg, logger)
	n.shards.SetRebalanceHandler(n.onRebalanceSignal)
	n.shards.SetElectionTrigger(n.onElectionTrigger)

	n.elections = shard.NewElectionManager(ident.PeerID, n.shards.MembersOf,
		n.broadcastElection, cfg.ElectionPhaseTimeout, logger)
	n.elections.SetDecidedHandler(n.onCoordinatorDecided)
	n.elections.SetEquivocationHandler(n.onEquivocation)
	n.elections.SetViewChangeHandler(func(shardID string, view uint64) {
		if n.mm != nil {
			n.mm.ViewChanges.Inc()
		}
	})

	n.crossShard = shard.NewCrossShardCoordinator(ident.PeerID, cfg.CrossShardExpiry, logger)
	n.crossShard.SetNotifyFunc(n.notifyCrossShard)
	n.crossShard.SetValidateFunc(n.validateCrossShardOp)
	n.crossShard.SetApplyFunc(n.applyCrossShardOp)
	n.crossShard.SetAbortHandler(n.onOperationAborted)

	n.synchronizer = statesync.NewSynchronizer(ident.PeerID, ident, db,
		validator.PublicKeyOf, n.sessionMembers, logger)
	n.synchronizer.SetCommitHandler(n.onStateCommitted)

	n.partition = statesync.NewPartitionDetector(ident.PeerID, cfg.RecoveryMode,
		cfg.HeartbeatTimeout, n.sessionMembers, statesync.RecoveryHooks{
			Reconnect:         n.nudgePeer,
			CanonicalSnapshot: n.canonicalSnapshot,
			AdoptCanonical:    n.synchronizer.AdoptCanonical,
			Rollback:          n.synchronizer.Rollback,
			ExcludePeer:       n.excludePeer,
		}, logger)
	n.partition.SetStatusChangeHandler(func(old, new statesync.PartitionStatus) {
		if n.mm == nil {
			return
		}
		if new == statesync.PartitionPartitioned {
			n.mm.PartitionsDetected.Inc()
		}
		if old == statesync.PartitionPartitioned && new == statesync.PartitionHealthy {
			n.mm.RecoveriesCompleted.Inc()
		}
	})

	n.mesh.Handle(core.FrameHeartbeat, n.handleHeartbeat)
	n.mesh.Handle(core.FrameMembership, n.handleMembership)
	n.mesh.Handle(core.FrameGameMove, n.handleGameMove)
	n.mesh.Handle(core.FrameElection, n.handleElection)
	n.mesh.Handle(core.FrameCrossShard, n.handleCrossShard)
	n.mesh.Handle(core.FrameStateSync, n.handleStateSync)
	n.mesh.Handle(core.FrameCheckpoint, n.handleCheckpoint)

	n.registry.Register(&component{
		name:   "transport",
		start:  tr.Start,
		stop:   tr.Stop,
		health: n.transportHealth,
	})
	n.registry.Register(&component{
		name:   "mesh",
		deps:   []string{"transport"},
		start:  n.mesh.Start,
		stop:   n.mesh.Stop,
		health: n.meshHealth,
	})
	n.registry.Register(&component{
		name:   "coordination",
		deps:   []string{"mesh"},
		start:  n.startCoordination,
		stop:   n.stopCoordination,
		health: n.coordinationHealth,
	})

	n.health = utils.NewHealthMonitor(30 * time.Second)
	n.health.RegisterComponent("transport", n.transportHealth)
	n.health.RegisterComponent("mesh", n.meshHealth)
	n.health.RegisterComponent("coordination", n.coordinationHealth)

	return n, nil
}

func (n *Node) transportHealth() (utils.HealthStatus, string) {
	if len(n.transport.Peers()) == 0 && len(n.sessionMembers()) > 1 {
		return utils.StatusDegraded, "session has members but no peer links"
	}
	return utils.StatusHealthy, fmt.Sprintf("%d peer links", len(n.transport.Peers()))
}

func (n *Node) meshHealth() (utils.HealthStatus, string) {
	stats := n.mesh.Stats()
	if queue, ok := stats["queue"].(map[string]interface{}); ok {
		if depth, ok := queue["depth"].(int); ok && depth > n.cfg.QueueCapacity*8/10 {
			return utils.StatusDegraded, fmt.Sprintf("queue depth %d nearing capacity", depth)
		}
	}
	return utils.StatusHealthy, "delivering"
}

func (n *Node) coordinationHealth() (utils.HealthStatus, string) {
	switch n.partition.GetStatus() {
	case statesync.PartitionPartitioned:
		return utils.StatusUnhealthy, "partitioned from session"
	case statesync.PartitionSuspected:
		return utils.StatusDegraded, "partition suspected"
	default:
		return utils.StatusHealthy, "consensus active"
	}
}

// HealthReport returns the JSON health summary served on the operator
// endpoint.
func (n *Node) HealthReport() string {
	n.health.CheckAllHealth()
	return n.health.GetHealthReport()
}

// Start brings up transport, mesh, and coordination in dependency
// order, then joins the local identity into the session.
func (n *Node) Start(ctx context.Context) error {
	if err := n.registry.StartAll(ctx); err != nil {
		return fmt.Errorf("component startup failed: %w", err)
	}

	shardID, err := n.shards.AddMember(n.ident.PeerID)
	if err != nil {
		return fmt.Errorf("failed to join local shard: %w", err)
	}

	n.sessionMu.Lock()
	n.members[n.ident.PeerID] = n.ident.PublicKey
	n.sessionMu.Unlock()

	n.logger.InfoWithFields("🎲 Node joined session", map[string]interface{}{
		"peer":  n.ident.PeerID.Short(),
		"shard": shardID,
	})

	return n.announceMembership("join")
}

func (n *Node) Stop() {
	n.registry.StopAll()
}

// Events is the stream the game session consumes.
func (n *Node) Events() <-chan core.Event {
	return n.mesh.Events()
}

func (n *Node) PeerID() core.PeerID { return n.ident.PeerID }

// SubmitOperation applies a local game operation and relays it to the
// session. Rejection reasons are carried in the returned error.
func (n *Node) SubmitOperation(op core.GameOperation) error {
	if n.partition.ShouldHaltConsensus() {
		return utils.NewMeshError(utils.KindConsensusTimeout, "node",
			fmt.Errorf("operation rejected: node is partitioned from the session"))
	}
	if len(op.Payload) > n.cfg.MaxPayloadSize {
		return utils.NewMeshError(utils.KindPolicyViolation, "node",
			fmt.Errorf("operation payload %d bytes exceeds limit %d", len(op.Payload), n.cfg.MaxPayloadSize))
	}
	if op.Actor == "" {
		op.Actor = n.ident.PeerID
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}

	cp, err := n.synchronizer.ApplyOperation(op)
	if err != nil {
		return err
	}

	data, err := json.Marshal(op)
	if err != nil {
		return utils.NewMeshError(utils.KindMalformed, "node",
			fmt.Errorf("unmarshalable operation: %w", err))
	}

	frame := &core.Frame{Kind: core.FrameGameMove, Payload: data}
	if err := n.mesh.Broadcast(frame, mesh.ClassInteractive, mesh.ModeReliable); err != nil {
		return err
	}

	if cp != nil {
		n.announceCheckpoint(cp)
	}
	return nil
}

// ProposeTransfer opens a cross-shard asset transfer between two
// players. Participants are the coordinators of both shards, falling
// back to the players themselves while no coordinator is installed.
func (n *Node) ProposeTransfer(from, to core.PeerID, amount int64) (*shard.CrossShardOp, error) {
	sourceShard, ok := n.shards.ShardOf(from)
	if !ok {
		return nil, fmt.Errorf("unknown source player %s", from.Short())
	}
	targetShard, ok := n.shards.ShardOf(to)
	if !ok {
		return nil, fmt.Errorf("unknown target player %s", to.Short())
	}

	participants := []core.PeerID{n.participantFor(sourceShard, from), n.participantFor(targetShard, to)}
	if participants[0] == participants[1] {
		participants = participants[:1]
	}

	return n.crossShard.Propose(shard.OpAssetTransfer, sourceShard, targetShard,
		participants, shard.TransferPayload{From: from, To: to, Amount: amount})
}

func (n *Node) participantFor(shardID string, fallback core.PeerID) core.PeerID {
	if s, ok := n.shards.Get(shardID); ok {
		if coord := s.Coordinator(); coord != "" {
			return coord
		}
	}
	return fallback
}

// SetBalance seeds the session ledger, typically from game setup.
func (n *Node) SetBalance(peer core.PeerID, amount int64) {
	n.sessionMu.Lock()
	defer n.sessionMu.Unlock()
	n.balances[peer] = amount
}

func (n *Node) Balance(peer core.PeerID) int64 {
	n.sessionMu.RLock()
	defer n.sessionMu.RUnlock()
	return n.balances[peer]
}

func (n *Node) sessionMembers() []core.PeerID {
	n.sessionMu.RLock()
	defer n.sessionMu.RUnlock()

	out := make([]core.PeerID, 0, len(n.members))
	for peer := range n.members {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (n *Node) announceMembership(action string) error {
	ann := membershipAnnounce{
		Action:    action,
		PublicKey: n.ident.PublicKey,
	}
	if binder, ok := n.transport.(peerBinder); ok {
		ann.HostID = binder.HostID()
	}

	payload, err := json.Marshal(ann)
	if err != nil {
		return err
	}
	frame := &core.Frame{Kind: core.FrameMembership, Payload: payload}
	return n.mesh.Broadcast(frame, mesh.ClassSystem, mesh.ModeReliable)
}

func (n *Node) announceCheckpoint(cp *core.GameStateSnapshot) {
	payload, err := json.Marshal(checkpointEnvelope{Announce: cp})
	if err != nil {
		return
	}
	frame := &core.Frame{Kind: core.FrameCheckpoint, Payload: payload}
	if err := n.mesh.Broadcast(frame, mesh.ClassSystem, mesh.ModeReliable); err != nil {
		n.logger.WarnWithFields("Checkpoint announcement failed", map[string]interface{}{
			"round": cp.Round,
			"error": err.Error(),
		})
	}
	if n.mm != nil {
		n.mm.CheckpointsCreated.Inc()
	}
}

// --- frame handlers ---

func (n *Node) handleHeartbeat(frame *core.Frame, from core.PeerID) error {
	n.partition.UpdateHeartbeat(frame.Sender)

	if len(frame.Payload) == 0 {
		return nil
	}

	var beacon statusBeacon
	if err := json.Unmarshal(frame.Payload, &beacon); err != nil {
		return nil // bare liveness heartbeat, nothing else to read
	}

	if len(beacon.View) > 0 {
		n.partition.ReportNetworkView(frame.Sender, beacon.View)
	}
	if beacon.Snapshot != nil {
		if req := n.synchronizer.ObserveRemoteSnapshot(frame.Sender, beacon.Snapshot); req != nil {
			n.sendSyncEnvelope(frame.Sender, &syncEnvelope{Request: req})
		}
	}
	return nil
}

func (n *Node) handleMembership(frame *core.Frame, from core.PeerID) error {
	var ann membershipAnnounce
	if err := json.Unmarshal(frame.Payload, &ann); err != nil {
		return fmt.Errorf("malformed membership announce: %w", err)
	}

	switch ann.Action {
	case "join":
		if n.validator.VerifyPeer(frame.Sender, ann.PublicKey) == security.TrustBlocked {
			return fmt.Errorf("blocked peer %s attempted to join", frame.Sender.Short())
		}
		if ann.HostID != "" {
			if binder, ok := n.transport.(peerBinder); ok {
				if err := binder.BindPeer(ann.HostID, frame.Sender); err != nil {
					n.logger.WarnWithFields("Failed to bind wire peer", map[string]interface{}{
						"peer":  frame.Sender.Short(),
						"error": err.Error(),
					})
				}
			}
		}
		n.addSessionMember(frame.Sender, ann.PublicKey)
	case "leave":
		n.removeSessionMember(frame.Sender, "announced leave")
	default:
		return fmt.Errorf("unknown membership action %q", ann.Action)
	}
	return nil
}

func (n *Node) addSessionMember(peer core.PeerID, pubKey []byte) {
	n.sessionMu.Lock()
	if _, known := n.members[peer]; known {
		n.sessionMu.Unlock()
		return
	}
	n.members[peer] = pubKey
	n.sessionMu.Unlock()

	if _, err := n.shards.AddMember(peer); err != nil {
		n.logger.WarnWithFields("Failed to place member in a shard", map[string]interface{}{
			"peer":  peer.Short(),
			"error": err.Error(),
		})
		return
	}

	n.mesh.EmitEvent(core.Event{
		Type:      core.EventPeerJoined,
		Peer:      peer,
		Timestamp: time.Now(),
	})
	if n.mm != nil {
		n.mm.PeerCount.Set(float64(len(n.sessionMembers())))
	}
}

func (n *Node) removeSessionMember(peer core.PeerID, reason string) {
	n.sessionMu.Lock()
	if _, known := n.members[peer]; !known {
		n.sessionMu.Unlock()
		return
	}
	delete(n.members, peer)
	n.sessionMu.Unlock()

	n.shards.RemoveMember(peer)
	n.mesh.EmitEvent(core.Event{
		Type:      core.EventPeerLeft,
		Peer:      peer,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

func (n *Node) handleGameMove(frame *core.Frame, from core.PeerID) error {
	var op core.GameOperation
	if err := json.Unmarshal(frame.Payload, &op); err != nil {
		return fmt.Errorf("malformed game operation: %w", err)
	}

	cp, err := n.synchronizer.ApplyOperation(op)
	if err != nil {
		return err
	}
	if cp != nil {
		n.announceCheckpoint(cp)
	}
	return nil
}

func (n *Node) handleElection(frame *core.Frame, from core.PeerID) error {
	msg, err := shard.UnmarshalElectionMessage(frame.Payload)
	if err != nil {
		return err
	}
	n.elections.HandleMessage(msg)
	return nil
}

func (n *Node) handleCrossShard(frame *core.Frame, from core.PeerID) error {
	var msg shard.CrossShardMessage
	if err := json.Unmarshal(frame.Payload, &msg); err != nil {
		return fmt.Errorf("malformed cross-shard message: %w", err)
	}
	return n.crossShard.HandleMessage(&msg)
}

func (n *Node) handleStateSync(frame *core.Frame, from core.PeerID) error {
	var env syncEnvelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		return fmt.Errorf("malformed sync envelope: %w", err)
	}

	if env.Request != nil {
		resp, err := n.synchronizer.HandleSyncRequest(env.Request)
		if err != nil {
			return err
		}
		n.sendSyncEnvelope(env.Request.Requester, &syncEnvelope{Response: resp})
	}
	if env.Response != nil {
		if err := n.synchronizer.HandleSyncResponse(frame.Sender, env.Response); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) sendSyncEnvelope(to core.PeerID, env *syncEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	frame := &core.Frame{Kind: core.FrameStateSync, Payload: payload}
	if err := n.mesh.Send(frame, []core.PeerID{to}, mesh.ClassSystem, mesh.ModeReliable); err != nil {
		n.logger.WarnWithFields("Sync frame enqueue failed", map[string]interface{}{
			"to":    to.Short(),
			"error": err.Error(),
		})
	}
}

func (n *Node) handleCheckpoint(frame *core.Frame, from core.PeerID) error {
	var env checkpointEnvelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		return fmt.Errorf("malformed checkpoint envelope: %w", err)
	}

	if env.Announce != nil {
		n.handleCheckpointAnnounce(frame.Sender, env.Announce)
	}
	if len(env.Endorsement) > 0 {
		finalized, err := n.synchronizer.AddCheckpointSignature(env.EndorseRound, frame.Sender, env.Endorsement)
		if err != nil {
			return err
		}
		if finalized {
			if cp, ok := n.synchronizer.GetCheckpoint(env.EndorseRound); ok {
				// Re-announce with the full signature set so laggards
				// can adopt it directly.
				n.announceCheckpoint(cp)
			}
		}
	}
	return nil
}

func (n *Node) handleCheckpointAnnounce(sender core.PeerID, cp *core.GameStateSnapshot) {
	local := n.synchronizer.LocalSnapshot()

	if cp.Round == local.Round && string(cp.StateHash) == string(local.StateHash) {
		endorsement := n.ident.Sign(statesync.CheckpointDigest(cp.Round, cp.StateHash))
		payload, err := json.Marshal(checkpointEnvelope{
			EndorseRound: cp.Round,
			Endorsement:  endorsement,
		})
		if err != nil {
			return
		}
		frame := &core.Frame{Kind: core.FrameCheckpoint, Payload: payload}
		if err := n.mesh.Send(frame, []core.PeerID{sender}, mesh.ClassSystem, mesh.ModeReliable); err != nil {
			n.logger.WarnWithFields("Endorsement enqueue failed", map[string]interface{}{
				"round": cp.Round,
				"error": err.Error(),
			})
		}
		return
	}

	if req := n.synchronizer.ObserveRemoteSnapshot(sender, cp); req != nil {
		n.sendSyncEnvelope(sender, &syncEnvelope{Request: req})
	}
}

// --- shard, election, and cross-shard wiring ---

func (n *Node) onRebalanceSignal(shardID string) {
	n.mesh.EmitEvent(core.Event{
		Type:      core.EventShardRebalanced,
		ShardID:   shardID,
		Timestamp: time.Now(),
	})
}

func (n *Node) onElectionTrigger(shardID string) {
	if n.partition.ShouldHaltConsensus() {
		n.logger.WarnWithFields("Election deferred: partitioned", map[string]interface{}{
			"shard": shardID,
		})
		return
	}
	n.elections.StartElection(shardID)
}

func (n *Node) broadcastElection(shardID string, msg *shard.ElectionMessage) error {
	payload, err := msg.Marshal()
	if err != nil {
		return err
	}

	var targets []core.PeerID
	for _, member := range n.shards.MembersOf(shardID) {
		if member != n.ident.PeerID {
			targets = append(targets, member)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	frame := &core.Frame{Kind: core.FrameElection, Payload: payload}
	return n.mesh.Send(frame, targets, mesh.ClassSystem, mesh.ModeReliable)
}

func (n *Node) onCoordinatorDecided(shardID string, coordinator core.PeerID, view uint64) {
	if err := n.shards.InstallCoordinator(shardID, coordinator); err != nil {
		n.logger.WarnWithFields("Failed to install coordinator", map[string]interface{}{
			"shard": shardID,
			"error": err.Error(),
		})
		return
	}
	if n.mm != nil {
		n.mm.ElectionsDecided.Inc()
	}
}

func (n *Node) onEquivocation(peer core.PeerID, evidence []byte) {
	n.partition.MarkByzantine(peer, "election equivocation")
	n.mesh.EmitEvent(core.Event{
		Type:      core.EventCheatFlagged,
		Peer:      peer,
		Reason:    "election equivocation",
		Evidence:  evidence,
		Timestamp: time.Now(),
	})
}

func (n *Node) notifyCrossShard(op *shard.CrossShardOp, msg *shard.CrossShardMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	var targets []core.PeerID
	for _, p := range op.Participants {
		if p != n.ident.PeerID {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	frame := &core.Frame{Kind: core.FrameCrossShard, Payload: payload}
	return n.mesh.Send(frame, targets, mesh.ClassSystem, mesh.ModeReliable)
}

func (n *Node) validateCrossShardOp(op *shard.CrossShardOp) error {
	switch op.Type {
	case shard.OpAssetTransfer:
		var transfer shard.TransferPayload
		if err := json.Unmarshal(op.Payload, &transfer); err != nil {
			return fmt.Errorf("malformed transfer payload: %w", err)
		}
		if transfer.Amount <= 0 {
			return fmt.Errorf("non-positive transfer amount %d", transfer.Amount)
		}
		n.sessionMu.RLock()
		balance, tracked := n.balances[transfer.From]
		n.sessionMu.RUnlock()
		if tracked && balance < transfer.Amount {
			return fmt.Errorf("insufficient balance: %d < %d", balance, transfer.Amount)
		}
		return nil
	default:
		return nil
	}
}

func (n *Node) applyCrossShardOp(op *shard.CrossShardOp) error {
	switch op.Type {
	case shard.OpAssetTransfer:
		var transfer shard.TransferPayload
		if err := json.Unmarshal(op.Payload, &transfer); err != nil {
			return fmt.Errorf("malformed transfer payload: %w", err)
		}
		n.sessionMu.Lock()
		n.balances[transfer.From] -= transfer.Amount
		n.balances[transfer.To] += transfer.Amount
		n.sessionMu.Unlock()
		if n.mm != nil {
			n.mm.CrossShardCommitted.Inc()
		}
		return nil
	default:
		if n.mm != nil {
			n.mm.CrossShardCommitted.Inc()
		}
		return nil
	}
}

func (n *Node) onOperationAborted(opID, reason string) {
	n.mesh.EmitEvent(core.Event{
		Type:        core.EventOperationAborted,
		OperationID: opID,
		Reason:      reason,
		Timestamp:   time.Now(),
	})
	if n.mm != nil {
		n.mm.CrossShardAborted.Inc()
	}
}

// --- synchronization wiring ---

func (n *Node) onStateCommitted(stateHash []byte, round uint64) {
	n.mesh.EmitEvent(core.Event{
		Type:      core.EventStateCommitted,
		StateHash: stateHash,
		Round:     round,
		Timestamp: time.Now(),
	})
}

// nudgePeer is the active-reconnection hook: a direct reliable frame
// forces the transport to re-establish the link if it can.
func (n *Node) nudgePeer(peer core.PeerID) error {
	frame := &core.Frame{Kind: core.FrameHeartbeat, TTL: 1}
	return n.mesh.Send(frame, []core.PeerID{peer}, mesh.ClassSystem, mesh.ModeBestEffort)
}

func (n *Node) canonicalSnapshot() *core.GameStateSnapshot {
	if cp, ok := n.synchronizer.GetCheckpoint(n.synchronizer.FinalizedRound()); ok {
		return cp
	}
	return nil
}

func (n *Node) excludePeer(peer core.PeerID, reason string) {
	n.validator.Block(peer, reason)
	n.removeSessionMember(peer, reason)
}

// --- coordination loop ---

func (n *Node) startCoordination(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)
	go n.coordinationLoop()
	return nil
}

func (n *Node) stopCoordination() error {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	return nil
}

func (n *Node) coordinationLoop() {
	defer n.wg.Done()
	defer utils.RecoverFromPanic("node_coordination_loop")

	tick := time.NewTicker(time.Second)
	beacon := time.NewTicker(n.cfg.HeartbeatInterval)
	defer tick.Stop()
	defer beacon.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-tick.C:
			n.runTimers()
		case <-beacon.C:
			n.broadcastStatusBeacon()
		}
	}
}

func (n *Node) runTimers() {
	n.elections.CheckTimeouts()
	n.synchronizer.CheckTimeout()

	for _, err := range n.crossShard.SweepExpired() {
		n.logger.WarnWithFields("Expired cross-shard operation", map[string]interface{}{
			"error": err.Error(),
		})
	}

	n.partition.UpdateHeartbeats(n.mesh.LastHeartbeats())
	status := n.partition.CheckPartitionStatus()
	if status == statesync.PartitionPartitioned {
		if err := n.partition.Recover(); err != nil {
			n.logger.WarnWithFields("Partition recovery", map[string]interface{}{
				"mode":  string(n.cfg.RecoveryMode),
				"error": err.Error(),
			})
		}
	}

	n.synchronizer.CleanupOldCheckpoints(10)

	if n.mm != nil {
		n.mm.ShardCount.Set(float64(n.shards.ShardCount()))
		n.mm.PeerCount.Set(float64(len(n.sessionMembers())))
		if n.synchronizer.Status() == statesync.StatusSynced {
			n.mm.SyncStatus.Set(1)
		} else {
			n.mm.SyncStatus.Set(0)
		}
	}
}

func (n *Node) broadcastStatusBeacon() {
	n.sessionMu.RLock()
	view := make([]core.PeerID, 0, len(n.members))
	for peer := range n.members {
		view = append(view, peer)
	}
	n.sessionMu.RUnlock()
	sort.Slice(view, func(i, j int) bool { return view[i] < view[j] })

	payload, err := json.Marshal(statusBeacon{
		View:     view,
		Snapshot: n.synchronizer.LocalSnapshot(),
	})
	if err != nil {
		return
	}

	frame := &core.Frame{Kind: core.FrameHeartbeat, Payload: payload, TTL: 1}
	if err := n.mesh.Broadcast(frame, mesh.ClassMaintenance, mesh.ModeBestEffort); err != nil {
		n.logger.DebugWithFields("Status beacon enqueue failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (n *Node) Stats() map[string]interface{} {
	return map[string]interface{}{
		"peer":         n.ident.PeerID.Short(),
		"mesh":         n.mesh.Stats(),
		"shards":       n.shards.Stats(),
		"elections":    n.elections.Stats(),
		"cross_shard":  n.crossShard.Stats(),
		"synchronizer": n.synchronizer.Stats(),
		"partition":    n.partition.Stats(),
	}
}

// component adapts a start/stop pair to the registry interface.
type component struct {
	name   string
	deps   []string
	start  func(ctx context.Context) error
	stop   func() error
	health func() (utils.HealthStatus, string)
}

func (c *component) Name() string           { return c.name }
func (c *component) Dependencies() []string { return c.deps }
func (c *component) Start(ctx context.Context) error {
	if c.start == nil {
		return nil
	}
	return c.start(ctx)
}
func (c *component) Stop() error {
	if c.stop == nil {
		return nil
	}
	return c.stop()
}
func (c *component) Health() (utils.HealthStatus, string) {
	if c.health == nil {
		return utils.StatusHealthy, "running"
	}
	return c.health()
}
