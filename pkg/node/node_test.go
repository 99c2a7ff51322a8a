package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"dicemesh/pkg/core"
	"dicemesh/pkg/identity"
	"dicemesh/pkg/logging"
	"dicemesh/pkg/metrics"
	"dicemesh/pkg/transport"
	"dicemesh/pkg/utils"
)

func newTestNode(t *testing.T, hub *transport.MemoryHub) *Node {
	t.Helper()

	mnemonic, err := identity.GenerateMnemonic()
	if err != nil {
		t.Fatalf("Failed to generate mnemonic: %v", err)
	}
	ident, err := identity.NewIdentityFromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("Failed to derive identity: %v", err)
	}

	cfg := core.DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.AckTimeout = 100 * time.Millisecond
	cfg.ElectionPhaseTimeout = time.Second
	cfg.CrossShardExpiry = 5 * time.Second

	logger := logging.NewStructuredLogger(logging.ERROR, false)
	tr := hub.Attach(ident.PeerID)

	n, err := New(cfg, ident, tr, nil, logger, nil)
	if err != nil {
		t.Fatalf("Failed to create node: %v", err)
	}
	return n
}

func startNodes(t *testing.T, nodes ...*Node) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	for _, n := range nodes {
		if err := n.Start(ctx); err != nil {
			t.Fatalf("Failed to start node %s: %v", n.PeerID().Short(), err)
		}
	}
	return func() {
		for _, n := range nodes {
			n.Stop()
		}
		cancel()
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestMembershipPropagatesAcrossNodes(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)

	stop := startNodes(t, a, b)
	defer stop()

	waitFor(t, 3*time.Second, func() bool {
		return len(a.sessionMembers()) == 2 && len(b.sessionMembers()) == 2
	}, "Nodes never learned each other's membership")

	// Each side saw the other's join on its event stream.
	found := false
	deadline := time.After(2 * time.Second)
	for !found {
		select {
		case ev := <-a.Events():
			if ev.Type == core.EventPeerJoined && ev.Peer == b.PeerID() {
				found = true
			}
		case <-deadline:
			t.Fatal("No PeerJoined event for the remote node")
		}
	}

	t.Logf("✅ Both nodes converged on a %d-member session", len(a.sessionMembers()))
}

// boundTransport wraps the memory transport with a separate wire-level
// identity, the way the libp2p transport addresses peers by host ID
// rather than mesh ID.
type boundTransport struct {
	*transport.MemoryTransport
	hostID string

	mu    sync.Mutex
	bound map[string]core.PeerID
}

func (b *boundTransport) HostID() string { return b.hostID }

func (b *boundTransport) BindPeer(hostID string, meshID core.PeerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound[hostID] = meshID
	return nil
}

func (b *boundTransport) binding(hostID string) (core.PeerID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	meshID, ok := b.bound[hostID]
	return meshID, ok
}

func newBoundTestNode(t *testing.T, hub *transport.MemoryHub, hostID string) *Node {
	t.Helper()

	mnemonic, err := identity.GenerateMnemonic()
	if err != nil {
		t.Fatalf("Failed to generate mnemonic: %v", err)
	}
	ident, err := identity.NewIdentityFromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("Failed to derive identity: %v", err)
	}

	cfg := core.DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.AckTimeout = 100 * time.Millisecond
	cfg.ElectionPhaseTimeout = time.Second
	cfg.CrossShardExpiry = 5 * time.Second

	logger := logging.NewStructuredLogger(logging.ERROR, false)
	tr := &boundTransport{
		MemoryTransport: hub.Attach(ident.PeerID),
		hostID:          hostID,
		bound:           make(map[string]core.PeerID),
	}

	n, err := New(cfg, ident, tr, nil, logger, nil)
	if err != nil {
		t.Fatalf("Failed to create node: %v", err)
	}
	return n
}

func TestMembershipBindsWirePeer(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newBoundTestNode(t, hub, "12D3KooWHostA")
	b := newBoundTestNode(t, hub, "12D3KooWHostB")

	stop := startNodes(t, a, b)
	defer stop()

	atr := a.transport.(*boundTransport)
	btr := b.transport.(*boundTransport)

	waitFor(t, 3*time.Second, func() bool {
		got, ok := atr.binding("12D3KooWHostB")
		return ok && got == b.PeerID()
	}, "Node A never bound B's wire identity to its mesh ID")

	waitFor(t, 3*time.Second, func() bool {
		got, ok := btr.binding("12D3KooWHostA")
		return ok && got == a.PeerID()
	}, "Node B never bound A's wire identity to its mesh ID")

	t.Log("✅ Join announcements bound wire identities on both sides")
}

func TestSubmitOperationReplicatesState(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)

	stop := startNodes(t, a, b)
	defer stop()

	waitFor(t, 3*time.Second, func() bool {
		return len(a.sessionMembers()) == 2 && len(b.sessionMembers()) == 2
	}, "Session never formed")

	op := core.GameOperation{
		ID:      "roll-1",
		Type:    "dice_roll",
		Payload: []byte(`{"dice":[4,2]}`),
	}
	if err := a.SubmitOperation(op); err != nil {
		t.Fatalf("SubmitOperation failed: %v", err)
	}

	if a.synchronizer.Round() != 1 {
		t.Errorf("Local round = %d after submit, want 1", a.synchronizer.Round())
	}

	waitFor(t, 3*time.Second, func() bool {
		return b.synchronizer.Round() == 1
	}, "Operation never reached the remote node")

	if string(a.synchronizer.StateHash()) != string(b.synchronizer.StateHash()) {
		t.Error("State hashes diverge after replicating one operation")
	}
}

func TestSubmitOperationRejectedWhilePartitioned(t *testing.T) {
	hub := transport.NewMemoryHub()
	n := newTestNode(t, hub)

	// Session believes in three more players, none of which have ever
	// sent a heartbeat.
	n.sessionMu.Lock()
	n.members[n.PeerID()] = n.ident.PublicKey
	n.members["dmsilent01"] = nil
	n.members["dmsilent02"] = nil
	n.members["dmsilent03"] = nil
	n.sessionMu.Unlock()

	if got := n.partition.CheckPartitionStatus(); got != "partitioned" {
		t.Fatalf("Status = %s, want partitioned", got)
	}

	err := n.SubmitOperation(core.GameOperation{ID: "roll-1", Type: "dice_roll"})
	if err == nil {
		t.Fatal("Operation accepted while partitioned")
	}
	if !utils.IsKind(err, utils.KindConsensusTimeout) {
		t.Errorf("Expected consensus timeout kind, got: %v", err)
	}
}

func TestPartitionMetricCountsTransitions(t *testing.T) {
	hub := transport.NewMemoryHub()

	mnemonic, err := identity.GenerateMnemonic()
	if err != nil {
		t.Fatalf("Failed to generate mnemonic: %v", err)
	}
	ident, err := identity.NewIdentityFromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("Failed to derive identity: %v", err)
	}

	cfg := core.DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	logger := logging.NewStructuredLogger(logging.ERROR, false)
	mm := metrics.NewMeshMetrics(metrics.NewRegistry())

	n, err := New(cfg, ident, hub.Attach(ident.PeerID), nil, logger, mm)
	if err != nil {
		t.Fatalf("Failed to create node: %v", err)
	}

	n.sessionMu.Lock()
	n.members[n.PeerID()] = n.ident.PublicKey
	n.members["dmsilent01"] = nil
	n.members["dmsilent02"] = nil
	n.members["dmsilent03"] = nil
	n.sessionMu.Unlock()

	// Repeated checks while partitioned must count one partition event,
	// not one per check.
	for i := 0; i < 5; i++ {
		if got := n.partition.CheckPartitionStatus(); got != "partitioned" {
			t.Fatalf("Status = %s, want partitioned", got)
		}
	}

	waitFor(t, time.Second, func() bool {
		return mm.PartitionsDetected.Get() == 1
	}, "Partition counter never reached 1")

	n.partition.CheckPartitionStatus()
	time.Sleep(50 * time.Millisecond)
	if got := mm.PartitionsDetected.Get(); got != 1 {
		t.Errorf("Partition counter = %d after repeated checks, want 1", got)
	}
}

func TestOversizedOperationRejected(t *testing.T) {
	hub := transport.NewMemoryHub()
	n := newTestNode(t, hub)

	big := make([]byte, n.cfg.MaxPayloadSize+1)
	err := n.SubmitOperation(core.GameOperation{ID: "huge", Type: "dice_roll", Payload: big})
	if err == nil {
		t.Fatal("Oversized operation accepted")
	}
	if !utils.IsKind(err, utils.KindPolicyViolation) {
		t.Errorf("Expected policy violation kind, got: %v", err)
	}
}

func TestCrossShardTransferBetweenNodes(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)

	stop := startNodes(t, a, b)
	defer stop()

	waitFor(t, 3*time.Second, func() bool {
		return len(a.sessionMembers()) == 2 && len(b.sessionMembers()) == 2
	}, "Session never formed")

	for _, n := range []*Node{a, b} {
		n.SetBalance(a.PeerID(), 100)
		n.SetBalance(b.PeerID(), 50)
	}

	op, err := a.ProposeTransfer(a.PeerID(), b.PeerID(), 25)
	if err != nil {
		t.Fatalf("ProposeTransfer failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return a.Balance(a.PeerID()) == 75 && a.Balance(b.PeerID()) == 75 &&
			b.Balance(a.PeerID()) == 75 && b.Balance(b.PeerID()) == 75
	}, "Transfer never applied on both nodes")

	waitFor(t, 2*time.Second, func() bool {
		got, ok := a.crossShard.Get(op.ID)
		return ok && got.Phase.Terminal()
	}, "Operation never reached a terminal phase")

	t.Logf("✅ Transfer %s completed on both nodes", op.ID)
}

func TestInsufficientBalanceAbortsTransfer(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestNode(t, hub)
	b := newTestNode(t, hub)

	stop := startNodes(t, a, b)
	defer stop()

	waitFor(t, 3*time.Second, func() bool {
		return len(a.sessionMembers()) == 2 && len(b.sessionMembers()) == 2
	}, "Session never formed")

	for _, n := range []*Node{a, b} {
		n.SetBalance(a.PeerID(), 10)
		n.SetBalance(b.PeerID(), 0)
	}

	_, err := a.ProposeTransfer(a.PeerID(), b.PeerID(), 500)
	if err == nil {
		t.Fatal("Transfer exceeding the sender's balance was proposed")
	}
	if a.Balance(a.PeerID()) != 10 || a.Balance(b.PeerID()) != 0 {
		t.Error("Balances changed for a rejected transfer")
	}
}

func TestFatalWhenSignaturePrimitiveBroken(t *testing.T) {
	// SelfTest passing is the normal case; New must succeed and the
	// error kind below documents the halt path.
	hub := transport.NewMemoryHub()
	n := newTestNode(t, hub)
	if n == nil {
		t.Fatal("Node creation failed with a healthy signature primitive")
	}

	fatal := utils.NewMeshError(utils.KindFatal, "node", context.Canceled)
	if !utils.IsKind(fatal, utils.KindFatal) {
		t.Error("Fatal kind not preserved through the error taxonomy")
	}
}

func TestComponentStartOrder(t *testing.T) {
	hub := transport.NewMemoryHub()
	n := newTestNode(t, hub)

	order := n.registry.StartOrder()
	if len(order) != 0 {
		t.Fatalf("Start order resolved before StartAll: %v", order)
	}

	stop := startNodes(t, n)
	defer stop()

	order = n.registry.StartOrder()
	pos := make(map[string]int)
	for i, name := range order {
		pos[name] = i
	}
	if pos["transport"] > pos["mesh"] || pos["mesh"] > pos["coordination"] {
		t.Errorf("Components started out of dependency order: %v", order)
	}
}
