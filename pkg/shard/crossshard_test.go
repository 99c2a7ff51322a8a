package shard

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"dicemesh/pkg/core"
	"dicemesh/pkg/logging"
)

// crossShardBus delivers messages between in-process coordinators with
// optional reordering, simulating frames arriving in arbitrary order.
type crossShardBus struct {
	mu      sync.Mutex
	nodes   map[core.PeerID]*CrossShardCoordinator
	pending []busDelivery
}

type busDelivery struct {
	to   core.PeerID
	data []byte
}

func newCrossShardBus() *crossShardBus {
	return &crossShardBus{nodes: make(map[core.PeerID]*CrossShardCoordinator)}
}

func (b *crossShardBus) attach(id core.PeerID, c *CrossShardCoordinator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[id] = c
}

func (b *crossShardBus) notifyFunc(self core.PeerID) NotifyFunc {
	return func(op *CrossShardOp, msg *CrossShardMessage) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, p := range op.Participants {
			if p == self {
				continue
			}
			b.pending = append(b.pending, busDelivery{to: p, data: data})
		}
		return nil
	}
}

// pump delivers all queued messages in shuffled order until quiescent.
func (b *crossShardBus) pump(t *testing.T, rng *rand.Rand) {
	t.Helper()
	for i := 0; i < 100; i++ {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()
			return
		}
		batch := b.pending
		b.pending = nil
		b.mu.Unlock()

		rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })

		for _, d := range batch {
			b.mu.Lock()
			node := b.nodes[d.to]
			b.mu.Unlock()
			if node == nil {
				continue
			}
			var msg CrossShardMessage
			if err := json.Unmarshal(d.data, &msg); err != nil {
				t.Fatalf("Bus corrupted a message: %v", err)
			}
			node.HandleMessage(&msg)
		}
	}
	t.Fatal("Bus never went quiescent")
}

type ledger struct {
	mu       sync.Mutex
	balances map[core.PeerID]int64
	applies  int
}

func (l *ledger) applyFunc() ApplyFunc {
	return func(op *CrossShardOp) error {
		var transfer TransferPayload
		if err := json.Unmarshal(op.Payload, &transfer); err != nil {
			return err
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		l.balances[transfer.From] -= transfer.Amount
		l.balances[transfer.To] += transfer.Amount
		l.applies++
		return nil
	}
}

func TestTransferCompletesExactlyOnce(t *testing.T) {
	quiet := logging.NewStructuredLogger(logging.ERROR, false)
	playerX := core.PeerID("player-x")
	playerY := core.PeerID("player-y")

	for seed := int64(0); seed < 5; seed++ {
		bus := newCrossShardBus()
		rng := rand.New(rand.NewSource(seed))

		coordX := NewCrossShardCoordinator(playerX, time.Minute, quiet)
		coordY := NewCrossShardCoordinator(playerY, time.Minute, quiet)

		ledgerX := &ledger{balances: map[core.PeerID]int64{playerX: 100, playerY: 50}}
		ledgerY := &ledger{balances: map[core.PeerID]int64{playerX: 100, playerY: 50}}
		coordX.SetApplyFunc(ledgerX.applyFunc())
		coordY.SetApplyFunc(ledgerY.applyFunc())
		coordX.SetNotifyFunc(bus.notifyFunc(playerX))
		coordY.SetNotifyFunc(bus.notifyFunc(playerY))
		bus.attach(playerX, coordX)
		bus.attach(playerY, coordY)

		op, err := coordX.Propose(OpAssetTransfer, "shard-1", "shard-2",
			[]core.PeerID{playerX, playerY},
			TransferPayload{From: playerX, To: playerY, Amount: 25})
		if err != nil {
			t.Fatalf("Propose failed: %v", err)
		}

		bus.pump(t, rng)

		for name, l := range map[string]*ledger{"X": ledgerX, "Y": ledgerY} {
			l.mu.Lock()
			if l.applies != 1 {
				t.Errorf("seed %d: ledger %s applied %d times, expected exactly once", seed, name, l.applies)
			}
			if l.balances[playerX] != 75 {
				t.Errorf("seed %d: ledger %s: X balance %d, expected 75", seed, name, l.balances[playerX])
			}
			if l.balances[playerY] != 75 {
				t.Errorf("seed %d: ledger %s: Y balance %d, expected 75", seed, name, l.balances[playerY])
			}
			l.mu.Unlock()
		}

		for name, c := range map[string]*CrossShardCoordinator{"X": coordX, "Y": coordY} {
			got, ok := c.Get(op.ID)
			if !ok || got.Phase != OpCompleted {
				t.Errorf("seed %d: coordinator %s: operation not Completed: %v", seed, name, got.Phase)
			}
		}
	}

	t.Log("✅ Transfer completed exactly once under arbitrary reordering")
}

func TestAcceptBeforeProposalIsBuffered(t *testing.T) {
	quiet := logging.NewStructuredLogger(logging.ERROR, false)
	playerB := core.PeerID("player-b")
	playerD := core.PeerID("player-d")

	coord := NewCrossShardCoordinator(playerB, time.Minute, quiet)

	// Accept and commit outrun the proposal. Neither may error or be lost.
	if err := coord.HandleMessage(&CrossShardMessage{OpID: "op-1", Phase: OpAccepted, Sender: playerD}); err != nil {
		t.Fatalf("Early accept rejected: %v", err)
	}
	if err := coord.HandleMessage(&CrossShardMessage{OpID: "op-1", Phase: OpCommitted, Sender: playerD}); err != nil {
		t.Fatalf("Early commit rejected: %v", err)
	}
	if _, ok := coord.Get("op-1"); ok {
		t.Fatal("Operation should not exist before its proposal arrives")
	}

	proposal := &CrossShardOp{
		ID:           "op-1",
		Type:         OpAssetTransfer,
		Phase:        OpProposed,
		Participants: []core.PeerID{"player-a", playerB, "player-c", playerD},
		Payload:      mustJSON(t, TransferPayload{From: "player-a", To: playerD, Amount: 5}),
		ExpiresAt:    time.Now().Add(time.Minute),
		Accepts:      map[core.PeerID]bool{"player-a": true},
	}
	if err := coord.HandleMessage(&CrossShardMessage{OpID: "op-1", Phase: OpProposed, Sender: "player-a", Op: proposal}); err != nil {
		t.Fatalf("Proposal failed: %v", err)
	}

	got, ok := coord.Get("op-1")
	if !ok {
		t.Fatal("Operation missing after proposal")
	}
	if !got.Accepts[playerD] {
		t.Error("Buffered accept was not replayed after the proposal landed")
	}
	if !got.Commits[playerD] {
		t.Error("Buffered commit was not replayed after the proposal landed")
	}
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return data
}

func TestReorderedFourPartyTransferCompletes(t *testing.T) {
	quiet := logging.NewStructuredLogger(logging.ERROR, false)
	ids := []core.PeerID{"player-a", "player-b", "player-c", "player-d"}

	bus := newCrossShardBus()
	coords := make(map[core.PeerID]*CrossShardCoordinator, len(ids))
	ledgers := make(map[core.PeerID]*ledger, len(ids))
	for _, id := range ids {
		c := NewCrossShardCoordinator(id, time.Minute, quiet)
		l := &ledger{balances: map[core.PeerID]int64{"player-a": 100, "player-d": 50}}
		c.SetApplyFunc(l.applyFunc())
		c.SetNotifyFunc(bus.notifyFunc(id))
		bus.attach(id, c)
		coords[id] = c
		ledgers[id] = l
	}

	op, err := coords["player-a"].Propose(OpAssetTransfer, "shard-1", "shard-2",
		ids, TransferPayload{From: "player-a", To: "player-d", Amount: 25})
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	deliverTo := func(d busDelivery) {
		var msg CrossShardMessage
		if err := json.Unmarshal(d.data, &msg); err != nil {
			t.Fatalf("Bus corrupted a message: %v", err)
		}
		coords[d.to].HandleMessage(&msg)
	}

	// Hold the proposals addressed to b and c; deliver d's first so its
	// accept reaches b and c before their proposals do.
	bus.mu.Lock()
	initial := bus.pending
	bus.pending = nil
	bus.mu.Unlock()

	var heldProposals []busDelivery
	for _, d := range initial {
		if d.to == "player-d" {
			deliverTo(d)
		} else {
			heldProposals = append(heldProposals, d)
		}
	}

	bus.mu.Lock()
	acceptWave := bus.pending
	bus.pending = nil
	bus.mu.Unlock()
	for _, d := range acceptWave {
		deliverTo(d)
	}

	for _, d := range heldProposals {
		deliverTo(d)
	}
	bus.pump(t, rand.New(rand.NewSource(7)))

	for _, id := range ids {
		got, ok := coords[id].Get(op.ID)
		if !ok || got.Phase != OpCompleted {
			t.Fatalf("%s: operation not Completed after reordering, phase %v", id, got.Phase)
		}
		l := ledgers[id]
		l.mu.Lock()
		if l.applies != 1 {
			t.Errorf("%s: applied %d times, expected exactly once", id, l.applies)
		}
		if l.balances["player-a"] != 75 || l.balances["player-d"] != 75 {
			t.Errorf("%s: balances %v after transfer", id, l.balances)
		}
		l.mu.Unlock()
	}

	t.Log("✅ Transfer completed on all four parties despite accepts outrunning proposals")
}

func TestValidationFailureForcesAbort(t *testing.T) {
	quiet := logging.NewStructuredLogger(logging.ERROR, false)
	playerX := core.PeerID("player-x")
	playerY := core.PeerID("player-y")

	bus := newCrossShardBus()
	coordX := NewCrossShardCoordinator(playerX, time.Minute, quiet)
	coordY := NewCrossShardCoordinator(playerY, time.Minute, quiet)
	coordX.SetNotifyFunc(bus.notifyFunc(playerX))
	coordY.SetNotifyFunc(bus.notifyFunc(playerY))
	coordY.SetValidateFunc(func(op *CrossShardOp) error {
		return fmt.Errorf("insufficient funds")
	})
	bus.attach(playerX, coordX)
	bus.attach(playerY, coordY)

	aborted := make(chan string, 2)
	coordX.SetAbortHandler(func(opID, reason string) { aborted <- opID })

	op, err := coordX.Propose(OpAssetTransfer, "shard-1", "shard-2",
		[]core.PeerID{playerX, playerY},
		TransferPayload{From: playerX, To: playerY, Amount: 9999})
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	bus.pump(t, rand.New(rand.NewSource(1)))

	select {
	case opID := <-aborted:
		if opID != op.ID {
			t.Errorf("Wrong operation aborted: %s", opID)
		}
	default:
		t.Fatal("Validation failure should abort the proposer's operation")
	}

	got, _ := coordX.Get(op.ID)
	if got.Phase != OpAborted {
		t.Errorf("Expected Aborted, got %s", got.Phase)
	}
}

func TestExpiredOperationForciblyAborted(t *testing.T) {
	quiet := logging.NewStructuredLogger(logging.ERROR, false)
	playerX := core.PeerID("player-x")
	playerY := core.PeerID("player-y")

	coordX := NewCrossShardCoordinator(playerX, 5*time.Millisecond, quiet)

	aborted := make(chan string, 1)
	coordX.SetAbortHandler(func(opID, reason string) { aborted <- opID })

	// No notify func: the proposal never reaches the other participant, so
	// the operation can never commit.
	op, err := coordX.Propose(OpAssetTransfer, "shard-1", "shard-2",
		[]core.PeerID{playerX, playerY},
		TransferPayload{From: playerX, To: playerY, Amount: 10})
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	errs := coordX.SweepExpired()
	if len(errs) != 1 {
		t.Fatalf("Expected one expiry error, got %d", len(errs))
	}

	select {
	case opID := <-aborted:
		if opID != op.ID {
			t.Errorf("Wrong operation aborted: %s", opID)
		}
	default:
		t.Fatal("Expired operation must be forcibly aborted")
	}

	got, _ := coordX.Get(op.ID)
	if got.Phase != OpAborted {
		t.Errorf("Expected Aborted, got %s", got.Phase)
	}
	if !got.Phase.Terminal() {
		t.Error("Aborted must be terminal")
	}
}
