package shard

import (
	"sort"
	"testing"
	"time"

	"dicemesh/pkg/core"
	"dicemesh/pkg/logging"
)

func sortedPeers(ids ...core.PeerID) []core.PeerID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func newTestElection(localID core.PeerID, members []core.PeerID, timeout time.Duration) (*ElectionManager, chan *ElectionMessage) {
	sent := make(chan *ElectionMessage, 64)
	em := NewElectionManager(
		localID,
		func(string) []core.PeerID { return members },
		func(_ string, msg *ElectionMessage) error {
			sent <- msg
			return nil
		},
		timeout,
		logging.NewStructuredLogger(logging.ERROR, false),
	)
	return em, sent
}

func drain(ch chan *ElectionMessage) []*ElectionMessage {
	time.Sleep(20 * time.Millisecond)
	out := make([]*ElectionMessage, 0)
	for {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestTwoOfThreeDecides(t *testing.T) {
	members := sortedPeers("peer-a", "peer-b", "peer-c")
	local := members[1]
	em, sent := newTestElection(local, members, time.Second)

	decided := make(chan core.PeerID, 1)
	em.SetDecidedHandler(func(shardID string, coordinator core.PeerID, view uint64) {
		decided <- coordinator
	})

	// View 0 proposer is members[0]; it nominates itself.
	proposer := members[0]
	em.HandleMessage(&ElectionMessage{
		ShardID: "shard-1", View: 0, Phase: PhasePrePrepare,
		Candidate: proposer, Sender: proposer,
	})

	// The local node prepares in response.
	msgs := drain(sent)
	sawPrepare := false
	for _, m := range msgs {
		if m.Phase == PhasePrepare && m.Candidate == proposer {
			sawPrepare = true
		}
	}
	if !sawPrepare {
		t.Fatal("Local node should broadcast a prepare after a valid pre-prepare")
	}

	// The proposer's prepare arrives: together with the local prepare that
	// is 2 of 3, so the local node commits.
	em.HandleMessage(&ElectionMessage{
		ShardID: "shard-1", View: 0, Phase: PhasePrepare,
		Candidate: proposer, Sender: proposer,
	})

	// The proposer's commit arrives: 2 of 3 commits, decided.
	em.HandleMessage(&ElectionMessage{
		ShardID: "shard-1", View: 0, Phase: PhaseCommit,
		Candidate: proposer, Sender: proposer,
	})

	select {
	case coordinator := <-decided:
		if coordinator != proposer {
			t.Errorf("Expected %s decided, got %s", proposer, coordinator)
		}
	case <-time.After(time.Second):
		t.Fatal("Election should decide with 2 of 3 agreement")
	}

	t.Log("✅ Two of three members elected the coordinator")
}

func TestNonMemberCandidateIgnored(t *testing.T) {
	members := sortedPeers("peer-a", "peer-b", "peer-c")
	local := members[1]
	em, _ := newTestElection(local, members, time.Second)

	outsider := core.PeerID("peer-outsider")

	// A prepare and a commit nominating someone outside the shard must
	// leave the round state untouched.
	em.HandleMessage(&ElectionMessage{
		ShardID: "shard-1", View: 0, Phase: PhasePrepare,
		Candidate: outsider, Sender: members[0],
	})
	em.HandleMessage(&ElectionMessage{
		ShardID: "shard-1", View: 0, Phase: PhaseCommit,
		Candidate: outsider, Sender: members[2],
	})

	em.mu.Lock()
	st := em.elections["shard-1"]
	candidate := st.candidate
	prepares := len(st.prepares)
	commits := len(st.commits)
	em.mu.Unlock()

	if candidate == outsider {
		t.Error("Round adopted a candidate from outside the shard")
	}
	if prepares != 0 || commits != 0 {
		t.Errorf("Non-member candidate votes recorded: %d prepares, %d commits", prepares, commits)
	}
}

func TestTimeoutIncrementsView(t *testing.T) {
	members := sortedPeers("peer-a", "peer-b", "peer-c")
	em, sent := newTestElection(members[1], members, 10*time.Millisecond)

	em.StartElection("shard-1")
	view0, _ := em.CurrentView("shard-1")
	if view0 != 0 {
		t.Fatalf("Expected view 0, got %d", view0)
	}

	// No quorum arrives before the phase deadline.
	time.Sleep(20 * time.Millisecond)
	em.CheckTimeouts()

	view1, ok := em.CurrentView("shard-1")
	if !ok || view1 != 1 {
		t.Fatalf("Expected view 1 after timeout, got %d", view1)
	}

	// View 1 proposer is members[1], the local node: it must re-propose.
	msgs := drain(sent)
	sawPrePrepare := false
	for _, m := range msgs {
		if m.Phase == PhasePrePrepare && m.View == 1 {
			sawPrePrepare = true
		}
	}
	if !sawPrePrepare {
		t.Error("New view's proposer should broadcast a fresh pre-prepare")
	}

	t.Log("✅ Phase timeout incremented the view")
}

func TestViewChangeHandlerFiresOnTimeout(t *testing.T) {
	members := sortedPeers("peer-a", "peer-b", "peer-c")
	em, _ := newTestElection(members[1], members, 10*time.Millisecond)

	changes := make(chan uint64, 1)
	em.SetViewChangeHandler(func(shardID string, view uint64) {
		if shardID == "shard-1" {
			changes <- view
		}
	})

	em.StartElection("shard-1")
	time.Sleep(20 * time.Millisecond)
	em.CheckTimeouts()

	select {
	case view := <-changes:
		if view != 1 {
			t.Fatalf("Expected view change to view 1, got %d", view)
		}
	case <-time.After(time.Second):
		t.Fatal("View change handler never fired")
	}

	t.Log("✅ View change handler reported the timeout")
}

func TestPrePrepareFromWrongProposerIgnored(t *testing.T) {
	members := sortedPeers("peer-a", "peer-b", "peer-c")
	em, sent := newTestElection(members[1], members, time.Second)

	// members[2] is not view 0's proposer.
	em.HandleMessage(&ElectionMessage{
		ShardID: "shard-1", View: 0, Phase: PhasePrePrepare,
		Candidate: members[2], Sender: members[2],
	})

	for _, m := range drain(sent) {
		if m.Phase == PhasePrepare {
			t.Fatal("Pre-prepare from the wrong proposer must not be accepted")
		}
	}
}

func TestEquivocationFlagged(t *testing.T) {
	members := sortedPeers("peer-a", "peer-b", "peer-c")
	em, _ := newTestElection(members[1], members, time.Second)

	flagged := make(chan core.PeerID, 1)
	em.SetEquivocationHandler(func(peer core.PeerID, evidence []byte) {
		flagged <- peer
	})

	proposer := members[0]
	em.HandleMessage(&ElectionMessage{
		ShardID: "shard-1", View: 0, Phase: PhasePrePrepare,
		Candidate: proposer, Sender: proposer,
	})

	// members[2] prepares for two different candidates in the same view.
	em.HandleMessage(&ElectionMessage{
		ShardID: "shard-1", View: 0, Phase: PhasePrepare,
		Candidate: proposer, Sender: members[2],
	})
	em.HandleMessage(&ElectionMessage{
		ShardID: "shard-1", View: 0, Phase: PhasePrepare,
		Candidate: members[2], Sender: members[2],
	})

	select {
	case peer := <-flagged:
		if peer != members[2] {
			t.Errorf("Expected %s flagged, got %s", members[2], peer)
		}
	case <-time.After(time.Second):
		t.Fatal("Conflicting votes in one view should be flagged")
	}
}

func TestProposerRotation(t *testing.T) {
	members := sortedPeers("peer-a", "peer-b", "peer-c")

	seen := make(map[core.PeerID]bool)
	for view := uint64(0); view < 3; view++ {
		seen[ProposerFor(members, view)] = true
	}
	if len(seen) != 3 {
		t.Errorf("Proposer should rotate across views, saw %d distinct", len(seen))
	}
}
