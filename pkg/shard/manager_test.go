package shard

import (
	"fmt"
	"testing"

	"dicemesh/pkg/core"
	"dicemesh/pkg/logging"
)

func testManager(maxSize int) *Manager {
	cfg := core.DefaultConfig()
	cfg.MaxShardSize = maxSize
	cfg.MinShardSize = 1
	return NewManager(cfg, logging.NewStructuredLogger(logging.ERROR, false))
}

func peerN(n int) core.PeerID {
	return core.PeerID(fmt.Sprintf("dmpeer%034d", n))
}

func TestFullShardSpillsIntoNewShard(t *testing.T) {
	m := testManager(4)

	firstShard := ""
	for i := 0; i < 4; i++ {
		id, err := m.AddMember(peerN(i))
		if err != nil {
			t.Fatalf("AddMember failed: %v", err)
		}
		if firstShard == "" {
			firstShard = id
		} else if id != firstShard {
			t.Fatalf("Member %d landed in %s, expected %s", i, id, firstShard)
		}
	}

	// One more join with the shard at capacity: a fresh shard with only the
	// new member, the original untouched.
	newShard, err := m.AddMember(peerN(99))
	if err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	if newShard == firstShard {
		t.Fatal("Expected a new shard for the overflow member")
	}
	if got := len(m.MembersOf(newShard)); got != 1 {
		t.Errorf("New shard should hold only the new member, has %d", got)
	}
	if got := len(m.MembersOf(firstShard)); got != 4 {
		t.Errorf("Original shard should be unchanged, has %d members", got)
	}

	t.Logf("✅ Overflow member spilled into %s", newShard)
}

func TestRebalanceSignalAtHighWater(t *testing.T) {
	m := testManager(10)

	signaled := make(map[string]int)
	m.SetRebalanceHandler(func(shardID string) { signaled[shardID]++ })

	// Default threshold is 0.80: the signal must fire at 8 of 10, before
	// the shard is actually full.
	for i := 0; i < 8; i++ {
		if _, err := m.AddMember(peerN(i)); err != nil {
			t.Fatalf("AddMember failed: %v", err)
		}
	}

	if len(signaled) == 0 {
		t.Error("Expected rebalance signal at high-water mark")
	}
}

func TestCoordinatorLossTriggersElection(t *testing.T) {
	m := testManager(4)

	elections := make(chan string, 4)
	m.SetElectionTrigger(func(shardID string) { elections <- shardID })

	shardID, _ := m.AddMember(peerN(0))
	m.AddMember(peerN(1))
	m.AddMember(peerN(2))

	s, _ := m.Get(shardID)
	coordinator := s.Coordinator()
	if coordinator == "" {
		t.Fatal("Singleton shard should have self-coordinator")
	}

	m.RemoveMember(coordinator)

	select {
	case got := <-elections:
		if got != shardID {
			t.Errorf("Election triggered for %s, expected %s", got, shardID)
		}
	default:
		t.Error("Removing the coordinator should trigger an election")
	}
}

func TestEmptyShardDestroyed(t *testing.T) {
	m := testManager(4)

	shardID, _ := m.AddMember(peerN(0))
	m.RemoveMember(peerN(0))

	if _, exists := m.Get(shardID); exists {
		t.Error("Empty shard should be destroyed")
	}
	if m.ShardCount() != 0 {
		t.Errorf("Expected no shards, got %d", m.ShardCount())
	}
}

func TestInstallCoordinatorRequiresMembership(t *testing.T) {
	m := testManager(4)

	shardID, _ := m.AddMember(peerN(0))
	m.AddMember(peerN(1))

	if err := m.InstallCoordinator(shardID, peerN(1)); err != nil {
		t.Errorf("Installing a member as coordinator should work: %v", err)
	}
	if err := m.InstallCoordinator(shardID, peerN(42)); err == nil {
		t.Error("Installing a non-member as coordinator should fail")
	}
}
