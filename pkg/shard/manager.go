package shard

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"dicemesh/pkg/core"
	"dicemesh/pkg/logging"
)

// Shard is a bounded subset of session participants with its own
// coordinator. Each shard carries its own lock so unrelated shards never
// serialize on each other.
type Shard struct {
	ID           string
	mu           sync.RWMutex
	members      map[core.PeerID]bool
	coordinator  core.PeerID
	createdAt    time.Time
	lastActivity time.Time
}

func (s *Shard) Members() []core.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.membersLocked()
}

func (s *Shard) membersLocked() []core.PeerID {
	out := make([]core.PeerID, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Shard) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

func (s *Shard) Coordinator() core.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coordinator
}

func (s *Shard) Has(peer core.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[peer]
}

// RebalanceHandler is told when a shard crosses the high-water mark.
type RebalanceHandler func(shardID string)

// ElectionTrigger starts a coordinator election for a shard.
type ElectionTrigger func(shardID string)

// Manager assigns peers to bounded shards and signals rebalancing before a
// shard actually overflows.
type Manager struct {
	mu          sync.RWMutex
	shards      map[string]*Shard
	memberIndex map[core.PeerID]string
	nextShardID int

	cfg    *core.Config
	logger *logging.StructuredLogger

	onRebalance RebalanceHandler
	onElection  ElectionTrigger
}

func NewManager(cfg *core.Config, logger *logging.StructuredLogger) *Manager {
	return &Manager{
		shards:      make(map[string]*Shard),
		memberIndex: make(map[core.PeerID]string),
		cfg:         cfg,
		logger:      logger,
	}
}

func (m *Manager) SetRebalanceHandler(h RebalanceHandler) { m.onRebalance = h }
func (m *Manager) SetElectionTrigger(t ElectionTrigger)   { m.onElection = t }

// AddMember places peer in the least-loaded shard with room, creating a new
// shard when none qualifies. Crossing the rebalance threshold raises the
// rebalance signal without blocking the join.
func (m *Manager) AddMember(peer core.PeerID) (string, error) {
	m.mu.Lock()

	if existing, ok := m.memberIndex[peer]; ok {
		m.mu.Unlock()
		return existing, nil
	}

	var target *Shard
	lowest := m.cfg.MaxShardSize
	for _, s := range m.shards {
		size := s.Size()
		if size < m.cfg.MaxShardSize && size < lowest {
			target = s
			lowest = size
		}
	}

	if target == nil {
		m.nextShardID++
		target = &Shard{
			ID:           fmt.Sprintf("shard-%d", m.nextShardID),
			members:      make(map[core.PeerID]bool),
			createdAt:    time.Now(),
			lastActivity: time.Now(),
		}
		m.shards[target.ID] = target
		m.logger.InfoWithFields("Created shard", map[string]interface{}{
			"shard": target.ID,
		})
	}

	m.memberIndex[peer] = target.ID
	m.mu.Unlock()

	target.mu.Lock()
	target.members[peer] = true
	target.lastActivity = time.Now()
	size := len(target.members)
	needsCoordinator := target.coordinator == ""
	if needsCoordinator && size == 1 {
		// A singleton shard's only member coordinates it until an election
		// has anyone else to vote.
		target.coordinator = peer
		needsCoordinator = false
	}
	target.mu.Unlock()

	load := float64(size) / float64(m.cfg.MaxShardSize)
	if load >= m.cfg.RebalanceThreshold && m.onRebalance != nil {
		m.onRebalance(target.ID)
	}
	if needsCoordinator && m.onElection != nil {
		m.onElection(target.ID)
	}

	return target.ID, nil
}

// RemoveMember takes peer out of its shard. Empty shards are destroyed; a
// departed coordinator triggers an immediate election.
func (m *Manager) RemoveMember(peer core.PeerID) {
	m.mu.Lock()
	shardID, ok := m.memberIndex[peer]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.memberIndex, peer)
	s := m.shards[shardID]
	m.mu.Unlock()

	if s == nil {
		return
	}

	s.mu.Lock()
	delete(s.members, peer)
	wasCoordinator := s.coordinator == peer
	if wasCoordinator {
		s.coordinator = ""
	}
	empty := len(s.members) == 0
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if empty {
		m.mu.Lock()
		delete(m.shards, shardID)
		m.mu.Unlock()
		m.logger.InfoWithFields("Destroyed empty shard", map[string]interface{}{
			"shard": shardID,
		})
		return
	}

	if wasCoordinator && m.onElection != nil {
		m.onElection(shardID)
	}
}

func (m *Manager) ShardOf(peer core.PeerID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.memberIndex[peer]
	return id, ok
}

func (m *Manager) Get(shardID string) (*Shard, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shards[shardID]
	return s, ok
}

func (m *Manager) MembersOf(shardID string) []core.PeerID {
	m.mu.RLock()
	s, ok := m.shards[shardID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.Members()
}

// InstallCoordinator records a decided election result.
func (m *Manager) InstallCoordinator(shardID string, coordinator core.PeerID) error {
	m.mu.RLock()
	s, ok := m.shards[shardID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown shard %s", shardID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.members[coordinator] {
		return fmt.Errorf("coordinator %s is not a member of %s", coordinator.Short(), shardID)
	}
	s.coordinator = coordinator
	s.lastActivity = time.Now()
	return nil
}

func (m *Manager) ShardCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.shards)
}

func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	perShard := make(map[string]interface{})
	for id, s := range m.shards {
		perShard[id] = map[string]interface{}{
			"members":     s.Size(),
			"coordinator": s.Coordinator().Short(),
		}
	}

	return map[string]interface{}{
		"shards":  len(m.shards),
		"members": len(m.memberIndex),
		"detail":  perShard,
	}
}
