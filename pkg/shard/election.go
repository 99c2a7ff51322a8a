package shard

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"dicemesh/pkg/core"
	"dicemesh/pkg/logging"
)

type ElectionPhase int

const (
	PhasePrePrepare ElectionPhase = iota
	PhasePrepare
	PhaseCommit
	PhaseDecided
)

func (p ElectionPhase) String() string {
	switch p {
	case PhasePrePrepare:
		return "pre_prepare"
	case PhasePrepare:
		return "prepare"
	case PhaseCommit:
		return "commit"
	case PhaseDecided:
		return "decided"
	default:
		return "unknown"
	}
}

// ElectionMessage is the payload of FrameElection frames.
type ElectionMessage struct {
	ShardID   string        `json:"shard_id"`
	View      uint64        `json:"view"`
	Phase     ElectionPhase `json:"phase"`
	Candidate core.PeerID   `json:"candidate"`
	Sender    core.PeerID   `json:"sender"`
}

func (msg *ElectionMessage) Marshal() ([]byte, error) {
	return json.Marshal(msg)
}

func UnmarshalElectionMessage(data []byte) (*ElectionMessage, error) {
	var msg ElectionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed election message: %w", err)
	}
	return &msg, nil
}

// electionState tracks one (shard, view) round. The prepare and commit maps
// record each sender's vote so equivocation is detectable.
type electionState struct {
	shardID       string
	view          uint64
	phase         ElectionPhase
	candidate     core.PeerID
	prepares      map[core.PeerID]core.PeerID
	commits       map[core.PeerID]core.PeerID
	localPrepared bool
	localCommit   bool
	phaseDeadline time.Time
}

// DecidedHandler installs a decided coordinator.
type DecidedHandler func(shardID string, coordinator core.PeerID, view uint64)

// EquivocationHandler receives evidence of conflicting votes in one view.
type EquivocationHandler func(peer core.PeerID, evidence []byte)

// ViewChangeHandler is told when a phase timeout forces a new view.
type ViewChangeHandler func(shardID string, view uint64)

// Broadcaster delivers an election message to all members of a shard.
type Broadcaster func(shardID string, msg *ElectionMessage) error

// ElectionManager runs the three-phase coordinator election per shard.
// The proposer for (shard, view) is the view-th member of the sorted member
// list, so every honest member derives the same proposer without extra
// rounds.
type ElectionManager struct {
	mu        sync.Mutex
	elections map[string]*electionState

	localID      core.PeerID
	membersOf    func(shardID string) []core.PeerID
	broadcast    Broadcaster
	onDecided    DecidedHandler
	onEquivocate EquivocationHandler
	onViewChange ViewChangeHandler
	logger       *logging.StructuredLogger

	phaseTimeout time.Duration

	decidedTotal    uint64
	viewChangeTotal uint64
}

func NewElectionManager(
	localID core.PeerID,
	membersOf func(shardID string) []core.PeerID,
	broadcast Broadcaster,
	phaseTimeout time.Duration,
	logger *logging.StructuredLogger,
) *ElectionManager {
	return &ElectionManager{
		elections:    make(map[string]*electionState),
		localID:      localID,
		membersOf:    membersOf,
		broadcast:    broadcast,
		phaseTimeout: phaseTimeout,
		logger:       logger,
	}
}

func (em *ElectionManager) SetDecidedHandler(h DecidedHandler)           { em.onDecided = h }
func (em *ElectionManager) SetEquivocationHandler(h EquivocationHandler) { em.onEquivocate = h }
func (em *ElectionManager) SetViewChangeHandler(h ViewChangeHandler)     { em.onViewChange = h }

// ProposerFor derives the deterministic proposer of a view.
func ProposerFor(members []core.PeerID, view uint64) core.PeerID {
	if len(members) == 0 {
		return ""
	}
	return members[int(view%uint64(len(members)))]
}

// StartElection opens view 0 for a shard, or is a no-op if one is already
// running.
func (em *ElectionManager) StartElection(shardID string) {
	em.mu.Lock()
	defer em.mu.Unlock()

	if st, exists := em.elections[shardID]; exists && st.phase != PhaseDecided {
		return
	}
	em.startViewLocked(shardID, 0)
}

func (em *ElectionManager) startViewLocked(shardID string, view uint64) {
	st := &electionState{
		shardID:       shardID,
		view:          view,
		phase:         PhasePrePrepare,
		prepares:      make(map[core.PeerID]core.PeerID),
		commits:       make(map[core.PeerID]core.PeerID),
		phaseDeadline: time.Now().Add(em.phaseTimeout),
	}
	em.elections[shardID] = st

	members := em.membersOf(shardID)
	proposer := ProposerFor(members, view)

	em.logger.InfoWithFields("Election view opened", map[string]interface{}{
		"shard":    shardID,
		"view":     view,
		"proposer": proposer.Short(),
	})

	if proposer == em.localID {
		// The proposer nominates itself; round-robin across views keeps the
		// nomination fair and verifiable.
		msg := &ElectionMessage{
			ShardID:   shardID,
			View:      view,
			Phase:     PhasePrePrepare,
			Candidate: proposer,
			Sender:    em.localID,
		}
		go em.broadcast(shardID, msg)
		em.acceptNominationLocked(st, proposer)
	}
}

// HandleMessage processes one inbound election message. Malformed or
// out-of-view messages are ignored, never fatal.
func (em *ElectionManager) HandleMessage(msg *ElectionMessage) {
	em.mu.Lock()
	defer em.mu.Unlock()

	members := em.membersOf(msg.ShardID)
	if len(members) == 0 || !containsPeer(members, msg.Sender) {
		return
	}

	st, exists := em.elections[msg.ShardID]
	if !exists {
		// A peer is already electing; join at their view.
		em.startViewLocked(msg.ShardID, msg.View)
		st = em.elections[msg.ShardID]
	}

	if msg.View < st.view || st.phase == PhaseDecided {
		return
	}
	if msg.View > st.view {
		em.startViewLocked(msg.ShardID, msg.View)
		st = em.elections[msg.ShardID]
	}

	switch msg.Phase {
	case PhasePrePrepare:
		em.handlePrePrepareLocked(st, msg, members)
	case PhasePrepare:
		em.handlePrepareLocked(st, msg, members)
	case PhaseCommit:
		em.handleCommitLocked(st, msg, members)
	}
}

func (em *ElectionManager) handlePrePrepareLocked(st *electionState, msg *ElectionMessage, members []core.PeerID) {
	proposer := ProposerFor(members, st.view)
	if msg.Sender != proposer {
		return
	}
	if !containsPeer(members, msg.Candidate) {
		return
	}
	em.acceptNominationLocked(st, msg.Candidate)
}

func (em *ElectionManager) acceptNominationLocked(st *electionState, candidate core.PeerID) {
	if st.localPrepared {
		return
	}
	st.candidate = candidate
	st.phase = PhasePrepare
	st.phaseDeadline = time.Now().Add(em.phaseTimeout)
	st.localPrepared = true
	st.prepares[em.localID] = candidate

	msg := &ElectionMessage{
		ShardID:   st.shardID,
		View:      st.view,
		Phase:     PhasePrepare,
		Candidate: candidate,
		Sender:    em.localID,
	}
	go em.broadcast(st.shardID, msg)
}

func (em *ElectionManager) handlePrepareLocked(st *electionState, msg *ElectionMessage, members []core.PeerID) {
	if !containsPeer(members, msg.Candidate) {
		return
	}
	if prev, voted := st.prepares[msg.Sender]; voted && prev != msg.Candidate {
		em.flagEquivocationLocked(st, msg, prev)
		return
	}
	st.prepares[msg.Sender] = msg.Candidate

	if st.candidate == "" {
		// Prepare seen before the pre-prepare reached us; adopt the
		// candidate once a quorum backs it, below.
		st.candidate = msg.Candidate
	}

	if em.countVotes(st.prepares, st.candidate) >= core.QuorumSize(len(members)) && !st.localCommit {
		st.phase = PhaseCommit
		st.phaseDeadline = time.Now().Add(em.phaseTimeout)
		st.localCommit = true
		st.commits[em.localID] = st.candidate

		commit := &ElectionMessage{
			ShardID:   st.shardID,
			View:      st.view,
			Phase:     PhaseCommit,
			Candidate: st.candidate,
			Sender:    em.localID,
		}
		go em.broadcast(st.shardID, commit)
		em.maybeDecideLocked(st, members)
	}
}

func (em *ElectionManager) handleCommitLocked(st *electionState, msg *ElectionMessage, members []core.PeerID) {
	if !containsPeer(members, msg.Candidate) {
		return
	}
	if prev, voted := st.commits[msg.Sender]; voted && prev != msg.Candidate {
		em.flagEquivocationLocked(st, msg, prev)
		return
	}
	st.commits[msg.Sender] = msg.Candidate
	em.maybeDecideLocked(st, members)
}

func (em *ElectionManager) maybeDecideLocked(st *electionState, members []core.PeerID) {
	if st.phase == PhaseDecided || st.candidate == "" {
		return
	}
	if em.countVotes(st.commits, st.candidate) < core.QuorumSize(len(members)) {
		return
	}

	st.phase = PhaseDecided
	em.decidedTotal++

	em.logger.InfoWithFields("Election decided", map[string]interface{}{
		"shard":       st.shardID,
		"view":        st.view,
		"coordinator": st.candidate.Short(),
	})

	if em.onDecided != nil {
		coordinator, view, shardID := st.candidate, st.view, st.shardID
		go em.onDecided(shardID, coordinator, view)
	}
}

func (em *ElectionManager) flagEquivocationLocked(st *electionState, msg *ElectionMessage, prev core.PeerID) {
	evidence, _ := json.Marshal(map[string]interface{}{
		"shard":  st.shardID,
		"view":   st.view,
		"phase":  msg.Phase.String(),
		"first":  prev,
		"second": msg.Candidate,
	})

	em.logger.WarnWithFields("Equivocating vote detected", map[string]interface{}{
		"peer":  msg.Sender.Short(),
		"shard": st.shardID,
		"view":  st.view,
	})

	if em.onEquivocate != nil {
		go em.onEquivocate(msg.Sender, evidence)
	}
}

func (em *ElectionManager) countVotes(votes map[core.PeerID]core.PeerID, candidate core.PeerID) int {
	count := 0
	for _, c := range votes {
		if c == candidate {
			count++
		}
	}
	return count
}

// CheckTimeouts advances the view of any election stuck past its phase
// deadline. Called from the node's timer loop.
func (em *ElectionManager) CheckTimeouts() {
	em.mu.Lock()
	defer em.mu.Unlock()

	now := time.Now()
	for shardID, st := range em.elections {
		if st.phase == PhaseDecided || now.Before(st.phaseDeadline) {
			continue
		}
		em.viewChangeTotal++
		em.logger.WarnWithFields("Election phase timed out, view change", map[string]interface{}{
			"shard": shardID,
			"view":  st.view,
			"phase": st.phase.String(),
		})
		if em.onViewChange != nil {
			go em.onViewChange(shardID, st.view+1)
		}
		em.startViewLocked(shardID, st.view+1)
	}
}

// CurrentView reports the active view of a shard's election, if any.
func (em *ElectionManager) CurrentView(shardID string) (uint64, bool) {
	em.mu.Lock()
	defer em.mu.Unlock()

	if st, exists := em.elections[shardID]; exists {
		return st.view, true
	}
	return 0, false
}

// IsDecided reports whether the shard's last election completed.
func (em *ElectionManager) IsDecided(shardID string) (core.PeerID, bool) {
	em.mu.Lock()
	defer em.mu.Unlock()

	if st, exists := em.elections[shardID]; exists && st.phase == PhaseDecided {
		return st.candidate, true
	}
	return "", false
}

func (em *ElectionManager) Stats() map[string]interface{} {
	em.mu.Lock()
	defer em.mu.Unlock()

	active := 0
	for _, st := range em.elections {
		if st.phase != PhaseDecided {
			active++
		}
	}

	return map[string]interface{}{
		"active":       active,
		"decided":      em.decidedTotal,
		"view_changes": em.viewChangeTotal,
	}
}

func containsPeer(members []core.PeerID, peer core.PeerID) bool {
	for _, m := range members {
		if m == peer {
			return true
		}
	}
	return false
}
