package sync

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"dicemesh/pkg/core"
	"dicemesh/pkg/identity"
	"dicemesh/pkg/logging"
	"dicemesh/pkg/utils"
)

type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusSyncing SyncStatus = "syncing"
	StatusBehind  SyncStatus = "behind"
)

const (
	checkpointKeyPrefix = "checkpoint_"
	finalizedRoundKey   = "finalized_round"
)

// LogEntry is one applied operation in the hash-chained history.
// StateHash = sha256(PrevHash || operation hash), so any peer holding
// the entry sequence can re-derive the chain and detect tampering.
type LogEntry struct {
	Round     uint64             `json:"round"`
	Operation core.GameOperation `json:"operation"`
	PrevHash  []byte             `json:"prev_hash"`
	StateHash []byte             `json:"state_hash"`
}

// SyncRequest asks a peer for missing history. Incremental requests
// name the last round the requester trusts; checkpoint requests ask
// for the latest finalized snapshot plus the tail of operations.
type SyncRequest struct {
	RequestID string      `json:"request_id"`
	Kind      string      `json:"kind"` // "incremental" | "checkpoint"
	FromRound uint64      `json:"from_round"`
	Requester core.PeerID `json:"requester"`
}

type SyncResponse struct {
	RequestID  string                  `json:"request_id"`
	Kind       string                  `json:"kind"`
	Checkpoint *core.GameStateSnapshot `json:"checkpoint,omitempty"`
	Operations []LogEntry              `json:"operations,omitempty"`
	Responder  core.PeerID             `json:"responder"`
}

func (req *SyncRequest) Marshal() ([]byte, error)   { return json.Marshal(req) }
func (resp *SyncResponse) Marshal() ([]byte, error) { return json.Marshal(resp) }

func UnmarshalSyncRequest(data []byte) (*SyncRequest, error) {
	var req SyncRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed sync request: %w", err)
	}
	return &req, nil
}

func UnmarshalSyncResponse(data []byte) (*SyncResponse, error) {
	var resp SyncResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("malformed sync response: %w", err)
	}
	return &resp, nil
}

// CheckpointDigest is the byte string every participant signs when
// endorsing a snapshot. Signing the digest rather than the JSON body
// keeps the endorsement independent of field ordering.
func CheckpointDigest(round uint64, stateHash []byte) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, round)
	h := sha256.New()
	h.Write([]byte("dicemesh-checkpoint"))
	h.Write(buf)
	h.Write(stateHash)
	return h.Sum(nil)
}

// KeyResolver returns the pinned verifying key for a peer, or nil when
// the peer is unknown. The security validator provides this.
type KeyResolver func(core.PeerID) []byte

// MemberSetFunc returns the participant set whose signature weight
// gates checkpoint acceptance.
type MemberSetFunc func() []core.PeerID

// Synchronizer keeps the local operation log, creates and finalizes
// checkpoints, and resolves divergence against peer-reported snapshots.
type Synchronizer struct {
	mu sync.RWMutex

	localID core.PeerID
	ident   *identity.Identity
	db      *leveldb.DB
	keyOf   KeyResolver
	members MemberSetFunc
	logger  *logging.StructuredLogger

	status    SyncStatus
	round     uint64
	stateHash []byte
	history   []LogEntry

	checkpoints    map[uint64]*core.GameStateSnapshot
	finalizedRound uint64

	syncSource      core.PeerID
	pendingRequest  string
	requestDeadline time.Time
	badSources      map[core.PeerID]time.Time

	onCommitted func(stateHash []byte, round uint64)
}

// NewSynchronizer loads persisted checkpoints and resumes from the last
// finalized round. db may be nil; state is then memory-only.
func NewSynchronizer(localID core.PeerID, ident *identity.Identity, db *leveldb.DB,
	keyOf KeyResolver, members MemberSetFunc, logger *logging.StructuredLogger) *Synchronizer {

	if logger == nil {
		logger = logging.GetDefaultLogger()
	}

	s := &Synchronizer{
		localID:     localID,
		ident:       ident,
		db:          db,
		keyOf:       keyOf,
		members:     members,
		logger:      logger.WithField("component", "synchronizer"),
		status:      StatusSynced,
		stateHash:   genesisHash(),
		checkpoints: make(map[uint64]*core.GameStateSnapshot),
		badSources:  make(map[core.PeerID]time.Time),
	}

	s.loadCheckpoints()

	if cp, ok := s.checkpoints[s.finalizedRound]; ok {
		s.round = cp.Round
		s.stateHash = cp.StateHash
		s.logger.InfoWithFields("📥 Resumed from finalized checkpoint", map[string]interface{}{
			"round": cp.Round,
		})
	}

	return s
}

func genesisHash() []byte {
	h := sha256.Sum256([]byte("dicemesh-genesis"))
	return h[:]
}

// SetCommitHandler registers the callback fired when a checkpoint
// reaches quorum signature weight.
func (s *Synchronizer) SetCommitHandler(fn func(stateHash []byte, round uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCommitted = fn
}

func (s *Synchronizer) loadCheckpoints() {
	if s.db == nil {
		return
	}

	iter := s.db.NewIterator(util.BytesPrefix([]byte(checkpointKeyPrefix)), nil)
	defer iter.Release()

	loaded := 0
	for iter.Next() {
		var cp core.GameStateSnapshot
		if err := json.Unmarshal(iter.Value(), &cp); err != nil {
			s.logger.WarnWithFields("Skipping corrupt checkpoint record", map[string]interface{}{
				"key": string(iter.Key()),
			})
			continue
		}
		s.checkpoints[cp.Round] = &cp
		loaded++
	}

	if data, err := s.db.Get([]byte(finalizedRoundKey), nil); err == nil && len(data) == 8 {
		s.finalizedRound = binary.BigEndian.Uint64(data)
	}

	if loaded > 0 {
		s.logger.InfoWithFields("📥 Loaded checkpoints from disk", map[string]interface{}{
			"count":     loaded,
			"finalized": s.finalizedRound,
		})
	}
}

// ApplyOperation appends an operation to the history chain and advances
// the round. Every CheckpointInterval rounds a locally signed snapshot
// is created and returned so the caller can broadcast it for
// endorsement; otherwise the returned snapshot is nil.
func (s *Synchronizer) ApplyOperation(op core.GameOperation) (*core.GameStateSnapshot, error) {
	opHash, err := op.Hash()
	if err != nil {
		return nil, utils.NewMeshError(utils.KindMalformed, "synchronizer",
			fmt.Errorf("unhashable operation: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := LogEntry{
		Round:     s.round + 1,
		Operation: op,
		PrevHash:  s.stateHash,
		StateHash: chainHash(s.stateHash, opHash),
	}

	s.history = append(s.history, entry)
	if len(s.history) > core.MaxHistorySize {
		s.history = s.history[len(s.history)-core.MaxHistorySize:]
	}

	s.round = entry.Round
	s.stateHash = entry.StateHash

	if s.round%core.CheckpointInterval == 0 {
		return s.createCheckpointLocked(), nil
	}
	return nil, nil
}

func chainHash(prev, opHash []byte) []byte {
	h := sha256.New()
	h.Write(prev)
	h.Write(opHash)
	return h.Sum(nil)
}

func (s *Synchronizer) createCheckpointLocked() *core.GameStateSnapshot {
	cp := &core.GameStateSnapshot{
		StateHash:  s.stateHash,
		Round:      s.round,
		Signatures: make(map[core.PeerID][]byte),
	}
	cp.Signatures[s.localID] = s.ident.Sign(CheckpointDigest(cp.Round, cp.StateHash))
	s.checkpoints[cp.Round] = cp

	s.logger.InfoWithFields("🏁 Checkpoint created", map[string]interface{}{
		"round": cp.Round,
	})
	return cp
}

// AddCheckpointSignature records a peer's endorsement of a local
// checkpoint. Returns true when the signature weight crosses two-thirds
// of the member set and the checkpoint is finalized.
func (s *Synchronizer) AddCheckpointSignature(round uint64, peer core.PeerID, sig []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[round]
	if !ok {
		return false, fmt.Errorf("no checkpoint at round %d", round)
	}

	pubKey := s.keyOf(peer)
	if !identity.Verify(pubKey, CheckpointDigest(round, cp.StateHash), sig) {
		return false, utils.NewMeshError(utils.KindSignatureMismatch, "synchronizer",
			fmt.Errorf("invalid checkpoint signature from %s", peer.Short()))
	}

	cp.Signatures[peer] = sig
	return s.maybeFinalizeLocked(cp), nil
}

func (s *Synchronizer) maybeFinalizeLocked(cp *core.GameStateSnapshot) bool {
	total := len(s.members())
	if !core.WeightExceedsQuorum(len(cp.Signatures), total) {
		return false
	}
	if cp.Round <= s.finalizedRound && s.finalizedRound != 0 {
		return false
	}

	s.finalizedRound = cp.Round
	s.persistCheckpointLocked(cp)

	s.logger.InfoWithFields("✅ Checkpoint finalized", map[string]interface{}{
		"round":      cp.Round,
		"signatures": len(cp.Signatures),
		"members":    total,
	})

	if s.onCommitted != nil {
		go s.onCommitted(cp.StateHash, cp.Round)
	}
	return true
}

func (s *Synchronizer) persistCheckpointLocked(cp *core.GameStateSnapshot) {
	if s.db == nil {
		return
	}

	data, err := json.Marshal(cp)
	if err != nil {
		s.logger.Error("Failed to marshal checkpoint: " + err.Error())
		return
	}

	key := fmt.Sprintf("%s%d", checkpointKeyPrefix, cp.Round)
	if err := s.db.Put([]byte(key), data, nil); err != nil {
		s.logger.Error("Failed to persist checkpoint: " + err.Error())
		return
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, s.finalizedRound)
	if err := s.db.Put([]byte(finalizedRoundKey), buf, nil); err != nil {
		s.logger.Error("Failed to persist finalized round: " + err.Error())
	}
}

// ObserveRemoteSnapshot compares a peer-reported signed snapshot with
// local state. If the peer is ahead, a sync request is returned for the
// caller to deliver; the request kind depends on the gap size.
func (s *Synchronizer) ObserveRemoteSnapshot(from core.PeerID, cp *core.GameStateSnapshot) *SyncRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.Round < s.round {
		return nil
	}
	if cp.Round == s.round {
		if bytes.Equal(cp.StateHash, s.stateHash) {
			s.status = StatusSynced
			return nil
		}
		// Same round, different hash: diverged. Treat like being
		// behind so the signed majority state wins.
	}

	if s.isBadSourceLocked(from) {
		return nil
	}
	if s.pendingRequest != "" && time.Now().Before(s.requestDeadline) {
		return nil
	}

	gap := cp.Round - s.round
	kind := "incremental"
	if gap > core.MaxIncrementalGap || cp.Round == s.round {
		kind = "checkpoint"
	}

	s.status = StatusSyncing
	if gap > core.MaxIncrementalGap {
		s.status = StatusBehind
	}
	s.syncSource = from
	s.pendingRequest = newRequestID()
	s.requestDeadline = time.Now().Add(core.SyncTimeout)

	s.logger.InfoWithFields("🔄 Starting state sync", map[string]interface{}{
		"kind":   kind,
		"local":  s.round,
		"remote": cp.Round,
		"source": from.Short(),
	})

	return &SyncRequest{
		RequestID: s.pendingRequest,
		Kind:      kind,
		FromRound: s.round,
		Requester: s.localID,
	}
}

func newRequestID() string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(time.Now().UnixNano()))
	return fmt.Sprintf("sync-%x", sha256.Sum256(buf))[:21]
}

func (s *Synchronizer) isBadSourceLocked(peer core.PeerID) bool {
	until, ok := s.badSources[peer]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(s.badSources, peer)
		return false
	}
	return true
}

// HandleSyncRequest serves history to a lagging peer.
func (s *Synchronizer) HandleSyncRequest(req *SyncRequest) (*SyncResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := &SyncResponse{
		RequestID: req.RequestID,
		Kind:      req.Kind,
		Responder: s.localID,
	}

	switch req.Kind {
	case "incremental":
		for _, entry := range s.history {
			if entry.Round > req.FromRound {
				resp.Operations = append(resp.Operations, entry)
			}
		}
		if len(resp.Operations) == 0 && req.FromRound < s.round {
			// History window no longer covers the gap; fall back to
			// the latest finalized checkpoint.
			resp.Kind = "checkpoint"
		} else {
			return resp, nil
		}
		fallthrough
	case "checkpoint":
		cp, ok := s.checkpoints[s.finalizedRound]
		if !ok {
			return nil, fmt.Errorf("no finalized checkpoint to serve")
		}
		resp.Checkpoint = cp
		for _, entry := range s.history {
			if entry.Round > cp.Round {
				resp.Operations = append(resp.Operations, entry)
			}
		}
		return resp, nil
	default:
		return nil, fmt.Errorf("unknown sync request kind %q", req.Kind)
	}
}

// HandleSyncResponse validates and applies a peer's sync response.
// Checkpoints must carry signature weight exceeding two-thirds of the
// member set; incremental batches must chain from the local state hash.
// A rejected response marks the source bad so the next snapshot
// observation queries a different peer.
func (s *Synchronizer) HandleSyncResponse(from core.PeerID, resp *SyncResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if resp.RequestID != s.pendingRequest {
		return fmt.Errorf("unsolicited sync response %s", resp.RequestID)
	}
	s.pendingRequest = ""

	if resp.Checkpoint != nil {
		if err := s.verifyCheckpointLocked(resp.Checkpoint); err != nil {
			s.rejectSourceLocked(from)
			return err
		}
		s.adoptCheckpointLocked(resp.Checkpoint)
	}

	for _, entry := range resp.Operations {
		if entry.Round != s.round+1 || !bytes.Equal(entry.PrevHash, s.stateHash) {
			s.rejectSourceLocked(from)
			return utils.NewMeshError(utils.KindMalformed, "synchronizer",
				fmt.Errorf("operation log does not chain at round %d", entry.Round))
		}

		opHash, err := entry.Operation.Hash()
		if err != nil || !bytes.Equal(entry.StateHash, chainHash(entry.PrevHash, opHash)) {
			s.rejectSourceLocked(from)
			return utils.NewMeshError(utils.KindMalformed, "synchronizer",
				fmt.Errorf("state hash mismatch at round %d", entry.Round))
		}

		s.history = append(s.history, entry)
		if len(s.history) > core.MaxHistorySize {
			s.history = s.history[len(s.history)-core.MaxHistorySize:]
		}
		s.round = entry.Round
		s.stateHash = entry.StateHash
	}

	s.status = StatusSynced
	s.logger.InfoWithFields("✅ State sync applied", map[string]interface{}{
		"round":  s.round,
		"source": from.Short(),
	})
	return nil
}

func (s *Synchronizer) verifyCheckpointLocked(cp *core.GameStateSnapshot) error {
	memberSet := make(map[core.PeerID]bool)
	for _, m := range s.members() {
		memberSet[m] = true
	}
	memberSet[s.localID] = true

	digest := CheckpointDigest(cp.Round, cp.StateHash)
	valid := 0
	for peer, sig := range cp.Signatures {
		if !memberSet[peer] {
			continue
		}
		if peer == s.localID {
			if identity.Verify(s.ident.PublicKey, digest, sig) {
				valid++
			}
			continue
		}
		if identity.Verify(s.keyOf(peer), digest, sig) {
			valid++
		}
	}

	if !core.WeightExceedsQuorum(valid, len(memberSet)) {
		return utils.NewMeshError(utils.KindSignatureMismatch, "synchronizer",
			fmt.Errorf("checkpoint round %d has %d/%d valid signatures, below quorum",
				cp.Round, valid, len(memberSet)))
	}
	return nil
}

func (s *Synchronizer) adoptCheckpointLocked(cp *core.GameStateSnapshot) {
	s.checkpoints[cp.Round] = cp
	s.round = cp.Round
	s.stateHash = cp.StateHash
	s.history = nil
	if cp.Round > s.finalizedRound {
		s.finalizedRound = cp.Round
		s.persistCheckpointLocked(cp)
	}

	s.logger.InfoWithFields("📦 Adopted checkpoint", map[string]interface{}{
		"round": cp.Round,
	})
}

func (s *Synchronizer) rejectSourceLocked(peer core.PeerID) {
	s.badSources[peer] = time.Now().Add(core.SyncTimeout)
	s.logger.WarnWithFields("Rejected sync source", map[string]interface{}{
		"peer": peer.Short(),
	})
}

// AdoptCanonical replaces local state with a majority-signed snapshot.
// Used by split-brain resolution after a partition heals.
func (s *Synchronizer) AdoptCanonical(cp *core.GameStateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.verifyCheckpointLocked(cp); err != nil {
		return err
	}
	s.adoptCheckpointLocked(cp)
	return nil
}

// Rollback discards unfinalized history and returns to the last
// finalized checkpoint. Used by the emergency rollback recovery mode.
func (s *Synchronizer) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[s.finalizedRound]
	if !ok {
		return fmt.Errorf("no finalized checkpoint to roll back to")
	}

	s.round = cp.Round
	s.stateHash = cp.StateHash
	s.history = nil
	s.status = StatusSynced

	s.logger.WarnWithFields("⏪ Rolled back to finalized checkpoint", map[string]interface{}{
		"round": cp.Round,
	})
	return nil
}

// CheckTimeout expires a pending sync request past its deadline so the
// next snapshot observation can try another source.
func (s *Synchronizer) CheckTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingRequest == "" || time.Now().Before(s.requestDeadline) {
		return
	}

	s.logger.WarnWithFields("Sync request timed out", map[string]interface{}{
		"source": s.syncSource.Short(),
	})
	s.rejectSourceLocked(s.syncSource)
	s.pendingRequest = ""
}

// CleanupOldCheckpoints keeps the most recent keepLast checkpoints plus
// the finalized one, removing the rest from memory and disk.
func (s *Synchronizer) CleanupOldCheckpoints(keepLast int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.checkpoints) <= keepLast {
		return
	}

	rounds := make([]uint64, 0, len(s.checkpoints))
	for r := range s.checkpoints {
		rounds = append(rounds, r)
	}
	for i := 0; i < len(rounds); i++ {
		for j := i + 1; j < len(rounds); j++ {
			if rounds[j] < rounds[i] {
				rounds[i], rounds[j] = rounds[j], rounds[i]
			}
		}
	}

	for _, r := range rounds[:len(rounds)-keepLast] {
		if r == s.finalizedRound {
			continue
		}
		delete(s.checkpoints, r)
		if s.db != nil {
			key := fmt.Sprintf("%s%d", checkpointKeyPrefix, r)
			if err := s.db.Delete([]byte(key), nil); err != nil {
				s.logger.Error("Failed to delete old checkpoint: " + err.Error())
			}
		}
	}
}

func (s *Synchronizer) Status() SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Synchronizer) Round() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.round
}

func (s *Synchronizer) StateHash() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, len(s.stateHash))
	copy(out, s.stateHash)
	return out
}

func (s *Synchronizer) FinalizedRound() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finalizedRound
}

func (s *Synchronizer) GetCheckpoint(round uint64) (*core.GameStateSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[round]
	return cp, ok
}

// LocalSnapshot returns the current state as an unsigned snapshot for
// heartbeat piggybacking.
func (s *Synchronizer) LocalSnapshot() *core.GameStateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash := make([]byte, len(s.stateHash))
	copy(hash, s.stateHash)
	return &core.GameStateSnapshot{StateHash: hash, Round: s.round}
}

func (s *Synchronizer) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"status":          string(s.status),
		"round":           s.round,
		"finalized_round": s.finalizedRound,
		"history_size":    len(s.history),
		"checkpoints":     len(s.checkpoints),
		"bad_sources":     len(s.badSources),
	}
}
