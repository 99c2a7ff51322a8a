package security

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"dicemesh/pkg/core"
	"dicemesh/pkg/identity"
	"dicemesh/pkg/logging"
)

type TrustLevel int

const (
	TrustUnknown TrustLevel = iota
	TrustBasic
	TrustVerified
	TrustTrusted
	TrustBlocked
)

func (t TrustLevel) String() string {
	switch t {
	case TrustUnknown:
		return "unknown"
	case TrustBasic:
		return "basic"
	case TrustVerified:
		return "verified"
	case TrustTrusted:
		return "trusted"
	case TrustBlocked:
		return "blocked"
	default:
		return "invalid"
	}
}

type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictDeny
	VerdictQuarantine
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictDeny:
		return "deny"
	case VerdictQuarantine:
		return "quarantine"
	default:
		return "invalid"
	}
}

// VerifyResult is the outcome of frame validation. Reason is empty for Allow.
type VerifyResult struct {
	Verdict Verdict
	Reason  string
}

// TrustRecord tracks everything the validator knows about one peer. The
// pinned key fingerprint is set on first contact and never changes; a frame
// presenting a different key is spoofing.
type TrustRecord struct {
	PeerID         core.PeerID `json:"peer_id"`
	PublicKey      []byte      `json:"public_key"`
	KeyFingerprint string      `json:"key_fingerprint"`
	Level          TrustLevel  `json:"level"`
	VerifiedCount  int         `json:"verified_count"`
	WarningCount   int         `json:"warning_count"`
	FirstSeen      time.Time   `json:"first_seen"`
	LastSeen       time.Time   `json:"last_seen"`
}

const (
	// Consistent verifications before Unknown is promoted to Basic.
	basicPromotionThreshold = 10
	// Warnings before a peer is blocked outright.
	blockWarningThreshold = 5

	trustKeyPrefix = "trust:"
)

// CheatReporter receives evidence of misbehavior for the event stream.
type CheatReporter func(peer core.PeerID, reason string, evidence []byte)

// Validator is the trust and policy gate every inbound frame passes through.
type Validator struct {
	mu      sync.RWMutex
	records map[core.PeerID]*TrustRecord

	rateLimiter *RateLimiter
	db          *leveldb.DB
	logger      *logging.StructuredLogger

	level          core.SecurityLevel
	maxPayloadSize int
	maxTTL         int

	onCheat CheatReporter
}

// NewValidator loads persisted trust records from db. db may be nil for an
// in-memory validator (tests).
func NewValidator(cfg *core.Config, db *leveldb.DB, logger *logging.StructuredLogger) (*Validator, error) {
	v := &Validator{
		records:        make(map[core.PeerID]*TrustRecord),
		rateLimiter:    NewRateLimiter(cfg.RateLimitPerMinute, int64(cfg.MaxPayloadSize)*4),
		db:             db,
		logger:         logger,
		level:          cfg.SecurityLevel,
		maxPayloadSize: cfg.MaxPayloadSize,
		maxTTL:         cfg.MaxTTL,
	}

	if db != nil {
		if err := v.loadRecords(); err != nil {
			return nil, fmt.Errorf("failed to load trust records: %w", err)
		}
	}

	return v, nil
}

// SetCheatReporter wires the evidence sink. Must be called before traffic.
func (v *Validator) SetCheatReporter(r CheatReporter) {
	v.onCheat = r
}

func (v *Validator) loadRecords() error {
	iter := v.db.NewIterator(nil, nil)
	defer iter.Release()

	count := 0
	for iter.Next() {
		key := iter.Key()
		if !bytes.HasPrefix(key, []byte(trustKeyPrefix)) {
			continue
		}
		var record TrustRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			v.logger.WarnWithFields("Skipping corrupt trust record", map[string]interface{}{
				"key": string(key),
			})
			continue
		}
		v.records[record.PeerID] = &record
		count++
	}

	if count > 0 {
		v.logger.InfoWithFields("Loaded trust records", map[string]interface{}{
			"count": count,
		})
	}
	return iter.Error()
}

func (v *Validator) persistRecord(record *TrustRecord) {
	if v.db == nil {
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := v.db.Put([]byte(trustKeyPrefix+string(record.PeerID)), data, nil); err != nil {
		v.logger.WarnWithFields("Failed to persist trust record", map[string]interface{}{
			"peer":  record.PeerID.Short(),
			"error": err.Error(),
		})
	}
}

func keyFingerprint(pubKey []byte) string {
	hash := sha256.Sum256(pubKey)
	return hex.EncodeToString(hash[:])
}

// VerifyPeer registers or checks a peer's key, returning its trust level.
// The first observed key for a peer ID is pinned; presenting a different
// key afterwards blocks nothing by itself but is reported per frame.
func (v *Validator) VerifyPeer(peerID core.PeerID, pubKey []byte) TrustLevel {
	v.mu.Lock()
	defer v.mu.Unlock()

	record := v.getOrCreateRecordLocked(peerID, pubKey)
	return record.Level
}

// VerifyFrame runs the full policy chain on an inbound frame.
// Order: blocked check, rate limit, payload size, TTL, key pin, signature,
// anomaly detection. The first violation wins.
func (v *Validator) VerifyFrame(frame *core.Frame, senderKey []byte) VerifyResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	record := v.getOrCreateRecordLocked(frame.Sender, senderKey)

	if record.Level == TrustBlocked {
		return VerifyResult{VerdictDeny, "peer is blocked"}
	}

	if allowed, err := v.rateLimiter.AllowFrame(frame.Sender); !allowed {
		v.warnLocked(record, "rate limit")
		return VerifyResult{VerdictDeny, err.Error()}
	}

	if len(frame.Payload) > v.maxPayloadSize {
		v.warnLocked(record, "payload size")
		return VerifyResult{VerdictDeny, fmt.Sprintf("payload %d exceeds limit %d", len(frame.Payload), v.maxPayloadSize)}
	}

	if frame.TTL > v.maxTTL || frame.TTL < 0 {
		v.warnLocked(record, "ttl")
		return VerifyResult{VerdictDeny, fmt.Sprintf("ttl %d outside [0,%d]", frame.TTL, v.maxTTL)}
	}

	if len(senderKey) > 0 && len(record.KeyFingerprint) > 0 && keyFingerprint(senderKey) != record.KeyFingerprint {
		v.warnLocked(record, "fingerprint mismatch")
		v.reportCheatLocked(frame.Sender, "key fingerprint mismatch", senderKey)
		return VerifyResult{VerdictDeny, "key fingerprint does not match pinned key"}
	}

	if v.signatureRequired(frame.Kind) {
		if len(frame.Signature) == 0 {
			v.warnLocked(record, "missing signature")
			return VerifyResult{VerdictDeny, fmt.Sprintf("%s frame requires signature", frame.Kind)}
		}
		if !identity.VerifyFrame(ed25519.PublicKey(record.PublicKey), frame) {
			v.warnLocked(record, "bad signature")
			return VerifyResult{VerdictDeny, "signature verification failed"}
		}
	}

	if reason := detectAnomaly(frame); reason != "" {
		v.reportCheatLocked(frame.Sender, reason, frame.Payload)
		return VerifyResult{VerdictQuarantine, reason}
	}

	v.recordGoodFrameLocked(record)
	return VerifyResult{VerdictAllow, ""}
}

// signatureRequired maps the configured security level onto frame kinds.
func (v *Validator) signatureRequired(kind core.FrameKind) bool {
	switch v.level {
	case core.SecurityPermissive:
		return false
	case core.SecurityStrict:
		return kind != core.FrameHeartbeat
	default:
		// Moderate: consensus-bearing traffic must be signed.
		switch kind {
		case core.FrameElection, core.FrameCrossShard, core.FrameStateSync, core.FrameCheckpoint:
			return true
		}
		return false
	}
}

// detectAnomaly flags structurally suspicious frames. Returns an empty
// string when the frame looks normal.
func detectAnomaly(frame *core.Frame) string {
	now := time.Now()
	if frame.Timestamp.After(now.Add(core.TimestampTolerance)) {
		return "timestamp too far in the future"
	}
	if frame.Timestamp.Before(now.Add(-core.TimestampTolerance)) {
		return "timestamp too far in the past"
	}

	// Large payloads of a single repeated byte are padding floods, not game
	// traffic.
	if len(frame.Payload) >= 1024 {
		first := frame.Payload[0]
		uniform := true
		for _, b := range frame.Payload[1:] {
			if b != first {
				uniform = false
				break
			}
		}
		if uniform {
			return "degenerate uniform payload"
		}
	}

	return ""
}

// getOrCreateRecordLocked pins the first non-empty key a peer presents. A
// peer first seen keyless gets its key pinned on first presentation.
func (v *Validator) getOrCreateRecordLocked(peerID core.PeerID, pubKey []byte) *TrustRecord {
	record, exists := v.records[peerID]
	if !exists {
		record = &TrustRecord{
			PeerID:    peerID,
			Level:     TrustUnknown,
			FirstSeen: time.Now(),
		}
		v.records[peerID] = record
	}
	if len(record.PublicKey) == 0 && len(pubKey) > 0 {
		record.PublicKey = pubKey
		record.KeyFingerprint = keyFingerprint(pubKey)
		v.persistRecord(record)
	}
	record.LastSeen = time.Now()
	return record
}

func (v *Validator) warnLocked(record *TrustRecord, cause string) {
	record.WarningCount++
	if record.WarningCount >= blockWarningThreshold && record.Level != TrustBlocked {
		record.Level = TrustBlocked
		v.logger.WarnWithFields("Peer blocked for repeated violations", map[string]interface{}{
			"peer":     record.PeerID.Short(),
			"warnings": record.WarningCount,
			"cause":    cause,
		})
		v.reportCheatLocked(record.PeerID, "blocked after repeated violations: "+cause, nil)
	}
	v.persistRecord(record)
}

func (v *Validator) recordGoodFrameLocked(record *TrustRecord) {
	record.VerifiedCount++
	if record.Level == TrustUnknown && record.VerifiedCount >= basicPromotionThreshold {
		record.Level = TrustBasic
		v.persistRecord(record)
	}
}

func (v *Validator) reportCheatLocked(peer core.PeerID, reason string, evidence []byte) {
	if v.onCheat != nil {
		v.onCheat(peer, reason, evidence)
	}
}

// Promote raises a peer to Verified or Trusted. This is an administrative
// action and is never triggered by traffic alone.
func (v *Validator) Promote(peerID core.PeerID, level TrustLevel) error {
	if level != TrustVerified && level != TrustTrusted {
		return fmt.Errorf("can only promote to verified or trusted, got %s", level)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	record, exists := v.records[peerID]
	if !exists {
		return fmt.Errorf("unknown peer %s", peerID.Short())
	}
	if record.Level == TrustBlocked {
		return fmt.Errorf("peer %s is blocked", peerID.Short())
	}

	record.Level = level
	v.persistRecord(record)
	v.rateLimiter.ResetPeer(peerID)
	return nil
}

// Block permanently blocks a peer.
func (v *Validator) Block(peerID core.PeerID, reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	record := v.getOrCreateRecordLocked(peerID, nil)
	record.Level = TrustBlocked
	v.persistRecord(record)
	v.logger.WarnWithFields("Peer blocked", map[string]interface{}{
		"peer":   peerID.Short(),
		"reason": reason,
	})
}

func (v *Validator) TrustLevelOf(peerID core.PeerID) TrustLevel {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if record, exists := v.records[peerID]; exists {
		return record.Level
	}
	return TrustUnknown
}

func (v *Validator) PublicKeyOf(peerID core.PeerID) []byte {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if record, exists := v.records[peerID]; exists {
		return record.PublicKey
	}
	return nil
}

// Stats returns a snapshot of trust state for diagnostics.
func (v *Validator) Stats() map[string]interface{} {
	v.mu.RLock()
	defer v.mu.RUnlock()

	byLevel := make(map[string]int)
	for _, record := range v.records {
		byLevel[record.Level.String()]++
	}

	return map[string]interface{}{
		"known_peers": len(v.records),
		"by_level":    byLevel,
		"banned":      len(v.rateLimiter.GetBannedPeers()),
	}
}
