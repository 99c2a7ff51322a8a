package security

import (
	"bytes"
	"testing"
	"time"

	"dicemesh/pkg/core"
	"dicemesh/pkg/identity"
	"dicemesh/pkg/logging"
)

func newTestValidator(t *testing.T, level core.SecurityLevel) *Validator {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.SecurityLevel = level
	logger := logging.NewStructuredLogger(logging.ERROR, false)
	v, err := NewValidator(cfg, nil, logger)
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}
	return v
}

func newTestPeer(t *testing.T) *identity.Identity {
	t.Helper()
	mnemonic, err := identity.GenerateMnemonic()
	if err != nil {
		t.Fatalf("Failed to generate mnemonic: %v", err)
	}
	id, err := identity.NewIdentityFromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("Failed to derive identity: %v", err)
	}
	return id
}

func signedFrame(t *testing.T, id *identity.Identity, kind core.FrameKind, payload []byte) *core.Frame {
	t.Helper()
	frame := &core.Frame{
		Sender:    id.PeerID,
		Kind:      kind,
		Payload:   payload,
		TTL:       3,
		Timestamp: time.Now(),
	}
	if err := id.SignFrame(frame); err != nil {
		t.Fatalf("Failed to sign frame: %v", err)
	}
	return frame
}

func TestValidFrameAllowed(t *testing.T) {
	v := newTestValidator(t, core.SecurityModerate)
	peer := newTestPeer(t)

	frame := signedFrame(t, peer, core.FrameGameMove, []byte(`{"move":"roll"}`))
	result := v.VerifyFrame(frame, peer.PublicKey)
	if result.Verdict != VerdictAllow {
		t.Errorf("Expected allow, got %s (%s)", result.Verdict, result.Reason)
	}
}

func TestPolicyChainDenies(t *testing.T) {
	v := newTestValidator(t, core.SecurityModerate)
	peer := newTestPeer(t)

	oversized := signedFrame(t, peer, core.FrameGameMove, make([]byte, core.MaxPayloadSize+1))
	if result := v.VerifyFrame(oversized, peer.PublicKey); result.Verdict != VerdictDeny {
		t.Errorf("Oversized payload should be denied, got %s", result.Verdict)
	}

	badTTL := signedFrame(t, peer, core.FrameGameMove, []byte("x"))
	badTTL.TTL = core.MaxTTL + 1
	if result := v.VerifyFrame(badTTL, peer.PublicKey); result.Verdict != VerdictDeny {
		t.Errorf("Excessive TTL should be denied, got %s", result.Verdict)
	}
}

func TestFingerprintPinning(t *testing.T) {
	v := newTestValidator(t, core.SecurityModerate)
	peer := newTestPeer(t)
	impostor := newTestPeer(t)

	frame := signedFrame(t, peer, core.FrameGameMove, []byte("legit"))
	if result := v.VerifyFrame(frame, peer.PublicKey); result.Verdict != VerdictAllow {
		t.Fatalf("First contact should be allowed, got %s (%s)", result.Verdict, result.Reason)
	}

	// Same peer ID, different key: spoofing attempt.
	spoofed := signedFrame(t, impostor, core.FrameGameMove, []byte("spoof"))
	spoofed.Sender = peer.PeerID
	result := v.VerifyFrame(spoofed, impostor.PublicKey)
	if result.Verdict != VerdictDeny {
		t.Errorf("Key mismatch should be denied, got %s", result.Verdict)
	}

	t.Log("✅ Fingerprint pinning blocks identity spoofing")
}

func TestSignatureRequirementByLevel(t *testing.T) {
	peer := newTestPeer(t)

	unsigned := &core.Frame{
		Sender:    peer.PeerID,
		Kind:      core.FrameElection,
		Payload:   []byte("vote"),
		TTL:       2,
		Timestamp: time.Now(),
	}

	permissive := newTestValidator(t, core.SecurityPermissive)
	if result := permissive.VerifyFrame(unsigned, peer.PublicKey); result.Verdict != VerdictAllow {
		t.Errorf("Permissive level should allow unsigned election frame, got %s", result.Verdict)
	}

	moderate := newTestValidator(t, core.SecurityModerate)
	if result := moderate.VerifyFrame(unsigned, peer.PublicKey); result.Verdict != VerdictDeny {
		t.Errorf("Moderate level should deny unsigned election frame, got %s", result.Verdict)
	}

	strict := newTestValidator(t, core.SecurityStrict)
	unsignedMove := &core.Frame{
		Sender:    peer.PeerID,
		Kind:      core.FrameGameMove,
		Payload:   []byte("roll"),
		TTL:       2,
		Timestamp: time.Now(),
	}
	if result := strict.VerifyFrame(unsignedMove, peer.PublicKey); result.Verdict != VerdictDeny {
		t.Errorf("Strict level should deny unsigned game move, got %s", result.Verdict)
	}

	heartbeat := &core.Frame{
		Sender:    peer.PeerID,
		Kind:      core.FrameHeartbeat,
		TTL:       1,
		Timestamp: time.Now(),
	}
	if result := strict.VerifyFrame(heartbeat, peer.PublicKey); result.Verdict != VerdictAllow {
		t.Errorf("Strict level should still allow heartbeats, got %s (%s)", result.Verdict, result.Reason)
	}
}

func TestAnomalyQuarantine(t *testing.T) {
	v := newTestValidator(t, core.SecurityPermissive)
	peer := newTestPeer(t)

	var flagged core.PeerID
	v.SetCheatReporter(func(p core.PeerID, reason string, evidence []byte) {
		flagged = p
	})

	stale := &core.Frame{
		Sender:    peer.PeerID,
		Kind:      core.FrameGameMove,
		Payload:   []byte("old news"),
		TTL:       2,
		Timestamp: time.Now().Add(-core.TimestampTolerance - time.Minute),
	}
	if result := v.VerifyFrame(stale, peer.PublicKey); result.Verdict != VerdictQuarantine {
		t.Errorf("Stale timestamp should quarantine, got %s", result.Verdict)
	}

	uniform := &core.Frame{
		Sender:    peer.PeerID,
		Kind:      core.FrameGameMove,
		Payload:   bytes.Repeat([]byte{0xAA}, 4096),
		TTL:       2,
		Timestamp: time.Now(),
	}
	if result := v.VerifyFrame(uniform, peer.PublicKey); result.Verdict != VerdictQuarantine {
		t.Errorf("Uniform payload should quarantine, got %s", result.Verdict)
	}

	if flagged != peer.PeerID {
		t.Error("Quarantine should report cheat evidence")
	}
}

func TestWarningsEscalateToBlock(t *testing.T) {
	v := newTestValidator(t, core.SecurityModerate)
	peer := newTestPeer(t)

	// Register the peer with a clean frame first.
	clean := signedFrame(t, peer, core.FrameGameMove, []byte("ok"))
	v.VerifyFrame(clean, peer.PublicKey)

	for i := 0; i < blockWarningThreshold; i++ {
		bad := signedFrame(t, peer, core.FrameGameMove, make([]byte, core.MaxPayloadSize+1))
		v.VerifyFrame(bad, peer.PublicKey)
	}

	if v.TrustLevelOf(peer.PeerID) != TrustBlocked {
		t.Errorf("Expected blocked after %d violations, got %s", blockWarningThreshold, v.TrustLevelOf(peer.PeerID))
	}

	// Everything from a blocked peer is denied, even clean frames.
	again := signedFrame(t, peer, core.FrameGameMove, []byte("please"))
	if result := v.VerifyFrame(again, peer.PublicKey); result.Verdict != VerdictDeny {
		t.Errorf("Blocked peer should be denied, got %s", result.Verdict)
	}

	t.Log("✅ Repeated violations escalate to a block")
}

func TestManualPromotion(t *testing.T) {
	v := newTestValidator(t, core.SecurityModerate)
	peer := newTestPeer(t)

	v.VerifyPeer(peer.PeerID, peer.PublicKey)

	if err := v.Promote(peer.PeerID, TrustBlocked); err == nil {
		t.Error("Promotion to blocked should be rejected")
	}

	if err := v.Promote(peer.PeerID, TrustTrusted); err != nil {
		t.Fatalf("Promotion failed: %v", err)
	}
	if v.TrustLevelOf(peer.PeerID) != TrustTrusted {
		t.Errorf("Expected trusted, got %s", v.TrustLevelOf(peer.PeerID))
	}

	if err := v.Promote("ghost", TrustVerified); err == nil {
		t.Error("Promoting an unknown peer should fail")
	}
}

func TestRateLimiterBansRepeatOffenders(t *testing.T) {
	rl := NewRateLimiter(3, 1024)
	peer := core.PeerID("dmtestpeer00000000000000000000000000000000")

	for i := 0; i < 3; i++ {
		if ok, err := rl.AllowFrame(peer); !ok {
			t.Fatalf("Frame %d within budget rejected: %v", i, err)
		}
	}

	banned := false
	for i := 0; i < 6; i++ {
		if _, err := rl.AllowFrame(peer); err != nil {
			// Fifth violation trips the ban.
			banned = len(rl.GetBannedPeers()) > 0
		}
	}

	if !banned {
		t.Error("Expected peer to be banned after repeated violations")
	}
}
