package sync

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"dicemesh/pkg/core"
	"dicemesh/pkg/logging"
	"dicemesh/pkg/utils"
)

type PartitionStatus string

const (
	PartitionHealthy     PartitionStatus = "healthy"
	PartitionSuspected   PartitionStatus = "suspected"
	PartitionPartitioned PartitionStatus = "partitioned"
)

const (
	partitionThreshold = 0.33
	suspectedThreshold = 0.67
)

// RecoveryHooks are the actions the detector can take on behalf of a
// recovery strategy. Any hook may be nil; the strategy then degrades to
// logging only.
type RecoveryHooks struct {
	// Reconnect attempts to re-establish a link to an unreachable peer.
	Reconnect func(peer core.PeerID) error
	// CanonicalSnapshot returns the best majority-signed snapshot known
	// to this side of the partition, or nil.
	CanonicalSnapshot func() *core.GameStateSnapshot
	// AdoptCanonical replaces local state with a verified snapshot.
	AdoptCanonical func(cp *core.GameStateSnapshot) error
	// Rollback reverts to the last finalized checkpoint.
	Rollback func() error
	// ExcludePeer removes a flagged peer from the member set.
	ExcludePeer func(peer core.PeerID, reason string)
}

// PartitionDetector tracks peer liveness and reported network views to
// decide whether this node is cut off from the session, and drives the
// configured recovery strategy when it is.
type PartitionDetector struct {
	mu sync.RWMutex

	localID          core.PeerID
	mode             core.RecoveryMode
	heartbeatTimeout time.Duration
	members          MemberSetFunc
	hooks            RecoveryHooks
	logger           *logging.StructuredLogger

	heartbeats map[core.PeerID]time.Time
	views      map[core.PeerID][]core.PeerID
	flagged    map[core.PeerID]string

	status            PartitionStatus
	recoveryAttempts  int
	recoveryStartedAt time.Time
	partitionsTotal   uint64
	recoveriesTotal   uint64

	onStatusChange func(old, new PartitionStatus)
}

func NewPartitionDetector(localID core.PeerID, mode core.RecoveryMode,
	heartbeatTimeout time.Duration, members MemberSetFunc,
	hooks RecoveryHooks, logger *logging.StructuredLogger) *PartitionDetector {

	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = core.HeartbeatTimeout
	}

	return &PartitionDetector{
		localID:          localID,
		mode:             mode,
		heartbeatTimeout: heartbeatTimeout,
		members:          members,
		hooks:            hooks,
		logger:           logger.WithField("component", "partition_detector"),
		heartbeats:       make(map[core.PeerID]time.Time),
		views:            make(map[core.PeerID][]core.PeerID),
		flagged:          make(map[core.PeerID]string),
		status:           PartitionHealthy,
	}
}

func (pd *PartitionDetector) SetStatusChangeHandler(fn func(old, new PartitionStatus)) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.onStatusChange = fn
}

func (pd *PartitionDetector) UpdateHeartbeat(peer core.PeerID) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.heartbeats[peer] = time.Now()
}

// UpdateHeartbeats replaces the liveness table wholesale, for callers
// that already track last-seen times (the mesh service does).
func (pd *PartitionDetector) UpdateHeartbeats(seen map[core.PeerID]time.Time) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	for peer, at := range seen {
		if at.After(pd.heartbeats[peer]) {
			pd.heartbeats[peer] = at
		}
	}
}

// ReportNetworkView records which members a peer claims to reach.
// A peer whose view diverges from ours corroborates a partition that
// heartbeat loss alone cannot distinguish from individual churn.
func (pd *PartitionDetector) ReportNetworkView(peer core.PeerID, view []core.PeerID) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.views[peer] = view
}

// MarkByzantine excludes a flagged peer from liveness accounting so a
// misbehaving minority cannot hold the detector in a partitioned state.
func (pd *PartitionDetector) MarkByzantine(peer core.PeerID, reason string) {
	pd.mu.Lock()
	pd.flagged[peer] = reason
	delete(pd.heartbeats, peer)
	delete(pd.views, peer)
	exclude := pd.hooks.ExcludePeer
	pd.mu.Unlock()

	pd.logger.WarnWithFields("🚫 Excluding byzantine peer from liveness accounting", map[string]interface{}{
		"peer":   peer.Short(),
		"reason": reason,
	})
	if exclude != nil {
		exclude(peer, reason)
	}
}

// CheckPartitionStatus recomputes the partition state from heartbeat
// recency and view divergence. Reachable ratio below one-third means
// partitioned; below two-thirds means suspected, upgraded to
// partitioned when a majority of the still-reachable peers report a
// network view that disagrees with ours.
func (pd *PartitionDetector) CheckPartitionStatus() PartitionStatus {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	total, reachable := pd.countReachableLocked()
	if total == 0 {
		return pd.setStatusLocked(PartitionHealthy)
	}

	ratio := float64(reachable) / float64(total)
	switch {
	case ratio < partitionThreshold:
		return pd.setStatusLocked(PartitionPartitioned)
	case ratio < suspectedThreshold:
		if pd.viewsDivergeLocked() {
			return pd.setStatusLocked(PartitionPartitioned)
		}
		return pd.setStatusLocked(PartitionSuspected)
	default:
		return pd.setStatusLocked(PartitionHealthy)
	}
}

func (pd *PartitionDetector) countReachableLocked() (total, reachable int) {
	now := time.Now()
	for _, m := range pd.members() {
		if m == pd.localID || pd.flagged[m] != "" {
			continue
		}
		total++
		if last, ok := pd.heartbeats[m]; ok && now.Sub(last) < pd.heartbeatTimeout {
			reachable++
		}
	}
	return total, reachable
}

func (pd *PartitionDetector) viewsDivergeLocked() bool {
	local := pd.reachableSetLocked()
	diverging, reporting := 0, 0

	for peer, view := range pd.views {
		if pd.flagged[peer] != "" {
			continue
		}
		reporting++
		missing := 0
		for member := range local {
			found := false
			for _, v := range view {
				if v == member {
					found = true
					break
				}
			}
			if !found {
				missing++
			}
		}
		if missing*2 > len(local) {
			diverging++
		}
	}

	return reporting > 0 && diverging*2 > reporting
}

func (pd *PartitionDetector) reachableSetLocked() map[core.PeerID]bool {
	now := time.Now()
	out := make(map[core.PeerID]bool)
	for _, m := range pd.members() {
		if m == pd.localID || pd.flagged[m] != "" {
			continue
		}
		if last, ok := pd.heartbeats[m]; ok && now.Sub(last) < pd.heartbeatTimeout {
			out[m] = true
		}
	}
	return out
}

func (pd *PartitionDetector) setStatusLocked(next PartitionStatus) PartitionStatus {
	if next == pd.status {
		return next
	}

	old := pd.status
	pd.status = next

	switch next {
	case PartitionPartitioned:
		pd.partitionsTotal++
		pd.recoveryAttempts = 0
		pd.recoveryStartedAt = time.Now()
		pd.logger.WarnWithFields("⚠️ Network partition detected", map[string]interface{}{
			"mode": string(pd.mode),
		})
	case PartitionHealthy:
		if old == PartitionPartitioned {
			pd.recoveriesTotal++
			pd.logger.Info("✅ Partition healed")
		}
	}

	if pd.onStatusChange != nil {
		go pd.onStatusChange(old, next)
	}
	return next
}

// Recover runs one round of the configured recovery strategy. It is a
// no-op while the detector considers the network healthy. Attempts are
// bounded; once exhausted within the recovery window the error carries
// the consensus-timeout kind so the operator surface can report it.
func (pd *PartitionDetector) Recover() error {
	pd.mu.Lock()

	if pd.status != PartitionPartitioned {
		pd.mu.Unlock()
		return nil
	}

	if pd.recoveryAttempts >= core.MaxRecoveryAttempts &&
		time.Since(pd.recoveryStartedAt) < core.RecoveryTimeout {
		pd.mu.Unlock()
		return utils.NewMeshError(utils.KindConsensusTimeout, "partition_detector",
			fmt.Errorf("recovery attempts exhausted (%d)", core.MaxRecoveryAttempts))
	}
	if time.Since(pd.recoveryStartedAt) >= core.RecoveryTimeout {
		pd.recoveryAttempts = 0
		pd.recoveryStartedAt = time.Now()
	}

	pd.recoveryAttempts++
	attempt := pd.recoveryAttempts
	mode := pd.mode
	hooks := pd.hooks
	unreachable := pd.unreachableLocked()
	peers, reachable := pd.countReachableLocked()
	total := peers + 1 // flagged peers do not count toward majority
	pd.mu.Unlock()

	pd.logger.InfoWithFields("🔧 Running partition recovery", map[string]interface{}{
		"mode":    string(mode),
		"attempt": attempt,
	})

	switch mode {
	case core.RecoveryWaitForHeal:
		// Passive: heartbeats resuming will flip the status back.
		return nil

	case core.RecoveryActiveReconnect:
		if hooks.Reconnect == nil {
			return nil
		}
		var lastErr error
		for _, peer := range unreachable {
			if err := hooks.Reconnect(peer); err != nil {
				lastErr = err
			}
		}
		return lastErr

	case core.RecoveryMajorityRule:
		// Continue only when this side holds a strict majority of the
		// session, counting ourselves.
		if (reachable+1)*2 > total {
			return nil
		}
		return utils.NewMeshError(utils.KindConsensusTimeout, "partition_detector",
			fmt.Errorf("minority side of partition (%d/%d), halting consensus", reachable+1, total))

	case core.RecoverySplitBrain:
		if hooks.CanonicalSnapshot == nil || hooks.AdoptCanonical == nil {
			return nil
		}
		cp := hooks.CanonicalSnapshot()
		if cp == nil {
			return fmt.Errorf("no canonical snapshot available")
		}
		return hooks.AdoptCanonical(cp)

	case core.RecoveryRollback:
		if hooks.Rollback == nil {
			return nil
		}
		return hooks.Rollback()

	default:
		return fmt.Errorf("unknown recovery mode %q", mode)
	}
}

func (pd *PartitionDetector) unreachableLocked() []core.PeerID {
	now := time.Now()
	var out []core.PeerID
	for _, m := range pd.members() {
		if m == pd.localID || pd.flagged[m] != "" {
			continue
		}
		if last, ok := pd.heartbeats[m]; !ok || now.Sub(last) >= pd.heartbeatTimeout {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ShouldHaltConsensus reports whether coordination should pause: a
// partitioned node must not elect coordinators or commit checkpoints
// it cannot get quorum for.
func (pd *PartitionDetector) ShouldHaltConsensus() bool {
	pd.mu.RLock()
	defer pd.mu.RUnlock()
	return pd.status == PartitionPartitioned
}

func (pd *PartitionDetector) GetStatus() PartitionStatus {
	pd.mu.RLock()
	defer pd.mu.RUnlock()
	return pd.status
}

func (pd *PartitionDetector) GetConnectedPeerCount() int {
	pd.mu.RLock()
	defer pd.mu.RUnlock()
	_, reachable := pd.countReachableLocked()
	return reachable
}

func (pd *PartitionDetector) Stats() map[string]interface{} {
	pd.mu.RLock()
	defer pd.mu.RUnlock()

	total, reachable := pd.countReachableLocked()
	return map[string]interface{}{
		"status":            string(pd.status),
		"mode":              string(pd.mode),
		"reachable_peers":   reachable,
		"total_peers":       total,
		"flagged_peers":     len(pd.flagged),
		"recovery_attempts": pd.recoveryAttempts,
		"partitions_total":  pd.partitionsTotal,
		"recoveries_total":  pd.recoveriesTotal,
	}
}
