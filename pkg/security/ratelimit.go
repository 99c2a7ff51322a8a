package security

import (
	"fmt"
	"sync"
	"time"

	"dicemesh/pkg/core"
)

// RateLimiter enforces a per-sender sliding-window message budget.
type RateLimiter struct {
	windows map[core.PeerID]*senderWindow
	mu      sync.RWMutex

	maxPerMinute      int
	maxBytesPerSecond int64
}

type senderWindow struct {
	PeerID          core.PeerID
	Arrivals        []time.Time
	BytesThisSecond int64
	LastByteReset   time.Time
	ViolationCount  int
	LastViolation   time.Time
	LastSeen        time.Time
	IsBanned        bool
	BanExpiry       time.Time
}

func NewRateLimiter(maxPerMinute int, maxBytesPerSecond int64) *RateLimiter {
	return &RateLimiter{
		windows:           make(map[core.PeerID]*senderWindow),
		maxPerMinute:      maxPerMinute,
		maxBytesPerSecond: maxBytesPerSecond,
	}
}

// AllowFrame checks the sliding-window budget for one more frame from peer.
func (rl *RateLimiter) AllowFrame(peerID core.PeerID) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	win := rl.getOrCreateWindow(peerID, now)

	if win.IsBanned {
		if now.Before(win.BanExpiry) {
			return false, fmt.Errorf("peer %s is banned until %v", peerID.Short(), win.BanExpiry)
		}
		win.IsBanned = false
		win.ViolationCount = 0
	}

	// Drop arrivals that slid out of the one-minute window.
	cutoff := now.Add(-time.Minute)
	kept := win.Arrivals[:0]
	for _, t := range win.Arrivals {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	win.Arrivals = kept

	if len(win.Arrivals) >= rl.maxPerMinute {
		win.ViolationCount++
		win.LastViolation = now

		if win.ViolationCount >= 5 {
			win.IsBanned = true
			win.BanExpiry = now.Add(10 * time.Minute)
			return false, fmt.Errorf("peer %s banned for excessive rate limit violations", peerID.Short())
		}

		return false, fmt.Errorf("rate limit exceeded for peer %s", peerID.Short())
	}

	win.Arrivals = append(win.Arrivals, now)
	win.LastSeen = now
	return true, nil
}

// AllowBytes checks the per-second bandwidth budget for peer.
func (rl *RateLimiter) AllowBytes(peerID core.PeerID, bytes int64) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	win := rl.getOrCreateWindow(peerID, now)

	if now.Sub(win.LastByteReset) > time.Second {
		win.BytesThisSecond = 0
		win.LastByteReset = now
	}

	if win.BytesThisSecond+bytes > rl.maxBytesPerSecond {
		win.ViolationCount++
		win.LastViolation = now

		if win.ViolationCount >= 3 {
			win.IsBanned = true
			win.BanExpiry = now.Add(5 * time.Minute)
			return false, fmt.Errorf("peer %s banned for bandwidth abuse", peerID.Short())
		}

		return false, fmt.Errorf("bandwidth limit exceeded for peer %s", peerID.Short())
	}

	win.BytesThisSecond += bytes
	win.LastSeen = now
	return true, nil
}

func (rl *RateLimiter) getOrCreateWindow(peerID core.PeerID, now time.Time) *senderWindow {
	win, exists := rl.windows[peerID]
	if !exists {
		win = &senderWindow{
			PeerID:        peerID,
			LastByteReset: now,
			LastSeen:      now,
		}
		rl.windows[peerID] = win
	}
	return win
}

// ResetPeer clears accumulated violations, e.g. after successful promotion.
func (rl *RateLimiter) ResetPeer(peerID core.PeerID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if win, exists := rl.windows[peerID]; exists {
		win.Arrivals = nil
		win.ViolationCount = 0
		win.IsBanned = false
	}
}

func (rl *RateLimiter) BanPeer(peerID core.PeerID, duration time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	win := rl.getOrCreateWindow(peerID, time.Now())
	win.IsBanned = true
	win.BanExpiry = time.Now().Add(duration)
}

// CleanupStale removes window state for peers not seen recently.
func (rl *RateLimiter) CleanupStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for peerID, win := range rl.windows {
		if !win.IsBanned && now.Sub(win.LastSeen) > 10*time.Minute {
			delete(rl.windows, peerID)
		}
	}
}

// StartCleanupRoutine sweeps stale windows until stop is closed.
func (rl *RateLimiter) StartCleanupRoutine(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.CleanupStale()
			case <-stop:
				return
			}
		}
	}()
}

func (rl *RateLimiter) GetBannedPeers() []core.PeerID {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	banned := make([]core.PeerID, 0)
	now := time.Now()
	for peerID, win := range rl.windows {
		if win.IsBanned && now.Before(win.BanExpiry) {
			banned = append(banned, peerID)
		}
	}
	return banned
}
