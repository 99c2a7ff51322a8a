package mesh

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"dicemesh/pkg/core"
)

// Fingerprint identifies a message for deduplication. It is derived from
// (sender, payload, time bucket) so the same content relayed by different
// peers maps to one entry, and clock skew within a bucket does not split
// entries.
type Fingerprint [20]byte

func FingerprintOf(frame *core.Frame) Fingerprint {
	bucket := frame.Timestamp.Unix() / int64(core.DedupBucket/time.Second)

	h := sha256.New()
	h.Write([]byte(frame.Sender))
	h.Write(frame.Payload)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(bucket))
	h.Write(buf[:])

	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// DedupResult reports what the deduplicator decided about one frame.
type DedupResult struct {
	New           bool
	SeenCount     int
	ShouldForward bool
}

type dedupEntry struct {
	FirstSeen     time.Time
	LastSeen      time.Time
	LastForwarded time.Time
	SeenCount     int
	Denied        bool
	Sources       map[core.PeerID]struct{}
}

// Deduplicator filters re-broadcast duplicates. A Bloom filter gates the
// exact LRU table; the per-entry source list drives the duplicate
// re-forward heuristic.
type Deduplicator struct {
	mu      sync.Mutex
	bloom   *BloomFilter
	entries *lru.Cache[Fingerprint, *dedupEntry]

	entryTTL        time.Duration
	forwardCooldown time.Duration
	maxSources      int

	stopCh chan struct{}
	wg     sync.WaitGroup

	totalProcessed uint64
	totalDuplicate uint64
}

func NewDeduplicator() (*Deduplicator, error) {
	entries, err := lru.New[Fingerprint, *dedupEntry](core.MaxDedupEntries)
	if err != nil {
		return nil, err
	}

	return &Deduplicator{
		bloom:           NewBloomFilter(core.MaxDedupEntries, 0.01),
		entries:         entries,
		entryTTL:        core.DedupEntryTTL,
		forwardCooldown: core.ForwardCooldown,
		maxSources:      core.MaxForwardSources,
		stopCh:          make(chan struct{}),
	}, nil
}

// Process classifies a frame as New or Duplicate and decides whether a
// duplicate still deserves a re-broadcast.
func (d *Deduplicator) Process(frame *core.Frame, fromPeer core.PeerID) DedupResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.totalProcessed++
	fp := FingerprintOf(frame)
	now := time.Now()

	if d.bloom.MayContain(fp[:]) {
		if entry, ok := d.entries.Get(fp); ok {
			d.totalDuplicate++
			entry.SeenCount++
			entry.LastSeen = now
			entry.Sources[fromPeer] = struct{}{}

			forward := d.shouldForwardDuplicate(frame, entry, now)
			if forward {
				entry.LastForwarded = now
			}

			return DedupResult{
				New:           false,
				SeenCount:     entry.SeenCount,
				ShouldForward: forward,
			}
		}
		// Bloom false positive, treat as new.
	}

	entry := &dedupEntry{
		FirstSeen: now,
		LastSeen:  now,
		SeenCount: 1,
		Sources:   map[core.PeerID]struct{}{fromPeer: {}},
	}
	d.entries.Add(fp, entry)
	d.bloom.Add(fp[:])

	return DedupResult{New: true, SeenCount: 1, ShouldForward: frame.ShouldForward()}
}

// shouldForwardDuplicate suppresses the re-broadcast once the message has
// saturated: recently forwarded, seen from enough distinct relays, or out
// of hop budget.
func (d *Deduplicator) shouldForwardDuplicate(frame *core.Frame, entry *dedupEntry, now time.Time) bool {
	if entry.Denied {
		return false
	}
	if !frame.ShouldForward() {
		return false
	}
	if len(entry.Sources) >= d.maxSources {
		return false
	}
	if !entry.LastForwarded.IsZero() && now.Sub(entry.LastForwarded) < d.forwardCooldown {
		return false
	}
	return true
}

// MarkDenied records that the trust validator rejected this message, so
// later copies arriving from other relays are dropped instead of
// re-broadcast.
func (d *Deduplicator) MarkDenied(frame *core.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.entries.Get(FingerprintOf(frame)); ok {
		entry.Denied = true
	}
}

// SourcesOf returns how many distinct relays a fingerprint was seen from.
func (d *Deduplicator) SourcesOf(frame *core.Frame) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.entries.Peek(FingerprintOf(frame)); ok {
		return len(entry.Sources)
	}
	return 0
}

// StartSweeper runs the expiry sweep until Stop is called.
func (d *Deduplicator) StartSweeper(interval time.Duration) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Sweep()
			case <-d.stopCh:
				return
			}
		}
	}()
}

func (d *Deduplicator) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Sweep removes entries older than the TTL and rebuilds the Bloom filter
// from the survivors so stale bits age out.
func (d *Deduplicator) Sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-d.entryTTL)
	for _, fp := range d.entries.Keys() {
		if entry, ok := d.entries.Peek(fp); ok && entry.LastSeen.Before(cutoff) {
			d.entries.Remove(fp)
		}
	}

	d.bloom.Reset()
	for _, fp := range d.entries.Keys() {
		d.bloom.Add(fp[:])
	}
}

func (d *Deduplicator) Stats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	return map[string]interface{}{
		"entries":         d.entries.Len(),
		"processed_total": d.totalProcessed,
		"duplicate_total": d.totalDuplicate,
		"bloom_items":     d.bloom.ApproxItems(),
	}
}
