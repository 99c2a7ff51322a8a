package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

type Registry struct {
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	mu         sync.RWMutex
}

type Counter struct {
	name  string
	help  string
	value int64
	mu    sync.Mutex
}

type Gauge struct {
	name  string
	help  string
	value float64
	mu    sync.Mutex
}

type Histogram struct {
	name    string
	help    string
	sum     float64
	count   int64
	buckets map[float64]int64
	mu      sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

func (r *Registry) RegisterCounter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if counter, exists := r.counters[name]; exists {
		return counter
	}

	counter := &Counter{
		name: name,
		help: help,
	}
	r.counters[name] = counter
	return counter
}

func (c *Counter) Inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
}

func (c *Counter) Add(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += delta
}

func (c *Counter) Get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (r *Registry) RegisterGauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gauge, exists := r.gauges[name]; exists {
		return gauge
	}

	gauge := &Gauge{
		name: name,
		help: help,
	}
	r.gauges[name] = gauge
	return gauge
}

func (g *Gauge) Set(value float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = value
}

func (g *Gauge) Inc() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value++
}

func (g *Gauge) Dec() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value--
}

func (g *Gauge) Get() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	if histogram, exists := r.histograms[name]; exists {
		return histogram
	}

	bucketMap := make(map[float64]int64)
	for _, bucket := range buckets {
		bucketMap[bucket] = 0
	}

	histogram := &Histogram{
		name:    name,
		help:    help,
		buckets: bucketMap,
	}
	r.histograms[name] = histogram
	return histogram
}

func (h *Histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += value
	h.count++

	for bucket := range h.buckets {
		if value <= bucket {
			h.buckets[bucket]++
		}
	}
}

func (h *Histogram) ObserveDuration(start time.Time) {
	duration := time.Since(start).Seconds()
	h.Observe(duration)
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.mu.RLock()
		defer r.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		for _, counter := range r.counters {
			fmt.Fprintf(w, "# HELP %s %s\n", counter.name, counter.help)
			fmt.Fprintf(w, "# TYPE %s counter\n", counter.name)
			fmt.Fprintf(w, "%s %d\n", counter.name, counter.Get())
		}

		for _, gauge := range r.gauges {
			fmt.Fprintf(w, "# HELP %s %s\n", gauge.name, gauge.help)
			fmt.Fprintf(w, "# TYPE %s gauge\n", gauge.name)
			fmt.Fprintf(w, "%s %f\n", gauge.name, gauge.Get())
		}

		for _, histogram := range r.histograms {
			histogram.mu.Lock()
			fmt.Fprintf(w, "# HELP %s %s\n", histogram.name, histogram.help)
			fmt.Fprintf(w, "# TYPE %s histogram\n", histogram.name)

			for bucket, count := range histogram.buckets {
				fmt.Fprintf(w, "%s_bucket{le=\"%f\"} %d\n", histogram.name, bucket, count)
			}
			fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", histogram.name, histogram.count)
			fmt.Fprintf(w, "%s_sum %f\n", histogram.name, histogram.sum)
			fmt.Fprintf(w, "%s_count %d\n", histogram.name, histogram.count)
			histogram.mu.Unlock()
		}
	}
}

// MeshMetrics groups the counters and gauges the mesh components report.
type MeshMetrics struct {
	FramesReceived      *Counter
	DuplicatesDropped   *Counter
	FramesForwarded     *Counter
	QueueDepth          *Gauge
	QueueEvictions      *Counter
	DeliveryFailures    *Counter
	DeliveryTime        *Histogram
	FramesRejected      *Counter
	PeersQuarantined    *Counter
	PeersBlocked        *Counter
	ElectionsDecided    *Counter
	ViewChanges         *Counter
	CrossShardCommitted *Counter
	CrossShardAborted   *Counter
	ShardCount          *Gauge
	PeerCount           *Gauge
	SyncStatus          *Gauge
	CheckpointsCreated  *Counter
	PartitionsDetected  *Counter
	RecoveriesCompleted *Counter
}

func NewMeshMetrics(r *Registry) *MeshMetrics {
	return &MeshMetrics{
		FramesReceived: r.RegisterCounter(
			"dicemesh_frames_received_total",
			"Total number of frames received from the network",
		),
		DuplicatesDropped: r.RegisterCounter(
			"dicemesh_frames_duplicate_total",
			"Total number of duplicate frames suppressed",
		),
		FramesForwarded: r.RegisterCounter(
			"dicemesh_frames_forwarded_total",
			"Total number of frames re-broadcast to peers",
		),
		QueueDepth: r.RegisterGauge(
			"dicemesh_queue_depth",
			"Number of frames waiting in the delivery queue",
		),
		QueueEvictions: r.RegisterCounter(
			"dicemesh_queue_evictions_total",
			"Total number of frames evicted to make room for higher classes",
		),
		DeliveryFailures: r.RegisterCounter(
			"dicemesh_delivery_failures_total",
			"Total number of frames that exhausted their retries",
		),
		DeliveryTime: r.RegisterHistogram(
			"dicemesh_delivery_seconds",
			"Time from enqueue to acknowledged delivery",
			[]float64{0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 15.0, 30.0},
		),
		FramesRejected: r.RegisterCounter(
			"dicemesh_frames_rejected_total",
			"Total number of frames denied by validation",
		),
		PeersQuarantined: r.RegisterCounter(
			"dicemesh_peers_quarantined_total",
			"Total number of peers placed under quarantine",
		),
		PeersBlocked: r.RegisterCounter(
			"dicemesh_peers_blocked_total",
			"Total number of peers blocked for repeated violations",
		),
		ElectionsDecided: r.RegisterCounter(
			"dicemesh_elections_decided_total",
			"Total number of coordinator elections that reached agreement",
		),
		ViewChanges: r.RegisterCounter(
			"dicemesh_view_changes_total",
			"Total number of election view changes after timeouts",
		),
		CrossShardCommitted: r.RegisterCounter(
			"dicemesh_crossshard_committed_total",
			"Total number of cross-shard operations committed",
		),
		CrossShardAborted: r.RegisterCounter(
			"dicemesh_crossshard_aborted_total",
			"Total number of cross-shard operations aborted",
		),
		ShardCount: r.RegisterGauge(
			"dicemesh_shards_active",
			"Number of active shards",
		),
		PeerCount: r.RegisterGauge(
			"dicemesh_peers_connected",
			"Number of connected peers",
		),
		SyncStatus: r.RegisterGauge(
			"dicemesh_sync_status",
			"Sync status (1=synced, 0=syncing)",
		),
		CheckpointsCreated: r.RegisterCounter(
			"dicemesh_checkpoints_total",
			"Total number of state checkpoints created",
		),
		PartitionsDetected: r.RegisterCounter(
			"dicemesh_partitions_detected_total",
			"Total number of network partition events detected",
		),
		RecoveriesCompleted: r.RegisterCounter(
			"dicemesh_recoveries_completed_total",
			"Total number of partition recoveries completed",
		),
	}
}
