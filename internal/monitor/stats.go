package monitor

import (
	"math"
	"sort"
	"sync"
	"time"
)

// BridgeStats collects speech latency samples and event counters for the
// /statusz endpoint. It maintains a bounded ring buffer of recent speech
// request durations from which percentiles are computed on demand.
//
// Thread-safe for concurrent use.
type BridgeStats struct {
	mu sync.Mutex

	speech latencyBuffer

	utterances int64
	bargeIns   int64
	errors     int64
}

// NewBridgeStats creates a BridgeStats with the given window size (maximum
// number of latency samples retained).
func NewBridgeStats(windowSize int) *BridgeStats {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &BridgeStats{
		speech: newLatencyBuffer(windowSize),
	}
}

// RecordSpeech records the duration of one completed speech request.
func (bs *BridgeStats) RecordSpeech(d time.Duration) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.speech.add(d)
}

// IncrUtterances increments the final-transcript counter.
func (bs *BridgeStats) IncrUtterances() {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.utterances++
}

// IncrBargeIns increments the barge-in counter.
func (bs *BridgeStats) IncrBargeIns() {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.bargeIns++
}

// IncrErrors increments the error counter.
func (bs *BridgeStats) IncrErrors() {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.errors++
}

// LatencyPercentiles holds p50 and p95 values for the speech stage.
type LatencyPercentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
}

// StatsSnapshot captures a point-in-time view of all bridge statistics.
type StatsSnapshot struct {
	Speech     LatencyPercentiles `json:"speech"`
	Utterances int64              `json:"utterances"`
	BargeIns   int64              `json:"bargeIns"`
	Errors     int64              `json:"errors"`
}

// Snapshot returns a point-in-time view of all bridge statistics.
func (bs *BridgeStats) Snapshot() StatsSnapshot {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	return StatsSnapshot{
		Speech:     bs.speech.percentiles(),
		Utterances: bs.utterances,
		BargeIns:   bs.bargeIns,
		Errors:     bs.errors,
	}
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	size int
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{
		data: make([]time.Duration, size),
		size: size,
	}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos >= lb.size {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.pos
	if lb.full {
		n = lb.size
	}
	if n == 0 {
		return LatencyPercentiles{}
	}

	// Copy and sort the valid samples.
	sorted := make([]time.Duration, n)
	if lb.full {
		copy(sorted, lb.data)
	} else {
		copy(sorted, lb.data[:n])
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencyPercentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the value at the given percentile (0.0-1.0) from a
// sorted slice of durations using nearest-rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
