package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/torosent/wsramp/internal/clientmetrics"
)

// LatencySample is one delivery measurement for a timed message.
type LatencySample struct {
	SentAt     time.Time
	ReceivedAt time.Time
	DelayMs    float64
}

// NewLatencySample computes the delay between send and receipt. The delay is
// negative only when the publisher's clock runs ahead of ours.
func NewLatencySample(sentAt, receivedAt time.Time) LatencySample {
	return LatencySample{
		SentAt:     sentAt,
		ReceivedAt: receivedAt,
		DelayMs:    float64(receivedAt.Sub(sentAt)) / float64(time.Millisecond),
	}
}

// FailureKind classifies what went wrong in a session.
type FailureKind string

const (
	FailureConnection        FailureKind = "connection"
	FailureTransport         FailureKind = "transport"
	FailureResourceExhausted FailureKind = "resource_exhausted"
	FailureAborted           FailureKind = "aborted"
	FailureProtocol          FailureKind = "protocol"
	FailureCloseTimeout      FailureKind = "close_timeout"
)

// SessionFailure reports whether the kind ends a session in the errored
// state because of the broker or the network.
func (k FailureKind) SessionFailure() bool {
	switch k {
	case FailureConnection, FailureTransport, FailureResourceExhausted:
		return true
	default:
		return false
	}
}

// Collector records latency samples and session outcomes in a thread-safe manner.
type Collector struct {
	mu    sync.Mutex
	start time.Time

	delays   []float64
	sumDelay float64
	minDelay float64
	maxDelay float64
	skewed   int64
	hist     *hdrhistogram.Histogram

	states         map[string]int64
	failures       map[FailureKind]map[string]int64
	sessionsFailed int64
	protocolErrors int64
	closeTimeouts  int64
	aborted        int64

	traffic clientmetrics.Snapshot
	history []DataPoint
}

func NewCollector() *Collector {
	// Track delays from 1µs up to 60s with 3 significant figures.
	h := hdrhistogram.New(1, 60_000_000, 3)
	return &Collector{
		hist:     h,
		states:   make(map[string]int64),
		failures: make(map[FailureKind]map[string]int64),
		start:    time.Now(),
	}
}

// Start resets the reference time used for rates and history.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = time.Now()
	c.history = nil
}

// StartedAt returns the reference time set by Start.
func (c *Collector) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start
}

// RecordLatency stores one delay sample.
func (c *Collector) RecordLatency(sample LatencySample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := sample.DelayMs
	if len(c.delays) == 0 || d < c.minDelay {
		c.minDelay = d
	}
	if len(c.delays) == 0 || d > c.maxDelay {
		c.maxDelay = d
	}
	c.delays = append(c.delays, d)
	c.sumDelay += d

	if d < 0 {
		c.skewed++
		return
	}
	us := int64(d * 1000)
	if us < c.hist.LowestTrackableValue() {
		us = c.hist.LowestTrackableValue()
	}
	if us > c.hist.HighestTrackableValue() {
		us = c.hist.HighestTrackableValue()
	}
	_ = c.hist.RecordValue(us)
}

// RecordState counts a session entering the named state.
func (c *Collector) RecordState(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[state]++
}

// RecordFailure buckets err under kind using a readable label.
func (c *Collector) RecordFailure(kind FailureKind, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case kind.SessionFailure():
		c.sessionsFailed++
	case kind == FailureProtocol:
		c.protocolErrors++
	case kind == FailureCloseTimeout:
		c.closeTimeouts++
	case kind == FailureAborted:
		c.aborted++
	}

	bucket := c.failures[kind]
	if bucket == nil {
		bucket = make(map[string]int64)
		c.failures[kind] = bucket
	}
	bucket[failureLabel(err)]++
}

// RecordTraffic folds the counters of a finished connection into the totals.
func (c *Collector) RecordTraffic(snap clientmetrics.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traffic.MessagesSent += snap.MessagesSent
	c.traffic.MessagesReceived += snap.MessagesReceived
	c.traffic.BytesSent += snap.BytesSent
	c.traffic.BytesReceived += snap.BytesReceived
	c.traffic.ControlFramesSent += snap.ControlFramesSent
	c.traffic.Errors += snap.Errors
	c.traffic.ConnectionDuration += snap.ConnectionDuration
}

type statusCoder interface {
	HTTPStatus() int
}

func failureLabel(err error) string {
	if err == nil {
		return "Unknown error"
	}
	if sc, ok := err.(statusCoder); ok && sc.HTTPStatus() > 0 {
		return fmt.Sprintf("HTTP %d", sc.HTTPStatus())
	}
	return FriendlyErrorName(fmt.Sprintf("%T", err))
}

// Stats represents aggregated metrics read from the histogram.
type Stats struct {
	Samples         int64         `json:"samples"`
	SkewedSamples   int64         `json:"skewed_samples"`
	Duration        time.Duration `json:"-"`
	SamplesPerSec   float64       `json:"samples_per_sec"`
	SessionsStarted int64         `json:"sessions_started"`
	SessionsOpened  int64         `json:"sessions_opened"`
	SessionsActive  int64         `json:"sessions_active"`
	SessionsClosed  int64         `json:"sessions_closed"`
	SessionsErrors  int64         `json:"sessions_errored"`
	SessionsFailed  int64         `json:"sessions_failed"`
	ProtocolErrors  int64         `json:"protocol_errors"`
	CloseTimeouts   int64         `json:"close_timeouts"`

	// JSON-friendly millisecond fields.
	MinDelayMs  float64 `json:"min_delay_ms"`
	MaxDelayMs  float64 `json:"max_delay_ms"`
	MeanDelayMs float64 `json:"mean_delay_ms"`
	P50DelayMs  float64 `json:"p50_delay_ms"`
	P90DelayMs  float64 `json:"p90_delay_ms"`
	P95DelayMs  float64 `json:"p95_delay_ms"`
	P99DelayMs  float64 `json:"p99_delay_ms"`
	DurationMs  float64 `json:"duration_ms"`

	Failures map[string]map[string]int `json:"failures,omitempty"`
}

// Stats computes and returns current aggregated statistics.
func (c *Collector) Stats(elapsed time.Duration) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked(elapsed)
}

// FinalStats is Stats with percentiles computed exactly from every retained
// sample rather than read from the histogram. Use it for end-of-run reports.
func (c *Collector) FinalStats(elapsed time.Duration) Stats {
	snap := c.Snapshot()
	stats := c.Stats(elapsed)
	if snap.Count() > 0 {
		stats.MeanDelayMs = snap.Mean()
		stats.P50DelayMs = snap.Percentile(50)
		stats.P90DelayMs = snap.Percentile(90)
		stats.P95DelayMs = snap.Percentile(95)
		stats.P99DelayMs = snap.Percentile(99)
	}
	return stats
}

func (c *Collector) statsLocked(elapsed time.Duration) Stats {
	n := int64(len(c.delays))
	stats := Stats{
		Samples:         n,
		SkewedSamples:   c.skewed,
		SessionsStarted: c.states["connecting"],
		SessionsOpened:  c.states["open"],
		SessionsActive:  c.states["active"],
		SessionsClosed:  c.states["closed"],
		SessionsErrors:  c.states["errored"],
		SessionsFailed:  c.sessionsFailed,
		ProtocolErrors:  c.protocolErrors,
		CloseTimeouts:   c.closeTimeouts,
		MinDelayMs:      c.minDelay,
		MaxDelayMs:      c.maxDelay,
	}
	if n > 0 {
		stats.MeanDelayMs = c.sumDelay / float64(n)
	}
	if c.hist.TotalCount() > 0 {
		stats.P50DelayMs = float64(c.hist.ValueAtQuantile(50)) / 1000
		stats.P90DelayMs = float64(c.hist.ValueAtQuantile(90)) / 1000
		stats.P95DelayMs = float64(c.hist.ValueAtQuantile(95)) / 1000
		stats.P99DelayMs = float64(c.hist.ValueAtQuantile(99)) / 1000
	}

	stats.Duration = elapsed
	stats.DurationMs = float64(elapsed) / float64(time.Millisecond)
	if elapsed > 0 && n > 0 {
		stats.SamplesPerSec = float64(n) / elapsed.Seconds()
	}
	stats.Failures = c.failureCountsLocked()
	return stats
}

func (c *Collector) failureCountsLocked() map[string]map[string]int {
	if len(c.failures) == 0 {
		return nil
	}
	out := make(map[string]map[string]int, len(c.failures))
	for kind, labels := range c.failures {
		row := make(map[string]int, len(labels))
		for label, count := range labels {
			row[label] = int(count)
		}
		out[string(kind)] = row
	}
	return out
}

// Snapshot copies every sample and counter. Delays are returned sorted.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	delays := make([]float64, len(c.delays))
	copy(delays, c.delays)
	snap := Snapshot{
		Skewed:          c.skewed,
		SessionsStarted: c.states["connecting"],
		SessionsOpened:  c.states["open"],
		SessionsActive:  c.states["active"],
		SessionsClosed:  c.states["closed"],
		SessionsErrors:  c.states["errored"],
		SessionsFailed:  c.sessionsFailed,
		ProtocolErrors:  c.protocolErrors,
		CloseTimeouts:   c.closeTimeouts,
		Aborted:         c.aborted,
		Traffic:         c.traffic,
		Failures:        c.failureCountsLocked(),
	}
	c.mu.Unlock()

	sort.Float64s(delays)
	snap.Delays = delays
	return snap
}
