package metrics

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/torosent/wsramp/internal/clientmetrics"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func tenToHundred() []float64 {
	out := make([]float64, 0, 10)
	for v := 10.0; v <= 100; v += 10 {
		out = append(out, v)
	}
	return out
}

func TestNewLatencySample(t *testing.T) {
	sent := time.UnixMilli(1_000_000)
	s := NewLatencySample(sent, sent.Add(37*time.Millisecond))
	if s.DelayMs != 37 {
		t.Errorf("DelayMs = %v, want 37", s.DelayMs)
	}

	skewed := NewLatencySample(sent, sent.Add(-5*time.Millisecond))
	if skewed.DelayMs != -5 {
		t.Errorf("DelayMs = %v, want -5", skewed.DelayMs)
	}
}

func TestSnapshotPercentileAndMean(t *testing.T) {
	c := NewCollector()
	base := time.UnixMilli(0)
	for _, d := range tenToHundred() {
		c.RecordLatency(NewLatencySample(base, base.Add(time.Duration(d)*time.Millisecond)))
	}

	snap := c.Snapshot()
	if snap.Count() != 10 {
		t.Fatalf("Count = %d, want 10", snap.Count())
	}
	if !approx(snap.Mean(), 55) {
		t.Errorf("Mean = %v, want 55", snap.Mean())
	}
	if !approx(snap.Percentile(95), 95.5) {
		t.Errorf("p95 = %v, want 95.5", snap.Percentile(95))
	}
	if !approx(snap.Percentile(50), 55) {
		t.Errorf("p50 = %v, want 55", snap.Percentile(50))
	}
	if snap.Min() != 10 || snap.Max() != 100 {
		t.Errorf("min/max = %v/%v, want 10/100", snap.Min(), snap.Max())
	}
}

func TestPercentileIndependentOfInsertionOrder(t *testing.T) {
	values := tenToHundred()
	want95 := Percentile(values, 95)
	wantMean := 55.0

	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]float64(nil), values...)
		rnd.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		c := NewCollector()
		for _, d := range shuffled {
			c.RecordLatency(LatencySample{DelayMs: d})
		}
		snap := c.Snapshot()
		if !approx(snap.Percentile(95), want95) {
			t.Fatalf("order %v: p95 = %v, want %v", shuffled, snap.Percentile(95), want95)
		}
		if !approx(snap.Mean(), wantMean) {
			t.Fatalf("order %v: mean = %v, want %v", shuffled, snap.Mean(), wantMean)
		}
	}
}

func TestMeanIndependentOfInsertionOrder(t *testing.T) {
	orders := [][]float64{
		{0.1, 0.2, 0.3},
		{0.3, 0.2, 0.1},
		{0.2, 0.3, 0.1},
		{1e6, 0.1, 0.7, 12.345, 0.2},
		{0.2, 12.345, 0.7, 0.1, 1e6},
	}
	means := make([]float64, len(orders))
	for i, delays := range orders {
		c := NewCollector()
		for _, d := range delays {
			c.RecordLatency(LatencySample{DelayMs: d})
		}
		means[i] = c.Snapshot().Mean()
	}
	for i := 1; i < 3; i++ {
		if means[i] != means[0] {
			t.Errorf("order %v: mean = %v, want exactly %v", orders[i], means[i], means[0])
		}
	}
	if means[4] != means[3] {
		t.Errorf("order %v: mean = %v, want exactly %v", orders[4], means[4], means[3])
	}

	c := NewCollector()
	for _, d := range orders[1] {
		c.RecordLatency(LatencySample{DelayMs: d})
	}
	if got := c.FinalStats(time.Second).MeanDelayMs; got != means[0] {
		t.Errorf("FinalStats mean = %v, want %v", got, means[0])
	}
}

func TestPercentileEdges(t *testing.T) {
	if got := Percentile(nil, 95); got != 0 {
		t.Errorf("empty percentile = %v, want 0", got)
	}
	if got := Percentile([]float64{42}, 99); got != 42 {
		t.Errorf("single percentile = %v, want 42", got)
	}
	vals := []float64{3, 1, 2}
	if got := Percentile(vals, 0); got != 1 {
		t.Errorf("p0 = %v, want 1", got)
	}
	if got := Percentile(vals, 100); got != 3 {
		t.Errorf("p100 = %v, want 3", got)
	}
	if vals[0] != 3 {
		t.Error("Percentile must not reorder its input")
	}
}

func TestSkewedSamplesKeptInExactView(t *testing.T) {
	c := NewCollector()
	c.RecordLatency(LatencySample{DelayMs: -4})
	c.RecordLatency(LatencySample{DelayMs: 10})

	snap := c.Snapshot()
	if snap.Skewed != 1 {
		t.Errorf("Skewed = %d, want 1", snap.Skewed)
	}
	if snap.Min() != -4 {
		t.Errorf("Min = %v, want -4", snap.Min())
	}
	stats := c.Stats(time.Second)
	if stats.SkewedSamples != 1 || stats.Samples != 2 {
		t.Errorf("stats samples = %d skewed = %d", stats.Samples, stats.SkewedSamples)
	}
}

func TestStatsHistogramView(t *testing.T) {
	c := NewCollector()
	for _, d := range tenToHundred() {
		c.RecordLatency(LatencySample{DelayMs: d})
	}
	stats := c.Stats(2 * time.Second)

	if stats.Samples != 10 {
		t.Fatalf("Samples = %d, want 10", stats.Samples)
	}
	if !approx(stats.MeanDelayMs, 55) {
		t.Errorf("MeanDelayMs = %v, want 55", stats.MeanDelayMs)
	}
	if stats.P99DelayMs < stats.P50DelayMs {
		t.Errorf("p99 %v below p50 %v", stats.P99DelayMs, stats.P50DelayMs)
	}
	if math.Abs(stats.P50DelayMs-50) > 1 {
		t.Errorf("P50DelayMs = %v, want about 50", stats.P50DelayMs)
	}
	if stats.SamplesPerSec != 5 {
		t.Errorf("SamplesPerSec = %v, want 5", stats.SamplesPerSec)
	}
}

func TestFinalStatsUsesExactPercentiles(t *testing.T) {
	c := NewCollector()
	for _, d := range tenToHundred() {
		c.RecordLatency(LatencySample{DelayMs: d})
	}
	stats := c.FinalStats(time.Second)
	if !approx(stats.P95DelayMs, 95.5) {
		t.Errorf("P95DelayMs = %v, want exact 95.5", stats.P95DelayMs)
	}
	if !approx(stats.P50DelayMs, 55) {
		t.Errorf("P50DelayMs = %v, want exact 55", stats.P50DelayMs)
	}
	if stats.Samples != 10 || stats.MinDelayMs != 10 || stats.MaxDelayMs != 100 {
		t.Errorf("stats = %+v", stats)
	}

	empty := NewCollector().FinalStats(time.Second)
	if empty.P95DelayMs != 0 {
		t.Errorf("empty P95DelayMs = %v, want 0", empty.P95DelayMs)
	}
}

type statusErr struct{ code int }

func (e statusErr) Error() string    { return "status" }
func (e statusErr) HTTPStatus() int { return e.code }

func TestRecordFailureBuckets(t *testing.T) {
	c := NewCollector()
	c.RecordState("connecting")
	c.RecordState("connecting")
	c.RecordFailure(FailureConnection, statusErr{code: 401})
	c.RecordFailure(FailureConnection, statusErr{code: 401})
	c.RecordFailure(FailureProtocol, errors.New("bad json"))
	c.RecordFailure(FailureCloseTimeout, errors.New("no ack"))

	snap := c.Snapshot()
	if snap.SessionsFailed != 2 {
		t.Errorf("SessionsFailed = %d, want 2", snap.SessionsFailed)
	}
	if snap.ProtocolErrors != 1 || snap.CloseTimeouts != 1 {
		t.Errorf("protocol=%d close=%d", snap.ProtocolErrors, snap.CloseTimeouts)
	}
	if got := snap.Failures["connection"]["HTTP 401"]; got != 2 {
		t.Errorf("connection/HTTP 401 = %d, want 2", got)
	}
	if !approx(snap.FailureRate(), 1) {
		t.Errorf("FailureRate = %v, want 1", snap.FailureRate())
	}
}

func TestRecordTrafficAccumulates(t *testing.T) {
	c := NewCollector()
	c.RecordTraffic(clientmetrics.Snapshot{MessagesSent: 2, MessagesReceived: 3, BytesSent: 10})
	c.RecordTraffic(clientmetrics.Snapshot{MessagesSent: 1, MessagesReceived: 1, BytesSent: 5})

	traffic := c.Snapshot().Traffic
	if traffic.MessagesSent != 3 || traffic.MessagesReceived != 4 || traffic.BytesSent != 15 {
		t.Errorf("traffic = %+v", traffic)
	}
}

func TestJSONReportSchema(t *testing.T) {
	c := NewCollector()
	c.RecordLatency(LatencySample{DelayMs: 12})
	c.RecordFailure(FailureTransport, errors.New("reset"))

	data, err := json.Marshal(c.Stats(time.Second))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"samples", "mean_delay_ms", "p95_delay_ms", "sessions_failed", "failures", "duration_ms"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("JSON missing %q: %s", key, data)
		}
	}
}

func TestConcurrentRecording(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	workers, perWorker := 16, 250
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				c.RecordLatency(LatencySample{DelayMs: float64(i)})
				if i%50 == 0 {
					_ = c.Snapshot()
				}
			}
		}(w)
	}
	wg.Wait()

	if got := c.Snapshot().Count(); got != workers*perWorker {
		t.Fatalf("Count = %d, want %d", got, workers*perWorker)
	}
}

func TestSampleHistory(t *testing.T) {
	c := NewCollector()
	c.Start()
	c.RecordLatency(LatencySample{DelayMs: 20})
	p := c.Sample(5, 10)
	if p.LiveSessions != 5 || p.TargetSessions != 10 || p.Samples != 1 {
		t.Errorf("point = %+v", p)
	}
	if got := len(c.History()); got != 1 {
		t.Fatalf("History len = %d, want 1", got)
	}
	c.Start()
	if got := len(c.History()); got != 0 {
		t.Errorf("History after Start = %d, want 0", got)
	}
}
