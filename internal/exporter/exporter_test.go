package exporter

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torosent/wsramp/internal/metrics"
	"github.com/torosent/wsramp/internal/runner"
)

type fakeScheduler struct {
	stats   []runner.ScenarioStats
	elapsed time.Duration
}

func (f fakeScheduler) Stats() []runner.ScenarioStats { return f.stats }
func (f fakeScheduler) Elapsed() time.Duration { return f.elapsed }

func newFixture() (*Collector, *metrics.Collector) {
	mc := metrics.NewCollector()
	now := time.Now()
	for _, ms := range []int{10, 20, 30} {
		mc.RecordLatency(metrics.NewLatencySample(now, now.Add(time.Duration(ms)*time.Millisecond)))
	}
	sched := fakeScheduler{
		stats: []runner.ScenarioStats{
			{Name: "soakTraffic", Live: 120, Target: 125, Started: 130, Failed: 2},
			{Name: "highTraffic", Live: 0, Target: 0},
		},
		elapsed: 30 * time.Second,
	}
	return NewCollector(sched, mc), mc
}

func TestCollectorSeriesCount(t *testing.T) {
	c, _ := newFixture()
	// five per scenario, plus elapsed, delay, skew, protocol errors, close timeouts
	assert.Equal(t, 15, testutil.CollectAndCount(c))
}

func TestServerExposesMetrics(t *testing.T) {
	c, _ := newFixture()
	srv, err := Listen("127.0.0.1:0", c, nil)
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { _ = srv.Shutdown(t.Context()) })

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	for _, want := range []string{
		`wsramp_scenario_live_sessions{scenario="soakTraffic"} 120`,
		`wsramp_scenario_target_sessions{scenario="soakTraffic"} 125`,
		`wsramp_scenario_sessions_failed_total{scenario="soakTraffic"} 2`,
		`wsramp_elapsed_seconds 30`,
		`wsramp_message_delay_milliseconds_count 3`,
		`wsramp_message_delay_milliseconds_sum 60`,
	} {
		assert.True(t, strings.Contains(text, want), "missing %q in:\n%s", want, text)
	}
}

func TestListenRejectsBadAddress(t *testing.T) {
	c, _ := newFixture()
	_, err := Listen("not-an-address", c, nil)
	assert.Error(t, err)
}
