// Package exporter publishes live run state in the Prometheus text format.
package exporter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/torosent/wsramp/internal/metrics"
	"github.com/torosent/wsramp/internal/runner"
)

const namespace = "wsramp"

// SchedulerSource is the part of the scheduler the exporter reads.
type SchedulerSource interface {
	Stats() []runner.ScenarioStats
	Elapsed() time.Duration
}

// Collector is a prometheus.Collector reading the scheduler and the metrics
// collector on every scrape.
type Collector struct {
	sched   SchedulerSource
	metrics *metrics.Collector

	liveSessions     *prometheus.Desc
	targetSessions   *prometheus.Desc
	drainingSessions *prometheus.Desc
	startedSessions  *prometheus.Desc
	failedSessions   *prometheus.Desc
	elapsed          *prometheus.Desc
	delay            *prometheus.Desc
	skewed           *prometheus.Desc
	protocolErrors   *prometheus.Desc
	closeTimeouts    *prometheus.Desc
}

// NewCollector describes every exported series.
func NewCollector(sched SchedulerSource, mc *metrics.Collector) *Collector {
	scenario := []string{"scenario"}
	return &Collector{
		sched:   sched,
		metrics: mc,
		liveSessions: prometheus.NewDesc(namespace+"_scenario_live_sessions",
			"Sessions currently counted toward the scenario target.", scenario, nil),
		targetSessions: prometheus.NewDesc(namespace+"_scenario_target_sessions",
			"Concurrency the stage plan asks for right now.", scenario, nil),
		drainingSessions: prometheus.NewDesc(namespace+"_scenario_draining_sessions",
			"Sessions selected for removal and still winding down.", scenario, nil),
		startedSessions: prometheus.NewDesc(namespace+"_scenario_sessions_started_total",
			"Sessions the scenario has spawned.", scenario, nil),
		failedSessions: prometheus.NewDesc(namespace+"_scenario_sessions_failed_total",
			"Sessions that ended in the errored state.", scenario, nil),
		elapsed: prometheus.NewDesc(namespace+"_elapsed_seconds",
			"Time since the scheduler started.", nil, nil),
		delay: prometheus.NewDesc(namespace+"_message_delay_milliseconds",
			"Delay between publish and receipt of timed messages.", nil, nil),
		skewed: prometheus.NewDesc(namespace+"_message_delay_negative_total",
			"Delay samples below zero because of clock skew.", nil, nil),
		protocolErrors: prometheus.NewDesc(namespace+"_protocol_errors_total",
			"Broker error frames and undecodable messages.", nil, nil),
		closeTimeouts: prometheus.NewDesc(namespace+"_close_timeouts_total",
			"Sessions whose close handshake was not acknowledged in time.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.liveSessions, c.targetSessions, c.drainingSessions, c.startedSessions,
		c.failedSessions, c.elapsed, c.delay, c.skewed, c.protocolErrors, c.closeTimeouts,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, sc := range c.sched.Stats() {
		ch <- prometheus.MustNewConstMetric(c.liveSessions, prometheus.GaugeValue, float64(sc.Live), sc.Name)
		ch <- prometheus.MustNewConstMetric(c.targetSessions, prometheus.GaugeValue, float64(sc.Target), sc.Name)
		ch <- prometheus.MustNewConstMetric(c.drainingSessions, prometheus.GaugeValue, float64(sc.Draining), sc.Name)
		ch <- prometheus.MustNewConstMetric(c.startedSessions, prometheus.CounterValue, float64(sc.Started), sc.Name)
		ch <- prometheus.MustNewConstMetric(c.failedSessions, prometheus.CounterValue, float64(sc.Failed), sc.Name)
	}
	ch <- prometheus.MustNewConstMetric(c.elapsed, prometheus.GaugeValue, c.sched.Elapsed().Seconds())

	stats := c.metrics.Stats(c.sched.Elapsed())
	quantiles := map[float64]float64{
		0.5:  stats.P50DelayMs,
		0.9:  stats.P90DelayMs,
		0.95: stats.P95DelayMs,
		0.99: stats.P99DelayMs,
	}
	sum := stats.MeanDelayMs * float64(stats.Samples)
	ch <- prometheus.MustNewConstSummary(c.delay, uint64(stats.Samples), sum, quantiles)
	ch <- prometheus.MustNewConstMetric(c.skewed, prometheus.CounterValue, float64(stats.SkewedSamples))
	ch <- prometheus.MustNewConstMetric(c.protocolErrors, prometheus.CounterValue, float64(stats.ProtocolErrors))
	ch <- prometheus.MustNewConstMetric(c.closeTimeouts, prometheus.CounterValue, float64(stats.CloseTimeouts))
}

// Server serves /metrics from a private registry.
type Server struct {
	srv      *http.Server
	listener net.Listener
	log      *zap.Logger
}

// Listen binds addr and registers c. Call Serve to start answering scrapes.
func Listen(addr string, c *Collector, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: ln,
		log:      log,
	}, nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until Shutdown is called.
func (s *Server) Serve() {
	s.log.Info("metrics endpoint listening", zap.String("addr", s.Addr()))
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("metrics endpoint stopped", zap.Error(err))
	}
}

// Shutdown stops the server, waiting for in-flight scrapes.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
