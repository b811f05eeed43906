package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/torosent/wsramp/internal/session"
)

// ErrNoScenarios is returned by New when nothing would run.
var ErrNoScenarios = errors.New("runner: no scenarios configured")

// Result captures execution summary.
type Result struct {
	Duration    time.Duration
	Aborted     bool
	AbortReason string
	Scenarios   []ScenarioStats
}

// Scheduler runs every scenario concurrently against one shared sink.
type Scheduler struct {
	opt         Options
	controllers []*controller

	nextID    atomic.Int64
	startedAt atomic.Int64

	abortCh   chan struct{}
	abortOnce sync.Once
	failOnce  sync.Once

	mu          sync.Mutex
	abortReason string
}

func New(opt Options) (*Scheduler, error) {
	opt.normalize()
	if opt.Dialer == nil {
		return nil, errors.New("runner: dialer is required")
	}
	if len(opt.Scenarios) == 0 {
		return nil, ErrNoScenarios
	}

	s := &Scheduler{opt: opt, abortCh: make(chan struct{})}
	seen := make(map[string]bool, len(opt.Scenarios))
	for _, sc := range opt.Scenarios {
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		if seen[sc.Name] {
			return nil, fmt.Errorf("runner: duplicate scenario %q", sc.Name)
		}
		seen[sc.Name] = true
		s.controllers = append(s.controllers, newController(s, sc))
	}
	return s, nil
}

// Run blocks until every scenario has finished and all of its sessions have
// reached a terminal state. A non-nil error means the run was cut short by
// resource exhaustion.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	s.startedAt.Store(start.UnixNano())
	s.opt.Logger.Info("scheduler started",
		zap.Int("scenarios", len(s.controllers)),
		zap.Duration("planned_duration", s.PlannedDuration()),
	)

	// No group context: a failing scenario stops the others through Abort so
	// they still drain with their grace.
	var g errgroup.Group
	for _, c := range s.controllers {
		g.Go(func() error {
			return c.run(ctx)
		})
	}
	fatal := g.Wait()

	s.mu.Lock()
	res := Result{
		Duration:    time.Since(start),
		Aborted:     s.abortReason != "",
		AbortReason: s.abortReason,
		Scenarios:   s.Stats(),
	}
	s.mu.Unlock()

	s.opt.Logger.Info("scheduler finished",
		zap.Duration("elapsed", res.Duration),
		zap.Bool("aborted", res.Aborted),
		zap.Int64("open_sockets", s.opt.Tracker.Sockets()),
		zap.Int64("armed_timers", s.opt.Tracker.Timers()),
	)
	if fatal != nil {
		return res, fmt.Errorf("scheduler stopped: %w", fatal)
	}
	return res, nil
}

// Abort stops spawning everywhere and drains live sessions with each
// scenario's ramp-down grace. Only the first reason is kept.
func (s *Scheduler) Abort(reason string) {
	s.abortOnce.Do(func() {
		s.mu.Lock()
		s.abortReason = reason
		s.mu.Unlock()
		s.opt.Logger.Info("run aborted", zap.String("reason", reason))
		close(s.abortCh)
	})
}

// Aborted reports whether Abort has been called.
func (s *Scheduler) Aborted() bool {
	select {
	case <-s.abortCh:
		return true
	default:
		return false
	}
}

func (s *Scheduler) fail(err error) {
	s.failOnce.Do(func() {
		s.opt.Logger.Error("cannot open more sockets, shutting down", zap.Error(err))
	})
	s.Abort("resource exhausted")
}

// Stats returns per-scenario counters in configuration order.
func (s *Scheduler) Stats() []ScenarioStats {
	out := make([]ScenarioStats, len(s.controllers))
	for i, c := range s.controllers {
		out[i] = c.Stats()
	}
	return out
}

// Totals sums live sessions and targets across scenarios.
func (s *Scheduler) Totals() (live, target int) {
	for _, c := range s.controllers {
		st := c.Stats()
		live += st.Live
		target += st.Target
	}
	return live, target
}

// Elapsed is the time since Run started, zero before.
func (s *Scheduler) Elapsed() time.Duration {
	started := s.startedAt.Load()
	if started == 0 {
		return 0
	}
	return time.Since(time.Unix(0, started))
}

// PlannedDuration is when the last scenario's final stage ends.
func (s *Scheduler) PlannedDuration() time.Duration {
	var longest time.Duration
	for _, c := range s.controllers {
		if end := c.sc.StartOffset + c.plan.totalDuration(); end > longest {
			longest = end
		}
	}
	return longest
}

// Tracker exposes the socket and timer counters shared by all sessions.
func (s *Scheduler) Tracker() *session.ResourceTracker {
	return s.opt.Tracker
}
