package threshold

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/wsramp/internal/metrics"
)

// DefaultMonitorInterval is how often thresholds are checked during a run.
const DefaultMonitorInterval = 2 * time.Second

// Monitor re-evaluates thresholds while the run is in progress and fires
// OnAbort once when a failing threshold is marked abort-on-fail.
type Monitor struct {
	Evaluator *Evaluator
	Snapshot  func() metrics.Snapshot
	Interval  time.Duration
	OnAbort   func(Verdict)
	Logger    *zap.Logger

	mu   sync.Mutex
	last Verdict
}

// Last returns the most recent verdict.
func (m *Monitor) Last() Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run blocks until ctx is done or an abort has been signalled.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	log := m.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if !m.needed() {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v := m.Evaluator.Evaluate(m.Snapshot())
			m.mu.Lock()
			m.last = v
			m.mu.Unlock()
			if !v.AbortRequested() {
				continue
			}
			for _, r := range v.Failed() {
				if r.Threshold.AbortOnFail {
					log.Warn("threshold failed, aborting run", zap.String("threshold", r.Threshold.Raw), zap.Float64("actual", r.Actual))
				}
			}
			if m.OnAbort != nil {
				m.OnAbort(v)
			}
			return
		}
	}
}

func (m *Monitor) needed() bool {
	if m.Evaluator == nil || m.Snapshot == nil {
		return false
	}
	for _, t := range m.Evaluator.Thresholds() {
		if t.AbortOnFail {
			return true
		}
	}
	return false
}
