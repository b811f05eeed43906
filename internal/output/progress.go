package output

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/torosent/wsramp/internal/metrics"
)

// LoadSource reports the current live and target session counts.
type LoadSource interface {
	Totals() (live, target int)
}

// ProgressReporter displays real-time progress updates.
type ProgressReporter struct {
	collector *metrics.Collector
	load      LoadSource
	ticker    *time.Ticker
	done      chan struct{}
	finished  chan struct{}
	writer    io.Writer
	active    int32
	start     time.Time
}

// NewProgressReporter creates a progress reporter that updates at the given interval.
func NewProgressReporter(collector *metrics.Collector, load LoadSource, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	return &ProgressReporter{
		collector: collector,
		load:      load,
		ticker:    time.NewTicker(interval),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		writer:    writer,
		start:     time.Now(),
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts progress updates.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			fmt.Fprint(p.writer, "\r"+p.line())
		case <-p.done:
			return
		}
	}
}

func (p *ProgressReporter) line() string {
	stats := p.collector.Stats(time.Since(p.start))
	live, target := 0, 0
	if p.load != nil {
		live, target = p.load.Totals()
	}
	line := fmt.Sprintf("Sessions: %d/%d | Failed: %d | Delay samples: %d",
		live, target, stats.SessionsFailed, stats.Samples)
	if stats.Samples > 0 {
		line += fmt.Sprintf(" | avg %.1fms p95 %.1fms", stats.MeanDelayMs, stats.P95DelayMs)
	}
	return line
}
