package dashboard

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/torosent/wsramp/internal/metrics"
	"github.com/torosent/wsramp/internal/runner"
	"github.com/torosent/wsramp/internal/threshold"
)

const historyLen = 100

// RunInfo holds run parameters shown in the header.
type RunInfo struct {
	Target          string
	Plan            string
	PlannedDuration time.Duration
	ConfigFile      string
	Profile         map[string]string
}

// LoadSource reports live scheduler state.
type LoadSource interface {
	Stats() []runner.ScenarioStats
	Totals() (live, target int)
}

// Dashboard renders a live terminal UI for a running plan.
type Dashboard struct {
	collector    *metrics.Collector
	load         LoadSource
	evaluator    *threshold.Evaluator
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownFunc func()
	wg           sync.WaitGroup
	mu           sync.Mutex

	grid          *ui.Grid
	summaryPara   *widgets.Paragraph
	sessionGauge  *widgets.Gauge
	delaySparkle  *widgets.SparklineGroup
	delayPara     *widgets.Paragraph
	scenarioList  *widgets.List
	thresholdList *widgets.List
	failureList   *widgets.List
	delayHistory  []float64
	startTime     time.Time
	info          RunInfo
}

// New initialises the terminal and builds the widgets. evaluator may be nil.
func New(collector *metrics.Collector, load LoadSource, evaluator *threshold.Evaluator, info RunInfo, shutdownFunc func()) (*Dashboard, error) {
	if err := ui.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize termui: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		collector:    collector,
		load:         load,
		evaluator:    evaluator,
		ctx:          ctx,
		cancel:       cancel,
		shutdownFunc: shutdownFunc,
		delayHistory: make([]float64, 0, historyLen),
		startTime:    time.Now(),
		info:         info,
	}

	d.initWidgets()
	d.setupGrid()
	return d, nil
}

func (d *Dashboard) initWidgets() {
	sparkline := widgets.NewSparkline()
	sparkline.Title = "Mean delay (ms)"
	sparkline.LineColor = ui.ColorGreen
	sparkline.Data = []float64{0}

	d.delaySparkle = widgets.NewSparklineGroup(sparkline)
	d.delaySparkle.Title = "Message Delay"
	d.delaySparkle.BorderStyle.Fg = ui.ColorCyan

	d.delayPara = widgets.NewParagraph()
	d.delayPara.Title = "Delay Stats"
	d.delayPara.Text = "Waiting for timed messages..."
	d.delayPara.BorderStyle.Fg = ui.ColorCyan

	d.sessionGauge = widgets.NewGauge()
	d.sessionGauge.Title = "Live / Target Sessions"
	d.sessionGauge.BarColor = ui.ColorBlue
	d.sessionGauge.BorderStyle.Fg = ui.ColorCyan
	d.sessionGauge.LabelStyle = ui.NewStyle(ui.ColorWhite)

	d.summaryPara = widgets.NewParagraph()
	d.summaryPara.Title = "Run"
	d.summaryPara.Text = "Initializing..."
	d.summaryPara.BorderStyle.Fg = ui.ColorCyan

	d.scenarioList = widgets.NewList()
	d.scenarioList.Title = "Scenarios"
	d.scenarioList.Rows = []string{"Awaiting data"}
	d.scenarioList.TextStyle = ui.NewStyle(ui.ColorCyan)
	d.scenarioList.BorderStyle.Fg = ui.ColorCyan

	d.thresholdList = widgets.NewList()
	d.thresholdList.Title = "Thresholds"
	d.thresholdList.Rows = []string{"None configured"}
	d.thresholdList.BorderStyle.Fg = ui.ColorCyan

	d.failureList = widgets.NewList()
	d.failureList.Title = "Failures"
	d.failureList.Rows = []string{"No failures"}
	d.failureList.TextStyle = ui.NewStyle(ui.ColorYellow)
	d.failureList.BorderStyle.Fg = ui.ColorCyan
}

func (d *Dashboard) setupGrid() {
	termWidth, termHeight := ui.TerminalDimensions()

	d.grid = ui.NewGrid()
	d.grid.SetRect(0, 0, termWidth, termHeight)
	d.grid.Set(
		ui.NewRow(0.16,
			ui.NewCol(0.6, d.summaryPara),
			ui.NewCol(0.4, d.sessionGauge),
		),
		ui.NewRow(0.28,
			ui.NewCol(0.65, d.delaySparkle),
			ui.NewCol(0.35, d.delayPara),
		),
		ui.NewRow(0.28,
			ui.NewCol(1.0, d.scenarioList),
		),
		ui.NewRow(0.28,
			ui.NewCol(0.5, d.thresholdList),
			ui.NewCol(0.5, d.failureList),
		),
	)
}

// Start begins the dashboard update loop.
func (d *Dashboard) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop stops the dashboard and restores the terminal.
func (d *Dashboard) Stop() {
	d.cancel()
	d.wg.Wait()
	ui.Close()
	// Give terminal time to restore
	time.Sleep(100 * time.Millisecond)
}

func (d *Dashboard) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	uiEvents := ui.PollEvents()
	d.render()

	for {
		select {
		case <-d.ctx.Done():
			for len(uiEvents) > 0 {
				<-uiEvents
			}
			return
		case e := <-uiEvents:
			select {
			case <-d.ctx.Done():
				return
			default:
			}

			switch e.ID {
			case "q", "<C-c>":
				if d.shutdownFunc != nil {
					d.shutdownFunc()
				}
				// Stop cancels the context once the run has drained.
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				d.grid.SetRect(0, 0, payload.Width, payload.Height)
				ui.Clear()
				d.render()
			}
		case <-ticker.C:
			d.update()
			d.render()
		}
	}
}

func (d *Dashboard) update() {
	d.mu.Lock()
	defer d.mu.Unlock()

	elapsed := time.Since(d.startTime)
	stats := d.collector.Stats(elapsed)
	live, target := d.load.Totals()

	d.updateSummary(elapsed, stats, live, target)
	d.updateGauge(live, target)
	d.updateDelay(stats)
	d.updateScenarios(d.load.Stats())
	d.failureList.Rows = formatFailureRows(stats.Failures)
	if d.evaluator != nil {
		d.updateThresholds(d.evaluator.Evaluate(d.collector.Snapshot()))
	}
}

func (d *Dashboard) render() {
	d.mu.Lock()
	defer d.mu.Unlock()
	ui.Render(d.grid)
}

func (d *Dashboard) updateSummary(elapsed time.Duration, stats metrics.Stats, live, target int) {
	progress := elapsed.Round(time.Second).String()
	if d.info.PlannedDuration > 0 {
		progress += " / " + d.info.PlannedDuration.String()
	}
	header := fmt.Sprintf("Target: %s\nPlan: %s", d.info.Target, d.info.Plan)
	if p := formatProfile(d.info.Profile); p != "" {
		header += " | Profile: " + p
	}
	if d.info.ConfigFile != "" {
		header += " | Config: " + d.info.ConfigFile
	}
	d.summaryPara.Text = fmt.Sprintf("%s\nElapsed: %s | Sessions: %d/%d | Started: %d | Failed: %d",
		header, progress, live, target, stats.SessionsStarted, stats.SessionsFailed)
}

func (d *Dashboard) updateGauge(live, target int) {
	percent := 0
	if target > 0 {
		percent = live * 100 / target
	} else if live == 0 {
		percent = 100
	}
	d.sessionGauge.Percent = min(percent, 100)
	d.sessionGauge.Label = fmt.Sprintf("%d / %d", live, target)
}

func (d *Dashboard) updateDelay(stats metrics.Stats) {
	if stats.Samples == 0 {
		return
	}
	d.delayHistory = append(d.delayHistory, stats.MeanDelayMs)
	if len(d.delayHistory) > historyLen {
		d.delayHistory = d.delayHistory[1:]
	}
	d.delaySparkle.Sparklines[0].Data = d.delayHistory
	d.delaySparkle.Title = fmt.Sprintf("Message Delay | Mean: %.2fms | P95: %.2fms", stats.MeanDelayMs, stats.P95DelayMs)

	d.delayPara.Text = fmt.Sprintf(
		"Samples: %d (%.1f/s)\nMin:  %.2fms\nMean: %.2fms\nP50:  %.2fms\nP90:  %.2fms\nP95:  %.2fms\nP99:  %.2fms",
		stats.Samples,
		stats.SamplesPerSec,
		stats.MinDelayMs,
		stats.MeanDelayMs,
		stats.P50DelayMs,
		stats.P90DelayMs,
		stats.P95DelayMs,
		stats.P99DelayMs,
	)
}

func (d *Dashboard) updateScenarios(scenarios []runner.ScenarioStats) {
	if len(scenarios) == 0 {
		d.scenarioList.Rows = []string{"[No scenarios](fg:yellow)"}
		return
	}
	rows := make([]string, 0, len(scenarios))
	for _, sc := range scenarios {
		rows = append(rows, fmt.Sprintf("[%s](fg:cyan) | %-8s | stage %d | live %4d / %-4d | draining %3d | peak %4d | failed %d",
			sc.Name, sc.Phase, sc.Stage+1, sc.Live, sc.Target, sc.Draining, sc.PeakLive, sc.Failed))
	}
	d.scenarioList.Rows = rows
}

func (d *Dashboard) updateThresholds(v threshold.Verdict) {
	if len(v.Results) == 0 {
		d.thresholdList.Rows = []string{"None configured"}
		return
	}
	rows := make([]string, 0, len(v.Results))
	for _, r := range v.Results {
		switch {
		case r.NoData:
			rows = append(rows, fmt.Sprintf("[- %s](fg:white) no data", r.Threshold.Raw))
		case r.Pass:
			rows = append(rows, fmt.Sprintf("[✓ %s](fg:green) %.2f", r.Threshold.Raw, r.Actual))
		default:
			rows = append(rows, fmt.Sprintf("[✗ %s](fg:red) %.2f %s %.2f", r.Threshold.Raw, r.Actual, r.Threshold.Operator, r.Threshold.Limit()))
		}
	}
	d.thresholdList.Rows = rows
}

func formatFailureRows(buckets map[string]map[string]int) []string {
	rows := metrics.FlattenFailureBuckets(buckets)
	if len(rows) == 0 {
		return []string{"[No failures](fg:green)"}
	}
	rows = rows[:min(len(rows), 10)]
	formatted := make([]string, 0, len(rows))
	for _, row := range rows {
		formatted = append(formatted, fmt.Sprintf("[%s %s](fg:red) %d", strings.ToUpper(row.Kind), row.Label, row.Count))
	}
	return formatted
}

func formatProfile(profile map[string]string) string {
	if len(profile) == 0 {
		return ""
	}
	parts := make([]string, 0, len(profile))
	for _, k := range slices.Sorted(maps.Keys(profile)) {
		parts = append(parts, k+"="+profile[k])
	}
	return strings.Join(parts, ", ")
}
