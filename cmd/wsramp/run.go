package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/torosent/wsramp/internal/config"
	"github.com/torosent/wsramp/internal/dashboard"
	"github.com/torosent/wsramp/internal/exporter"
	"github.com/torosent/wsramp/internal/metrics"
	"github.com/torosent/wsramp/internal/output"
	"github.com/torosent/wsramp/internal/protocol"
	"github.com/torosent/wsramp/internal/runner"
	"github.com/torosent/wsramp/internal/session"
	"github.com/torosent/wsramp/internal/threshold"
	"github.com/torosent/wsramp/internal/tracing"
)

func runPlan(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	plan, err := cfg.ResolvePlan()
	if err != nil {
		return err
	}
	thresholds, applied, err := buildThresholds(cfg, plan)
	if err != nil {
		return err
	}
	scenarios, err := toRunnerScenarios(cfg, plan)
	if err != nil {
		return err
	}

	logOut := stderr
	if cfg.Dashboard {
		logOut = io.Discard
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, logOut)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	runID := ulid.Make().String()
	logger = logger.With(zap.String("run_id", runID))

	provider, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector()
	evaluator := threshold.NewEvaluator(thresholds)

	sched, err := runner.New(runner.Options{
		Scenarios: scenarios,
		Dialer: session.WebSocketDialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Propagate:        provider.ShouldPropagate(),
		},
		Sink:         collector,
		Logger:       logger,
		Tracer:       provider.Tracer(),
		TickInterval: cfg.TickInterval,
	})
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	intr := newInterrupter(sched, cancelRun, logger)

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	// Background helpers stop when the scheduler returns.
	auxCtx, stopAux := context.WithCancel(runCtx)
	var aux sync.WaitGroup
	defer func() {
		stopAux()
		aux.Wait()
	}()
	goAux := func(fn func()) {
		aux.Add(1)
		go func() {
			defer aux.Done()
			fn()
		}()
	}
	goAux(func() { intr.watch(auxCtx, sigs) })

	if cfg.MetricsAddr != "" {
		srv, err := exporter.Listen(cfg.MetricsAddr, exporter.NewCollector(sched, collector), logger)
		if err != nil {
			return fmt.Errorf("metrics endpoint: %w", err)
		}
		go srv.Serve()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	monitor := &threshold.Monitor{
		Evaluator: evaluator,
		Snapshot:  collector.Snapshot,
		Interval:  cfg.ThresholdInterval,
		Logger:    logger,
		OnAbort: func(v threshold.Verdict) {
			sched.Abort("threshold failed: " + failedThresholds(v))
		},
	}
	goAux(func() { monitor.Run(auxCtx) })
	goAux(func() { sampleHistory(auxCtx, collector, sched) })

	profile := cfg.EffectiveProfile(plan)
	stopDisplay, err := startDisplay(cfg, plan, profile, collector, sched, evaluator, intr, stdout)
	if err != nil {
		return err
	}

	logger.Info("starting plan",
		zap.String("plan", plan.Name),
		zap.String("target", cfg.Target),
		zap.Int("scenarios", len(scenarios)),
		zap.Duration("planned_duration", plan.Duration()),
		zap.Strings("allowances", applied),
	)

	startedAt := time.Now()
	collector.Start()
	result, runErr := sched.Run(runCtx)
	stopAux()
	aux.Wait()
	stopDisplay()

	snap := collector.Snapshot()
	verdict := evaluator.Evaluate(snap)
	summary := output.Summary{
		RunID:       runID,
		Plan:        plan.Name,
		Target:      cfg.Target,
		StartedAt:   startedAt,
		Duration:    result.Duration,
		Aborted:     result.Aborted,
		AbortReason: result.AbortReason,
		Passed:      verdict.Pass && runErr == nil,
		Stats:       collector.FinalStats(result.Duration),
		Traffic:     output.NewTrafficSummary(snap.Traffic),
		Scenarios:   result.Scenarios,
		Thresholds:  output.NewThresholdSummary(verdict),
		Profile:     profile,
		Allowances:  applied,
		History:     collector.History(),
	}

	if err := writeReports(ctx, cfg, summary, stdout, logger); err != nil {
		return err
	}

	if runErr != nil {
		return runErr
	}
	if !verdict.Pass {
		return errThresholdsFailed
	}
	return nil
}

// buildThresholds parses the configured thresholds and widens them by the
// allowances matching the plan's profile.
func buildThresholds(cfg *config.Config, plan config.Plan) ([]threshold.Threshold, []string, error) {
	parsed, err := threshold.ParseSpecs(cfg.ThresholdSpecs())
	if err != nil {
		return nil, nil, err
	}
	adjusted, applied := threshold.ApplyProfile(parsed, cfg.EffectiveProfile(plan), cfg.Allowances)
	return adjusted, applied, nil
}

func toRunnerScenarios(cfg *config.Config, plan config.Plan) ([]runner.Scenario, error) {
	out := make([]runner.Scenario, 0, len(plan.Scenarios))
	for _, sc := range plan.Scenarios {
		endpoint, err := protocol.ParseEndpoint(sc.Env.Target)
		if err != nil {
			return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
		}
		stages := make([]runner.Stage, len(sc.Stages))
		for i, st := range sc.Stages {
			stages[i] = runner.Stage{Duration: st.Duration, Target: st.Target}
		}
		out = append(out, runner.Scenario{
			Name:             sc.Name,
			StartOffset:      sc.StartTime,
			Stages:           stages,
			Ramp:             runner.RampMode(sc.Ramp),
			GracefulRampDown: sc.GracefulRampDown,
			SpawnRate:        sc.SpawnRate,
			Session: runner.SessionTemplate{
				Endpoint:          endpoint.URL(),
				Lifetime:          sc.Env.SessionLifetime,
				KeepAliveInterval: cfg.KeepAliveInterval,
				ClosingTimeout:    cfg.ClosingTimeout,
				EventPrefix:       cfg.EventPrefix,
				ChannelTemplate:   cfg.ChannelTemplate,
			},
		})
	}
	return out, nil
}

func failedThresholds(v threshold.Verdict) string {
	var names []string
	for _, r := range v.Failed() {
		names = append(names, r.Threshold.Raw)
	}
	return strings.Join(names, ", ")
}

// sampleHistory records one time-series point per interval for the reports.
func sampleHistory(ctx context.Context, collector *metrics.Collector, sched *runner.Scheduler) {
	ticker := time.NewTicker(historyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collector.Sample(sched.Totals())
		}
	}
}

// startDisplay starts the dashboard or the progress line and returns the
// function that tears it down.
func startDisplay(cfg *config.Config, plan config.Plan, profile map[string]string, collector *metrics.Collector,
	sched *runner.Scheduler, evaluator *threshold.Evaluator, intr *interrupter, stdout io.Writer) (func(), error) {
	switch {
	case cfg.Dashboard:
		dash, err := dashboard.New(collector, sched, evaluator, dashboard.RunInfo{
			Target:          cfg.Target,
			Plan:            plan.Name,
			PlannedDuration: plan.Duration(),
			ConfigFile:      cfg.ConfigFile,
			Profile:         profile,
		}, func() { intr.Interrupt("dashboard") })
		if err != nil {
			return nil, err
		}
		dash.Start()
		return dash.Stop, nil
	case cfg.JSONOutput:
		return func() {}, nil
	default:
		progress := output.NewProgressReporter(collector, sched, progressInterval, stdout)
		progress.Start()
		return func() {
			progress.Stop()
			fmt.Fprintln(stdout)
		}, nil
	}
}

func writeReports(ctx context.Context, cfg *config.Config, s output.Summary, stdout io.Writer, logger *zap.Logger) error {
	if cfg.JSONOutput {
		if err := output.PrintJSONReport(stdout, s); err != nil {
			return err
		}
	} else {
		output.PrintReport(stdout, s)
	}

	if cfg.HTMLOutput != "" {
		f, err := os.Create(cfg.HTMLOutput)
		if err != nil {
			return fmt.Errorf("create html report: %w", err)
		}
		if err := output.GenerateHTMLReport(f, s); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("write html report: %w", err)
		}
		logger.Info("html report written", zap.String("path", cfg.HTMLOutput))
	}

	if cfg.SummaryExport != "" {
		exportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := output.AppendSummary(exportCtx, cfg.SummaryExport, s); err != nil {
			return fmt.Errorf("export summary: %w", err)
		}
		logger.Info("summary appended", zap.String("path", cfg.SummaryExport))
	}
	return nil
}
