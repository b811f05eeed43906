package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/torosent/wsramp/internal/config"
	"github.com/torosent/wsramp/internal/mockbroker"
	"github.com/torosent/wsramp/internal/protocol"
	"github.com/torosent/wsramp/internal/runner"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"WSRAMP_TARGET", "WS_HOST", "WSRAMP_PLAN", "WSRAMP_LOG_LEVEL", "WSRAMP_METRICS_ADDR", "DB_DRIVER", "CACHE_DRIVER", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		t.Setenv(key, "")
	}
}

func startBroker(t *testing.T) string {
	t.Helper()
	broker := mockbroker.New(mockbroker.Options{AppKey: "app_key", EventPrefix: protocol.DefaultEventPrefix})
	srv := httptest.NewServer(broker)
	ctx, cancel := context.WithCancel(context.Background())
	go broker.Run(ctx, 50*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		broker.Shutdown()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/app/app_key"
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wsramp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const quickPlan = `
scenarios:
  - name: quick
    stages:
      - duration: 300ms
        target: 3
      - duration: 300ms
        target: 3
    graceful_ramp_down: 200ms
thresholds:
  - sessions_failed:count<1
  - p(95)<1000
`

func TestExecuteRunsPlanAgainstBroker(t *testing.T) {
	clearEnv(t)
	target := startBroker(t)
	dir := t.TempDir()
	htmlPath := filepath.Join(dir, "report.html")
	exportPath := filepath.Join(dir, "runs.jsonl")

	var stdout, stderr bytes.Buffer
	code := execute([]string{
		"--config", writeConfig(t, quickPlan),
		"--target", target,
		"--json-output",
		"--log-level", "error",
		"--html-output", htmlPath,
		"--summary-export", exportPath,
	}, &stdout, &stderr)
	require.Equal(t, 0, code, "stderr: %s", stderr.String())

	var summary struct {
		RunID     string `json:"run_id"`
		Plan      string `json:"plan"`
		Passed    bool   `json:"passed"`
		Scenarios []struct {
			Name     string `json:"name"`
			PeakLive int    `json:"peak_live"`
			Started  int    `json:"started"`
			Failed   int    `json:"failed"`
		} `json:"scenarios"`
		Metrics struct {
			SessionsStarted int `json:"sessions_started"`
			Samples         int `json:"samples"`
		} `json:"metrics"`
		Thresholds struct {
			Total  int `json:"total"`
			Passed int `json:"passed"`
		} `json:"thresholds"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary), stdout.String())

	assert.Len(t, summary.RunID, 26)
	assert.Equal(t, "custom", summary.Plan)
	assert.True(t, summary.Passed)
	require.Len(t, summary.Scenarios, 1)
	assert.Equal(t, "quick", summary.Scenarios[0].Name)
	assert.Equal(t, 3, summary.Scenarios[0].PeakLive)
	assert.Zero(t, summary.Scenarios[0].Failed)
	assert.GreaterOrEqual(t, summary.Metrics.SessionsStarted, 3)
	assert.Positive(t, summary.Metrics.Samples)
	assert.Equal(t, 2, summary.Thresholds.Total)
	assert.Equal(t, 2, summary.Thresholds.Passed)

	html, err := os.ReadFile(htmlPath)
	require.NoError(t, err)
	assert.Contains(t, string(html), summary.RunID)

	exported, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(exported), "\n"))
}

func TestExecuteThresholdFailureExitCode(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	code := execute([]string{
		"--config", writeConfig(t, quickPlan),
		"--target", "ws://127.0.0.1:1/app/app_key",
		"--handshake-timeout", "200ms",
		"--log-level", "error",
	}, &stdout, &stderr)

	assert.Equal(t, exitThresholdsFailed, code)
	assert.Contains(t, stderr.String(), errThresholdsFailed.Error())
	assert.Contains(t, stdout.String(), "FAIL")
	assert.Contains(t, stdout.String(), "sessions_failed:count<1")
}

func TestExecuteHelp(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	code := execute([]string{"--help"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "wsramp [plan]")
	assert.Contains(t, stdout.String(), "--abort-threshold")
}

func TestExecuteRejectsInvalidConfig(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	code := execute([]string{"--target", "http://", "--json-output"}, &stdout, &stderr)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr.String(), "target")
}

func TestExecuteUnknownPlan(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	code := execute([]string{"no-such-plan"}, &stdout, &stderr)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr.String(), `unknown plan "no-such-plan"`)
}

func TestPlansCommandListsBuiltins(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	code := execute([]string{"plans"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	out := stdout.String()
	for _, name := range []string{"churn", "smoke", "soak", config.DefaultPlan + " *"} {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "2m40s")
}

func TestPlansCommandPrintsResolvedPlan(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	code := execute([]string{"plans", "smoke"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "name: smoke")
	assert.Contains(t, out, "duration: 5s")
	assert.Contains(t, out, "session_lifetime: 15s")
	assert.Contains(t, out, "target: ws://localhost:3000/app/app_key")
}

func TestValidateCommand(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	code := execute([]string{"validate", "churn", "--db-driver", "mysql"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "configuration OK: plan churn, 1 scenario(s), 1m50s")

	stdout.Reset()
	stderr.Reset()
	code = execute([]string{"validate", "--threshold", "bogus"}, &stdout, &stderr)
	assert.Equal(t, exitFailure, code)
}

func TestToRunnerScenariosInheritsSessionSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Plan = "churn"
	cfg.KeepAliveInterval = 15 * time.Second
	plan, err := cfg.ResolvePlan()
	require.NoError(t, err)

	scenarios, err := toRunnerScenarios(cfg, plan)
	require.NoError(t, err)
	require.Len(t, scenarios, 1)

	sc := scenarios[0]
	assert.Equal(t, "highTraffic", sc.Name)
	assert.Zero(t, sc.StartOffset)
	assert.Equal(t, runner.RampLinear, sc.Ramp)
	assert.Equal(t, 20*time.Second, sc.GracefulRampDown)
	assert.Len(t, sc.Stages, 5)
	assert.Equal(t, "ws://localhost:3000/app/app_key", sc.Session.Endpoint)
	assert.Equal(t, 110*time.Second, sc.Session.Lifetime)
	assert.Equal(t, 15*time.Second, sc.Session.KeepAliveInterval)
	assert.Equal(t, cfg.ChannelTemplate, sc.Session.ChannelTemplate)
	assert.NoError(t, sc.Validate())
}

func TestBuildThresholdsAppliesProfileAllowances(t *testing.T) {
	cfg := config.Default()
	cfg.Profile = map[string]string{"db_driver": "mysql"}
	plan, err := cfg.ResolvePlan()
	require.NoError(t, err)

	thresholds, applied, err := buildThresholds(cfg, plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"db_driver:mysql"}, applied)
	require.Len(t, thresholds, 2)
	assert.Equal(t, 600.0, thresholds[0].Limit())
	assert.Equal(t, 200.0, thresholds[1].Limit())
}

type recordingAborter struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingAborter) Abort(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func TestInterrupterEscalates(t *testing.T) {
	target := &recordingAborter{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	intr := newInterrupter(target, cancel, zap.NewNop())

	intr.Interrupt("test")
	assert.Equal(t, []string{"interrupted"}, target.reasons)
	assert.NoError(t, ctx.Err())

	intr.Interrupt("test")
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	intr.Interrupt("test")
	assert.Len(t, target.reasons, 1)
}

func TestInterrupterWatchForwardsSignals(t *testing.T) {
	target := &recordingAborter{}
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	intr := newInterrupter(target, cancelRun, zap.NewNop())

	watchCtx, stopWatch := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 2)
	done := make(chan struct{})
	go func() {
		intr.watch(watchCtx, sigs)
		close(done)
	}()

	sigs <- os.Interrupt
	sigs <- os.Interrupt
	select {
	case <-runCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not cancel the run")
	}
	stopWatch()
	<-done

	target.mu.Lock()
	defer target.mu.Unlock()
	assert.Equal(t, []string{"interrupted"}, target.reasons)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("warn", "json", &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", zap.Int("sessions", 3))
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"sessions":3`)

	_, err = newLogger("loud", "console", &buf)
	assert.Error(t, err)
	_, err = newLogger("info", "xml", &buf)
	assert.Error(t, err, fmt.Sprintf("format %q should be rejected", "xml"))
}
