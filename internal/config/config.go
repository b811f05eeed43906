package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/torosent/wsramp/internal/protocol"
	"github.com/torosent/wsramp/internal/threshold"
)

const (
	DefaultTarget            = "ws://localhost:3000/app/app_key"
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultClosingTimeout    = 5 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultTickInterval      = 100 * time.Millisecond
	DefaultThresholdInterval = 2 * time.Second
)

type RampMode string

const (
	RampLinear RampMode = "linear"
	RampStep   RampMode = "step"
)

type Config struct {
	Target            string                         `mapstructure:"target"`
	SessionLifetime   time.Duration                  `mapstructure:"session_lifetime"`
	KeepAliveInterval time.Duration                  `mapstructure:"keepalive_interval"`
	ClosingTimeout    time.Duration                  `mapstructure:"closing_timeout"`
	HandshakeTimeout  time.Duration                  `mapstructure:"handshake_timeout"`
	TickInterval      time.Duration                  `mapstructure:"tick_interval"`
	ChannelTemplate   string                         `mapstructure:"channel_template"`
	EventPrefix       string                         `mapstructure:"event_prefix"`
	Plan              string                         `mapstructure:"plan"`
	Scenarios         []ScenarioConfig               `mapstructure:"scenarios"`
	Plans             map[string][]ScenarioConfig    `mapstructure:"plans"`
	Thresholds        []ThresholdConfig              `mapstructure:"thresholds"`
	Profile           map[string]string              `mapstructure:"profile"`
	Allowances        map[string]threshold.Allowance `mapstructure:"allowances"`
	ThresholdInterval time.Duration                  `mapstructure:"threshold_interval"`
	JSONOutput        bool                           `mapstructure:"json_output"`
	Dashboard         bool                           `mapstructure:"dashboard"`
	HTMLOutput        string                         `mapstructure:"html_output"`
	SummaryExport     string                         `mapstructure:"summary_export"`
	MetricsAddr       string                         `mapstructure:"metrics_addr"`
	LogLevel          string                         `mapstructure:"log_level"`
	LogFormat         string                         `mapstructure:"log_format"`
	Tracing           TracingConfig                  `mapstructure:"tracing"`
	ConfigFile        string                         `mapstructure:"-"`
}

// ScenarioConfig describes one ramping population. Zero values inherit from
// the run: Env.Target from Config.Target, Env.SessionLifetime from
// Config.SessionLifetime or else the sum of the stage durations.
type ScenarioConfig struct {
	Name             string        `mapstructure:"name" yaml:"name"`
	StartTime        time.Duration `mapstructure:"start_time" yaml:"start_time"`
	Stages           []StageConfig `mapstructure:"stages" yaml:"stages"`
	GracefulRampDown time.Duration `mapstructure:"graceful_ramp_down" yaml:"graceful_ramp_down"`
	Ramp             RampMode      `mapstructure:"ramp" yaml:"ramp,omitempty"`
	SpawnRate        float64       `mapstructure:"spawn_rate" yaml:"spawn_rate,omitempty"`
	Env              ScenarioEnv   `mapstructure:"env" yaml:"env"`
}

type StageConfig struct {
	Duration time.Duration `mapstructure:"duration" yaml:"duration"`
	Target   int           `mapstructure:"target" yaml:"target"`
}

type ScenarioEnv struct {
	Target          string            `mapstructure:"target" yaml:"target,omitempty"`
	SessionLifetime time.Duration     `mapstructure:"session_lifetime" yaml:"session_lifetime,omitempty"`
	Flags           map[string]string `mapstructure:"flags" yaml:"flags,omitempty"`
}

// Duration is the sum of the stage durations.
func (s ScenarioConfig) Duration() time.Duration {
	var total time.Duration
	for _, st := range s.Stages {
		total += st.Duration
	}
	return total
}

type ThresholdConfig struct {
	Threshold   string `mapstructure:"threshold" yaml:"threshold"`
	AbortOnFail bool   `mapstructure:"abort_on_fail" yaml:"abort_on_fail"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	ServiceName string  `mapstructure:"service_name"`
	Propagate   *bool   `mapstructure:"propagate"`
}

// Enabled reports whether spans should be exported, either because an
// endpoint is configured or the standard OTLP environment variable is set.
func (t TracingConfig) Enabled() bool {
	if strings.TrimSpace(t.Endpoint) != "" {
		return true
	}
	return os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
}

// ShouldPropagate defaults to Enabled unless set explicitly.
func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate != nil {
		return *t.Propagate
	}
	return t.Enabled()
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Target:            DefaultTarget,
		KeepAliveInterval: DefaultKeepAliveInterval,
		ClosingTimeout:    DefaultClosingTimeout,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		TickInterval:      DefaultTickInterval,
		ChannelTemplate:   protocol.DefaultChannelTemplate,
		EventPrefix:       protocol.DefaultEventPrefix,
		Plan:              DefaultPlan,
		Profile:           map[string]string{},
		Allowances:        threshold.DefaultAllowances(),
		ThresholdInterval: DefaultThresholdInterval,
		LogLevel:          "info",
		LogFormat:         "console",
		Tracing:           TracingConfig{SampleRate: 1.0},
	}
}

// DefaultThresholds mirror the broker's latency budget.
func DefaultThresholds() []ThresholdConfig {
	return []ThresholdConfig{
		{Threshold: "p(95)<100"},
		{Threshold: "avg<100"},
	}
}

// ThresholdSpecs returns the configured thresholds, or the defaults when none
// are set.
func (c Config) ThresholdSpecs() []threshold.Spec {
	items := c.Thresholds
	if len(items) == 0 {
		items = DefaultThresholds()
	}
	specs := make([]threshold.Spec, len(items))
	for i, item := range items {
		specs[i] = threshold.Spec{Expr: item.Threshold, AbortOnFail: item.AbortOnFail}
	}
	return specs
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string

	if strings.TrimSpace(c.Target) == "" {
		issues = append(issues, "target is required (use --help for usage information)")
	} else if _, err := protocol.ParseEndpoint(c.Target); err != nil {
		issues = append(issues, fmt.Sprintf("target: %v", err))
	}
	if c.SessionLifetime < 0 {
		issues = append(issues, "session_lifetime must be non-negative")
	}
	if c.KeepAliveInterval < 0 {
		issues = append(issues, "keepalive_interval must be non-negative")
	}
	if c.ClosingTimeout < 0 {
		issues = append(issues, "closing_timeout must be non-negative")
	}
	if c.HandshakeTimeout < 0 {
		issues = append(issues, "handshake_timeout must be non-negative")
	}
	if c.TickInterval <= 0 {
		issues = append(issues, "tick_interval must be greater than zero")
	}
	if c.ThresholdInterval <= 0 {
		issues = append(issues, "threshold_interval must be greater than zero")
	}
	if !strings.Contains(c.ChannelTemplate, "{id}") {
		issues = append(issues, "channel_template must contain {id}")
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("log_level must be debug, info, warn or error, got %q", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		issues = append(issues, fmt.Sprintf("log_format must be console or json, got %q", c.LogFormat))
	}
	if c.Dashboard && c.JSONOutput {
		issues = append(issues, "dashboard and json_output cannot be used together")
	}

	for name, scenarios := range c.Plans {
		if strings.TrimSpace(name) == "" {
			issues = append(issues, "plans: plan name cannot be empty")
		}
		if len(scenarios) == 0 {
			issues = append(issues, fmt.Sprintf("plans.%s: at least one scenario is required", name))
		}
		issues = append(issues, validateScenarios("plans."+name, scenarios)...)
	}
	if len(c.Scenarios) > 0 {
		issues = append(issues, validateScenarios("scenarios", c.Scenarios)...)
	} else if !c.hasPlan(c.Plan) {
		issues = append(issues, fmt.Sprintf("unknown plan %q (available: %s)", c.Plan, strings.Join(c.PlanNames(), ", ")))
	}

	for i, t := range c.Thresholds {
		if _, err := threshold.Parse(t.Threshold); err != nil {
			issues = append(issues, fmt.Sprintf("thresholds[%d]: %v", i, err))
		}
	}
	for key, a := range c.Allowances {
		if !strings.Contains(key, ":") {
			issues = append(issues, fmt.Sprintf("allowances: key %q must be <flag>:<value>", key))
		}
		if a.Percentile < 0 || a.Average < 0 {
			issues = append(issues, fmt.Sprintf("allowances.%s: values must be non-negative", key))
		}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		issues = append(issues, "tracing.sample_rate must be between 0.0 and 1.0")
	}
	switch strings.ToLower(c.Tracing.Protocol) {
	case "", "grpc", "http":
	default:
		issues = append(issues, fmt.Sprintf("tracing.protocol must be grpc or http, got %q", c.Tracing.Protocol))
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validateScenarios(prefix string, scenarios []ScenarioConfig) []string {
	var issues []string
	seen := make(map[string]bool, len(scenarios))
	for i, sc := range scenarios {
		at := fmt.Sprintf("%s[%d]", prefix, i)
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			issues = append(issues, at+": name is required")
		} else if seen[name] {
			issues = append(issues, fmt.Sprintf("%s: duplicate scenario name %q", at, name))
		}
		seen[name] = true

		if sc.StartTime < 0 {
			issues = append(issues, at+": start_time must be non-negative")
		}
		if sc.GracefulRampDown < 0 {
			issues = append(issues, at+": graceful_ramp_down must be non-negative")
		}
		if sc.SpawnRate < 0 {
			issues = append(issues, at+": spawn_rate must be non-negative")
		}
		switch sc.Ramp {
		case "", RampLinear, RampStep:
		default:
			issues = append(issues, fmt.Sprintf("%s: ramp must be linear or step, got %q", at, sc.Ramp))
		}
		if len(sc.Stages) == 0 {
			issues = append(issues, at+": at least one stage is required")
		}
		for j, st := range sc.Stages {
			if st.Duration < 0 {
				issues = append(issues, fmt.Sprintf("%s.stages[%d]: duration must be non-negative", at, j))
			}
			if st.Target < 0 {
				issues = append(issues, fmt.Sprintf("%s.stages[%d]: target must be non-negative", at, j))
			}
		}
		if len(sc.Stages) > 0 && sc.Duration() <= 0 {
			issues = append(issues, at+": stages must add up to a positive duration")
		}
		if sc.Env.SessionLifetime < 0 {
			issues = append(issues, at+": env.session_lifetime must be non-negative")
		}
		if target := strings.TrimSpace(sc.Env.Target); target != "" {
			if _, err := protocol.ParseEndpoint(target); err != nil {
				issues = append(issues, fmt.Sprintf("%s: env.target: %v", at, err))
			}
		}
	}
	return issues
}
