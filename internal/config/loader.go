package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/torosent/wsramp/internal/threshold"
)

// Loader handles loading configuration from files, the environment and
// command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// envBindings maps config keys to the environment variables that set them,
// in lookup order.
var envBindings = map[string][]string{
	"target":               {"WSRAMP_TARGET", "WS_HOST"},
	"plan":                 {"WSRAMP_PLAN"},
	"log_level":            {"WSRAMP_LOG_LEVEL"},
	"metrics_addr":         {"WSRAMP_METRICS_ADDR"},
	"profile.db_driver":    {"DB_DRIVER"},
	"profile.cache_driver": {"CACHE_DRIVER"},
}

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments and configuration files to produce a Config.
// A single positional argument names the plan to run.
func (l Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}
	return l.LoadFlags(flagSet, flagSet.Args())
}

// LoadFlags builds a Config from already parsed flags. Values are layered
// defaults, then the config file, then the environment, then flags.
func (Loader) LoadFlags(flagSet *pflag.FlagSet, args []string) (*Config, error) {
	if len(args) > 1 {
		return nil, fmt.Errorf("expected at most one plan name, got %d arguments", len(args))
	}

	var configPath string
	if f := flagSet.Lookup("config"); f != nil {
		configPath = strings.TrimSpace(f.Value.String())
	}

	cfgViper := viper.New()
	for key, envs := range envBindings {
		if err := cfgViper.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	settings := cfgViper.AllSettings()

	cfg := Default()
	cfg.ConfigFile = configPath

	if err := applyConfigSettings(cfg, settings); err != nil {
		return nil, err
	}

	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}
	if len(args) == 1 {
		cfg.Plan = strings.TrimSpace(args[0])
	}

	cfg.Target = strings.TrimSpace(cfg.Target)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if cfg.Profile == nil {
		cfg.Profile = map[string]string{}
	}

	return cfg, nil
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	if raw, ok := lookupSetting(settings, "target"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("target: %w", err)
		}
		cfg.Target = strings.TrimSpace(val)
	}

	durations := []struct {
		dst  *time.Duration
		keys []string
	}{
		{&cfg.SessionLifetime, []string{"sessionlifetime", "session_lifetime", "session-lifetime"}},
		{&cfg.KeepAliveInterval, []string{"keepaliveinterval", "keepalive_interval", "keepalive-interval"}},
		{&cfg.ClosingTimeout, []string{"closingtimeout", "closing_timeout", "closing-timeout"}},
		{&cfg.HandshakeTimeout, []string{"handshaketimeout", "handshake_timeout", "handshake-timeout"}},
		{&cfg.TickInterval, []string{"tickinterval", "tick_interval", "tick-interval"}},
		{&cfg.ThresholdInterval, []string{"thresholdinterval", "threshold_interval", "threshold-interval"}},
	}
	for _, d := range durations {
		raw, ok := lookupSetting(settings, d.keys...)
		if !ok {
			continue
		}
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.keys[1], err)
		}
		*d.dst = val
	}

	strs := []struct {
		dst  *string
		keys []string
	}{
		{&cfg.ChannelTemplate, []string{"channeltemplate", "channel_template", "channel-template"}},
		{&cfg.Plan, []string{"plan"}},
		{&cfg.HTMLOutput, []string{"htmloutput", "html_output", "html-output"}},
		{&cfg.SummaryExport, []string{"summaryexport", "summary_export", "summary-export"}},
		{&cfg.MetricsAddr, []string{"metricsaddr", "metrics_addr", "metrics-addr"}},
		{&cfg.LogLevel, []string{"loglevel", "log_level", "log-level"}},
		{&cfg.LogFormat, []string{"logformat", "log_format", "log-format"}},
	}
	for _, s := range strs {
		raw, ok := lookupSetting(settings, s.keys...)
		if !ok {
			continue
		}
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", s.keys[len(s.keys)-1], err)
		}
		*s.dst = strings.TrimSpace(val)
	}

	// An explicit empty prefix is meaningful, so it is not trimmed away.
	if raw, ok := lookupSetting(settings, "eventprefix", "event_prefix", "event-prefix"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("event_prefix: %w", err)
		}
		cfg.EventPrefix = val
	}

	if raw, ok := lookupSetting(settings, "jsonoutput", "json_output", "json-output"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("json_output: %w", err)
		}
		cfg.JSONOutput = val
	}

	if raw, ok := lookupSetting(settings, "dashboard"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		cfg.Dashboard = val
	}

	if raw, ok := lookupSetting(settings, "scenarios"); ok {
		scenarios, err := parseScenarios(raw)
		if err != nil {
			return fmt.Errorf("scenarios: %w", err)
		}
		cfg.Scenarios = scenarios
	}

	if raw, ok := lookupSetting(settings, "plans"); ok {
		plans, err := parsePlans(raw)
		if err != nil {
			return fmt.Errorf("plans: %w", err)
		}
		cfg.Plans = plans
	}

	if raw, ok := lookupSetting(settings, "thresholds"); ok {
		thresholds, err := parseThresholds(raw)
		if err != nil {
			return fmt.Errorf("thresholds: %w", err)
		}
		cfg.Thresholds = thresholds
	}

	if raw, ok := lookupSetting(settings, "profile"); ok {
		profile, err := asStringMap(raw)
		if err != nil {
			return fmt.Errorf("profile: %w", err)
		}
		for k, v := range profile {
			cfg.Profile[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}

	if raw, ok := lookupSetting(settings, "allowances"); ok {
		allowances, err := parseAllowances(raw)
		if err != nil {
			return fmt.Errorf("allowances: %w", err)
		}
		for k, v := range allowances {
			cfg.Allowances[k] = v
		}
	}

	if raw, ok := lookupSetting(settings, "tracing"); ok {
		tracing, err := parseTracingConfig(cfg.Tracing, raw)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		cfg.Tracing = tracing
	}

	return nil
}

func parsePlans(value interface{}) (map[string][]ScenarioConfig, error) {
	if value == nil {
		return nil, nil
	}
	entries, err := toStringKeyMap(value)
	if err != nil {
		return nil, err
	}
	plans := make(map[string][]ScenarioConfig, len(entries))
	for name, raw := range entries {
		scenarios, err := parseScenarios(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		plans[name] = scenarios
	}
	return plans, nil
}

func parseScenarios(value interface{}) ([]ScenarioConfig, error) {
	if value == nil {
		return nil, nil
	}
	items, err := toInterfaceSlice(value)
	if err != nil {
		return nil, err
	}
	scenarios := make([]ScenarioConfig, 0, len(items))
	for idx, item := range items {
		entry, err := toStringKeyMap(item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", idx, err)
		}
		sc, err := buildScenario(entry)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", idx, err)
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, nil
}

func buildScenario(settings map[string]interface{}) (ScenarioConfig, error) {
	var sc ScenarioConfig
	if raw, ok := lookupSetting(settings, "name"); ok {
		val, err := asString(raw)
		if err != nil {
			return ScenarioConfig{}, fmt.Errorf("name: %w", err)
		}
		sc.Name = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "starttime", "start_time", "start-time"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return ScenarioConfig{}, fmt.Errorf("start_time: %w", err)
		}
		sc.StartTime = val
	}
	if raw, ok := lookupSetting(settings, "stages"); ok {
		stages, err := parseStages(raw)
		if err != nil {
			return ScenarioConfig{}, fmt.Errorf("stages: %w", err)
		}
		sc.Stages = stages
	}
	if raw, ok := lookupSetting(settings, "gracefulrampdown", "graceful_ramp_down", "graceful-ramp-down"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return ScenarioConfig{}, fmt.Errorf("graceful_ramp_down: %w", err)
		}
		sc.GracefulRampDown = val
	}
	if raw, ok := lookupSetting(settings, "ramp"); ok {
		val, err := asString(raw)
		if err != nil {
			return ScenarioConfig{}, fmt.Errorf("ramp: %w", err)
		}
		sc.Ramp = RampMode(strings.ToLower(strings.TrimSpace(val)))
	}
	if raw, ok := lookupSetting(settings, "spawnrate", "spawn_rate", "spawn-rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return ScenarioConfig{}, fmt.Errorf("spawn_rate: %w", err)
		}
		sc.SpawnRate = val
	}
	if raw, ok := lookupSetting(settings, "env"); ok {
		env, err := parseScenarioEnv(raw)
		if err != nil {
			return ScenarioConfig{}, fmt.Errorf("env: %w", err)
		}
		sc.Env = env
	}
	return sc, nil
}

func parseStages(value interface{}) ([]StageConfig, error) {
	items, err := toInterfaceSlice(value)
	if err != nil {
		return nil, err
	}
	stages := make([]StageConfig, 0, len(items))
	for idx, item := range items {
		entry, err := toStringKeyMap(item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", idx, err)
		}
		var stage StageConfig
		if raw, ok := lookupSetting(entry, "duration"); ok {
			val, err := asDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("index %d: duration: %w", idx, err)
			}
			stage.Duration = val
		}
		if raw, ok := lookupSetting(entry, "target"); ok {
			val, err := asInt(raw)
			if err != nil {
				return nil, fmt.Errorf("index %d: target: %w", idx, err)
			}
			stage.Target = val
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func parseScenarioEnv(value interface{}) (ScenarioEnv, error) {
	if value == nil {
		return ScenarioEnv{}, nil
	}
	settings, err := toStringKeyMap(value)
	if err != nil {
		return ScenarioEnv{}, err
	}
	var env ScenarioEnv
	if raw, ok := lookupSetting(settings, "target", "ws_host"); ok {
		val, err := asString(raw)
		if err != nil {
			return ScenarioEnv{}, fmt.Errorf("target: %w", err)
		}
		env.Target = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "sessionlifetime", "session_lifetime", "session-lifetime"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return ScenarioEnv{}, fmt.Errorf("session_lifetime: %w", err)
		}
		env.SessionLifetime = val
	}
	if raw, ok := lookupSetting(settings, "flags"); ok {
		flags, err := asStringMap(raw)
		if err != nil {
			return ScenarioEnv{}, fmt.Errorf("flags: %w", err)
		}
		env.Flags = make(map[string]string, len(flags))
		for k, v := range flags {
			env.Flags[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
	return env, nil
}

// parseThresholds accepts plain expressions or {threshold, abort_on_fail}
// objects, mixed freely.
func parseThresholds(value interface{}) ([]ThresholdConfig, error) {
	if value == nil {
		return nil, nil
	}
	if s, ok := value.(string); ok {
		return []ThresholdConfig{{Threshold: strings.TrimSpace(s)}}, nil
	}
	if list, ok := value.([]string); ok {
		out := make([]ThresholdConfig, len(list))
		for i, s := range list {
			out[i] = ThresholdConfig{Threshold: strings.TrimSpace(s)}
		}
		return out, nil
	}
	items, err := toInterfaceSlice(value)
	if err != nil {
		return nil, err
	}
	out := make([]ThresholdConfig, 0, len(items))
	for idx, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, ThresholdConfig{Threshold: strings.TrimSpace(s)})
			continue
		}
		entry, err := toStringKeyMap(item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", idx, err)
		}
		var tc ThresholdConfig
		if raw, ok := lookupSetting(entry, "threshold"); ok {
			val, err := asString(raw)
			if err != nil {
				return nil, fmt.Errorf("index %d: threshold: %w", idx, err)
			}
			tc.Threshold = strings.TrimSpace(val)
		}
		if raw, ok := lookupSetting(entry, "abortonfail", "abort_on_fail", "abort-on-fail"); ok {
			val, err := asBool(raw)
			if err != nil {
				return nil, fmt.Errorf("index %d: abort_on_fail: %w", idx, err)
			}
			tc.AbortOnFail = val
		}
		out = append(out, tc)
	}
	return out, nil
}

func parseAllowances(value interface{}) (map[string]threshold.Allowance, error) {
	if value == nil {
		return nil, nil
	}
	entries, err := toStringKeyMap(value)
	if err != nil {
		return nil, err
	}
	out := make(map[string]threshold.Allowance, len(entries))
	for key, raw := range entries {
		settings, err := toStringKeyMap(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		var a threshold.Allowance
		if v, ok := lookupSetting(settings, "percentile"); ok {
			if a.Percentile, err = asFloat64(v); err != nil {
				return nil, fmt.Errorf("%s.percentile: %w", key, err)
			}
		}
		if v, ok := lookupSetting(settings, "average", "avg"); ok {
			if a.Average, err = asFloat64(v); err != nil {
				return nil, fmt.Errorf("%s.average: %w", key, err)
			}
		}
		out[key] = a
	}
	return out, nil
}

func parseTracingConfig(base TracingConfig, value interface{}) (TracingConfig, error) {
	if value == nil {
		return base, nil
	}
	settings, err := toStringKeyMap(value)
	if err != nil {
		return TracingConfig{}, err
	}
	tc := base
	if raw, ok := lookupSetting(settings, "endpoint"); ok {
		val, err := asString(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("endpoint: %w", err)
		}
		tc.Endpoint = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("protocol: %w", err)
		}
		tc.Protocol = strings.ToLower(strings.TrimSpace(val))
	}
	if raw, ok := lookupSetting(settings, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("insecure: %w", err)
		}
		tc.Insecure = val
	}
	if raw, ok := lookupSetting(settings, "samplerate", "sample_rate", "sample-rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("sample_rate: %w", err)
		}
		tc.SampleRate = val
	}
	if raw, ok := lookupSetting(settings, "servicename", "service_name", "service-name"); ok {
		val, err := asString(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("service_name: %w", err)
		}
		tc.ServiceName = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "propagate"); ok {
		val, err := asBool(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("propagate: %w", err)
		}
		tc.Propagate = &val
	}
	return tc, nil
}
