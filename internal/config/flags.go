package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all CLI flags to a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "wsramp [plan]",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to configuration file (JSON or YAML)")

	// Target and session flags
	flags.String("target", DefaultTarget, "Broker endpoint (ws[s]://host:port/app/{app_key}); env WSRAMP_TARGET or WS_HOST")
	flags.String("plan", DefaultPlan, "Execution plan to run; a positional argument takes precedence")
	flags.Duration("session-lifetime", 0, "How long each session stays subscribed (0 = the scenario's stage total)")
	flags.Duration("keepalive-interval", DefaultKeepAliveInterval, "Interval between keep-alive pings (0 disables)")
	flags.Duration("closing-timeout", DefaultClosingTimeout, "How long to wait for the close handshake")
	flags.Duration("handshake-timeout", DefaultHandshakeTimeout, "WebSocket handshake timeout")
	flags.Duration("tick-interval", DefaultTickInterval, "How often scenario targets are re-evaluated")
	flags.String("channel-template", "", "Channel name template; {id} is replaced by the session id")
	flags.String("event-prefix", "", "Event namespace for subscribe and ping frames")

	// Threshold flags
	flags.StringSlice("threshold", nil, "Pass/fail threshold (repeatable, e.g. 'p(95)<100' or 'message_delay_ms:avg < 100')")
	flags.StringSlice("abort-threshold", nil, "Threshold that aborts the run as soon as it fails (repeatable)")
	flags.Duration("threshold-interval", DefaultThresholdInterval, "How often abort thresholds are checked")
	flags.StringToString("profile", nil, "Profile flags that widen delay thresholds (e.g. db_driver=mysql)")
	flags.String("db-driver", "", "Shorthand for --profile db_driver=<value>; env DB_DRIVER")
	flags.String("cache-driver", "", "Shorthand for --profile cache_driver=<value>; env CACHE_DRIVER")

	// Output flags
	flags.Bool("json-output", false, "Emit JSON formatted output")
	flags.Bool("dashboard", false, "Show live terminal dashboard")
	flags.String("html-output", "", "Generate HTML report to the specified file path")
	flags.String("summary-export", "", "Append a JSON summary line to the specified file")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-format", "console", "Log format: console or json")

	// Tracing flags
	flags.String("tracing-endpoint", "", "OTLP collector endpoint (host:port)")
	flags.String("tracing-protocol", "grpc", "OTLP protocol: grpc or http")
	flags.Bool("tracing-insecure", false, "Disable TLS for the OTLP exporter")
	flags.Float64("tracing-sample-rate", 1.0, "Fraction of sessions to trace (0.0-1.0)")
	flags.String("tracing-service-name", "", "Service name reported with spans")
	flags.Bool("tracing-propagate", false, "Inject W3C trace context into the handshake")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file and the environment.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	for name, dst := range map[string]*string{
		"target":           &cfg.Target,
		"plan":             &cfg.Plan,
		"channel-template": &cfg.ChannelTemplate,
		"html-output":      &cfg.HTMLOutput,
		"summary-export":   &cfg.SummaryExport,
		"metrics-addr":     &cfg.MetricsAddr,
		"log-level":        &cfg.LogLevel,
		"log-format":       &cfg.LogFormat,
	} {
		if !fs.Changed(name) {
			continue
		}
		val, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*dst = strings.TrimSpace(val)
	}
	if fs.Changed("event-prefix") {
		val, err := fs.GetString("event-prefix")
		if err != nil {
			return err
		}
		cfg.EventPrefix = val
	}

	if fs.Changed("session-lifetime") {
		val, err := fs.GetDuration("session-lifetime")
		if err != nil {
			return err
		}
		cfg.SessionLifetime = val
	}
	if fs.Changed("keepalive-interval") {
		val, err := fs.GetDuration("keepalive-interval")
		if err != nil {
			return err
		}
		cfg.KeepAliveInterval = val
	}
	if fs.Changed("closing-timeout") {
		val, err := fs.GetDuration("closing-timeout")
		if err != nil {
			return err
		}
		cfg.ClosingTimeout = val
	}
	if fs.Changed("handshake-timeout") {
		val, err := fs.GetDuration("handshake-timeout")
		if err != nil {
			return err
		}
		cfg.HandshakeTimeout = val
	}
	if fs.Changed("tick-interval") {
		val, err := fs.GetDuration("tick-interval")
		if err != nil {
			return err
		}
		cfg.TickInterval = val
	}
	if fs.Changed("threshold-interval") {
		val, err := fs.GetDuration("threshold-interval")
		if err != nil {
			return err
		}
		cfg.ThresholdInterval = val
	}

	if fs.Changed("threshold") || fs.Changed("abort-threshold") {
		plain, err := fs.GetStringSlice("threshold")
		if err != nil {
			return err
		}
		aborting, err := fs.GetStringSlice("abort-threshold")
		if err != nil {
			return err
		}
		thresholds := make([]ThresholdConfig, 0, len(plain)+len(aborting))
		for _, t := range plain {
			thresholds = append(thresholds, ThresholdConfig{Threshold: strings.TrimSpace(t)})
		}
		for _, t := range aborting {
			thresholds = append(thresholds, ThresholdConfig{Threshold: strings.TrimSpace(t), AbortOnFail: true})
		}
		cfg.Thresholds = thresholds
	}

	if fs.Changed("profile") {
		val, err := fs.GetStringToString("profile")
		if err != nil {
			return err
		}
		for k, v := range val {
			cfg.Profile[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
	if fs.Changed("db-driver") {
		val, err := fs.GetString("db-driver")
		if err != nil {
			return err
		}
		cfg.Profile["db_driver"] = strings.TrimSpace(val)
	}
	if fs.Changed("cache-driver") {
		val, err := fs.GetString("cache-driver")
		if err != nil {
			return err
		}
		cfg.Profile["cache_driver"] = strings.TrimSpace(val)
	}

	if fs.Changed("json-output") {
		val, err := fs.GetBool("json-output")
		if err != nil {
			return err
		}
		cfg.JSONOutput = val
	}
	if fs.Changed("dashboard") {
		val, err := fs.GetBool("dashboard")
		if err != nil {
			return err
		}
		cfg.Dashboard = val
	}

	if fs.Changed("tracing-endpoint") {
		val, err := fs.GetString("tracing-endpoint")
		if err != nil {
			return err
		}
		cfg.Tracing.Endpoint = strings.TrimSpace(val)
	}
	if fs.Changed("tracing-protocol") {
		val, err := fs.GetString("tracing-protocol")
		if err != nil {
			return err
		}
		cfg.Tracing.Protocol = strings.ToLower(strings.TrimSpace(val))
	}
	if fs.Changed("tracing-insecure") {
		val, err := fs.GetBool("tracing-insecure")
		if err != nil {
			return err
		}
		cfg.Tracing.Insecure = val
	}
	if fs.Changed("tracing-sample-rate") {
		val, err := fs.GetFloat64("tracing-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}
	if fs.Changed("tracing-service-name") {
		val, err := fs.GetString("tracing-service-name")
		if err != nil {
			return err
		}
		cfg.Tracing.ServiceName = strings.TrimSpace(val)
	}
	if fs.Changed("tracing-propagate") {
		val, err := fs.GetBool("tracing-propagate")
		if err != nil {
			return err
		}
		cfg.Tracing.Propagate = &val
	}

	return nil
}
