package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/torosent/wsramp/internal/metrics"
)

var (
	passColor   = color.New(color.FgGreen, color.Bold)
	failColor   = color.New(color.FgRed, color.Bold)
	headerColor = color.New(color.Bold)
	mutedColor  = color.New(color.FgHiBlack)
)

// PrintReport outputs a human-readable summary report.
func PrintReport(w io.Writer, s Summary) {
	headerColor.Fprintln(w, "\n--- WebSocket Ramp Results ---")
	if s.RunID != "" {
		fmt.Fprintf(w, "Run:               %s\n", s.RunID)
	}
	fmt.Fprintf(w, "Plan:              %s\n", s.Plan)
	fmt.Fprintf(w, "Target:            %s\n", s.Target)
	fmt.Fprintf(w, "Duration:          %s\n", s.Duration.Round(time.Millisecond))
	if s.Aborted {
		failColor.Fprintf(w, "Aborted:           %s\n", s.AbortReason)
	}

	fmt.Fprintln(w, "\nSessions:")
	fmt.Fprintf(w, "  Started:         %d\n", s.Stats.SessionsStarted)
	fmt.Fprintf(w, "  Active:          %d\n", s.Stats.SessionsActive)
	fmt.Fprintf(w, "  Closed:          %d\n", s.Stats.SessionsClosed)
	fmt.Fprintf(w, "  Errored:         %d\n", s.Stats.SessionsErrors)
	fmt.Fprintf(w, "  Failed:          %d\n", s.Stats.SessionsFailed)
	fmt.Fprintf(w, "  Protocol errors: %d\n", s.Stats.ProtocolErrors)
	fmt.Fprintf(w, "  Close timeouts:  %d\n", s.Stats.CloseTimeouts)

	fmt.Fprintln(w, "\nMessage Delay (ms):")
	if s.Stats.Samples == 0 {
		mutedColor.Fprintln(w, "  no timed messages received")
	} else {
		fmt.Fprintf(w, "  Samples:         %d (%.1f/s)\n", s.Stats.Samples, s.Stats.SamplesPerSec)
		fmt.Fprintf(w, "  Min:             %.2f\n", s.Stats.MinDelayMs)
		fmt.Fprintf(w, "  Max:             %.2f\n", s.Stats.MaxDelayMs)
		fmt.Fprintf(w, "  Mean:            %.2f\n", s.Stats.MeanDelayMs)
		fmt.Fprintf(w, "  P50:             %.2f\n", s.Stats.P50DelayMs)
		fmt.Fprintf(w, "  P90:             %.2f\n", s.Stats.P90DelayMs)
		fmt.Fprintf(w, "  P95:             %.2f\n", s.Stats.P95DelayMs)
		fmt.Fprintf(w, "  P99:             %.2f\n", s.Stats.P99DelayMs)
		if s.Stats.SkewedSamples > 0 {
			fmt.Fprintf(w, "  Negative (skew): %d\n", s.Stats.SkewedSamples)
		}
	}

	fmt.Fprintln(w, "\nTraffic:")
	fmt.Fprintf(w, "  Messages:        %d sent, %d received\n", s.Traffic.MessagesSent, s.Traffic.MessagesReceived)
	fmt.Fprintf(w, "  Bytes:           %d sent, %d received\n", s.Traffic.BytesSent, s.Traffic.BytesReceived)

	if len(s.Scenarios) > 0 {
		fmt.Fprintln(w, "\nScenarios:")
		for _, sc := range s.Scenarios {
			fmt.Fprintf(w, "  - %s: peak=%d, started=%d, completed=%d, failed=%d, stopped=%d\n",
				sc.Name, sc.PeakLive, sc.Started, sc.Completed, sc.Failed, sc.Stopped)
		}
	}

	if len(s.Stats.Failures) > 0 {
		fmt.Fprintln(w, "\nFailures:")
		writeFailureBuckets(w, s.Stats.Failures, "  ")
	}

	if len(s.Allowances) > 0 {
		fmt.Fprintf(w, "\nProfile allowances: %s\n", strings.Join(s.Allowances, ", "))
	}

	if s.Thresholds.Total > 0 {
		fmt.Fprintf(w, "\nThresholds (%d/%d passed):\n", s.Thresholds.Passed, s.Thresholds.Total)
		for _, r := range s.Thresholds.Results {
			writeThresholdRow(w, r)
		}
	}

	fmt.Fprintln(w)
	if s.Passed {
		passColor.Fprintln(w, "PASS")
	} else {
		failColor.Fprintln(w, "FAIL")
	}
}

func writeThresholdRow(w io.Writer, r ThresholdResultJSON) {
	mark := passColor.Sprint("✓")
	if !r.Pass {
		mark = failColor.Sprint("✗")
	}
	line := fmt.Sprintf("  %s %s: %.2f %s %.2f", mark, r.Threshold, r.Actual, r.Operator, r.Expected)
	if r.Allowance != 0 {
		line += fmt.Sprintf(" (includes +%.0f allowance)", r.Allowance)
	}
	if r.NoData {
		line += mutedColor.Sprint(" (no data)")
	}
	if r.AbortOnFail {
		line += " [abort on fail]"
	}
	fmt.Fprintln(w, line)
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, s Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func writeFailureBuckets(w io.Writer, buckets map[string]map[string]int, indent string) {
	rows := metrics.FlattenFailureBuckets(buckets)
	if len(rows) == 0 {
		fmt.Fprintf(w, "%sNone\n", indent)
		return
	}
	for _, row := range rows {
		fmt.Fprintf(w, "%s%s %s: %d\n", indent, strings.ToUpper(row.Kind), row.Label, row.Count)
	}
}
