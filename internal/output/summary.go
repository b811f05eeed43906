package output

import (
	"time"

	"github.com/torosent/wsramp/internal/clientmetrics"
	"github.com/torosent/wsramp/internal/metrics"
	"github.com/torosent/wsramp/internal/runner"
	"github.com/torosent/wsramp/internal/threshold"
)

// Summary is everything reported about a finished run.
type Summary struct {
	RunID       string                 `json:"run_id"`
	Plan        string                 `json:"plan"`
	Target      string                 `json:"target"`
	StartedAt   time.Time              `json:"started_at"`
	Duration    time.Duration          `json:"-"`
	Aborted     bool                   `json:"aborted"`
	AbortReason string                 `json:"abort_reason,omitempty"`
	Passed      bool                   `json:"passed"`
	Stats       metrics.Stats          `json:"metrics"`
	Traffic     TrafficSummary         `json:"traffic"`
	Scenarios   []runner.ScenarioStats `json:"scenarios"`
	Thresholds  ThresholdSummary       `json:"thresholds"`
	Profile     map[string]string      `json:"profile,omitempty"`
	Allowances  []string               `json:"allowances_applied,omitempty"`
	History     []metrics.DataPoint    `json:"history,omitempty"`
}

// TrafficSummary is the socket-level traffic of every session combined.
type TrafficSummary struct {
	MessagesSent      int64 `json:"messages_sent"`
	MessagesReceived  int64 `json:"messages_received"`
	BytesSent         int64 `json:"bytes_sent"`
	BytesReceived     int64 `json:"bytes_received"`
	ControlFramesSent int64 `json:"control_frames_sent"`
	Errors            int64 `json:"errors"`
}

// NewTrafficSummary copies client counters into their reported form.
func NewTrafficSummary(s clientmetrics.Snapshot) TrafficSummary {
	return TrafficSummary{
		MessagesSent:      s.MessagesSent,
		MessagesReceived:  s.MessagesReceived,
		BytesSent:         s.BytesSent,
		BytesReceived:     s.BytesReceived,
		ControlFramesSent: s.ControlFramesSent,
		Errors:            s.Errors,
	}
}

// ThresholdSummary counts passes and failures alongside each result.
type ThresholdSummary struct {
	Total   int                   `json:"total"`
	Passed  int                   `json:"passed"`
	Failed  int                   `json:"failed"`
	Results []ThresholdResultJSON `json:"results"`
}

type ThresholdResultJSON struct {
	Threshold   string  `json:"threshold"`
	Metric      string  `json:"metric"`
	Aggregate   string  `json:"aggregate"`
	Operator    string  `json:"operator"`
	Expected    float64 `json:"expected"`
	Allowance   float64 `json:"allowance,omitempty"`
	Actual      float64 `json:"actual"`
	Pass        bool    `json:"pass"`
	NoData      bool    `json:"no_data,omitempty"`
	AbortOnFail bool    `json:"abort_on_fail"`
}

// NewThresholdSummary flattens a verdict for reporting.
func NewThresholdSummary(v threshold.Verdict) ThresholdSummary {
	s := ThresholdSummary{
		Total:   len(v.Results),
		Results: make([]ThresholdResultJSON, len(v.Results)),
	}
	for i, r := range v.Results {
		s.Results[i] = ThresholdResultJSON{
			Threshold:   r.Threshold.Raw,
			Metric:      r.Threshold.Metric,
			Aggregate:   r.Threshold.Label(),
			Operator:    r.Threshold.Operator,
			Expected:    r.Threshold.Limit(),
			Allowance:   r.Threshold.Adjustment,
			Actual:      r.Actual,
			Pass:        r.Pass,
			NoData:      r.NoData,
			AbortOnFail: r.Threshold.AbortOnFail,
		}
		if r.Pass {
			s.Passed++
		} else {
			s.Failed++
		}
	}
	return s
}
