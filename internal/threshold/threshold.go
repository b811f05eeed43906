package threshold

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/torosent/wsramp/internal/metrics"
)

const (
	MetricMessageDelay   = "message_delay_ms"
	MetricSessionsFailed = "sessions_failed"
	MetricProtocolErrors = "protocol_errors"
)

// Threshold represents a performance assertion that can pass or fail.
type Threshold struct {
	Metric     string  // e.g. "message_delay_ms", "sessions_failed"
	Aggregate  string  // "percentile", "avg", "med", "min", "max", "rate", "count"
	Percentile float64 // set when Aggregate is "percentile"
	Operator   string  // "<", "<=", ">", ">=", "=="
	Value      float64 // configured limit
	Adjustment float64 // profile allowance added to Value before the run
	// AbortOnFail stops the run early when the threshold fails.
	AbortOnFail bool
	Raw         string
}

// Limit is the value actually compared against.
func (t Threshold) Limit() float64 {
	return t.Value + t.Adjustment
}

// Label names the aggregate the way it was configured, e.g. "p(95)".
func (t Threshold) Label() string {
	if t.Aggregate == "percentile" {
		return "p(" + strconv.FormatFloat(t.Percentile, 'f', -1, 64) + ")"
	}
	return t.Aggregate
}

// Result represents the outcome of evaluating a threshold.
type Result struct {
	Threshold Threshold
	Actual    float64
	Pass      bool
	NoData    bool
	Message   string
}

// Verdict holds every result. The run passes only when all of them pass.
type Verdict struct {
	Results []Result
	Pass    bool
}

// Failed returns the results that did not pass.
func (v Verdict) Failed() []Result {
	var out []Result
	for _, r := range v.Results {
		if !r.Pass {
			out = append(out, r)
		}
	}
	return out
}

// AbortRequested reports whether a failing threshold asked to stop the run.
func (v Verdict) AbortRequested() bool {
	for _, r := range v.Results {
		if !r.Pass && r.Threshold.AbortOnFail {
			return true
		}
	}
	return false
}

// Evaluator evaluates thresholds against collected metrics.
type Evaluator struct {
	thresholds []Threshold
}

// NewEvaluator creates a new threshold evaluator.
func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{
		thresholds: thresholds,
	}
}

// Thresholds returns the thresholds being evaluated.
func (e *Evaluator) Thresholds() []Threshold {
	return e.thresholds
}

// Evaluate checks all thresholds against the snapshot.
func (e *Evaluator) Evaluate(snap metrics.Snapshot) Verdict {
	verdict := Verdict{Pass: true}
	if len(e.thresholds) == 0 {
		return verdict
	}

	verdict.Results = make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		result := evaluateOne(t, snap)
		verdict.Pass = verdict.Pass && result.Pass
		verdict.Results = append(verdict.Results, result)
	}
	return verdict
}

func evaluateOne(t Threshold, snap metrics.Snapshot) Result {
	if t.Metric == MetricMessageDelay && t.Aggregate != "count" && snap.Count() == 0 {
		return Result{
			Threshold: t,
			Pass:      true,
			NoData:    true,
			Message:   fmt.Sprintf("✓ %s: no samples", t.Raw),
		}
	}

	actual, err := extractMetricValue(t, snap)
	if err != nil {
		return Result{
			Threshold: t,
			Actual:    0,
			Pass:      false,
			Message:   fmt.Sprintf("error: %v", err),
		}
	}

	pass := compareValues(actual, t.Operator, t.Limit())
	status := "✓"
	if !pass {
		status = "✗"
	}

	message := fmt.Sprintf("%s %s: %.2f %s %.2f", status, t.Raw, actual, t.Operator, t.Limit())
	if t.Adjustment != 0 {
		message += fmt.Sprintf(" (includes %+.0f allowance)", t.Adjustment)
	}
	return Result{
		Threshold: t,
		Actual:    actual,
		Pass:      pass,
		Message:   message,
	}
}

var (
	qualifiedPattern = regexp.MustCompile(`^([a-z_]+):([a-z0-9().]+)\s*([<>=!]+)\s*([0-9.]+)$`)
	shortPattern     = regexp.MustCompile(`^([a-z0-9().]+)\s*([<>=!]+)\s*([0-9.]+)$`)
	percentileForm   = regexp.MustCompile(`^p(?:\(([0-9.]+)\)|([0-9.]+))$`)
)

// Parse parses a threshold string into a Threshold struct.
// Supported formats:
//   - "p(95)<100"                         (delay percentile in ms)
//   - "avg<100"                           (average delay in ms)
//   - "message_delay_ms:p95 < 100"        (qualified form)
//   - "message_delay_ms:max < 1000"       (min, max, med, count also work)
//   - "sessions_failed:rate < 0.01"       (failed sessions over started sessions)
//   - "sessions_failed:count < 10"
//   - "protocol_errors:count == 0"
//
// The unqualified form always refers to message_delay_ms.
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Threshold{}, fmt.Errorf("empty threshold string")
	}

	var metric, aggregate, operator, valueStr string
	if m := qualifiedPattern.FindStringSubmatch(s); m != nil {
		metric, aggregate, operator, valueStr = m[1], m[2], m[3], m[4]
	} else if m := shortPattern.FindStringSubmatch(s); m != nil {
		metric, aggregate, operator, valueStr = MetricMessageDelay, m[1], m[2], m[3]
	} else {
		return Threshold{}, fmt.Errorf("invalid threshold format: %q (expected e.g. 'p(95)<100' or 'message_delay_ms:p95 < 100')", s)
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %v", valueStr, err)
	}

	t := Threshold{Metric: metric, Operator: operator, Value: value, Raw: s}
	if pm := percentileForm.FindStringSubmatch(aggregate); pm != nil {
		raw := pm[1] + pm[2]
		p, err := strconv.ParseFloat(raw, 64)
		if err != nil || p <= 0 || p > 100 {
			return Threshold{}, fmt.Errorf("invalid percentile %q: must be in (0, 100]", raw)
		}
		t.Aggregate = "percentile"
		t.Percentile = p
	} else {
		t.Aggregate = aggregate
		if aggregate == "mean" {
			t.Aggregate = "avg"
		}
	}

	if !isValidMetric(metric) {
		return Threshold{}, fmt.Errorf("unsupported metric: %q (supported: %s, %s, %s)", metric, MetricMessageDelay, MetricSessionsFailed, MetricProtocolErrors)
	}
	if !isValidAggregate(t.Metric, t.Aggregate) {
		return Threshold{}, fmt.Errorf("unsupported aggregate %q for %s", aggregate, metric)
	}
	if !isValidOperator(operator) {
		return Threshold{}, fmt.Errorf("unsupported operator: %q (supported: <, <=, >, >=, ==)", operator)
	}
	return t, nil
}

// ParseMultiple parses multiple threshold strings.
func ParseMultiple(thresholds []string) ([]Threshold, error) {
	if len(thresholds) == 0 {
		return nil, nil
	}

	result := make([]Threshold, 0, len(thresholds))
	var errors []string

	for i, s := range thresholds {
		t, err := Parse(s)
		if err != nil {
			errors = append(errors, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		result = append(result, t)
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(errors, "; "))
	}

	return result, nil
}

// Spec pairs a threshold expression with its abort flag.
type Spec struct {
	Expr        string
	AbortOnFail bool
}

// ParseSpecs parses specs, carrying AbortOnFail onto each threshold.
func ParseSpecs(specs []Spec) ([]Threshold, error) {
	exprs := make([]string, len(specs))
	for i, s := range specs {
		exprs[i] = s.Expr
	}
	out, err := ParseMultiple(exprs)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].AbortOnFail = specs[i].AbortOnFail
	}
	return out, nil
}

func isValidMetric(metric string) bool {
	switch metric {
	case MetricMessageDelay, MetricSessionsFailed, MetricProtocolErrors:
		return true
	}
	return false
}

func isValidAggregate(metric, aggregate string) bool {
	switch metric {
	case MetricMessageDelay:
		switch aggregate {
		case "percentile", "avg", "med", "min", "max", "count":
			return true
		}
	case MetricSessionsFailed:
		return aggregate == "count" || aggregate == "rate"
	case MetricProtocolErrors:
		return aggregate == "count"
	}
	return false
}

func isValidOperator(operator string) bool {
	valid := []string{"<", "<=", ">", ">=", "=="}
	for _, v := range valid {
		if operator == v {
			return true
		}
	}
	return false
}

func extractMetricValue(t Threshold, snap metrics.Snapshot) (float64, error) {
	switch t.Metric {
	case MetricMessageDelay:
		return extractDelayMetric(t, snap)
	case MetricSessionsFailed:
		switch t.Aggregate {
		case "count":
			return float64(snap.SessionsFailed), nil
		case "rate":
			return snap.FailureRate(), nil
		}
	case MetricProtocolErrors:
		if t.Aggregate == "count" {
			return float64(snap.ProtocolErrors), nil
		}
	default:
		return 0, fmt.Errorf("unknown metric: %s", t.Metric)
	}
	return 0, fmt.Errorf("unsupported aggregate %q for %s", t.Aggregate, t.Metric)
}

func extractDelayMetric(t Threshold, snap metrics.Snapshot) (float64, error) {
	switch t.Aggregate {
	case "percentile":
		return snap.Percentile(t.Percentile), nil
	case "avg":
		return snap.Mean(), nil
	case "med":
		return snap.Percentile(50), nil
	case "min":
		return snap.Min(), nil
	case "max":
		return snap.Max(), nil
	case "count":
		return float64(snap.Count()), nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q for %s", t.Aggregate, MetricMessageDelay)
	}
}

func compareValues(actual float64, operator string, expected float64) bool {
	// Handle floating point comparison with small epsilon
	epsilon := 1e-9

	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	default:
		return false
	}
}
