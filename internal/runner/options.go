package runner

import (
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/torosent/wsramp/internal/session"
)

// DefaultTickInterval is how often controllers re-read the stage plan.
const DefaultTickInterval = 100 * time.Millisecond

// SessionTemplate is what every session in a scenario shares.
type SessionTemplate struct {
	Endpoint          string
	Lifetime          time.Duration
	KeepAliveInterval time.Duration
	ClosingTimeout    time.Duration
	EventPrefix       string
	ChannelTemplate   string
}

// Scenario is an immutable description of one concurrency ramp.
type Scenario struct {
	Name        string
	StartOffset time.Duration
	Stages      []Stage
	Ramp        RampMode
	// GracefulRampDown is how long a session selected for removal may keep
	// running before it is stopped.
	GracefulRampDown time.Duration
	// SpawnRate caps new sessions per second; 0 means as fast as the plan asks.
	SpawnRate float64
	Session   SessionTemplate
}

// Duration is the scenario length excluding its start offset.
func (s Scenario) Duration() time.Duration {
	var total time.Duration
	for _, st := range s.Stages {
		total += st.Duration
	}
	return total
}

// Validate reports configuration mistakes in the scenario.
func (s Scenario) Validate() error {
	var issues []string
	if strings.TrimSpace(s.Name) == "" {
		issues = append(issues, "name is required")
	}
	if s.StartOffset < 0 {
		issues = append(issues, "start offset must be non-negative")
	}
	if s.GracefulRampDown < 0 {
		issues = append(issues, "graceful ramp down must be non-negative")
	}
	if s.SpawnRate < 0 {
		issues = append(issues, "spawn rate must be non-negative")
	}
	if s.Ramp != "" && s.Ramp != RampLinear && s.Ramp != RampStep {
		issues = append(issues, fmt.Sprintf("unknown ramp mode %q", s.Ramp))
	}
	if len(s.Stages) == 0 {
		issues = append(issues, "at least one stage is required")
	}
	for i, st := range s.Stages {
		if st.Duration < 0 {
			issues = append(issues, fmt.Sprintf("stages[%d]: duration must be non-negative", i))
		}
		if st.Target < 0 {
			issues = append(issues, fmt.Sprintf("stages[%d]: target must be non-negative", i))
		}
	}
	if len(s.Stages) > 0 && s.Duration() <= 0 {
		issues = append(issues, "stages must span a positive duration")
	}
	if strings.TrimSpace(s.Session.Endpoint) == "" {
		issues = append(issues, "session endpoint is required")
	}
	if len(issues) == 0 {
		return nil
	}
	return fmt.Errorf("scenario %q: %s", s.Name, strings.Join(issues, "; "))
}

// Options configure the Scheduler.
type Options struct {
	Scenarios      []Scenario
	Dialer         session.Dialer // connection factory (required)
	Sink           session.Sink
	Logger         *zap.Logger
	Tracer         trace.Tracer
	Tracker        *session.ResourceTracker
	TickInterval   time.Duration
	LimiterFactory func(perSecond float64) *rate.Limiter // optional injection for tests
}

func (o *Options) normalize() {
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if o.Tracker == nil {
		o.Tracker = session.NewResourceTracker()
	}
	if o.LimiterFactory == nil {
		o.LimiterFactory = func(perSecond float64) *rate.Limiter {
			if perSecond <= 0 {
				return rate.NewLimiter(rate.Inf, 0)
			}
			// Burst of one second's worth so a tick can catch up.
			burst := int(math.Ceil(perSecond))
			if burst < 1 {
				burst = 1
			}
			return rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}
