package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// DefaultPlan runs the soak population with the churn population layered on
// top once the soak has stabilised.
const DefaultPlan = "soak-and-churn"

// Plan is a named, fully resolved list of scenarios.
type Plan struct {
	Name      string           `yaml:"name"`
	Scenarios []ScenarioConfig `yaml:"scenarios"`
}

// Duration is when the last scenario's final stage ends.
func (p Plan) Duration() time.Duration {
	var longest time.Duration
	for _, sc := range p.Scenarios {
		if end := sc.StartTime + sc.Duration(); end > longest {
			longest = end
		}
	}
	return longest
}

func soakTraffic() ScenarioConfig {
	return ScenarioConfig{
		Name: "soakTraffic",
		Stages: []StageConfig{
			{Duration: 50 * time.Second, Target: 250},
			{Duration: 110 * time.Second, Target: 250},
		},
		GracefulRampDown: 40 * time.Second,
	}
}

func highTraffic() ScenarioConfig {
	return ScenarioConfig{
		Name:      "highTraffic",
		StartTime: 50 * time.Second,
		Stages: []StageConfig{
			{Duration: 50 * time.Second, Target: 250},
			{Duration: 30 * time.Second, Target: 250},
			{Duration: 10 * time.Second, Target: 100},
			{Duration: 10 * time.Second, Target: 50},
			{Duration: 10 * time.Second, Target: 100},
		},
		GracefulRampDown: 20 * time.Second,
	}
}

func smoke() ScenarioConfig {
	return ScenarioConfig{
		Name: "smoke",
		Stages: []StageConfig{
			{Duration: 5 * time.Second, Target: 5},
			{Duration: 10 * time.Second, Target: 5},
		},
		GracefulRampDown: 2 * time.Second,
	}
}

var builtinPlans = map[string]func() []ScenarioConfig{
	DefaultPlan: func() []ScenarioConfig { return []ScenarioConfig{soakTraffic(), highTraffic()} },
	"soak":      func() []ScenarioConfig { return []ScenarioConfig{soakTraffic()} },
	"churn": func() []ScenarioConfig {
		sc := highTraffic()
		sc.StartTime = 0
		return []ScenarioConfig{sc}
	},
	"smoke": func() []ScenarioConfig { return []ScenarioConfig{smoke()} },
}

// PlanNames lists built-in and configured plans, sorted.
func (c Config) PlanNames() []string {
	names := slices.Collect(maps.Keys(builtinPlans))
	for name := range c.Plans {
		if _, ok := builtinPlans[name]; !ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (c Config) hasPlan(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return true
	}
	if _, ok := c.Plans[name]; ok {
		return true
	}
	_, ok := builtinPlans[name]
	return ok
}

// ResolvePlan picks the scenarios to run and fills inherited values. Inline
// scenarios win over a named plan; configured plans shadow built-in ones.
func (c Config) ResolvePlan() (Plan, error) {
	var (
		name      string
		scenarios []ScenarioConfig
	)
	switch {
	case len(c.Scenarios) > 0:
		name = "custom"
		scenarios = c.Scenarios
	default:
		name = strings.TrimSpace(c.Plan)
		if name == "" {
			name = DefaultPlan
		}
		if configured, ok := c.Plans[name]; ok {
			scenarios = configured
		} else if builtin, ok := builtinPlans[name]; ok {
			scenarios = builtin()
		} else {
			return Plan{}, fmt.Errorf("unknown plan %q (available: %s)", name, strings.Join(c.PlanNames(), ", "))
		}
	}

	if issues := validateScenarios("plan "+name, scenarios); len(issues) > 0 {
		return Plan{}, ValidationError{issues: issues}
	}

	plan := Plan{Name: name, Scenarios: make([]ScenarioConfig, len(scenarios))}
	for i, sc := range scenarios {
		plan.Scenarios[i] = c.inherit(sc)
	}
	return plan, nil
}

func (c Config) inherit(sc ScenarioConfig) ScenarioConfig {
	sc.Name = strings.TrimSpace(sc.Name)
	sc.Stages = slices.Clone(sc.Stages)
	if sc.Ramp == "" {
		sc.Ramp = RampLinear
	}
	if strings.TrimSpace(sc.Env.Target) == "" {
		sc.Env.Target = c.Target
	}
	if sc.Env.SessionLifetime == 0 {
		sc.Env.SessionLifetime = c.SessionLifetime
	}
	if sc.Env.SessionLifetime == 0 {
		sc.Env.SessionLifetime = sc.Duration()
	}
	flags := maps.Clone(c.Profile)
	if flags == nil {
		flags = map[string]string{}
	}
	for k, v := range sc.Env.Flags {
		flags[k] = v
	}
	sc.Env.Flags = flags
	return sc
}

// EffectiveProfile is the run-level profile with any flag set only by a
// scenario added in plan order.
func (c Config) EffectiveProfile(plan Plan) map[string]string {
	out := maps.Clone(c.Profile)
	if out == nil {
		out = map[string]string{}
	}
	for _, sc := range plan.Scenarios {
		for k, v := range sc.Env.Flags {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
		}
	}
	return out
}
