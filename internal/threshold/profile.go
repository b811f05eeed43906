package threshold

import (
	"sort"
	"strings"
)

// Allowance is extra headroom granted to delay thresholds when a profile
// flag is set, e.g. a slower backing store.
type Allowance struct {
	Percentile float64 `mapstructure:"percentile" json:"percentile" yaml:"percentile"`
	Average    float64 `mapstructure:"average" json:"average" yaml:"average"`
}

// DefaultAllowances are keyed "<flag>:<value>".
func DefaultAllowances() map[string]Allowance {
	return map[string]Allowance{
		"db_driver:mysql":    {Percentile: 500, Average: 100},
		"cache_driver:redis": {Percentile: 20, Average: 20},
	}
}

// ApplyProfile returns a copy of thresholds with matching allowances added to
// each delay percentile and average threshold, plus the keys that matched.
// It is meant to run once before the run starts.
func ApplyProfile(thresholds []Threshold, profile map[string]string, allowances map[string]Allowance) ([]Threshold, []string) {
	out := make([]Threshold, len(thresholds))
	copy(out, thresholds)

	var applied []string
	flags := make([]string, 0, len(profile))
	for flag := range profile {
		flags = append(flags, flag)
	}
	sort.Strings(flags)

	for _, flag := range flags {
		value := strings.ToLower(strings.TrimSpace(profile[flag]))
		if value == "" {
			continue
		}
		key := strings.ToLower(flag) + ":" + value
		a, ok := allowances[key]
		if !ok {
			continue
		}
		applied = append(applied, key)
		for i := range out {
			if out[i].Metric != MetricMessageDelay {
				continue
			}
			switch out[i].Aggregate {
			case "percentile":
				out[i].Adjustment += a.Percentile
			case "avg":
				out[i].Adjustment += a.Average
			}
		}
	}
	return out, applied
}
