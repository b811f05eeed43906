package metrics

import (
	"math"
	"sort"

	"github.com/torosent/wsramp/internal/clientmetrics"
)

// Snapshot is a consistent copy of the collector. Delays is sorted ascending.
type Snapshot struct {
	Delays []float64
	Skewed int64

	SessionsStarted int64
	SessionsOpened  int64
	SessionsActive  int64
	SessionsClosed  int64
	SessionsErrors  int64
	SessionsFailed  int64
	ProtocolErrors  int64
	CloseTimeouts   int64
	Aborted         int64

	Traffic  clientmetrics.Snapshot
	Failures map[string]map[string]int
}

// Count returns the number of delay samples.
func (s Snapshot) Count() int {
	return len(s.Delays)
}

// Mean returns the average delay, or 0 with no samples. The sum runs over the
// sorted delays with compensation, so the result does not depend on the order
// samples were recorded in.
func (s Snapshot) Mean() float64 {
	if len(s.Delays) == 0 {
		return 0
	}
	return sortedSum(s.Delays) / float64(len(s.Delays))
}

// sortedSum is a Neumaier compensated sum.
func sortedSum(sorted []float64) float64 {
	var sum, comp float64
	for _, v := range sorted {
		t := sum + v
		if math.Abs(sum) >= math.Abs(v) {
			comp += (sum - t) + v
		} else {
			comp += (v - t) + sum
		}
		sum = t
	}
	return sum + comp
}

// Min returns the smallest delay.
func (s Snapshot) Min() float64 {
	if len(s.Delays) == 0 {
		return 0
	}
	return s.Delays[0]
}

// Max returns the largest delay.
func (s Snapshot) Max() float64 {
	if len(s.Delays) == 0 {
		return 0
	}
	return s.Delays[len(s.Delays)-1]
}

// Percentile returns the p-th percentile (0..100) of the delays.
func (s Snapshot) Percentile(p float64) float64 {
	return percentileSorted(s.Delays, p)
}

// FailureRate is the share of started sessions that failed.
func (s Snapshot) FailureRate() float64 {
	if s.SessionsStarted == 0 {
		return 0
	}
	return float64(s.SessionsFailed) / float64(s.SessionsStarted)
}

// Percentile sorts a copy of values and interpolates linearly between the two
// closest ranks.
func Percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}
	rank := p / 100 * float64(n-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*frac
}
