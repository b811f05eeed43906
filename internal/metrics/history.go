package metrics

import "time"

const maxHistoryPoints = 3600

// DataPoint is one sample of the run's time series.
type DataPoint struct {
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	LiveSessions   int     `json:"live_sessions"`
	TargetSessions int     `json:"target_sessions"`
	Samples        int64   `json:"samples"`
	MeanDelayMs    float64 `json:"mean_delay_ms"`
	P95DelayMs     float64 `json:"p95_delay_ms"`
	SessionsFailed int64   `json:"sessions_failed"`
}

// Sample appends a data point combining the given session counts with the
// current histogram view. Oldest points are dropped past the retention cap.
func (c *Collector) Sample(live, target int) DataPoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.start)
	stats := c.statsLocked(elapsed)
	point := DataPoint{
		ElapsedSeconds: elapsed.Seconds(),
		LiveSessions:   live,
		TargetSessions: target,
		Samples:        stats.Samples,
		MeanDelayMs:    stats.MeanDelayMs,
		P95DelayMs:     stats.P95DelayMs,
		SessionsFailed: stats.SessionsFailed,
	}
	c.history = append(c.history, point)
	if len(c.history) > maxHistoryPoints {
		c.history = c.history[len(c.history)-maxHistoryPoints:]
	}
	return point
}

// History returns a copy of the recorded data points.
func (c *Collector) History() []DataPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DataPoint, len(c.history))
	copy(out, c.history)
	return out
}
