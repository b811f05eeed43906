// Package metrics aggregates message delivery latency and session outcomes
// reported by virtual user sessions.
//
// # Collector
//
// One [Collector] is shared by every session in a run:
//
//	collector := metrics.NewCollector()
//	collector.Start()
//
//	// From a session goroutine
//	collector.RecordLatency(metrics.NewLatencySample(sentAt, receivedAt))
//	collector.RecordFailure(metrics.FailureConnection, err)
//
// # Exact and live views
//
// [Collector.Snapshot] copies every delay sample and sorts it, so percentile
// and mean queries are exact and do not depend on insertion order. It is what
// thresholds are evaluated against.
//
// [Collector.Stats] reads an HdrHistogram instead and is cheap enough for the
// progress line, dashboard and metrics endpoint to poll.
//
// # Time-Series Data
//
// [Collector.Sample] appends a [DataPoint] with the current live session
// count; [Collector.History] returns the series for charting.
//
// # Thread Safety
//
// All methods are safe for concurrent use. A snapshot reflects every write
// that completed before it was taken.
package metrics
