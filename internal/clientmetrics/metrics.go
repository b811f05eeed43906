// Package clientmetrics counts traffic on a single broker connection.
package clientmetrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// ClientMetrics tracks frames and bytes for one connection. Counters are
// atomic so the reader and writer sides can update them without sharing a lock.
type ClientMetrics struct {
	mu           sync.Mutex
	connectedAt  time.Time
	closedAt     time.Time
	messagesSent atomic.Int64
	messagesRecv atomic.Int64
	bytesSent    atomic.Int64
	bytesRecv    atomic.Int64
	controlSent  atomic.Int64
	errors       atomic.Int64
}

// New creates a new ClientMetrics instance.
func New() *ClientMetrics {
	return &ClientMetrics{}
}

// MarkConnected records the connection time.
func (m *ClientMetrics) MarkConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectedAt = time.Now()
	m.closedAt = time.Time{}
}

// MarkClosed freezes the connection duration.
func (m *ClientMetrics) MarkClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connectedAt.IsZero() && m.closedAt.IsZero() {
		m.closedAt = time.Now()
	}
}

// IncrementSent counts one outbound data frame.
func (m *ClientMetrics) IncrementSent(bytes int64) {
	m.messagesSent.Add(1)
	m.bytesSent.Add(bytes)
}

// IncrementReceived counts one inbound data frame.
func (m *ClientMetrics) IncrementReceived(bytes int64) {
	m.messagesRecv.Add(1)
	m.bytesRecv.Add(bytes)
}

// IncrementControl counts one outbound control frame (close).
func (m *ClientMetrics) IncrementControl() {
	m.controlSent.Add(1)
}

// IncrementErrors increments the error counter.
func (m *ClientMetrics) IncrementErrors() {
	m.errors.Add(1)
}

// ConnectionDuration returns how long the connection has been (or was) open.
func (m *ClientMetrics) ConnectionDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durationLocked()
}

func (m *ClientMetrics) durationLocked() time.Duration {
	if m.connectedAt.IsZero() {
		return 0
	}
	if !m.closedAt.IsZero() {
		return m.closedAt.Sub(m.connectedAt)
	}
	return time.Since(m.connectedAt)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ConnectionDuration time.Duration
	MessagesSent       int64
	MessagesReceived   int64
	BytesSent          int64
	BytesReceived      int64
	ControlFramesSent  int64
	Errors             int64
}

// Snapshot returns a copy of all counters.
func (m *ClientMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	duration := m.durationLocked()
	m.mu.Unlock()

	return Snapshot{
		ConnectionDuration: duration,
		MessagesSent:       m.messagesSent.Load(),
		MessagesReceived:   m.messagesRecv.Load(),
		BytesSent:          m.bytesSent.Load(),
		BytesReceived:      m.bytesRecv.Load(),
		ControlFramesSent:  m.controlSent.Load(),
		Errors:             m.errors.Load(),
	}
}
