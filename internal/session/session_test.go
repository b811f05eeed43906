package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"

	"github.com/torosent/wsramp/internal/clientmetrics"
	"github.com/torosent/wsramp/internal/metrics"
	"github.com/torosent/wsramp/internal/mockbroker"
	"github.com/torosent/wsramp/internal/protocol"
)

type fakeFrame struct {
	payload []byte
	err     error
}

type fakeConn struct {
	inbound   chan fakeFrame
	closed    chan struct{}
	closeOnce sync.Once
	ackClose  bool
	sendErr   error

	mu         sync.Mutex
	sent       [][]byte
	closesSent int
}

func newFakeConn(ackClose bool) *fakeConn {
	return &fakeConn{
		inbound:  make(chan fakeFrame, 16),
		closed:   make(chan struct{}),
		ackClose: ackClose,
	}
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case f := <-c.inbound:
		return f.payload, f.err
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) SendClose() error {
	c.mu.Lock()
	c.closesSent++
	c.mu.Unlock()
	if c.ackClose {
		c.inbound <- fakeFrame{err: &gws.CloseError{Code: gws.CloseNormalClosure}}
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(payload string) {
	c.inbound <- fakeFrame{payload: []byte(payload)}
}

func (c *fakeConn) sentEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var events []string
	for _, frame := range c.sent {
		events = append(events, gjson.GetBytes(frame, "event").String())
	}
	return events
}

func (c *fakeConn) closeFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closesSent
}

type fakeDialer struct {
	conn  Conn
	err   error
	block bool
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type recordingSink struct {
	mu        sync.Mutex
	latencies []metrics.LatencySample
	states    []string
	failures  []metrics.FailureKind
	errs      []error
	traffic   []clientmetrics.Snapshot
}

func (s *recordingSink) RecordLatency(sample metrics.LatencySample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies = append(s.latencies, sample)
}

func (s *recordingSink) RecordState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

func (s *recordingSink) RecordFailure(kind metrics.FailureKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, kind)
	s.errs = append(s.errs, err)
}

func (s *recordingSink) RecordTraffic(snap clientmetrics.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traffic = append(s.traffic, snap)
}

func (s *recordingSink) latencyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.latencies)
}

func (s *recordingSink) failureKinds() []metrics.FailureKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]metrics.FailureKind(nil), s.failures...)
}

func (s *recordingSink) stateLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.states...)
}

type harness struct {
	sess    *Session
	sink    *recordingSink
	tracker *ResourceTracker
	errCh   chan error
}

func start(t *testing.T, cfg Config, dialer Dialer, now func() time.Time) *harness {
	t.Helper()
	h := &harness{
		sink:    &recordingSink{},
		tracker: NewResourceTracker(),
		errCh:   make(chan error, 1),
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "ws://broker.test/app/key"
	}
	h.sess = New(cfg, Deps{
		Dialer:  dialer,
		Sink:    h.sink,
		Logger:  zaptest.NewLogger(t),
		Tracker: h.tracker,
		Now:     now,
	})
	go func() { h.errCh <- h.sess.Run(context.Background()) }()
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.sess.State() == want },
		2*time.Second, 5*time.Millisecond, "session never reached %s (at %s)", want, h.sess.State())
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not finish, state %s", h.sess.State())
		return nil
	}
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	<-h.sess.Done()
	assert.Zero(t, h.tracker.Sockets(), "open sockets")
	assert.Zero(t, h.tracker.Timers(), "armed timers")
}

func TestSessionLifetimeDeadlineClosesCleanly(t *testing.T) {
	conn := newFakeConn(true)
	h := start(t, Config{ID: 7, Lifetime: 50 * time.Millisecond, EventPrefix: protocol.DefaultEventPrefix}, &fakeDialer{conn: conn}, nil)

	require.NoError(t, h.wait(t))
	assert.Equal(t, StateClosed, h.sess.State())
	assert.Equal(t, []string{"connecting", "open", "subscribing", "active", "closing", "closed"}, h.sink.stateLog())
	assert.Equal(t, []string{"pusher:subscribe"}, conn.sentEvents())
	assert.Equal(t, 1, conn.closeFrames())
	assert.Equal(t, "test-channel-7", h.sess.Channel())
	assert.False(t, h.sess.OpenedAt().IsZero())
	assert.Equal(t, h.sess.OpenedAt().Add(50*time.Millisecond), h.sess.CloseDeadline())
	assert.Empty(t, h.sink.failureKinds())
	h.assertReleased(t)
}

func TestSessionSubscribeFrameCarriesChannel(t *testing.T) {
	conn := newFakeConn(true)
	h := start(t, Config{ID: 3, Channel: "room-3", EventPrefix: "app:"}, &fakeDialer{conn: conn}, nil)
	h.waitState(t, StateActive)

	conn.mu.Lock()
	frame := conn.sent[0]
	conn.mu.Unlock()
	assert.Equal(t, "app:subscribe", gjson.GetBytes(frame, "event").String())
	assert.Equal(t, "room-3", gjson.GetBytes(frame, "data.channel").String())

	h.sess.Stop()
	require.NoError(t, h.wait(t))
	h.assertReleased(t)
}

func TestSessionMeasuresDelayWithReceiveTime(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	conn := newFakeConn(true)
	h := start(t, Config{ID: 1}, &fakeDialer{conn: conn}, func() time.Time { return now })
	h.waitState(t, StateActive)

	frame, err := protocol.TimedFrame("test-channel-1", now.Add(-42*time.Millisecond))
	require.NoError(t, err)
	conn.push(string(frame))
	conn.push(`{"event":"timed-message","channel":"test-channel-1","data":{"time":` +
		fmt.Sprint(now.Add(-7*time.Millisecond).UnixMilli()) + `}}`)

	require.Eventually(t, func() bool { return h.sink.latencyCount() == 2 }, time.Second, 5*time.Millisecond)
	h.sess.Stop()
	require.NoError(t, h.wait(t))

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	assert.InDelta(t, 42.0, h.sink.latencies[0].DelayMs, 1e-9)
	assert.InDelta(t, 7.0, h.sink.latencies[1].DelayMs, 1e-9)
	assert.True(t, h.sink.latencies[0].ReceivedAt.Equal(now))
}

func TestSessionProtocolErrorKeepsSessionActive(t *testing.T) {
	conn := newFakeConn(true)
	h := start(t, Config{ID: 2}, &fakeDialer{conn: conn}, nil)
	h.waitState(t, StateActive)

	conn.push(`not json`)
	conn.push(`{"event":"timed-message","data":{"time":"soon"}}`)
	conn.push(`{"event":"pusher:pong","data":{}}`)
	frame, err := protocol.TimedFrame("test-channel-2", time.Now())
	require.NoError(t, err)
	conn.push(string(frame))

	require.Eventually(t, func() bool { return h.sink.latencyCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateActive, h.sess.State())
	assert.Equal(t, []metrics.FailureKind{metrics.FailureProtocol, metrics.FailureProtocol}, h.sink.failureKinds())

	h.sess.Stop()
	require.NoError(t, h.wait(t))
	assert.Equal(t, StateClosed, h.sess.State())

	h.sink.mu.Lock()
	var perr *ProtocolError
	assert.ErrorAs(t, h.sink.errs[0], &perr)
	h.sink.mu.Unlock()
}

func TestSessionConnectionErrorEndsErrored(t *testing.T) {
	h := start(t, Config{ID: 4}, &fakeDialer{err: errors.New("dial tcp: connection refused")}, nil)

	err := h.wait(t)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "ws://broker.test/app/key", ce.Endpoint)
	assert.Equal(t, StateErrored, h.sess.State())
	assert.Equal(t, []string{"connecting", "errored"}, h.sink.stateLog())
	assert.Equal(t, []metrics.FailureKind{metrics.FailureConnection}, h.sink.failureKinds())
	assert.True(t, h.sess.OpenedAt().IsZero())
	assert.Equal(t, err, h.sess.Err())
	h.assertReleased(t)
}

func TestSessionResourceExhaustion(t *testing.T) {
	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("socket: %w", syscall.EMFILE)}
	h := start(t, Config{ID: 5}, &fakeDialer{err: dialErr}, nil)

	err := h.wait(t)
	assert.True(t, IsResourceExhausted(err))
	assert.Equal(t, StateErrored, h.sess.State())
	assert.Equal(t, []metrics.FailureKind{metrics.FailureResourceExhausted}, h.sink.failureKinds())
	h.assertReleased(t)
}

func TestSessionStopWhileConnecting(t *testing.T) {
	h := start(t, Config{ID: 6}, &fakeDialer{block: true}, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateConnecting, h.sess.State())

	h.sess.Stop()
	err := h.wait(t)
	require.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, StateErrored, h.sess.State())
	assert.Equal(t, []metrics.FailureKind{metrics.FailureAborted}, h.sink.failureKinds())
	h.assertReleased(t)
}

func TestSessionCloseTimeoutStillCloses(t *testing.T) {
	conn := newFakeConn(false)
	h := start(t, Config{ID: 8, ClosingTimeout: 30 * time.Millisecond}, &fakeDialer{conn: conn}, nil)
	h.waitState(t, StateActive)

	h.sess.Stop()
	h.waitState(t, StateClosing)
	require.NoError(t, h.wait(t))
	assert.Equal(t, StateClosed, h.sess.State())
	assert.Equal(t, []metrics.FailureKind{metrics.FailureCloseTimeout}, h.sink.failureKinds())
	h.assertReleased(t)
}

func TestSessionRemoteNormalClose(t *testing.T) {
	conn := newFakeConn(false)
	h := start(t, Config{ID: 9}, &fakeDialer{conn: conn}, nil)
	h.waitState(t, StateActive)

	conn.inbound <- fakeFrame{err: &gws.CloseError{Code: gws.CloseGoingAway}}
	require.NoError(t, h.wait(t))
	assert.Equal(t, StateClosed, h.sess.State())
	assert.Zero(t, conn.closeFrames())
	h.assertReleased(t)
}

func TestSessionAbnormalDropEndsErrored(t *testing.T) {
	conn := newFakeConn(false)
	h := start(t, Config{ID: 10}, &fakeDialer{conn: conn}, nil)
	h.waitState(t, StateActive)

	conn.inbound <- fakeFrame{err: &gws.CloseError{Code: gws.CloseAbnormalClosure}}
	err := h.wait(t)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "receive", te.Op)
	assert.Equal(t, StateErrored, h.sess.State())
	assert.Equal(t, []metrics.FailureKind{metrics.FailureTransport}, h.sink.failureKinds())
	h.assertReleased(t)
}

func TestSessionSubscribeFailure(t *testing.T) {
	conn := newFakeConn(false)
	conn.sendErr = errors.New("broken pipe")
	h := start(t, Config{ID: 11}, &fakeDialer{conn: conn}, nil)

	err := h.wait(t)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "subscribe", te.Op)
	assert.Equal(t, []string{"connecting", "open", "subscribing", "errored"}, h.sink.stateLog())
	h.assertReleased(t)
}

func TestSessionKeepAlivePings(t *testing.T) {
	conn := newFakeConn(true)
	h := start(t, Config{ID: 12, KeepAliveInterval: 10 * time.Millisecond, EventPrefix: protocol.DefaultEventPrefix}, &fakeDialer{conn: conn}, nil)
	h.waitState(t, StateActive)

	require.Eventually(t, func() bool {
		pings := 0
		for _, ev := range conn.sentEvents() {
			if ev == "pusher:ping" {
				pings++
			}
		}
		return pings >= 3
	}, time.Second, 5*time.Millisecond)

	h.sess.Stop()
	require.NoError(t, h.wait(t))
	h.assertReleased(t)
}

func TestSessionKeepAliveDisabled(t *testing.T) {
	conn := newFakeConn(true)
	h := start(t, Config{ID: 13, KeepAliveInterval: -1, Lifetime: 60 * time.Millisecond, EventPrefix: protocol.DefaultEventPrefix}, &fakeDialer{conn: conn}, nil)
	require.NoError(t, h.wait(t))
	assert.Equal(t, []string{"pusher:subscribe"}, conn.sentEvents())
}

func TestSessionEmptyPrefixSendsBareEvents(t *testing.T) {
	conn := newFakeConn(true)
	h := start(t, Config{ID: 15, KeepAliveInterval: 10 * time.Millisecond, EventPrefix: ""}, &fakeDialer{conn: conn}, nil)
	h.waitState(t, StateActive)

	require.Eventually(t, func() bool {
		return slices.Contains(conn.sentEvents(), "ping")
	}, time.Second, 5*time.Millisecond)
	h.sess.Stop()
	require.NoError(t, h.wait(t))

	events := conn.sentEvents()
	assert.Equal(t, "subscribe", events[0])
	for _, ev := range events {
		assert.NotContains(t, ev, protocol.DefaultEventPrefix)
	}
}

func TestSessionContextCancelCloses(t *testing.T) {
	conn := newFakeConn(true)
	tracker := NewResourceTracker()
	s := New(Config{ID: 14, Endpoint: "ws://x/app/k"}, Deps{
		Dialer:  &fakeDialer{conn: conn},
		Logger:  zaptest.NewLogger(t),
		Tracker: tracker,
	})

	var transitions []string
	var mu sync.Mutex
	s.deps.OnTransition = func(id int64, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, from.String()+">"+to.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return s.State() == StateActive }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"connecting>open", "open>subscribing", "subscribing>active", "active>closing", "closing>closed",
	}, transitions)
	assert.Zero(t, tracker.Sockets())
	assert.Zero(t, tracker.Timers())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateConnecting, StateOpen, true},
		{StateConnecting, StateErrored, true},
		{StateConnecting, StateActive, false},
		{StateOpen, StateSubscribing, true},
		{StateSubscribing, StateActive, true},
		{StateActive, StateClosing, true},
		{StateActive, StateClosed, false},
		{StateClosing, StateClosed, true},
		{StateClosed, StateErrored, false},
		{StateErrored, StateConnecting, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
	assert.True(t, StateClosed.Terminal())
	assert.True(t, StateErrored.Terminal())
	assert.False(t, StateActive.Terminal())
	assert.Equal(t, "unknown", State(42).String())
}

func TestSessionAgainstBroker(t *testing.T) {
	broker := mockbroker.New(mockbroker.Options{
		AppKey:      "app-key",
		EventPrefix: protocol.DefaultEventPrefix,
		Logger:      zaptest.NewLogger(t),
	})
	srv := httptest.NewServer(broker)
	defer srv.Close()
	defer broker.Shutdown()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/app/app-key"
	collector := metrics.NewCollector()
	tracker := NewResourceTracker()
	s := New(Config{ID: 21, Endpoint: endpoint, Lifetime: 2 * time.Second, EventPrefix: protocol.DefaultEventPrefix}, Deps{
		Dialer:  WebSocketDialer{HandshakeTimeout: time.Second},
		Sink:    collector,
		Logger:  zaptest.NewLogger(t),
		Tracker: tracker,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(broker.Channels()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"test-channel-21"}, broker.Channels())
	assert.Equal(t, int64(1), tracker.Sockets())

	require.Equal(t, 1, broker.Publish("test-channel-21", time.Now()))
	require.Eventually(t, func() bool { return collector.Snapshot().Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	require.NoError(t, <-errCh)
	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, tracker.Sockets())
	assert.Zero(t, tracker.Timers())

	snap := collector.Snapshot()
	assert.Equal(t, int64(1), snap.SessionsClosed)
	assert.Equal(t, int64(1), snap.Traffic.MessagesSent)
	assert.GreaterOrEqual(t, snap.Traffic.MessagesReceived, int64(3))
}

func TestSessionHandshakeRejected(t *testing.T) {
	broker := mockbroker.New(mockbroker.Options{AppKey: "app-key"})
	srv := httptest.NewServer(broker)
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/app/wrong"
	collector := metrics.NewCollector()
	s := New(Config{ID: 22, Endpoint: endpoint}, Deps{
		Dialer: WebSocketDialer{},
		Sink:   collector,
		Logger: zaptest.NewLogger(t),
	})

	err := s.Run(context.Background())
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 401, ce.HTTPStatus())

	snap := collector.Snapshot()
	assert.Equal(t, int64(1), snap.SessionsFailed)
	assert.Equal(t, 1, snap.Failures["connection"]["HTTP 401"])
}
