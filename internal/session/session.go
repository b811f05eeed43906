// Package session runs one virtual user: a single broker connection driven
// through connect, subscribe, keep-alive and close.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/torosent/wsramp/internal/clientmetrics"
	"github.com/torosent/wsramp/internal/metrics"
	"github.com/torosent/wsramp/internal/protocol"
	"github.com/torosent/wsramp/internal/tracing"
	"github.com/torosent/wsramp/internal/websocket"
)

const (
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultClosingTimeout    = 5 * time.Second
)

// Conn is an established broker connection. Receive is called from one
// reader goroutine while the session goroutine writes.
type Conn interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	SendClose() error
	Close() error
}

// Dialer opens connections to the broker.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Sink receives measurements. *metrics.Collector implements it.
type Sink interface {
	RecordLatency(sample metrics.LatencySample)
	RecordState(state string)
	RecordFailure(kind metrics.FailureKind, err error)
	RecordTraffic(snap clientmetrics.Snapshot)
}

type metered interface {
	Metrics() clientmetrics.Snapshot
}

// Config describes one session. ID and Channel are fixed at spawn.
// EventPrefix is prepended to control events; empty sends bare "subscribe"
// and "ping".
type Config struct {
	ID                int64
	Scenario          string
	Endpoint          string
	Channel           string
	Lifetime          time.Duration
	KeepAliveInterval time.Duration
	ClosingTimeout    time.Duration
	EventPrefix       string
}

// Deps are the collaborators a session needs. Only Dialer is required.
type Deps struct {
	Dialer       Dialer
	Sink         Sink
	Logger       *zap.Logger
	Tracer       trace.Tracer
	Tracker      *ResourceTracker
	Now          func() time.Time
	OnTransition func(id int64, from, to State)
}

// Session is one virtual user.
type Session struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	span trace.Span

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu            sync.Mutex
	openedAt      time.Time
	closeDeadline time.Time
	err           error
}

// New prepares a session in the connecting state. Run starts it.
func New(cfg Config, deps Deps) *Session {
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.ClosingTimeout <= 0 {
		cfg.ClosingTimeout = DefaultClosingTimeout
	}
	if cfg.Channel == "" {
		cfg.Channel = protocol.ChannelName("", cfg.ID)
	}
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Session{
		cfg:    cfg,
		deps:   deps,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		log: deps.Logger.With(
			zap.String("scenario", cfg.Scenario),
			zap.Int64("vu", cfg.ID),
			zap.String("channel", cfg.Channel),
		),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) ID() int64       { return s.cfg.ID }
func (s *Session) Channel() string { return s.cfg.Channel }
func (s *Session) State() State    { return State(s.state.Load()) }

// Done is closed once Run has returned and every resource is released.
func (s *Session) Done() <-chan struct{} { return s.done }

// OpenedAt is the time the handshake completed, zero before that.
func (s *Session) OpenedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openedAt
}

// CloseDeadline is OpenedAt plus the lifetime, zero without a lifetime.
func (s *Session) CloseDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeDeadline
}

// Err returns the error the session ended with.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop asks an active session to close. It never blocks.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Session) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Run drives the session to Closed or Errored. The returned error is nil only
// for a clean close.
func (s *Session) Run(ctx context.Context) (err error) {
	defer close(s.done)

	ctx, s.span = tracing.StartSessionSpan(ctx, s.deps.Tracer, s.cfg.Scenario, s.cfg.ID, s.cfg.Channel)
	defer func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		tracing.EndSpan(s.span, err, attribute.String("wsramp.final_state", s.State().String()))
	}()

	s.deps.Sink.RecordState(StateConnecting.String())
	tracing.MarkState(s.span, StateConnecting.String())

	conn, err := s.dial(ctx)
	if err != nil {
		s.transition(StateErrored)
		return err
	}
	s.deps.Tracker.addSockets(1)

	now := s.deps.Now()
	s.mu.Lock()
	s.openedAt = now
	if s.cfg.Lifetime > 0 {
		s.closeDeadline = now.Add(s.cfg.Lifetime)
	}
	s.mu.Unlock()

	l := s.attach(conn)
	s.transition(StateOpen)

	s.transition(StateSubscribing)
	if err := s.subscribe(conn); err != nil {
		s.release(l)
		s.transition(StateErrored)
		return err
	}
	s.transition(StateActive)

	if err := s.active(ctx, l); err != nil {
		s.release(l)
		s.transition(StateErrored)
		return err
	}
	return nil
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	conn, err := s.deps.Dialer.Dial(dialCtx, s.cfg.Endpoint)
	if err == nil {
		return conn, nil
	}

	switch {
	case websocket.IsResourceExhausted(err):
		re := &ResourceExhaustedError{Err: err}
		s.log.Error("cannot open socket", zap.Error(err))
		s.deps.Sink.RecordFailure(metrics.FailureResourceExhausted, re)
		return nil, re
	case ctx.Err() != nil || s.stopped():
		s.deps.Sink.RecordFailure(metrics.FailureAborted, ErrStopped)
		return nil, errors.Join(ErrStopped, err)
	default:
		ce := &ConnectionError{Endpoint: s.cfg.Endpoint, Err: err}
		s.log.Warn("connection failed", zap.Error(err))
		s.deps.Sink.RecordFailure(metrics.FailureConnection, ce)
		return nil, ce
	}
}

func (s *Session) subscribe(conn Conn) error {
	frame, err := protocol.SubscribeFrame(s.cfg.EventPrefix, s.cfg.Channel)
	if err == nil {
		err = conn.Send(frame)
	}
	if err != nil {
		return s.transportFailure("subscribe", err)
	}
	return nil
}

func (s *Session) ping(conn Conn) error {
	frame, err := protocol.PingFrame(s.cfg.EventPrefix)
	if err == nil {
		err = conn.Send(frame)
	}
	if err != nil {
		return s.transportFailure("ping", err)
	}
	return nil
}

func (s *Session) transportFailure(op string, err error) error {
	te := &TransportError{Op: op, Err: err}
	s.log.Warn("socket failure", zap.String("op", op), zap.Error(err))
	s.deps.Sink.RecordFailure(metrics.FailureTransport, te)
	return te
}

type closeReason string

const (
	reasonDeadline  closeReason = "deadline"
	reasonStopped   closeReason = "stopped"
	reasonCancelled closeReason = "cancelled"
	reasonRemote    closeReason = "remote"
)

// active runs the keep-alive and receive loop until the deadline, a stop or
// a cancellation, then performs the closing handshake.
func (s *Session) active(ctx context.Context, l *link) error {
	keepalive := newTicker(s.deps.Tracker, s.cfg.KeepAliveInterval)
	var deadline *timerHandle
	if dl := s.CloseDeadline(); !dl.IsZero() {
		deadline = newTimer(s.deps.Tracker, dl.Sub(s.deps.Now()))
	}
	defer keepalive.Cancel()
	defer deadline.Cancel()

	var reason closeReason
loop:
	for {
		select {
		case <-ctx.Done():
			reason = reasonCancelled
			break loop
		case <-s.stopCh:
			reason = reasonStopped
			break loop
		case <-deadline.C():
			reason = reasonDeadline
			break loop
		case <-keepalive.C():
			if err := s.ping(l.conn); err != nil {
				return err
			}
		case msg := <-l.frames:
			if msg.err != nil {
				if websocket.IsNormalClosure(msg.err) {
					reason = reasonRemote
					break loop
				}
				return s.transportFailure("receive", msg.err)
			}
			s.handle(msg)
		}
	}

	keepalive.Cancel()
	deadline.Cancel()
	s.log.Debug("closing session", zap.String("reason", string(reason)))
	s.transition(StateClosing)
	s.closeHandshake(l, reason == reasonRemote)
	s.release(l)
	s.transition(StateClosed)
	return nil
}

// closeHandshake sends our close frame and waits for the peer's, bounded by
// the closing timeout. Frames that arrive meanwhile are still measured.
func (s *Session) closeHandshake(l *link, remoteClosed bool) {
	if remoteClosed {
		return
	}
	if err := l.conn.SendClose(); err != nil {
		s.log.Debug("close frame not sent", zap.Error(err))
		return
	}

	closing := newTimer(s.deps.Tracker, s.cfg.ClosingTimeout)
	defer closing.Cancel()
	for {
		select {
		case msg := <-l.frames:
			if msg.err != nil {
				return
			}
			s.handle(msg)
		case <-closing.C():
			s.log.Debug("close acknowledgement timed out", zap.Duration("timeout", s.cfg.ClosingTimeout))
			s.deps.Sink.RecordFailure(metrics.FailureCloseTimeout, CloseTimeoutError{})
			return
		}
	}
}

func (s *Session) handle(msg inbound) {
	in, err := protocol.DecodeInbound(msg.payload)
	if err != nil {
		perr := &ProtocolError{Payload: truncatePayload(msg.payload), Err: err}
		s.log.Warn("discarding inbound message", zap.Error(perr))
		s.deps.Sink.RecordFailure(metrics.FailureProtocol, perr)
		return
	}
	if !in.Timed {
		s.log.Debug("inbound event", zap.String("event", in.Event))
		return
	}
	s.deps.Sink.RecordLatency(metrics.NewLatencySample(in.SentAt, msg.receivedAt))
}

func (s *Session) transition(to State) {
	from := s.State()
	if !CanTransition(from, to) {
		s.log.Error("illegal session transition", zap.Stringer("from", from), zap.Stringer("to", to))
		return
	}
	s.state.Store(int32(to))
	s.log.Debug("session transition", zap.Stringer("from", from), zap.Stringer("to", to))
	s.deps.Sink.RecordState(to.String())
	tracing.MarkState(s.span, to.String())
	if s.deps.OnTransition != nil {
		s.deps.OnTransition(s.cfg.ID, from, to)
	}
}

type inbound struct {
	payload    []byte
	receivedAt time.Time
	err        error
}

// link pairs a connection with its reader goroutine.
type link struct {
	conn       Conn
	frames     chan inbound
	quit       chan struct{}
	readerDone chan struct{}
	released   bool
}

func (s *Session) attach(conn Conn) *link {
	l := &link{
		conn:       conn,
		frames:     make(chan inbound),
		quit:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go s.readLoop(l)
	return l
}

func (s *Session) readLoop(l *link) {
	defer close(l.readerDone)
	for {
		payload, err := l.conn.Receive()
		msg := inbound{payload: payload, receivedAt: s.deps.Now(), err: err}
		select {
		case l.frames <- msg:
		case <-l.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

// release closes the socket and waits for the reader to exit.
func (s *Session) release(l *link) {
	if l.released {
		return
	}
	l.released = true
	close(l.quit)
	_ = l.conn.Close()
	<-l.readerDone
	s.deps.Tracker.addSockets(-1)
	if m, ok := l.conn.(metered); ok {
		s.deps.Sink.RecordTraffic(m.Metrics())
	}
}

type nopSink struct{}

func (nopSink) RecordLatency(metrics.LatencySample)      {}
func (nopSink) RecordState(string)                       {}
func (nopSink) RecordFailure(metrics.FailureKind, error) {}
func (nopSink) RecordTraffic(clientmetrics.Snapshot)     {}
