// Package mockbroker is a small pusher-style broker used by tests and by the
// standalone mock server. It accepts /app/{key}, tracks channel
// subscriptions, answers pings and publishes timed messages on demand.
package mockbroker

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/torosent/wsramp/internal/protocol"
)

// Options configure broker behaviour.
type Options struct {
	// AppKey restricts accepted connections; empty accepts any key.
	AppKey string
	// EventPrefix is the control event namespace. Empty dispatches bare
	// "subscribe" and "ping" events.
	EventPrefix string
	// IgnoreClose keeps sockets open after a client close frame without
	// acknowledging it.
	IgnoreClose bool
	Logger      *zap.Logger
}

// Stats are cumulative broker counters.
type Stats struct {
	Accepted      int64
	Rejected      int64
	Open          int64
	Subscriptions int64
	Pings         int64
	Published     int64
}

// Broker implements http.Handler.
type Broker struct {
	opts     Options
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu    sync.Mutex
	conns map[*peer]struct{}
	done  chan struct{}
	once  sync.Once

	accepted      atomic.Int64
	rejected      atomic.Int64
	open          atomic.Int64
	subscriptions atomic.Int64
	pings         atomic.Int64
	published     atomic.Int64
}

type peer struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	mu       sync.Mutex
	channels map[string]struct{}
}

func (p *peer) write(payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

func (p *peer) subscribed(channel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.channels[channel]
	return ok
}

// New creates a broker.
func New(opts Options) *Broker {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Broker{
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		log:      opts.Logger,
		conns:    make(map[*peer]struct{}),
		done:     make(chan struct{}),
	}
}

func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[0] != "app" {
		b.rejected.Add(1)
		http.NotFound(w, r)
		return
	}
	if b.opts.AppKey != "" && parts[1] != b.opts.AppKey {
		b.rejected.Add(1)
		http.Error(w, "unknown app key", http.StatusUnauthorized)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.rejected.Add(1)
		b.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	b.accepted.Add(1)
	b.open.Add(1)
	defer b.open.Add(-1)

	p := &peer{conn: conn, channels: make(map[string]struct{})}
	b.mu.Lock()
	b.conns[p] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, p)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	if b.opts.IgnoreClose {
		conn.SetCloseHandler(func(int, string) error { return nil })
	}

	socketID := fmt.Sprintf("%d.%d", b.accepted.Load(), time.Now().UnixNano()%1_000_000)
	_ = p.write([]byte(fmt.Sprintf(`{"event":"%sconnection_established","data":"{\"socket_id\":\"%s\"}"}`, b.opts.EventPrefix, socketID)))

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if b.opts.IgnoreClose && websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				select {
				case <-b.done:
				case <-r.Context().Done():
				}
			}
			return
		}
		b.dispatch(p, payload)
	}
}

func (b *Broker) dispatch(p *peer, payload []byte) {
	event := gjson.GetBytes(payload, "event").String()
	switch event {
	case b.opts.EventPrefix + "subscribe":
		channel := gjson.GetBytes(payload, "channel").String()
		if channel == "" {
			channel = gjson.GetBytes(payload, "data.channel").String()
		}
		if channel == "" {
			return
		}
		p.mu.Lock()
		p.channels[channel] = struct{}{}
		p.mu.Unlock()
		b.subscriptions.Add(1)
		_ = p.write([]byte(fmt.Sprintf(`{"event":"pusher_internal:subscription_succeeded","channel":%q,"data":"{}"}`, channel)))
	case b.opts.EventPrefix + "ping":
		b.pings.Add(1)
		_ = p.write([]byte(fmt.Sprintf(`{"event":"%spong","data":{}}`, b.opts.EventPrefix)))
	default:
		b.log.Debug("ignoring client event", zap.String("event", event))
	}
}

func (b *Broker) peers() []*peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*peer, 0, len(b.conns))
	for p := range b.conns {
		out = append(out, p)
	}
	return out
}

// PublishRaw sends payload to every subscriber of channel, or to every peer
// when channel is empty. It returns the number of deliveries.
func (b *Broker) PublishRaw(channel string, payload []byte) int {
	delivered := 0
	for _, p := range b.peers() {
		if channel != "" && !p.subscribed(channel) {
			continue
		}
		if err := p.write(payload); err == nil {
			delivered++
		}
	}
	b.published.Add(int64(delivered))
	return delivered
}

// Publish sends a timed message stamped sentAt to subscribers of channel.
func (b *Broker) Publish(channel string, sentAt time.Time) int {
	frame, err := protocol.TimedFrame(channel, sentAt)
	if err != nil {
		return 0
	}
	return b.PublishRaw(channel, frame)
}

// PublishAll sends one timed message to every subscribed channel.
func (b *Broker) PublishAll(sentAt time.Time) int {
	total := 0
	for _, channel := range b.Channels() {
		total += b.Publish(channel, sentAt)
	}
	return total
}

// Run publishes timed messages to all channels every interval until ctx ends.
func (b *Broker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case now := <-ticker.C:
			b.PublishAll(now)
		}
	}
}

// Channels lists channels with at least one subscriber, sorted.
func (b *Broker) Channels() []string {
	seen := map[string]struct{}{}
	for _, p := range b.peers() {
		p.mu.Lock()
		for c := range p.channels {
			seen[c] = struct{}{}
		}
		p.mu.Unlock()
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Stats returns the current counters.
func (b *Broker) Stats() Stats {
	return Stats{
		Accepted:      b.accepted.Load(),
		Rejected:      b.rejected.Load(),
		Open:          b.open.Load(),
		Subscriptions: b.subscriptions.Load(),
		Pings:         b.pings.Load(),
		Published:     b.published.Load(),
	}
}

// Shutdown releases handlers parked by IgnoreClose and drops every socket.
func (b *Broker) Shutdown() {
	b.once.Do(func() { close(b.done) })
	for _, p := range b.peers() {
		_ = p.conn.Close()
	}
}
