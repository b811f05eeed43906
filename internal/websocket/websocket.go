package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/torosent/wsramp/internal/clientmetrics"
)

// ErrNotConnected is returned by operations on a client without a socket.
var ErrNotConnected = errors.New("websocket: not connected")

// HandshakeError reports a failed opening handshake. StatusCode is zero when
// the server never answered.
type HandshakeError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("websocket handshake with %s failed with status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("websocket handshake with %s failed: %v", e.URL, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Client is one persistent connection to the broker. Writes are serialised;
// Receive may run concurrently with writes from a single reader goroutine.
type Client struct {
	url            string
	headers        http.Header
	dialer         *websocket.Dialer
	writeTimeout   time.Duration
	maxMessageSize int64

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	metrics *clientmetrics.ClientMetrics
}

// Config configures the WebSocket client behavior.
type Config struct {
	URL              string
	Headers          http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
}

// NewClient creates a new WebSocket client with the given configuration.
func NewClient(cfg Config) *Client {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1024 * 1024 // 1MB default
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	return &Client{
		url:            cfg.URL,
		headers:        cfg.Headers,
		dialer:         dialer,
		writeTimeout:   cfg.WriteTimeout,
		maxMessageSize: cfg.MaxMessageSize,
		metrics:        clientmetrics.New(),
	}
}

// Connect performs the opening handshake. It succeeds only when the server
// switched protocols (HTTP 101).
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("already connected")
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.headers)
	if err != nil {
		c.metrics.IncrementErrors()
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return &HandshakeError{URL: c.url, StatusCode: status, Err: err}
	}
	if resp == nil || resp.StatusCode != http.StatusSwitchingProtocols {
		_ = conn.Close()
		c.metrics.IncrementErrors()
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return &HandshakeError{URL: c.url, StatusCode: status, Err: errors.New("upgrade not accepted")}
	}

	conn.SetReadLimit(c.maxMessageSize)
	c.conn = conn
	c.metrics.MarkConnected()
	return nil
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Send writes one text frame.
func (c *Client) Send(data []byte) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.metrics.IncrementErrors()
		return fmt.Errorf("write message: %w", err)
	}
	c.metrics.IncrementSent(int64(len(data)))
	return nil
}

// Receive blocks for the next data frame. A close frame from the peer is
// returned as a *websocket.CloseError, see IsNormalClosure.
func (c *Client) Receive() ([]byte, error) {
	conn := c.current()
	if conn == nil {
		return nil, ErrNotConnected
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		if !IsNormalClosure(err) {
			c.metrics.IncrementErrors()
		}
		return nil, fmt.Errorf("read message: %w", err)
	}
	c.metrics.IncrementReceived(int64(len(data)))
	return data, nil
}

// SendClose writes a normal-closure close frame without tearing down the
// socket, so the peer's acknowledgement can still be read.
func (c *Client) SendClose() error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout),
	)
	if err != nil {
		c.metrics.IncrementErrors()
		return fmt.Errorf("write close: %w", err)
	}
	c.metrics.IncrementControl()
	return nil
}

// Close releases the socket. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.metrics.MarkClosed()
	return err
}

// Metrics returns the current metrics snapshot.
func (c *Client) Metrics() clientmetrics.Snapshot {
	return c.metrics.Snapshot()
}

// IsNormalClosure reports whether err is the peer closing with 1000 or 1001.
func IsNormalClosure(err error) bool {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
}

// IsResourceExhausted reports whether a dial failed because the process or
// host ran out of file descriptors.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}
