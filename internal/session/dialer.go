package session

import (
	"context"
	"net/http"
	"time"

	"github.com/torosent/wsramp/internal/tracing"
	"github.com/torosent/wsramp/internal/websocket"
)

// WebSocketDialer opens gorilla-backed connections.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
	Headers          http.Header
	// Propagate injects the session's trace context into handshake headers.
	Propagate bool
}

func (d WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	headers := d.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if d.Propagate {
		tracing.InjectHTTPHeaders(ctx, headers)
	}

	client := websocket.NewClient(websocket.Config{
		URL:              endpoint,
		Headers:          headers,
		HandshakeTimeout: d.HandshakeTimeout,
		WriteTimeout:     d.WriteTimeout,
		MaxMessageSize:   d.MaxMessageSize,
	})
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
