// Package protocol holds the wire contract spoken with the broker: endpoint
// addressing, per-session channel names, outbound control frames and inbound
// envelope decoding.
package protocol

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint addresses one broker application.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
	AppKey string
}

// URL renders the endpoint as scheme://host:port/app/{app_key}.
func (e Endpoint) URL() string {
	host := e.Host
	if e.Port > 0 {
		host = net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	}
	u := url.URL{
		Scheme: e.Scheme,
		Host:   host,
		Path:   "/app/" + e.AppKey,
	}
	return u.String()
}

func (e Endpoint) String() string {
	return e.URL()
}

// ParseEndpoint validates a broker URL. http and https are accepted as
// aliases for ws and wss. A missing port defaults from the scheme.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("endpoint is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint: %w", err)
	}

	var scheme string
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		scheme = "ws"
	case "wss", "https":
		scheme = "wss"
	default:
		return Endpoint{}, fmt.Errorf("endpoint scheme must be ws or wss, got %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q has no host", raw)
	}

	port := 80
	if scheme == "wss" {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("endpoint port %q is invalid", p)
		}
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] != "app" || parts[1] == "" {
		return Endpoint{}, fmt.Errorf("endpoint path must be /app/{app_key}, got %q", u.Path)
	}

	return Endpoint{
		Scheme: scheme,
		Host:   host,
		Port:   port,
		AppKey: parts[1],
	}, nil
}
