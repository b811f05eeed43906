package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// DefaultEventPrefix is the event namespace the broker dispatches on.
	DefaultEventPrefix = "pusher:"
	// TimedMessageEvent tags inbound messages that carry a send timestamp.
	TimedMessageEvent = "timed-message"
)

var (
	// ErrMalformed is wrapped by every decode failure.
	ErrMalformed = errors.New("malformed message")
)

// Envelope is the JSON frame exchanged with the broker.
type Envelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data"`
}

type subscribeData struct {
	Channel string `json:"channel"`
}

// SubscribeFrame encodes the subscribe request for channel. The channel is
// carried both at the top level and under data, since brokers differ in
// which one they read.
func SubscribeFrame(prefix, channel string) ([]byte, error) {
	data, err := json.Marshal(subscribeData{Channel: channel})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: prefix + "subscribe", Channel: channel, Data: data})
}

// PingFrame encodes the keep-alive no-op.
func PingFrame(prefix string) ([]byte, error) {
	return json.Marshal(Envelope{Event: prefix + "ping", Data: json.RawMessage(`{}`)})
}

// TimedFrame encodes a timed message the way the broker publishes it: data
// is a JSON string wrapping {"time": <epoch ms>}.
func TimedFrame(channel string, sentAt time.Time) ([]byte, error) {
	inner, err := json.Marshal(map[string]int64{"time": sentAt.UnixMilli()})
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(string(inner))
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: TimedMessageEvent, Channel: channel, Data: data})
}

// Inbound is a decoded broker message.
type Inbound struct {
	Event   string
	Channel string
	// Timed is set for timed messages; SentAt is only meaningful then.
	Timed  bool
	SentAt time.Time
}

// DecodeInbound parses one inbound frame. Messages that are not timed decode
// without error and with Timed unset. A timed message whose payload does not
// carry a numeric time is malformed.
func DecodeInbound(payload []byte) (Inbound, error) {
	if !gjson.ValidBytes(payload) {
		return Inbound{}, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return Inbound{}, fmt.Errorf("%w: expected object, got %s", ErrMalformed, root.Type)
	}

	msg := Inbound{
		Event:   root.Get("event").String(),
		Channel: root.Get("channel").String(),
	}
	if msg.Event != TimedMessageEvent {
		return msg, nil
	}

	data := root.Get("data")
	var ts gjson.Result
	switch {
	case data.Type == gjson.String:
		if !gjson.Valid(data.Str) {
			return Inbound{}, fmt.Errorf("%w: timed data is not JSON", ErrMalformed)
		}
		ts = gjson.Get(data.Str, "time")
	case data.IsObject():
		ts = data.Get("time")
	default:
		return Inbound{}, fmt.Errorf("%w: timed message has no data", ErrMalformed)
	}
	if ts.Type != gjson.Number {
		return Inbound{}, fmt.Errorf("%w: timed message has no numeric time", ErrMalformed)
	}

	msg.Timed = true
	msg.SentAt = time.UnixMicro(int64(math.Round(ts.Float() * 1000)))
	return msg, nil
}
