package metrics

import (
	"reflect"
	"testing"
)

func TestFlattenFailureBuckets(t *testing.T) {
	tests := []struct {
		name    string
		buckets map[string]map[string]int
		want    []FailureBucket
	}{
		{
			name:    "nil buckets",
			buckets: nil,
			want:    nil,
		},
		{
			name: "sorted by count then kind",
			buckets: map[string]map[string]int{
				"connection": {"HTTP 401": 3, "Network error": 3},
				"protocol":   {"Malformed message": 9},
				"transport":  {"Socket IO error": 3},
			},
			want: []FailureBucket{
				{Kind: "protocol", Label: "Malformed message", Count: 9},
				{Kind: "connection", Label: "HTTP 401", Count: 3},
				{Kind: "connection", Label: "Network error", Count: 3},
				{Kind: "transport", Label: "Socket IO error", Count: 3},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FlattenFailureBuckets(tt.buckets)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FlattenFailureBuckets() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFriendlyErrorName(t *testing.T) {
	tests := map[string]string{
		"*session.ConnectionError":  "Connection failed",
		"*websocket.HandshakeError": "Handshake failed",
		"*net.OpError":              "Network error",
		"":                          "Unknown error",
		"*main.customFailure":       "Custom Failure",
		"*foo.EOFError":             "EOF Error (foo)",
	}
	for in, want := range tests {
		if got := FriendlyErrorName(in); got != want {
			t.Errorf("FriendlyErrorName(%q) = %q, want %q", in, got, want)
		}
	}
}
