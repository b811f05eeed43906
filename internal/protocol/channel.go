package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultChannelTemplate matches the per-user channel naming used by the
// reference traffic scripts.
const DefaultChannelTemplate = "test-channel-{id}"

// ChannelName derives the channel a session subscribes to from its id.
// The template may contain {id} or a single %d verb; a template with neither
// gets the id appended after a dash.
func ChannelName(template string, id int64) string {
	if template == "" {
		template = DefaultChannelTemplate
	}
	switch {
	case strings.Contains(template, "{id}"):
		return strings.ReplaceAll(template, "{id}", strconv.FormatInt(id, 10))
	case strings.Count(template, "%d") == 1 && strings.Count(template, "%") == 1:
		return fmt.Sprintf(template, id)
	default:
		return template + "-" + strconv.FormatInt(id, 10)
	}
}
