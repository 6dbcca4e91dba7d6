package observability

import (
	"fmt"
	"strings"
	"time"
)

// Level orders events by urgency.
type Level string

const (
	// LevelDebug is per-key detail such as a marker already being present.
	LevelDebug Level = "debug"
	// LevelInfo covers state transitions: markers, snapshots, reconnects.
	LevelInfo Level = "info"
	// LevelWarn flags absorbed failures like rejected writes or lost notifications.
	LevelWarn Level = "warn"
	// LevelError is reserved for fatal conditions.
	LevelError Level = "error"
)

// ParseLevel accepts the level names used in configuration files.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return l, nil
	case "warning":
		return LevelWarn, nil
	case "":
		return LevelInfo, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// Event is one structured log line.
type Event struct {
	Timestamp time.Time              `json:"ts"`
	Level     Level                  `json:"level"`
	Node      string                 `json:"node,omitempty"`
	Component string                 `json:"component,omitempty"`
	Event     string                 `json:"event"`
	Message   string                 `json:"message,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Clone copies the event including its Fields map, so reporters can stamp
// node and component without touching the caller's value.
func (e Event) Clone() Event {
	out := e
	if e.Fields != nil {
		out.Fields = make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			out.Fields[k] = v
		}
	}
	return out
}
