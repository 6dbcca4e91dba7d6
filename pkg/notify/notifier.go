package notify

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/consulalertd/consulalertd/pkg/observability"
)

// Notifier delivers a rendered message to one target.
type Notifier interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// LogNotifier writes messages as structured events instead of delivering
// them. It is used when no notification target is configured.
type LogNotifier struct {
	reporter observability.Reporter
}

// NewLogNotifier builds a LogNotifier. A nil reporter discards messages.
func NewLogNotifier(reporter observability.Reporter) *LogNotifier {
	if reporter == nil {
		reporter = observability.NoopReporter{}
	}
	return &LogNotifier{reporter: reporter}
}

// Name implements Notifier.
func (n *LogNotifier) Name() string { return "log" }

// Send implements Notifier.
func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	n.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Event:   "notification_logged",
		Message: PlainText(msg.Markdown),
		Fields: map[string]interface{}{
			"event_id": msg.EventID,
			"kind":     string(msg.Kind),
		},
	})
	return nil
}

// RecordingNotifier keeps every message in memory and optionally echoes it to
// a writer. The once command uses it for dry runs.
type RecordingNotifier struct {
	mu       sync.Mutex
	out      io.Writer
	messages []Message
}

// NewRecordingNotifier builds a RecordingNotifier; out may be nil.
func NewRecordingNotifier(out io.Writer) *RecordingNotifier {
	return &RecordingNotifier{out: out}
}

// Name implements Notifier.
func (n *RecordingNotifier) Name() string { return "recording" }

// Send implements Notifier.
func (n *RecordingNotifier) Send(ctx context.Context, msg Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	if n.out != nil {
		if _, err := fmt.Fprintf(n.out, "--- %s %s\n%s\n", msg.Kind, msg.EventID, PlainText(msg.Markdown)); err != nil {
			return fmt.Errorf("write message: %w", err)
		}
	}
	return nil
}

// Messages returns a copy of the recorded messages.
func (n *RecordingNotifier) Messages() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.messages...)
}

var _ Notifier = (*LogNotifier)(nil)
var _ Notifier = (*RecordingNotifier)(nil)
