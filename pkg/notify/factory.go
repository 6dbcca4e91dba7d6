package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/consulalertd/consulalertd/pkg/observability"
)

// Notifier types accepted by Build.
const (
	TypeLog    = "log"
	TypeWeWork = "wework"
)

// Settings selects and configures a notifier transport.
type Settings struct {
	Type          string
	Key           string
	URL           string
	Timeout       time.Duration
	MentionedList []string
}

// Build constructs the notifier described by s. An empty type selects the
// wework robot when a key is present and the log notifier otherwise.
func Build(s Settings, reporter observability.Reporter) (Notifier, error) {
	kind := strings.ToLower(strings.TrimSpace(s.Type))
	if kind == "" {
		kind = TypeLog
		if s.Key != "" {
			kind = TypeWeWork
		}
	}
	client := NewHTTPClient(s.Timeout)
	switch kind {
	case TypeLog:
		return NewLogNotifier(reporter), nil
	case TypeWeWork:
		return NewWeWorkNotifier(s.Key, WithWeWorkClient(client), WithWeWorkMentions(s.MentionedList))
	case WebhookSlack, WebhookTeams, WebhookHTTP:
		return NewWebhookNotifier(kind, s.URL, client)
	default:
		return nil, fmt.Errorf("unknown notifier type %q", s.Type)
	}
}
