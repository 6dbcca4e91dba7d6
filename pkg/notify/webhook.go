package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Webhook flavours understood by WebhookNotifier.
const (
	WebhookSlack = "slack"
	WebhookTeams = "teams"
	WebhookHTTP  = "http"
)

// WebhookNotifier posts JSON payloads to Slack, Microsoft Teams or a generic
// HTTP endpoint.
type WebhookNotifier struct {
	kind   string
	url    string
	client *http.Client
}

// NewWebhookNotifier builds a notifier of the given flavour.
func NewWebhookNotifier(kind, url string, client *http.Client) (*WebhookNotifier, error) {
	switch kind {
	case WebhookSlack, WebhookTeams, WebhookHTTP:
	default:
		return nil, fmt.Errorf("unknown webhook type %q", kind)
	}
	if url == "" {
		return nil, errors.New("webhook notifier requires a url")
	}
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &WebhookNotifier{kind: kind, url: url, client: client}, nil
}

// Name implements Notifier.
func (n *WebhookNotifier) Name() string { return n.kind }

// Send implements Notifier.
func (n *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	var payload interface{}
	switch n.kind {
	case WebhookSlack:
		payload = map[string]string{
			"text": fmt.Sprintf("*%s* %s", kindLabel(msg.Kind), PlainText(msg.Markdown)),
		}
	case WebhookTeams:
		payload = map[string]interface{}{
			"@type":      "MessageCard",
			"@context":   "http://schema.org/extensions",
			"themeColor": themeColor(msg),
			"summary":    msg.Title,
			"title":      msg.Title,
			"text":       PlainText(msg.Markdown),
		}
	default:
		payload = map[string]interface{}{
			"id":       msg.EventID,
			"kind":     msg.Kind,
			"title":    msg.Title,
			"markdown": msg.Markdown,
		}
	}
	_, err := postJSON(ctx, n.client, n.url, payload)
	return err
}

func kindLabel(k Kind) string {
	switch k {
	case KindProblem:
		return "[PROBLEM]"
	case KindResolved:
		return "[RESOLVED]"
	default:
		return "[CRASHED]"
	}
}

func themeColor(msg Message) string {
	if msg.Healthy {
		return "2EB67D"
	}
	if msg.Kind == KindCrashed {
		return "FF4F6A"
	}
	return "FFAB40"
}

var _ Notifier = (*WebhookNotifier)(nil)
