package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// WeWorkEndpoint is the group robot webhook of WeChat Work.
const WeWorkEndpoint = "https://qyapi.weixin.qq.com/cgi-bin/webhook/send"

// weworkMarkdownLimit is the maximum markdown content size in bytes.
const weworkMarkdownLimit = 4096

// WeWorkNotifier posts markdown messages to a WeChat Work group robot.
type WeWorkNotifier struct {
	url           string
	client        *http.Client
	mentionedList []string
}

// WeWorkOption customises a WeWorkNotifier.
type WeWorkOption func(*WeWorkNotifier)

// WithWeWorkEndpoint overrides the robot endpoint, mainly for tests.
func WithWeWorkEndpoint(endpoint string) WeWorkOption {
	return func(n *WeWorkNotifier) {
		n.url = endpoint
	}
}

// WithWeWorkClient overrides the HTTP client.
func WithWeWorkClient(client *http.Client) WeWorkOption {
	return func(n *WeWorkNotifier) {
		if client != nil {
			n.client = client
		}
	}
}

// WithWeWorkMentions appends the user IDs mentioned in every message.
func WithWeWorkMentions(ids []string) WeWorkOption {
	return func(n *WeWorkNotifier) {
		n.mentionedList = append([]string(nil), ids...)
	}
}

// NewWeWorkNotifier builds a notifier for the robot identified by key.
func NewWeWorkNotifier(key string, opts ...WeWorkOption) (*WeWorkNotifier, error) {
	if key == "" {
		return nil, errors.New("wework notifier requires a robot key")
	}
	n := &WeWorkNotifier{url: WeWorkEndpoint, client: NewHTTPClient(0)}
	for _, opt := range opts {
		opt(n)
	}
	u, err := url.Parse(n.url)
	if err != nil {
		return nil, fmt.Errorf("parse wework endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", key)
	u.RawQuery = q.Encode()
	n.url = u.String()
	return n, nil
}

// Name implements Notifier.
func (n *WeWorkNotifier) Name() string { return "wework" }

type weworkMarkdown struct {
	Content       string   `json:"content"`
	MentionedList []string `json:"mentioned_list,omitempty"`
}

type weworkPayload struct {
	MsgType  string         `json:"msgtype"`
	Markdown weworkMarkdown `json:"markdown"`
}

type weworkResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Send implements Notifier. Delivery succeeds only on HTTP 200 with errcode 0.
func (n *WeWorkNotifier) Send(ctx context.Context, msg Message) error {
	payload := weworkPayload{
		MsgType: "markdown",
		Markdown: weworkMarkdown{
			Content:       truncateUTF8(msg.Markdown, weworkMarkdownLimit),
			MentionedList: n.mentionedList,
		},
	}
	body, err := postJSON(ctx, n.client, n.url, payload)
	if err != nil {
		return err
	}
	var resp weworkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode wework response: %w", err)
	}
	if resp.ErrCode != 0 {
		return fmt.Errorf("wework robot rejected message: errcode=%d errmsg=%s", resp.ErrCode, resp.ErrMsg)
	}
	return nil
}

var _ Notifier = (*WeWorkNotifier)(nil)
