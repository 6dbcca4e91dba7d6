package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/consulalertd/consulalertd/pkg/observability"
)

type capturedRequest struct {
	query string
	body  map[string]interface{}
}

type webhookServer struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	reply    string
}

func newWebhookServer(t *testing.T, status int, reply string) (*webhookServer, *httptest.Server) {
	t.Helper()
	ws := &webhookServer{status: status, reply: reply}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		ws.mu.Lock()
		ws.requests = append(ws.requests, capturedRequest{query: r.URL.RawQuery, body: body})
		ws.mu.Unlock()
		w.WriteHeader(ws.status)
		_, _ = io.WriteString(w, ws.reply)
	}))
	t.Cleanup(srv.Close)
	return ws, srv
}

func (ws *webhookServer) last(t *testing.T) capturedRequest {
	t.Helper()
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.requests) == 0 {
		t.Fatal("expected a webhook request")
	}
	return ws.requests[len(ws.requests)-1]
}

func TestWeWorkNotifierSendsMarkdown(t *testing.T) {
	ws, srv := newWebhookServer(t, http.StatusOK, `{"errcode":0,"errmsg":"ok"}`)
	n, err := NewWeWorkNotifier("robot-key", WithWeWorkEndpoint(srv.URL+"/cgi-bin/webhook/send"), WithWeWorkMentions([]string{"@all"}))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	long := strings.Repeat("x", 5000)
	if err := n.Send(context.Background(), Message{Markdown: long}); err != nil {
		t.Fatalf("send: %v", err)
	}

	req := ws.last(t)
	if req.query != "key=robot-key" {
		t.Fatalf("unexpected query %q", req.query)
	}
	if req.body["msgtype"] != "markdown" {
		t.Fatalf("unexpected msgtype %v", req.body["msgtype"])
	}
	md, _ := req.body["markdown"].(map[string]interface{})
	content, _ := md["content"].(string)
	if len(content) != weworkMarkdownLimit {
		t.Fatalf("expected content truncated to %d bytes, got %d", weworkMarkdownLimit, len(content))
	}
	if mentions, _ := md["mentioned_list"].([]interface{}); len(mentions) != 1 {
		t.Fatalf("unexpected mentions %v", md["mentioned_list"])
	}
}

func TestWeWorkNotifierFailsOnErrCode(t *testing.T) {
	_, srv := newWebhookServer(t, http.StatusOK, `{"errcode":93000,"errmsg":"invalid webhook url"}`)
	n, err := NewWeWorkNotifier("bad", WithWeWorkEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	err = n.Send(context.Background(), Message{Markdown: "x"})
	if err == nil || !strings.Contains(err.Error(), "93000") {
		t.Fatalf("expected errcode failure, got %v", err)
	}
}

func TestWeWorkNotifierFailsOnHTTPStatus(t *testing.T) {
	_, srv := newWebhookServer(t, http.StatusBadGateway, "upstream down")
	n, err := NewWeWorkNotifier("k", WithWeWorkEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	err = n.Send(context.Background(), Message{Markdown: "x"})
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected HTTPStatusError 502, got %v", err)
	}
}

func TestWeWorkNotifierReportsTruncatedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "256")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"errcode":0`)
	}))
	defer srv.Close()

	n, err := NewWeWorkNotifier("k", WithWeWorkEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	err = n.Send(context.Background(), Message{Markdown: "x"})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF from the response read, got %v", err)
	}
	if !strings.Contains(err.Error(), "read webhook response") || strings.Contains(err.Error(), "decode") {
		t.Fatalf("expected read failure rather than decode failure, got %v", err)
	}
}

func TestWeWorkNotifierRequiresKey(t *testing.T) {
	if _, err := NewWeWorkNotifier(""); err == nil {
		t.Fatal("expected error without key")
	}
}

func TestWebhookNotifierPayloads(t *testing.T) {
	msg := Render(Event{ID: "e1", Kind: KindProblem, Node: "n1", Service: "web", Severity: "critical", Output: "down"})

	cases := []struct {
		kind  string
		check func(t *testing.T, body map[string]interface{})
	}{
		{WebhookSlack, func(t *testing.T, body map[string]interface{}) {
			text, _ := body["text"].(string)
			if !strings.HasPrefix(text, "*[PROBLEM]* web is failing") || strings.Contains(text, "<font") {
				t.Fatalf("unexpected slack text %q", text)
			}
		}},
		{WebhookTeams, func(t *testing.T, body map[string]interface{}) {
			if body["@type"] != "MessageCard" || body["themeColor"] != "FFAB40" || body["title"] != msg.Title {
				t.Fatalf("unexpected teams card %v", body)
			}
		}},
		{WebhookHTTP, func(t *testing.T, body map[string]interface{}) {
			if body["id"] != "e1" || body["kind"] != "problem" || body["markdown"] != msg.Markdown {
				t.Fatalf("unexpected http payload %v", body)
			}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			ws, srv := newWebhookServer(t, http.StatusOK, "ok")
			n, err := NewWebhookNotifier(tc.kind, srv.URL, nil)
			if err != nil {
				t.Fatalf("new notifier: %v", err)
			}
			if n.Name() != tc.kind {
				t.Fatalf("unexpected name %q", n.Name())
			}
			if err := n.Send(context.Background(), msg); err != nil {
				t.Fatalf("send: %v", err)
			}
			tc.check(t, ws.last(t).body)
		})
	}
}

func TestWebhookNotifierValidation(t *testing.T) {
	if _, err := NewWebhookNotifier("pagerduty", "http://x", nil); err == nil {
		t.Fatal("expected unknown type error")
	}
	if _, err := NewWebhookNotifier(WebhookSlack, "", nil); err == nil {
		t.Fatal("expected missing url error")
	}
}

func TestLogNotifierEmitsEvent(t *testing.T) {
	var mu sync.Mutex
	var events []observability.Event
	rep := observability.ReporterFuncs{OnEvent: func(_ context.Context, e observability.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}}

	n := NewLogNotifier(rep)
	if err := n.Send(context.Background(), Message{EventID: "e1", Kind: KindResolved, Markdown: `<font color="info">web</font> has recovered.`}); err != nil {
		t.Fatalf("send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].Event != "notification_logged" || events[0].Message != "web has recovered." {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestRecordingNotifierEchoes(t *testing.T) {
	var buf bytes.Buffer
	n := NewRecordingNotifier(&buf)
	if err := n.Send(context.Background(), Message{EventID: "e1", Kind: KindProblem, Markdown: "body"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := n.Messages(); len(got) != 1 || got[0].EventID != "e1" {
		t.Fatalf("unexpected messages %+v", got)
	}
	if buf.String() != "--- problem e1\nbody\n" {
		t.Fatalf("unexpected echo %q", buf.String())
	}
}

func TestBuildSelectsNotifier(t *testing.T) {
	cases := []struct {
		settings Settings
		want     string
		wantErr  bool
	}{
		{Settings{}, TypeLog, false},
		{Settings{Key: "k"}, TypeWeWork, false},
		{Settings{Type: "Slack", URL: "http://hooks"}, WebhookSlack, false},
		{Settings{Type: "teams"}, "", true},
		{Settings{Type: "sms"}, "", true},
	}
	for _, tc := range cases {
		n, err := Build(tc.settings, nil)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for %+v", tc.settings)
			}
			continue
		}
		if err != nil {
			t.Fatalf("build %+v: %v", tc.settings, err)
		}
		if n.Name() != tc.want {
			t.Fatalf("expected %s notifier, got %s", tc.want, n.Name())
		}
	}
}
