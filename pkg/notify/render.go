package notify

import (
	"fmt"
	"strings"
	"time"
)

// Message is a rendered notification ready for a transport.
type Message struct {
	EventID string
	Kind    Kind
	Title   string
	// Markdown is the full body. Transports that do not understand markdown
	// still receive it verbatim.
	Markdown string
	// Healthy is true for messages announcing a recovery.
	Healthy bool
}

const timeLayout = "2006-01-02 15:04:05"

// Render builds the channel-agnostic message body of an event.
func Render(e Event) Message {
	subject := e.Subject()
	var title string
	switch e.Kind {
	case KindResolved:
		title = fmt.Sprintf("%s has recovered.", subject)
	case KindProblem:
		title = fmt.Sprintf("%s is failing, please take a look.", subject)
	default:
		title = fmt.Sprintf("%s has crashed, please take a look.", subject)
	}

	color := "warning"
	headerColor := "warning"
	healthy := e.Kind == KindResolved
	if healthy {
		headerColor = "info"
	}
	if e.State() == "passing" {
		color = "info"
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<font color=\"%s\">%s</font>\n", headerColor, title)
	fmt.Fprintf(&b, ">Time: <font color=\"comment\">%s</font>\n", ts.Format(timeLayout))
	fmt.Fprintf(&b, ">DC: %s\n", comment(e.Datacenter))
	fmt.Fprintf(&b, ">Node: %s\n", comment(e.Node))
	fmt.Fprintf(&b, ">Service: %s\n", e.Service)
	fmt.Fprintf(&b, ">State: <font color=\"%s\">%s</font>\n", color, e.State())
	fmt.Fprintf(&b, ">CheckID: %s\n", comment(e.CheckID))
	b.WriteString(">Output:\n\n")
	b.WriteString(e.Output)

	return Message{
		EventID:  e.ID,
		Kind:     e.Kind,
		Title:    title,
		Markdown: b.String(),
		Healthy:  healthy,
	}
}

func comment(v string) string {
	if v == "" {
		return ""
	}
	return `<font color="comment">` + v + `</font>`
}

// PlainText strips the font markup from a rendered body for transports that
// show markdown literally.
func PlainText(markdown string) string {
	var b strings.Builder
	rest := markdown
	for {
		start := strings.Index(rest, "<font")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		end := strings.Index(rest[start:], ">")
		if end < 0 {
			b.WriteString(rest[start:])
			break
		}
		rest = rest[start+end+1:]
	}
	return strings.ReplaceAll(b.String(), "</font>", "")
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
