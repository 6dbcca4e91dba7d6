// Package notify turns alert lifecycle events into messages and delivers them
// through a configured notifier transport.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a notification event.
type Kind string

const (
	// KindProblem reports a check that entered a tracked severity.
	KindProblem Kind = "problem"
	// KindResolved reports a check that returned to its recovered status.
	KindResolved Kind = "resolved"
	// KindCrashed reports that the daemon itself is terminating.
	KindCrashed Kind = "crashed"
)

// Event is a single notification. It is never persisted.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Datacenter string    `json:"datacenter,omitempty"`
	Node       string    `json:"node,omitempty"`
	Service    string    `json:"service,omitempty"`
	CheckID    string    `json:"check_id,omitempty"`
	Severity   string    `json:"severity,omitempty"`
	Status     string    `json:"status,omitempty"`
	Output     string    `json:"output,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEvent stamps a fresh ID and timestamp onto an event of the given kind.
func NewEvent(kind Kind, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: now,
	}
}

// Subject names what the event is about: the service, or the node for
// node-level checks.
func (e Event) Subject() string {
	if e.Service != "" {
		return e.Service
	}
	if e.Node != "" {
		return e.Node
	}
	return e.CheckID
}

// State is the status shown to readers. Resolved events carry the recovered
// status in Status; problem events fall back to the severity.
func (e Event) State() string {
	if e.Status != "" {
		return e.Status
	}
	return e.Severity
}
