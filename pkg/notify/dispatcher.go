package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/consulalertd/consulalertd/pkg/observability"
)

// DispatchError reports a notification that could not be delivered.
type DispatchError struct {
	Notifier string
	EventID  string
	Kind     Kind
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s notification %s via %s: %v", e.Kind, e.EventID, e.Notifier, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Dispatcher renders events and hands them to a Notifier. Failures are
// reported and returned, never retried.
type Dispatcher struct {
	notifier Notifier
	reporter observability.Reporter
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithReporter attaches an observability reporter.
func WithReporter(rep observability.Reporter) Option {
	return func(d *Dispatcher) {
		if rep != nil {
			d.reporter = rep
		}
	}
}

// WithTimeSource injects the clock used for delivery durations.
func WithTimeSource(fn func() time.Time) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.now = fn
		}
	}
}

// NewDispatcher builds a Dispatcher around notifier.
func NewDispatcher(notifier Notifier, opts ...Option) (*Dispatcher, error) {
	if notifier == nil {
		return nil, errors.New("dispatcher requires a notifier")
	}
	d := &Dispatcher{
		notifier: notifier,
		reporter: observability.NoopReporter{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Notifier returns the wrapped transport.
func (d *Dispatcher) Notifier() Notifier {
	return d.notifier
}

// Dispatch delivers one event.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now()
	}
	msg := Render(event)

	start := d.now()
	err := d.send(ctx, msg)
	duration := d.now().Sub(start)

	result := "sent"
	level := observability.LevelInfo
	name := "notification_sent"
	fields := map[string]interface{}{
		"event_id":    event.ID,
		"kind":        string(event.Kind),
		"notifier":    d.notifier.Name(),
		"datacenter":  event.Datacenter,
		"node":        event.Node,
		"service":     event.Service,
		"check_id":    event.CheckID,
		"state":       event.State(),
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		result = "failed"
		level = observability.LevelError
		name = "notification_failed"
		fields["error"] = err.Error()
	}

	d.reporter.RecordMetric(observability.Metric{
		Name:        "notifications_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"kind": string(event.Kind), "result": result},
		Description: "Number of notification deliveries grouped by kind and result.",
	})
	d.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Event:  name,
		Fields: fields,
	})

	if err != nil {
		return &DispatchError{Notifier: d.notifier.Name(), EventID: event.ID, Kind: event.Kind, Err: err}
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()
	return d.notifier.Send(ctx, msg)
}
