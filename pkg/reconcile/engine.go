// Package reconcile derives exactly-once alert lifecycle events by diffing live
// health data against the persisted alert markers.
//
// A cycle runs three passes in a fixed order: exited services, resolved
// states, then novel states. Marker mutations are committed before the
// matching notification is dispatched, so a crash in between can lose a
// notification but never repeat one.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/consulalertd/consulalertd/pkg/cluster"
	"github.com/consulalertd/consulalertd/pkg/notify"
	"github.com/consulalertd/consulalertd/pkg/observability"
	"github.com/consulalertd/consulalertd/pkg/state"
)

// ExitedSeverity is the severity carried by exited-service notifications.
const ExitedSeverity = "exited"

// Severity pairs a tracked check status with the status that resolves it.
type Severity struct {
	Name            string
	RecoveredStatus string
}

// DefaultSeverities tracks warning and critical checks until they pass again.
func DefaultSeverities() []Severity {
	return []Severity{
		{Name: cluster.StatusWarning, RecoveredStatus: cluster.StatusPassing},
		{Name: cluster.StatusCritical, RecoveredStatus: cluster.StatusPassing},
	}
}

// Dispatcher delivers notification events.
type Dispatcher interface {
	Dispatch(ctx context.Context, event notify.Event) error
}

// Session is the backend state established by the connection probe and handed
// to a single cycle.
type Session struct {
	Datacenters []string
}

// Engine runs reconciliation cycles.
type Engine struct {
	catalog      cluster.Catalog
	store        *state.Store
	dispatcher   Dispatcher
	severities   []Severity
	notifyExited bool
	reporter     observability.Reporter
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSeverities replaces the tracked severities.
func WithSeverities(sevs []Severity) Option {
	return func(e *Engine) {
		if len(sevs) > 0 {
			e.severities = append([]Severity(nil), sevs...)
		}
	}
}

// WithExitedServiceNotifications enables Problem notifications for services
// that vanished from a datacenter. Disabled by default: exits are only logged.
func WithExitedServiceNotifications(enabled bool) Option {
	return func(e *Engine) {
		e.notifyExited = enabled
	}
}

// WithReporter attaches an observability reporter to the engine.
func WithReporter(rep observability.Reporter) Option {
	return func(e *Engine) {
		if rep != nil {
			e.reporter = rep
		}
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs an Engine.
func NewEngine(catalog cluster.Catalog, store *state.Store, dispatcher Dispatcher, opts ...Option) (*Engine, error) {
	if catalog == nil {
		return nil, errors.New("catalog must not be nil")
	}
	if store == nil {
		return nil, errors.New("state store must not be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher must not be nil")
	}

	engine := &Engine{
		catalog:    catalog,
		store:      store,
		dispatcher: dispatcher,
		severities: DefaultSeverities(),
		reporter:   observability.NoopReporter{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}

	seen := make(map[string]struct{}, len(engine.severities))
	for _, sev := range engine.severities {
		if sev.Name == "" || sev.RecoveredStatus == "" {
			return nil, fmt.Errorf("severity %q requires a name and a recovered status", sev.Name)
		}
		if sev.Name == sev.RecoveredStatus {
			return nil, fmt.Errorf("severity %q cannot recover to itself", sev.Name)
		}
		if _, dup := seen[sev.Name]; dup {
			return nil, fmt.Errorf("severity %q configured twice", sev.Name)
		}
		seen[sev.Name] = struct{}{}
	}
	return engine, nil
}

// Severities returns the tracked severities.
func (e *Engine) Severities() []Severity {
	return append([]Severity(nil), e.severities...)
}

// RunCycle executes one reconciliation cycle against the given session.
//
// A *cluster.ConnectionError aborts the cycle and is returned as is. Rejected
// or failed writes are absorbed and retried by the next cycle. Every other
// error is unexpected and returned wrapped.
func (e *Engine) RunCycle(ctx context.Context, session Session) (CycleReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := e.now()
	report := CycleReport{
		StartedAt:   start,
		Datacenters: append([]string(nil), session.Datacenters...),
	}

	err := e.exitedServices(ctx, session, &report)
	if err == nil {
		err = e.resolvedStates(ctx, session, &report)
	}
	if err == nil {
		err = e.novelStates(ctx, session, &report)
	}
	report.Duration = e.now().Sub(start)
	e.recordCycle(ctx, &report, err)
	return report, err
}

// absorbWrite decides whether a failed write aborts the cycle. Connection
// failures and cancellation do; anything else is logged and left for the next
// cycle.
func (e *Engine) absorbWrite(ctx context.Context, report *CycleReport, op, key string, err error) error {
	if cluster.IsConnectionError(err) || errors.Is(err, context.Canceled) {
		return err
	}
	report.WriteFailures++
	fields := map[string]interface{}{
		"op":  op,
		"key": key,
	}
	reason := "rejected"
	if err != nil {
		reason = "error"
		fields["error"] = err.Error()
	}
	fields["reason"] = reason
	e.reporter.RecordMetric(observability.Metric{
		Name:        "marker_write_failures_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"op": op, "reason": reason},
		Description: "Number of state writes that did not take effect.",
	})
	e.reporter.RecordEvent(ctx, observability.Event{
		Level:  observability.LevelWarn,
		Event:  "marker_write_failed",
		Fields: fields,
	})
	return nil
}

func (e *Engine) dispatch(ctx context.Context, report *CycleReport, event notify.Event) {
	report.Events = append(report.Events, event)
	if err := e.dispatcher.Dispatch(ctx, event); err != nil {
		report.NotificationFailures++
	}
}

func (e *Engine) newEvent(kind notify.Kind) notify.Event {
	return notify.NewEvent(kind, e.now())
}

func unexpected(op string, err error) error {
	if cluster.IsConnectionError(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
