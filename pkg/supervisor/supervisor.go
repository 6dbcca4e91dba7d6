// Package supervisor keeps the reconciliation engine running across backend
// outages.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/consulalertd/consulalertd/pkg/cluster"
	"github.com/consulalertd/consulalertd/pkg/notify"
	"github.com/consulalertd/consulalertd/pkg/observability"
	"github.com/consulalertd/consulalertd/pkg/reconcile"
)

// DefaultInterval separates two cycles and two reconnect attempts.
const DefaultInterval = 5 * time.Second

// DefaultCrashSubject names the daemon in Crashed notifications.
const DefaultCrashSubject = "consul-alertd"

const crashNotifyTimeout = 15 * time.Second

// State is the connection state of the supervisor.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Prober checks backend liveness. Its answer seeds the cycle session.
type Prober interface {
	Datacenters(ctx context.Context) ([]string, error)
}

// Cycler runs a single reconciliation cycle.
type Cycler interface {
	RunCycle(ctx context.Context, session reconcile.Session) (reconcile.CycleReport, error)
}

// PanicError wraps a panic recovered from a cycle.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("reconciliation cycle panicked: %v", e.Value)
}

// Supervisor drives the Disconnected, Connecting and Connected states.
type Supervisor struct {
	prober       Prober
	engine       Cycler
	dispatcher   reconcile.Dispatcher
	interval     time.Duration
	sleep        func(time.Duration)
	reporter     observability.Reporter
	now          func() time.Time
	cycleHook    func(reconcile.CycleReport)
	crashSubject string
	nodeName     string

	mu    sync.Mutex
	state State
}

// Option customises supervisor behaviour.
type Option func(*Supervisor)

// WithInterval overrides the fixed interval between cycles and reconnect attempts.
func WithInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.interval = d
	}
}

// WithSleepFunc overrides the sleep implementation.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(s *Supervisor) {
		s.sleep = fn
	}
}

// WithReporter attaches an observability reporter.
func WithReporter(rep observability.Reporter) Option {
	return func(s *Supervisor) {
		if rep != nil {
			s.reporter = rep
		}
	}
}

// WithCycleHook registers a callback invoked after each successful cycle.
func WithCycleHook(fn func(reconcile.CycleReport)) Option {
	return func(s *Supervisor) {
		s.cycleHook = fn
	}
}

// WithTimeSource injects a custom time source.
func WithTimeSource(fn func() time.Time) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithCrashIdentity sets the subject and node reported in Crashed notifications.
func WithCrashIdentity(subject, node string) Option {
	return func(s *Supervisor) {
		if subject != "" {
			s.crashSubject = subject
		}
		s.nodeName = node
	}
}

// New constructs a Supervisor.
func New(prober Prober, engine Cycler, dispatcher reconcile.Dispatcher, opts ...Option) (*Supervisor, error) {
	if prober == nil {
		return nil, errors.New("prober must not be nil")
	}
	if engine == nil {
		return nil, errors.New("engine must not be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher must not be nil")
	}

	s := &Supervisor{
		prober:       prober,
		engine:       engine,
		dispatcher:   dispatcher,
		interval:     DefaultInterval,
		sleep:        time.Sleep,
		reporter:     observability.NoopReporter{},
		now:          time.Now,
		crashSubject: DefaultCrashSubject,
		state:        StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sleep == nil {
		s.sleep = time.Sleep
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	return s, nil
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	connected := 0.0
	if st == StateConnected {
		connected = 1
	}
	s.reporter.RecordMetric(observability.Metric{
		Name:        "connected",
		Type:        observability.MetricGauge,
		Value:       connected,
		Description: "Whether the backend is currently reachable (1) or not (0).",
	})
}

// Run cycles until ctx is cancelled or a fatal error occurs. Connection
// failures are retried at the fixed interval; any other error sends a Crashed
// notification and is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, err := s.iterate(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case cluster.IsConnectionError(err):
			if rerr := s.reconnect(ctx, err); rerr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return s.fail(ctx, rerr)
			}
		default:
			return s.fail(ctx, err)
		}

		if err := s.sleepWithContext(ctx, s.interval); err != nil {
			return err
		}
	}
}

// RunOnce probes the backend and runs a single cycle without retries or
// crash notifications.
func (s *Supervisor) RunOnce(ctx context.Context) (reconcile.CycleReport, error) {
	return s.iterate(ctx)
}

func (s *Supervisor) iterate(ctx context.Context) (report reconcile.CycleReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()

	// A healthy connection stays Connected across cycles; only a failed
	// datacenter listing or cycle leaves it.
	if s.State() != StateConnected {
		s.setState(StateConnecting)
	}
	datacenters, err := s.prober.Datacenters(ctx)
	if err != nil {
		if cluster.IsConnectionError(err) {
			s.setState(StateDisconnected)
		}
		return reconcile.CycleReport{}, err
	}
	if s.State() != StateConnected {
		s.setState(StateConnected)
	}

	report, err = s.engine.RunCycle(ctx, reconcile.Session{Datacenters: datacenters})
	if err != nil {
		if cluster.IsConnectionError(err) {
			s.setState(StateDisconnected)
		}
		return report, err
	}
	if s.cycleHook != nil {
		s.cycleHook(report)
	}
	return report, nil
}

// reconnect blocks until the liveness probe succeeds. It returns ctx errors
// and probe errors that are not connection failures.
func (s *Supervisor) reconnect(ctx context.Context, cause error) error {
	s.setState(StateDisconnected)
	s.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelWarn,
		Event:   "connection_lost",
		Message: "backend unreachable, reconnecting",
		Fields: map[string]interface{}{
			"error":       cause.Error(),
			"interval_ms": s.interval.Milliseconds(),
		},
	})

	lostAt := s.now()
	for attempt := 1; ; attempt++ {
		if err := s.sleepWithContext(ctx, s.interval); err != nil {
			return err
		}

		s.setState(StateConnecting)
		s.reporter.RecordMetric(observability.Metric{
			Name:        "reconnect_attempts_total",
			Type:        observability.MetricCounter,
			Value:       1,
			Description: "Number of backend reconnect attempts.",
		})
		_, err := s.prober.Datacenters(ctx)
		if err == nil {
			s.setState(StateConnected)
			s.reporter.RecordEvent(ctx, observability.Event{
				Level: observability.LevelInfo,
				Event: "connection_restored",
				Fields: map[string]interface{}{
					"attempts":    attempt,
					"downtime_ms": s.now().Sub(lostAt).Milliseconds(),
				},
			})
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !cluster.IsConnectionError(err) {
			return err
		}
		s.setState(StateDisconnected)
		s.reporter.RecordEvent(ctx, observability.Event{
			Level: observability.LevelWarn,
			Event: "reconnect_attempt",
			Fields: map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			},
		})
	}
}

// fail reports a fatal error and sends the Crashed notification before
// returning. Delivery errors are already logged by the dispatcher.
func (s *Supervisor) fail(ctx context.Context, err error) error {
	s.setState(StateDisconnected)
	s.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelError,
		Event:   "fatal",
		Message: "unexpected error, terminating",
		Fields: map[string]interface{}{
			"error": err.Error(),
		},
	})

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), crashNotifyTimeout)
	defer cancel()
	event := notify.NewEvent(notify.KindCrashed, s.now())
	event.Node = s.nodeName
	event.Service = s.crashSubject
	event.Status = "crashed"
	event.Output = err.Error()
	_ = s.dispatcher.Dispatch(notifyCtx, event)

	return fmt.Errorf("supervisor: %w", err)
}

func (s *Supervisor) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
