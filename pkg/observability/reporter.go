package observability

import "context"

// Reporter is the sink every daemon component writes its log events and
// measurements to. Components hold a Reporter rather than a logger so the
// daemon decides where both end up.
type Reporter interface {
	RecordEvent(context.Context, Event)
	RecordMetric(Metric)
}

// ReporterFuncs lets tests capture events or metrics with closures. A nil
// field drops that kind of record.
type ReporterFuncs struct {
	OnEvent  func(context.Context, Event)
	OnMetric func(Metric)
}

func (r ReporterFuncs) RecordEvent(ctx context.Context, event Event) {
	if r.OnEvent != nil {
		r.OnEvent(ctx, event)
	}
}

func (r ReporterFuncs) RecordMetric(metric Metric) {
	if r.OnMetric != nil {
		r.OnMetric(metric)
	}
}

// NoopReporter is what components use until WithReporter hands them a real one.
type NoopReporter struct{}

func (NoopReporter) RecordEvent(context.Context, Event) {}

func (NoopReporter) RecordMetric(Metric) {}

// logWriteFailures counts events the logger could not write, typically
// because the log file's disk is full.
const logWriteFailures = "log_write_failures_total"

// StructuredReporter is the daemon's production Reporter. Events go to a
// Logger tagged with the node name and the emitting component; metrics go
// to an optional collector.
type StructuredReporter struct {
	node      string
	component string
	logger    Logger
	metrics   MetricsCollector
}

// NewStructuredReporter tags events with nodeName and component. metrics may
// be nil when the metrics listener is disabled.
func NewStructuredReporter(nodeName, component string, logger Logger, metrics MetricsCollector) *StructuredReporter {
	return &StructuredReporter{node: nodeName, component: component, logger: logger, metrics: metrics}
}

// WithComponent shares the sinks but tags events with another component,
// e.g. "engine" or "dispatcher".
func (r *StructuredReporter) WithComponent(component string) *StructuredReporter {
	if r == nil {
		return nil
	}
	sub := *r
	sub.component = component
	return &sub
}

// RecordEvent fills in Node and Component when the caller left them empty.
// The caller's Fields map is never modified. A failed write is counted in
// log_write_failures_total since there is nowhere else to report it.
func (r *StructuredReporter) RecordEvent(ctx context.Context, event Event) {
	if r == nil || r.logger == nil {
		return
	}
	tagged := event.Clone()
	if tagged.Node == "" {
		tagged.Node = r.node
	}
	if tagged.Component == "" {
		tagged.Component = r.component
	}
	if err := r.logger.Log(ctx, tagged); err != nil {
		r.RecordMetric(Metric{
			Name:        logWriteFailures,
			Type:        MetricCounter,
			Value:       1,
			Labels:      map[string]string{"component": tagged.Component},
			Description: "Events the logger failed to write.",
		})
	}
}

func (r *StructuredReporter) RecordMetric(metric Metric) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.Collect(metric)
}

var (
	_ Reporter = ReporterFuncs{}
	_ Reporter = NoopReporter{}
	_ Reporter = (*StructuredReporter)(nil)
)
