package observability

// MetricType identifies how a Metric value is aggregated.
type MetricType string

const (
	// MetricCounter values are added to a monotonically increasing counter.
	MetricCounter MetricType = "counter"
	// MetricHistogram values are observed into a latency/size distribution.
	MetricHistogram MetricType = "histogram"
	// MetricGauge values replace the current reading.
	MetricGauge MetricType = "gauge"
)

// Metric is a single measurement emitted by a component.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Labels      map[string]string
	Description string
	Unit        string
}

// MetricsCollector receives measurements.
type MetricsCollector interface {
	Collect(Metric)
}

// MetricsCollectorFunc adapts a function into a MetricsCollector.
type MetricsCollectorFunc func(Metric)

// Collect implements MetricsCollector.
func (f MetricsCollectorFunc) Collect(m Metric) {
	f(m)
}

var _ MetricsCollector = MetricsCollectorFunc(nil)
