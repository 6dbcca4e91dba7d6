package observability

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prometheusNamespace = "consulalertd"

// cycleBuckets covers reconciliation cycles from a few milliseconds up to
// the request timeout of a slow backend.
var cycleBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// family is a registered metric vector together with the label names it was
// created with. Measurements with another label set are dropped.
type family struct {
	kind   MetricType
	labels []string
	record func(prometheus.Labels, float64)
}

// PrometheusCollector translates Metric values into Prometheus vectors,
// creating each family on first use.
type PrometheusCollector struct {
	registry *prometheus.Registry

	mu       sync.Mutex
	families map[string]*family
}

// CollectorOption customises a PrometheusCollector.
type CollectorOption func(*PrometheusCollector)

// WithRuntimeCollectors registers the Go runtime and process collectors.
func WithRuntimeCollectors() CollectorOption {
	return func(c *PrometheusCollector) {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
}

// WithBuildInfo exports a constant build_info gauge labelled with version.
func WithBuildInfo(version string) CollectorOption {
	return func(c *PrometheusCollector) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   prometheusNamespace,
			Name:        "build_info",
			Help:        "Build information of the running daemon.",
			ConstLabels: prometheus.Labels{"version": version},
		})
		g.Set(1)
		c.registry.MustRegister(g)
	}
}

// NewPrometheusCollector builds a collector backed by its own registry.
func NewPrometheusCollector(opts ...CollectorOption) *PrometheusCollector {
	c := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		families: make(map[string]*family),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Collect implements MetricsCollector.
func (c *PrometheusCollector) Collect(metric Metric) {
	if c == nil || metric.Name == "" {
		return
	}
	labels := labelSet(metric.Labels)
	names := labelNames(labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.families[metric.Name]
	if !ok {
		f = c.register(metric, names)
		if f == nil {
			return
		}
		c.families[metric.Name] = f
	}
	if f.kind != metric.Type || !sameNames(f.labels, names) {
		return
	}
	f.record(labels, metric.Value)
}

// register creates the vector for metric. It returns nil for unknown types
// and for names already taken in the registry.
func (c *PrometheusCollector) register(metric Metric, names []string) *family {
	help := helpText(metric)
	var (
		vec    prometheus.Collector
		record func(prometheus.Labels, float64)
	)
	switch metric.Type {
	case MetricCounter:
		cv := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace, Name: metric.Name, Help: help,
		}, names)
		vec = cv
		record = func(l prometheus.Labels, v float64) {
			if v > 0 {
				cv.With(l).Add(v)
			}
		}
	case MetricGauge:
		gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: prometheusNamespace, Name: metric.Name, Help: help,
		}, names)
		vec = gv
		record = func(l prometheus.Labels, v float64) { gv.With(l).Set(v) }
	case MetricHistogram:
		opts := prometheus.HistogramOpts{
			Namespace: prometheusNamespace, Name: metric.Name, Help: help,
		}
		if metric.Unit != "" {
			opts.ConstLabels = prometheus.Labels{"unit": metric.Unit}
		}
		if metric.Unit == "seconds" {
			opts.Buckets = cycleBuckets
		}
		hv := prometheus.NewHistogramVec(opts, names)
		vec = hv
		record = func(l prometheus.Labels, v float64) { hv.With(l).Observe(v) }
	default:
		return nil
	}
	if err := c.registry.Register(vec); err != nil {
		return nil
	}
	return &family{kind: metric.Type, labels: names, record: record}
}

// Registry returns the underlying registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *PrometheusCollector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func helpText(metric Metric) string {
	if d := strings.TrimSpace(metric.Description); d != "" {
		return d
	}
	if metric.Unit != "" {
		return metric.Name + " (" + metric.Unit + ")"
	}
	return metric.Name
}

func labelSet(in map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func labelNames(l prometheus.Labels) []string {
	names := make([]string, 0, len(l))
	for k := range l {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ MetricsCollector = (*PrometheusCollector)(nil)
