package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusCollectorCounter(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.Collect(Metric{
		Name:        "cycles_total",
		Type:        MetricCounter,
		Value:       2,
		Labels:      map[string]string{"result": "ok"},
		Description: "Number of reconciliation cycles",
	})
	collector.Collect(Metric{
		Name:   "cycles_total",
		Type:   MetricCounter,
		Value:  1,
		Labels: map[string]string{"result": "ok"},
	})

	mfs, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	metric := findMetric(t, mfs, "consulalertd_cycles_total")
	if len(metric.Metric) != 1 {
		t.Fatalf("expected single metric sample, got %d", len(metric.Metric))
	}
	sample := metric.Metric[0]
	if got := sample.GetCounter().GetValue(); got != 3 {
		t.Fatalf("expected counter value 3, got %v", got)
	}
	labels := sample.GetLabel()
	if len(labels) != 1 || labels[0].GetName() != "result" || labels[0].GetValue() != "ok" {
		t.Fatalf("unexpected labels: %+v", labels)
	}
}

func TestPrometheusCollectorHistogram(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.Collect(Metric{
		Name:        "cycle_seconds",
		Type:        MetricHistogram,
		Value:       1.5,
		Labels:      map[string]string{"result": "ok"},
		Description: "cycle duration",
		Unit:        "seconds",
	})
	collector.Collect(Metric{
		Name:   "cycle_seconds",
		Type:   MetricHistogram,
		Value:  2.5,
		Labels: map[string]string{"result": "ok"},
	})

	mfs, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	metric := findMetric(t, mfs, "consulalertd_cycle_seconds")
	if len(metric.Metric) != 1 {
		t.Fatalf("expected single histogram sample, got %d", len(metric.Metric))
	}
	mfSample := metric.Metric[0]
	sample := mfSample.GetHistogram()
	if got := sample.GetSampleCount(); got != 2 {
		t.Fatalf("expected sample count 2, got %v", got)
	}
	if got := sample.GetSampleSum(); got < 4.0 || got > 4.1 {
		t.Fatalf("expected sum close to 4.0, got %v", got)
	}
	labels := mfSample.GetLabel()
	if len(labels) == 0 {
		t.Fatalf("expected histogram labels to include unit, got none")
	}
	var foundUnit bool
	for _, label := range labels {
		if label.GetName() == "unit" && label.GetValue() == "seconds" {
			foundUnit = true
		}
	}
	if !foundUnit {
		t.Fatalf("expected unit label to be recorded, got %+v", labels)
	}
}

func TestPrometheusCollectorIgnoresMismatchedLabels(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.Collect(Metric{
		Name:   "markers_created_total",
		Type:   MetricCounter,
		Value:  1,
		Labels: map[string]string{"severity": "critical"},
	})
	// Attempt to record with a different set of labels; collector should ignore to avoid panics.
	collector.Collect(Metric{
		Name:   "markers_created_total",
		Type:   MetricCounter,
		Value:  1,
		Labels: map[string]string{"severity": "critical", "datacenter": "dc1"},
	})

	mfs, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	metric := findMetric(t, mfs, "consulalertd_markers_created_total")
	if len(metric.Metric) != 1 {
		t.Fatalf("expected single metric after mismatch attempt, got %d", len(metric.Metric))
	}
	sample := metric.Metric[0]
	if got := sample.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1 after ignoring mismatched labels, got %v", got)
	}
}

func TestPrometheusCollectorGauge(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.Collect(Metric{Name: "connected", Type: MetricGauge, Value: 1})
	collector.Collect(Metric{Name: "connected", Type: MetricGauge, Value: 0})

	mfs, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	metric := findMetric(t, mfs, "consulalertd_connected")
	if got := metric.Metric[0].GetGauge().GetValue(); got != 0 {
		t.Fatalf("expected gauge to hold last value 0, got %v", got)
	}
}

func TestPrometheusCollectorIgnoresTypeChange(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.Collect(Metric{Name: "notifications_total", Type: MetricCounter, Value: 1})
	collector.Collect(Metric{Name: "notifications_total", Type: MetricGauge, Value: 42})

	mfs, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	metric := findMetric(t, mfs, "consulalertd_notifications_total")
	if got := metric.Metric[0].GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter to keep value 1, got %v", got)
	}
}

func TestPrometheusCollectorHandlerServesBuildInfo(t *testing.T) {
	collector := NewPrometheusCollector(WithBuildInfo("1.2.3"), WithRuntimeCollectors())
	collector.Collect(Metric{Name: "connected", Type: MetricGauge, Value: 1})

	srv := httptest.NewServer(collector.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)
	for _, want := range []string{
		`consulalertd_build_info{version="1.2.3"} 1`,
		"consulalertd_connected 1",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in exposition, got:\n%s", want, text)
		}
	}
}

func TestNilPrometheusCollectorIsSafe(t *testing.T) {
	var collector *PrometheusCollector
	collector.Collect(Metric{Name: "cycles_total", Type: MetricCounter, Value: 1})
	if collector.Registry() != nil {
		t.Fatal("expected nil registry")
	}
	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil collector, got %d", rec.Code)
	}
}

// findMetric searches metric families by name.
func findMetric(t *testing.T, mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}
