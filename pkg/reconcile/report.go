package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/consulalertd/consulalertd/pkg/cluster"
	"github.com/consulalertd/consulalertd/pkg/notify"
	"github.com/consulalertd/consulalertd/pkg/observability"
)

// ExitedServices lists the services that vanished from a datacenter.
type ExitedServices struct {
	Datacenter string   `json:"datacenter"`
	Services   []string `json:"services"`
}

// CycleReport summarises one reconciliation cycle.
type CycleReport struct {
	StartedAt            time.Time        `json:"started_at"`
	Duration             time.Duration    `json:"duration"`
	Datacenters          []string         `json:"datacenters"`
	Exited               []ExitedServices `json:"exited,omitempty"`
	SnapshotsWritten     int              `json:"snapshots_written"`
	MarkersCreated       int              `json:"markers_created"`
	MarkersResolved      int              `json:"markers_resolved"`
	MarkersCleaned       int              `json:"markers_cleaned"`
	WriteFailures        int              `json:"write_failures"`
	InvalidKeys          []string         `json:"invalid_keys,omitempty"`
	Events               []notify.Event   `json:"events,omitempty"`
	NotificationFailures int              `json:"notification_failures"`
}

// Changed reports whether the cycle mutated state or emitted events.
func (r CycleReport) Changed() bool {
	return r.SnapshotsWritten > 0 || r.MarkersCreated > 0 || r.MarkersResolved > 0 ||
		r.MarkersCleaned > 0 || len(r.Events) > 0 || r.WriteFailures > 0
}

func (e *Engine) recordCycle(ctx context.Context, report *CycleReport, err error) {
	result := "ok"
	level := observability.LevelDebug
	if report.Changed() {
		level = observability.LevelInfo
	}
	fields := map[string]interface{}{
		"duration_ms":       report.Duration.Milliseconds(),
		"datacenters":       len(report.Datacenters),
		"snapshots_written": report.SnapshotsWritten,
		"markers_created":   report.MarkersCreated,
		"markers_resolved":  report.MarkersResolved,
		"markers_cleaned":   report.MarkersCleaned,
		"write_failures":    report.WriteFailures,
		"events":            len(report.Events),
	}
	switch {
	case err == nil:
	case cluster.IsConnectionError(err):
		result = "connection_error"
		level = observability.LevelWarn
		fields["error"] = err.Error()
	case errors.Is(err, context.Canceled):
		result = "cancelled"
	default:
		result = "error"
		level = observability.LevelError
		fields["error"] = err.Error()
	}

	e.reporter.RecordMetric(observability.Metric{
		Name:        "cycles_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Number of reconciliation cycles grouped by result.",
	})
	e.reporter.RecordMetric(observability.Metric{
		Name:        "cycle_duration_seconds",
		Type:        observability.MetricHistogram,
		Value:       report.Duration.Seconds(),
		Labels:      map[string]string{"result": result},
		Description: "Duration of reconciliation cycles.",
		Unit:        "seconds",
	})
	e.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Event:  "cycle_completed",
		Fields: fields,
	})
}
