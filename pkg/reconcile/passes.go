package reconcile

import (
	"context"
	"errors"
	"strings"

	"github.com/consulalertd/consulalertd/pkg/cluster"
	"github.com/consulalertd/consulalertd/pkg/notify"
	"github.com/consulalertd/consulalertd/pkg/observability"
	"github.com/consulalertd/consulalertd/pkg/state"
)

// exitedServices records services that disappeared since the stored snapshot
// and refreshes the snapshot when the live set changed.
func (e *Engine) exitedServices(ctx context.Context, session Session, report *CycleReport) error {
	for _, dc := range session.Datacenters {
		previous, found, err := e.store.LoadSnapshot(ctx, dc)
		if err != nil {
			if !errors.Is(err, state.ErrInvalidSnapshot) {
				return unexpected("load service snapshot", err)
			}
			e.reporter.RecordEvent(ctx, observability.Event{
				Level:   observability.LevelWarn,
				Event:   "snapshot_invalid",
				Message: "stored service snapshot is unreadable and will be replaced",
				Fields: map[string]interface{}{
					"datacenter": dc,
					"error":      err.Error(),
				},
			})
			previous, found = state.ServiceSet{}, false
		}

		names, err := e.catalog.ServiceNames(ctx, dc)
		if err != nil {
			return unexpected("list services", err)
		}
		live := state.NewServiceSet(names...)

		exited := previous.Difference(live)
		if len(exited) > 0 {
			report.Exited = append(report.Exited, ExitedServices{Datacenter: dc, Services: exited})
			e.reporter.RecordMetric(observability.Metric{
				Name:        "services_exited_total",
				Type:        observability.MetricCounter,
				Value:       float64(len(exited)),
				Labels:      map[string]string{"datacenter": dc},
				Description: "Number of services that disappeared from a datacenter.",
			})
			e.reporter.RecordEvent(ctx, observability.Event{
				Level: observability.LevelWarn,
				Event: "services_exited",
				Fields: map[string]interface{}{
					"datacenter": dc,
					"services":   exited,
				},
			})
		}

		if found && live.Equal(previous) {
			continue
		}
		key := e.store.Layout().SnapshotKey(dc)
		ok, err := e.store.SaveSnapshot(ctx, dc, live)
		if err != nil || !ok {
			if aerr := e.absorbWrite(ctx, report, "put_snapshot", key, err); aerr != nil {
				return aerr
			}
			continue
		}
		report.SnapshotsWritten++
		e.reporter.RecordEvent(ctx, observability.Event{
			Level: observability.LevelInfo,
			Event: "snapshot_updated",
			Fields: map[string]interface{}{
				"datacenter": dc,
				"key":        key,
				"services":   len(live),
			},
		})

		// The stored snapshot no longer lists the exited services, so the
		// notification cannot repeat on the next cycle.
		if e.notifyExited && len(exited) > 0 {
			event := e.newEvent(notify.KindProblem)
			event.Datacenter = dc
			event.Service = strings.Join(exited, ", ")
			event.Severity = ExitedSeverity
			e.dispatch(ctx, report, event)
		}
	}
	return nil
}

// resolvedStates walks the stored markers and retires those whose check is
// gone or back to the recovered status.
func (e *Engine) resolvedStates(ctx context.Context, session Session, report *CycleReport) error {
	known := make(map[string]struct{}, len(session.Datacenters))
	for _, dc := range session.Datacenters {
		known[dc] = struct{}{}
	}
	layout := e.store.Layout()

	for _, sev := range e.severities {
		keys, err := e.store.MarkerKeys(ctx, sev.Name)
		if err != nil {
			return unexpected("list markers", err)
		}
		for _, key := range keys {
			marker, err := layout.ParseMarkerKey(key)
			if err != nil {
				report.InvalidKeys = append(report.InvalidKeys, key)
				e.reporter.RecordEvent(ctx, observability.Event{
					Level: observability.LevelWarn,
					Event: "marker_invalid",
					Fields: map[string]interface{}{
						"key":   key,
						"error": err.Error(),
					},
				})
				continue
			}
			if _, ok := known[marker.Datacenter]; !ok {
				e.reporter.RecordEvent(ctx, observability.Event{
					Level: observability.LevelWarn,
					Event: "marker_orphaned",
					Fields: map[string]interface{}{
						"key":        key,
						"datacenter": marker.Datacenter,
					},
				})
				continue
			}

			checks, err := e.catalog.NodeChecks(ctx, marker.Datacenter, marker.Node)
			if err != nil {
				return unexpected("list node checks", err)
			}
			check, present := cluster.FindCheck(checks, marker.CheckID)
			switch {
			case !present:
				deleted, err := e.deleteMarker(ctx, report, key, marker, "check_gone")
				if err != nil {
					return err
				}
				if deleted {
					report.MarkersCleaned++
				}
			case check.Status == sev.RecoveredStatus:
				deleted, err := e.deleteMarker(ctx, report, key, marker, "recovered")
				if err != nil {
					return err
				}
				if !deleted {
					continue
				}
				report.MarkersResolved++
				event := e.newEvent(notify.KindResolved)
				event.Datacenter = marker.Datacenter
				event.Node = marker.Node
				event.Service = marker.Service
				if event.Service == "" {
					event.Service = check.ServiceName
				}
				event.CheckID = marker.CheckID
				event.Severity = sev.Name
				event.Status = check.Status
				event.Output = check.Output
				e.dispatch(ctx, report, event)
			}
		}
	}
	return nil
}

func (e *Engine) deleteMarker(ctx context.Context, report *CycleReport, key string, marker state.MarkerKey, reason string) (bool, error) {
	ok, err := e.store.DeleteMarker(ctx, key)
	if err != nil || !ok {
		return false, e.absorbWrite(ctx, report, "delete_marker", key, err)
	}
	e.reporter.RecordMetric(observability.Metric{
		Name:        "markers_deleted_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"severity": marker.Severity, "reason": reason},
		Description: "Number of alert markers deleted grouped by severity and reason.",
	})
	e.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Event: "marker_deleted",
		Fields: map[string]interface{}{
			"key":        key,
			"reason":     reason,
			"severity":   marker.Severity,
			"datacenter": marker.Datacenter,
			"node":       marker.Node,
			"check_id":   marker.CheckID,
		},
	})
	return true, nil
}

// novelStates persists a marker for every check newly seen in a tracked
// severity and notifies once the marker is stored.
func (e *Engine) novelStates(ctx context.Context, session Session, report *CycleReport) error {
	layout := e.store.Layout()
	for _, dc := range session.Datacenters {
		for _, sev := range e.severities {
			checks, err := e.catalog.ChecksInState(ctx, dc, sev.Name)
			if err != nil {
				return unexpected("list checks in state", err)
			}
			for _, check := range checks {
				marker := state.MarkerKey{
					Severity:   sev.Name,
					Datacenter: dc,
					Node:       check.Node,
					CheckID:    check.CheckID,
					Service:    check.ServiceName,
				}
				key, err := layout.MarkerKey(marker)
				if err != nil {
					e.reporter.RecordEvent(ctx, observability.Event{
						Level: observability.LevelWarn,
						Event: "check_skipped",
						Fields: map[string]interface{}{
							"datacenter": dc,
							"node":       check.Node,
							"check_id":   check.CheckID,
							"error":      err.Error(),
						},
					})
					continue
				}

				exists, err := e.store.MarkerExists(ctx, key)
				if err != nil {
					return unexpected("read marker", err)
				}
				if exists {
					continue
				}

				created, err := e.store.CreateMarker(ctx, key, check.Output)
				if err != nil || !created {
					if aerr := e.absorbWrite(ctx, report, "create_marker", key, err); aerr != nil {
						return aerr
					}
					continue
				}
				report.MarkersCreated++
				e.reporter.RecordMetric(observability.Metric{
					Name:        "markers_created_total",
					Type:        observability.MetricCounter,
					Value:       1,
					Labels:      map[string]string{"severity": sev.Name},
					Description: "Number of alert markers created grouped by severity.",
				})
				e.reporter.RecordEvent(ctx, observability.Event{
					Level: observability.LevelInfo,
					Event: "marker_created",
					Fields: map[string]interface{}{
						"key":        key,
						"severity":   sev.Name,
						"datacenter": dc,
						"node":       check.Node,
						"check_id":   check.CheckID,
						"service":    check.ServiceName,
					},
				})

				event := e.newEvent(notify.KindProblem)
				event.Datacenter = dc
				event.Node = check.Node
				event.Service = check.ServiceName
				event.CheckID = check.CheckID
				event.Severity = sev.Name
				event.Status = check.Status
				event.Output = check.Output
				e.dispatch(ctx, report, event)
			}
		}
	}
	return nil
}
