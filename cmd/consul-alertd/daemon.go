package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/consul/api"
	"golang.org/x/sync/errgroup"

	"github.com/consulalertd/consulalertd/pkg/cluster"
	"github.com/consulalertd/consulalertd/pkg/config"
	"github.com/consulalertd/consulalertd/pkg/notify"
	"github.com/consulalertd/consulalertd/pkg/observability"
	"github.com/consulalertd/consulalertd/pkg/reconcile"
	"github.com/consulalertd/consulalertd/pkg/state"
	"github.com/consulalertd/consulalertd/pkg/supervisor"
	"github.com/consulalertd/consulalertd/pkg/version"
)

const metricsShutdownTimeout = 5 * time.Second

// backend bundles the catalog client and the state store.
type backend struct {
	consul *cluster.ConsulClient
	store  *state.Store
	closer func() error
}

func newBackend(cfg *config.Config) (*backend, error) {
	consulTLS := api.TLSConfig{}
	if t := cfg.Consul.TLS; t != nil && t.Enabled {
		consulTLS = api.TLSConfig{
			CAFile:             t.CAFile,
			CertFile:           t.CertFile,
			KeyFile:            t.KeyFile,
			InsecureSkipVerify: t.Insecure,
		}
	}
	consul, err := cluster.NewConsulClient(cluster.ConsulOptions{
		Address:        cfg.Consul.Address,
		Scheme:         cfg.Consul.Scheme,
		Token:          cfg.Consul.Token,
		RequestTimeout: cfg.RequestTimeout(),
		TLS:            consulTLS,
	})
	if err != nil {
		return nil, err
	}

	var kv cluster.KV = consul
	closer := func() error { return nil }
	if cfg.State.Backend == config.BackendEtcd {
		tlsCfg, err := cfg.State.EtcdTLS.ClientTLS()
		if err != nil {
			return nil, fmt.Errorf("state.etcd_tls: %w", err)
		}
		etcdKV, err := cluster.NewEtcdKV(cluster.EtcdKVOptions{
			Endpoints:      cfg.State.EtcdEndpoints,
			DialTimeout:    cfg.EtcdDialTimeout(),
			RequestTimeout: cfg.RequestTimeout(),
			Namespace:      cfg.State.EtcdNamespace,
			TLS:            tlsCfg,
		})
		if err != nil {
			return nil, fmt.Errorf("connect etcd: %w", err)
		}
		kv = etcdKV
		closer = etcdKV.Close
	}

	store, err := state.NewStore(kv, state.NewLayout(cfg.State.Prefix))
	if err != nil {
		_ = closer()
		return nil, err
	}
	return &backend{consul: consul, store: store, closer: closer}, nil
}

func (b *backend) Close() error {
	if b == nil || b.closer == nil {
		return nil
	}
	return b.closer()
}

type daemonOptions struct {
	stdout    io.Writer
	dryRun    bool
	dryRunOut io.Writer
}

// daemon is the fully wired process.
type daemon struct {
	cfg        *config.Config
	backend    *backend
	reporter   *observability.StructuredReporter
	metrics    *observability.PrometheusCollector
	supervisor *supervisor.Supervisor
	closers    []func() error
}

func newDaemon(cfg *config.Config, opts daemonOptions) (*daemon, error) {
	logWriter, closeLog, err := observability.OpenLogWriter(opts.stdout, cfg.Log.Path, cfg.Log.File)
	if err != nil {
		return nil, err
	}
	d := &daemon{cfg: cfg, closers: []func() error{closeLog}}

	logger := observability.NewJSONLogger(logWriter)
	level, err := observability.ParseLevel(cfg.Log.Level)
	if err != nil {
		d.Close()
		return nil, err
	}
	logger.SetMinLevel(level)

	var collector observability.MetricsCollector
	if cfg.Metrics.Enabled {
		d.metrics = observability.NewPrometheusCollector(
			observability.WithBuildInfo(version.Version),
			observability.WithRuntimeCollectors(),
		)
		collector = d.metrics
	}
	d.reporter = observability.NewStructuredReporter(cfg.NodeName, "daemon", logger, collector)
	if cfg.LogFileIncomplete() {
		d.reporter.RecordEvent(context.Background(), observability.Event{
			Level:   observability.LevelWarn,
			Event:   "log_file_disabled",
			Message: "log.path and log.file must both be set to log to a file; logging to stdout only",
			Fields: map[string]interface{}{
				"path": cfg.Log.Path,
				"file": cfg.Log.File,
			},
		})
	}

	d.backend, err = newBackend(cfg)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.closers = append(d.closers, d.backend.Close)

	var notifier notify.Notifier
	if opts.dryRun {
		notifier = notify.NewRecordingNotifier(opts.dryRunOut)
	} else {
		notifier, err = notify.Build(notify.Settings{
			Type:          cfg.Notifier.Type,
			Key:           cfg.Notifier.Key,
			URL:           cfg.Notifier.URL,
			Timeout:       cfg.NotifyTimeout(),
			MentionedList: cfg.Notifier.MentionedList,
		}, d.reporter.WithComponent("notifier"))
		if err != nil {
			d.Close()
			return nil, err
		}
	}
	dispatcher, err := notify.NewDispatcher(notifier, notify.WithReporter(d.reporter.WithComponent("dispatcher")))
	if err != nil {
		d.Close()
		return nil, err
	}

	severities := make([]reconcile.Severity, 0, len(cfg.Severities))
	for _, sev := range cfg.Severities {
		severities = append(severities, reconcile.Severity{Name: sev.Name, RecoveredStatus: sev.RecoveredStatus})
	}
	engine, err := reconcile.NewEngine(d.backend.consul, d.backend.store, dispatcher,
		reconcile.WithSeverities(severities),
		reconcile.WithExitedServiceNotifications(cfg.NotifyExitedServices),
		reconcile.WithReporter(d.reporter.WithComponent("engine")),
	)
	if err != nil {
		d.Close()
		return nil, err
	}

	d.supervisor, err = supervisor.New(d.backend.consul, engine, dispatcher,
		supervisor.WithInterval(cfg.Interval()),
		supervisor.WithReporter(d.reporter.WithComponent("supervisor")),
		supervisor.WithCrashIdentity(supervisor.DefaultCrashSubject, cfg.NodeName),
	)
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the backend connections and the log file.
func (d *daemon) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
	d.closers = nil
}

func (d *daemon) logStartup(ctx context.Context) {
	d.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Event:   "daemon_started",
		Message: "consul alert daemon started",
		Fields: map[string]interface{}{
			"version":       version.Version,
			"consul":        d.backend.consul.Address(),
			"state_backend": d.cfg.State.Backend,
			"prefix":        d.backend.store.Layout().Prefix(),
			"interval_ms":   d.cfg.Interval().Milliseconds(),
			"notifier":      d.cfg.Notifier.Type,
		},
	})
}

func (d *daemon) logShutdown(ctx context.Context) {
	d.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Event: "daemon_stopped",
	})
}

// handler serves /metrics and /healthz.
func (d *daemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		st := d.supervisor.State()
		if st != supervisor.StateConnected {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintln(w, st)
	})
	return mux
}

// serveMetrics runs the listener inside g until ctx is done.
func (d *daemon) serveMetrics(ctx context.Context, g *errgroup.Group, listen string) {
	srv := &http.Server{Addr: listen, Handler: d.handler(), ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
