package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/consulalertd/consulalertd/pkg/cluster"
	"github.com/consulalertd/consulalertd/pkg/config"
	"github.com/consulalertd/consulalertd/pkg/version"
)

const (
	exitOK           = 0
	exitFailure      = 1
	exitUsage        = 64
	exitConfigError  = 65
	exitUnavailable  = 69
	exitRuntimeError = 70
)

func main() {
	exitCode := run(os.Args[1:])
	os.Exit(exitCode)
}

func run(args []string) int {
	if len(args) == 0 {
		usage(os.Stderr)
		return exitUsage
	}

	switch args[0] {
	case "run":
		return commandRun(args[1:])
	case "once":
		return commandOnceWithWriters(args[1:], os.Stdout, os.Stderr)
	case "validate-config":
		return commandValidateWithWriters(args[1:], os.Stdout, os.Stderr)
	case "markers":
		return commandMarkersWithWriters(args[1:], os.Stdout, os.Stderr)
	case "reset":
		return commandResetWithWriters(args[1:], os.Stdout, os.Stderr)
	case "version":
		fmt.Println(version.Summary())
		return exitOK
	case "-h", "--help", "help":
		usage(os.Stdout)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage(os.Stderr)
		return exitUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: consul-alertd <command> [options]
Commands:
  run                Start the alert daemon
  once               Run a single reconciliation cycle and print the report
  validate-config    Validate the configuration
  markers            List persisted alert markers
  reset              Delete all persisted alert state (requires --yes)
  version            Print build version
`)
}

func newFlagSet(name string, stderr io.Writer) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", "", "path to configuration file (defaults and environment only when empty)")
	return fs, configPath
}

func commandRun(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return commandRunWithContext(ctx, args, os.Stdout, os.Stderr)
}

func commandRunWithContext(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, configPath := newFlagSet("run", stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}

	d, err := newDaemon(cfg, daemonOptions{stdout: stdout})
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise daemon: %v\n", err)
		return exitConfigError
	}
	defer d.Close()

	d.logStartup(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.supervisor.Run(gctx)
	})
	if cfg.Metrics.Enabled {
		d.serveMetrics(gctx, g, cfg.Metrics.Listen)
	}

	err = g.Wait()
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		d.logShutdown(context.Background())
		return exitOK
	default:
		fmt.Fprintf(stderr, "daemon stopped: %v\n", err)
		return exitRuntimeError
	}
}

func commandOnceWithWriters(args []string, stdout, stderr io.Writer) int {
	fs, configPath := newFlagSet("once", stderr)
	dryRun := fs.Bool("dry-run", false, "print notifications instead of delivering them")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}

	d, err := newDaemon(cfg, daemonOptions{stdout: stderr, dryRun: *dryRun, dryRunOut: stdout})
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise daemon: %v\n", err)
		return exitConfigError
	}
	defer d.Close()

	report, err := d.supervisor.RunOnce(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "reconciliation cycle failed: %v\n", err)
		if cluster.IsConnectionError(err) {
			return exitUnavailable
		}
		return exitRuntimeError
	}

	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		fmt.Fprintf(stderr, "failed to encode report: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func commandValidateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs, configPath := newFlagSet("validate-config", stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if _, err := config.Load(*configPath); err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}

	source := *configPath
	if source == "" {
		source = "defaults and environment"
	}
	fmt.Fprintf(stdout, "configuration from %s is valid\n", source)
	return exitOK
}

func commandMarkersWithWriters(args []string, stdout, stderr io.Writer) int {
	fs, configPath := newFlagSet("markers", stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	b, err := newBackend(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to connect: %v\n", err)
		return exitConfigError
	}
	defer b.Close()

	names := make([]string, 0, len(cfg.Severities))
	for _, sev := range cfg.Severities {
		names = append(names, sev.Name)
	}
	markers, invalid, err := b.store.Markers(context.Background(), names)
	if err != nil {
		fmt.Fprintf(stderr, "failed to list markers: %v\n", err)
		if cluster.IsConnectionError(err) {
			return exitUnavailable
		}
		return exitRuntimeError
	}

	if len(markers) == 0 {
		fmt.Fprintln(stdout, "no alert markers stored")
	}
	for _, m := range markers {
		service := m.Marker.Service
		if service == "" {
			service = "-"
		}
		fmt.Fprintf(stdout, "%-8s dc=%s node=%s check=%s service=%s output=%q\n",
			m.Marker.Severity, m.Marker.Datacenter, m.Marker.Node, m.Marker.CheckID, service, m.Output)
	}
	for _, key := range invalid {
		fmt.Fprintf(stdout, "invalid  %s\n", key)
	}
	return exitOK
}

func commandResetWithWriters(args []string, stdout, stderr io.Writer) int {
	fs, configPath := newFlagSet("reset", stderr)
	confirm := fs.Bool("yes", false, "confirm deletion of all persisted alert state")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if !*confirm {
		fmt.Fprintln(stderr, "refusing to reset without --yes")
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	b, err := newBackend(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to connect: %v\n", err)
		return exitConfigError
	}
	defer b.Close()

	ok, err := b.store.Purge(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "failed to reset state: %v\n", err)
		if cluster.IsConnectionError(err) {
			return exitUnavailable
		}
		return exitRuntimeError
	}
	if !ok {
		fmt.Fprintln(stderr, "backend rejected the reset")
		return exitRuntimeError
	}
	fmt.Fprintf(stdout, "deleted all alert state under %s/\n", b.store.Layout().Prefix())
	return exitOK
}
