package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/consulalertd/consulalertd/internal/testutil"
	"github.com/consulalertd/consulalertd/pkg/reconcile"
)

func clearLegacyEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"CONSUL_HOST", "CONSUL_PORT", "CONSUL_SCHEME", "CONSUL_HTTP_TOKEN", "KEY", "LOG_PATH", "LOG_FILE"} {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, address string, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := fmt.Sprintf(`
node_name: alert-a
interval_sec: 1
consul:
  address: %s
  request_timeout_sec: 1
notifier:
  type: log
log:
  level: warn
%s`, address, extra)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func newFailingConsul(t *testing.T) *testutil.FakeConsul {
	t.Helper()
	fake := testutil.NewFakeConsul()
	fake.SetService("dc1", "svc-A")
	fake.AddCheck("dc1", map[string]string{"Node": "n1", "CheckID": "svc-A-check", "ServiceName": "svc-A", "Status": "critical", "Output": "connection refused"})
	fake.AddCheck("dc1", map[string]string{"Node": "n1", "CheckID": "serfHealth", "Status": "passing", "Output": "Agent alive"})
	return fake
}

func TestCommandValidateConfig(t *testing.T) {
	clearLegacyEnv(t)
	path := writeConfig(t, "127.0.0.1:8500", "")

	var stdout, stderr bytes.Buffer
	if code := commandValidateWithWriters([]string{"--config", path}, &stdout, &stderr); code != exitOK {
		t.Fatalf("expected exitOK, got %d (stderr: %s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "is valid") {
		t.Fatalf("unexpected output: %s", stdout.String())
	}
}

func TestCommandValidateConfigRejectsInvalidFile(t *testing.T) {
	clearLegacyEnv(t)
	path := writeConfig(t, "127.0.0.1:8500", "severities:\n  - name: critical\n    recovered_status: critical\n")

	var stdout, stderr bytes.Buffer
	if code := commandValidateWithWriters([]string{"--config", path}, &stdout, &stderr); code != exitConfigError {
		t.Fatalf("expected exitConfigError, got %d", code)
	}
	if !strings.Contains(stderr.String(), "configuration invalid") {
		t.Fatalf("expected validation message, got: %s", stderr.String())
	}
}

func TestCommandValidateConfigMissingFile(t *testing.T) {
	clearLegacyEnv(t)
	var stdout, stderr bytes.Buffer
	code := commandValidateWithWriters([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, &stdout, &stderr)
	if code != exitConfigError {
		t.Fatalf("expected exitConfigError, got %d", code)
	}
}

func TestCommandUnknownFlagIsUsageError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := commandValidateWithWriters([]string{"--bogus"}, &stdout, &stderr); code != exitUsage {
		t.Fatalf("expected exitUsage, got %d", code)
	}
}

func TestRunDispatch(t *testing.T) {
	if code := run(nil); code != exitUsage {
		t.Fatalf("expected exitUsage without arguments, got %d", code)
	}
	if code := run([]string{"explode"}); code != exitUsage {
		t.Fatalf("expected exitUsage for unknown command, got %d", code)
	}
	if code := run([]string{"version"}); code != exitOK {
		t.Fatalf("expected exitOK for version, got %d", code)
	}
}

func TestCommandOnceDryRunPrintsNotificationsAndReport(t *testing.T) {
	clearLegacyEnv(t)
	fake := newFailingConsul(t)
	path := writeConfig(t, testutil.StartFakeConsul(t, fake), "")

	var stdout, stderr bytes.Buffer
	if code := commandOnceWithWriters([]string{"--config", path, "--dry-run"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("expected exitOK, got %d (stderr: %s)", code, stderr.String())
	}

	output := stdout.String()
	if !strings.Contains(output, "--- problem ") {
		t.Fatalf("expected a problem notification, got: %s", output)
	}
	if !strings.Contains(output, "svc-A is failing, please take a look.") {
		t.Fatalf("expected rendered title, got: %s", output)
	}

	start := strings.Index(output, "{")
	if start < 0 {
		t.Fatalf("expected JSON report in output: %s", output)
	}
	var report reconcile.CycleReport
	if err := json.Unmarshal([]byte(output[start:]), &report); err != nil {
		t.Fatalf("failed to decode report: %v\n%s", err, output[start:])
	}
	if report.MarkersCreated != 1 {
		t.Fatalf("expected one marker created, got %+v", report)
	}
	if len(report.Datacenters) != 1 || report.Datacenters[0] != "dc1" {
		t.Fatalf("unexpected datacenters: %v", report.Datacenters)
	}

	kv := fake.KV()
	if _, ok := kv["alert-manager/critical/dc1/n1/svc-A-check/svc-A"]; !ok {
		t.Fatalf("expected marker to be stored, kv=%v", kv)
	}
	if _, ok := kv["alert-manager/dc1"]; !ok {
		t.Fatalf("expected service snapshot to be stored, kv=%v", kv)
	}

	stdout.Reset()
	stderr.Reset()
	if code := commandOnceWithWriters([]string{"--config", path, "--dry-run"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("expected exitOK on second cycle, got %d (stderr: %s)", code, stderr.String())
	}
	if strings.Contains(stdout.String(), "--- problem") {
		t.Fatalf("expected no repeated notification, got: %s", stdout.String())
	}
}

func TestCommandOnceUnreachableConsul(t *testing.T) {
	clearLegacyEnv(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	address := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()
	path := writeConfig(t, address, "")

	var stdout, stderr bytes.Buffer
	if code := commandOnceWithWriters([]string{"--config", path}, &stdout, &stderr); code != exitUnavailable {
		t.Fatalf("expected exitUnavailable, got %d (stderr: %s)", code, stderr.String())
	}
}

func TestCommandMarkersListsStoredAlerts(t *testing.T) {
	clearLegacyEnv(t)
	fake := testutil.NewFakeConsul()
	fake.SetKV("alert-manager/critical/dc1/n1/chk/web", "timeout")
	fake.SetKV("alert-manager/warning/dc1/n2/disk", "80% full")
	fake.SetKV("alert-manager/critical/broken", "")
	path := writeConfig(t, testutil.StartFakeConsul(t, fake), "")

	var stdout, stderr bytes.Buffer
	if code := commandMarkersWithWriters([]string{"--config", path}, &stdout, &stderr); code != exitOK {
		t.Fatalf("expected exitOK, got %d (stderr: %s)", code, stderr.String())
	}
	output := stdout.String()
	for _, want := range []string{
		"dc=dc1 node=n1 check=chk service=web",
		"dc=dc1 node=n2 check=disk service=-",
		"invalid  alert-manager/critical/broken",
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestCommandMarkersEmpty(t *testing.T) {
	clearLegacyEnv(t)
	path := writeConfig(t, testutil.StartFakeConsul(t, testutil.NewFakeConsul()), "")

	var stdout, stderr bytes.Buffer
	if code := commandMarkersWithWriters([]string{"--config", path}, &stdout, &stderr); code != exitOK {
		t.Fatalf("expected exitOK, got %d (stderr: %s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "no alert markers stored") {
		t.Fatalf("unexpected output: %s", stdout.String())
	}
}

func TestCommandResetRequiresConfirmation(t *testing.T) {
	clearLegacyEnv(t)
	fake := testutil.NewFakeConsul()
	fake.SetKV("alert-manager/dc1", `["web"]`)
	path := writeConfig(t, testutil.StartFakeConsul(t, fake), "")

	var stdout, stderr bytes.Buffer
	if code := commandResetWithWriters([]string{"--config", path}, &stdout, &stderr); code != exitUsage {
		t.Fatalf("expected exitUsage without --yes, got %d", code)
	}
	if len(fake.KV()) != 1 {
		t.Fatal("expected state to survive an unconfirmed reset")
	}
}

func TestCommandResetPurgesPrefixOnly(t *testing.T) {
	clearLegacyEnv(t)
	fake := testutil.NewFakeConsul()
	fake.SetKV("alert-manager/dc1", `["web"]`)
	fake.SetKV("alert-manager/critical/dc1/n1/chk", "timeout")
	fake.SetKV("alert-manager-other/keep", "x")
	path := writeConfig(t, testutil.StartFakeConsul(t, fake), "")

	var stdout, stderr bytes.Buffer
	if code := commandResetWithWriters([]string{"--config", path, "--yes"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("expected exitOK, got %d (stderr: %s)", code, stderr.String())
	}
	kv := fake.KV()
	if len(kv) != 1 {
		t.Fatalf("expected only the neighbouring prefix to survive, got %v", kv)
	}
	if _, ok := kv["alert-manager-other/keep"]; !ok {
		t.Fatalf("expected neighbouring prefix to survive, got %v", kv)
	}
}

func TestCommandRunStopsOnCancellation(t *testing.T) {
	clearLegacyEnv(t)
	fake := newFailingConsul(t)
	path := writeConfig(t, testutil.StartFakeConsul(t, fake), "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	var stdout, stderr bytes.Buffer
	go func() {
		done <- commandRunWithContext(ctx, []string{"--config", path}, &stdout, &stderr)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := fake.KV()["alert-manager/critical/dc1/n1/svc-A-check/svc-A"]; ok {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("timed out waiting for the first cycle")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()

	select {
	case code := <-done:
		if code != exitOK {
			t.Fatalf("expected exitOK after cancellation, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after cancellation")
	}
}

func TestCommandOnceWithEtcdStateBackend(t *testing.T) {
	clearLegacyEnv(t)
	etcd := testutil.StartEmbeddedEtcd(t)
	fake := newFailingConsul(t)
	path := writeConfig(t, testutil.StartFakeConsul(t, fake), etcd.StateYAML("consulalertd"))

	var stdout, stderr bytes.Buffer
	if code := commandOnceWithWriters([]string{"--config", path, "--dry-run"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("expected exitOK, got %d (stderr: %s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "--- problem ") {
		t.Fatalf("expected a problem notification, got: %s", stdout.String())
	}
	if kv := fake.KV(); len(kv) != 0 {
		t.Fatalf("expected no alert state in consul when etcd holds it, got %v", kv)
	}

	stdout.Reset()
	stderr.Reset()
	if code := commandMarkersWithWriters([]string{"--config", path}, &stdout, &stderr); code != exitOK {
		t.Fatalf("expected exitOK, got %d (stderr: %s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "dc=dc1 node=n1 check=svc-A-check service=svc-A") {
		t.Fatalf("expected marker listed from etcd, got: %s", stdout.String())
	}
}
