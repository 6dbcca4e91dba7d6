package packaging_test

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/consulalertd/consulalertd/pkg/config"
)

func readPackagingFile(t testing.TB, rel string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Clean(rel))
	if err != nil {
		t.Fatalf("failed to read %s: %v", rel, err)
	}
	return data
}

func clearLegacyEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"CONSUL_HOST", "CONSUL_PORT", "CONSUL_SCHEME", "CONSUL_HTTP_TOKEN", "KEY", "LOG_PATH", "LOG_FILE"} {
		t.Setenv(name, "")
	}
}

func TestConfigTemplateLoadsWithSafeDefaults(t *testing.T) {
	clearLegacyEnv(t)

	cfg, err := config.Load("config.yaml")
	if err != nil {
		t.Fatalf("expected shipped template to validate, got %v", err)
	}
	if cfg.Notifier.Type != "log" {
		t.Fatalf("expected template to log notifications until a key is configured, got %q", cfg.Notifier.Type)
	}
	if cfg.NotifyExitedServices {
		t.Fatal("expected exited-service notifications to be off by default")
	}
	if cfg.Metrics.Enabled {
		t.Fatal("expected metrics listener to be disabled by default")
	}
	if cfg.State.Backend != config.BackendConsul || cfg.State.Prefix != "alert-manager" {
		t.Fatalf("unexpected state defaults: %+v", cfg.State)
	}
	if cfg.NodeName == "" {
		t.Fatal("expected node name to fall back to the hostname")
	}
}

func TestConfigTemplateMatchesBuiltInDefaults(t *testing.T) {
	clearLegacyEnv(t)

	fromTemplate, err := config.Load("config.yaml")
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	builtIn, err := config.Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}

	if fromTemplate.IntervalSec != builtIn.IntervalSec {
		t.Fatalf("interval drift: template %d, defaults %d", fromTemplate.IntervalSec, builtIn.IntervalSec)
	}
	if fromTemplate.Consul.Address != builtIn.Consul.Address || fromTemplate.Consul.RequestTimeoutSec != builtIn.Consul.RequestTimeoutSec {
		t.Fatalf("consul drift: template %+v, defaults %+v", fromTemplate.Consul, builtIn.Consul)
	}
	if len(fromTemplate.Severities) != len(builtIn.Severities) {
		t.Fatalf("severity drift: template %+v, defaults %+v", fromTemplate.Severities, builtIn.Severities)
	}
	for i := range builtIn.Severities {
		if fromTemplate.Severities[i] != builtIn.Severities[i] {
			t.Fatalf("severity %d drift: template %+v, defaults %+v", i, fromTemplate.Severities[i], builtIn.Severities[i])
		}
	}
	if fromTemplate.Metrics.Listen != builtIn.Metrics.Listen {
		t.Fatalf("metrics listen drift: template %q, defaults %q", fromTemplate.Metrics.Listen, builtIn.Metrics.Listen)
	}
}

func TestConfigTemplateIsSingleDocument(t *testing.T) {
	dec := yaml.NewDecoder(bytes.NewReader(readPackagingFile(t, "config.yaml")))
	var first map[string]interface{}
	if err := dec.Decode(&first); err != nil {
		t.Fatalf("decode template: %v", err)
	}
	var extra map[string]interface{}
	if err := dec.Decode(&extra); err == nil {
		t.Fatal("unexpected additional YAML document in template")
	}
}

func TestSystemdUnitRunsDaemon(t *testing.T) {
	entries := parseUnit(t, readPackagingFile(t, filepath.Join("systemd", "consul-alertd.service")))

	if got := entries["Service.ExecStart"]; got != "/usr/bin/consul-alertd run --config "+config.DefaultConfigPath {
		t.Fatalf("unexpected ExecStart: %q", got)
	}
	if got := entries["Service.ExecStartPre"]; !strings.Contains(got, "validate-config") {
		t.Fatalf("expected config validation before start, got %q", got)
	}
	if got := entries["Service.Restart"]; got != "on-failure" {
		t.Fatalf("expected Restart=on-failure so crashes are restarted, got %q", got)
	}
	if got := entries["Install.WantedBy"]; got != "multi-user.target" {
		t.Fatalf("unexpected WantedBy: %q", got)
	}
}

func parseUnit(t testing.TB, data []byte) map[string]string {
	t.Helper()
	entries := make(map[string]string)
	section := ""
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.Trim(line, "[]")
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			t.Fatalf("malformed unit line %q", line)
		}
		entries[section+"."+key] = value
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan unit: %v", err)
	}
	return entries
}
