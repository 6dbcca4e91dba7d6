package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"go.etcd.io/etcd/client/pkg/v3/transport"
	"gopkg.in/yaml.v3"

	"github.com/consulalertd/consulalertd/pkg/observability"
)

const DefaultConfigPath = "/etc/consul-alertd/config.yaml"

// Supported state backends.
const (
	BackendConsul = "consul"
	BackendEtcd   = "etcd"
)

var notifierTypes = []string{"log", "wework", "slack", "teams", "http"}

// Config represents the runtime configuration for the alert daemon.
type Config struct {
	NodeName             string           `yaml:"node_name"`
	IntervalSec          int              `yaml:"interval_sec"`
	NotifyExitedServices bool             `yaml:"notify_exited_services"`
	Consul               ConsulConfig     `yaml:"consul"`
	State                StateConfig      `yaml:"state"`
	Severities           []SeverityConfig `yaml:"severities"`
	Notifier             NotifierConfig   `yaml:"notifier"`
	Log                  LogConfig        `yaml:"log"`
	Metrics              MetricsConfig    `yaml:"metrics"`
}

// ConsulConfig describes how to reach the Consul HTTP API.
type ConsulConfig struct {
	Address           string     `yaml:"address"`
	Scheme            string     `yaml:"scheme"`
	Token             string     `yaml:"token"`
	RequestTimeoutSec int        `yaml:"request_timeout_sec"`
	TLS               *TLSConfig `yaml:"tls"`
}

// TLSConfig configures optional client TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure_skip_verify"`
}

// StateConfig selects where markers and snapshots are persisted.
type StateConfig struct {
	Backend            string     `yaml:"backend"`
	Prefix             string     `yaml:"prefix"`
	EtcdEndpoints      []string   `yaml:"etcd_endpoints"`
	EtcdNamespace      string     `yaml:"etcd_namespace"`
	EtcdDialTimeoutSec int        `yaml:"etcd_dial_timeout_sec"`
	EtcdTLS            *TLSConfig `yaml:"etcd_tls"`
}

// SeverityConfig pairs a tracked check status with the status that resolves it.
type SeverityConfig struct {
	Name            string `yaml:"name"`
	RecoveredStatus string `yaml:"recovered_status"`
}

// NotifierConfig selects the notification transport.
type NotifierConfig struct {
	Type          string   `yaml:"type"`
	Key           string   `yaml:"key"`
	KeyEnv        string   `yaml:"key_env"`
	URL           string   `yaml:"url"`
	URLEnv        string   `yaml:"url_env"`
	TimeoutSec    int      `yaml:"timeout_sec"`
	MentionedList []string `yaml:"mentioned_list"`
}

// LogConfig adds an optional log file next to stdout.
type LogConfig struct {
	Path  string `yaml:"path"`
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration. An empty path skips the
// file and builds the configuration from defaults and the environment.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	if path == "" {
		return decode(strings.NewReader(""), lookup)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f, lookup)
}

func decode(r io.Reader, lookup func(string) (string, bool)) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnv honours the environment variables of earlier deployments. They
// take precedence over the file.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	host, hostSet := lookupNonEmpty(lookup, "CONSUL_HOST")
	port, portSet := lookupNonEmpty(lookup, "CONSUL_PORT")
	if hostSet || portSet {
		curHost, curPort := "127.0.0.1", "8500"
		if c.Consul.Address != "" {
			if h, p, err := net.SplitHostPort(c.Consul.Address); err == nil {
				curHost, curPort = h, p
			} else {
				curHost = c.Consul.Address
			}
		}
		if hostSet {
			curHost = host
		}
		if portSet {
			curPort = port
		}
		c.Consul.Address = net.JoinHostPort(curHost, curPort)
	}
	if v, ok := lookupNonEmpty(lookup, "CONSUL_SCHEME"); ok {
		c.Consul.Scheme = v
	}
	if v, ok := lookupNonEmpty(lookup, "CONSUL_HTTP_TOKEN"); ok {
		c.Consul.Token = v
	}
	if v, ok := lookupNonEmpty(lookup, "KEY"); ok {
		c.Notifier.Key = v
		if c.Notifier.Type == "" {
			c.Notifier.Type = "wework"
		}
	}
	if c.Notifier.KeyEnv != "" {
		if v, ok := lookupNonEmpty(lookup, c.Notifier.KeyEnv); ok {
			c.Notifier.Key = v
		}
	}
	if c.Notifier.URLEnv != "" {
		if v, ok := lookupNonEmpty(lookup, c.Notifier.URLEnv); ok {
			c.Notifier.URL = v
		}
	}
	if v, ok := lookupNonEmpty(lookup, "LOG_PATH"); ok {
		c.Log.Path = v
	}
	if v, ok := lookupNonEmpty(lookup, "LOG_FILE"); ok {
		c.Log.File = v
	}
	return nil
}

func lookupNonEmpty(lookup func(string) (string, bool), name string) (string, bool) {
	v, ok := lookup(name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if c.IntervalSec <= 0 {
		problems = append(problems, "interval_sec must be greater than zero")
	}
	if strings.TrimSpace(c.Consul.Address) == "" {
		problems = append(problems, "consul.address is required")
	} else if _, port, err := net.SplitHostPort(c.Consul.Address); err != nil || port == "" {
		problems = append(problems, fmt.Sprintf("consul.address %q must be host:port", c.Consul.Address))
	}
	if c.Consul.Scheme != "http" && c.Consul.Scheme != "https" {
		problems = append(problems, fmt.Sprintf("consul.scheme %q must be http or https", c.Consul.Scheme))
	}
	if c.Consul.RequestTimeoutSec <= 0 {
		problems = append(problems, "consul.request_timeout_sec must be greater than zero")
	}
	if c.Consul.RequestTimeoutSec > 0 && c.IntervalSec > 0 && c.Consul.RequestTimeoutSec > 10*c.IntervalSec {
		problems = append(problems, "consul.request_timeout_sec must not exceed ten intervals")
	}
	problems = append(problems, c.Consul.TLS.validate("consul.tls")...)

	switch c.State.Backend {
	case BackendConsul:
	case BackendEtcd:
		if len(c.State.EtcdEndpoints) == 0 {
			problems = append(problems, "state.etcd_endpoints must contain at least one endpoint when state.backend is etcd")
		}
		if c.State.EtcdDialTimeoutSec <= 0 {
			problems = append(problems, "state.etcd_dial_timeout_sec must be greater than zero")
		}
		problems = append(problems, c.State.EtcdTLS.validate("state.etcd_tls")...)
	default:
		problems = append(problems, fmt.Sprintf("state.backend %q must be consul or etcd", c.State.Backend))
	}
	if strings.Trim(strings.TrimSpace(c.State.Prefix), "/") == "" {
		problems = append(problems, "state.prefix must not be empty")
	}

	seen := make(map[string]struct{}, len(c.Severities))
	for i, sev := range c.Severities {
		switch sev.Name {
		case "warning", "critical":
		default:
			problems = append(problems, fmt.Sprintf("severities[%d]: name %q must be warning or critical", i, sev.Name))
		}
		if strings.TrimSpace(sev.RecoveredStatus) == "" {
			problems = append(problems, fmt.Sprintf("severities[%d]: recovered_status is required", i))
		} else if sev.RecoveredStatus == sev.Name {
			problems = append(problems, fmt.Sprintf("severities[%d]: recovered_status must differ from name", i))
		}
		if _, dup := seen[sev.Name]; dup {
			problems = append(problems, fmt.Sprintf("severities[%d]: %q is configured more than once", i, sev.Name))
		}
		seen[sev.Name] = struct{}{}
	}

	if !contains(notifierTypes, c.Notifier.Type) {
		problems = append(problems, fmt.Sprintf("notifier.type %q must be one of %s", c.Notifier.Type, strings.Join(notifierTypes, ", ")))
	}
	switch c.Notifier.Type {
	case "wework":
		if strings.TrimSpace(c.Notifier.Key) == "" {
			problems = append(problems, "notifier.key (or KEY) is required for the wework notifier")
		}
	case "slack", "teams", "http":
		if strings.TrimSpace(c.Notifier.URL) == "" {
			problems = append(problems, fmt.Sprintf("notifier.url is required for the %s notifier", c.Notifier.Type))
		}
	}
	if c.Notifier.TimeoutSec <= 0 {
		problems = append(problems, "notifier.timeout_sec must be greater than zero")
	}

	if _, err := observability.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, fmt.Sprintf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}

	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (t *TLSConfig) validate(field string) []string {
	if t == nil || !t.Enabled {
		return nil
	}
	problems := make([]string, 0)
	if strings.TrimSpace(t.CAFile) == "" && !t.Insecure {
		problems = append(problems, field+".ca_file is required when TLS is enabled")
	}
	if (t.CertFile == "") != (t.KeyFile == "") {
		problems = append(problems, field+".cert_file and key_file must be set together")
	}
	return problems
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.NodeName) == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeName = host
		}
	}
	if c.IntervalSec == 0 {
		c.IntervalSec = 5
	}
	if c.Consul.Address == "" {
		c.Consul.Address = "127.0.0.1:8500"
	}
	if c.Consul.Scheme == "" {
		c.Consul.Scheme = "http"
	}
	if c.Consul.RequestTimeoutSec == 0 {
		c.Consul.RequestTimeoutSec = 10
	}
	if c.State.Backend == "" {
		c.State.Backend = BackendConsul
	}
	if c.State.Prefix == "" {
		c.State.Prefix = "alert-manager"
	}
	if c.State.EtcdDialTimeoutSec == 0 {
		c.State.EtcdDialTimeoutSec = 5
	}
	if len(c.Severities) == 0 {
		c.Severities = []SeverityConfig{
			{Name: "warning", RecoveredStatus: "passing"},
			{Name: "critical", RecoveredStatus: "passing"},
		}
	}
	for i := range c.Severities {
		if c.Severities[i].RecoveredStatus == "" {
			c.Severities[i].RecoveredStatus = "passing"
		}
	}
	if c.Notifier.Type == "" {
		c.Notifier.Type = "log"
		if c.Notifier.Key != "" {
			c.Notifier.Type = "wework"
		}
	}
	c.Notifier.Type = strings.ToLower(c.Notifier.Type)
	if c.Notifier.TimeoutSec == 0 {
		c.Notifier.TimeoutSec = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// Interval returns the fixed pause between cycles and reconnect attempts.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// RequestTimeout bounds every backend call.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Consul.RequestTimeoutSec) * time.Second
}

// NotifyTimeout bounds a single webhook delivery.
func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notifier.TimeoutSec) * time.Second
}

// EtcdDialTimeout bounds the initial etcd connection.
func (c *Config) EtcdDialTimeout() time.Duration {
	return time.Duration(c.State.EtcdDialTimeoutSec) * time.Second
}

// ClientTLS builds a client TLS configuration, or nil when TLS is disabled.
func (t *TLSConfig) ClientTLS() (*tls.Config, error) {
	if t == nil || !t.Enabled {
		return nil, nil
	}
	info := transport.TLSInfo{
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		TrustedCAFile:      t.CAFile,
		InsecureSkipVerify: t.Insecure,
	}
	cfg, err := info.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load tls material: %w", err)
	}
	return cfg, nil
}

// LogFileIncomplete reports whether exactly one of log.path and log.file is
// set. The daemon then logs to stdout only.
func (c *Config) LogFileIncomplete() bool {
	return (c.Log.Path == "") != (c.Log.File == "")
}
