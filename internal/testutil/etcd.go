package testutil

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"go.etcd.io/etcd/server/v3/embed"
)

const etcdStartTimeout = 15 * time.Second

// EmbeddedEtcd is a single-member etcd used as an alternative alert state
// backend in tests.
type EmbeddedEtcd struct {
	Endpoints []string

	server   *embed.Etcd
	stopOnce sync.Once
}

// StartEmbeddedEtcd boots a throwaway member on loopback ports and stops it
// when the test finishes.
func StartEmbeddedEtcd(t testing.TB) *EmbeddedEtcd {
	t.Helper()

	peer := loopbackURL(t)
	client := loopbackURL(t)

	cfg := embed.NewConfig()
	cfg.Name = "alert-state"
	cfg.Dir = t.TempDir()
	cfg.Logger = "zap"
	cfg.LogLevel = "error"
	cfg.InitialCluster = fmt.Sprintf("%s=%s", cfg.Name, peer.String())
	cfg.ListenPeerUrls = []url.URL{peer}
	cfg.AdvertisePeerUrls = []url.URL{peer}
	cfg.ListenClientUrls = []url.URL{client}
	cfg.AdvertiseClientUrls = []url.URL{client}

	server, err := embed.StartEtcd(cfg)
	if err != nil {
		t.Fatalf("failed to start embedded etcd: %v", err)
	}

	e := &EmbeddedEtcd{server: server}
	select {
	case <-server.Server.ReadyNotify():
	case <-time.After(etcdStartTimeout):
		e.Stop()
		t.Fatalf("embedded etcd not ready after %s", etcdStartTimeout)
	}

	for _, l := range server.Clients {
		e.Endpoints = append(e.Endpoints, l.Addr().String())
	}
	t.Cleanup(e.Stop)
	return e
}

// Stop shuts the member down. Clients observe connection failures afterwards.
func (e *EmbeddedEtcd) Stop() {
	e.stopOnce.Do(func() {
		e.server.Close()
		select {
		case <-e.server.Server.StopNotify():
		case <-time.After(5 * time.Second):
		}
	})
}

// StateYAML renders a state section selecting this member as the backend.
func (e *EmbeddedEtcd) StateYAML(namespace string) string {
	var b strings.Builder
	b.WriteString("state:\n  backend: etcd\n")
	if namespace != "" {
		fmt.Fprintf(&b, "  etcd_namespace: %s\n", namespace)
	}
	b.WriteString("  etcd_endpoints:\n")
	for _, ep := range e.Endpoints {
		fmt.Fprintf(&b, "    - %s\n", ep)
	}
	return b.String()
}

func loopbackURL(t testing.TB) url.URL {
	t.Helper()
	u, err := url.Parse("http://127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to parse loopback url: %v", err)
	}
	return *u
}
