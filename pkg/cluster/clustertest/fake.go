// Package clustertest provides an in-memory cluster for tests.
package clustertest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/consulalertd/consulalertd/pkg/cluster"
)

// FakeCluster is an in-memory cluster.Catalog and cluster.KV. Errors can be
// injected per operation name ("datacenters", "checks_in_state", "node_checks",
// "service_names", "get", "put", "create", "delete", "keys").
type FakeCluster struct {
	mu          sync.Mutex
	datacenters []string
	checks      []cluster.HealthCheck
	services    map[string][]string
	kv          map[string][]byte
	errs        map[string]error
	rejects     map[string]bool
	calls       map[string]int
	writes      []string
}

// NewFakeCluster returns an empty fake with the given datacenters.
func NewFakeCluster(datacenters ...string) *FakeCluster {
	return &FakeCluster{
		datacenters: append([]string(nil), datacenters...),
		services:    make(map[string][]string),
		kv:          make(map[string][]byte),
		errs:        make(map[string]error),
		rejects:     make(map[string]bool),
		calls:       make(map[string]int),
	}
}

// SetChecks replaces every registered check.
func (f *FakeCluster) SetChecks(checks ...cluster.HealthCheck) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append([]cluster.HealthCheck(nil), checks...)
}

// SetServices replaces the service names of a datacenter.
func (f *FakeCluster) SetServices(datacenter string, names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[datacenter] = append([]string(nil), names...)
}

// FailOn makes every call of op return err until cleared with a nil error.
func (f *FakeCluster) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// RejectWrites makes put/create/delete ("put", "create", "delete") report a
// write that did not take effect.
func (f *FakeCluster) RejectWrites(op string, reject bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects[op] = reject
}

// Calls returns how often op was invoked.
func (f *FakeCluster) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Writes returns the keys of every successful mutation, in order, each
// prefixed with the operation ("put ", "create ", "delete ").
func (f *FakeCluster) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// Value returns a stored value.
func (f *FakeCluster) Value(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	return string(v), ok
}

// SetValue stores a value directly, bypassing call accounting.
func (f *FakeCluster) SetValue(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = []byte(value)
}

// KeysWithPrefix returns every stored key starting with prefix, sorted.
func (f *FakeCluster) KeysWithPrefix(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keysLocked(prefix)
}

func (f *FakeCluster) keysLocked(prefix string) []string {
	keys := make([]string, 0)
	for k := range f.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (f *FakeCluster) enter(op string) error {
	f.calls[op]++
	return f.errs[op]
}

// Datacenters implements cluster.Catalog.
func (f *FakeCluster) Datacenters(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("datacenters"); err != nil {
		return nil, err
	}
	return append([]string(nil), f.datacenters...), nil
}

// ChecksInState implements cluster.Catalog.
func (f *FakeCluster) ChecksInState(ctx context.Context, datacenter, status string) ([]cluster.HealthCheck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("checks_in_state"); err != nil {
		return nil, err
	}
	var out []cluster.HealthCheck
	for _, c := range f.checks {
		if c.Datacenter == datacenter && c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

// NodeChecks implements cluster.Catalog.
func (f *FakeCluster) NodeChecks(ctx context.Context, datacenter, node string) ([]cluster.HealthCheck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("node_checks"); err != nil {
		return nil, err
	}
	var out []cluster.HealthCheck
	for _, c := range f.checks {
		if c.Datacenter == datacenter && c.Node == node {
			out = append(out, c)
		}
	}
	return out, nil
}

// ServiceNames implements cluster.Catalog.
func (f *FakeCluster) ServiceNames(ctx context.Context, datacenter string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("service_names"); err != nil {
		return nil, err
	}
	return append([]string(nil), f.services[datacenter]...), nil
}

// Get implements cluster.KV.
func (f *FakeCluster) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("get"); err != nil {
		return nil, false, err
	}
	v, ok := f.kv[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Put implements cluster.KV.
func (f *FakeCluster) Put(ctx context.Context, key string, value []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("put"); err != nil {
		return false, err
	}
	if f.rejects["put"] {
		return false, nil
	}
	f.kv[key] = append([]byte(nil), value...)
	f.writes = append(f.writes, "put "+key)
	return true, nil
}

// Create implements cluster.KV.
func (f *FakeCluster) Create(ctx context.Context, key string, value []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create"); err != nil {
		return false, err
	}
	if f.rejects["create"] {
		return false, nil
	}
	if _, exists := f.kv[key]; exists {
		return false, nil
	}
	f.kv[key] = append([]byte(nil), value...)
	f.writes = append(f.writes, "create "+key)
	return true, nil
}

// Delete implements cluster.KV.
func (f *FakeCluster) Delete(ctx context.Context, key string, recursive bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("delete"); err != nil {
		return false, err
	}
	if f.rejects["delete"] {
		return false, nil
	}
	if recursive {
		for _, k := range f.keysLocked(key) {
			delete(f.kv, k)
		}
	} else {
		delete(f.kv, key)
	}
	f.writes = append(f.writes, "delete "+key)
	return true, nil
}

// Keys implements cluster.KV.
func (f *FakeCluster) Keys(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("keys"); err != nil {
		return nil, err
	}
	return f.keysLocked(prefix), nil
}

var _ cluster.Catalog = (*FakeCluster)(nil)
var _ cluster.KV = (*FakeCluster)(nil)
