package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

// FakeConsul emulates the subset of the Consul HTTP API used by the daemon:
// catalog listings, health queries and the KV store.
type FakeConsul struct {
	mu          sync.Mutex
	datacenters []string
	checks      map[string][]map[string]string
	services    map[string]map[string][]string
	kv          map[string][]byte
	requests    []string
}

// NewFakeConsul returns an emulator knowing datacenter dc1 only.
func NewFakeConsul() *FakeConsul {
	return &FakeConsul{
		datacenters: []string{"dc1"},
		checks:      make(map[string][]map[string]string),
		services:    make(map[string]map[string][]string),
		kv:          make(map[string][]byte),
	}
}

// StartFakeConsul serves f on a test server and returns its host:port.
func StartFakeConsul(t testing.TB, f *FakeConsul) string {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

// SetDatacenters replaces the datacenter list.
func (f *FakeConsul) SetDatacenters(dcs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datacenters = append([]string(nil), dcs...)
}

// AddCheck registers a check document (Node, CheckID, ServiceName, Status, Output).
func (f *FakeConsul) AddCheck(dc string, check map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks[dc] = append(f.checks[dc], check)
}

// ClearChecks removes every check of a datacenter.
func (f *FakeConsul) ClearChecks(dc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.checks, dc)
}

// SetService registers a service with its tags.
func (f *FakeConsul) SetService(dc, name string, tags ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.services[dc] == nil {
		f.services[dc] = make(map[string][]string)
	}
	f.services[dc][name] = append([]string{}, tags...)
}

// KV returns a copy of the stored keys and values.
func (f *FakeConsul) KV() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.kv))
	for k, v := range f.kv {
		out[k] = string(v)
	}
	return out
}

// SetKV stores a value directly.
func (f *FakeConsul) SetKV(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = []byte(value)
}

// Requests returns "METHOD path?query" for every request served.
func (f *FakeConsul) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// ServeHTTP implements http.Handler.
func (f *FakeConsul) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
	w.Header().Set("X-Consul-Index", "1")
	w.Header().Set("X-Consul-LastContact", "0")
	w.Header().Set("X-Consul-KnownLeader", "true")

	dc := r.URL.Query().Get("dc")
	if dc == "" && len(f.datacenters) > 0 {
		dc = f.datacenters[0]
	}
	path := r.URL.Path
	switch {
	case path == "/v1/catalog/datacenters":
		writeJSON(w, f.datacenters)
	case path == "/v1/catalog/services":
		services := f.services[dc]
		if services == nil {
			services = map[string][]string{}
		}
		writeJSON(w, services)
	case strings.HasPrefix(path, "/v1/health/state/"):
		state := strings.TrimPrefix(path, "/v1/health/state/")
		writeJSON(w, f.filterChecks(dc, "Status", state))
	case strings.HasPrefix(path, "/v1/health/node/"):
		node := strings.TrimPrefix(path, "/v1/health/node/")
		writeJSON(w, f.filterChecks(dc, "Node", node))
	case strings.HasPrefix(path, "/v1/kv/"):
		f.serveKV(w, r, strings.TrimPrefix(path, "/v1/kv/"))
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeConsul) filterChecks(dc, field, value string) []map[string]string {
	out := make([]map[string]string, 0)
	for _, chk := range f.checks[dc] {
		if chk[field] == value {
			out = append(out, chk)
		}
	}
	return out
}

func (f *FakeConsul) serveKV(w http.ResponseWriter, r *http.Request, key string) {
	query := r.URL.Query()
	switch r.Method {
	case http.MethodGet:
		if _, ok := query["keys"]; ok {
			keys := make([]string, 0)
			for k := range f.kv {
				if strings.HasPrefix(k, key) {
					keys = append(keys, k)
				}
			}
			if len(keys) == 0 {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			sort.Strings(keys)
			writeJSON(w, keys)
			return
		}
		value, ok := f.kv[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, []map[string]interface{}{{"Key": key, "Value": value, "ModifyIndex": 1}})
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		if cas := query.Get("cas"); cas == "0" {
			if _, exists := f.kv[key]; exists {
				writeJSON(w, false)
				return
			}
		}
		f.kv[key] = body
		writeJSON(w, true)
	case http.MethodDelete:
		if _, ok := query["recurse"]; ok {
			for k := range f.kv {
				if strings.HasPrefix(k, key) {
					delete(f.kv, k)
				}
			}
		} else {
			delete(f.kv, key)
		}
		writeJSON(w, true)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
