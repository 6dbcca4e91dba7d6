package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/consulalertd/consulalertd/pkg/cluster"
)

// Marker is a decoded marker entry.
type Marker struct {
	Key    string
	Marker MarkerKey
	Output string
}

// Store reads and writes markers and snapshots through a cluster.KV.
type Store struct {
	kv     cluster.KV
	layout Layout
}

// NewStore constructs a Store.
func NewStore(kv cluster.KV, layout Layout) (*Store, error) {
	if kv == nil {
		return nil, errors.New("state store requires a kv backend")
	}
	return &Store{kv: kv, layout: layout}, nil
}

// Layout returns the key layout in use.
func (s *Store) Layout() Layout {
	return s.layout
}

// LoadSnapshot returns the stored service set of a datacenter and whether one
// was stored.
func (s *Store) LoadSnapshot(ctx context.Context, datacenter string) (ServiceSet, bool, error) {
	data, ok, err := s.kv.Get(ctx, s.layout.SnapshotKey(datacenter))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return ServiceSet{}, false, nil
	}
	set, err := DecodeSnapshot(data)
	if err != nil {
		return nil, true, err
	}
	return set, true, nil
}

// SaveSnapshot overwrites the service set of a datacenter.
func (s *Store) SaveSnapshot(ctx context.Context, datacenter string, set ServiceSet) (bool, error) {
	payload, err := EncodeSnapshot(set)
	if err != nil {
		return false, err
	}
	return s.kv.Put(ctx, s.layout.SnapshotKey(datacenter), payload)
}

// MarkerExists reports whether a marker is stored at key.
func (s *Store) MarkerExists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.kv.Get(ctx, key)
	return ok, err
}

// CreateMarker stores output at key unless a marker already exists there.
func (s *Store) CreateMarker(ctx context.Context, key, output string) (bool, error) {
	return s.kv.Create(ctx, key, []byte(output))
}

// DeleteMarker removes exactly the marker at key. The delete is never
// recursive: a key-prefix delete would also drop markers of checks whose ID
// merely starts with this one.
func (s *Store) DeleteMarker(ctx context.Context, key string) (bool, error) {
	return s.kv.Delete(ctx, key, false)
}

// MarkerKeys lists marker keys stored under severity, sorted.
func (s *Store) MarkerKeys(ctx context.Context, severity string) ([]string, error) {
	keys, err := s.kv.Keys(ctx, s.layout.SeverityPrefix(severity))
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Markers lists and decodes every marker under the given severities. Keys
// that do not parse are returned in invalid.
func (s *Store) Markers(ctx context.Context, severities []string) (markers []Marker, invalid []string, err error) {
	for _, sev := range severities {
		keys, err := s.MarkerKeys(ctx, sev)
		if err != nil {
			return nil, nil, err
		}
		for _, key := range keys {
			mk, perr := s.layout.ParseMarkerKey(key)
			if perr != nil {
				invalid = append(invalid, key)
				continue
			}
			value, ok, gerr := s.kv.Get(ctx, key)
			if gerr != nil {
				return nil, nil, gerr
			}
			if !ok {
				continue
			}
			markers = append(markers, Marker{Key: key, Marker: mk, Output: string(value)})
		}
	}
	return markers, invalid, nil
}

// Purge recursively deletes everything under the layout prefix.
func (s *Store) Purge(ctx context.Context) (bool, error) {
	prefix := s.layout.Prefix()
	if strings.TrimSpace(prefix) == "" {
		return false, fmt.Errorf("refusing to purge an empty prefix")
	}
	return s.kv.Delete(ctx, prefix+"/", true)
}
