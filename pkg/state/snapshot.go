package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidSnapshot reports a snapshot value that cannot be decoded.
var ErrInvalidSnapshot = errors.New("state: invalid service snapshot")

// ServiceSet is a set of service names.
type ServiceSet map[string]struct{}

// NewServiceSet builds a set from names.
func NewServiceSet(names ...string) ServiceSet {
	set := make(ServiceSet, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Names returns the members sorted.
func (s ServiceSet) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Difference returns the members of s missing from other, sorted.
func (s ServiceSet) Difference(other ServiceSet) []string {
	var out []string
	for n := range s {
		if _, ok := other[n]; !ok {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Equal reports whether both sets hold the same members.
func (s ServiceSet) Equal(other ServiceSet) bool {
	if len(s) != len(other) {
		return false
	}
	for n := range s {
		if _, ok := other[n]; !ok {
			return false
		}
	}
	return true
}

// EncodeSnapshot serialises a service set as a sorted JSON array.
func EncodeSnapshot(set ServiceSet) ([]byte, error) {
	payload, err := json.Marshal(set.Names())
	if err != nil {
		return nil, fmt.Errorf("encode service snapshot: %w", err)
	}
	return payload, nil
}

// DecodeSnapshot parses a snapshot value. Besides the JSON array written by
// EncodeSnapshot it accepts a JSON object keyed by service name (name -> tags).
func DecodeSnapshot(data []byte) (ServiceSet, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ServiceSet{}, nil
	}
	switch trimmed[0] {
	case '[':
		var names []string
		if err := json.Unmarshal(trimmed, &names); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		return NewServiceSet(names...), nil
	case '{':
		var byName map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &byName); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		set := make(ServiceSet, len(byName))
		for n := range byName {
			set[n] = struct{}{}
		}
		return set, nil
	default:
		return nil, fmt.Errorf("%w: unexpected payload %q", ErrInvalidSnapshot, truncate(trimmed, 32))
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
