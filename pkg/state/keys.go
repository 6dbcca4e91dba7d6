// Package state encodes the persisted alert markers and service snapshots to
// and from the key/value layout:
//
//	prefix/{severity}/{datacenter}/{node}/{checkID}[/{service}]   marker, value = check output
//	prefix/{datacenter}                                           service snapshot, value = JSON array
//
// A marker's existence is the only durable evidence that a Problem
// notification already fired for a check at a severity.
package state

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultPrefix is the root of the persisted layout.
const DefaultPrefix = "alert-manager"

// ErrInvalidKey reports a key that does not follow the marker layout.
var ErrInvalidKey = errors.New("state: invalid marker key")

// MarkerKey identifies one marker. Service is empty for node-level checks and
// is then omitted from the encoded key; an encoded key never carries an empty
// service segment.
type MarkerKey struct {
	Severity   string
	Datacenter string
	Node       string
	CheckID    string
	Service    string
}

// HasService reports whether the key carries the optional service segment.
func (k MarkerKey) HasService() bool {
	return k.Service != ""
}

func (k MarkerKey) validate() error {
	required := []struct {
		name, value string
	}{
		{"severity", k.Severity},
		{"datacenter", k.Datacenter},
		{"node", k.Node},
		{"check id", k.CheckID},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%w: empty %s", ErrInvalidKey, r.name)
		}
	}
	return nil
}

// Layout maps typed records onto keys below a prefix.
type Layout struct {
	prefix string
}

// NewLayout returns a layout rooted at prefix, or DefaultPrefix when empty.
func NewLayout(prefix string) Layout {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Layout{prefix: prefix}
}

// Prefix returns the layout root without a trailing slash.
func (l Layout) Prefix() string {
	return l.prefix
}

// MarkerKey encodes k.
func (l Layout) MarkerKey(k MarkerKey) (string, error) {
	if err := k.validate(); err != nil {
		return "", err
	}
	segments := []string{l.prefix, escapeSegment(k.Severity), escapeSegment(k.Datacenter), escapeSegment(k.Node), escapeSegment(k.CheckID)}
	if k.HasService() {
		segments = append(segments, escapeSegment(k.Service))
	}
	return strings.Join(segments, "/"), nil
}

// SeverityPrefix returns the key prefix of every marker at severity, with a
// trailing slash so "warning" never matches "warning-x".
func (l Layout) SeverityPrefix(severity string) string {
	return l.prefix + "/" + escapeSegment(severity) + "/"
}

// ParseMarkerKey decodes a marker key written by MarkerKey.
func (l Layout) ParseMarkerKey(key string) (MarkerKey, error) {
	rest, ok := strings.CutPrefix(key, l.prefix+"/")
	if !ok {
		return MarkerKey{}, fmt.Errorf("%w: %q is outside prefix %q", ErrInvalidKey, key, l.prefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 && len(parts) != 5 {
		return MarkerKey{}, fmt.Errorf("%w: %q has %d segments", ErrInvalidKey, key, len(parts))
	}
	decoded := make([]string, len(parts))
	for i, p := range parts {
		if p == "" {
			return MarkerKey{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidKey, key)
		}
		v, err := unescapeSegment(p)
		if err != nil {
			return MarkerKey{}, fmt.Errorf("%w: %q: %v", ErrInvalidKey, key, err)
		}
		decoded[i] = v
	}
	k := MarkerKey{
		Severity:   decoded[0],
		Datacenter: decoded[1],
		Node:       decoded[2],
		CheckID:    decoded[3],
	}
	if len(decoded) == 5 {
		k.Service = decoded[4]
	}
	return k, nil
}

// SnapshotKey returns the key of a datacenter's service snapshot.
func (l Layout) SnapshotKey(datacenter string) string {
	return l.prefix + "/" + escapeSegment(datacenter)
}

// escapeSegment keeps '/' out of segments. Only '%' and '/' are rewritten, so
// ordinary names are stored verbatim.
func escapeSegment(s string) string {
	if !strings.ContainsAny(s, "%/") {
		return s
	}
	s = strings.ReplaceAll(s, "%", "%25")
	return strings.ReplaceAll(s, "/", "%2F")
}

func unescapeSegment(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+3 > len(s) {
			return "", fmt.Errorf("truncated escape in %q", s)
		}
		switch strings.ToUpper(s[i+1 : i+3]) {
		case "25":
			b.WriteByte('%')
		case "2F":
			b.WriteByte('/')
		default:
			return "", fmt.Errorf("unknown escape %q", s[i:i+3])
		}
		i += 2
	}
	return b.String(), nil
}
