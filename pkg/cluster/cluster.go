// Package cluster provides typed access to the service catalog, health and
// key/value backend the daemon reconciles against.
//
// Implementations are stateless proxies: every call goes to the backend and
// transport failures surface as *ConnectionError.
package cluster

import "context"

// Health statuses reported by the catalog.
const (
	StatusPassing     = "passing"
	StatusWarning     = "warning"
	StatusCritical    = "critical"
	StatusMaintenance = "maintenance"
)

// HealthCheck is a read-only snapshot of one check as reported by the backend.
type HealthCheck struct {
	Datacenter  string
	Node        string
	ServiceName string
	CheckID     string
	Status      string
	Output      string
}

// Catalog exposes the read-only catalog and health queries.
type Catalog interface {
	// Datacenters lists all known datacenters. It doubles as the liveness probe.
	Datacenters(ctx context.Context) ([]string, error)
	// ChecksInState lists the checks of a datacenter currently in the given status.
	ChecksInState(ctx context.Context, datacenter, status string) ([]HealthCheck, error)
	// NodeChecks lists every check registered on a node.
	NodeChecks(ctx context.Context, datacenter, node string) ([]HealthCheck, error)
	// ServiceNames lists the names of the services registered in a datacenter.
	ServiceNames(ctx context.Context, datacenter string) ([]string, error)
}

// KV is a flat key/value namespace with '/'-delimited keys and opaque values.
type KV interface {
	// Get returns the value stored at key and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores value at key, replacing any previous value. The boolean
	// reports whether the backend accepted the write.
	Put(ctx context.Context, key string, value []byte) (bool, error)
	// Create stores value at key only if the key does not exist yet. It
	// returns false without error when the key was already present.
	Create(ctx context.Context, key string, value []byte) (bool, error)
	// Delete removes key, or every key starting with key when recursive is set.
	Delete(ctx context.Context, key string, recursive bool) (bool, error)
	// Keys lists all keys beginning with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// FindCheck returns the check with the given ID from checks.
func FindCheck(checks []HealthCheck, checkID string) (HealthCheck, bool) {
	for _, c := range checks {
		if c.CheckID == checkID {
			return c, true
		}
	}
	return HealthCheck{}, false
}
