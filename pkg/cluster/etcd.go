package cluster

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// EtcdKVOptions configures the etcd-backed key/value store.
type EtcdKVOptions struct {
	Endpoints      []string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Namespace      string
	TLS            *tls.Config
}

// EtcdKV implements KV on etcd, for deployments that keep alert state
// outside the catalog backend. Keys are stored under an optional namespace
// and returned without it.
type EtcdKV struct {
	client  *clientv3.Client
	root    string
	timeout time.Duration
}

// NewEtcdKV constructs an etcd-backed KV.
func NewEtcdKV(opts EtcdKVOptions) (*EtcdKV, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd kv requires at least one endpoint")
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cfg := clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 opts.TLS,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	}
	client, err := clientv3.New(cfg)
	if err != nil {
		return nil, classifyEtcd("create etcd client", err)
	}

	return &EtcdKV{
		client:  client,
		root:    applyNamespace(opts.Namespace, ""),
		timeout: timeout,
	}, nil
}

// Close releases underlying client resources.
func (s *EtcdKV) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}

// Get implements KV.
func (s *EtcdKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	resp, err := s.client.Get(ctx, s.full(key))
	if err != nil {
		return nil, false, classifyEtcd("get "+key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

// Put implements KV.
func (s *EtcdKV) Put(ctx context.Context, key string, value []byte) (bool, error) {
	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	if _, err := s.client.Put(ctx, s.full(key), string(value)); err != nil {
		return false, classifyEtcd("put "+key, err)
	}
	return true, nil
}

// Create implements KV with a transaction guarded on the key never having
// been created.
func (s *EtcdKV) Create(ctx context.Context, key string, value []byte) (bool, error) {
	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	full := s.full(key)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(full), "=", 0)).
		Then(clientv3.OpPut(full, string(value))).
		Commit()
	if err != nil {
		return false, classifyEtcd("create "+key, err)
	}
	return resp.Succeeded, nil
}

// Delete implements KV. Deleting a missing key succeeds.
func (s *EtcdKV) Delete(ctx context.Context, key string, recursive bool) (bool, error) {
	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	var opts []clientv3.OpOption
	if recursive {
		opts = append(opts, clientv3.WithPrefix())
	}
	if _, err := s.client.Delete(ctx, s.full(key), opts...); err != nil {
		return false, classifyEtcd("delete "+key, err)
	}
	return true, nil
}

// Keys implements KV.
func (s *EtcdKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	resp, err := s.client.Get(ctx, s.full(prefix), clientv3.WithPrefix(), clientv3.WithKeysOnly(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, classifyEtcd("list keys "+prefix, err)
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, strings.TrimPrefix(string(kv.Key), s.root))
	}
	return keys, nil
}

func (s *EtcdKV) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return clientv3.WithRequireLeader(ctx), cancel
}

func (s *EtcdKV) full(key string) string {
	return s.root + strings.TrimLeft(key, "/")
}

func classifyEtcd(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, clientv3.ErrNoAvailableEndpoints) {
		return &ConnectionError{Op: op, Err: err}
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded:
			return &ConnectionError{Op: op, Err: err}
		}
	}
	return classify(op, err)
}

// applyNamespace returns "/namespace/key", or "/key" without a namespace.
func applyNamespace(namespace, key string) string {
	normalizedKey := "/" + strings.TrimLeft(key, "/")
	trimmedNamespace := strings.Trim(namespace, "/")
	if trimmedNamespace == "" {
		return normalizedKey
	}
	return "/" + trimmedNamespace + normalizedKey
}

var _ KV = (*EtcdKV)(nil)
