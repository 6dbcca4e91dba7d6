package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
)

// ConsulOptions configures the Consul-backed client.
type ConsulOptions struct {
	Address        string
	Scheme         string
	Token          string
	RequestTimeout time.Duration
	TLS            api.TLSConfig
}

// ConsulClient implements Catalog and KV on top of the Consul HTTP API.
type ConsulClient struct {
	client  *api.Client
	address string
	timeout time.Duration
}

// NewConsulClient builds a client. No request is made until the first call.
func NewConsulClient(opts ConsulOptions) (*ConsulClient, error) {
	address := strings.TrimSpace(opts.Address)
	if address == "" {
		return nil, errors.New("consul client requires an address")
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cfg := api.DefaultConfig()
	cfg.Address = address
	if opts.Scheme != "" {
		cfg.Scheme = opts.Scheme
	}
	cfg.Token = opts.Token
	cfg.TLSConfig = opts.TLS

	// The catalog datacenter listing takes no context, so the HTTP client
	// itself carries the bound as well.
	httpClient, err := api.NewHttpClient(cfg.Transport, cfg.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("create consul http client: %w", err)
	}
	httpClient.Timeout = timeout
	cfg.HttpClient = httpClient

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	return &ConsulClient{
		client:  client,
		address: cfg.Scheme + "://" + address,
		timeout: timeout,
	}, nil
}

// Address returns the scheme-qualified backend address for log messages.
func (c *ConsulClient) Address() string {
	return c.address
}

// Datacenters implements Catalog.
func (c *ConsulClient) Datacenters(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dcs, err := c.client.Catalog().Datacenters()
	if err != nil {
		return nil, classify("list datacenters", err)
	}
	return dcs, nil
}

// ChecksInState implements Catalog.
func (c *ConsulClient) ChecksInState(ctx context.Context, datacenter, status string) ([]HealthCheck, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	checks, _, err := c.client.Health().State(status, c.query(ctx, datacenter))
	if err != nil {
		return nil, classify(fmt.Sprintf("list %s checks in %s", status, datacenter), err)
	}
	return convertChecks(datacenter, checks), nil
}

// NodeChecks implements Catalog.
func (c *ConsulClient) NodeChecks(ctx context.Context, datacenter, node string) ([]HealthCheck, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	checks, _, err := c.client.Health().Node(node, c.query(ctx, datacenter))
	if err != nil {
		return nil, classify(fmt.Sprintf("list checks of node %s in %s", node, datacenter), err)
	}
	return convertChecks(datacenter, checks), nil
}

// ServiceNames implements Catalog. Names are returned sorted.
func (c *ConsulClient) ServiceNames(ctx context.Context, datacenter string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	services, _, err := c.client.Catalog().Services(c.query(ctx, datacenter))
	if err != nil {
		return nil, classify(fmt.Sprintf("list services in %s", datacenter), err)
	}
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Get implements KV.
func (c *ConsulClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pair, _, err := c.client.KV().Get(key, c.query(ctx, ""))
	if err != nil {
		return nil, false, classify("get "+key, err)
	}
	if pair == nil {
		return nil, false, nil
	}
	return pair.Value, true, nil
}

// Put implements KV.
func (c *ConsulClient) Put(ctx context.Context, key string, value []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.client.KV().Put(&api.KVPair{Key: key, Value: value}, c.write(ctx)); err != nil {
		return false, classify("put "+key, err)
	}
	return true, nil
}

// Create implements KV using a check-and-set against index 0, which Consul
// only accepts when the key does not exist.
func (c *ConsulClient) Create(ctx context.Context, key string, value []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ok, _, err := c.client.KV().CAS(&api.KVPair{Key: key, Value: value, ModifyIndex: 0}, c.write(ctx))
	if err != nil {
		return false, classify("create "+key, err)
	}
	return ok, nil
}

// Delete implements KV.
func (c *ConsulClient) Delete(ctx context.Context, key string, recursive bool) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var err error
	if recursive {
		_, err = c.client.KV().DeleteTree(key, c.write(ctx))
	} else {
		_, err = c.client.KV().Delete(key, c.write(ctx))
	}
	if err != nil {
		return false, classify("delete "+key, err)
	}
	return true, nil
}

// Keys implements KV.
func (c *ConsulClient) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	keys, _, err := c.client.KV().Keys(prefix, "", c.query(ctx, ""))
	if err != nil {
		return nil, classify("list keys "+prefix, err)
	}
	return keys, nil
}

func (c *ConsulClient) query(ctx context.Context, datacenter string) *api.QueryOptions {
	return (&api.QueryOptions{Datacenter: datacenter}).WithContext(ctx)
}

func (c *ConsulClient) write(ctx context.Context) *api.WriteOptions {
	return (&api.WriteOptions{}).WithContext(ctx)
}

func convertChecks(datacenter string, checks api.HealthChecks) []HealthCheck {
	out := make([]HealthCheck, 0, len(checks))
	for _, chk := range checks {
		if chk == nil {
			continue
		}
		out = append(out, HealthCheck{
			Datacenter:  datacenter,
			Node:        chk.Node,
			ServiceName: chk.ServiceName,
			CheckID:     chk.CheckID,
			Status:      chk.Status,
			Output:      chk.Output,
		})
	}
	return out
}

var _ Catalog = (*ConsulClient)(nil)
var _ KV = (*ConsulClient)(nil)
