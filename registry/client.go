package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zero-day-ai/pluginhost/plugin"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// backend is the subset of the etcd client the registry uses.
type backend interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	KeepAliveOnce(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseKeepAliveResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Close() error
}

// Client publishes plugin instances to etcd. It implements plugin.Announcer.
//
// Thread-safety: All methods are safe for concurrent use.
type Client struct {
	client    backend
	namespace string
	ttl       int
	host      string
	logger    *slog.Logger

	mu         sync.Mutex
	leases     map[string]clientv3.LeaseID // key: instance ID
	cancelFns  map[string]context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	closedChan chan struct{}
}

var _ plugin.Announcer = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for lease renewal failures.
// If not provided, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient connects to etcd and verifies connectivity with a quick read.
// The client must be closed with Close, which the owning manager does during
// its own Close.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("registry endpoints cannot be empty")
	}

	clientCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: 5 * time.Second,
	}

	tlsConfig, err := cfg.TLS.clientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to configure TLS: %w", err)
	}
	clientCfg.TLS = tlsConfig

	cli, err := clientv3.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := cli.Get(ctx, "health-check"); err != nil && err != context.DeadlineExceeded {
		cli.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	return newClient(cfg, cli, opts...), nil
}

// NewClientFromEnv creates a client from PLUGINHOST_REGISTRY_ENDPOINTS, a
// comma-separated list of etcd endpoints. If the variable is unset it returns
// (nil, nil): the host works without announcing its plugins.
func NewClientFromEnv(opts ...Option) (*Client, error) {
	endpoints := os.Getenv("PLUGINHOST_REGISTRY_ENDPOINTS")
	if endpoints == "" {
		return nil, nil
	}

	endpointList := strings.Split(endpoints, ",")
	for i, ep := range endpointList {
		endpointList[i] = strings.TrimSpace(ep)
	}

	return NewClient(Config{Endpoints: endpointList}, opts...)
}

func newClient(cfg Config, b backend, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	host, _ := os.Hostname()
	c := &Client{
		client:     b,
		namespace:  cfg.Namespace,
		ttl:        cfg.TTL,
		host:       host,
		leases:     make(map[string]clientv3.LeaseID),
		cancelFns:  make(map[string]context.CancelFunc),
		closedChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Announce publishes a loaded instance under a fresh lease and keeps the
// lease alive until Withdraw or Close.
func (c *Client) Announce(ctx context.Context, a plugin.Announcement) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("registry client is closed")
	}
	if a.InstanceID == "" {
		return fmt.Errorf("announcement for %q has no instance id", a.Name)
	}

	if cancelFn, exists := c.cancelFns[a.InstanceID]; exists {
		cancelFn()
		delete(c.cancelFns, a.InstanceID)
	}

	leaseResp, err := c.client.Grant(ctx, int64(c.ttl))
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	data, err := json.Marshal(c.entryFor(a))
	if err != nil {
		return fmt.Errorf("failed to marshal registry entry: %w", err)
	}

	key := c.buildKey(a.Name, a.InstanceID)
	if _, err := c.client.Put(ctx, key, string(data), clientv3.WithLease(leaseResp.ID)); err != nil {
		return fmt.Errorf("failed to announce plugin: %w", err)
	}

	c.leases[a.InstanceID] = leaseResp.ID

	keepaliveCtx, cancel := context.WithCancel(context.Background())
	c.cancelFns[a.InstanceID] = cancel

	c.wg.Add(1)
	go c.keepalive(keepaliveCtx, leaseResp.ID, a.InstanceID, a.Name)

	return nil
}

// Withdraw revokes the instance's lease, which deletes its entry.
// Withdrawing an instance that was never announced is a no-op.
func (c *Client) Withdraw(ctx context.Context, a plugin.Announcement) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("registry client is closed")
	}

	if cancelFn, exists := c.cancelFns[a.InstanceID]; exists {
		cancelFn()
		delete(c.cancelFns, a.InstanceID)
	}

	leaseID, exists := c.leases[a.InstanceID]
	if !exists {
		return nil
	}

	if _, err := c.client.Revoke(ctx, leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	delete(c.leases, a.InstanceID)
	return nil
}

// Discover returns every announced instance of the named plugin.
func (c *Client) Discover(ctx context.Context, name string) ([]Entry, error) {
	return c.list(ctx, fmt.Sprintf("/%s/%s/%s/", c.namespace, Kind, name))
}

// DiscoverAll returns every announced plugin instance in the namespace.
func (c *Client) DiscoverAll(ctx context.Context) ([]Entry, error) {
	return c.list(ctx, fmt.Sprintf("/%s/%s/", c.namespace, Kind))
}

func (c *Client) list(ctx context.Context, prefix string) ([]Entry, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("registry client is closed")
	}

	resp, err := c.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}

	entries := make([]Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var e Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close stops all keepalives and closes the etcd connection. Leases are left
// to expire so a restarting host does not race its own entries.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	for _, cancel := range c.cancelFns {
		cancel()
	}
	c.cancelFns = make(map[string]context.CancelFunc)

	close(c.closedChan)
	c.mu.Unlock()

	c.wg.Wait()

	return c.client.Close()
}

// keepalive renews the lease every TTL/3 until canceled or a renewal fails.
// A failed renewal forgets the lease only if the instance still holds it; a
// re-announced instance already owns a newer one.
func (c *Client) keepalive(ctx context.Context, leaseID clientv3.LeaseID, instanceID, name string) {
	defer c.wg.Done()

	interval := time.Duration(c.ttl) * time.Second / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closedChan:
			return
		case <-ticker.C:
			if _, err := c.client.KeepAliveOnce(ctx, leaseID); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.mu.Lock()
				if c.leases[instanceID] == leaseID {
					if cancel, ok := c.cancelFns[instanceID]; ok {
						cancel()
					}
					delete(c.leases, instanceID)
					delete(c.cancelFns, instanceID)
				}
				c.mu.Unlock()
				c.logger.Warn("registry lease lost, entry will expire",
					"plugin", name,
					"instance_id", instanceID,
					"lease_id", int64(leaseID),
					"error", err)
				return
			}
		}
	}
}

func (c *Client) entryFor(a plugin.Announcement) Entry {
	return Entry{
		Kind:       Kind,
		Name:       a.Name,
		Interface:  a.Interface,
		InstanceID: a.InstanceID,
		Owner:      a.Owner.String(),
		Host:       c.host,
		Provides:   a.Metadata.Provides,
		Metadata:   a.Metadata.Data,
		LoadedAt:   a.LoadedAt,
	}
}

// buildKey constructs the etcd key for an instance.
//
// Format: /namespace/plugin/name/instance-id
func (c *Client) buildKey(name, instanceID string) string {
	return fmt.Sprintf("/%s/%s/%s/%s", c.namespace, Kind, name, instanceID)
}
