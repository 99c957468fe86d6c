// Package registry publishes loaded plugin instances to etcd so other
// processes can see which plugins a host has loaded and under which interface
// identifier.
//
// The registry is informational. It never routes calls to a plugin; plugins
// are only ever invoked in the process that loaded them. A Client implements
// plugin.Announcer and is attached to a manager with plugin.WithAnnouncer:
//
//	reg, err := registry.NewClient(registry.Config{Endpoints: []string{"localhost:2379"}})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	m, err := animal.NewManager(plugin.WithAnnouncer(reg))
//
// Entries are stored under /{namespace}/plugin/{name}/{instance-id} with a
// lease that is renewed every TTL/3, so entries of a crashed host expire.
package registry

import "time"

// Kind is the component kind all entries are stored under.
const Kind = "plugin"

// Entry describes one loaded plugin instance.
type Entry struct {
	// Kind is always "plugin".
	Kind string `json:"kind"`

	// Name is the registered plugin name.
	Name string `json:"name"`

	// Interface is the identifier the instance was validated against.
	Interface string `json:"interface"`

	// InstanceID is unique per load.
	InstanceID string `json:"instance_id"`

	// Owner is the id of the manager that owns the instance.
	Owner string `json:"owner"`

	// Host is the host name of the process that loaded the plugin.
	Host string `json:"host,omitempty"`

	// Provides lists the plugin's alias names.
	Provides []string `json:"provides,omitempty"`

	// Metadata carries the plugin's free-form data.
	Metadata map[string]string `json:"metadata,omitempty"`

	// LoadedAt is when the instance was constructed.
	LoadedAt time.Time `json:"loaded_at"`
}

// Config holds registry connection configuration.
type Config struct {
	// Endpoints is the list of etcd endpoints, e.g. ["host1:2379", "host2:2379"].
	Endpoints []string `json:"endpoints" yaml:"endpoints"`

	// Namespace is the etcd key prefix.
	// Default: "pluginhost"
	Namespace string `json:"namespace" yaml:"namespace"`

	// TTL is the lease time-to-live in seconds.
	// Default: 30
	TTL int `json:"ttl" yaml:"ttl"`

	// TLS holds TLS configuration for secure etcd communication.
	// If nil, TLS is disabled.
	TLS *TLSConfig `json:"tls" yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration for mutual TLS with etcd.
type TLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
	CAFile   string `json:"ca_file" yaml:"ca_file"`
}

const (
	defaultNamespace = "pluginhost"
	defaultTTL       = 30
)

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = defaultNamespace
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	return c
}
