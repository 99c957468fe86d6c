package plugin

import "slices"

// Metadata describes a plugin beyond its factory. It is usually read from the
// YAML file shipped next to a plugin library, or set directly on an
// Implementation registered in code.
type Metadata struct {
	// Description provides a human-readable explanation of the plugin's purpose.
	Description string `yaml:"description,omitempty"`

	// Provides lists alias names the plugin can also be loaded under.
	Provides []string `yaml:"provides,omitempty"`

	// Depends lists plugin names that must be loaded before this one.
	Depends []string `yaml:"depends,omitempty"`

	// Data holds free-form key/value configuration for the plugin.
	Data map[string]string `yaml:"data,omitempty"`
}

// clone returns a deep copy so the manager's table never aliases caller slices.
func (m Metadata) clone() Metadata {
	out := Metadata{
		Description: m.Description,
		Provides:    slices.Clone(m.Provides),
		Depends:     slices.Clone(m.Depends),
	}
	if m.Data != nil {
		out.Data = make(map[string]string, len(m.Data))
		for k, v := range m.Data {
			out.Data[k] = v
		}
	}
	return out
}

// LoadState is the state of a plugin name in a Manager.
type LoadState int

const (
	// NotFound means no implementation is registered under the name.
	NotFound LoadState = iota
	// Registered means an implementation is known but not loaded.
	Registered
	// Loaded means an instance exists and is owned by the manager.
	Loaded
	// Rejected means an implementation was offered under the name but refused
	// for its interface identifier.
	Rejected
)

// String returns the state name.
func (s LoadState) String() string {
	switch s {
	case NotFound:
		return "not-found"
	case Registered:
		return "registered"
	case Loaded:
		return "loaded"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Descriptor describes a registered plugin.
// It provides the plugin's identity and metadata without exposing its factory.
type Descriptor struct {
	// Name is the registered plugin name.
	Name string

	// Interface is the identifier the implementation declares.
	Interface string

	// Metadata is a copy of the plugin metadata.
	Metadata Metadata

	// State is the load state at the time the descriptor was taken.
	State LoadState

	// Origin describes where the implementation came from, e.g. "static" or a
	// library path.
	Origin string
}
