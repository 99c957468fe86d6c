package plugin

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zero-day-ai/pluginhost"
)

// State is the ownership state of a plugin instance, fixed at construction.
type State int

const (
	// StateStandalone means the instance was constructed without a manager.
	StateStandalone State = iota
	// StateManagerOwned means a Manager constructed the instance and owns it.
	StateManagerOwned
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStandalone:
		return "standalone"
	case StateManagerOwned:
		return "manager-owned"
	default:
		return "unknown"
	}
}

// Owner is the identity of a Manager as seen by the instances it owns.
//
// Instances keep a pointer to the Owner, never to the Manager, so an instance
// does not keep the manager's tables reachable. The closed flag is the only
// state an instance can observe about its manager.
type Owner struct {
	id       uuid.UUID
	expected Identifier
	closed   atomic.Bool
}

func newOwner(expected Identifier) *Owner {
	return &Owner{
		id:       uuid.New(),
		expected: expected,
	}
}

// ID returns the unique id of the owning manager.
func (o *Owner) ID() uuid.UUID {
	return o.id
}

// Interface returns the identifier the owning manager validates against.
func (o *Owner) Interface() Identifier {
	return o.expected
}

// Closed reports whether the owning manager has been torn down.
func (o *Owner) Closed() bool {
	return o.closed.Load()
}

func (o *Owner) close() {
	o.closed.Store(true)
}

// Base carries manager ownership and registration identity for a plugin
// instance. Every concrete plugin embeds a Base and receives it from its
// factory:
//
//	type Dog struct {
//	    plugin.Base
//	}
//
//	func NewDog(base plugin.Base) (animal.Animal, error) {
//	    return &Dog{Base: base}, nil
//	}
//
// The fields are unexported. A Base is either the zero value / Standalone(),
// or one produced by a Manager while loading a plugin; there is no other way
// to give an instance a manager identity.
type Base struct {
	owner *Owner
	name  string
}

// Standalone returns a Base with no manager association. Instances built on it
// are fully usable but cannot be looked up through any manager. It is meant
// for tests and for embedding a plugin directly in a host.
func Standalone() Base {
	return Base{}
}

// newManagedBase is the manager-owned construction path. The name is taken by
// value and stored as is.
func newManagedBase(owner *Owner, name string) (Base, error) {
	if owner == nil {
		return Base{}, pluginhost.NewInvalidConstructionError("newManagedBase", errNoOwner)
	}
	if name == "" {
		return Base{}, pluginhost.NewInvalidConstructionError("newManagedBase", errEmptyName)
	}
	return Base{owner: owner, name: name}, nil
}

// Owner returns the owning manager's identity, or nil for standalone instances.
func (b *Base) Owner() *Owner {
	return b.owner
}

// PluginName returns the name the instance was loaded under, or "" when standalone.
func (b *Base) PluginName() string {
	return b.name
}

// IsManaged reports whether a manager constructed and owns this instance.
func (b *Base) IsManaged() bool {
	return b.owner != nil
}

// State returns the ownership state chosen at construction.
func (b *Base) State() State {
	if b.owner != nil {
		return StateManagerOwned
	}
	return StateStandalone
}

// CheckOwner returns an error wrapping pluginhost.ErrOwnerClosed if the owning
// manager has been closed. Standalone instances always return nil.
func (b *Base) CheckOwner() error {
	if b.owner != nil && b.owner.Closed() {
		return pluginhost.NewOwnerClosedError("Base.CheckOwner", pluginhost.ErrOwnerClosed).
			WithContext(map[string]any{"plugin": b.name, "owner": b.owner.id.String()})
	}
	return nil
}

// base lets the manager reach the embedded Base of any instance.
func (b *Base) base() *Base {
	return b
}

// Instance is satisfied by every type that embeds Base by pointer receiver.
type Instance interface {
	PluginName() string
	IsManaged() bool
	State() State
	Owner() *Owner
	CheckOwner() error
	base() *Base
}
