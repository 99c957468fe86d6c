// Package animal declares the Animal capability: the contract every animal
// plugin implements and the identifier hosts validate it against.
package animal

import (
	"log/slog"

	"github.com/zero-day-ai/pluginhost/plugin"
)

// Interface is the identifier of the current Animal contract revision.
// It must change whenever the method set of Animal changes.
const Interface = "cz.mosra.Corrade.PluginManager.Test.AbstractAnimal/1.0"

// Animal is the capability implemented by animal plugins.
type Animal interface {
	// Name returns the animal's name.
	Name() string

	// LegCount returns the number of legs.
	LegCount() int

	// HasTail reports whether the animal has a tail.
	HasTail() bool
}

// Contract binds Animal to Interface.
var Contract = plugin.MustDeclare[Animal](Interface)

// Implementation is the capability table type for animal plugins.
type Implementation = plugin.Implementation[Animal]

// Manager is a plugin manager for animals.
type Manager = plugin.Manager[Animal]

// NewManager creates a manager that accepts only implementations declaring Interface.
func NewManager(opts ...plugin.Option) (*Manager, error) {
	return plugin.NewManager(Contract, opts...)
}

// Describe returns the animal's operations as log attributes.
func Describe(a Animal) []any {
	return []any{
		slog.String("name", a.Name()),
		slog.Int("legs", a.LegCount()),
		slog.Bool("tail", a.HasTail()),
	}
}
