// Package zoo provides the animal plugins shipped with the host.
package zoo

import (
	"github.com/zero-day-ai/pluginhost/animal"
	"github.com/zero-day-ai/pluginhost/plugin"
)

// Dog is a four-legged animal with a tail.
type Dog struct {
	plugin.Base
}

// NewDog constructs a Dog on the given base.
func NewDog(base plugin.Base) (animal.Animal, error) {
	return &Dog{Base: base}, nil
}

func (d *Dog) Name() string  { return "Dog" }
func (d *Dog) LegCount() int { return 4 }
func (d *Dog) HasTail() bool { return true }

// Cat is a four-legged animal with a tail.
type Cat struct {
	plugin.Base
}

// NewCat constructs a Cat on the given base.
func NewCat(base plugin.Base) (animal.Animal, error) {
	return &Cat{Base: base}, nil
}

func (c *Cat) Name() string  { return "Cat" }
func (c *Cat) LegCount() int { return 4 }
func (c *Cat) HasTail() bool { return true }

// Snail has no legs and no tail.
type Snail struct {
	plugin.Base
}

// NewSnail constructs a Snail on the given base.
func NewSnail(base plugin.Base) (animal.Animal, error) {
	return &Snail{Base: base}, nil
}

func (s *Snail) Name() string  { return "Snail" }
func (s *Snail) LegCount() int { return 0 }
func (s *Snail) HasTail() bool { return false }

// Implementations returns the capability tables of every animal in the zoo.
// Cat is also loadable as "Kitty".
func Implementations() []animal.Implementation {
	return []animal.Implementation{
		{
			Name:      "Dog",
			Interface: animal.Interface,
			Metadata:  plugin.Metadata{Description: "A dog, man's best friend"},
			New:       NewDog,
		},
		{
			Name:      "Cat",
			Interface: animal.Interface,
			Metadata:  plugin.Metadata{Description: "A cat", Provides: []string{"Kitty"}},
			New:       NewCat,
		},
		{
			Name:      "Snail",
			Interface: animal.Interface,
			Metadata:  plugin.Metadata{Description: "A slow snail"},
			New:       NewSnail,
		},
	}
}

// Source returns the zoo as a plugin source.
func Source() plugin.StaticSource[animal.Animal] {
	return plugin.StaticSource[animal.Animal](Implementations())
}
