package plugin

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/zero-day-ai/pluginhost"
)

var (
	errNoOwner     = errors.New("manager-owned construction requires an owner")
	errEmptyName   = errors.New("plugin name is required")
	errNoFactory   = errors.New("plugin factory is required")
	errLostBase    = errors.New("factory returned an instance that does not carry the manager-provided Base")
	errNilInstance = errors.New("factory returned a nil instance")
)

// Factory constructs a plugin instance from the Base it is given. The factory
// must store that Base in the returned instance (typically by embedding it).
type Factory[T any] func(base Base) (T, error)

// Implementation is the capability table of one concrete plugin type: the
// identifier it was compiled against, its metadata and its factory.
//
//	var DogPlugin = plugin.Implementation[animal.Animal]{
//	    Name:      "Dog",
//	    Interface: animal.Interface,
//	    New:       NewDog,
//	}
//
// Interface is a constant declared by the implementation's author; the manager
// compares it with the host's contract before New is ever called.
type Implementation[T any] struct {
	// Name is the unique name the plugin is registered and loaded under.
	Name string

	// Interface is the identifier of the contract this implementation was built against.
	Interface string

	// Metadata carries description, aliases and dependencies.
	Metadata Metadata

	// New constructs an instance.
	New Factory[T]

	// Origin describes where the implementation came from. Empty means "static".
	Origin string
}

// validate checks the implementation against the contract without calling New.
func (impl Implementation[T]) validate(c Contract[T]) error {
	if impl.Name == "" {
		return pluginhost.NewInvalidConstructionError("Implementation.validate", errEmptyName)
	}
	if impl.New == nil {
		return pluginhost.NewInvalidConstructionError("Implementation.validate", errNoFactory).
			WithContext(map[string]any{"plugin": impl.Name})
	}
	for _, alias := range impl.Metadata.Provides {
		if alias == "" {
			return pluginhost.NewInvalidConstructionError("Implementation.validate",
				fmt.Errorf("empty alias in provides list")).
				WithContext(map[string]any{"plugin": impl.Name})
		}
	}
	if err := c.Check(impl.Interface); err != nil {
		var perr *pluginhost.Error
		if errors.As(err, &perr) {
			return perr.WithContext(map[string]any{"plugin": impl.Name})
		}
		return err
	}
	return nil
}

// Source yields implementations discovered outside the host binary, such as
// plugin libraries in a directory. A source may return a partial list together
// with an error describing the candidates it had to skip.
type Source[T any] interface {
	Implementations(ctx context.Context) ([]Implementation[T], error)
}

// StaticSource is a Source over a fixed list of implementations compiled
// into the host.
type StaticSource[T any] []Implementation[T]

// Implementations returns the list.
func (s StaticSource[T]) Implementations(ctx context.Context) ([]Implementation[T], error) {
	return s, nil
}

// construct runs the factory for a manager-owned instance and verifies that
// the instance carries exactly the Base it was given.
func construct[T any](impl Implementation[T], owner *Owner, name string) (T, error) {
	var zero T

	base, err := newManagedBase(owner, name)
	if err != nil {
		return zero, err
	}

	inst, err := impl.New(base)
	if err != nil {
		return zero, pluginhost.NewInvalidConstructionError("Manager.Load", err).
			WithContext(map[string]any{"plugin": name})
	}

	if isNil(inst) {
		return zero, pluginhost.NewInvalidConstructionError("Manager.Load", errNilInstance).
			WithContext(map[string]any{"plugin": name})
	}

	carrier, ok := any(inst).(Instance)
	if !ok {
		return zero, pluginhost.NewInvalidConstructionError("Manager.Load",
			fmt.Errorf("%T does not embed plugin.Base", inst)).
			WithContext(map[string]any{"plugin": name})
	}

	got := carrier.base()
	if got.owner != owner || got.name != name {
		return zero, pluginhost.NewInvalidConstructionError("Manager.Load", errLostBase).
			WithContext(map[string]any{"plugin": name})
	}
	return inst, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
