package plugin

import (
	"fmt"
	"reflect"

	"github.com/zero-day-ai/pluginhost"
)

// Contract binds a capability interface type T to the interface identifier
// that names its binary-compatible revision.
//
// A Contract is declared once per capability, as a package-level variable next
// to the interface it describes:
//
//	type Animal interface {
//	    Name() string
//	    LegCount() int
//	    HasTail() bool
//	}
//
//	var Contract = plugin.MustDeclare[Animal]("org.example.Animal/1.0")
//
// Any incompatible change to T must come with a new identifier.
type Contract[T any] struct {
	id Identifier
}

// Declare creates the contract for interface type T.
// It fails if T is not an interface type or if id is malformed.
func Declare[T any](id string) (Contract[T], error) {
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Interface {
		return Contract[T]{}, pluginhost.NewValidationError("Declare",
			fmt.Errorf("contract type %s is not an interface", t))
	}

	parsed, err := ParseIdentifier(id)
	if err != nil {
		return Contract[T]{}, err
	}
	return Contract[T]{id: parsed}, nil
}

// MustDeclare is like Declare but panics on error.
func MustDeclare[T any](id string) Contract[T] {
	c, err := Declare[T](id)
	if err != nil {
		panic(err)
	}
	return c
}

// Interface returns the identifier the host expects implementations to declare.
func (c Contract[T]) Interface() Identifier {
	return c.id
}

// TypeName returns the name of the capability interface, for diagnostics.
func (c Contract[T]) TypeName() string {
	return reflect.TypeFor[T]().String()
}

// Check validates the identifier declared by a candidate implementation.
// A missing or malformed identifier is rejected with ErrMalformedIdentifier;
// a well-formed identifier that differs from the contract's in any byte,
// version included, is rejected with ErrInterfaceMismatch.
func (c Contract[T]) Check(declared string) error {
	if c.id.IsZero() {
		return pluginhost.NewInvalidConstructionError("Contract.Check",
			fmt.Errorf("contract for %s was not declared", c.TypeName()))
	}

	if _, err := ParseIdentifier(declared); err != nil {
		return err
	}

	if !c.id.Matches(declared) {
		return pluginhost.NewInterfaceMismatchError("Contract.Check", c.id.String(), declared)
	}
	return nil
}
