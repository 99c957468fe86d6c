// Package plugin declares capability contracts and manages the plugins that
// implement them.
//
// # Core Concepts
//
// A capability is a Go interface plus an interface identifier, a string of the
// form <reverse-domain-namespace>.<ComponentPath>/<major>.<minor>. The pair is
// declared once as a Contract:
//
//	var Contract = plugin.MustDeclare[Animal]("org.example.Animal/1.0")
//
// A plugin is a concrete type that implements the interface and embeds Base.
// Its capability table is an Implementation, which carries the identifier the
// plugin was compiled against as a plain constant:
//
//	var Dog = plugin.Implementation[Animal]{
//	    Name:      "Dog",
//	    Interface: "org.example.Animal/1.0",
//	    New: func(base plugin.Base) (Animal, error) {
//	        return &dog{Base: base}, nil
//	    },
//	}
//
// # Loading
//
// A Manager validates each Implementation's identifier against its Contract
// before the factory is ever called. Comparison is exact: "Animal/1.0" and
// "Animal/1.1" never match.
//
//	m, err := plugin.NewManager(Contract)
//	if err := m.Register(Dog); err != nil {
//	    // ErrInterfaceMismatch, ErrMalformedIdentifier, ErrAlreadyRegistered...
//	}
//	a, err := m.Load(ctx, "Dog")
//	defer m.Close(ctx)
//
// A name refused for its identifier stays known as Rejected: loading it
// returns the same ErrInterfaceMismatch instead of ErrPluginNotFound.
//
// # Ownership
//
// Instances built by a Manager carry a Base holding the manager's Owner handle
// and the name they were loaded under. Instances built with Standalone() carry
// neither. The state is fixed at construction.
//
// The Owner handle does not keep the Manager alive. Close destroys every owned
// instance before it marks the owner closed, so an instance can detect use
// after teardown with Base.CheckOwner.
package plugin
