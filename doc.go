// Package pluginhost is a host for in-process plugins that implement a
// versioned capability contract.
//
// A host declares the capability it accepts as a Go interface plus an
// interface identifier such as
//
//	cz.mosra.Corrade.PluginManager.Test.AbstractAnimal/1.0
//
// and only loads implementations that were compiled against exactly that
// identifier. Implementations are constructed by a manager, which owns them for
// the rest of their life; each instance keeps a non-owning handle back to its
// manager and its plugin name.
//
// # Packages
//
//   - plugin: identifiers, contracts, the instance Base and the Manager
//   - loader: discovers plugin libraries (-buildmode=plugin) in a directory
//   - policy: CEL expressions deciding whether a plugin may load
//   - registry: announces loaded instances to etcd
//   - animal: the Animal contract
//   - animal/zoo: the animals compiled into the host
//
// # Quick Start
//
//	m, err := animal.NewManager()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer m.Close(ctx)
//
//	if err := m.RegisterSource(ctx, zoo.Source()); err != nil {
//		log.Fatal(err)
//	}
//
//	dog, err := m.Load(ctx, "Dog")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(dog.Name(), dog.LegCount(), dog.HasTail())
//
// # Error Handling
//
// Every package reports failures as *Error values carrying an operation, a
// Kind and the wrapped cause. Match causes with errors.Is against the sentinel
// errors in this package, or categories with KindOf:
//
//	_, err := m.Load(ctx, "OldDog")
//	if errors.Is(err, pluginhost.ErrInterfaceMismatch) {
//		// built against a different version of the contract
//	}
package pluginhost
