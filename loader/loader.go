// Package loader discovers plugin libraries in a directory and turns them into
// implementations a plugin.Manager can register.
//
// A plugin library is a Go plugin built with -buildmode=plugin that exports
// two symbols:
//
//	var PluginInterface = animal.Interface
//
//	func New(base plugin.Base) (animal.Animal, error) { ... }
//
// The identifier is read before the factory is resolved; a library without a
// well-formed PluginInterface is rejected outright.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	goplugin "plugin"
	"reflect"
	"sort"
	"strings"

	"github.com/zero-day-ai/pluginhost"
	"github.com/zero-day-ai/pluginhost/plugin"
)

const (
	// InterfaceSymbol is the exported string variable holding the identifier
	// the library was compiled against.
	InterfaceSymbol = "PluginInterface"

	// FactorySymbol is the exported factory function.
	FactorySymbol = "New"

	// LibraryExt is the file extension of plugin libraries.
	LibraryExt = ".so"
)

// Symbols looks up exported symbols of an opened library.
type Symbols interface {
	Lookup(name string) (any, error)
}

// Opener opens a plugin library.
type Opener interface {
	Open(path string) (Symbols, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(path string) (Symbols, error)

// Open calls f.
func (f OpenerFunc) Open(path string) (Symbols, error) {
	return f(path)
}

// goOpener opens libraries with the Go runtime's plugin support.
type goOpener struct{}

func (goOpener) Open(path string) (Symbols, error) {
	p, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	return goSymbols{p: p}, nil
}

type goSymbols struct {
	p *goplugin.Plugin
}

func (s goSymbols) Lookup(name string) (any, error) {
	return s.p.Lookup(name)
}

// Candidate is a discovered library whose identifier has been read but whose
// factory has not been resolved yet.
type Candidate struct {
	// Name is the plugin name: the metadata name, or the library file name
	// without extension.
	Name string

	// Path is the library path.
	Path string

	// Interface is the identifier exported by the library.
	Interface string

	// Metadata is read from the sidecar YAML file, if any.
	Metadata plugin.Metadata

	symbols Symbols
}

// Loader discovers plugin libraries in one directory.
type Loader struct {
	dir    string
	opener Opener
	logger *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithOpener replaces the library opener. Tests use it to supply fake symbol tables.
func WithOpener(o Opener) Option {
	return func(l *Loader) {
		l.opener = o
	}
}

// WithLogger sets a custom logger for the loader.
// If not provided, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// New creates a loader for dir, which must be an existing directory.
func New(dir string, opts ...Option) (*Loader, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat plugin directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plugin path %s is not a directory", dir)
	}

	l := &Loader{
		dir:    dir,
		opener: goOpener{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("plugin_dir", dir)
	return l, nil
}

// Dir returns the directory the loader scans.
func (l *Loader) Dir() string {
	return l.dir
}

// Discover opens every library in the directory and reads its identifier.
// Libraries that cannot be opened or do not export a usable identifier are
// skipped; the reasons are returned joined alongside the usable candidates.
func (l *Loader) Discover(ctx context.Context) ([]Candidate, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != LibraryExt {
			continue
		}
		paths = append(paths, filepath.Join(l.dir, e.Name()))
	}
	sort.Strings(paths)

	var (
		candidates []Candidate
		errs       []error
	)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return candidates, errors.Join(append(errs, err)...)
		}

		c, err := l.inspect(path)
		if err != nil {
			l.logger.Warn("rejecting plugin library", "path", path, "error", err)
			errs = append(errs, err)
			continue
		}
		l.logger.Debug("discovered plugin library", "plugin", c.Name, "path", path, "interface", c.Interface)
		candidates = append(candidates, c)
	}

	return candidates, errors.Join(errs...)
}

func (l *Loader) inspect(path string) (Candidate, error) {
	meta, err := metadataFor(path)
	if err != nil {
		return Candidate{}, pluginhost.NewValidationError("Loader.Discover", err).
			WithContext(map[string]any{"path": path})
	}

	name := meta.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), LibraryExt)
	}

	syms, err := l.opener.Open(path)
	if err != nil {
		return Candidate{}, pluginhost.NewInternalError("Loader.Discover",
			fmt.Errorf("failed to open plugin library: %w", err)).
			WithContext(map[string]any{"path": path})
	}

	id, err := readInterface(syms)
	if err != nil {
		return Candidate{}, pluginhost.NewValidationError("Loader.Discover", err).
			WithContext(map[string]any{"plugin": name, "path": path})
	}

	return Candidate{
		Name:      name,
		Path:      path,
		Interface: id,
		Metadata:  meta.Metadata,
		symbols:   syms,
	}, nil
}

// readInterface returns the exported identifier. Any absence, wrong type or
// empty value is reported as a malformed identifier.
func readInterface(syms Symbols) (string, error) {
	sym, err := syms.Lookup(InterfaceSymbol)
	if err != nil {
		return "", fmt.Errorf("%w: symbol %s not exported: %v", pluginhost.ErrMalformedIdentifier, InterfaceSymbol, err)
	}

	var id string
	switch v := sym.(type) {
	case *string:
		if v == nil {
			return "", fmt.Errorf("%w: symbol %s is nil", pluginhost.ErrMalformedIdentifier, InterfaceSymbol)
		}
		id = *v
	case string:
		id = v
	default:
		return "", fmt.Errorf("%w: symbol %s has type %T, want string", pluginhost.ErrMalformedIdentifier, InterfaceSymbol, sym)
	}

	if _, err := plugin.ParseIdentifier(id); err != nil {
		return "", err
	}
	return id, nil
}

// Bind resolves the candidate's factory for contract type T. The factory must
// have the exact signature func(plugin.Base) (T, error).
func Bind[T any](c Candidate) (plugin.Implementation[T], error) {
	if c.symbols == nil {
		return plugin.Implementation[T]{}, pluginhost.NewInvalidConstructionError("loader.Bind",
			fmt.Errorf("candidate %q was not produced by a Loader", c.Name))
	}

	sym, err := c.symbols.Lookup(FactorySymbol)
	if err != nil {
		return plugin.Implementation[T]{}, pluginhost.NewInvalidConstructionError("loader.Bind",
			fmt.Errorf("symbol %s not exported: %w", FactorySymbol, err)).
			WithContext(map[string]any{"plugin": c.Name, "path": c.Path})
	}

	var factory plugin.Factory[T]
	switch fn := sym.(type) {
	case func(plugin.Base) (T, error):
		factory = fn
	case *func(plugin.Base) (T, error):
		if fn != nil {
			factory = *fn
		}
	case plugin.Factory[T]:
		factory = fn
	case *plugin.Factory[T]:
		if fn != nil {
			factory = *fn
		}
	}
	if factory == nil {
		return plugin.Implementation[T]{}, pluginhost.NewInvalidConstructionError("loader.Bind",
			fmt.Errorf("symbol %s has type %T, want func(plugin.Base) (%s, error)", FactorySymbol, sym, reflect.TypeFor[T]())).
			WithContext(map[string]any{"plugin": c.Name, "path": c.Path})
	}

	return plugin.Implementation[T]{
		Name:      c.Name,
		Interface: c.Interface,
		Metadata:  c.Metadata,
		New:       factory,
		Origin:    c.Path,
	}, nil
}

// Source adapts a Loader into a plugin.Source for contract type T.
func Source[T any](l *Loader) plugin.Source[T] {
	return source[T]{l: l}
}

type source[T any] struct {
	l *Loader
}

func (s source[T]) Implementations(ctx context.Context) ([]plugin.Implementation[T], error) {
	candidates, discoverErr := s.l.Discover(ctx)

	errs := []error{discoverErr}
	impls := make([]plugin.Implementation[T], 0, len(candidates))
	for _, c := range candidates {
		impl, err := Bind[T](c)
		if err != nil {
			s.l.logger.Warn("rejecting plugin library", "plugin", c.Name, "path", c.Path, "error", err)
			errs = append(errs, err)
			continue
		}
		impls = append(impls, impl)
	}
	return impls, errors.Join(errs...)
}
