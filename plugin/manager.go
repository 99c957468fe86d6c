package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zero-day-ai/pluginhost"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/zero-day-ai/pluginhost/plugin"

// entry is one registered implementation and, once loaded, its instance.
type entry[T any] struct {
	impl         Implementation[T]
	instance     T
	loaded       bool
	announcement *Announcement
	usedBy       map[string]struct{}
}

// Manager resolves plugin names to implementations of one capability contract,
// validates their interface identifiers, and owns the instances it constructs.
//
// All methods are safe for concurrent use. Factories run while the manager's
// lock is held and must not call back into the manager.
type Manager[T any] struct {
	contract  Contract[T]
	owner     *Owner
	logger    *slog.Logger
	tracer    trace.Tracer
	policy    Policy
	announcer Announcer

	loadCounter      metric.Int64Counter
	rejectionCounter metric.Int64Counter
	instanceGauge    metric.Int64UpDownCounter

	mu       sync.RWMutex
	entries  map[string]*entry[T]
	aliases  map[string]string
	rejected map[string]error // name -> identifier error; factory not kept
	order    []string
	closed   bool
}

// NewManager creates a manager for the given contract.
func NewManager[T any](contract Contract[T], opts ...Option) (*Manager[T], error) {
	if contract.Interface().IsZero() {
		return nil, pluginhost.NewInvalidConstructionError("NewManager",
			fmt.Errorf("contract for %s was not declared", contract.TypeName()))
	}

	cfg := managerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.tracer == nil {
		cfg.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	if cfg.meterProvider == nil {
		cfg.meterProvider = metricnoop.NewMeterProvider()
	}

	m := &Manager[T]{
		contract:  contract,
		owner:     newOwner(contract.Interface()),
		tracer:    cfg.tracer,
		policy:    cfg.policy,
		announcer: cfg.announcer,
		entries:   make(map[string]*entry[T]),
		aliases:   make(map[string]string),
		rejected:  make(map[string]error),
	}
	m.logger = cfg.logger.With(
		"interface", contract.Interface().String(),
		"manager", m.owner.ID().String(),
	)

	meter := cfg.meterProvider.Meter(instrumentationName)
	var err error
	if m.loadCounter, err = meter.Int64Counter("pluginhost.plugin.loads",
		metric.WithDescription("Number of plugin instances constructed")); err != nil {
		return nil, pluginhost.NewInternalError("NewManager", err)
	}
	if m.rejectionCounter, err = meter.Int64Counter("pluginhost.plugin.rejections",
		metric.WithDescription("Number of plugins refused at registration or load")); err != nil {
		return nil, pluginhost.NewInternalError("NewManager", err)
	}
	if m.instanceGauge, err = meter.Int64UpDownCounter("pluginhost.plugin.instances",
		metric.WithDescription("Number of live plugin instances")); err != nil {
		return nil, pluginhost.NewInternalError("NewManager", err)
	}

	return m, nil
}

// Contract returns the contract the manager validates against.
func (m *Manager[T]) Contract() Contract[T] {
	return m.contract
}

// Owner returns the identity handed to every instance this manager constructs.
func (m *Manager[T]) Owner() *Owner {
	return m.owner
}

// Register adds an implementation. The identifier, name, aliases and factory
// are validated before anything is stored. An implementation refused for its
// interface identifier keeps no factory, but its name stays known as Rejected
// so that Load reports the identifier error instead of ErrPluginNotFound.
func (m *Manager[T]) Register(impl Implementation[T]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return pluginhost.NewOwnerClosedError("Manager.Register", pluginhost.ErrManagerClosed)
	}

	if err := impl.validate(m.contract); err != nil {
		m.reject(context.Background(), impl.Name, err)
		if impl.Name != "" && !m.taken(impl.Name) && identifierRefused(err) {
			m.rejected[impl.Name] = err
		}
		return err
	}

	names := append([]string{impl.Name}, impl.Metadata.Provides...)
	for _, n := range names {
		if m.taken(n) {
			return pluginhost.NewConflictError("Manager.Register", pluginhost.ErrAlreadyRegistered).
				WithContext(map[string]any{"plugin": impl.Name, "name": n})
		}
	}

	for _, n := range names {
		delete(m.rejected, n)
	}
	impl.Metadata = impl.Metadata.clone()
	if impl.Origin == "" {
		impl.Origin = "static"
	}
	m.entries[impl.Name] = &entry[T]{impl: impl, usedBy: make(map[string]struct{})}
	for _, alias := range impl.Metadata.Provides {
		m.aliases[alias] = impl.Name
	}

	m.logger.Debug("plugin registered",
		"plugin", impl.Name,
		"origin", impl.Origin,
		"provides", impl.Metadata.Provides)
	return nil
}

// RegisterSource registers every implementation a source yields. Valid
// implementations are kept even when others fail, including when the source
// itself reports errors alongside a partial result; all failures are returned
// joined.
func (m *Manager[T]) RegisterSource(ctx context.Context, src Source[T]) error {
	impls, err := src.Implementations(ctx)

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, impl := range impls {
		if err := m.Register(impl); err != nil {
			m.logger.Warn("skipping plugin", "plugin", impl.Name, "origin", impl.Origin, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Load resolves name (or an alias), loads its dependencies, validates the
// implementation and constructs the instance exactly once. Loading a plugin
// that is already loaded returns the existing instance.
//
// On failure the zero T is returned, no instance is recorded and any
// dependency loaded by this call is unloaded again.
func (m *Manager[T]) Load(ctx context.Context, name string) (T, error) {
	ctx, span := m.tracer.Start(ctx, "pluginhost.Manager.Load", trace.WithAttributes(
		attribute.String("plugin.name", name),
		attribute.String("plugin.interface", m.contract.Interface().String()),
	))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if m.closed {
		err := pluginhost.NewOwnerClosedError("Manager.Load", pluginhost.ErrManagerClosed)
		recordSpanError(span, err)
		return zero, err
	}

	var fresh []string
	inst, err := m.loadLocked(ctx, name, map[string]bool{}, &fresh)
	if err != nil {
		for i := len(fresh) - 1; i >= 0; i-- {
			if uerr := m.unloadLocked(ctx, fresh[i]); uerr != nil {
				m.logger.Warn("rollback unload failed", "plugin", fresh[i], "error", uerr)
			}
		}
		m.reject(ctx, name, err)
		recordSpanError(span, err)
		return zero, err
	}
	return inst, nil
}

func (m *Manager[T]) loadLocked(ctx context.Context, name string, visiting map[string]bool, fresh *[]string) (T, error) {
	var zero T

	e, ok := m.resolve(name)
	if !ok {
		if err, refused := m.rejected[name]; refused {
			return zero, err
		}
		return zero, pluginhost.NewNotFoundError("Manager.Load", pluginhost.ErrPluginNotFound).
			WithContext(map[string]any{"plugin": name})
	}
	if e.loaded {
		return e.instance, nil
	}

	canonical := e.impl.Name
	if visiting[canonical] {
		return zero, pluginhost.NewDependencyError("Manager.Load", pluginhost.ErrDependencyCycle).
			WithContext(map[string]any{"plugin": canonical})
	}

	if err := e.impl.validate(m.contract); err != nil {
		return zero, err
	}

	if m.policy != nil {
		if err := m.policy.Allow(ctx, m.describe(e)); err != nil {
			perr := pluginhost.NewPermissionError("Manager.Load", err).
				WithContext(map[string]any{"plugin": canonical})
			if !errors.Is(err, pluginhost.ErrPolicyDenied) {
				perr.Err = fmt.Errorf("%w: %w", pluginhost.ErrPolicyDenied, err)
			}
			return zero, perr
		}
	}

	visiting[canonical] = true
	defer delete(visiting, canonical)

	deps := make([]string, 0, len(e.impl.Metadata.Depends))
	for _, dep := range e.impl.Metadata.Depends {
		if _, err := m.loadLocked(ctx, dep, visiting, fresh); err != nil {
			return zero, fmt.Errorf("plugin %q: dependency %q: %w", canonical, dep, err)
		}
		depEntry, _ := m.resolve(dep)
		deps = append(deps, depEntry.impl.Name)
	}

	inst, err := construct(e.impl, m.owner, canonical)
	if err != nil {
		return zero, err
	}

	e.instance = inst
	e.loaded = true
	m.order = append(m.order, canonical)
	*fresh = append(*fresh, canonical)
	for _, dep := range deps {
		m.entries[dep].usedBy[canonical] = struct{}{}
	}

	attrs := metric.WithAttributes(attribute.String("plugin.name", canonical))
	m.loadCounter.Add(ctx, 1, attrs)
	m.instanceGauge.Add(ctx, 1, attrs)

	if m.announcer != nil {
		ann := Announcement{
			Name:       canonical,
			Interface:  e.impl.Interface,
			InstanceID: uuid.NewString(),
			Owner:      m.owner.ID(),
			Metadata:   e.impl.Metadata.clone(),
			LoadedAt:   time.Now(),
		}
		if err := m.announcer.Announce(ctx, ann); err != nil {
			m.logger.Warn("failed to announce plugin", "plugin", canonical, "error", err)
		} else {
			e.announcement = &ann
		}
	}

	m.logger.Info("plugin loaded", "plugin", canonical, "origin", e.impl.Origin)
	return inst, nil
}

// Unload destroys the instance loaded under name. It fails with ErrInUse while
// another loaded plugin depends on it. If the instance implements io.Closer,
// Close is called; the instance is released even when Close fails.
func (m *Manager[T]) Unload(ctx context.Context, name string) error {
	ctx, span := m.tracer.Start(ctx, "pluginhost.Manager.Unload", trace.WithAttributes(
		attribute.String("plugin.name", name),
	))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		err := pluginhost.NewOwnerClosedError("Manager.Unload", pluginhost.ErrManagerClosed)
		recordSpanError(span, err)
		return err
	}

	e, ok := m.resolve(name)
	if !ok || !e.loaded {
		err := pluginhost.NewNotFoundError("Manager.Unload", pluginhost.ErrPluginNotFound).
			WithContext(map[string]any{"plugin": name, "reason": "not loaded"})
		recordSpanError(span, err)
		return err
	}
	if len(e.usedBy) > 0 {
		users := make([]string, 0, len(e.usedBy))
		for u := range e.usedBy {
			users = append(users, u)
		}
		sort.Strings(users)
		err := pluginhost.NewConflictError("Manager.Unload", pluginhost.ErrInUse).
			WithContext(map[string]any{"plugin": e.impl.Name, "used_by": users})
		recordSpanError(span, err)
		return err
	}

	if err := m.unloadLocked(ctx, e.impl.Name); err != nil {
		recordSpanError(span, err)
		return err
	}
	return nil
}

func (m *Manager[T]) unloadLocked(ctx context.Context, name string) error {
	e := m.entries[name]
	if e == nil || !e.loaded {
		return nil
	}

	var closeErr error
	if closer, ok := any(e.instance).(io.Closer); ok {
		if err := closer.Close(); err != nil {
			closeErr = pluginhost.NewInternalError("Manager.Unload", err).
				WithContext(map[string]any{"plugin": name})
		}
	}

	if e.announcement != nil && m.announcer != nil {
		if err := m.announcer.Withdraw(ctx, *e.announcement); err != nil {
			m.logger.Warn("failed to withdraw plugin announcement", "plugin", name, "error", err)
		}
	}

	for _, dep := range e.impl.Metadata.Depends {
		if depEntry, ok := m.resolve(dep); ok {
			delete(depEntry.usedBy, name)
		}
	}

	var zero T
	e.instance = zero
	e.loaded = false
	e.announcement = nil
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == name })

	m.instanceGauge.Add(ctx, -1, metric.WithAttributes(attribute.String("plugin.name", name)))
	m.logger.Info("plugin unloaded", "plugin", name)
	return closeErr
}

// Close tears the manager down. Every owned instance is destroyed first, in
// reverse load order so dependents go before their dependencies. Only then is
// the owner marked closed and the announcer closed. Close is idempotent.
func (m *Manager[T]) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	var errs []error
	for i := len(m.order) - 1; i >= 0; i-- {
		if err := m.unloadLocked(ctx, m.order[i]); err != nil {
			errs = append(errs, err)
		}
	}

	m.closed = true
	m.owner.close()

	if m.announcer != nil {
		if err := m.announcer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	m.logger.Info("plugin manager closed")
	return errors.Join(errs...)
}

// Instance returns the loaded instance for name or alias.
func (m *Manager[T]) Instance(name string) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var zero T
	e, ok := m.resolve(name)
	if !ok || !e.loaded {
		return zero, false
	}
	return e.instance, true
}

// LoadState reports whether name is unknown, rejected, registered or loaded.
func (m *Manager[T]) LoadState(name string) LoadState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.resolve(name)
	switch {
	case !ok:
		if _, refused := m.rejected[name]; refused {
			return Rejected
		}
		return NotFound
	case e.loaded:
		return Loaded
	default:
		return Registered
	}
}

// Available returns the sorted names of all registered plugins. Rejected
// names are not included.
func (m *Manager[T]) Available() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.entries))
	for n := range m.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Loaded returns the names of loaded plugins in load order.
func (m *Manager[T]) Loaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.order)
}

// Descriptor returns the descriptor for name or alias. For a rejected name it
// returns the error the implementation was refused with.
func (m *Manager[T]) Descriptor(name string) (Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.resolve(name)
	if !ok {
		if err, refused := m.rejected[name]; refused {
			return Descriptor{}, err
		}
		return Descriptor{}, pluginhost.NewNotFoundError("Manager.Descriptor", pluginhost.ErrPluginNotFound).
			WithContext(map[string]any{"plugin": name})
	}
	return m.describe(e), nil
}

func (m *Manager[T]) describe(e *entry[T]) Descriptor {
	state := Registered
	if e.loaded {
		state = Loaded
	}
	return Descriptor{
		Name:      e.impl.Name,
		Interface: e.impl.Interface,
		Metadata:  e.impl.Metadata.clone(),
		State:     state,
		Origin:    e.impl.Origin,
	}
}

func (m *Manager[T]) resolve(name string) (*entry[T], bool) {
	if e, ok := m.entries[name]; ok {
		return e, true
	}
	if canonical, ok := m.aliases[name]; ok {
		e, ok := m.entries[canonical]
		return e, ok
	}
	return nil, false
}

func (m *Manager[T]) taken(name string) bool {
	_, isName := m.entries[name]
	_, isAlias := m.aliases[name]
	return isName || isAlias
}

// identifierRefused reports whether err refused an implementation for the
// identifier it declared, as opposed to a missing name or factory.
func identifierRefused(err error) bool {
	return errors.Is(err, pluginhost.ErrInterfaceMismatch) || errors.Is(err, pluginhost.ErrMalformedIdentifier)
}

func (m *Manager[T]) reject(ctx context.Context, name string, err error) {
	m.rejectionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("plugin.name", name),
		attribute.String("reason", pluginhost.KindOf(err)),
	))
	m.logger.Warn("plugin rejected", "plugin", name, "error", err)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
