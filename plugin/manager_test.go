package plugin

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zero-day-ai/pluginhost"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestManager(t *testing.T, opts ...Option) *Manager[critter] {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))}, opts...)
	m, err := NewManager(critterContract, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

// recordingAnnouncer is a test double for Announcer.
type recordingAnnouncer struct {
	mu         sync.Mutex
	announced  []Announcement
	withdrawn  []Announcement
	closeCalls int
	failWith   error
}

func (r *recordingAnnouncer) Announce(ctx context.Context, a Announcement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.announced = append(r.announced, a)
	return nil
}

func (r *recordingAnnouncer) Withdraw(ctx context.Context, a Announcement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.withdrawn = append(r.withdrawn, a)
	return nil
}

func (r *recordingAnnouncer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeCalls++
	return nil
}

func TestNewManager_UndeclaredContract(t *testing.T) {
	_, err := NewManager(Contract[critter]{})
	require.Error(t, err)
	assert.ErrorIs(t, err, pluginhost.ErrInvalidConstruction)
}

func TestManager_LoadMatchingInterface(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Register(dogImpl()))

	c, err := m.Load(context.Background(), "Dog")
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, "Dog", c.Name())
	assert.Equal(t, 4, c.LegCount())
	assert.True(t, c.HasTail())

	inst := c.(Instance)
	assert.True(t, inst.IsManaged())
	assert.Equal(t, StateManagerOwned, inst.State())
	assert.Equal(t, "Dog", inst.PluginName())
	assert.Same(t, m.Owner(), inst.Owner())
	assert.Equal(t, Loaded, m.LoadState("Dog"))
}

func TestManager_StoredNameAndOwnerExact(t *testing.T) {
	m := newTestManager(t)
	impl := dogImpl()
	impl.Name = "cat"
	require.NoError(t, m.Register(impl))

	c, err := m.Load(context.Background(), "cat")
	require.NoError(t, err)

	inst := c.(Instance)
	assert.Equal(t, "cat", inst.PluginName())
	assert.Same(t, m.Owner(), inst.Owner())
}

func TestManager_RegisterInterfaceMismatch(t *testing.T) {
	m := newTestManager(t)

	constructed := false
	impl := Implementation[critter]{
		Name:      "Dog",
		Interface: critterV2,
		New: func(base Base) (critter, error) {
			constructed = true
			return &dog{Base: base}, nil
		},
	}

	err := m.Register(impl)
	require.Error(t, err)
	assert.ErrorIs(t, err, pluginhost.ErrInterfaceMismatch)
	assert.Equal(t, pluginhost.KindInterfaceMismatch, pluginhost.KindOf(err))
	assert.False(t, constructed, "factory must not run for a mismatched identifier")
	assert.Equal(t, Rejected, m.LoadState("Dog"))
	assert.Empty(t, m.Available())

	c, err := m.Load(context.Background(), "Dog")
	require.Error(t, err)
	assert.ErrorIs(t, err, pluginhost.ErrInterfaceMismatch)
	assert.Equal(t, pluginhost.KindInterfaceMismatch, pluginhost.KindOf(err))
	assert.Nil(t, c)
	assert.Empty(t, m.Loaded())
	assert.False(t, constructed)

	_, err = m.Descriptor("Dog")
	assert.ErrorIs(t, err, pluginhost.ErrInterfaceMismatch)
}

func TestManager_RejectedNameCanBeRegisteredAgain(t *testing.T) {
	m := newTestManager(t)

	old := dogImpl()
	old.Interface = critterV2
	require.Error(t, m.Register(old))

	malformed := dogImpl()
	malformed.Name = "Stray"
	malformed.Interface = "not an identifier"
	err := m.Register(malformed)
	assert.ErrorIs(t, err, pluginhost.ErrMalformedIdentifier)
	assert.Equal(t, Rejected, m.LoadState("Stray"))

	noFactory := dogImpl()
	noFactory.Name = "Ghost"
	noFactory.New = nil
	require.Error(t, m.Register(noFactory))
	assert.Equal(t, NotFound, m.LoadState("Ghost"))

	require.NoError(t, m.Register(dogImpl()))
	assert.Equal(t, Registered, m.LoadState("Dog"))

	c, err := m.Load(context.Background(), "Dog")
	require.NoError(t, err)
	assert.Equal(t, "Dog", c.Name())

	// A mismatched duplicate of a registered name does not shadow it.
	require.Error(t, m.Register(old))
	assert.Equal(t, Loaded, m.LoadState("Dog"))
}

func TestManager_DependencyOnRejectedPlugin(t *testing.T) {
	m := newTestManager(t)

	old := dogImpl()
	old.Interface = critterV2
	require.Error(t, m.Register(old))

	puppy := dogImpl()
	puppy.Name = "Puppy"
	puppy.Metadata.Depends = []string{"Dog"}
	require.NoError(t, m.Register(puppy))

	_, err := m.Load(context.Background(), "Puppy")
	require.Error(t, err)
	assert.ErrorIs(t, err, pluginhost.ErrInterfaceMismatch)
	assert.Empty(t, m.Loaded())
}

func TestManager_DifferentVersionsNotInterchangeable(t *testing.T) {
	v2Contract := MustDeclare[critter](critterV2)
	v1, err := NewManager(critterContract)
	require.NoError(t, err)
	v2, err := NewManager(v2Contract)
	require.NoError(t, err)

	v1Impl := dogImpl()
	v2Impl := dogImpl()
	v2Impl.Interface = critterV2

	assert.NoError(t, v1.Register(v1Impl))
	assert.ErrorIs(t, v1.Register(Implementation[critter]{Name: "Dog2", Interface: critterV2, New: newDog}), pluginhost.ErrInterfaceMismatch)
	assert.NoError(t, v2.Register(v2Impl))
	assert.ErrorIs(t, v2.Register(Implementation[critter]{Name: "Dog1", Interface: critterV1, New: newDog}), pluginhost.ErrInterfaceMismatch)
}

func TestManager_RegisterValidation(t *testing.T) {
	tests := []struct {
		name    string
		impl    Implementation[critter]
		wantErr error
	}{
		{
			name:    "empty name",
			impl:    Implementation[critter]{Interface: critterV1, New: newDog},
			wantErr: pluginhost.ErrInvalidConstruction,
		},
		{
			name:    "nil factory",
			impl:    Implementation[critter]{Name: "Dog", Interface: critterV1},
			wantErr: pluginhost.ErrInvalidConstruction,
		},
		{
			name:    "missing identifier",
			impl:    Implementation[critter]{Name: "Dog", New: newDog},
			wantErr: pluginhost.ErrMalformedIdentifier,
		},
		{
			name: "empty alias",
			impl: Implementation[critter]{Name: "Dog", Interface: critterV1, New: newDog,
				Metadata: Metadata{Provides: []string{""}}},
			wantErr: pluginhost.ErrInvalidConstruction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			err := m.Register(tt.impl)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, m.Available())
		})
	}
}

func TestManager_RegisterDuplicate(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Register(dogImpl()))

	err := m.Register(dogImpl())
	require.Error(t, err)
	assert.ErrorIs(t, err, pluginhost.ErrAlreadyRegistered)

	aliased := dogImpl()
	aliased.Name = "Hound"
	aliased.Metadata.Provides = []string{"Dog"}
	err = m.Register(aliased)
	require.Error(t, err)
	assert.ErrorIs(t, err, pluginhost.ErrAlreadyRegistered)
	assert.Equal(t, []string{"Dog"}, m.Available())
}

func TestManager_LoadByAlias(t *testing.T) {
	m := newTestManager(t)
	impl := dogImpl()
	impl.Metadata.Provides = []string{"Canine"}
	require.NoError(t, m.Register(impl))

	c, err := m.Load(context.Background(), "Canine")
	require.NoError(t, err)
	assert.Equal(t, "Dog", c.(Instance).PluginName())

	again, ok := m.Instance("Dog")
	require.True(t, ok)
	assert.Same(t, c.(*dog), again.(*dog))
}

func TestManager_LoadTwiceConstructsOnce(t *testing.T) {
	m := newTestManager(t)
	calls := 0
	require.NoError(t, m.Register(Implementation[critter]{
		Name:      "Dog",
		Interface: critterV1,
		New: func(base Base) (critter, error) {
			calls++
			return &dog{Base: base}, nil
		},
	}))

	first, err := m.Load(context.Background(), "Dog")
	require.NoError(t, err)
	second, err := m.Load(context.Background(), "Dog")
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Same(t, first.(*dog), second.(*dog))
}

func TestManager_LoadNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Load(context.Background(), "Unicorn")
	require.Error(t, err)
	assert.ErrorIs(t, err, pluginhost.ErrPluginNotFound)
	assert.Equal(t, NotFound, m.LoadState("Unicorn"))
}

func TestManager_FactoryMustKeepBase(t *testing.T) {
	tests := []struct {
		name    string
		factory Factory[critter]
	}{
		{
			name: "ignores base",
			factory: func(base Base) (critter, error) {
				return &dog{Base: Standalone()}, nil
			},
		},
		{
			name: "nil instance",
			factory: func(base Base) (critter, error) {
				return nil, nil
			},
		},
		{
			name: "typed nil instance",
			factory: func(base Base) (critter, error) {
				var d *dog
				return d, nil
			},
		},
		{
			name: "factory error",
			factory: func(base Base) (critter, error) {
				return nil, errors.New("no food")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			require.NoError(t, m.Register(Implementation[critter]{Name: "Dog", Interface: critterV1, New: tt.factory}))

			c, err := m.Load(context.Background(), "Dog")
			require.Error(t, err)
			assert.ErrorIs(t, err, pluginhost.ErrInvalidConstruction)
			assert.Nil(t, c)
			assert.Equal(t, Registered, m.LoadState("Dog"))
			assert.Empty(t, m.Loaded())
		})
	}
}

// plainCritter implements critter without embedding Base.
type plainCritter struct{}

func (plainCritter) Name() string  { return "Plain" }
func (plainCritter) LegCount() int { return 0 }
func (plainCritter) HasTail() bool { return false }

func TestManager_InstanceWithoutBaseRejected(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Register(Implementation[critter]{
		Name:      "Plain",
		Interface: critterV1,
		New: func(base Base) (critter, error) {
			return plainCritter{}, nil
		},
	}))

	_, err := m.Load(context.Background(), "Plain")
	require.Error(t, err)
	assert.ErrorIs(t, err, pluginhost.ErrInvalidConstruction)
}

func TestManager_Dependencies(t *testing.T) {
	m := newTestManager(t)
	closed := 0
	require.NoError(t, m.Register(Implementation[critter]{
		Name:      "Bird",
		Interface: critterV1,
		New: func(base Base) (critter, error) {
			return &bird{Base: base, closed: &closed}, nil
		},
	}))
	impl := dogImpl()
	impl.Metadata.Depends = []string{"Bird"}
	require.NoError(t, m.Register(impl))

	_, err := m.Load(context.Background(), "Dog")
	require.NoError(t, err)
	assert.Equal(t, []string{"Bird", "Dog"}, m.Loaded())

	err = m.Unload(context.Background(), "Bird")
	require.Error(t, err)
	assert.ErrorIs(t, err, pluginhost.ErrInUse)

	require.NoError(t, m.Unload(context.Background(), "Dog"))
	require.NoError(t, m.Unload(context.Background(), "Bird"))
	assert.Equal(t, 1, closed)
	assert.Empty(t, m.Loaded())
}

func TestManager_DependencyFailureRollsBack(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Register(Implementation[critter]{
		Name:      "Bird",
		Interface: critterV1,
		New: func(base Base) (critter, error) {
			return &bird{Base: base}, nil
		},
	}))
	impl := dogImpl()
	impl.Metadata.Depends = []string{"Bird", "Fish"}
	require.NoError(t, m.Register(impl))

	_, err := m.Load(context.Background(), "Dog")
	require.Error(t, err)
	assert.ErrorIs(t, err, pluginhost.ErrPluginNotFound)
	assert.Empty(t, m.Loaded())
	assert.Equal(t, Registered, m.LoadState("Bird"))
}

func TestManager_DependencyCycle(t *testing.T) {
	m := newTestManager(t)
	a := dogImpl()
	a.Name = "A"
	a.Metadata.Depends = []string{"B"}
	b := dogImpl()
	b.Name = "B"
	b.Metadata.Depends = []string{"A"}
	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(b))

	_, err := m.Load(context.Background(), "A")
	require.Error(t, err)
	assert.ErrorIs(t, err, pluginhost.ErrDependencyCycle)
	assert.Empty(t, m.Loaded())
}

func TestManager_Policy(t *testing.T) {
	deny := PolicyFunc(func(ctx context.Context, d Descriptor) error {
		if d.Name == "Dog" {
			return errors.New("dogs are not allowed")
		}
		return nil
	})
	m := newTestManager(t, WithPolicy(deny))
	require.NoError(t, m.Register(dogImpl()))

	_, err := m.Load(context.Background(), "Dog")
	require.Error(t, err)
	assert.ErrorIs(t, err, pluginhost.ErrPolicyDenied)
	assert.Equal(t, pluginhost.KindPermission, pluginhost.KindOf(err))
	assert.Equal(t, Registered, m.LoadState("Dog"))
}

func TestManager_Announcer(t *testing.T) {
	ann := &recordingAnnouncer{}
	m, err := NewManager(critterContract, WithAnnouncer(ann))
	require.NoError(t, err)
	require.NoError(t, m.Register(dogImpl()))

	_, err = m.Load(context.Background(), "Dog")
	require.NoError(t, err)
	require.Len(t, ann.announced, 1)
	assert.Equal(t, "Dog", ann.announced[0].Name)
	assert.Equal(t, critterV1, ann.announced[0].Interface)
	assert.Equal(t, m.Owner().ID(), ann.announced[0].Owner)
	assert.NotEmpty(t, ann.announced[0].InstanceID)

	require.NoError(t, m.Close(context.Background()))
	require.Len(t, ann.withdrawn, 1)
	assert.Equal(t, ann.announced[0].InstanceID, ann.withdrawn[0].InstanceID)
	assert.Equal(t, 1, ann.closeCalls)
}

func TestManager_AnnouncerFailureDoesNotFailLoad(t *testing.T) {
	ann := &recordingAnnouncer{failWith: errors.New("registry down")}
	m := newTestManager(t, WithAnnouncer(ann))
	require.NoError(t, m.Register(dogImpl()))

	_, err := m.Load(context.Background(), "Dog")
	require.NoError(t, err)
	assert.Equal(t, Loaded, m.LoadState("Dog"))
}

func TestManager_CloseDestroysInstancesFirst(t *testing.T) {
	m, err := NewManager(critterContract)
	require.NoError(t, err)

	var ownerClosedDuringClose *bool
	require.NoError(t, m.Register(Implementation[critter]{
		Name:      "Bird",
		Interface: critterV1,
		New: func(base Base) (critter, error) {
			return &closeRecorder{bird: bird{Base: base}, seen: &ownerClosedDuringClose}, nil
		},
	}))

	c, err := m.Load(context.Background(), "Bird")
	require.NoError(t, err)

	require.NoError(t, m.Close(context.Background()))
	require.NotNil(t, ownerClosedDuringClose)
	assert.False(t, *ownerClosedDuringClose, "instances must be destroyed before the owner is closed")

	assert.ErrorIs(t, c.(Instance).CheckOwner(), pluginhost.ErrOwnerClosed)
	assert.Empty(t, m.Loaded())

	_, err = m.Load(context.Background(), "Bird")
	assert.ErrorIs(t, err, pluginhost.ErrManagerClosed)
	assert.ErrorIs(t, m.Register(dogImpl()), pluginhost.ErrManagerClosed)
	assert.ErrorIs(t, m.Unload(context.Background(), "Bird"), pluginhost.ErrManagerClosed)
	assert.NoError(t, m.Close(context.Background()))
}

type closeRecorder struct {
	bird
	seen **bool
}

func (p *closeRecorder) Close() error {
	closed := p.Owner().Closed()
	*p.seen = &closed
	return nil
}

func TestManager_UnloadNotLoaded(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Register(dogImpl()))

	err := m.Unload(context.Background(), "Dog")
	require.Error(t, err)
	assert.ErrorIs(t, err, pluginhost.ErrPluginNotFound)
}

func TestManager_Descriptor(t *testing.T) {
	m := newTestManager(t)
	impl := dogImpl()
	impl.Metadata = Metadata{Description: "barks", Provides: []string{"Canine"}, Data: map[string]string{"sound": "woof"}}
	require.NoError(t, m.Register(impl))

	// Mutating the caller's metadata must not leak into the manager.
	impl.Metadata.Provides[0] = "Wolf"
	impl.Metadata.Data["sound"] = "howl"

	d, err := m.Descriptor("Canine")
	require.NoError(t, err)
	assert.Equal(t, "Dog", d.Name)
	assert.Equal(t, critterV1, d.Interface)
	assert.Equal(t, []string{"Canine"}, d.Metadata.Provides)
	assert.Equal(t, "woof", d.Metadata.Data["sound"])
	assert.Equal(t, Registered, d.State)
	assert.Equal(t, "static", d.Origin)

	_, err = m.Descriptor("Wolf")
	assert.ErrorIs(t, err, pluginhost.ErrPluginNotFound)
}

func TestManager_RegisterSource(t *testing.T) {
	m := newTestManager(t)
	bad := dogImpl()
	bad.Name = "OldDog"
	bad.Interface = critterV2

	err := m.RegisterSource(context.Background(), StaticSource[critter]{dogImpl(), bad})
	require.Error(t, err)
	assert.ErrorIs(t, err, pluginhost.ErrInterfaceMismatch)
	assert.Equal(t, []string{"Dog"}, m.Available())

	_, err = m.Load(context.Background(), "OldDog")
	assert.ErrorIs(t, err, pluginhost.ErrInterfaceMismatch)
	assert.Equal(t, Rejected, m.LoadState("OldDog"))
}

func TestManager_LoadTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	m := newTestManager(t, WithTracer(tp.Tracer("test")))
	require.NoError(t, m.Register(dogImpl()))

	_, err := m.Load(context.Background(), "Dog")
	require.NoError(t, err)
	_, err = m.Load(context.Background(), "Missing")
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "pluginhost.Manager.Load", spans[0].Name())
	assert.Equal(t, "Unset", spans[0].Status().Code.String())
	assert.Equal(t, "Error", spans[1].Status().Code.String())
}

func TestManager_ConcurrentLoads(t *testing.T) {
	m := newTestManager(t)
	calls := 0
	require.NoError(t, m.Register(Implementation[critter]{
		Name:      "Dog",
		Interface: critterV1,
		New: func(base Base) (critter, error) {
			calls++
			return &dog{Base: base}, nil
		},
	}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Load(context.Background(), "Dog")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls)
}

func TestManager_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m := newTestManager(t, WithMeterProvider(mp))
	ctx := context.Background()

	mismatched := dogImpl()
	mismatched.Name = "OldDog"
	mismatched.Interface = critterV2
	require.Error(t, m.Register(mismatched))

	require.NoError(t, m.Register(dogImpl()))
	_, err := m.Load(ctx, "Dog")
	require.NoError(t, err)

	collected := collectSums(t, reader)
	assert.Equal(t, int64(1), collected["pluginhost.plugin.loads"])
	assert.Equal(t, int64(1), collected["pluginhost.plugin.rejections"])
	assert.Equal(t, int64(1), collected["pluginhost.plugin.instances"])

	require.NoError(t, m.Unload(ctx, "Dog"))
	collected = collectSums(t, reader)
	assert.Equal(t, int64(0), collected["pluginhost.plugin.instances"])
}

// collectSums totals every int64 sum instrument by name.
func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[md.Name] += dp.Value
			}
		}
	}
	return out
}
