package plugin

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Policy decides whether a plugin may be loaded. A nil error allows the load.
type Policy interface {
	Allow(ctx context.Context, d Descriptor) error
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(ctx context.Context, d Descriptor) error

// Allow calls f.
func (f PolicyFunc) Allow(ctx context.Context, d Descriptor) error {
	return f(ctx, d)
}

// Announcement describes a loaded plugin instance to an Announcer.
type Announcement struct {
	Name       string
	Interface  string
	InstanceID string
	Owner      uuid.UUID
	Metadata   Metadata
	LoadedAt   time.Time
}

// Announcer publishes loaded instances somewhere other components can see
// them, for example a service registry. Announcement failures are logged and
// never fail a load.
type Announcer interface {
	Announce(ctx context.Context, a Announcement) error
	Withdraw(ctx context.Context, a Announcement) error
	Close() error
}

// Option configures a Manager.
type Option func(*managerConfig)

type managerConfig struct {
	logger        *slog.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	policy        Policy
	announcer     Announcer
}

// WithLogger sets a custom logger for the manager.
// If not provided, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(c *managerConfig) {
		c.logger = logger
	}
}

// WithTracer sets an OpenTelemetry tracer. Load and Unload each produce a span.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *managerConfig) {
		c.tracer = tracer
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider used for load,
// rejection and instance metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *managerConfig) {
		c.meterProvider = mp
	}
}

// WithPolicy sets a policy consulted before every load.
func WithPolicy(p Policy) Option {
	return func(c *managerConfig) {
		c.policy = p
	}
}

// WithAnnouncer publishes every loaded instance through a.
// The manager closes a during its own Close.
func WithAnnouncer(a Announcer) Option {
	return func(c *managerConfig) {
		c.announcer = a
	}
}
