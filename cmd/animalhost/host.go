package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/zero-day-ai/pluginhost"
	"github.com/zero-day-ai/pluginhost/animal"
	"github.com/zero-day-ai/pluginhost/animal/zoo"
	"github.com/zero-day-ai/pluginhost/loader"
	"github.com/zero-day-ai/pluginhost/plugin"
	"github.com/zero-day-ai/pluginhost/policy"
	"github.com/zero-day-ai/pluginhost/registry"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// hostOptions are the persistent flags shared by all commands.
type hostOptions struct {
	configPath string
	pluginDir  string
	policy     string
	logLevel   string
	builtin    bool
	trace      bool
}

// host is a configured animal manager plus the resources it owns.
type host struct {
	manager  *animal.Manager
	logger   *slog.Logger
	provider *sdktrace.TracerProvider
}

func openHost(cmd *cobra.Command, opts *hostOptions) (*host, error) {
	ctx := cmd.Context()

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg.applyFlags(opts, cmd.Flags())

	level, err := cfg.level()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	h := &host{logger: logger}
	mopts := []plugin.Option{plugin.WithLogger(logger)}

	pol, err := hostPolicy(cfg.Disabled, cfg.Policy)
	if err != nil {
		return nil, err
	}
	if pol != nil {
		mopts = append(mopts, plugin.WithPolicy(pol))
	}

	reg, err := openRegistry(cfg.Registry, logger)
	if err != nil {
		return nil, err
	}
	if reg != nil {
		mopts = append(mopts, plugin.WithAnnouncer(reg))
	}

	// Every step above returns without a provider to shut down.
	if opts.trace {
		h.provider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(newLogSpanProcessor(logger)))
		mopts = append(mopts, plugin.WithTracer(h.provider.Tracer("github.com/zero-day-ai/pluginhost/cmd/animalhost")))
	}

	m, err := animal.NewManager(mopts...)
	if err != nil {
		if reg != nil {
			pluginhost.CloseWithLog(reg, logger, "registry client")
		}
		if h.provider != nil {
			err = errors.Join(err, h.provider.Shutdown(ctx))
		}
		return nil, err
	}
	h.manager = m

	if opts.builtin {
		if err := m.RegisterSource(ctx, zoo.Source()); err != nil {
			return nil, errors.Join(err, h.close(ctx))
		}
	}

	if cfg.PluginDir != "" {
		l, err := loader.New(cfg.PluginDir, loader.WithLogger(logger))
		if err != nil {
			return nil, errors.Join(err, h.close(ctx))
		}
		if err := m.RegisterSource(ctx, loader.Source[animal.Animal](l)); err != nil {
			logger.Warn("some plugin libraries were rejected", "plugin_dir", cfg.PluginDir, "error", err)
		}
	}

	return h, nil
}

func (h *host) close(ctx context.Context) error {
	err := h.manager.Close(ctx)
	if h.provider != nil {
		err = errors.Join(err, h.provider.Shutdown(ctx))
	}
	return err
}

// hostPolicy combines the disabled list with an optional CEL expression.
// A disabled entry matches a plugin's canonical name or any name it provides.
// It returns nil when neither is configured.
func hostPolicy(disabled []string, expr string) (plugin.Policy, error) {
	var compiled *policy.Policy
	if expr != "" {
		p, err := policy.Compile(expr)
		if err != nil {
			return nil, err
		}
		compiled = p
	}
	if len(disabled) == 0 && compiled == nil {
		return nil, nil
	}

	return plugin.PolicyFunc(func(ctx context.Context, d plugin.Descriptor) error {
		for _, n := range append([]string{d.Name}, d.Metadata.Provides...) {
			if slices.Contains(disabled, n) {
				return fmt.Errorf("%w: plugin %s is disabled as %s", pluginhost.ErrPolicyDenied, d.Name, n)
			}
		}
		if compiled != nil {
			return compiled.Allow(ctx, d)
		}
		return nil
	}), nil
}

// openRegistry connects to etcd from the config file, falling back to the
// environment. It returns nil when neither names any endpoints.
func openRegistry(cfg *registry.Config, logger *slog.Logger) (*registry.Client, error) {
	if cfg != nil && len(cfg.Endpoints) > 0 {
		return registry.NewClient(*cfg, registry.WithLogger(logger))
	}
	return registry.NewClientFromEnv(registry.WithLogger(logger))
}
