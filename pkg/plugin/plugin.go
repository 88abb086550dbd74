package plugin

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mitchellh/mapstructure"

	"OpenFAM-Supply/internal/supplier"
)

// Factory builds supplier instances of one kind. Shared objects loaded at
// runtime export a symbol named Factory implementing this interface.
type Factory interface {
	// Info returns the static metadata for the kind.
	Info() Info
	// New validates the instance configuration and returns a supplier.
	New(ctx *BuildContext) (supplier.Supplier, error)
}

// BuildContext is passed to a factory for every instance it creates.
type BuildContext struct {
	// ID is the instance identifier from the suppliers block.
	ID string
	// Config is the raw, kind specific configuration block.
	Config map[string]any
	// Resources exposes shared services supplied by the host application.
	Resources map[string]any
	Logger    *slog.Logger
}

// Decode converts the raw configuration block into a typed struct. Field
// names follow the yaml tags and durations may be written as "30s".
func (c *BuildContext) Decode(out any) error {
	if c == nil || len(c.Config) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("prepare decoder for %s: %w", c.ID, err)
	}
	if err := dec.Decode(c.Config); err != nil {
		return fmt.Errorf("decode config for %s: %w", c.ID, err)
	}
	return nil
}

// Resource returns a shared resource by key.
func (c *BuildContext) Resource(key string) (any, bool) {
	if c == nil || c.Resources == nil {
		return nil, false
	}
	v, ok := c.Resources[key]
	return v, ok
}

// Option modifies the behaviour of a manager instance.
type Option func(*Manager)

// WithLoader overrides the default shared object loader.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithIsolationStrategy sets a custom isolation policy enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithResource registers a shared resource exposed to all factories.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key == "" || value == nil {
			return
		}
		if m.resources == nil {
			m.resources = make(map[string]any)
		}
		m.resources[key] = value
	}
}

// WithFactory registers an additional supplier kind.
func WithFactory(f Factory) Option {
	return func(m *Manager) {
		if f != nil {
			m.extra = append(m.extra, f)
		}
	}
}

// ControllerOptionsFunc returns per-instance controller options such as a
// durable queue or ledger.
type ControllerOptionsFunc func(id string, cfg SupplierConfig) ([]supplier.Option, error)

// WithControllerOptions installs the hook used when building controllers.
func WithControllerOptions(fn ControllerOptionsFunc) Option {
	return func(m *Manager) {
		if fn != nil {
			m.controllerOpts = fn
		}
	}
}

// WithLogger sets the logger passed to factories and controllers.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

var errNilFactory = errors.New("factory cannot be nil")
