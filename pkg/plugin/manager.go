package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	xerrors "OpenFAM-Supply/internal/errors"
	"OpenFAM-Supply/internal/supplier"
	"OpenFAM-Supply/pkg/logger"
)

// Manager keeps track of supplier kinds and configured instances and
// orchestrates their lifecycle.
type Manager struct {
	mu             sync.RWMutex
	kinds          map[string]*kind
	registry       map[string]*instance
	target         supplier.Target
	loader         Loader
	isolation      IsolationStrategy
	resources      map[string]any
	defaults       IsolationPolicy
	extra          []Factory
	controllerOpts ControllerOptionsFunc
	logger         *slog.Logger
}

type kind struct {
	factory Factory
	info    Info
	source  string
}

type instance struct {
	id         string
	info       Info
	policy     IsolationPolicy
	staging    string
	autoStart  bool
	controller *supplier.Controller

	mu       sync.Mutex
	prepared bool
}

// NewManager constructs a manager, registers the builtin kinds plus any
// configured shared objects, then builds every enabled instance.
func NewManager(cfg ManagerConfig, target supplier.Target, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if target == nil {
		return nil, errors.New("target cannot be nil")
	}
	m := &Manager{
		kinds:     make(map[string]*kind),
		registry:  make(map[string]*instance),
		target:    target,
		loader:    GoPluginLoader{},
		resources: make(map[string]any),
		defaults:  cfg.Defaults,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = logger.Named("registry")
	}
	if m.isolation == nil {
		m.isolation = StagingIsolation{Logger: m.logger}
	}
	for _, f := range append(Builtin(), m.extra...) {
		if err := m.registerKind(f, "builtin"); err != nil {
			return nil, err
		}
	}
	if err := m.loadPlugins(cfg); err != nil {
		return nil, err
	}
	if err := m.loadInstances(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterKind adds a supplier kind. Registering an existing kind fails.
func (m *Manager) RegisterKind(f Factory) error {
	return m.registerKind(f, "manual")
}

func (m *Manager) registerKind(f Factory, source string) error {
	if f == nil {
		return errNilFactory
	}
	info := f.Info()
	if info.Kind == "" {
		return errors.New("factory kind cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.kinds[info.Kind]; exists {
		return fmt.Errorf("supplier kind %s already registered", info.Kind)
	}
	m.kinds[info.Kind] = &kind{factory: f, info: info, source: source}
	return nil
}

// Kinds lists the registered supplier kinds.
func (m *Manager) Kinds() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.kinds))
	for _, k := range m.kinds {
		out = append(out, k.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Add builds a supplier instance and its controller.
func (m *Manager) Add(id string, cfg SupplierConfig) error {
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "supplier id cannot be empty")
	}
	m.mu.RLock()
	k, ok := m.kinds[cfg.Kind]
	_, exists := m.registry[id]
	m.mu.RUnlock()
	if !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown supplier kind %q for %s", cfg.Kind, id))
	}
	if exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("supplier %s already registered", id))
	}

	policy := MergePolicies(m.defaults, cfg.Policy)
	if k.source == "plugin" {
		if err := EnsurePolicy(k.info, policy); err != nil {
			return fmt.Errorf("supplier %s: %w", id, err)
		}
	}
	if err := m.isolation.Validate(k.info, policy); err != nil {
		return fmt.Errorf("supplier %s: %w", id, err)
	}

	log := m.logger.With(slog.String("supplier_id", id), slog.String("kind", cfg.Kind))
	s, err := k.factory.New(&BuildContext{
		ID:        id,
		Config:    cloneConfig(cfg.Config),
		Resources: m.resources,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("build supplier %s: %w", id, err)
	}
	if got := s.Info().ID; got != "" && got != id {
		return fmt.Errorf("supplier id mismatch: %s != %s", got, id)
	}

	copts := []supplier.Option{
		supplier.WithLogger(m.logger),
		supplier.WithDrainOnStop(cfg.DrainOnStop),
		supplier.WithStopTimeout(cfg.StopTimeout),
	}
	// Zero keeps the controller default.
	if cfg.MaxRetries > 0 {
		copts = append(copts, supplier.WithMaxRetries(cfg.MaxRetries))
	}
	if m.controllerOpts != nil {
		extra, err := m.controllerOpts(id, cfg)
		if err != nil {
			return fmt.Errorf("prepare controller for %s: %w", id, err)
		}
		copts = append(copts, extra...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[id]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("supplier %s already registered", id))
	}
	m.registry[id] = &instance{
		id:         id,
		info:       k.info,
		policy:     policy,
		staging:    stagingDir(cfg.Config),
		autoStart:  cfg.AutoStart,
		controller: supplier.NewController(s, copts...),
	}
	return nil
}

func (i *instance) workspace() Workspace {
	return Workspace{ID: i.id, Info: i.info, StagingDir: i.staging}
}

func stagingDir(cfg map[string]any) string {
	dir, _ := cfg["staging_dir"].(string)
	return dir
}

// Start starts a supplier session by id.
func (m *Manager) Start(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if !inst.prepared {
		if err := m.isolation.Prepare(inst.workspace()); err != nil {
			return fmt.Errorf("prepare isolation for %s: %w", id, err)
		}
		inst.prepared = true
	}
	return inst.controller.Start(ctx, m.target)
}

// Stop ends the running session of a supplier, if any.
func (m *Manager) Stop(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if err := inst.controller.Stop(ctx); err != nil {
		return err
	}
	if inst.prepared {
		if err := m.isolation.Cleanup(inst.workspace()); err != nil {
			return fmt.Errorf("cleanup isolation for %s: %w", id, err)
		}
		inst.prepared = false
	}
	return nil
}

// Pause suspends a running supplier.
func (m *Manager) Pause(id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	return inst.controller.Pause()
}

// Resume continues a paused supplier.
func (m *Manager) Resume(id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	return inst.controller.Resume()
}

// StartAll starts every instance marked auto_start. A failing instance does
// not prevent the others from starting.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, id := range m.ids() {
		inst, err := m.get(id)
		if err != nil || !inst.autoStart {
			continue
		}
		if err := m.Start(ctx, id); err != nil {
			m.logger.Error("supplier failed to start", slog.String("supplier_id", id), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("start %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// StopAll stops all active suppliers concurrently so the total shutdown time
// is bounded by the slowest stop timeout.
func (m *Manager) StopAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, id := range m.ids() {
		g.Go(func() error {
			if err := m.Stop(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close stops all suppliers and releases their queues and ledgers.
func (m *Manager) Close(ctx context.Context) error {
	err := m.StopAll(ctx)
	errs := []error{err}
	for _, id := range m.ids() {
		inst, getErr := m.get(id)
		if getErr != nil {
			continue
		}
		errs = append(errs, inst.controller.Close(ctx))
	}
	return errors.Join(errs...)
}

// Get returns the controller of a supplier instance.
func (m *Manager) Get(id string) (*supplier.Controller, error) {
	inst, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return inst.controller, nil
}

// Status returns the status of one instance.
func (m *Manager) Status(ctx context.Context, id string) (Status, error) {
	inst, err := m.get(id)
	if err != nil {
		return Status{}, err
	}
	return inst.status(ctx), nil
}

// List returns the status of every instance ordered by id.
func (m *Manager) List(ctx context.Context) []Status {
	ids := m.ids()
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		if inst, err := m.get(id); err == nil {
			out = append(out, inst.status(ctx))
		}
	}
	return out
}

func (inst *instance) status(ctx context.Context) Status {
	info := inst.controller.Info()
	return Status{
		ID:          inst.id,
		Kind:        info.Kind,
		Description: info.Description,
		Stats:       inst.controller.Stats(ctx),
	}
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (m *Manager) get(id string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("supplier %s not registered", id))
	}
	return inst, nil
}

func (m *Manager) loadPlugins(cfg ManagerConfig) error {
	kinds := make([]string, 0, len(cfg.Plugins))
	for k := range cfg.Plugins {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		path := cfg.Plugins[k]
		if !filepath.IsAbs(path) && cfg.PluginDir != "" {
			path = filepath.Join(cfg.PluginDir, path)
		}
		f, err := m.loader.Load(path)
		if err != nil {
			return fmt.Errorf("load plugin %s from %s: %w", k, path, err)
		}
		if got := f.Info().Kind; got != k {
			return fmt.Errorf("plugin kind mismatch: %s != %s", got, k)
		}
		if err := m.registerKind(f, "plugin"); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) loadInstances(cfg ManagerConfig) error {
	ids := make([]string, 0, len(cfg.Instances))
	for id := range cfg.Instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		inst := cfg.Instances[id]
		if !inst.Enabled {
			continue
		}
		if err := m.Add(id, inst); err != nil {
			return err
		}
	}
	return nil
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
