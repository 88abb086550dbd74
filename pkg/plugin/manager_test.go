package plugin

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "OpenFAM-Supply/internal/errors"
	"OpenFAM-Supply/internal/supplier"
	"OpenFAM-Supply/internal/supplier/ftp"
	"OpenFAM-Supply/internal/target"
)

type staticSource struct{ paths []string }

func (s staticSource) Poll(ctx context.Context, emit supplier.EmitFunc) error {
	for _, p := range s.paths {
		if err := emit(ctx, supplier.File{Path: p}); err != nil {
			return err
		}
	}
	return nil
}

func (staticSource) Close() error { return nil }

type stubSupplier struct {
	id    string
	paths []string
}

func (s stubSupplier) Info() supplier.Info {
	return supplier.Info{ID: s.id, Kind: "stub"}
}

func (s stubSupplier) Open(context.Context) (*supplier.Pipeline, error) {
	return &supplier.Pipeline{Source: staticSource{paths: s.paths}, PollInterval: 10 * time.Millisecond}, nil
}

type stubFactory struct {
	caps  []Capability
	built atomic.Int32
}

func (f *stubFactory) Info() Info {
	return Info{Kind: "stub", Capabilities: f.caps}
}

func (f *stubFactory) New(ctx *BuildContext) (supplier.Supplier, error) {
	var cfg struct {
		Paths []string `yaml:"paths"`
	}
	if err := ctx.Decode(&cfg); err != nil {
		return nil, err
	}
	f.built.Add(1)
	return stubSupplier{id: ctx.ID, paths: cfg.Paths}, nil
}

type fakeLoader struct{ factory Factory }

func (l fakeLoader) Load(path string) (Factory, error) {
	if path == "" {
		return nil, errors.New("empty path")
	}
	return l.factory, nil
}

const registryYAML = `
instances:
  scans:
    kind: stub
    enabled: true
    auto_start: true
    stop_timeout: 2s
    config:
      paths: ["/a", "/b"]
  manual:
    kind: stub
    enabled: true
    config:
      paths: ["/c"]
  old:
    kind: stub
    enabled: false
  menu:
    kind: relay
    enabled: true
    config:
      listen: 127.0.0.1:0
      include_folders: true
`

func parseConfig(t *testing.T, raw string) ManagerConfig {
	t.Helper()
	var cfg ManagerConfig
	if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func TestManagerBuildsEnabledInstances(t *testing.T) {
	factory := &stubFactory{}
	m, err := NewManager(parseConfig(t, registryYAML), target.NewMemoryTarget(), WithFactory(factory))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	list := m.List(context.Background())
	if len(list) != 3 {
		t.Fatalf("expected 3 instances, got %+v", list)
	}
	if list[0].ID != "manual" || list[1].ID != "menu" || list[2].ID != "scans" {
		t.Fatalf("unexpected order: %+v", list)
	}
	if list[1].Kind != "relay" || list[1].Stats.State != supplier.StateIdle {
		t.Fatalf("unexpected relay status: %+v", list[1])
	}
	if factory.built.Load() != 2 {
		t.Fatalf("expected 2 stub builds, got %d", factory.built.Load())
	}
	var kinds []string
	for _, info := range m.Kinds() {
		kinds = append(kinds, info.Kind)
	}
	if strings.Join(kinds, ",") != "email,ftp,relay,stub" {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
}

func TestStartAllStartsAutoStartInstances(t *testing.T) {
	tgt := target.NewMemoryTarget()
	m, err := NewManager(parseConfig(t, registryYAML), tgt, WithFactory(&stubFactory{}))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := context.Background()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("start all: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(tgt.Records()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(tgt.Records()); got != 2 {
		t.Fatalf("expected 2 delivered files, got %d", got)
	}
	manual, err := m.Get("manual")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if manual.State() != supplier.StateIdle {
		t.Fatalf("manual instance should not auto start")
	}

	if err := m.Pause("scans"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	status, err := m.Status(ctx, "scans")
	if err != nil || status.Stats.State != supplier.StatePaused {
		t.Fatalf("expected paused status, got %+v (%v)", status, err)
	}
	if err := m.Resume("scans"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	sessionID := status.Stats.SessionID
	if err := m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if out, ok := tgt.Outcome(sessionID); !ok || out.Status != target.StatusDone {
		t.Fatalf("expected done outcome, got %+v", out)
	}
}

func TestUnknownIDReturnsNotFound(t *testing.T) {
	m, err := NewManager(ManagerConfig{}, target.NewMemoryTarget())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.Start(context.Background(), "missing"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := m.Add("x", SupplierConfig{Kind: "gopher"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestDeniedCapabilityRejectsInstance(t *testing.T) {
	cfg := ManagerConfig{
		Defaults: IsolationPolicy{DeniedCapabilities: []Capability{CapabilityNetwork}},
		Instances: map[string]SupplierConfig{
			"remote": {Kind: ftp.Kind, Enabled: true, Config: map[string]any{"host": "ftp.example.com", "staging_dir": t.TempDir()}},
		},
	}
	if _, err := NewManager(cfg, target.NewMemoryTarget()); err == nil || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("expected denied capability error, got %v", err)
	}
}

func TestLoadedPluginRequiresPolicy(t *testing.T) {
	factory := &stubFactory{caps: []Capability{CapabilityFilesystem}}
	cfg := ManagerConfig{
		PluginDir: "/opt/fam/plugins",
		Plugins:   map[string]string{"stub": "stub.so"},
		Instances: map[string]SupplierConfig{"local": {Kind: "stub", Enabled: true}},
	}
	if _, err := NewManager(cfg, target.NewMemoryTarget(), WithLoader(fakeLoader{factory: factory})); err == nil {
		t.Fatalf("expected policy error for plugin without isolation policy")
	}

	cfg.Instances["local"] = SupplierConfig{
		Kind:    "stub",
		Enabled: true,
		Policy:  &IsolationPolicy{AllowedCapabilities: []Capability{CapabilityFilesystem}},
	}
	m, err := NewManager(cfg, target.NewMemoryTarget(), WithLoader(fakeLoader{factory: factory}))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := m.Get("local"); err != nil {
		t.Fatalf("get: %v", err)
	}
}

func TestPluginKindMismatchRejected(t *testing.T) {
	cfg := ManagerConfig{Plugins: map[string]string{"other": "/x.so"}}
	if _, err := NewManager(cfg, target.NewMemoryTarget(), WithLoader(fakeLoader{factory: &stubFactory{}})); err == nil {
		t.Fatalf("expected kind mismatch")
	}
}

func TestBuildContextDecodesDurations(t *testing.T) {
	ctx := &BuildContext{ID: "scans", Config: map[string]any{
		"host":          "ftp.example.com",
		"poll_interval": "45s",
		"connections":   3,
		"filter":        map[string]any{"patterns": "*.pdf"},
	}}
	var cfg ftp.Config
	if err := ctx.Decode(&cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.PollInterval != 45*time.Second || cfg.Connections != 3 || cfg.Filter.Patterns != "*.pdf" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestValidateRejectsIncompleteInstances(t *testing.T) {
	cfg := ManagerConfig{Instances: map[string]SupplierConfig{"x": {Enabled: true}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing kind error")
	}
	cfg = ManagerConfig{Plugins: map[string]string{"k": ""}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing path error")
	}
}

func TestMergePolicies(t *testing.T) {
	defaults := IsolationPolicy{DeniedCapabilities: []Capability{CapabilityListener}}
	merged := MergePolicies(defaults, &IsolationPolicy{AllowedCapabilities: []Capability{CapabilityNetwork}})
	if len(merged.AllowedCapabilities) != 1 || len(merged.DeniedCapabilities) != 1 {
		t.Fatalf("unexpected merged policy: %+v", merged)
	}
	if err := (StagingIsolation{}).Validate(RelayFactory{}.Info(), merged); err == nil {
		t.Fatalf("relay should be rejected by listener deny")
	}
	if err := (StagingIsolation{}).Validate(Info{Capabilities: []Capability{CapabilityFilesystem}}, merged); err == nil {
		t.Fatalf("filesystem should not be in the allow list")
	}
}
