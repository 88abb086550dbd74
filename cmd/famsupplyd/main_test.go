package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"OpenFAM-Supply/internal/config"
	"OpenFAM-Supply/internal/supplier"
	"OpenFAM-Supply/pkg/plugin"
)

const checkYAML = `
suppliers:
  instances:
    scans:
      kind: ftp
      enabled: true
      auto_start: true
      config:
        host: ftp.example.com
    menu:
      kind: relay
      enabled: true
      config:
        listen: 127.0.0.1:0
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestCheckConfigListsInstances(t *testing.T) {
	path := writeFile(t, t.TempDir(), "famsupply.yaml", checkYAML)
	var out bytes.Buffer
	if err := checkConfig(&out, path); err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, want := range []string{"scans", "menu", "ftp://ftp.example.com:21", "target=memory queue=memory ledger=memory"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestSettingsEncodeDecodeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "relay.yaml", "id: menu\nlisten: 127.0.0.1:7465\ninclude_folders: false\npoll_interval: 2s\n")
	out := filepath.Join(dir, "relay.fams")

	if err := encodeSettings("relay", in, out); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var buf bytes.Buffer
	if err := decodeSettings(&buf, out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	text := buf.String()
	for _, want := range []string{"# kind: relay", "id: menu", "include_folders: false", "poll_interval: 2s"} {
		if !strings.Contains(text, want) {
			t.Fatalf("decoded settings missing %q:\n%s", want, text)
		}
	}
	if err := encodeSettings("fax", in, out); err == nil {
		t.Fatalf("unknown kind should be rejected")
	}
}

func TestControllerOptionsUseMemoryDrivers(t *testing.T) {
	cfg, err := config.Load(writeFile(t, t.TempDir(), "famsupply.yaml", "log:\n  level: info\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	opts, err := controllerOptions(cfg, nil)("scans", plugin.SupplierConfig{})
	if err != nil {
		t.Fatalf("controller options: %v", err)
	}
	// 告警、队列与账本各一项。
	if len(opts) != 3 {
		t.Fatalf("expected 3 options, got %d", len(opts))
	}
	c := supplier.NewController(nil, opts...)
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestBuildTargetFansOutMultipleDrivers(t *testing.T) {
	cfg := &config.Config{Target: config.TargetConfig{Drivers: []string{config.DriverMemory, config.DriverMemory}}}
	tgt, closeFn, err := buildTarget(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build target: %v", err)
	}
	defer closeFn()
	info := supplier.Info{ID: "scans", SessionID: "s-1"}
	rec, err := tgt.NotifyFileAdded(context.Background(), "/tmp/a.pdf", info)
	if err != nil || rec.Path != "/tmp/a.pdf" {
		t.Fatalf("unexpected record %+v: %v", rec, err)
	}
}
