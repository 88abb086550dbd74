package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "app.log")
	if err := Init(Config{Level: "debug", OutputPaths: []string{path}}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	Named("ftp").Info("hello", "file", "a.tif")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(string(raw))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", line, err)
	}
	if entry["component"] != "ftp" || entry["file"] != "a.tif" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
	if L() == nil || Audit() == nil {
		t.Fatalf("loggers must stay usable after failed init")
	}
}

func TestAuditWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	if err := Init(Config{Format: "text", OutputPaths: []string{"stderr"}, Audit: AuditConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	Audit().Info("file_delivered", "path", "/tmp/x.pdf")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(raw), "file_delivered") {
		t.Fatalf("audit entry missing: %s", raw)
	}
}
