package settings

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"OpenFAM-Supply/internal/supplier"
	"OpenFAM-Supply/internal/supplier/email"
	"OpenFAM-Supply/internal/supplier/ftp"
	"OpenFAM-Supply/internal/supplier/relay"
)

func TestFTPSettingsRoundTrip(t *testing.T) {
	cfg := ftp.Config{
		ID:               "scans",
		Host:             "ftp.example.com",
		Port:             2121,
		User:             "scanner",
		Password:         "secret",
		TLS:              true,
		DialTimeout:      7 * time.Second,
		Root:             "/incoming",
		Recursive:        false,
		Filter:           supplier.FilterConfig{Patterns: "*.tif;*.pdf", Exclude: "tmp/**"},
		PollInterval:     45 * time.Second,
		Connections:      4,
		StagingDir:       "/var/lib/fam/scans",
		KeepStructure:    true,
		PostAction:       ftp.PostRename,
		RenameExtension:  ".done",
		InProgressSuffix: ".part",
	}
	data, err := Encode(ftp.Kind, &cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	kind, v, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if kind != ftp.Kind {
		t.Fatalf("unexpected kind %q", kind)
	}
	got := v.(*ftp.Config)
	if !reflect.DeepEqual(*got, cfg) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", *got, cfg)
	}
}

func TestRelaySettingsRoundTripKeepsDisabledFolders(t *testing.T) {
	cfg := relay.Config{ID: "menu", Listen: "127.0.0.1:7465", IncludeFolders: false, PollInterval: time.Second}
	data, err := Encode(relay.Kind, cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got relay.Config
	if err := DecodeInto(data, relay.Kind, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	recursive := false
	cfg.IncludeFolders, cfg.Recursive = true, &recursive
	data, err = Encode(relay.Kind, cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got = relay.Config{}
	if err := DecodeInto(data, relay.Kind, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Recursive == nil || *got.Recursive {
		t.Fatalf("explicit non-recursive setting lost: %+v", got)
	}
}

func legacyEnvelope(t *testing.T, kind string, version int, body map[string]any) []byte {
	t.Helper()
	raw, err := msgpack.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	data, err := encodeEnvelope(Envelope{Magic: Magic, Kind: kind, Version: version, Body: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}

func TestOlderFTPVersionGetsDefaults(t *testing.T) {
	data := legacyEnvelope(t, ftp.Kind, 1, map[string]any{
		"id":          "legacy",
		"host":        "ftp.example.com",
		"root":        "/in",
		"staging_dir": "/tmp/in",
	})
	kind, v, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cfg := v.(*ftp.Config)
	if kind != ftp.Kind || cfg.ID != "legacy" || cfg.Root != "/in" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Connections != 1 || cfg.PostAction != ftp.PostDelete || !cfg.Recursive {
		t.Fatalf("expected v1 defaults, got %+v", cfg)
	}
}

func TestVersionTwoFTPKeepsPostAction(t *testing.T) {
	data := legacyEnvelope(t, ftp.Kind, 2, map[string]any{
		"id":          "v2",
		"connections": 3,
		"post_action": "none",
	})
	var cfg ftp.Config
	if err := DecodeInto(data, ftp.Kind, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Connections != 3 || cfg.PostAction != ftp.PostNone || !cfg.Recursive {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestOlderRelayVersionIncludesFolders(t *testing.T) {
	data := legacyEnvelope(t, relay.Kind, 1, map[string]any{"id": "menu"})
	var cfg relay.Config
	if err := DecodeInto(data, relay.Kind, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !cfg.IncludeFolders || cfg.Recursive == nil || !*cfg.Recursive {
		t.Fatalf("expected folder expansion for v1 settings: %+v", cfg)
	}
}

func TestOlderEmailVersionGetsSingleWorker(t *testing.T) {
	data := legacyEnvelope(t, email.Kind, 1, map[string]any{"id": "mail", "input_folder": "Scans"})
	_, v, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cfg := v.(*email.Config)
	if cfg.Workers != 1 || cfg.InputFolder != "Scans" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestNewerVersionRejected(t *testing.T) {
	data := legacyEnvelope(t, ftp.Kind, FTPVersion+1, map[string]any{"id": "future"})
	if _, _, err := Decode(data); err == nil {
		t.Fatalf("expected error for newer version")
	}
}

func TestBadMagicAndUnknownKind(t *testing.T) {
	bad, err := encodeEnvelope(Envelope{Magic: "XXXX", Kind: ftp.Kind, Version: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, _, err := Decode(bad); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
	unknown := legacyEnvelope(t, "gopher", 1, map[string]any{})
	if _, _, err := Decode(unknown); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := Encode("gopher", struct{}{}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind on encode, got %v", err)
	}
	if _, _, err := Decode([]byte("not msgpack")); err == nil {
		t.Fatalf("expected error for garbage input")
	}
}

func TestDecodeIntoRejectsKindMismatch(t *testing.T) {
	data, err := Encode(relay.Kind, relay.Config{ID: "menu"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var cfg ftp.Config
	if err := DecodeInto(data, ftp.Kind, &cfg); err == nil {
		t.Fatalf("expected kind mismatch")
	}
}

func TestSaveAndLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mail.fams")
	cfg := email.Config{ID: "mail", Address: "imap.example.com:993", TLS: true, ProcessedFolder: "Done", Workers: 2}
	if err := SaveFile(path, email.Kind, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	kind, v, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if kind != email.Kind || !reflect.DeepEqual(*v.(*email.Config), cfg) {
		t.Fatalf("unexpected load result: %s %+v", kind, v)
	}
}

func TestBuiltinKindsRegistered(t *testing.T) {
	want := []string{email.Kind, ftp.Kind, relay.Kind}
	if got := Kinds(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected kinds: %v", got)
	}
}

func TestNewReturnsEmptyConfigForKind(t *testing.T) {
	v, err := New(relay.Kind)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := v.(*relay.Config); !ok {
		t.Fatalf("unexpected type %T", v)
	}
	if _, err := New("fax"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected unknown kind, got %v", err)
	}
}
