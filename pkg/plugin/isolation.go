package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// PartialSuffix marks downloads that have not been handed to the target yet.
const PartialSuffix = ".partial"

// Workspace is the slice of the host a supplier instance is confined to.
type Workspace struct {
	ID         string
	Info       Info
	StagingDir string
}

// IsolationStrategy checks capabilities when an instance is added and
// manages its workspace around each session.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	Prepare(ws Workspace) error
	Cleanup(ws Workspace) error
}

// StagingIsolation enforces the capability policy and keeps the staging
// directory of each instance free of abandoned partial downloads.
type StagingIsolation struct {
	Logger *slog.Logger
}

// Validate rejects kinds that request a denied capability or one outside
// a non-empty allow list.
func (StagingIsolation) Validate(info Info, policy IsolationPolicy) error {
	for _, c := range info.Capabilities {
		if slices.Contains(policy.DeniedCapabilities, c) {
			return fmt.Errorf("capability %s is explicitly denied for kind %s", c, info.Kind)
		}
		if len(policy.AllowedCapabilities) > 0 && !slices.Contains(policy.AllowedCapabilities, c) {
			return fmt.Errorf("capability %s not permitted for kind %s", c, info.Kind)
		}
	}
	return nil
}

// Prepare creates the staging directory and removes partial files left
// behind by a session that never reached Stop.
func (s StagingIsolation) Prepare(ws Workspace) error {
	if ws.StagingDir == "" {
		return nil
	}
	if err := os.MkdirAll(ws.StagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	return s.sweep(ws)
}

// Cleanup removes partial files once the session has stopped.
func (s StagingIsolation) Cleanup(ws Workspace) error {
	if ws.StagingDir == "" {
		return nil
	}
	return s.sweep(ws)
}

func (s StagingIsolation) sweep(ws Workspace) error {
	var removed int
	err := filepath.WalkDir(ws.StagingDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), PartialSuffix) {
			return nil
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed++
		return nil
	})
	if removed > 0 && s.Logger != nil {
		s.Logger.Info("removed abandoned partial downloads",
			slog.String("supplier_id", ws.ID),
			slog.String("staging_dir", ws.StagingDir),
			slog.Int("count", removed))
	}
	if err != nil {
		return fmt.Errorf("sweep staging dir: %w", err)
	}
	return nil
}

// MergePolicies combines the default and instance specific isolation policies.
func MergePolicies(defaults IsolationPolicy, instance *IsolationPolicy) IsolationPolicy {
	if instance == nil {
		return defaults
	}
	return instance.Merge(defaults)
}

// EnsurePolicy rejects externally loaded kinds that request capabilities
// without an explicit allow or deny list.
func EnsurePolicy(info Info, policy IsolationPolicy) error {
	if len(info.Capabilities) == 0 {
		return nil
	}
	if len(policy.AllowedCapabilities) == 0 && len(policy.DeniedCapabilities) == 0 {
		return fmt.Errorf("kind %s declares capabilities %v but no isolation policy is configured", info.Kind, info.Capabilities)
	}
	return nil
}
