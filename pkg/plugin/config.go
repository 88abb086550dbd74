package plugin

import (
	"errors"
	"fmt"
	"time"
)

// ManagerConfig is the suppliers block of the daemon configuration.
type ManagerConfig struct {
	// PluginDir is the base directory for relative shared object paths.
	PluginDir string `yaml:"plugin_dir" json:"plugin_dir"`
	// Plugins maps an additional kind to the shared object providing it.
	Plugins   map[string]string         `yaml:"plugins" json:"plugins"`
	Defaults  IsolationPolicy           `yaml:"defaults" json:"defaults"`
	Instances map[string]SupplierConfig `yaml:"instances" json:"instances"`
}

// SupplierConfig is the configuration block for a single supplier instance.
type SupplierConfig struct {
	Kind        string           `yaml:"kind" json:"kind"`
	Enabled     bool             `yaml:"enabled" json:"enabled"`
	AutoStart   bool             `yaml:"auto_start" json:"auto_start"`
	DrainOnStop bool             `yaml:"drain_on_stop" json:"drain_on_stop"`
	StopTimeout time.Duration    `yaml:"stop_timeout" json:"stop_timeout"`
	MaxRetries  int              `yaml:"max_retries" json:"max_retries"`
	Config      map[string]any   `yaml:"config" json:"config"`
	Policy      *IsolationPolicy `yaml:"policy" json:"policy"`
}

// IsolationPolicy governs which capabilities an instance may use.
type IsolationPolicy struct {
	AllowedCapabilities []Capability `yaml:"allowed_capabilities" json:"allowed_capabilities"`
	DeniedCapabilities  []Capability `yaml:"denied_capabilities" json:"denied_capabilities"`
}

// Merge returns a new policy using values from other when not present.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

// Validate ensures the manager configuration is internally consistent.
func (c ManagerConfig) Validate() error {
	for kind, path := range c.Plugins {
		if kind == "" {
			return errors.New("plugin kind cannot be empty")
		}
		if path == "" {
			return fmt.Errorf("plugin %s path cannot be empty", kind)
		}
	}
	for id, inst := range c.Instances {
		if id == "" {
			return errors.New("supplier id cannot be empty")
		}
		if !inst.Enabled {
			continue
		}
		if inst.Kind == "" {
			return fmt.Errorf("supplier %s kind cannot be empty when enabled", id)
		}
		if inst.MaxRetries < 0 || inst.StopTimeout < 0 {
			return fmt.Errorf("supplier %s retry and timeout settings cannot be negative", id)
		}
	}
	return nil
}
