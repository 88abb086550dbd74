package plugin

import "OpenFAM-Supply/internal/supplier"

// Capability expresses host resources a supplier kind needs access to.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	// CapabilityListener marks kinds that accept inbound connections.
	CapabilityListener Capability = "listener"
)

// Info contains descriptive metadata for a supplier kind.
type Info struct {
	Kind         string
	Name         string
	Description  string
	Version      string
	Capabilities []Capability
}

// Status is a point-in-time view of one configured supplier instance.
type Status struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Description string         `json:"description,omitempty"`
	Stats       supplier.Stats `json:"stats"`
}
