package domain

import "time"

// NodeState is the gateway's view of a provisioned node's reachability.
type NodeState string

const (
	NodeOnline  NodeState = "ONLINE"
	NodeOffline NodeState = "OFFLINE"
	NodeUnknown NodeState = "UNKNOWN"
)

// MeshNode is a device admitted into the network. DeviceKey is hex-encoded;
// the raw key never leaves the transport except through this record.
type MeshNode struct {
	Address         uint16    `json:"address"`
	UUID            string    `json:"uuid"`
	DeviceKey       string    `json:"device_key"`
	Name            string    `json:"name,omitempty"`
	GroupAddress    uint16    `json:"group_address,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	State           NodeState `json:"state"`
	LastSeen        time.Time `json:"last_seen,omitempty"`
	ProvisionedAt   time.Time `json:"provisioned_at"`
}

// ProvisionOutcome is the per-device result of a provisioning workflow.
// Batch operations produce exactly one outcome per input device, in input
// order, regardless of individual failures.
type ProvisionOutcome struct {
	DeviceUUID string        `json:"device_uuid"`
	Success    bool          `json:"success"`
	Node       *MeshNode     `json:"node,omitempty"`
	Duration   time.Duration `json:"duration_ms"`
	Error      string        `json:"error,omitempty"`
	// Warning reports a failed non-critical post-step (e.g. group assignment)
	// on an otherwise successful provision.
	Warning string `json:"warning,omitempty"`
}

// FirmwareOutcome is the per-node result of a firmware update workflow.
type FirmwareOutcome struct {
	NodeAddress uint16        `json:"node_address"`
	Success     bool          `json:"success"`
	FromVersion string        `json:"from_version,omitempty"`
	ToVersion   string        `json:"to_version,omitempty"`
	Skipped     bool          `json:"skipped,omitempty"`
	Duration    time.Duration `json:"duration_ms"`
	Error       string        `json:"error,omitempty"`
}
