package transport

import (
	"context"
	"time"
)

// Device is an unprovisioned device visible to the bridge radio.
type Device struct {
	UUID       string `json:"uuid"`
	MACAddress string `json:"mac_address,omitempty"`
	RSSI       int    `json:"rssi,omitempty"`
}

// Response is the application-layer reply to a dispatched command. Commands
// sent to group addresses settle without a response.
type Response struct {
	Source  uint16 `json:"source"`
	Opcode  uint32 `json:"opcode"`
	Payload []byte `json:"payload,omitempty"`
}

// ProvisionConfig carries the parameters of one provisioning handshake.
type ProvisionConfig struct {
	Address           uint16 `json:"address"`
	NetKeyIndex       uint16 `json:"net_key_index"`
	Flags             uint8  `json:"flags"`
	IVIndex           uint32 `json:"iv_index"`
	AttentionDuration uint8  `json:"attention_duration"`
}

// ProvisionResult is the raw outcome reported by the bridge. Success=false
// carries the bridge's failure reason in Err.
type ProvisionResult struct {
	Success   bool   `json:"success"`
	Address   uint16 `json:"address"`
	DeviceKey []byte `json:"device_key,omitempty"`
	UUID      string `json:"uuid"`
	Err       string `json:"error,omitempty"`
}

// FirmwareConfig describes a firmware distribution to one node.
type FirmwareConfig struct {
	NodeAddress   uint16 `json:"node_address"`
	ImageURI      string `json:"image_uri"`
	TargetVersion string `json:"target_version"`
}

// Transport is the boundary to the external mesh bridge. Everything below
// this interface — GATT, the provisioning handshake, PDU encryption,
// segmentation — belongs to the bridge and is opaque to the gateway.
//
// Implementations must be safe for concurrent use. Blocking calls honour ctx
// cancellation for the wait only; the bridge-side effect of an already-sent
// request may still complete after the caller gives up.
type Transport interface {
	// SendCommand fires one mesh command at target. transition is the model
	// transition time; zero means immediate.
	SendCommand(ctx context.Context, target uint16, payload []byte, transition time.Duration) (*Response, error)

	StartProvisioning(ctx context.Context, device Device, cfg ProvisionConfig) (*ProvisionResult, error)
	// CancelProvisioning aborts any in-flight handshake so the bridge does
	// not believe an operation is still pending.
	CancelProvisioning(ctx context.Context) error

	// RemoteScan asks the relay node at via to report unprovisioned devices
	// in its radio range.
	RemoteScan(ctx context.Context, via uint16, timeout time.Duration) ([]Device, error)
	StartRemoteProvisioning(ctx context.Context, via uint16, device Device, cfg ProvisionConfig) (*ProvisionResult, error)

	StartFirmwareUpdate(ctx context.Context, cfg FirmwareConfig) error
	CancelFirmwareUpdate(ctx context.Context, node uint16) error
	FirmwareVersion(ctx context.Context, node uint16) (string, error)
	VerifyFirmware(ctx context.Context, node uint16, version string) (bool, error)

	BluetoothEnabled(ctx context.Context) (bool, error)
	RequestBluetoothPermission(ctx context.Context) (bool, error)
	LoadNetwork(ctx context.Context, state []byte) error

	// Subscribe registers for bridge events of the given kinds, optionally
	// filtered by correlation id (device UUID or node correlation). The
	// returned subscription must be closed exactly once.
	Subscribe(correlation string, kinds ...EventKind) *Subscription

	Close() error
}
