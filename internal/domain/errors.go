package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind groups mesh errors into stable categories that survive
// wrapping. Callers branch on kinds, never on message text.
type ErrorKind string

const (
	KindConnectivity ErrorKind = "connectivity"
	KindProvisioning ErrorKind = "provisioning"
	KindNetwork      ErrorKind = "network"
	KindCommand      ErrorKind = "command"
	KindQueue        ErrorKind = "queue"
	KindFirmware     ErrorKind = "firmware"
)

// MeshError is implemented by every typed error in this package.
type MeshError interface {
	error
	Kind() ErrorKind
	// Retryable reports whether repeating the operation can plausibly
	// succeed without operator intervention.
	Retryable() bool
}

// ErrKind extracts the kind from err or any error it wraps.
// Returns "" for errors outside the mesh taxonomy.
func ErrKind(err error) ErrorKind {
	var me MeshError
	if errors.As(err, &me) {
		return me.Kind()
	}
	return ""
}

// IsRetryable reports whether err (or a wrapped cause) is marked retryable.
// Unclassified errors default to retryable, matching the transport's
// behaviour of surfacing transient radio failures as plain errors.
func IsRetryable(err error) bool {
	var me MeshError
	if errors.As(err, &me) {
		return me.Retryable()
	}
	return err != nil
}

// QueueFullError is returned when the scheduler's pending queue is at
// capacity and every concurrency slot is busy.
type QueueFullError struct {
	Size int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("command queue full: %d tasks pending", e.Size)
}
func (e *QueueFullError) Kind() ErrorKind { return KindQueue }
func (e *QueueFullError) Retryable() bool { return true }

// CommandCancelledError is returned when a command's context is cancelled
// before or during dispatch, or when the queue is cleared.
type CommandCancelledError struct {
	Reason string
}

func (e *CommandCancelledError) Error() string {
	if e.Reason == "" {
		return "command cancelled"
	}
	return "command cancelled: " + e.Reason
}
func (e *CommandCancelledError) Kind() ErrorKind { return KindQueue }
func (e *CommandCancelledError) Retryable() bool { return false }

// CommandTimeoutError is returned when a dispatched command does not settle
// within its timeout. The transport side effect may still complete after the
// fact; the scheduler only stops waiting for it.
type CommandTimeoutError struct {
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %dms", e.Timeout.Milliseconds())
}
func (e *CommandTimeoutError) Kind() ErrorKind { return KindCommand }
func (e *CommandTimeoutError) Retryable() bool { return true }

// BluetoothDisabledError indicates the platform radio is off.
type BluetoothDisabledError struct{}

func (e *BluetoothDisabledError) Error() string { return "bluetooth is disabled" }
func (e *BluetoothDisabledError) Kind() ErrorKind { return KindConnectivity }
func (e *BluetoothDisabledError) Retryable() bool { return true }

// PermissionDeniedError indicates the user refused the Bluetooth permission
// request. Retrying without user action cannot succeed.
type PermissionDeniedError struct{}

func (e *PermissionDeniedError) Error() string { return "bluetooth permission denied" }
func (e *PermissionDeniedError) Kind() ErrorKind { return KindConnectivity }
func (e *PermissionDeniedError) Retryable() bool { return false }

// NetworkNotInitializedError indicates no saved mesh network state exists to
// restore from.
type NetworkNotInitializedError struct{}

func (e *NetworkNotInitializedError) Error() string {
	return "mesh network not initialized: no saved state"
}
func (e *NetworkNotInitializedError) Kind() ErrorKind { return KindNetwork }
func (e *NetworkNotInitializedError) Retryable() bool { return false }

// ProvisioningFailedError is raised when the transport reports a failed
// provisioning handshake.
type ProvisioningFailedError struct {
	DeviceUUID string
	Reason     string
	Err        error
}

func (e *ProvisioningFailedError) Error() string {
	msg := fmt.Sprintf("provisioning failed for device %s", e.DeviceUUID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}
func (e *ProvisioningFailedError) Kind() ErrorKind { return KindProvisioning }
func (e *ProvisioningFailedError) Retryable() bool { return true }
func (e *ProvisioningFailedError) Unwrap() error   { return e.Err }

// InvalidAddressError is returned for addresses outside the assignable or
// targetable ranges.
type InvalidAddressError struct {
	Address uint32
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid mesh address 0x%04X", e.Address)
}
func (e *InvalidAddressError) Kind() ErrorKind { return KindCommand }
func (e *InvalidAddressError) Retryable() bool { return false }

// UnknownCommandTypeError is returned when no builder is registered for a
// command type.
type UnknownCommandTypeError struct {
	CommandType string
}

func (e *UnknownCommandTypeError) Error() string {
	return fmt.Sprintf("no builder registered for command type %q", e.CommandType)
}
func (e *UnknownCommandTypeError) Kind() ErrorKind { return KindCommand }
func (e *UnknownCommandTypeError) Retryable() bool { return false }

// NodeNotFoundError is returned when a node address has no registry entry.
type NodeNotFoundError struct {
	Address uint16
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("node not found: 0x%04X", e.Address)
}
func (e *NodeNotFoundError) Kind() ErrorKind { return KindNetwork }
func (e *NodeNotFoundError) Retryable() bool { return false }

// FirmwareUpdateError reports a failed, rejected or timed-out firmware
// distribution to one node. Stage names the phase that failed.
type FirmwareUpdateError struct {
	NodeAddress uint16
	Stage       string
	Reason      string
	Err         error
}

func (e *FirmwareUpdateError) Error() string {
	msg := fmt.Sprintf("firmware update failed for node 0x%04X during %s", e.NodeAddress, e.Stage)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}
func (e *FirmwareUpdateError) Kind() ErrorKind { return KindFirmware }
func (e *FirmwareUpdateError) Retryable() bool { return true }
func (e *FirmwareUpdateError) Unwrap() error   { return e.Err }

// RetryExhaustedError wraps the last failure after a retry budget is spent.
// Kind and retryability are delegated to the underlying cause so callers
// still see what actually went wrong.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Kind() ErrorKind {
	if k := ErrKind(e.Err); k != "" {
		return k
	}
	return KindCommand
}
func (e *RetryExhaustedError) Retryable() bool { return false }
func (e *RetryExhaustedError) Unwrap() error   { return e.Err }
