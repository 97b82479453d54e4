package provisioning_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
	"github.com/thanhtunguet/go-mesh-flow/internal/provisioning"
	"github.com/thanhtunguet/go-mesh-flow/internal/transport"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

// fakeBridge scripts provisioning results per device UUID and records the
// addresses handed to it.
type fakeBridge struct {
	mu        sync.Mutex
	addresses []uint16
	cancels   int
	calls     int
	failUUIDs map[string]string // uuid -> bridge-side failure reason
	errUUIDs  map[string]error  // uuid -> transport error
	failFirst int               // fail this many calls with errFlaky, then succeed
	onStart   func(device transport.Device)
}

var errFlaky = errors.New("handshake interrupted")

func (f *fakeBridge) StartProvisioning(_ context.Context, device transport.Device, cfg transport.ProvisionConfig) (*transport.ProvisionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.addresses = append(f.addresses, cfg.Address)
	if f.onStart != nil {
		f.onStart(device)
	}
	if f.failFirst > 0 {
		f.failFirst--
		return nil, errFlaky
	}
	if err, ok := f.errUUIDs[device.UUID]; ok {
		return nil, err
	}
	if reason, ok := f.failUUIDs[device.UUID]; ok {
		return &transport.ProvisionResult{Success: false, UUID: device.UUID, Err: reason}, nil
	}
	return &transport.ProvisionResult{
		Success:   true,
		Address:   cfg.Address,
		DeviceKey: []byte{0xDE, 0xAD, 0xBE, 0xEF},
		UUID:      device.UUID,
	}, nil
}

func (f *fakeBridge) CancelProvisioning(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

// fakeDispatcher records dispatched configuration commands.
type fakeDispatcher struct {
	mu       sync.Mutex
	targets  []uint16
	payloads [][]byte
	err      error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, target uint16, payload []byte) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.targets = append(f.targets, target)
	f.payloads = append(f.payloads, payload)
	return &transport.Response{Source: target}, nil
}

func dev(uuid string) transport.Device { return transport.Device{UUID: uuid} }

// ─── single provision ────────────────────────────────────────────────────────

func TestProvision_Success(t *testing.T) {
	bridge := &fakeBridge{}
	alloc := provisioning.NewAddressAllocator(0x0010)
	p := provisioning.NewProvisioner(bridge, alloc)

	node, err := p.Provision(context.Background(), dev("aa-01"))
	require.NoError(t, err)

	assert.Equal(t, uint16(0x0010), node.Address)
	assert.Equal(t, "aa-01", node.UUID)
	assert.Equal(t, "deadbeef", node.DeviceKey, "device key is stored hex-encoded")
	assert.Equal(t, domain.NodeOnline, node.State)
	assert.False(t, node.ProvisionedAt.IsZero())
	assert.Equal(t, uint16(0x0011), alloc.Next(), "cursor advances after success")
}

func TestProvision_TransportErrorKeepsCursor(t *testing.T) {
	bridge := &fakeBridge{errUUIDs: map[string]error{"aa-01": errors.New("link lost")}}
	alloc := provisioning.NewAddressAllocator(0x0010)
	p := provisioning.NewProvisioner(bridge, alloc)

	_, err := p.Provision(context.Background(), dev("aa-01"))
	require.Error(t, err)

	var failed *domain.ProvisioningFailedError
	require.True(t, errors.As(err, &failed), "expected ProvisioningFailedError, got %T", err)
	assert.Equal(t, "aa-01", failed.DeviceUUID)
	assert.Equal(t, uint16(0x0010), alloc.Next(), "failed attempt must not move the cursor")
}

func TestProvision_BridgeFailureKeepsCursor(t *testing.T) {
	bridge := &fakeBridge{failUUIDs: map[string]string{"aa-01": "confirmation mismatch"}}
	alloc := provisioning.NewAddressAllocator(0x0010)
	p := provisioning.NewProvisioner(bridge, alloc)

	_, err := p.Provision(context.Background(), dev("aa-01"))
	require.Error(t, err)

	var failed *domain.ProvisioningFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "confirmation mismatch", failed.Reason)
	assert.Equal(t, uint16(0x0010), alloc.Next())
}

func TestProvision_GroupAssignment(t *testing.T) {
	bridge := &fakeBridge{}
	dispatcher := &fakeDispatcher{}
	alloc := provisioning.NewAddressAllocator(0x0010)
	p := provisioning.NewProvisioner(bridge, alloc,
		provisioning.WithDispatcher(dispatcher),
		provisioning.WithGroup(0xC001),
	)

	node, err := p.Provision(context.Background(), dev("aa-01"))
	require.NoError(t, err)

	assert.Equal(t, uint16(0xC001), node.GroupAddress)
	require.Len(t, dispatcher.targets, 1)
	assert.Equal(t, uint16(0x0010), dispatcher.targets[0], "subscription goes to the new node")
	assert.Equal(t, []byte{0x80, 0x1B}, dispatcher.payloads[0][:2], "subscription add opcode")
}

func TestProvision_GroupAssignmentFailureIsNotFatal(t *testing.T) {
	bridge := &fakeBridge{}
	dispatcher := &fakeDispatcher{err: errors.New("node busy")}
	alloc := provisioning.NewAddressAllocator(0x0010)
	p := provisioning.NewProvisioner(bridge, alloc,
		provisioning.WithDispatcher(dispatcher),
		provisioning.WithGroup(0xC001),
	)

	node, err := p.Provision(context.Background(), dev("aa-01"))
	require.NoError(t, err, "post-step failure must not fail the provision")

	assert.Zero(t, node.GroupAddress)
	assert.Equal(t, uint16(0x0011), alloc.Next(), "cursor still advances")
}

// ─── retry ───────────────────────────────────────────────────────────────────

func TestProvisionWithRetry_RecoversAfterFailures(t *testing.T) {
	bridge := &fakeBridge{failFirst: 2}
	alloc := provisioning.NewAddressAllocator(0x0010)
	p := provisioning.NewProvisioner(bridge, alloc)

	node, err := p.ProvisionWithRetry(context.Background(), dev("aa-01"), 3, time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, uint16(0x0010), node.Address, "retries reuse the same address")
	assert.Equal(t, 3, bridge.calls)
	assert.Equal(t, 2, bridge.cancels, "each retry cancels the half-finished handshake first")
	assert.Equal(t, uint16(0x0011), alloc.Next())
}

func TestProvisionWithRetry_Exhaustion(t *testing.T) {
	bridge := &fakeBridge{errUUIDs: map[string]error{"aa-01": errors.New("link lost")}}
	alloc := provisioning.NewAddressAllocator(0x0010)
	p := provisioning.NewProvisioner(bridge, alloc)

	_, err := p.ProvisionWithRetry(context.Background(), dev("aa-01"), 2, time.Millisecond)
	require.Error(t, err)

	var exhausted *domain.RetryExhaustedError
	require.True(t, errors.As(err, &exhausted), "expected RetryExhaustedError, got %T", err)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, bridge.calls, "maxRetries=2 means three attempts in total")

	var failed *domain.ProvisioningFailedError
	assert.True(t, errors.As(err, &failed), "cause stays reachable through the wrapper")
	assert.Equal(t, uint16(0x0010), alloc.Next())
}

func TestProvisionWithRetry_CancelledContextStopsRetrying(t *testing.T) {
	bridge := &fakeBridge{failFirst: 100}
	alloc := provisioning.NewAddressAllocator(0x0010)
	p := provisioning.NewProvisioner(bridge, alloc)

	ctx, cancel := context.WithCancel(context.Background())
	bridge.onStart = func(transport.Device) { cancel() }

	_, err := p.ProvisionWithRetry(ctx, dev("aa-01"), 5, time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, bridge.calls, "cancellation must stop the retry loop, not burn the budget")
	assert.Equal(t, uint16(0x0010), alloc.Next(), "cursor stays put when no attempt succeeded")
}

// ─── batch ───────────────────────────────────────────────────────────────────

func TestProvisionBatch_PartialFailure(t *testing.T) {
	bridge := &fakeBridge{failUUIDs: map[string]string{"aa-02": "confirmation mismatch"}}
	alloc := provisioning.NewAddressAllocator(0x0010)
	p := provisioning.NewProvisioner(bridge, alloc)

	devices := []transport.Device{dev("aa-00"), dev("aa-01"), dev("aa-02"), dev("aa-03"), dev("aa-04")}
	outcomes, err := p.ProvisionBatch(context.Background(), devices, provisioning.BatchOptions{ChunkDelay: time.Millisecond})
	require.NoError(t, err)
	require.Len(t, outcomes, len(devices), "one outcome per input device")

	for i, o := range outcomes {
		assert.Equal(t, devices[i].UUID, o.DeviceUUID, "outcomes preserve input order")
		if i == 2 {
			assert.False(t, o.Success)
			assert.Contains(t, o.Error, "confirmation mismatch")
			assert.Nil(t, o.Node)
		} else {
			assert.True(t, o.Success, "item %d", i)
			require.NotNil(t, o.Node)
			assert.Equal(t, 0x0010+i, int(o.Node.Address))
		}
	}
	assert.Equal(t, uint16(0x0015), alloc.Next(), "cursor advances by exactly len(devices)")
}

func TestProvisionBatch_EmptyInput(t *testing.T) {
	p := provisioning.NewProvisioner(&fakeBridge{}, provisioning.NewAddressAllocator(0x0010))

	outcomes, err := p.ProvisionBatch(context.Background(), nil, provisioning.BatchOptions{})
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestProvisionBatch_AddressExhaustion(t *testing.T) {
	alloc := provisioning.NewAddressAllocator(0x7FFE)
	p := provisioning.NewProvisioner(&fakeBridge{}, alloc)

	devices := []transport.Device{dev("aa-00"), dev("aa-01"), dev("aa-02")}
	_, err := p.ProvisionBatch(context.Background(), devices, provisioning.BatchOptions{})
	require.Error(t, err)

	var invalid *domain.InvalidAddressError
	assert.True(t, errors.As(err, &invalid), "expected InvalidAddressError, got %T", err)
}

func TestProvisionBatch_CancellationFillsRemainingOutcomes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bridge := &fakeBridge{}
	bridge.onStart = func(device transport.Device) {
		if device.UUID == "aa-01" {
			cancel() // caller gives up while the second handshake is in flight
		}
	}
	alloc := provisioning.NewAddressAllocator(0x0010)
	p := provisioning.NewProvisioner(bridge, alloc)

	devices := []transport.Device{dev("aa-00"), dev("aa-01"), dev("aa-02")}
	outcomes, err := p.ProvisionBatch(ctx, devices, provisioning.BatchOptions{ChunkDelay: time.Millisecond})
	require.NoError(t, err)
	require.Len(t, outcomes, 3, "cancellation still yields one outcome per input")

	assert.True(t, outcomes[0].Success)
	assert.True(t, outcomes[1].Success)
	assert.False(t, outcomes[2].Success)
	assert.Contains(t, outcomes[2].Error, "cancelled")
	assert.Equal(t, 2, bridge.calls, "no handshake after cancellation")
	assert.Equal(t, uint16(0x0013), alloc.Next(), "batch reservation is unconditional")
}
