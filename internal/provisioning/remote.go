package provisioning

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
	"github.com/thanhtunguet/go-mesh-flow/internal/transport"
	"github.com/thanhtunguet/go-mesh-flow/pkg/telemetry"
)

// RemoteTransport is the relay-assisted slice of the bridge boundary.
type RemoteTransport interface {
	RemoteScan(ctx context.Context, via uint16, timeout time.Duration) ([]transport.Device, error)
	StartRemoteProvisioning(ctx context.Context, via uint16, device transport.Device, cfg transport.ProvisionConfig) (*transport.ProvisionResult, error)
}

// RemoteProvisioner admits devices that sit outside the bridge's own radio
// range, relaying the handshake through an already-provisioned node. It
// draws addresses from the same allocator as the direct Provisioner.
type RemoteProvisioner struct {
	transport RemoteTransport
	alloc     *AddressAllocator
	logger    *slog.Logger

	netKeyIndex uint16
	ivIndex     uint32
	flags       uint8

	mu sync.Mutex
}

// RemoteOption configures a RemoteProvisioner.
type RemoteOption func(*RemoteProvisioner)

// WithRemoteLogger sets the logger. Defaults to slog.Default().
func WithRemoteLogger(l *slog.Logger) RemoteOption {
	return func(p *RemoteProvisioner) { p.logger = l }
}

// WithRemoteNetKeyIndex sets the network key index placed in the handshake.
func WithRemoteNetKeyIndex(idx uint16) RemoteOption {
	return func(p *RemoteProvisioner) { p.netKeyIndex = idx }
}

// WithRemoteIVIndex sets the IV index placed in the handshake.
func WithRemoteIVIndex(iv uint32) RemoteOption {
	return func(p *RemoteProvisioner) { p.ivIndex = iv }
}

// NewRemoteProvisioner wires a RemoteProvisioner over the bridge transport
// and the shared address allocator.
func NewRemoteProvisioner(t RemoteTransport, alloc *AddressAllocator, opts ...RemoteOption) *RemoteProvisioner {
	p := &RemoteProvisioner{
		transport: t,
		alloc:     alloc,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Scan asks the relay node at via to report unprovisioned devices in its
// radio range for the given window.
func (p *RemoteProvisioner) Scan(ctx context.Context, via uint16, timeout time.Duration) ([]transport.Device, error) {
	if !domain.IsUnicast(via) {
		return nil, &domain.InvalidAddressError{Address: uint32(via)}
	}
	devices, err := p.transport.RemoteScan(ctx, via, timeout)
	if err != nil {
		return nil, fmt.Errorf("remote scan via 0x%04X: %w", via, err)
	}
	p.logger.Info("remote scan finished",
		"via", fmt.Sprintf("0x%04X", via), "found", len(devices))
	return devices, nil
}

// Provision admits one device through the relay at via. Like the direct
// workflow, the cursor advances only when the handshake succeeds.
func (p *RemoteProvisioner) Provision(ctx context.Context, via uint16, device transport.Device) (*domain.MeshNode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.provisionVia(ctx, via, device, p.alloc.Next(), true)
}

// ProvisionFound scans through the relay and then provisions every device
// found, in discovery order. Addresses for the whole set are reserved up
// front, so the cursor advances by the number of devices found regardless
// of per-device results. One outcome per found device, in order.
func (p *RemoteProvisioner) ProvisionFound(ctx context.Context, via uint16, scanWindow time.Duration) ([]domain.ProvisionOutcome, error) {
	devices, err := p.Scan(ctx, via, scanWindow)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	start, err := p.alloc.ReserveBatch(len(devices))
	if err != nil {
		return nil, err
	}

	outcomes := make([]domain.ProvisionOutcome, 0, len(devices))
	for i, device := range devices {
		if ctx.Err() != nil {
			return appendCancelled(outcomes, devices[i:], ctx.Err()), nil
		}
		began := time.Now()
		node, err := p.provisionVia(ctx, via, device, start+uint16(i), false)
		outcome := domain.ProvisionOutcome{
			DeviceUUID: device.UUID,
			Duration:   time.Since(began),
		}
		if err != nil {
			outcome.Error = err.Error()
			p.logger.Warn("remote batch item failed", "uuid", device.UUID, "error", err)
		} else {
			outcome.Success = true
			outcome.Node = node
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// provisionVia runs one relayed handshake at a fixed address. advanceCursor
// selects the single-device semantics, where the cursor moves only after
// success.
func (p *RemoteProvisioner) provisionVia(ctx context.Context, via uint16, device transport.Device, addr uint16, advanceCursor bool) (*domain.MeshNode, error) {
	ctx, span := otel.Tracer("provisioning").Start(ctx, "provisioning.remote")
	defer span.End()
	span.SetAttributes(
		attribute.String("device.uuid", device.UUID),
		attribute.Int("mesh.address", int(addr)),
		attribute.Int("mesh.via", int(via)),
	)

	if !domain.IsUnicast(via) {
		err := &domain.InvalidAddressError{Address: uint32(via)}
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid relay address")
		return nil, err
	}
	if !domain.IsUnicast(addr) {
		err := &domain.InvalidAddressError{Address: uint32(addr)}
		span.RecordError(err)
		span.SetStatus(codes.Error, "address space exhausted")
		return nil, err
	}

	res, err := p.transport.StartRemoteProvisioning(ctx, via, device, transport.ProvisionConfig{
		Address:     addr,
		NetKeyIndex: p.netKeyIndex,
		Flags:       p.flags,
		IVIndex:     p.ivIndex,
	})
	if err != nil {
		telemetry.ProvisioningTotal.WithLabelValues("failure").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "relayed handshake failed")
		return nil, &domain.ProvisioningFailedError{DeviceUUID: device.UUID, Reason: err.Error(), Err: err}
	}
	if !res.Success {
		telemetry.ProvisioningTotal.WithLabelValues("failure").Inc()
		span.SetStatus(codes.Error, "bridge reported failure")
		return nil, &domain.ProvisioningFailedError{DeviceUUID: device.UUID, Reason: res.Err}
	}
	telemetry.ProvisioningTotal.WithLabelValues("success").Inc()

	node := &domain.MeshNode{
		Address:       res.Address,
		UUID:          device.UUID,
		DeviceKey:     hex.EncodeToString(res.DeviceKey),
		State:         domain.NodeOnline,
		ProvisionedAt: time.Now().UTC(),
	}
	if node.Address == 0 {
		node.Address = addr
	}
	if advanceCursor {
		p.alloc.SetNext(node.Address + 1)
	}

	p.logger.Info("device provisioned remotely",
		"uuid", device.UUID, "via", fmt.Sprintf("0x%04X", via),
		"address", fmt.Sprintf("0x%04X", node.Address))
	return node, nil
}
