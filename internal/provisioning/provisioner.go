// Package provisioning implements the workflows that admit devices into the
// mesh: direct provisioning over the bridge radio, remote provisioning
// through a relay node, and the batch variants of both. Address assignment
// is centralised in AddressAllocator so every workflow draws from the same
// monotonic cursor.
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

	"github.com/thanhtunguet/go-mesh-flow/internal/commands"
	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
	"github.com/thanhtunguet/go-mesh-flow/internal/transport"
	"github.com/thanhtunguet/go-mesh-flow/pkg/retry"
	"github.com/thanhtunguet/go-mesh-flow/pkg/telemetry"
)

// Transport is the provisioning slice of the bridge boundary.
type Transport interface {
	StartProvisioning(ctx context.Context, device transport.Device, cfg transport.ProvisionConfig) (*transport.ProvisionResult, error)
	CancelProvisioning(ctx context.Context) error
}

// Dispatcher submits a configuration command through the shared command
// scheduler, so post-provisioning steps respect the mesh throttle like any
// other traffic.
type Dispatcher interface {
	Dispatch(ctx context.Context, target uint16, payload []byte) (*transport.Response, error)
}

// BatchOptions tunes ProvisionBatch. Zero values take the defaults.
type BatchOptions struct {
	// ChunkSize caps how many devices are worked before the settle pause.
	// Default 4.
	ChunkSize int
	// ChunkDelay is the settle pause between chunks, giving the bridge radio
	// room to drain. Default 500ms.
	ChunkDelay time.Duration
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 4
	}
	if o.ChunkDelay <= 0 {
		o.ChunkDelay = 500 * time.Millisecond
	}
	return o
}

// Provisioner runs provisioning handshakes and the follow-up configuration
// steps. One handshake at a time; the bridge radio cannot interleave them.
type Provisioner struct {
	transport  Transport
	alloc      *AddressAllocator
	dispatcher Dispatcher
	logger     *slog.Logger

	netKeyIndex uint16
	ivIndex     uint32
	flags       uint8
	attention   uint8
	group       uint16 // 0 = no group assignment post-step

	mu sync.Mutex
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provisioner) { p.logger = l }
}

// WithDispatcher enables the group-assignment post-step, sending the
// subscription command through d after each successful handshake.
func WithDispatcher(d Dispatcher) Option {
	return func(p *Provisioner) { p.dispatcher = d }
}

// WithGroup sets the group address newly provisioned nodes are subscribed
// to. Ignored unless a Dispatcher is configured.
func WithGroup(addr uint16) Option {
	return func(p *Provisioner) { p.group = addr }
}

// WithNetKeyIndex sets the network key index placed in the handshake.
func WithNetKeyIndex(idx uint16) Option {
	return func(p *Provisioner) { p.netKeyIndex = idx }
}

// WithIVIndex sets the IV index placed in the handshake.
func WithIVIndex(iv uint32) Option {
	return func(p *Provisioner) { p.ivIndex = iv }
}

// WithAttention sets the attention timer duration in seconds.
func WithAttention(seconds uint8) Option {
	return func(p *Provisioner) { p.attention = seconds }
}

// NewProvisioner wires a Provisioner over the bridge transport and the
// shared address allocator.
func NewProvisioner(t Transport, alloc *AddressAllocator, opts ...Option) *Provisioner {
	p := &Provisioner{
		transport: t,
		alloc:     alloc,
		logger:    slog.Default(),
		attention: 5,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provision admits one device at the next free unicast address. The address
// cursor advances only when the handshake succeeds, so a failed attempt can
// be retried at the same address.
func (p *Provisioner) Provision(ctx context.Context, device transport.Device) (*domain.MeshNode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	node, warning, err := p.provisionAt(ctx, device, p.alloc.Next())
	if err != nil {
		return nil, err
	}
	p.alloc.SetNext(node.Address + 1)
	if warning != "" {
		p.logger.Warn("group assignment failed after provisioning",
			"uuid", device.UUID, "address", fmt.Sprintf("0x%04X", node.Address), "warning", warning)
	}
	return node, nil
}

// ProvisionWithRetry retries failed handshakes with exponential backoff,
// cancelling the bridge's in-flight state before each new attempt so a
// half-finished handshake never shadows the next one. maxRetries counts
// additional attempts after the first.
func (p *Provisioner) ProvisionWithRetry(ctx context.Context, device transport.Device, maxRetries int, baseDelay time.Duration) (*domain.MeshNode, error) {
	var node *domain.MeshNode
	err := retry.Do(ctx, retry.Config{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			telemetry.ProvisioningRetriesTotal.Inc()
			p.logger.Warn("retrying provisioning",
				"uuid", device.UUID, "attempt", attempt, "delay", delay, "error", err)
			if cErr := p.transport.CancelProvisioning(ctx); cErr != nil {
				p.logger.Warn("cancel before retry failed", "uuid", device.UUID, "error", cErr)
			}
		},
	}, func(ctx context.Context) error {
		n, err := p.Provision(ctx, device)
		if err != nil {
			return err
		}
		node = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// ProvisionBatch admits devices in fixed-size chunks with a settle pause
// between chunks. It reserves len(devices) addresses up front; the cursor
// advances by the full batch size even when individual devices fail. The
// result always holds one outcome per input device, in input order — an
// item failure never aborts the rest of the batch.
func (p *Provisioner) ProvisionBatch(ctx context.Context, devices []transport.Device, opts BatchOptions) ([]domain.ProvisionOutcome, error) {
	if len(devices) == 0 {
		return nil, nil
	}
	opts = opts.withDefaults()

	p.mu.Lock()
	defer p.mu.Unlock()

	start, err := p.alloc.ReserveBatch(len(devices))
	if err != nil {
		return nil, err
	}

	p.logger.Info("starting provisioning batch",
		"devices", len(devices), "start_address", fmt.Sprintf("0x%04X", start),
		"chunk_size", opts.ChunkSize)

	outcomes := make([]domain.ProvisionOutcome, 0, len(devices))
	for i, device := range devices {
		if i > 0 && i%opts.ChunkSize == 0 {
			if err := sleepCtx(ctx, opts.ChunkDelay); err != nil {
				return appendCancelled(outcomes, devices[i:], err), nil
			}
		}
		if ctx.Err() != nil {
			return appendCancelled(outcomes, devices[i:], ctx.Err()), nil
		}

		began := time.Now()
		node, warning, err := p.provisionAt(ctx, device, start+uint16(i))
		outcome := domain.ProvisionOutcome{
			DeviceUUID: device.UUID,
			Duration:   time.Since(began),
		}
		if err != nil {
			outcome.Error = err.Error()
			p.logger.Warn("batch item failed", "uuid", device.UUID, "error", err)
		} else {
			outcome.Success = true
			outcome.Node = node
			outcome.Warning = warning
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// provisionAt runs one handshake at a fixed address plus the group
// post-step. A post-step failure is reported as a warning, never an error:
// the node is in the network by then and must not be treated as failed.
func (p *Provisioner) provisionAt(ctx context.Context, device transport.Device, addr uint16) (*domain.MeshNode, string, error) {
	ctx, span := otel.Tracer("provisioning").Start(ctx, "provisioning.handshake")
	defer span.End()
	span.SetAttributes(
		attribute.String("device.uuid", device.UUID),
		attribute.Int("mesh.address", int(addr)),
	)

	if !domain.IsUnicast(addr) {
		err := &domain.InvalidAddressError{Address: uint32(addr)}
		span.RecordError(err)
		span.SetStatus(codes.Error, "address space exhausted")
		return nil, "", err
	}

	res, err := p.transport.StartProvisioning(ctx, device, transport.ProvisionConfig{
		Address:           addr,
		NetKeyIndex:       p.netKeyIndex,
		Flags:             p.flags,
		IVIndex:           p.ivIndex,
		AttentionDuration: p.attention,
	})
	if err != nil {
		telemetry.ProvisioningTotal.WithLabelValues("failure").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake failed")
		return nil, "", &domain.ProvisioningFailedError{DeviceUUID: device.UUID, Reason: err.Error(), Err: err}
	}
	if !res.Success {
		telemetry.ProvisioningTotal.WithLabelValues("failure").Inc()
		span.SetStatus(codes.Error, "bridge reported failure")
		return nil, "", &domain.ProvisioningFailedError{DeviceUUID: device.UUID, Reason: res.Err}
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
		// Older bridges omit the address in the result.
		node.Address = addr
	}

	warning := p.assignGroup(ctx, node)
	p.logger.Info("device provisioned",
		"uuid", device.UUID, "address", fmt.Sprintf("0x%04X", node.Address))
	return node, warning, nil
}

// assignGroup subscribes the new node to the configured group. Returns a
// warning string on failure, empty on success or when the step is disabled.
func (p *Provisioner) assignGroup(ctx context.Context, node *domain.MeshNode) string {
	if p.dispatcher == nil || p.group == 0 {
		return ""
	}
	payload := commands.SubscriptionAdd(node.Address, p.group)
	if _, err := p.dispatcher.Dispatch(ctx, node.Address, payload); err != nil {
		return fmt.Sprintf("group assignment to 0x%04X failed: %v", p.group, err)
	}
	node.GroupAddress = p.group
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// appendCancelled fills outcomes for devices the batch never reached, so the
// one-outcome-per-input invariant holds under cancellation too.
func appendCancelled(outcomes []domain.ProvisionOutcome, rest []transport.Device, cause error) []domain.ProvisionOutcome {
	for _, d := range rest {
		outcomes = append(outcomes, domain.ProvisionOutcome{
			DeviceUUID: d.UUID,
			Error:      fmt.Sprintf("batch cancelled: %v", cause),
		})
	}
	return outcomes
}
