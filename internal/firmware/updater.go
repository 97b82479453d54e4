// Package firmware drives over-the-air image distribution to mesh nodes.
// The bridge owns the transfer itself; the updater decides who needs the
// image, watches the bridge's progress events, and verifies the result.
package firmware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
	"github.com/thanhtunguet/go-mesh-flow/internal/transport"
	"github.com/thanhtunguet/go-mesh-flow/pkg/telemetry"
)

// Stage names a phase of one node's update. Verification runs last, not
// before the transfer: a node reports its running version only after it has
// rebooted onto the new image, so verifying follows applying.
type Stage string

const (
	StagePreparing    Stage = "preparing"
	StageTransferring Stage = "transferring"
	StageApplying     Stage = "applying"
	StageVerifying    Stage = "verifying"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// Progress is one observation of an in-flight update.
type Progress struct {
	NodeAddress uint16
	Stage       Stage
	Percent     int // meaningful during transferring only
}

// ProgressFunc receives progress observations. Called from the updater's
// goroutine; must not block.
type ProgressFunc func(Progress)

// Transport is the firmware slice of the bridge boundary.
type Transport interface {
	StartFirmwareUpdate(ctx context.Context, cfg transport.FirmwareConfig) error
	CancelFirmwareUpdate(ctx context.Context, node uint16) error
	FirmwareVersion(ctx context.Context, node uint16) (string, error)
	VerifyFirmware(ctx context.Context, node uint16, version string) (bool, error)
	Subscribe(correlation string, kinds ...transport.EventKind) *transport.Subscription
}

const (
	defaultUpdateTimeout = 5 * time.Minute
	cancelGrace          = 5 * time.Second
)

// Updater runs firmware updates node by node. A transfer monopolises the
// bridge radio, so updates are strictly sequential.
type Updater struct {
	transport  Transport
	logger     *slog.Logger
	timeout    time.Duration
	onProgress ProgressFunc
}

// Option configures an Updater.
type Option func(*Updater)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(u *Updater) { u.logger = l }
}

// WithTimeout caps how long one node's transfer may take end to end. This
// is the workflow deadline, independent of any per-command dispatch
// timeout. Defaults to 5 minutes.
func WithTimeout(d time.Duration) Option {
	return func(u *Updater) { u.timeout = d }
}

// WithProgress registers a progress observer.
func WithProgress(fn ProgressFunc) Option {
	return func(u *Updater) { u.onProgress = fn }
}

// NewUpdater wires an Updater over the bridge transport.
func NewUpdater(t Transport, opts ...Option) *Updater {
	u := &Updater{
		transport: t,
		logger:    slog.Default(),
		timeout:   defaultUpdateTimeout,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *Updater) report(node uint16, stage Stage, percent int) {
	if u.onProgress != nil {
		u.onProgress(Progress{NodeAddress: node, Stage: stage, Percent: percent})
	}
}

// Update distributes the image described by cfg to one node. When the node
// already runs cfg.TargetVersion or newer, the update is skipped and the
// outcome says so. The returned error, when non-nil, is always a
// *domain.FirmwareUpdateError (possibly wrapped).
func (u *Updater) Update(ctx context.Context, cfg transport.FirmwareConfig) (*domain.FirmwareOutcome, error) {
	ctx, span := otel.Tracer("firmware").Start(ctx, "firmware.update")
	defer span.End()
	span.SetAttributes(
		attribute.Int("mesh.address", int(cfg.NodeAddress)),
		attribute.String("firmware.target", cfg.TargetVersion),
	)

	began := time.Now()
	node := cfg.NodeAddress
	u.report(node, StagePreparing, 0)

	current, err := u.transport.FirmwareVersion(ctx, node)
	if err != nil {
		// A node that cannot report its version may still accept the image.
		u.logger.Warn("version query failed, proceeding unconditionally",
			"address", fmt.Sprintf("0x%04X", node), "error", err)
		current = ""
	}
	if cfg.TargetVersion != "" && current != "" && !NeedsUpdate(current, cfg.TargetVersion) {
		telemetry.FirmwareUpdatesTotal.WithLabelValues("skipped").Inc()
		u.logger.Info("node already up to date",
			"address", fmt.Sprintf("0x%04X", node), "version", current)
		return &domain.FirmwareOutcome{
			NodeAddress: node,
			Success:     true,
			Skipped:     true,
			FromVersion: current,
			ToVersion:   current,
			Duration:    time.Since(began),
		}, nil
	}

	// Subscribe before starting so the first progress event cannot be missed.
	sub := u.transport.Subscribe(transport.NodeCorrelation(node),
		transport.EventFirmwareProgress,
		transport.EventFirmwareCompleted,
		transport.EventFirmwareFailed,
	)
	defer sub.Close()

	if err := u.transport.StartFirmwareUpdate(ctx, cfg); err != nil {
		return u.fail(span, cfg, StagePreparing, "bridge rejected the transfer", err)
	}
	u.report(node, StageTransferring, 0)

	if err := u.awaitCompletion(ctx, node, sub); err != nil {
		u.cancelTransfer(node)
		return u.fail(span, cfg, StageTransferring, "", err)
	}
	u.report(node, StageApplying, 100)

	u.report(node, StageVerifying, 100)
	ok, err := u.transport.VerifyFirmware(ctx, node, cfg.TargetVersion)
	if err != nil {
		return u.fail(span, cfg, StageVerifying, "verification query failed", err)
	}
	if !ok {
		return u.fail(span, cfg, StageVerifying, "node reports a different version after reboot", nil)
	}

	u.report(node, StageCompleted, 100)
	telemetry.FirmwareUpdatesTotal.WithLabelValues("success").Inc()
	u.logger.Info("firmware update finished",
		"address", fmt.Sprintf("0x%04X", node),
		"from", current, "to", cfg.TargetVersion,
		"took", time.Since(began))
	return &domain.FirmwareOutcome{
		NodeAddress: node,
		Success:     true,
		FromVersion: current,
		ToVersion:   cfg.TargetVersion,
		Duration:    time.Since(began),
	}, nil
}

// awaitCompletion consumes bridge events until the transfer completes,
// fails, times out or the caller gives up.
func (u *Updater) awaitCompletion(ctx context.Context, node uint16, sub *transport.Subscription) error {
	deadline := time.NewTimer(u.timeout)
	defer deadline.Stop()

	for {
		select {
		case ev, open := <-sub.C:
			if !open {
				return fmt.Errorf("event stream closed mid-transfer")
			}
			switch ev.Kind {
			case transport.EventFirmwareProgress:
				u.report(node, StageTransferring, ev.Progress)
			case transport.EventFirmwareCompleted:
				return nil
			case transport.EventFirmwareFailed:
				return fmt.Errorf("bridge reported failure: %s", ev.Error)
			}
		case <-deadline.C:
			return fmt.Errorf("transfer did not finish within %s", u.timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// cancelTransfer tells the bridge to stop pushing blocks at a node whose
// update we no longer track. Uses its own context: the caller's is
// typically already cancelled or expired at this point.
func (u *Updater) cancelTransfer(node uint16) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()
	if err := u.transport.CancelFirmwareUpdate(ctx, node); err != nil {
		u.logger.Warn("could not cancel transfer",
			"address", fmt.Sprintf("0x%04X", node), "error", err)
	}
}

func (u *Updater) fail(span trace.Span, cfg transport.FirmwareConfig, stage Stage, reason string, cause error) (*domain.FirmwareOutcome, error) {
	if reason == "" && cause != nil {
		reason = cause.Error()
	}
	err := &domain.FirmwareUpdateError{
		NodeAddress: cfg.NodeAddress,
		Stage:       string(stage),
		Reason:      reason,
		Err:         cause,
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(stage))
	telemetry.FirmwareUpdatesTotal.WithLabelValues("failure").Inc()
	u.report(cfg.NodeAddress, StageFailed, 0)
	u.logger.Error("firmware update failed",
		"address", fmt.Sprintf("0x%04X", cfg.NodeAddress),
		"stage", stage, "error", err)
	return nil, err
}

// UpdateBatch updates nodes one at a time, in the given order. A node's
// failure never stops the rest; the result holds one outcome per input
// node, in input order.
func (u *Updater) UpdateBatch(ctx context.Context, nodes []uint16, imageURI, targetVersion string) []domain.FirmwareOutcome {
	outcomes := make([]domain.FirmwareOutcome, 0, len(nodes))
	for i, node := range nodes {
		if ctx.Err() != nil {
			for _, rest := range nodes[i:] {
				outcomes = append(outcomes, domain.FirmwareOutcome{
					NodeAddress: rest,
					Error:       fmt.Sprintf("batch cancelled: %v", ctx.Err()),
				})
			}
			return outcomes
		}
		began := time.Now()
		outcome, err := u.Update(ctx, transport.FirmwareConfig{
			NodeAddress:   node,
			ImageURI:      imageURI,
			TargetVersion: targetVersion,
		})
		if err != nil {
			outcomes = append(outcomes, domain.FirmwareOutcome{
				NodeAddress: node,
				ToVersion:   targetVersion,
				Duration:    time.Since(began),
				Error:       err.Error(),
			})
			continue
		}
		outcomes = append(outcomes, *outcome)
	}
	return outcomes
}
