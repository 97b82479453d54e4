// Package gateway ties the subsystems together: commands arrive over REST
// or the Kafka intake topic, pass through the shared scheduler onto the
// bridge, and every lifecycle event flows back out on the export topic.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/thanhtunguet/go-mesh-flow/internal/commands"
	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
	"github.com/thanhtunguet/go-mesh-flow/internal/kafka"
	"github.com/thanhtunguet/go-mesh-flow/internal/postgres"
	meshredis "github.com/thanhtunguet/go-mesh-flow/internal/redis"
	"github.com/thanhtunguet/go-mesh-flow/internal/recovery"
	"github.com/thanhtunguet/go-mesh-flow/internal/scheduler"
	"github.com/thanhtunguet/go-mesh-flow/internal/transport"
	"github.com/thanhtunguet/go-mesh-flow/pkg/retry"
	"github.com/thanhtunguet/go-mesh-flow/pkg/telemetry"
)

// Gateway is the runtime around the command scheduler: intake, execution,
// persistence and event export.
type Gateway struct {
	transport transport.Transport
	sched     *scheduler.Scheduler[*transport.Response]
	registry  *commands.Registry
	store     meshredis.NodeStore
	repo      postgres.AuditRepository // nil = audit disabled
	recover   *recovery.Manager
	events    kafka.Producer // nil = export disabled
	bus       *transport.EventBus
	logger    *slog.Logger

	maxRetries int
	baseDelay  time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithAuditRepository enables the Postgres audit trail.
func WithAuditRepository(repo postgres.AuditRepository) Option {
	return func(g *Gateway) { g.repo = repo }
}

// WithEventProducer enables lifecycle event export to Kafka.
func WithEventProducer(p kafka.Producer) Option {
	return func(g *Gateway) { g.events = p }
}

// WithRecovery sets the recovery manager used on startup and after
// connectivity failures.
func WithRecovery(m *recovery.Manager) Option {
	return func(g *Gateway) { g.recover = m }
}

// WithRetries sets the per-command retry budget (additional attempts after
// the first) and backoff base. Defaults to 2 retries at 500ms.
func WithRetries(n int, baseDelay time.Duration) Option {
	return func(g *Gateway) {
		g.maxRetries = n
		g.baseDelay = baseDelay
	}
}

// New wires a Gateway. sched must be the only scheduler dispatching onto t;
// concurrent side channels would defeat the throttle.
func New(
	t transport.Transport,
	sched *scheduler.Scheduler[*transport.Response],
	registry *commands.Registry,
	store meshredis.NodeStore,
	bus *transport.EventBus,
	opts ...Option,
) *Gateway {
	g := &Gateway{
		transport:  t,
		sched:      sched,
		registry:   registry,
		store:      store,
		bus:        bus,
		logger:     slog.Default(),
		maxRetries: 2,
		baseDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Startup restores the bridge to a usable state: radio on, saved network
// loaded. Connectivity recovery is retried with backoff; a missing saved
// network is not an error on first boot.
func (g *Gateway) Startup(ctx context.Context) error {
	if g.recover == nil {
		return nil
	}
	err := retry.Do(ctx, retry.Config{
		MaxRetries: g.maxRetries,
		BaseDelay:  g.baseDelay,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			g.logger.Warn("connection recovery failed, retrying",
				slog.Int("attempt", attempt), slog.Duration("delay", delay),
				slog.String("error", err.Error()))
		},
	}, g.recover.RecoverConnection)
	if err != nil {
		return fmt.Errorf("recover connection: %w", err)
	}

	if err := g.recover.RecoverNetworkState(ctx); err != nil {
		if domain.ErrKind(err) == domain.KindNetwork {
			g.logger.Info("no saved network state, starting fresh")
			return nil
		}
		return fmt.Errorf("recover network state: %w", err)
	}
	g.logger.Info("mesh network state restored")
	return nil
}

// ExecuteCommand validates, builds and dispatches one command request
// through the scheduler, retrying transient failures. The audit record is
// written regardless of the result.
func (g *Gateway) ExecuteCommand(ctx context.Context, req *domain.CommandRequest) (*transport.Response, error) {
	ctx, span := otel.Tracer("gateway").Start(ctx, "gateway.execute_command")
	defer span.End()
	span.SetAttributes(
		attribute.String("command.id", req.ID),
		attribute.String("command.type", req.Type),
		attribute.Int("mesh.target", int(req.Target)),
	)

	if !domain.IsValidTarget(req.Target) {
		err := &domain.InvalidAddressError{Address: uint32(req.Target)}
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid target")
		return nil, err
	}
	payload, err := g.registry.Build(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payload build failed")
		return nil, err
	}

	start := time.Now()
	attempts := 0
	var resp *transport.Response
	execErr := retry.Do(ctx, retry.Config{
		MaxRetries: g.maxRetries,
		BaseDelay:  g.baseDelay,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			g.logger.Warn("command attempt failed, retrying",
				slog.String("command_id", req.ID),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
		},
	}, func(ctx context.Context) error {
		attempts++
		r, err := g.sched.Schedule(ctx, func(ctx context.Context) (*transport.Response, error) {
			return g.transport.SendCommand(ctx, req.Target, payload, time.Duration(req.TransitionMs)*time.Millisecond)
		}, scheduler.WithPriority(req.Priority))
		if err != nil {
			return err
		}
		resp = r
		return nil
	})

	g.audit(ctx, req, attempts, time.Since(start), execErr)
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "command failed")
		return nil, execErr
	}
	return resp, nil
}

// Dispatch sends a pre-built payload through the scheduler. Provisioning
// post-steps and health probes use this path so every mesh packet respects
// the same throttle.
func (g *Gateway) Dispatch(ctx context.Context, target uint16, payload []byte) (*transport.Response, error) {
	return g.sched.Schedule(ctx, func(ctx context.Context) (*transport.Response, error) {
		return g.transport.SendCommand(ctx, target, payload, 0)
	})
}

// audit writes the execution record; failures are logged, never surfaced.
func (g *Gateway) audit(ctx context.Context, req *domain.CommandRequest, attempts int, took time.Duration, execErr error) {
	if g.repo == nil {
		return
	}
	exec := &domain.CommandExecution{
		CommandID:  req.ID,
		Target:     req.Target,
		Type:       req.Type,
		Success:    execErr == nil,
		Attempts:   attempts,
		DurationMs: took.Milliseconds(),
		ExecutedAt: time.Now().UTC(),
	}
	if execErr != nil {
		exec.Error = execErr.Error()
	}
	if err := g.repo.RecordExecution(ctx, exec); err != nil {
		g.logger.Error("failed to record execution",
			slog.String("command_id", req.ID), slog.String("error", err.Error()))
	}
}

// PersistNode stores a freshly provisioned node in the registry, mirrors it
// to the audit trail and advances the persisted address cursor.
func (g *Gateway) PersistNode(ctx context.Context, node *domain.MeshNode, nextAddr uint16) error {
	if err := g.store.SetNode(ctx, node); err != nil {
		return err
	}
	if err := g.store.SetCursor(ctx, nextAddr); err != nil {
		return err
	}
	if g.repo != nil {
		if err := g.repo.RecordNode(ctx, node); err != nil {
			g.logger.Error("failed to record node",
				slog.String("address", fmt.Sprintf("0x%04X", node.Address)),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// HandleIntake is the Kafka HandlerFunc for the command intake topic.
// Malformed and invalid messages are logged and committed; only transient
// execution failures leave the offset uncommitted for redelivery.
func (g *Gateway) HandleIntake(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("gateway").Start(ctx, "gateway.intake")
	defer span.End()

	var req domain.CommandRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		g.logger.Error("malformed intake message, discarding",
			slog.Int64("offset", msg.Offset), slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed message")
		return nil
	}
	if req.Type == "" {
		g.logger.Error("intake message without command type, discarding",
			slog.String("command_id", req.ID))
		span.SetStatus(codes.Error, "empty command type")
		return nil
	}
	telemetry.GatewayCommandsAccepted.WithLabelValues("kafka", req.Type).Inc()

	_, err := g.ExecuteCommand(ctx, &req)
	if err != nil {
		// Permanent failures are already audited; retrying the message cannot
		// help. Only queue saturation is worth a redelivery.
		if domain.ErrKind(err) == domain.KindQueue {
			return fmt.Errorf("queue full, retry later: %w", err)
		}
		g.logger.Error("intake command failed",
			slog.String("command_id", req.ID), slog.String("error", err.Error()))
	}
	return nil
}

// RunIntake consumes the intake topic until ctx is cancelled.
func (g *Gateway) RunIntake(ctx context.Context, consumer kafka.Consumer) error {
	return consumer.Subscribe(ctx, g.HandleIntake)
}

// ExportEvents forwards every bus event to the export topic until ctx is
// cancelled. Keyed by correlation so one node's events stay ordered.
func (g *Gateway) ExportEvents(ctx context.Context) {
	if g.events == nil {
		return
	}
	sub := g.bus.Subscribe("")
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			value, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := g.events.Publish(ctx, ev.Correlation, value); err != nil {
				g.logger.Error("event export failed",
					slog.String("kind", string(ev.Kind)), slog.String("error", err.Error()))
				continue
			}
			telemetry.GatewayEventsPublished.WithLabelValues(string(ev.Kind)).Inc()
		}
	}
}
