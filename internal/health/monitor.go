// Package health periodically verifies that registered nodes still answer
// on the mesh and keeps the registry's reachability state current.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/thanhtunguet/go-mesh-flow/internal/commands"
	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
	meshredis "github.com/thanhtunguet/go-mesh-flow/internal/redis"
	"github.com/thanhtunguet/go-mesh-flow/internal/transport"
	"github.com/thanhtunguet/go-mesh-flow/pkg/telemetry"
)

// Dispatcher submits the liveness probe through the shared command
// scheduler, so sweeps queue behind user traffic instead of competing with
// it on the radio.
type Dispatcher interface {
	Dispatch(ctx context.Context, target uint16, payload []byte) (*transport.Response, error)
}

const defaultProbeTimeout = 5 * time.Second

// Monitor sweeps the node registry on a cron schedule, probing each node
// and recording the result. State transitions are published on the event
// bus so the gateway can export them.
type Monitor struct {
	store        meshredis.NodeStore
	dispatch     Dispatcher
	bus          *transport.EventBus
	logger       *slog.Logger
	probeTimeout time.Duration
	cron         *cron.Cron
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// WithEventBus publishes node state transitions on bus.
func WithEventBus(bus *transport.EventBus) MonitorOption {
	return func(m *Monitor) { m.bus = bus }
}

// WithProbeTimeout bounds one node's probe. Defaults to 5s.
func WithProbeTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.probeTimeout = d }
}

// NewMonitor wires a Monitor over the registry and the command dispatcher.
func NewMonitor(store meshredis.NodeStore, dispatch Dispatcher, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		store:        store,
		dispatch:     dispatch,
		logger:       slog.Default(),
		probeTimeout: defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start schedules sweeps per spec (standard cron syntax, "@every 1m" style
// accepted) and runs them until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context, spec string) error {
	m.cron = cron.New()
	_, err := m.cron.AddFunc(spec, func() { m.Sweep(ctx) })
	if err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	m.cron.Start()

	go func() {
		<-ctx.Done()
		stopped := m.cron.Stop()
		<-stopped.Done()
	}()
	return nil
}

// Sweep probes every registered node once. Exported so the REST API can
// trigger an out-of-schedule sweep.
func (m *Monitor) Sweep(ctx context.Context) {
	nodes, err := m.store.ListNodes(ctx)
	if err != nil {
		m.logger.Error("health sweep could not list nodes", slog.String("error", err.Error()))
		return
	}

	online := 0
	for _, node := range nodes {
		if ctx.Err() != nil {
			return
		}
		if m.probe(ctx, node) {
			online++
		}
	}

	telemetry.NodesOnline.Set(float64(online))
	telemetry.HealthSweepsTotal.Inc()
	m.logger.Info("health sweep finished",
		slog.Int("nodes", len(nodes)), slog.Int("online", online))
}

// probe pings one node and persists the observed state. Reports true when
// the node answered.
func (m *Monitor) probe(ctx context.Context, node *domain.MeshNode) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	_, err := m.dispatch.Dispatch(probeCtx, node.Address, commands.StatusGet())
	state := domain.NodeOnline
	if err != nil {
		state = domain.NodeOffline
	}

	if state != node.State {
		m.logger.Info("node state changed",
			slog.String("address", fmt.Sprintf("0x%04X", node.Address)),
			slog.String("from", string(node.State)), slog.String("to", string(state)))
		if m.bus != nil {
			m.bus.Publish(transport.Event{
				Kind:        transport.EventNodeStatus,
				Correlation: transport.NodeCorrelation(node.Address),
				NodeAddress: node.Address,
				Online:      state == domain.NodeOnline,
			})
		}
	}
	if err := m.store.SetState(ctx, node.Address, state); err != nil {
		m.logger.Error("could not persist node state",
			slog.String("address", fmt.Sprintf("0x%04X", node.Address)),
			slog.String("error", err.Error()))
	}
	return state == domain.NodeOnline
}
