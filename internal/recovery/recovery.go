// Package recovery implements the best-effort procedures the gateway runs
// when the bridge link or the mesh network state is suspect. They are
// heuristics, not guaranteed fixes — callers wrap them in retry.Do when a
// workflow depends on their outcome.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
)

// Transport is the slice of the bridge surface recovery needs.
type Transport interface {
	BluetoothEnabled(ctx context.Context) (bool, error)
	RequestBluetoothPermission(ctx context.Context) (bool, error)
	LoadNetwork(ctx context.Context, state []byte) error
}

// StateLoader fetches the persisted mesh network state, typically from the
// node registry or application storage. A nil slice means nothing is saved.
type StateLoader func(ctx context.Context) ([]byte, error)

const defaultSettleDelay = 2 * time.Second

// Manager owns the connection and network-state recovery procedures.
type Manager struct {
	transport Transport
	loader    StateLoader
	settle    time.Duration
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithStateLoader installs the saved-state source used by
// RecoverNetworkState.
func WithStateLoader(l StateLoader) Option { return func(m *Manager) { m.loader = l } }

// WithSettleDelay overrides the pause after re-enabling the radio.
func WithSettleDelay(d time.Duration) Option { return func(m *Manager) { m.settle = d } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager constructs a Manager around the given transport.
func NewManager(transport Transport, opts ...Option) *Manager {
	m := &Manager{
		transport: transport,
		settle:    defaultSettleDelay,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecoverConnection checks the platform radio and tries to bring it up.
// A denied permission request surfaces as a non-retryable
// *domain.PermissionDeniedError; a radio that stays off after a granted
// request surfaces as a retryable *domain.BluetoothDisabledError. On success
// it waits a fixed settle delay so the radio stack stabilizes before the
// caller resumes dispatching.
func (m *Manager) RecoverConnection(ctx context.Context) error {
	enabled, err := m.transport.BluetoothEnabled(ctx)
	if err != nil {
		return fmt.Errorf("query bluetooth state: %w", err)
	}

	if !enabled {
		m.logger.Warn("bluetooth disabled, requesting permission")
		granted, err := m.transport.RequestBluetoothPermission(ctx)
		if err != nil {
			return fmt.Errorf("request bluetooth permission: %w", err)
		}
		if !granted {
			return &domain.PermissionDeniedError{}
		}
		// A granted request does not guarantee the radio powered up; some
		// platforms flip the permission without flipping the adapter.
		enabled, err = m.transport.BluetoothEnabled(ctx)
		if err != nil {
			return fmt.Errorf("query bluetooth state: %w", err)
		}
		if !enabled {
			return &domain.BluetoothDisabledError{}
		}
	}

	select {
	case <-time.After(m.settle):
	case <-ctx.Done():
		return ctx.Err()
	}
	m.logger.Info("connection recovery complete", slog.Duration("settled", m.settle))
	return nil
}

// RecoverNetworkState reloads the saved mesh network into the bridge. With
// no loader configured, or nothing saved, it fails with a typed
// *domain.NetworkNotInitializedError.
func (m *Manager) RecoverNetworkState(ctx context.Context) error {
	if m.loader == nil {
		return &domain.NetworkNotInitializedError{}
	}

	state, err := m.loader(ctx)
	if err != nil {
		return fmt.Errorf("load saved network state: %w", err)
	}
	if len(state) == 0 {
		return &domain.NetworkNotInitializedError{}
	}

	if err := m.transport.LoadNetwork(ctx, state); err != nil {
		return fmt.Errorf("restore network state into bridge: %w", err)
	}
	m.logger.Info("network state restored", slog.Int("bytes", len(state)))
	return nil
}
