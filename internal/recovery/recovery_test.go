package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeTransport struct {
	enabled     bool
	enabledErr  error
	granted     bool
	grantedErr  error
	stuckOff    bool // radio stays off even after a granted request
	askedPerm   bool
	loadedState []byte
	loadErr     error
}

func (f *fakeTransport) BluetoothEnabled(context.Context) (bool, error) {
	return f.enabled, f.enabledErr
}

func (f *fakeTransport) RequestBluetoothPermission(context.Context) (bool, error) {
	f.askedPerm = true
	if f.granted && !f.stuckOff {
		f.enabled = true
	}
	return f.granted, f.grantedErr
}

func (f *fakeTransport) LoadNetwork(_ context.Context, state []byte) error {
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loadedState = state
	return nil
}

func newTestManager(tr *fakeTransport, opts ...Option) *Manager {
	return NewManager(tr, append([]Option{WithSettleDelay(time.Millisecond)}, opts...)...)
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestRecoverConnection_RadioAlreadyEnabled(t *testing.T) {
	tr := &fakeTransport{enabled: true}
	m := newTestManager(tr)

	require.NoError(t, m.RecoverConnection(context.Background()))
	assert.False(t, tr.askedPerm, "no permission request when the radio is on")
}

func TestRecoverConnection_DisabledThenGranted(t *testing.T) {
	tr := &fakeTransport{enabled: false, granted: true}
	m := newTestManager(tr)

	require.NoError(t, m.RecoverConnection(context.Background()))
	assert.True(t, tr.askedPerm)
}

func TestRecoverConnection_RadioStuckOffAfterGrant(t *testing.T) {
	tr := &fakeTransport{enabled: false, granted: true, stuckOff: true}
	m := newTestManager(tr)

	err := m.RecoverConnection(context.Background())
	var disabled *domain.BluetoothDisabledError
	require.ErrorAs(t, err, &disabled)
	assert.True(t, domain.IsRetryable(err), "an adapter that has not powered up yet is worth retrying")
	assert.Equal(t, domain.KindConnectivity, domain.ErrKind(err))
}

func TestRecoverConnection_PermissionDenied(t *testing.T) {
	tr := &fakeTransport{enabled: false, granted: false}
	m := newTestManager(tr)

	err := m.RecoverConnection(context.Background())
	var denied *domain.PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.False(t, domain.IsRetryable(err), "a denied permission must not be retried")
}

func TestRecoverConnection_TransportError(t *testing.T) {
	sentinel := errors.New("bridge unreachable")
	m := newTestManager(&fakeTransport{enabledErr: sentinel})

	err := m.RecoverConnection(context.Background())
	assert.ErrorIs(t, err, sentinel)
}

func TestRecoverConnection_CancelledDuringSettle(t *testing.T) {
	tr := &fakeTransport{enabled: true}
	m := NewManager(tr, WithSettleDelay(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.RecoverConnection(ctx), context.DeadlineExceeded)
}

func TestRecoverNetworkState_NoLoaderConfigured(t *testing.T) {
	m := newTestManager(&fakeTransport{})

	err := m.RecoverNetworkState(context.Background())
	var notInit *domain.NetworkNotInitializedError
	require.ErrorAs(t, err, &notInit)
}

func TestRecoverNetworkState_NoSavedState(t *testing.T) {
	m := newTestManager(&fakeTransport{}, WithStateLoader(
		func(context.Context) ([]byte, error) { return nil, nil },
	))

	err := m.RecoverNetworkState(context.Background())
	var notInit *domain.NetworkNotInitializedError
	require.ErrorAs(t, err, &notInit)
	assert.Equal(t, domain.KindNetwork, domain.ErrKind(err))
}

func TestRecoverNetworkState_FeedsStateIntoTransport(t *testing.T) {
	tr := &fakeTransport{}
	state := []byte(`{"netkey":"00112233"}`)
	m := newTestManager(tr, WithStateLoader(
		func(context.Context) ([]byte, error) { return state, nil },
	))

	require.NoError(t, m.RecoverNetworkState(context.Background()))
	assert.Equal(t, state, tr.loadedState)
}

func TestRecoverNetworkState_LoaderError(t *testing.T) {
	sentinel := errors.New("redis down")
	m := newTestManager(&fakeTransport{}, WithStateLoader(
		func(context.Context) ([]byte, error) { return nil, sentinel },
	))

	assert.ErrorIs(t, m.RecoverNetworkState(context.Background()), sentinel)
}

func TestRecoverNetworkState_BridgeLoadError(t *testing.T) {
	sentinel := errors.New("invalid keys")
	tr := &fakeTransport{loadErr: sentinel}
	m := newTestManager(tr, WithStateLoader(
		func(context.Context) ([]byte, error) { return []byte("state"), nil },
	))

	assert.ErrorIs(t, m.RecoverNetworkState(context.Background()), sentinel)
}
