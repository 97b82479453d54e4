package health_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
	"github.com/thanhtunguet/go-mesh-flow/internal/health"
	"github.com/thanhtunguet/go-mesh-flow/internal/transport"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

// memStore is an in-memory NodeStore covering what the monitor touches.
type memStore struct {
	mu    sync.Mutex
	nodes map[uint16]*domain.MeshNode
}

func newMemStore(nodes ...*domain.MeshNode) *memStore {
	s := &memStore{nodes: make(map[uint16]*domain.MeshNode)}
	for _, n := range nodes {
		s.nodes[n.Address] = n
	}
	return s
}

func (s *memStore) SetNode(_ context.Context, node *domain.MeshNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *node
	s.nodes[node.Address] = &cp
	return nil
}

func (s *memStore) GetNode(_ context.Context, addr uint16) (*domain.MeshNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[addr]
	if !ok {
		return nil, &domain.NodeNotFoundError{Address: addr}
	}
	cp := *n
	return &cp, nil
}

func (s *memStore) DeleteNode(_ context.Context, addr uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, addr)
	return nil
}

func (s *memStore) ListNodes(_ context.Context) ([]*domain.MeshNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.MeshNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) SetState(_ context.Context, addr uint16, state domain.NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[addr]
	if !ok {
		return &domain.NodeNotFoundError{Address: addr}
	}
	n.State = state
	if state == domain.NodeOnline {
		n.LastSeen = time.Now().UTC()
	}
	return nil
}

func (s *memStore) Cursor(context.Context) (uint16, error)         { return domain.UnicastMin, nil }
func (s *memStore) SetCursor(context.Context, uint16) error        { return nil }
func (s *memStore) NetworkState(context.Context) ([]byte, error)   { return nil, nil }
func (s *memStore) SaveNetworkState(context.Context, []byte) error { return nil }

func (s *memStore) state(addr uint16) domain.NodeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[addr].State
}

// fakeDispatcher answers probes, failing for scripted addresses.
type fakeDispatcher struct {
	mu      sync.Mutex
	probed  []uint16
	offline map[uint16]bool
}

func (f *fakeDispatcher) Dispatch(_ context.Context, target uint16, _ []byte) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, target)
	if f.offline[target] {
		return nil, errors.New("no response")
	}
	return &transport.Response{Source: target}, nil
}

func node(addr uint16, state domain.NodeState) *domain.MeshNode {
	return &domain.MeshNode{Address: addr, UUID: "node", State: state}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestSweep_MarksStates(t *testing.T) {
	store := newMemStore(
		node(0x0010, domain.NodeUnknown),
		node(0x0011, domain.NodeOnline),
	)
	dispatcher := &fakeDispatcher{offline: map[uint16]bool{0x0011: true}}
	m := health.NewMonitor(store, dispatcher)

	m.Sweep(context.Background())

	assert.Equal(t, domain.NodeOnline, store.state(0x0010))
	assert.Equal(t, domain.NodeOffline, store.state(0x0011))
	assert.Len(t, dispatcher.probed, 2)
}

func TestSweep_PublishesTransitions(t *testing.T) {
	store := newMemStore(node(0x0010, domain.NodeOnline))
	dispatcher := &fakeDispatcher{offline: map[uint16]bool{0x0010: true}}
	bus := transport.NewEventBus()
	sub := bus.Subscribe("", transport.EventNodeStatus)
	defer sub.Close()

	m := health.NewMonitor(store, dispatcher, health.WithEventBus(bus))
	m.Sweep(context.Background())

	select {
	case ev := <-sub.C:
		assert.Equal(t, transport.EventNodeStatus, ev.Kind)
		assert.Equal(t, uint16(0x0010), ev.NodeAddress)
		assert.False(t, ev.Online)
	case <-time.After(time.Second):
		t.Fatal("expected a node status event")
	}
}

func TestSweep_NoEventWithoutTransition(t *testing.T) {
	store := newMemStore(node(0x0010, domain.NodeOnline))
	dispatcher := &fakeDispatcher{}
	bus := transport.NewEventBus()
	sub := bus.Subscribe("", transport.EventNodeStatus)
	defer sub.Close()

	m := health.NewMonitor(store, dispatcher, health.WithEventBus(bus))
	m.Sweep(context.Background())

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %+v for a node that stayed online", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSweep_UpdatesLastSeen(t *testing.T) {
	store := newMemStore(node(0x0010, domain.NodeOffline))
	m := health.NewMonitor(store, &fakeDispatcher{})

	m.Sweep(context.Background())

	n, err := store.GetNode(context.Background(), 0x0010)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeOnline, n.State)
	assert.False(t, n.LastSeen.IsZero())
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	m := health.NewMonitor(newMemStore(), &fakeDispatcher{})
	err := m.Start(context.Background(), "not a schedule")
	require.Error(t, err)
}

func TestStart_RunsOnSchedule(t *testing.T) {
	store := newMemStore(node(0x0010, domain.NodeUnknown))
	dispatcher := &fakeDispatcher{}
	m := health.NewMonitor(store, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx, "@every 100ms"))

	require.Eventually(t, func() bool {
		dispatcher.mu.Lock()
		defer dispatcher.mu.Unlock()
		return len(dispatcher.probed) >= 1
	}, 3*time.Second, 20*time.Millisecond, "sweep never fired")
}
