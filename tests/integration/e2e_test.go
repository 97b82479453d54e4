//go:build integration

// Package integration contains end-to-end integration tests that require
// real infrastructure (Kafka, Redis, PostgreSQL) provided by testcontainers-go.
// The BLE bridge itself is simulated; everything north of the transport
// boundary is the real thing.
//
// Run with: go test -tags=integration -v ./tests/integration/
package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhtunguet/go-mesh-flow/internal/commands"
	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
	"github.com/thanhtunguet/go-mesh-flow/internal/kafka"
	"github.com/thanhtunguet/go-mesh-flow/internal/postgres"
	meshredis "github.com/thanhtunguet/go-mesh-flow/internal/redis"
	"github.com/thanhtunguet/go-mesh-flow/internal/scheduler"
	"github.com/thanhtunguet/go-mesh-flow/internal/transport"
	"github.com/thanhtunguet/go-mesh-flow/services/gateway"
)

// loopbackBridge acks every command instantly, standing in for the radio.
type loopbackBridge struct {
	transport.Transport

	mu   sync.Mutex
	sent []uint16
}

func (b *loopbackBridge) SendCommand(_ context.Context, target uint16, _ []byte, _ time.Duration) (*transport.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, target)
	return &transport.Response{Source: target, Opcode: 0x8204}, nil
}

func (b *loopbackBridge) targets() []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint16(nil), b.sent...)
}

// TestE2E_CommandIntakeLifecycle exercises the full intake pipeline against
// real infrastructure: Kafka command in, scheduler dispatch onto the bridge,
// Redis node registry, Postgres audit record, and the event stream back out
// to Kafka.
func TestE2E_CommandIntakeLifecycle(t *testing.T) {
	ctx := context.Background()

	// ── Infrastructure setup ─────────────────────────────────────────────────
	redisClient := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() {
		redisClient.FlushDB(ctx) //nolint:errcheck
		redisClient.Close()      //nolint:errcheck
	})
	store := meshredis.NewNodeStore(redisClient)

	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE command_executions, firmware_updates, provisioned_nodes CASCADE") //nolint:errcheck
		pool.Close()
	})
	repo := postgres.NewRepository(pool)

	intakeTopic := uniqueTopic("e2e-intake")
	eventsTopic := uniqueTopic("e2e-events")
	createTopic(t, intakeTopic)
	createTopic(t, eventsTopic)

	eventsProducer := kafka.NewProducer(testKafkaBrokers, eventsTopic)
	t.Cleanup(func() { eventsProducer.Close() }) //nolint:errcheck

	// ── Gateway under test ───────────────────────────────────────────────────
	bridge := &loopbackBridge{}
	bus := transport.NewEventBus()
	sched := scheduler.New[*transport.Response](scheduler.Options{
		Concurrency: 1,
		MinInterval: 10 * time.Millisecond,
	})

	gw := gateway.New(bridge, sched, commands.DefaultRegistry(), store, bus,
		gateway.WithLogger(slog.Default()),
		gateway.WithAuditRepository(repo),
		gateway.WithEventProducer(eventsProducer),
		gateway.WithRetries(1, 10*time.Millisecond),
	)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go gw.ExportEvents(runCtx)

	// ── Step 1: node joins the registry (as the provisioner would record) ────
	node := &domain.MeshNode{
		Address:       0x0010,
		UUID:          "e2e-device",
		State:         domain.NodeOnline,
		ProvisionedAt: time.Now().UTC(),
	}
	require.NoError(t, gw.PersistNode(ctx, node, 0x0011))

	// ── Step 2: command arrives over the intake topic ────────────────────────
	intakeProducer := kafka.NewProducer(testKafkaBrokers, intakeTopic)
	t.Cleanup(func() { intakeProducer.Close() }) //nolint:errcheck

	cmd := &domain.CommandRequest{
		ID:     "e2e-cmd-1",
		Target: 0x0010,
		Type:   "onoff",
		Params: json.RawMessage(`{"on":true}`),
	}
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, intakeProducer.Publish(ctx, "0x0010", raw))

	consumer := kafka.NewConsumer(testKafkaBrokers, intakeTopic, "e2e-gateway", slog.Default())
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck

	intakeCtx, intakeCancel := context.WithTimeout(ctx, 30*time.Second)
	defer intakeCancel()
	go func() { _ = gw.RunIntake(intakeCtx, consumer) }()

	// The command must reach the bridge.
	require.Eventually(t, func() bool { return len(bridge.targets()) == 1 },
		30*time.Second, 50*time.Millisecond, "command never reached the bridge")
	assert.Equal(t, uint16(0x0010), bridge.targets()[0])

	// ── Step 3: execution is audited in Postgres ─────────────────────────────
	require.Eventually(t, func() bool {
		execs, err := repo.ExecutionsForTarget(ctx, 0x0010, 10)
		return err == nil && len(execs) == 1
	}, 10*time.Second, 100*time.Millisecond, "execution never recorded")

	execs, err := repo.ExecutionsForTarget(ctx, 0x0010, 10)
	require.NoError(t, err)
	assert.True(t, execs[0].Success)
	assert.Equal(t, "e2e-cmd-1", execs[0].CommandID)
	assert.Equal(t, "onoff", execs[0].Type)

	// ── Step 4: a bridge event flows out on the export topic ─────────────────
	bus.Publish(transport.Event{
		Kind:        transport.EventNodeStatus,
		Correlation: transport.NodeCorrelation(0x0010),
		NodeAddress: 0x0010,
		Online:      true,
	})

	eventsConsumer := kafka.NewConsumer(testKafkaBrokers, eventsTopic, "e2e-events", slog.Default())
	t.Cleanup(func() { eventsConsumer.Close() }) //nolint:errcheck

	received := make(chan transport.Event, 1)
	evCtx, evCancel := context.WithTimeout(ctx, 30*time.Second)
	defer evCancel()
	go func() {
		eventsConsumer.Subscribe(evCtx, func(_ context.Context, m kafka.Message) error { //nolint:errcheck
			var ev transport.Event
			if err := json.Unmarshal(m.Value, &ev); err != nil {
				return nil
			}
			received <- ev
			evCancel()
			return nil
		})
	}()

	select {
	case ev := <-received:
		assert.Equal(t, transport.EventNodeStatus, ev.Kind)
		assert.Equal(t, uint16(0x0010), ev.NodeAddress)
		assert.True(t, ev.Online)
	case <-evCtx.Done():
		t.Fatal("node status event never reached the export topic")
	}

	// ── Step 5: the registry survives in Redis ───────────────────────────────
	got, err := store.GetNode(ctx, 0x0010)
	require.NoError(t, err)
	assert.Equal(t, "e2e-device", got.UUID)

	cursor, err := store.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0011), cursor)
}
