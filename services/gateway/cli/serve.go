package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thanhtunguet/go-mesh-flow/internal/commands"
	"github.com/thanhtunguet/go-mesh-flow/internal/firmware"
	"github.com/thanhtunguet/go-mesh-flow/internal/health"
	"github.com/thanhtunguet/go-mesh-flow/internal/kafka"
	"github.com/thanhtunguet/go-mesh-flow/internal/postgres"
	"github.com/thanhtunguet/go-mesh-flow/internal/provisioning"
	"github.com/thanhtunguet/go-mesh-flow/internal/recovery"
	meshredis "github.com/thanhtunguet/go-mesh-flow/internal/redis"
	"github.com/thanhtunguet/go-mesh-flow/internal/scheduler"
	"github.com/thanhtunguet/go-mesh-flow/internal/transport"
	"github.com/thanhtunguet/go-mesh-flow/pkg/telemetry"
	"github.com/thanhtunguet/go-mesh-flow/services/gateway"
	"github.com/thanhtunguet/go-mesh-flow/services/gateway/config"
	"github.com/thanhtunguet/go-mesh-flow/services/gateway/handler"
	"github.com/thanhtunguet/go-mesh-flow/services/gateway/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mesh gateway",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9090", "Prometheus metrics server address")
	serveCmd.Flags().String("mqtt-broker", "tcp://localhost:1883", "MQTT broker URL of the mesh bridge")
	serveCmd.Flags().String("mqtt-client-id", "mesh-gateway", "MQTT client id")
	serveCmd.Flags().String("mqtt-topic", "mesh", "MQTT topic prefix used by the bridge")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty disables intake and export")
	serveCmd.Flags().String("intake-topic", "mesh.commands", "Kafka topic for inbound command requests")
	serveCmd.Flags().String("events-topic", "mesh.events", "Kafka topic for exported mesh events")
	serveCmd.Flags().String("consumer-group", "mesh-gateway-group", "Kafka consumer group id")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN for the audit trail; empty disables auditing")
	serveCmd.Flags().Int("scheduler-concurrency", 1, "concurrent dispatch slots")
	serveCmd.Flags().Int("scheduler-min-interval-ms", 320, "minimum milliseconds between dispatch starts")
	serveCmd.Flags().Int("scheduler-queue-size", 256, "pending queue capacity")
	serveCmd.Flags().Int("command-timeout-ms", 10000, "per-command dispatch timeout")
	serveCmd.Flags().Int("max-retries", 2, "additional command attempts after the first")
	serveCmd.Flags().Int("retry-base-delay-ms", 500, "base backoff delay between attempts")
	serveCmd.Flags().Int("group-address", 0xC000, "group address assigned after provisioning; 0 disables")
	serveCmd.Flags().Int("address-start", 1, "unicast address cursor start")
	serveCmd.Flags().String("health-cron", "@every 5m", "health sweep schedule; empty disables")
	serveCmd.Flags().Int("rate-limit", 120, "REST requests per client per minute; 0 disables")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("mqtt_broker", serveCmd.Flags(), "mqtt-broker")
	bindFlag("mqtt_client_id", serveCmd.Flags(), "mqtt-client-id")
	bindFlag("mqtt_topic", serveCmd.Flags(), "mqtt-topic")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("intake_topic", serveCmd.Flags(), "intake-topic")
	bindFlag("events_topic", serveCmd.Flags(), "events-topic")
	bindFlag("consumer_group", serveCmd.Flags(), "consumer-group")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("scheduler_concurrency", serveCmd.Flags(), "scheduler-concurrency")
	bindFlag("scheduler_min_interval_ms", serveCmd.Flags(), "scheduler-min-interval-ms")
	bindFlag("scheduler_queue_size", serveCmd.Flags(), "scheduler-queue-size")
	bindFlag("command_timeout_ms", serveCmd.Flags(), "command-timeout-ms")
	bindFlag("max_retries", serveCmd.Flags(), "max-retries")
	bindFlag("retry_base_delay_ms", serveCmd.Flags(), "retry-base-delay-ms")
	bindFlag("group_address", serveCmd.Flags(), "group-address")
	bindFlag("address_start", serveCmd.Flags(), "address-start")
	bindFlag("health_cron", serveCmd.Flags(), "health-cron")
	bindFlag("rate_limit", serveCmd.Flags(), "rate-limit")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "gateway")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "mesh-gateway", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	// ── mesh bridge transport ─────────────────────────────────────────────────
	mq, err := transport.NewMQTT(transport.MQTTConfig{
		Broker:         cfg.MQTTBroker,
		ClientID:       cfg.MQTTClientID,
		Username:       cfg.MQTTUsername,
		Password:       cfg.MQTTPassword,
		BaseTopic:      cfg.MQTTTopic,
		RequestTimeout: time.Duration(cfg.CommandTimeoutMs) * time.Millisecond,
	}, logger)
	if err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	defer func() { _ = mq.Close() }()

	bridge := transport.WithBreaker(mq, transport.BreakerConfig{}, logger)

	sched := scheduler.New[*transport.Response](scheduler.Options{
		Concurrency:    cfg.Concurrency,
		MinInterval:    time.Duration(cfg.MinIntervalMs) * time.Millisecond,
		MaxQueueSize:   cfg.QueueSize,
		DefaultTimeout: time.Duration(cfg.CommandTimeoutMs) * time.Millisecond,
	})

	// ── storage ───────────────────────────────────────────────────────────────
	redisClient := meshredis.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	store := meshredis.NewNodeStore(redisClient)

	var repo postgres.AuditRepository
	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		repo = postgres.NewRepository(pool)
	}

	// ── kafka intake + export ─────────────────────────────────────────────────
	var (
		consumer kafka.Consumer
		producer kafka.Producer
	)
	if cfg.KafkaBrokers != "" {
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		consumer = kafka.NewConsumer(brokers, cfg.IntakeTopic, cfg.ConsumerGroup, logger)
		defer func() { _ = consumer.Close() }()
		producer = kafka.NewProducer(brokers, cfg.EventsTopic)
		defer func() { _ = producer.Close() }()
	}

	// ── core services ─────────────────────────────────────────────────────────
	rec := recovery.NewManager(bridge,
		recovery.WithStateLoader(store.NetworkState),
		recovery.WithLogger(logger),
	)

	gwOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithRecovery(rec),
		gateway.WithRetries(cfg.MaxRetries, time.Duration(cfg.RetryBaseDelayMs)*time.Millisecond),
	}
	if repo != nil {
		gwOpts = append(gwOpts, gateway.WithAuditRepository(repo))
	}
	if producer != nil {
		gwOpts = append(gwOpts, gateway.WithEventProducer(producer))
	}
	gw := gateway.New(bridge, sched, commands.DefaultRegistry(), store, mq.Bus(), gwOpts...)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = gw.Startup(startCtx)
	startCancel()
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	// Resume the unicast cursor where the last run left off.
	cursor, err := store.Cursor(context.Background())
	if err != nil {
		return fmt.Errorf("address cursor: %w", err)
	}
	if s := uint16(cfg.AddressStart); s > cursor {
		cursor = s
	}
	alloc := provisioning.NewAddressAllocator(cursor)
	logger.Info("unicast cursor restored", slog.String("next", fmt.Sprintf("0x%04X", cursor)))

	prov := provisioning.NewProvisioner(bridge, alloc,
		provisioning.WithLogger(logger),
		provisioning.WithDispatcher(gw),
		provisioning.WithGroup(uint16(cfg.GroupAddress)),
		provisioning.WithNetKeyIndex(uint16(cfg.NetKeyIndex)),
	)
	remote := provisioning.NewRemoteProvisioner(bridge, alloc,
		provisioning.WithRemoteLogger(logger),
		provisioning.WithRemoteNetKeyIndex(uint16(cfg.NetKeyIndex)),
	)
	updater := firmware.NewUpdater(bridge, firmware.WithLogger(logger))

	// ── run ───────────────────────────────────────────────────────────────────
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	if cfg.HealthCron != "" {
		monitor := health.NewMonitor(store, gw,
			health.WithLogger(logger),
			health.WithEventBus(mq.Bus()),
		)
		if err := monitor.Start(runCtx, cfg.HealthCron); err != nil {
			return fmt.Errorf("health monitor: %w", err)
		}
	}

	if consumer != nil {
		go func() {
			if err := gw.RunIntake(runCtx, consumer); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("intake consumer stopped", slog.String("error", err.Error()))
			}
		}()
	}
	go gw.ExportEvents(runCtx)

	restHandler := handler.NewREST(gw, prov, remote, updater, store, repo, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	if cfg.RateLimit > 0 {
		limiter := meshredis.NewRateLimiter(redisClient, cfg.RateLimit, time.Minute)
		r.Use(middleware.RateLimit(limiter, logger))
	}
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Route("/api/v1", restHandler.Routes)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // provisioning and firmware batches are slow
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		logger.Info("gateway HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down, draining in-flight commands...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	if err := sched.WaitForIdle(shutCtx); err != nil {
		logger.Warn("scheduler drain timed out",
			slog.Int("pending", sched.QueueDepth()), slog.Int("running", sched.Running()))
	}
	runCancel()

	// Persist the cursor so the next run resumes allocation monotonically.
	if err := store.SetCursor(shutCtx, alloc.Next()); err != nil {
		logger.Error("failed to persist address cursor", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
