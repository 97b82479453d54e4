package config

import "github.com/spf13/viper"

// Config holds typed configuration for the gateway service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	MetricsAddr  string
	OTelEndpoint string

	// MQTT bridge connection.
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTTopic    string

	// Kafka intake and event export.
	KafkaBrokers  string
	IntakeTopic   string
	EventsTopic   string
	ConsumerGroup string

	RedisAddr   string
	PostgresDSN string

	// Scheduler tuning.
	Concurrency      int
	MinIntervalMs    int
	QueueSize        int
	CommandTimeoutMs int

	// Retry policy for commands and provisioning.
	MaxRetries       int
	RetryBaseDelayMs int

	// Mesh network parameters.
	NetKeyIndex  int
	GroupAddress int
	AddressStart int

	// Health sweep cron schedule; empty disables the monitor.
	HealthCron string

	// Requests per client per minute over the REST API; 0 disables.
	RateLimit int
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetString("http_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		MQTTBroker:   v.GetString("mqtt_broker"),
		MQTTClientID: v.GetString("mqtt_client_id"),
		MQTTUsername: v.GetString("mqtt_username"),
		MQTTPassword: v.GetString("mqtt_password"),
		MQTTTopic:    v.GetString("mqtt_topic"),

		KafkaBrokers:  v.GetString("kafka_brokers"),
		IntakeTopic:   v.GetString("intake_topic"),
		EventsTopic:   v.GetString("events_topic"),
		ConsumerGroup: v.GetString("consumer_group"),

		RedisAddr:   v.GetString("redis_addr"),
		PostgresDSN: v.GetString("postgres_dsn"),

		Concurrency:      v.GetInt("scheduler_concurrency"),
		MinIntervalMs:    v.GetInt("scheduler_min_interval_ms"),
		QueueSize:        v.GetInt("scheduler_queue_size"),
		CommandTimeoutMs: v.GetInt("command_timeout_ms"),

		MaxRetries:       v.GetInt("max_retries"),
		RetryBaseDelayMs: v.GetInt("retry_base_delay_ms"),

		NetKeyIndex:  v.GetInt("net_key_index"),
		GroupAddress: v.GetInt("group_address"),
		AddressStart: v.GetInt("address_start"),

		HealthCron: v.GetString("health_cron"),
		RateLimit:  v.GetInt("rate_limit"),
	}
}
