package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"promorelay/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	return readConfig(newViper(configFile))
}

func newViper(configFile string) *viper.Viper {
	v := viper.New()

	v.SetConfigType("yaml")
	v.SetConfigFile(configFile)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvVariables(v)

	return v
}

func readConfig(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", v.ConfigFileUsed(), err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(v, &cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", "10s")
	v.SetDefault("server.write_timeout_seconds", "10s")

	v.SetDefault("database.store_backend", constants.StoreBackendPostgres)
	v.SetDefault("database.retry.max_attempts", 3)
	v.SetDefault("database.retry.initial_interval", "100ms")
	v.SetDefault("database.retry.max_interval", "2s")
	v.SetDefault("database.retry.multiplier", 2.0)

	v.SetDefault("broker.kafka.output_topic", constants.DefaultOutputTopic)
	v.SetDefault("broker.kafka.dlq_topic", constants.DefaultDLQTopic)
	v.SetDefault("broker.kafka.config_update_topic", constants.DefaultConfigUpdateTopic)
	v.SetDefault("broker.kafka.retry.max_attempts", 3)
	v.SetDefault("broker.kafka.retry.initial_interval", "1s")
	v.SetDefault("broker.kafka.retry.max_interval", "30s")
	v.SetDefault("broker.kafka.retry.multiplier", 2.0)

	v.SetDefault("source.timeout", constants.DefaultHTTPTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("relay.check_interval", constants.DefaultCheckInterval)
	v.SetDefault("relay.max_age", constants.DefaultMaxAge)
	v.SetDefault("relay.fetch_limit", constants.DefaultFetchLimit)
	v.SetDefault("relay.scan_concurrency", constants.DefaultScanConcurrency)
	v.SetDefault("relay.batch_size", constants.DefaultBatchSize)
	v.SetDefault("relay.drain_interval", constants.DefaultDrainInterval)
	v.SetDefault("relay.send_delay", constants.DefaultSendDelay)
	v.SetDefault("relay.max_job_attempts", constants.DefaultMaxJobAttempts)
	v.SetDefault("relay.heartbeat_interval", constants.DefaultHeartbeatInterval)
	v.SetDefault("relay.max_reconnect_attempts", constants.DefaultMaxReconnectAttempts)
	v.SetDefault("relay.reconnect_delay", constants.DefaultReconnectDelay)
	v.SetDefault("relay.live_events_buffer", constants.DefaultLiveEventsBuffer)
	v.SetDefault("relay.live_min_text_length", constants.DefaultLiveMinTextLength)
	v.SetDefault("relay.text_preview_length", constants.DefaultTextPreviewLength)
	v.SetDefault("relay.date_layout", constants.DefaultDateLayout)
	v.SetDefault("relay.timezone", constants.DefaultTimezone)
}

func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("broker.enabled", "BROKER_ENABLED")
	v.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	v.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	v.BindEnv("broker.kafka.output_topic", "BROKER_KAFKA_OUTPUT_TOPIC")
	v.BindEnv("broker.kafka.config_update_topic", "BROKER_KAFKA_CONFIG_UPDATE_TOPIC")
	v.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")

	v.BindEnv("database.store_backend", "DATABASE_STORE_BACKEND")

	v.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	v.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	v.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	v.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	v.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	v.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	v.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	v.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	v.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	v.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	v.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	v.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	v.BindEnv("source.gateway_url", "SOURCE_GATEWAY_URL")
	v.BindEnv("source.token", "SOURCE_TOKEN")
	v.BindEnv("source.nats_url", "SOURCE_NATS_URL")
	v.BindEnv("source.live_subject", "SOURCE_LIVE_SUBJECT")

	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	v.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	v.BindEnv("logging.level", "LOGGING_LEVEL")
	v.BindEnv("logging.format", "LOGGING_FORMAT")

	v.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	v.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	v.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(v *viper.Viper, cfg *Config) {
	if brokersEnv := v.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := v.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}
}
