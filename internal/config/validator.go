package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"promorelay/internal/constants"
	"promorelay/pkg/cel"
	pkgerrors "promorelay/pkg/errors"
)

var filterEvaluator = sync.OnceValues(cel.NewEvaluator)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Unwrap classifies every validation failure as malformed configuration.
func (e *ValidationError) Unwrap() error {
	return pkgerrors.ErrMalformedConfig
}

func ValidateStatic(cfg *Config) error {
	var errs []error

	if err := validateServer(cfg.Server); err != nil {
		errs = append(errs, err)
	}

	if cfg.Broker.Enabled {
		if err := validateKafka(cfg.Broker.Kafka); err != nil {
			errs = append(errs, err)
		}
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errs = append(errs, err)
	}

	if err := validateSource(cfg.Source); err != nil {
		errs = append(errs, err)
	}

	if err := validateRelay(cfg.Relay); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, validateChannels(cfg.Channels)...)
	errs = append(errs, validateDestinations(cfg.Destinations)...)

	return errors.Join(errs...)
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	if cfg.RateLimit.Enabled && (cfg.RateLimit.RPS <= 0 || cfg.RateLimit.Burst <= 0) {
		return &ValidationError{
			Field:   "server.rate_limit",
			Message: "rps and burst must be positive when rate limiting is enabled",
		}
	}

	return nil
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	if cfg.OutputTopic == "" {
		return &ValidationError{
			Field:   "broker.kafka.output_topic",
			Message: "output topic is required",
		}
	}

	return validateRetry("broker.kafka.retry", cfg.Retry)
}

func validateRetry(prefix string, cfg RetryConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   prefix + ".max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.InitialInterval < 0 {
		return &ValidationError{
			Field:   prefix + ".initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   prefix + ".max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier <= 0 {
		return &ValidationError{
			Field:   prefix + ".multiplier",
			Message: "multiplier must be positive",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	switch cfg.StoreBackend {
	case constants.StoreBackendPostgres:
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	case constants.StoreBackendMongoDB:
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	case constants.StoreBackendRedis:
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	case constants.StoreBackendMemory:
	default:
		return &ValidationError{
			Field:   "database.store_backend",
			Message: fmt.Sprintf("unknown store backend: %q (supported: postgres, mongodb, redis, memory)", cfg.StoreBackend),
		}
	}

	return validateRetry("database.retry", cfg.Retry)
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "PostgreSQL host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if cfg.URI == "" {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI is required",
		}
	}

	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	return nil
}

func validateSource(cfg SourceConfig) error {
	if cfg.GatewayURL == "" {
		return &ValidationError{
			Field:   "source.gateway_url",
			Message: "source gateway URL is required",
		}
	}

	if u, err := url.Parse(cfg.GatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
		return &ValidationError{
			Field:   "source.gateway_url",
			Message: fmt.Sprintf("invalid gateway URL: %s", cfg.GatewayURL),
		}
	}

	if cfg.NATSURL != "" && cfg.LiveSubject == "" {
		return &ValidationError{
			Field:   "source.live_subject",
			Message: "live subject is required when nats_url is set",
		}
	}

	return nil
}

func validateRelay(cfg RelayConfig) error {
	positive := []struct {
		field string
		value time.Duration
	}{
		{"relay.check_interval", cfg.CheckInterval},
		{"relay.drain_interval", cfg.DrainInterval},
		{"relay.heartbeat_interval", cfg.HeartbeatInterval},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return &ValidationError{Field: p.field, Message: "interval must be positive"}
		}
	}

	if cfg.MaxAge < 0 || cfg.SendDelay < 0 || cfg.ReconnectDelay < 0 {
		return &ValidationError{
			Field:   "relay",
			Message: "max_age, send_delay and reconnect_delay must be non-negative",
		}
	}

	if cfg.FetchLimit < 1 {
		return &ValidationError{Field: "relay.fetch_limit", Message: "fetch_limit must be at least 1"}
	}

	if cfg.BatchSize < 1 {
		return &ValidationError{Field: "relay.batch_size", Message: "batch_size must be at least 1"}
	}

	if cfg.MaxJobAttempts < 1 {
		return &ValidationError{Field: "relay.max_job_attempts", Message: "max_job_attempts must be at least 1"}
	}

	if cfg.MaxReconnectAttempts < 0 {
		return &ValidationError{Field: "relay.max_reconnect_attempts", Message: "max_reconnect_attempts must be non-negative"}
	}

	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return &ValidationError{Field: "relay.timezone", Message: fmt.Sprintf("unknown timezone: %s", cfg.Timezone)}
		}
	}

	return nil
}

func validateChannels(channels []ChannelConfig) []error {
	var errs []error
	seen := make(map[string]bool, len(channels))

	for i, ch := range channels {
		field := fmt.Sprintf("channels[%d]", i)
		if ch.Handle == "" {
			errs = append(errs, &ValidationError{Field: field + ".handle", Message: "channel handle is required"})
			continue
		}
		if seen[ch.Handle] {
			errs = append(errs, &ValidationError{Field: field + ".handle", Message: fmt.Sprintf("duplicate channel handle: %s", ch.Handle)})
		}
		seen[ch.Handle] = true

		if ch.LiveEnabled && len(ch.Keywords) == 0 {
			errs = append(errs, &ValidationError{Field: field + ".keywords", Message: "live-enabled channels need at least one keyword"})
		}

		if ch.FilterExpression != "" {
			eval, err := filterEvaluator()
			if err == nil {
				err = eval.ValidateFilterExpression(ch.FilterExpression)
			}
			if err != nil {
				errs = append(errs, &ValidationError{Field: field + ".filter_expression", Message: err.Error()})
			}
		}
	}

	return errs
}

func validateDestinations(destinations []DestinationConfig) []error {
	var errs []error
	seen := make(map[string]bool, len(destinations))

	for i, d := range destinations {
		field := fmt.Sprintf("destinations[%d]", i)
		if d.Handle == "" {
			errs = append(errs, &ValidationError{Field: field + ".handle", Message: "destination handle is required"})
			continue
		}
		if seen[d.Handle] {
			errs = append(errs, &ValidationError{Field: field + ".handle", Message: fmt.Sprintf("duplicate destination handle: %s", d.Handle)})
		}
		seen[d.Handle] = true
	}

	return errs
}
