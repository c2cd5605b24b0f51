package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Source         SourceConfig         `mapstructure:"source"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
	Relay          RelayConfig          `mapstructure:"relay"`
	Channels       []ChannelConfig      `mapstructure:"channels"`
	Destinations   []DestinationConfig  `mapstructure:"destinations"`
}

type ServerConfig struct {
	Port                int             `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration   `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration   `mapstructure:"write_timeout_seconds"`
	RateLimit           RateLimitConfig `mapstructure:"rate_limit"`
}

type DatabaseConfig struct {
	StoreBackend  string         `mapstructure:"store_backend"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
	MongoDB       MongoDBConfig  `mapstructure:"mongodb"`
	RunMigrations bool           `mapstructure:"run_migrations"`
	Retry         RetryConfig    `mapstructure:"retry"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Enabled bool        `mapstructure:"enabled"`
	Kafka   KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers           []string    `mapstructure:"brokers"`
	GroupID           string      `mapstructure:"group_id"`
	OutputTopic       string      `mapstructure:"output_topic"`
	ConfigUpdateTopic string      `mapstructure:"config_update_topic"`
	DLQTopic          string      `mapstructure:"dlq_topic"`
	Retry             RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

// SourceConfig points at the platform gateway. Resolve, fetch and send go over
// HTTP; live pushes arrive on a NATS subject.
type SourceConfig struct {
	GatewayURL  string        `mapstructure:"gateway_url"`
	Token       string        `mapstructure:"token"`
	Timeout     time.Duration `mapstructure:"timeout"`
	NATSURL     string        `mapstructure:"nats_url"`
	LiveSubject string        `mapstructure:"live_subject"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

// RelayConfig holds the ingestion and delivery settings.
type RelayConfig struct {
	CheckInterval        time.Duration `mapstructure:"check_interval"`
	MaxAge               time.Duration `mapstructure:"max_age"`
	FetchLimit           int           `mapstructure:"fetch_limit"`
	ScanConcurrency      int           `mapstructure:"scan_concurrency"`
	BatchSize            int           `mapstructure:"batch_size"`
	DrainInterval        time.Duration `mapstructure:"drain_interval"`
	SendDelay            time.Duration `mapstructure:"send_delay"`
	MaxJobAttempts       int           `mapstructure:"max_job_attempts"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	LiveEventsBuffer     int           `mapstructure:"live_events_buffer"`
	// LiveRequireURL tightens the live send policy to the batch rule.
	LiveRequireURL    bool   `mapstructure:"live_require_url"`
	LiveMinTextLength int    `mapstructure:"live_min_text_length"`
	TextPreviewLength int    `mapstructure:"text_preview_length"`
	DateLayout        string `mapstructure:"date_layout"`
	Timezone          string `mapstructure:"timezone"`
}

type ChannelConfig struct {
	ID               string   `mapstructure:"id" json:"id"`
	Handle           string   `mapstructure:"handle" json:"handle"`
	Name             string   `mapstructure:"name" json:"name"`
	Active           bool     `mapstructure:"active" json:"active"`
	LiveEnabled      bool     `mapstructure:"live_enabled" json:"live_enabled"`
	Keywords         []string `mapstructure:"keywords" json:"keywords,omitempty"`
	FilterExpression string   `mapstructure:"filter_expression" json:"filter_expression,omitempty"`
}

// DisplayName falls back to the handle when no name is configured.
func (c ChannelConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Handle
}

type DestinationConfig struct {
	ID       string `mapstructure:"id" json:"id"`
	Handle   string `mapstructure:"handle" json:"handle"`
	Name     string `mapstructure:"name" json:"name"`
	Active   bool   `mapstructure:"active" json:"active"`
	Template string `mapstructure:"template" json:"template,omitempty"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
