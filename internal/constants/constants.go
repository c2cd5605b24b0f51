package constants

import "time"

const (
	ServiceName = "relay-service"
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout = 10 * time.Second
)

const (
	CacheKeyPrefixMessage = "msg:"
)

const (
	DefaultOutputTopic       = "promo_events"
	DefaultDLQTopic          = "promo_events_dlq"
	DefaultConfigUpdateTopic = "relay_config_updates"
)

const (
	DefaultMongoDBName     = "promorelay"
	MessagesCollectionName = "messages"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultCheckInterval        = 5 * time.Minute
	DefaultMaxAge               = 24 * time.Hour
	DefaultFetchLimit           = 50
	DefaultBatchSize            = 5
	DefaultDrainInterval        = time.Second
	DefaultSendDelay            = 2 * time.Second
	DefaultMaxJobAttempts       = 5
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 10 * time.Second
	DefaultLiveEventsBuffer     = 256
	DefaultLiveMinTextLength    = 10
	DefaultTextPreviewLength    = 200
	DefaultDateLayout           = "02.01.2006 15:04"
	DefaultTimezone             = "UTC"
	DefaultScanConcurrency      = 4
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMongoDB  = "mongodb"
	StoreBackendRedis    = "redis"
	StoreBackendMemory   = "memory"
)

const (
	PathPoll = "poll"
	PathLive = "live"
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)
