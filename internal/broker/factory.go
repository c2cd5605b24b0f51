package broker

import (
	"promorelay/internal/config"
	"promorelay/internal/logger"
)

// NewProducer returns a Kafka producer, or a no-op one when the broker is disabled.
func NewProducer(cfg config.BrokerConfig, log logger.Logger) Producer {
	if !cfg.Enabled {
		return NopProducer{}
	}
	return NewKafkaProducer(cfg.Kafka, log)
}

// NewConsumer returns nil when the broker is disabled.
func NewConsumer(cfg config.BrokerConfig, log logger.Logger) Consumer {
	if !cfg.Enabled {
		return nil
	}
	return NewKafkaConsumer(cfg.Kafka, log)
}
