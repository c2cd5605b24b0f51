package bootstrap

import (
	"context"
	"fmt"

	"promorelay/internal/broker"
	"promorelay/internal/config"
	"promorelay/internal/logger"
)

// Base carries what every relay process needs: config, logger and the
// broker clients.
type Base struct {
	Config   *config.Config
	Logger   logger.Logger
	Producer broker.Producer
	// Consumer is nil when the broker is disabled.
	Consumer broker.Consumer
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

func (b *Base) InitBroker(serviceName string) {
	b.Producer = broker.NewProducer(b.Config.Broker, b.Logger)

	consumer := broker.NewConsumer(b.Config.Broker, b.Logger)
	if consumer != nil && serviceName != "" {
		consumer.SetServiceName(serviceName)
	}
	b.Consumer = consumer

	if b.Config.Broker.Enabled {
		b.Logger.Infow("Kafka broker enabled", "brokers", b.Config.Broker.Kafka.Brokers)
	}
}

func (b *Base) ShutdownBroker() []error {
	var errs []error

	if b.Producer != nil {
		if err := b.Producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close error: %w", err))
		}
	}

	if b.Consumer != nil {
		if err := b.Consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer close error: %w", err))
		}
	}

	return errs
}

// Shutdown runs additionalShutdown first, then closes the broker clients so
// in-flight audit events can still be published.
func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down application...")

	var errs []error

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	errs = append(errs, b.ShutdownBroker()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.Info("Application exited successfully")
	return nil
}
