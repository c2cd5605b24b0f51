package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"promorelay/internal/api"
	"promorelay/internal/config"
	"promorelay/internal/config_handler"
	"promorelay/internal/constants"
	"promorelay/internal/deduplication"
	"promorelay/internal/delivery"
	"promorelay/internal/ingestion"
	"promorelay/internal/live"
	"promorelay/internal/logger"
	"promorelay/internal/source"
	"promorelay/internal/store"
	"promorelay/pkg/bootstrap"
	"promorelay/pkg/health"
	"promorelay/pkg/logging"
	"promorelay/pkg/metrics"
	"promorelay/pkg/models"
	"promorelay/pkg/ratelimit"
	"promorelay/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	provider       *config.Provider
	instanceID     string
	dbConnector    *bootstrap.DatabaseConnector
	store          store.Store
	client         *source.GatewayClient
	queue          *delivery.Queue
	controller     *live.Controller
	service        *ingestion.Service
	limiter        *ratelimit.Limiter
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(provider *config.Provider, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceName)
	}
	cfg := provider.Get()
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		provider:    provider,
		instanceID:  constants.ServiceName + "-" + uuid.New().String(),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

// Initialize wires every component. Failing to reach the source platform here
// is fatal; later connection losses are handled by the live controller.
func (a *App) Initialize(ctx context.Context) error {
	ctx = logging.WithServiceName(ctx, constants.ServiceName)

	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterRelayMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterAPIMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	a.InitBroker(constants.ServiceName)

	st, err := a.dbConnector.OpenStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st

	client, err := source.NewGatewayClient(a.Config.Source, a.Logger.Named("source"))
	if err != nil {
		return fmt.Errorf("failed to create source client: %w", err)
	}
	a.client = client
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to source platform: %w", err)
	}

	events := delivery.NewBrokerEvents(a.Producer, a.Config.Broker.Kafka, nil, a.Logger.Named("events"))
	a.queue = delivery.NewQueue(client, st, a.provider, events, nil, a.Logger.Named("delivery"))

	var liveEvents <-chan live.Event
	if a.Config.Source.NATSURL != "" {
		a.controller = live.NewController(client, a.provider, nil, a.Logger.Named("live"))
		liveEvents = a.controller.Events()
	} else {
		a.Logger.InfowCtx(ctx, "No live push transport configured, polling only")
	}

	filter, err := live.NewExpressionFilter()
	if err != nil {
		return fmt.Errorf("failed to create filter evaluator: %w", err)
	}

	a.service = ingestion.NewService(ingestion.Deps{
		Client:   client,
		Gate:     deduplication.NewGate(st, nil, a.Logger.Named("dedup")),
		Queue:    a.queue,
		Settings: a.provider,
		Live:     liveEvents,
		Filter:   filter,
		Logger:   a.Logger.Named("ingestion"),
	})

	a.provider.OnChange(func(cfg *config.Config) {
		a.service.ForgetChannels()
		a.Logger.Infow("Configuration reloaded",
			"active_channels", len(a.provider.ActiveChannels()),
			"active_destinations", len(a.provider.ActiveDestinations()))
	})
	a.provider.Watch(func(err error) {
		a.Logger.Errorw("Config reload failed, keeping previous configuration", "error", err)
	})

	a.initHTTPServer()
	return nil
}

func (a *App) initHTTPServer() {
	registry := health.NewCheckerRegistry()
	for _, checker := range a.dbConnector.HealthCheckers() {
		registry.Register(checker)
	}
	registry.Register(health.NewConnectionChecker("source", a.client, false))

	var liveStatus api.LiveStatus
	if a.controller != nil {
		liveStatus = a.controller
	}

	handler := api.NewHandler(a.queue, liveStatus, a.service, a.provider, registry, a.Logger.Named("api"))
	if topic := a.Config.Broker.Kafka.ConfigUpdateTopic; topic != "" {
		handler.WithNotifier(config_handler.NewPublisher(a.Producer, topic, a.instanceID))
	}
	router, limiter := api.NewRouter(a.Config.Server, a.Config.Tracing.Enabled, handler, a.Logger)
	a.limiter = limiter
	a.server = api.NewServer(a.Config.Server, router)
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if a.limiter != nil {
		g.Go(func() error {
			a.limiter.Run(gCtx)
			return nil
		})
	}

	g.Go(func() error { return a.queue.Run(gCtx) })
	g.Go(func() error { return a.service.RunPoller(gCtx) })

	if a.controller != nil {
		g.Go(func() error { return a.controller.Run(gCtx) })
		g.Go(func() error { return a.service.RunLiveConsumer(gCtx) })
	}

	if a.Consumer != nil && a.Config.Broker.Kafka.ConfigUpdateTopic != "" {
		configEventHandler := config_handler.NewHandler(models.EventTypeConfigUpdated, a.provider, a.Logger).
			IgnoreSource(a.instanceID)
		g.Go(func() error {
			configCtx := logging.WithServiceName(gCtx, constants.ServiceName)
			a.Logger.InfowCtx(configCtx, "Starting config update event consumer",
				"topic", a.Config.Broker.Kafka.ConfigUpdateTopic,
			)
			return a.Consumer.Consume(gCtx, a.Config.Broker.Kafka.ConfigUpdateTopic, configEventHandler.HandleConfigUpdateEvent)
		})
	}

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, constants.ServiceName)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down relay service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.controller != nil {
			a.controller.Stop()
		}
		if a.queue != nil {
			a.queue.Stop()
		}
		if a.service != nil {
			a.service.Stop()
		}
		if a.client != nil {
			if err := a.client.Close(); err != nil {
				errs = append(errs, fmt.Errorf("source client close error: %w", err))
			}
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx)...)
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
