package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"promorelay/internal/broker"
	"promorelay/internal/config"
	"promorelay/internal/constants"
	"promorelay/internal/logger"
	"promorelay/internal/store"
	"promorelay/pkg/health"
	"promorelay/pkg/migrations"
)

// DatabaseConnector opens the configured store backend and owns its client
// handles until shutdown.
type DatabaseConnector struct {
	Config *config.Config
	Logger logger.Logger

	redis    *redis.Client
	postgres *sql.DB
	mongo    *mongo.Client
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Config: cfg,
		Logger: log,
	}
}

// OpenStore connects the backend named by database.store_backend and wraps
// it with retries and, when enabled, a circuit breaker.
func (dc *DatabaseConnector) OpenStore(ctx context.Context) (store.Store, error) {
	backend := dc.Config.Database.StoreBackend
	if backend == "" {
		backend = constants.StoreBackendMemory
	}

	var next store.Store
	switch backend {
	case constants.StoreBackendPostgres:
		db, err := dc.InitPostgreSQL(ctx)
		if err != nil {
			return nil, err
		}
		if dc.Config.Database.RunMigrations {
			if err := migrations.MigratePostgres(db); err != nil {
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			dc.Logger.Info("PostgreSQL migrations applied")
		}
		next = store.NewPostgresStore(db)

	case constants.StoreBackendMongoDB:
		client, err := dc.InitMongoDB(ctx)
		if err != nil {
			return nil, err
		}
		dbName := dc.Config.Database.MongoDB.Database
		if dbName == "" {
			dbName = constants.DefaultMongoDBName
		}
		db := client.Database(dbName)
		if err := migrations.EnsureMessagesCollection(ctx, db, constants.MessagesCollectionName); err != nil {
			return nil, fmt.Errorf("failed to prepare messages collection: %w", err)
		}
		next = store.NewMongoStore(db.Collection(constants.MessagesCollectionName))

	case constants.StoreBackendRedis:
		client, err := dc.InitRedis(ctx)
		if err != nil {
			return nil, err
		}
		next = store.NewRedisStore(client)

	case constants.StoreBackendMemory:
		dc.Logger.Warn("Using in-memory store, dedup state is lost on restart")
		return store.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}

	policy := broker.PolicyFromConfig(dc.Config.Database.Retry)
	return store.NewResilientStore(next, backend, policy, dc.Config.CircuitBreaker, dc.Logger), nil
}

func (dc *DatabaseConnector) InitRedis(ctx context.Context) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", dc.Config.Database.Redis.Host, dc.Config.Database.Redis.Port),
		Password: dc.Config.Database.Redis.Password,
		DB:       dc.Config.Database.Redis.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	dc.redis = rdb
	dc.Logger.Info("Redis connected successfully")
	return rdb, nil
}

func (dc *DatabaseConnector) InitPostgreSQL(ctx context.Context) (*sql.DB, error) {
	pg := dc.Config.Database.Postgres
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		pg.User, pg.Password, pg.Host, pg.Port, pg.DBName, pg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dc.postgres = db
	dc.Logger.Info("PostgreSQL connected successfully")
	return db, nil
}

func (dc *DatabaseConnector) InitMongoDB(ctx context.Context) (*mongo.Client, error) {
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(dc.Config.Database.MongoDB.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := mongoClient.Ping(ctx, nil); err != nil {
		mongoClient.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dc.mongo = mongoClient
	dc.Logger.Info("MongoDB connected successfully")
	return mongoClient, nil
}

// HealthCheckers returns a checker for every backend that was opened.
func (dc *DatabaseConnector) HealthCheckers() []health.Checker {
	var checkers []health.Checker
	if dc.postgres != nil {
		checkers = append(checkers, health.NewPostgreSQLChecker(dc.postgres))
	}
	if dc.redis != nil {
		checkers = append(checkers, health.NewRedisChecker(dc.redis))
	}
	if dc.mongo != nil {
		checkers = append(checkers, health.NewMongoDBChecker(dc.mongo))
	}
	return checkers
}

func (dc *DatabaseConnector) ShutdownDatabases(ctx context.Context) []error {
	var errs []error

	if dc.redis != nil {
		if err := dc.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if dc.postgres != nil {
		if err := dc.postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}

	if dc.mongo != nil {
		if err := dc.mongo.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect error: %w", err))
		}
	}

	return errs
}
