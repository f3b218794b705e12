package entitysync

import (
	"context"
	"fmt"
	"time"

	httpadapter "scout-sync/internal/entitysync/adapter/http"
	"scout-sync/internal/entitysync/adapter/metrics"
	"scout-sync/internal/entitysync/adapter/persistence"
	"scout-sync/internal/entitysync/adapter/persistence/memory"
	mongodbpersistence "scout-sync/internal/entitysync/adapter/persistence/mongodb"
	"scout-sync/internal/entitysync/adapter/security"
	"scout-sync/internal/entitysync/config"
	"scout-sync/internal/entitysync/domain/repository"
	"scout-sync/internal/entitysync/domain/service"
	"scout-sync/internal/entitysync/usecase"
	"scout-sync/internal/shared/logger"

	"github.com/gofiber/fiber/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// SyncModule wires the schema registry, store, change log and subscription
// manager to their backends and transports.
type SyncModule struct {
	Config   *config.SyncConfig
	Registry *service.SchemaRegistry
	Compiler *service.FilterCompiler
	Records  repository.RecordRepository
	Events   repository.EventLog
	Changes  *usecase.ChangeLog
	Store    *usecase.Store
	Manager  *usecase.SubscriptionManager
	Tokens   *security.TokenService
	Metrics  *metrics.Prometheus
	Logger   logger.Logger

	pingers []func(ctx context.Context) error
	closers []func(ctx context.Context) error
}

// NewSyncModule builds every collection from cfg.CollectionsFile, connects
// the configured backends and creates the usecases. Nothing is served until
// RegisterRoutes.
func NewSyncModule(ctx context.Context, cfg *config.SyncConfig, log logger.Logger) (*SyncModule, error) {
	log = logger.OrNop(log)
	if cfg == nil {
		cfg = config.DefaultSyncConfig()
	}
	log.Info("Initializing entity sync module",
		zap.String("store", cfg.Store.Backend),
		zap.String("eventLog", cfg.EventLog.Backend))

	m := &SyncModule{Config: cfg, Logger: log}

	defs, err := config.LoadCollections(cfg.CollectionsFile)
	if err != nil {
		return nil, err
	}
	m.Registry = service.NewSchemaRegistry(log)
	if err := config.RegisterCollections(m.Registry, defs); err != nil {
		return nil, err
	}
	log.Info("Collections registered", zap.Strings("collections", m.Registry.Names()))

	if m.Compiler, err = service.NewFilterCompiler(); err != nil {
		return nil, err
	}
	if m.Metrics, err = metrics.NewPrometheus("scout_sync"); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	if err := m.connectStore(ctx); err != nil {
		_ = m.Close(context.Background())
		return nil, err
	}
	if err := m.connectEventLog(ctx); err != nil {
		_ = m.Close(context.Background())
		return nil, err
	}

	if cfg.Auth.JWTSecretKey != "" {
		if m.Tokens, err = security.NewTokenService(cfg.Auth); err != nil {
			_ = m.Close(context.Background())
			return nil, err
		}
	}

	m.Changes = usecase.NewChangeLog(m.Events, log, m.Metrics)
	m.Store = usecase.NewStore(m.Registry, m.Records, m.Changes, log, usecase.WithStoreMetrics(m.Metrics))
	m.Manager = usecase.NewSubscriptionManager(m.Registry, m.Compiler, m.Store, m.Changes,
		usecase.CollectionAuthorizer{}, log, m.Metrics)

	log.Info("Entity sync module initialized")
	return m, nil
}

func (m *SyncModule) connectStore(ctx context.Context) error {
	cfg := m.Config.Store
	switch cfg.Backend {
	case config.BackendMongoDB:
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoDBURI))
		if err != nil {
			return fmt.Errorf("connect to MongoDB: %w", err)
		}
		m.closers = append(m.closers, client.Disconnect)
		if err := client.Ping(connectCtx, nil); err != nil {
			return fmt.Errorf("ping MongoDB: %w", err)
		}
		repo := mongodbpersistence.NewRecordRepository(client.Database(cfg.MongoDBDatabase), cfg.CollectionPrefix, m.Logger)
		m.Records = repo
		m.Logger.Info("MongoDB record store connected", zap.String("database", cfg.MongoDBDatabase))
	default:
		m.Records = memory.NewRecordRepository()
	}
	m.pingers = append(m.pingers, m.Records.Ping)
	return nil
}

func (m *SyncModule) connectEventLog(ctx context.Context) error {
	cfg := m.Config.EventLog
	switch cfg.Backend {
	case config.BackendRedis:
		client := config.NewRedisClient(&m.Config.Redis)
		m.closers = append(m.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping Redis: %w", err)
		}
		m.Events = persistence.NewRedisEventLog(client, m.Config.Redis.StreamPrefix, int64(cfg.MaxLength), m.Logger)
		m.pingers = append(m.pingers, func(ctx context.Context) error { return client.Ping(ctx).Err() })
		m.Logger.Info("Redis event log connected", zap.String("addr", m.Config.Redis.GetAddr()))
	default:
		m.Events = memory.NewEventLog(cfg.Window, cfg.MaxLength)
	}
	return nil
}

// NewApp creates the fiber app the routes are registered on. No write
// timeout is set; SSE responses stay open.
func NewApp() *fiber.App {
	return fiber.New(fiber.Config{
		AppName:      "scout-sync",
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorHandler: httpadapter.ErrorHandler,
	})
}

// RegisterRoutes installs the middleware chain, health and metrics endpoints,
// the REST API, the SSE endpoint and the WebSocket endpoint.
func (m *SyncModule) RegisterRoutes(app *fiber.App) {
	var verifier httpadapter.TokenVerifier
	if m.Tokens != nil {
		verifier = m.Tokens
	}
	mw := httpadapter.NewMiddleware(verifier, m.Config.Auth.Required, m.Logger)

	app.Use(mw.Recover(), mw.RequestID(), mw.CORS(), m.Metrics.Middleware())
	app.Get("/health", m.health)
	app.Get("/metrics", m.Metrics.FiberHandler())

	app.Use(mw.Authenticate())
	httpadapter.NewRecordHandler(m.Store, m.Registry, m.Compiler, usecase.CollectionAuthorizer{}, m.Logger).RegisterRoutes(app)
	httpadapter.NewEventsHandler(m.Manager, m.Config.Realtime, m.Logger).RegisterRoutes(app)
	httpadapter.NewWebSocketHandler(m.Store, m.Manager, m.Compiler, usecase.CollectionAuthorizer{}, m.Config.Realtime, m.Logger).RegisterRoutes(app)

	m.Logger.Info("Entity sync routes registered", zap.String("websocket", m.Config.Realtime.WebSocketPath))
}

func (m *SyncModule) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	if err := m.HealthCheck(ctx); err != nil {
		m.Logger.Error("Health check failed", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "UNHEALTHY",
			"error":  err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"status":        "HEALTHY",
		"timestamp":     time.Now().UTC(),
		"collections":   m.Registry.Names(),
		"clients":       m.Manager.ClientCount(),
		"subscriptions": m.Manager.SubscriptionCount(),
	})
}

// HealthCheck pings the record store and the event log backend.
func (m *SyncModule) HealthCheck(ctx context.Context) error {
	for _, ping := range m.pingers {
		if err := ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases backend connections in reverse order of creation.
func (m *SyncModule) Close(ctx context.Context) error {
	var first error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	m.closers = nil
	return first
}
