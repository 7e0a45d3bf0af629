package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sitewide-aggregator/internal/aggregator"
	"sitewide-aggregator/internal/common/database"
	mqttcommon "sitewide-aggregator/internal/common/mqtt"
	rediscommon "sitewide-aggregator/internal/common/redis"
	"sitewide-aggregator/internal/config"
	"sitewide-aggregator/internal/consumer"
	"sitewide-aggregator/internal/repository"
	"sitewide-aggregator/internal/tenant"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// SchemaEnsurer creates or upgrades the mirror tables
type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) (bool, error)
}

// Components are the collaborators an AggregatorService is built from.
// Store, Reader and Tenants are required. KV and Schema are optional.
// Redis is required in events mode and MQTT in mqtt mode.
type Components struct {
	Store   repository.MirrorStore
	Reader  aggregator.ContentReader
	Tenants aggregator.TenantSource
	KV      aggregator.KVStore
	Schema  SchemaEnsurer
	Redis   *redis.Client
	MQTT    consumer.Subscriber
}

// AggregatorService runs the sitewide aggregator: it feeds change events
// from the configured trigger into the sync engine.
type AggregatorService struct {
	config *config.Config
	logger *zap.Logger

	// owned connections, closed by Stop
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	schema        SchemaEnsurer
	engine        *aggregator.SyncEngine
	dispatcher    *aggregator.Dispatcher
	cacheManager  *aggregator.CacheManager
	eventConsumer *consumer.EventConsumer
	mqttSource    *consumer.MQTTSource
}

// NewAggregatorService connects to Postgres, Redis and, in mqtt mode, the
// MQTT broker, and wires the service on top of them.
func NewAggregatorService(cfg *config.Config, logger *zap.Logger) (*AggregatorService, error) {
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	var mqttClient *mqttcommon.Client
	if cfg.Aggregator.TriggerMode == config.TriggerMQTT {
		mqttClient, err = mqttcommon.NewClient(&cfg.MQTT, logger)
		if err != nil {
			rediscommon.Close(redisClient)
			database.Close(db)
			return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
		}
	}

	comps := Components{
		Store:   repository.NewPostgresMirrorStore(db, logger),
		Reader:  repository.NewPostgresContentReader(db, logger),
		Tenants: tenant.NewRegistry(tenant.NewPostgresLister(db), cfg.Aggregator.ExcludedTenants),
		KV:      aggregator.NewRedisKVStore(redisClient),
		Schema:  repository.NewSchemaManager(db, logger),
		Redis:   redisClient,
	}
	if mqttClient != nil {
		comps.MQTT = mqttClient
	}

	svc, err := NewAggregatorServiceWithComponents(cfg, logger, comps)
	if err != nil {
		if mqttClient != nil {
			mqttClient.Disconnect()
		}
		rediscommon.Close(redisClient)
		database.Close(db)
		return nil, err
	}
	svc.db = db
	svc.redisClient = redisClient
	svc.mqttClient = mqttClient
	return svc, nil
}

// NewAggregatorServiceWithComponents wires a service from ready-made
// components. The components are not closed by Stop.
func NewAggregatorServiceWithComponents(cfg *config.Config, logger *zap.Logger, comps Components) (*AggregatorService, error) {
	if comps.Store == nil || comps.Reader == nil || comps.Tenants == nil {
		return nil, errors.New("store, reader and tenants are required")
	}

	agg := cfg.Aggregator
	s := &AggregatorService{
		config: cfg,
		logger: logger,
		schema: comps.Schema,
	}

	var (
		cache    aggregator.CacheInvalidator
		statuses aggregator.ResyncStatusStore
	)
	if comps.KV != nil {
		s.cacheManager = aggregator.NewCacheManager(comps.KV, logger)
		cache = s.cacheManager
		statuses = s.cacheManager
	}

	s.engine = aggregator.NewSyncEngine(
		comps.Store,
		comps.Reader,
		comps.Tenants,
		cache,
		statuses,
		logger,
		aggregator.EngineOptions{
			Enabled:          agg.Enabled,
			PlaceholderGrace: time.Duration(agg.PlaceholderGrace) * time.Second,
			PostTypes:        agg.PostTypes,
		},
	)

	s.dispatcher = aggregator.NewDispatcher(s.engine, aggregator.DispatcherOptions{
		Workers:     agg.Workers,
		MaxAttempts: agg.MaxAttempts,
	}, logger)

	switch agg.TriggerMode {
	case config.TriggerEvents:
		if comps.Redis == nil {
			return nil, errors.New("events trigger mode requires a redis client")
		}
		s.eventConsumer = consumer.NewEventConsumer(
			comps.Redis,
			s.dispatcher,
			logger,
			agg.EventStream,
			agg.ConsumerGroup,
			agg.ConsumerName,
			int64(agg.BatchSize),
		)
	case config.TriggerMQTT:
		if comps.MQTT == nil {
			return nil, errors.New("mqtt trigger mode requires an mqtt subscriber")
		}
		s.mqttSource = consumer.NewMQTTSource(comps.MQTT, s.dispatcher, logger, agg.MQTTTopic)
	case config.TriggerPolling:
	default:
		return nil, fmt.Errorf("unsupported trigger mode: %s", agg.TriggerMode)
	}

	return s, nil
}

// Engine returns the sync engine
func (s *AggregatorService) Engine() *aggregator.SyncEngine {
	return s.engine
}

// CacheManager returns the cache manager, nil without a KV store
func (s *AggregatorService) CacheManager() *aggregator.CacheManager {
	return s.cacheManager
}

// Start ensures the mirror schema and runs the configured trigger until ctx
// is cancelled
func (s *AggregatorService) Start(ctx context.Context) error {
	agg := s.config.Aggregator
	s.logger.Info("Starting sitewide aggregator service",
		zap.String("trigger_mode", agg.TriggerMode),
		zap.Bool("aggregation_enabled", agg.Enabled),
		zap.Int("excluded_tenants", len(agg.ExcludedTenants)),
	)

	resync := agg.ResyncOnStart
	if s.schema != nil {
		changed, err := s.schema.EnsureSchema(ctx)
		if err != nil {
			return fmt.Errorf("failed to ensure mirror schema: %w", err)
		}
		if changed {
			s.logger.Info("Mirror schema changed, a full resync will run")
			resync = true
		}
	}

	s.dispatcher.Start(ctx)

	switch agg.TriggerMode {
	case config.TriggerPolling:
		return s.startPollingMode(ctx)
	case config.TriggerEvents:
		if resync {
			s.runFullResync(ctx)
		}
		return s.eventConsumer.Start(ctx)
	case config.TriggerMQTT:
		if resync {
			s.runFullResync(ctx)
		}
		return s.mqttSource.Start(ctx)
	}
	return fmt.Errorf("unsupported trigger mode: %s", agg.TriggerMode)
}

// startPollingMode rebuilds the mirror now and then every polling interval
func (s *AggregatorService) startPollingMode(ctx context.Context) error {
	interval := time.Duration(s.config.Aggregator.Polling.Interval) * time.Second
	if interval <= 0 {
		return fmt.Errorf("invalid polling interval: %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Starting polling mode",
		zap.Duration("interval", interval),
	)

	s.runFullResync(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runFullResync(ctx)
		}
	}
}

// runFullResync runs a full resync and audits the tag counts afterwards.
// Failures are logged; the live mirror stays as it was.
func (s *AggregatorService) runFullResync(ctx context.Context) {
	status, err := s.engine.FullResync(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Full resync failed", zap.Error(err))
		}
		return
	}
	if status == nil {
		return
	}

	violations, err := s.engine.CheckInvariants(ctx)
	if err != nil {
		s.logger.Warn("Failed to check tag invariants", zap.Error(err))
		return
	}
	for _, v := range violations {
		s.logger.Error("Tag invariant violated",
			zap.Int64("tag_id", v.TagID),
			zap.String("slug", v.Slug),
			zap.Int("usage_count", v.UsageCount),
			zap.Int("live_usages", v.LiveUsages),
		)
	}
}

// Stop drains queued events and closes the connections the service opened
func (s *AggregatorService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping sitewide aggregator service")

	s.dispatcher.Stop()

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("Error closing redis connection", zap.Error(err))
		}
	}

	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Error closing database connection", zap.Error(err))
		}
	}

	s.logger.Info("Sitewide aggregator service stopped")
	return nil
}
