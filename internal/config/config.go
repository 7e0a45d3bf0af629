package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"sitewide-aggregator/internal/common/config"
	"sitewide-aggregator/internal/models"
)

// Trigger modes
const (
	TriggerEvents  = "events"
	TriggerMQTT    = "mqtt"
	TriggerPolling = "polling"
)

// Config is the sitewide aggregator configuration
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	Aggregator struct {
		// Enabled false turns every sync into a no-op (aggregation_enabled)
		Enabled bool

		// ExcludedTenants never take part in aggregation (excluded_tenants)
		ExcludedTenants []models.TenantID

		// How content changes reach the service: events (Redis Streams),
		// mqtt, or polling (periodic full resync)
		TriggerMode string

		Polling struct {
			Interval int // seconds between full resyncs, default 300
		}

		// Redis Streams
		EventStream   string
		ConsumerGroup string
		ConsumerName  string
		BatchSize     int

		MQTTTopic string

		Workers     int
		MaxAttempts int

		// PlaceholderGrace in seconds; content created this close to its
		// owner's registration is skipped
		PlaceholderGrace int
		PostTypes        []string

		ResyncOnStart bool
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "sitewide")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5
	cfg.Database.ConnMaxLifetime = 30 * time.Minute
	cfg.Database.LoadFromEnv("DB")
	if getEnv("DB_MAX_IDLE", "") == "" && cfg.Database.MaxIdle > cfg.Database.MaxConns {
		cfg.Database.MaxIdle = cfg.Database.MaxConns
	}
	if err := cfg.Database.Validate(); err != nil {
		return nil, err
	}

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "sitewide-aggregator"
	cfg.MQTT.QoS = 1
	cfg.MQTT.ConnectTimeout = 10 * time.Second
	cfg.MQTT.KeepAlive = 30 * time.Second
	cfg.MQTT.LoadFromEnv("MQTT")

	agg := &cfg.Aggregator
	agg.Enabled = getEnvBool("AGGREGATION_ENABLED", true)

	excluded, err := parseTenantIDs(getEnv("EXCLUDED_TENANTS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid EXCLUDED_TENANTS: %w", err)
	}
	agg.ExcludedTenants = excluded

	agg.TriggerMode = getEnv("SYNC_TRIGGER_MODE", TriggerEvents)
	switch agg.TriggerMode {
	case TriggerEvents, TriggerMQTT, TriggerPolling:
	default:
		return nil, fmt.Errorf("unsupported SYNC_TRIGGER_MODE: %s", agg.TriggerMode)
	}

	agg.Polling.Interval = getEnvInt("SYNC_POLL_INTERVAL", 300)
	agg.EventStream = getEnv("SYNC_EVENT_STREAM", "sitewide:events")
	agg.ConsumerGroup = getEnv("SYNC_CONSUMER_GROUP", "sitewide-aggregator-group")
	agg.ConsumerName = getEnv("SYNC_CONSUMER_NAME", "sitewide-aggregator-1")
	agg.BatchSize = getEnvInt("SYNC_BATCH_SIZE", 10)
	agg.MQTTTopic = getEnv("SYNC_MQTT_TOPIC", "sitewide/events")
	agg.Workers = getEnvInt("SYNC_WORKERS", 4)
	agg.MaxAttempts = getEnvInt("SYNC_MAX_ATTEMPTS", 5)
	agg.PlaceholderGrace = getEnvInt("SYNC_PLACEHOLDER_GRACE", 10)
	agg.PostTypes = splitList(getEnv("SYNC_POST_TYPES", "post"))
	agg.ResyncOnStart = getEnvBool("SYNC_RESYNC_ON_START", false)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt falls back to defaultValue for unset, malformed or negative values
func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil && v >= 0 {
		return v
	}
	return defaultValue
}

// getEnvBool accepts the strconv.ParseBool spellings (1, t, TRUE, false, ...)
// and falls back to defaultValue for unset or malformed values
func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseTenantIDs parses a comma separated tenant id list
func parseTenantIDs(s string) ([]models.TenantID, error) {
	var ids []models.TenantID
	for _, part := range splitList(s) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid tenant id %q: %w", part, err)
		}
		ids = append(ids, models.TenantID(id))
	}
	return ids, nil
}
