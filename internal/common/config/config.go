package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// DatabaseConfig is a Postgres connection pool configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns        int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

// RedisConfig is a Redis client configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// MQTTConfig is an MQTT client configuration
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// GetDSN returns the lib/pq connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Validate reports settings a pool cannot be opened with
func (c *DatabaseConfig) Validate() error {
	if c.Host == "" {
		return errors.New("database host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Port)
	}
	if c.Database == "" {
		return errors.New("database name is required")
	}
	if c.MaxIdle > 0 && c.MaxConns > 0 && c.MaxIdle > c.MaxConns {
		return fmt.Errorf("max idle connections (%d) exceed max connections (%d)", c.MaxIdle, c.MaxConns)
	}
	return nil
}

// LoadFromEnv overrides fields from <prefix>_HOST, <prefix>_PORT, <prefix>_USER,
// <prefix>_PASSWORD, <prefix>_NAME, <prefix>_SSLMODE, <prefix>_MAX_CONNS,
// <prefix>_MAX_IDLE and <prefix>_CONN_MAX_LIFETIME (a duration)
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv(prefix + "_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Port)
	}
	if user := os.Getenv(prefix + "_USER"); user != "" {
		c.User = user
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if database := os.Getenv(prefix + "_NAME"); database != "" {
		c.Database = database
	}
	if sslMode := os.Getenv(prefix + "_SSLMODE"); sslMode != "" {
		c.SSLMode = sslMode
	}
	if maxConns := os.Getenv(prefix + "_MAX_CONNS"); maxConns != "" {
		fmt.Sscanf(maxConns, "%d", &c.MaxConns)
	}
	if maxIdle := os.Getenv(prefix + "_MAX_IDLE"); maxIdle != "" {
		fmt.Sscanf(maxIdle, "%d", &c.MaxIdle)
	}
	if lifetime := os.Getenv(prefix + "_CONN_MAX_LIFETIME"); lifetime != "" {
		if d, err := time.ParseDuration(lifetime); err == nil {
			c.ConnMaxLifetime = d
		}
	}
}

// LoadFromEnv overrides fields from <prefix>_ADDR, <prefix>_PASSWORD,
// <prefix>_DB and <prefix>_POOL_SIZE
func (c *RedisConfig) LoadFromEnv(prefix string) {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db := os.Getenv(prefix + "_DB"); db != "" {
		fmt.Sscanf(db, "%d", &c.DB)
	}
	if poolSize := os.Getenv(prefix + "_POOL_SIZE"); poolSize != "" {
		fmt.Sscanf(poolSize, "%d", &c.PoolSize)
	}
}

// LoadFromEnv overrides fields from <prefix>_BROKER, <prefix>_CLIENT_ID,
// <prefix>_USERNAME, <prefix>_PASSWORD and <prefix>_QOS
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	if broker := os.Getenv(prefix + "_BROKER"); broker != "" {
		c.Broker = broker
	}
	if clientID := os.Getenv(prefix + "_CLIENT_ID"); clientID != "" {
		c.ClientID = clientID
	}
	if username := os.Getenv(prefix + "_USERNAME"); username != "" {
		c.Username = username
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if qos := os.Getenv(prefix + "_QOS"); qos != "" {
		var v int
		if _, err := fmt.Sscanf(qos, "%d", &v); err == nil && v >= 0 && v <= 2 {
			c.QoS = byte(v)
		}
	}
}
