package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/caarlos0/env/v6"
)

// Backend names accepted by STORE_BACKEND and EVENT_LOG_BACKEND.
const (
	BackendMemory  = "memory"
	BackendMongoDB = "mongodb"
	BackendRedis   = "redis"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" envDefault:"0.0.0.0" json:"host"`
	Port string `env:"SERVER_PORT" envDefault:"3030" json:"port"`

	// ShutdownTimeout bounds the graceful drain on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s" json:"shutdown_timeout"`
}

// Addr returns host:port for the listener.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// RealtimeConfig holds configuration specific to real-time delivery.
type RealtimeConfig struct {
	// WebSocketPath is the endpoint path for WebSocket connections.
	WebSocketPath string `env:"WEBSOCKET_PATH" envDefault:"/ws/v1/listen" json:"websocket_path"`

	// ClientSendChannelBuffer is the number of events queued per client before
	// the client is treated as a slow consumer and disconnected.
	ClientSendChannelBuffer int `env:"CLIENT_SEND_CHANNEL_BUFFER" envDefault:"256" json:"client_send_channel_buffer"`

	// HeartbeatInterval is how often idle SSE and WebSocket connections get a heartbeat.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"25s" json:"heartbeat_interval"`

	// ReadTimeout closes a WebSocket that sent nothing (not even a pong) for this long.
	ReadTimeout time.Duration `env:"WEBSOCKET_READ_TIMEOUT" envDefault:"90s" json:"read_timeout"`
}

// EventLogConfig selects and sizes the recent-window event log.
type EventLogConfig struct {
	Backend   string        `env:"EVENT_LOG_BACKEND" envDefault:"memory" json:"backend"`
	Window    time.Duration `env:"EVENT_LOG_WINDOW" envDefault:"5m" json:"window"`
	MaxLength int           `env:"EVENT_LOG_MAX_LENGTH" envDefault:"10000" json:"max_length"`
}

// StoreConfig selects the record persistence backend.
type StoreConfig struct {
	Backend          string `env:"STORE_BACKEND" envDefault:"memory" json:"backend"`
	MongoDBURI       string `env:"MONGODB_URI" envDefault:"mongodb://localhost:27017" json:"-"`
	MongoDBDatabase  string `env:"MONGODB_DATABASE" envDefault:"scout_sync" json:"mongodb_database"`
	CollectionPrefix string `env:"MONGODB_COLLECTION_PREFIX" envDefault:"records_" json:"collection_prefix"`
}

// RedisConfig holds the connection settings of the Redis event log.
type RedisConfig struct {
	Host            string `env:"REDIS_HOST" envDefault:"localhost" json:"host"`
	Port            string `env:"REDIS_PORT" envDefault:"6379" json:"port"`
	Password        string `env:"REDIS_PASSWORD" json:"-"`
	Database        int    `env:"REDIS_DB" envDefault:"0" json:"database"`
	MaxRetries      int    `env:"REDIS_MAX_RETRIES" envDefault:"3" json:"max_retries"`
	PoolSize        int    `env:"REDIS_POOL_SIZE" envDefault:"10" json:"pool_size"`
	MinIdleConns    int    `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2" json:"min_idle_conns"`
	EnableTLS       bool   `env:"REDIS_TLS" envDefault:"false" json:"enable_tls"`
	ConnMaxIdleTime string `env:"REDIS_CONN_MAX_IDLE_TIME" envDefault:"30m" json:"conn_max_idle_time"`
	ConnMaxLifetime string `env:"REDIS_CONN_MAX_LIFETIME" envDefault:"1h" json:"conn_max_lifetime"`
	StreamPrefix    string `env:"REDIS_STREAM_PREFIX" envDefault:"scout-sync:changes:" json:"stream_prefix"`
}

// GetAddr returns the Redis address.
func (c *RedisConfig) GetAddr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// AuthConfig controls the token gate in front of the API.
type AuthConfig struct {
	// Required rejects requests without a valid bearer token. When false,
	// unauthenticated callers act as the anonymous principal.
	Required       bool          `env:"AUTH_REQUIRED" envDefault:"false" json:"required"`
	JWTSecretKey   string        `env:"JWT_SECRET_KEY" json:"-"`
	JWTIssuer      string        `env:"JWT_ISSUER" envDefault:"scout-sync" json:"issuer"`
	AccessTokenTTL time.Duration `env:"JWT_ACCESS_TOKEN_TTL" envDefault:"12h" json:"access_token_ttl"`
}

// SyncConfig holds all configuration for the entity sync service.
type SyncConfig struct {
	CollectionsFile string `env:"COLLECTIONS_FILE" envDefault:"config/collections.yaml" json:"collections_file"`

	Server   ServerConfig   `json:"server"`
	Realtime RealtimeConfig `json:"realtime"`
	EventLog EventLogConfig `json:"event_log"`
	Store    StoreConfig    `json:"store"`
	Redis    RedisConfig    `json:"redis"`
	Auth     AuthConfig     `json:"auth"`
}

// LoadConfig loads configuration from environment variables and applies defaults.
func LoadConfig() (*SyncConfig, error) {
	cfg := &SyncConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.New("failed to load sync configuration from environment: " + err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c *SyncConfig) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendMongoDB:
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.Store.Backend)
	}
	switch c.EventLog.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unsupported EVENT_LOG_BACKEND %q", c.EventLog.Backend)
	}
	if c.Auth.Required && c.Auth.JWTSecretKey == "" {
		return errors.New("JWT_SECRET_KEY must be set when AUTH_REQUIRED is true")
	}
	if c.Realtime.ClientSendChannelBuffer <= 0 {
		c.Realtime.ClientSendChannelBuffer = 256
	}
	if c.Realtime.HeartbeatInterval <= 0 {
		c.Realtime.HeartbeatInterval = 25 * time.Second
	}
	if c.EventLog.Window <= 0 {
		c.EventLog.Window = 5 * time.Minute
	}
	return nil
}

// DefaultSyncConfig returns a SyncConfig with default values.
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		CollectionsFile: "config/collections.yaml",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "3030",
			ShutdownTimeout: 10 * time.Second,
		},
		Realtime: RealtimeConfig{
			WebSocketPath:           "/ws/v1/listen",
			ClientSendChannelBuffer: 256,
			HeartbeatInterval:       25 * time.Second,
			ReadTimeout:             90 * time.Second,
		},
		EventLog: EventLogConfig{
			Backend:   BackendMemory,
			Window:    5 * time.Minute,
			MaxLength: 10000,
		},
		Store: StoreConfig{
			Backend:          BackendMemory,
			MongoDBURI:       "mongodb://localhost:27017",
			MongoDBDatabase:  "scout_sync",
			CollectionPrefix: "records_",
		},
		Redis: RedisConfig{
			Host:            "localhost",
			Port:            "6379",
			MaxRetries:      3,
			PoolSize:        10,
			MinIdleConns:    2,
			ConnMaxIdleTime: "30m",
			ConnMaxLifetime: "1h",
			StreamPrefix:    "scout-sync:changes:",
		},
		Auth: AuthConfig{
			JWTIssuer:      "scout-sync",
			AccessTokenTTL: 12 * time.Hour,
		},
	}
}
