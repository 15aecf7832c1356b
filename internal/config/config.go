// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/storebridge/internal/stream"
)

// Queue backends.
const (
	BackendMemory = "memory"
	BackendPubSub = "pubsub"
	BackendRedis  = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Stream  StreamConfig  `mapstructure:"stream"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features. An empty Level keeps the
// mode's default.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// QueueConfig selects and configures the payment queue backend.
type QueueConfig struct {
	Backend string       `mapstructure:"backend"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
	Redis   RedisConfig  `mapstructure:"redis"`
}

// PubSubConfig holds the topic and subscription carrying notifications.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
}

// RedisConfig holds the Redis server and channel carrying notifications.
type RedisConfig struct {
	Addr    string `mapstructure:"addr"`
	Channel string `mapstructure:"channel"`
}

// CatalogConfig controls access to the product catalog database. An empty
// DSN leaves product lookups unavailable.
type CatalogConfig struct {
	DSN      string        `mapstructure:"dsn"`
	Table    string        `mapstructure:"table"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxConns int32         `mapstructure:"max_conns"`
}

// StreamConfig controls buffering between streams and HTTP clients.
type StreamConfig struct {
	Buffer   int    `mapstructure:"buffer"`
	Overflow string `mapstructure:"overflow"`
}

// OverflowPolicy parses the configured overflow policy.
func (s StreamConfig) OverflowPolicy() (stream.OverflowPolicy, error) {
	return stream.ParseOverflowPolicy(s.Overflow)
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STOREBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.pubsub.project_id", "")
	v.SetDefault("queue.pubsub.topic_id", "")
	v.SetDefault("queue.pubsub.subscription_id", "")
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.channel", "storebridge.notifications")
	v.SetDefault("catalog.dsn", "")
	v.SetDefault("catalog.table", "products")
	v.SetDefault("catalog.timeout", 5*time.Second)
	v.SetDefault("catalog.max_conns", 4)
	v.SetDefault("stream.buffer", 64)
	v.SetDefault("stream.overflow", "drop_newest")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Queue.Backend {
	case BackendMemory:
	case BackendPubSub:
		if c.Queue.PubSub.ProjectID == "" {
			return fmt.Errorf("queue.pubsub.project_id must be set for the pubsub backend")
		}
		if c.Queue.PubSub.TopicID == "" || c.Queue.PubSub.SubscriptionID == "" {
			return fmt.Errorf("queue.pubsub.topic_id and queue.pubsub.subscription_id must be set for the pubsub backend")
		}
	case BackendRedis:
		if c.Queue.Redis.Addr == "" || c.Queue.Redis.Channel == "" {
			return fmt.Errorf("queue.redis.addr and queue.redis.channel must be set for the redis backend")
		}
	default:
		return fmt.Errorf("queue.backend must be one of memory, pubsub, redis; got %q", c.Queue.Backend)
	}
	if c.Catalog.Timeout <= 0 {
		return fmt.Errorf("catalog.timeout must be > 0")
	}
	if c.Stream.Buffer <= 0 {
		return fmt.Errorf("stream.buffer must be > 0")
	}
	if _, err := c.Stream.OverflowPolicy(); err != nil {
		return fmt.Errorf("stream.overflow: %w", err)
	}
	return nil
}
