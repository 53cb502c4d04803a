// Package config holds the ordersync runtime configuration. Values come from
// ORDERSYNC_* environment variables; cmd/ordersync lets flags override them.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// Replica storage
	ReplicaBackend string `env:"ORDERSYNC_REPLICA_BACKEND" envDefault:"pebble"` // memory|pebble|badger
	DataDir        string `env:"ORDERSYNC_DATA_DIR" envDefault:"./data"`
	SnapshotDir    string `env:"ORDERSYNC_SNAPSHOT_DIR" envDefault:"./snapshots"`
	OrdersDB       string `env:"ORDERSYNC_ORDERS_DB" envDefault:"./data/orders.db"`

	SnapshotInterval time.Duration `env:"ORDERSYNC_SNAPSHOT_INTERVAL" envDefault:"60s"` // 0 disables periodic snapshots

	// Event lanes
	Source         string        `env:"ORDERSYNC_SOURCE" envDefault:"kafka"` // kafka|confluent
	KafkaBootstrap string        `env:"ORDERSYNC_KAFKA_BOOTSTRAP" envDefault:"localhost:9092"`
	GroupID        string        `env:"ORDERSYNC_GROUP_ID" envDefault:"ordersync"`
	ItemsTopic     string        `env:"ORDERSYNC_ITEMS_TOPIC" envDefault:"catalog.items"`
	AccountsTopic  string        `env:"ORDERSYNC_ACCOUNTS_TOPIC" envDefault:"accounts.users"`
	MaxRetries     uint          `env:"ORDERSYNC_MAX_RETRIES" envDefault:"3"`
	RetryBackoff   time.Duration `env:"ORDERSYNC_RETRY_BACKOFF" envDefault:"1s"`

	// Dead letters and resync
	DeadLetterFile  string        `env:"ORDERSYNC_DEAD_LETTER_FILE" envDefault:"./data/dead-letters.jsonl"`
	DeadLetterTopic string        `env:"ORDERSYNC_DEAD_LETTER_TOPIC"`
	ResyncTopic     string        `env:"ORDERSYNC_RESYNC_TOPIC"`
	ResyncDebounce  time.Duration `env:"ORDERSYNC_RESYNC_DEBOUNCE" envDefault:"30s"`

	// Validation
	ValidationPool    int           `env:"ORDERSYNC_VALIDATION_POOL" envDefault:"4"`
	ValidationTimeout time.Duration `env:"ORDERSYNC_VALIDATION_TIMEOUT" envDefault:"2s"`

	// Ops
	HTTPAddr  string `env:"ORDERSYNC_HTTP_ADDR" envDefault:":8080"`
	LogLevel  string `env:"ORDERSYNC_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"ORDERSYNC_LOG_FORMAT" envDefault:"json"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate rejects values the service cannot start with.
func (c Config) Validate() error {
	switch c.ReplicaBackend {
	case "memory", "pebble", "badger":
	default:
		return fmt.Errorf("replica backend %q: want memory|pebble|badger", c.ReplicaBackend)
	}
	switch c.Source {
	case "kafka", "confluent":
	default:
		return fmt.Errorf("source %q: want kafka|confluent", c.Source)
	}
	if strings.TrimSpace(c.KafkaBootstrap) == "" {
		return fmt.Errorf("kafka bootstrap is required")
	}
	if c.ValidationPool < 2 || c.ValidationPool > 5 {
		return fmt.Errorf("validation pool %d: want 2..5", c.ValidationPool)
	}
	if c.ValidationTimeout <= 0 {
		return fmt.Errorf("validation timeout must be positive")
	}
	return nil
}
