package broker

import (
	"fmt"
	"time"
)

// Config selects and configures the bus driver.
type Config struct {
	Driver string      `mapstructure:"driver"` // "redis", "kafka", "memory"
	Redis  RedisConfig `mapstructure:"redis"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		Driver: "redis",
		Redis: RedisConfig{
			Address:      "localhost:6379",
			DB:           0,
			PoolSize:     10,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PingInterval: 5 * time.Second,
			ReconnectMin: 500 * time.Millisecond,
			ReconnectMax: 30 * time.Second,
		},
	}
}

// New creates a Broker for the configured driver.
func New(cfg Config) (Broker, error) {
	switch cfg.Driver {
	case "kafka":
		return NewKafkaBroker(cfg.Kafka)
	case "memory":
		return NewMemoryBroker(), nil
	case "redis", "":
		return NewRedisBroker(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}
