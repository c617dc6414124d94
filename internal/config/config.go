package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port                  int    `env:"PORT" envDefault:"8080"`
	DatabaseURL           string `env:"DATABASE_URL,required"`
	RedisURL              string `env:"REDIS_URL,required"`
	PushGatewayURL        string `env:"PUSH_GATEWAY_URL" envDefault:""`
	RingTimeoutSeconds    int    `env:"RING_TIMEOUT_SECONDS" envDefault:"35"`
	ConnectTimeoutSeconds int    `env:"CONNECT_TIMEOUT_SECONDS" envDefault:"20"`
	CallRetentionDays     int    `env:"CALL_RETENTION_DAYS" envDefault:"30"`
	LogLevel              string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSeconds) * time.Second
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c *Config) CallRetention() time.Duration {
	return time.Duration(c.CallRetentionDays) * 24 * time.Hour
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.RingTimeoutSeconds < 10 || c.RingTimeoutSeconds > 120 {
		return fmt.Errorf("RING_TIMEOUT_SECONDS must be between 10 and 120")
	}
	if c.ConnectTimeoutSeconds < 5 {
		return fmt.Errorf("CONNECT_TIMEOUT_SECONDS must be at least 5")
	}
	if c.CallRetentionDays < 1 {
		return fmt.Errorf("CALL_RETENTION_DAYS must be at least 1")
	}

	if isProduction {
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.PushGatewayURL != "" && !strings.HasPrefix(c.PushGatewayURL, "https://") {
			log.Warn().Msg("PUSH_GATEWAY_URL is not https in production: wake payloads will travel in the clear")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
