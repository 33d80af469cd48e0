package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr    string
	AuthCacheTTL time.Duration // default: 5m

	// Logging
	LogLevel  string // default: info
	LogFormat string // "console" or "json"

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Providers
	BreakerFailureThreshold uint32 // consecutive failures before a provider breaker opens, default: 3
	TokenizerEncoding       string // default: cl100k_base
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Port:                    v.GetString("PORT"),
		PostgresDSN:             v.GetString("POSTGRES_DSN"),
		RedisAddr:               v.GetString("REDIS_ADDR"),
		LogLevel:                v.GetString("LOG_LEVEL"),
		LogFormat:               v.GetString("LOG_FORMAT"),
		OTELExporterType:        v.GetString("OTEL_EXPORTER_TYPE"),
		OTELExporterEndpoint:    v.GetString("OTEL_EXPORTER_ENDPOINT"),
		TokenizerEncoding:       v.GetString("TOKENIZER_ENCODING"),
		BreakerFailureThreshold: v.GetUint32("BREAKER_FAILURE_THRESHOLD"),
	}

	ttl, err := time.ParseDuration(v.GetString("AUTH_CACHE_TTL"))
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_CACHE_TTL: %w", err)
	}
	cfg.AuthCacheTTL = ttl

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.BreakerFailureThreshold == 0 {
		return nil, fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("AUTH_CACHE_TTL", "5m")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("OTEL_EXPORTER_TYPE", "stdout")
	v.SetDefault("OTEL_EXPORTER_ENDPOINT", "localhost:4317")
	v.SetDefault("BREAKER_FAILURE_THRESHOLD", 3)
	v.SetDefault("TOKENIZER_ENCODING", "cl100k_base")
}
