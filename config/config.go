package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"

	"github.com/ilyakaznacheev/cleanenv"
)

type (
	Config struct {
		App     `json:"app"     toml:"app"`
		HTTP    `json:"http"    toml:"http"`
		DB      `json:"db"      toml:"db"`
		Redis   `json:"redis"   toml:"redis"`
		Auth    `json:"auth"    toml:"auth"`
		Trading `json:"trading" toml:"trading"`
		Workers `json:"workers" toml:"workers"`
		Log     `json:"logger"  toml:"logger"`
	}

	App struct {
		Name        string `json:"name"        toml:"name"        env:"APP_NAME"  env-default:"p2p-exchange"`
		Environment string `json:"environment" toml:"environment" env:"ENV_NAME"  env-default:"dev"`
		Debug       bool   `json:"debug"       toml:"debug"       env:"DEBUG"     env-default:"false"`
		// InMemory runs on the in-process store instead of PostgreSQL.
		InMemory bool `json:"in_memory" toml:"in_memory" env:"IN_MEMORY" env-default:"false"`
	}

	HTTP struct {
		Port string `json:"port" toml:"port" env:"HTTP_PORT" env-default:"8080"`
		// RateLimit is requests per second per caller on mutating routes.
		RateLimit float64 `json:"rate_limit" toml:"rate_limit" env:"HTTP_RATE_LIMIT" env-default:"20"`
		RateBurst int     `json:"rate_burst" toml:"rate_burst" env:"HTTP_RATE_BURST" env-default:"40"`
	}

	DB struct {
		DatabaseURL       string `json:"database_url"        toml:"database_url"        env:"DATABASE_URL"`
		PoolMax           int32  `json:"pool_max"            toml:"pool_max"            env:"PG_POOL_MAX"          env-default:"10"`
		ConnectTimeout    int    `json:"connect_timeout"     toml:"connect_timeout"     env:"PG_POOL_CONN_TIMEOUT" env-default:"5"`
		HealthCheckPeriod int    `json:"health_check_period" toml:"health_check_period" env:"PG_POOL_HEALTHCHECK"  env-default:"1"`
		MigrationsPath    string `json:"migrations_path"     toml:"migrations_path"     env:"MIGRATIONS_PATH"      env-default:"./migrations"`
	}

	Redis struct {
		// Addr empty disables idempotency keys.
		Addr     string `json:"addr"     toml:"addr"     env:"REDIS_ADDR"`
		Password string `json:"password" toml:"password" env:"REDIS_PASSWORD"`
		DB       int    `json:"db"       toml:"db"       env:"REDIS_DB" env-default:"0"`
	}

	Auth struct {
		JWTSecret string `json:"jwt_secret" toml:"jwt_secret" env:"JWT_SECRET" env-required:"true"`
		Issuer    string `json:"issuer"     toml:"issuer"     env:"JWT_ISSUER"`
	}

	Trading struct {
		FeeRate     string `json:"fee_rate"     toml:"fee_rate"     env:"TRADING_FEE_RATE"     env-default:"0.001"`
		MaxLeverage string `json:"max_leverage" toml:"max_leverage" env:"TRADING_MAX_LEVERAGE" env-default:"100"`
	}

	Workers struct {
		OrderExpiration        int `json:"order_expiration"            toml:"order_expiration"            env:"ORDER_EXPIRATION_MINUTES"       env-default:"30"`
		OrderCleanupInterval   int `json:"order_cleanup_interval"      toml:"order_cleanup_interval"      env:"ORDER_CLEANUP_INTERVAL_MINUTES" env-default:"1"`
		ReconciliationInterval int `json:"reconciliation_interval"     toml:"reconciliation_interval"     env:"RECONCILIATION_INTERVAL_MINUTES" env-default:"15"`
	}

	Log struct {
		Level slog.Level `json:"level" toml:"level" env:"LOG_LEVEL"`
	}
)

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	_, b, _, _ := runtime.Caller(0)
	basePath := filepath.Dir(b)

	configTomlPath := filepath.Join(basePath, "config.toml")
	err := cleanenv.ReadConfig(configTomlPath, cfg)
	if err != nil {
		configJsonPath := filepath.Join(basePath, "config.json")
		err = cleanenv.ReadConfig(configJsonPath, cfg)
		if err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	}

	err = cleanenv.ReadEnv(cfg)
	if err != nil {
		return nil, fmt.Errorf("env read error: %w", err)
	}

	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	return cfg, nil
}

// Validate rejects values the workers and the rate limiter cannot run with.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"workers.order_expiration", c.Workers.OrderExpiration},
		{"workers.order_cleanup_interval", c.Workers.OrderCleanupInterval},
		{"workers.reconciliation_interval", c.Workers.ReconciliationInterval},
		{"http.rate_burst", c.HTTP.RateBurst},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if c.HTTP.RateLimit <= 0 {
		return fmt.Errorf("http.rate_limit must be positive, got %v", c.HTTP.RateLimit)
	}
	return nil
}
