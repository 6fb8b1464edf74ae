package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		HTTP:    HTTP{RateLimit: 20, RateBurst: 40},
		Workers: Workers{OrderExpiration: 30, OrderCleanupInterval: 1, ReconciliationInterval: 15},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	for name, mutate := range map[string]func(c *Config){
		"zero cleanup interval":   func(c *Config) { c.Workers.OrderCleanupInterval = 0 },
		"negative reconciliation": func(c *Config) { c.Workers.ReconciliationInterval = -1 },
		"zero order expiration":   func(c *Config) { c.Workers.OrderExpiration = 0 },
		"zero rate limit":         func(c *Config) { c.HTTP.RateLimit = 0 },
		"negative rate burst":     func(c *Config) { c.HTTP.RateBurst = -5 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfigRejectsZeroInterval(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Positive(t, cfg.Workers.OrderCleanupInterval)

	t.Setenv("ORDER_CLEANUP_INTERVAL_MINUTES", "0")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "workers.order_cleanup_interval")
}
