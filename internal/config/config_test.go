package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultDelayThreshold, cfg.DelayThreshold)
	assert.Equal(t, DefaultBlockThreshold, cfg.BlockThreshold)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultDelayTimeout, cfg.DelayTimeout)
	assert.Equal(t, int64(1000000), cfg.DefaultDailyLimit) // 10000.00 rupees in paise
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "DELAY_THRESHOLD", "0.25")
	setEnv(t, "BLOCK_THRESHOLD", "0.55")
	setEnv(t, "SWEEP_INTERVAL", "30s")
	setEnv(t, "DELAY_TIMEOUT", "2m")
	setEnv(t, "DEFAULT_DAILY_LIMIT", "25000.00")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 0.25, cfg.DelayThreshold)
	assert.Equal(t, 0.55, cfg.BlockThreshold)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 2*time.Minute, cfg.DelayTimeout)
	assert.Equal(t, int64(2500000), cfg.DefaultDailyLimit)
}

func TestLoad_BadDailyLimit(t *testing.T) {
	setEnv(t, "DEFAULT_DAILY_LIMIT", "not_money")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "DEFAULT_DAILY_LIMIT")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		DelayThreshold:    0.30,
		BlockThreshold:    0.60,
		SweepInterval:     time.Minute,
		DelayTimeout:      5 * time.Minute,
		DefaultDailyLimit: 1000000,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"delay above block", func(c *Config) { c.DelayThreshold = 0.7 }, "DELAY_THRESHOLD must be below"},
		{"delay out of range", func(c *Config) { c.DelayThreshold = -0.1 }, "DELAY_THRESHOLD must be in"},
		{"block out of range", func(c *Config) { c.BlockThreshold = 1.5 }, "BLOCK_THRESHOLD must be in"},
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }, "SWEEP_INTERVAL must be positive"},
		{"zero delay timeout", func(c *Config) { c.DelayTimeout = 0 }, "DELAY_TIMEOUT must be positive"},
		{"zero daily limit", func(c *Config) { c.DefaultDailyLimit = 0 }, "DEFAULT_DAILY_LIMIT must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvFloat(t *testing.T) {
	setEnv(t, "TEST_FLOAT", "0.42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, 0.42, getEnvFloat("TEST_FLOAT", 0))
	assert.Equal(t, 0.99, getEnvFloat("NONEXISTENT_VAR", 0.99))
	assert.Equal(t, 0.99, getEnvFloat("TEST_INVALID", 0.99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
}
