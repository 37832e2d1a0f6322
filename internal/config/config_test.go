package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  path: /tmp/orders.db
server:
  port: 8080
  request_timeout: 3s
  cors_origins: ["https://pos.example.com"]
engine:
  max_retries: 5
  strict_transitions: true
kitchen:
  cook_delay: 250ms
`), 0o600))
	t.Setenv("TABLESIDE_SERVER_MAX_CONCURRENT", "7")
	t.Setenv("TABLESIDE_LOG_MODE", "development")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/orders.db", cfg.Database.Path)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, []string{"https://pos.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 5, cfg.Engine.MaxRetries)
	assert.True(t, cfg.Engine.StrictTransitions)
	assert.Equal(t, 250*time.Millisecond, cfg.Kitchen.CookDelay)
	assert.Equal(t, 7, cfg.Server.MaxConcurrent)
	assert.Equal(t, "development", cfg.Log.Mode)

	// untouched keys keep their defaults
	assert.Equal(t, "orders_topic", cfg.RabbitMQ.Exchange)
	assert.Equal(t, "local", cfg.Engine.LockBackend)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("database: [oops"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TABLESIDE_DATABASE_DRIVER":           "memory",
		"TABLESIDE_RABBITMQ_ENABLED":          "true",
		"TABLESIDE_ENGINE_LOCK_BACKEND":       " redis ",
		"TABLESIDE_KITCHEN_COOK_DELAY":        "1m",
		"TABLESIDE_ENGINE_STRICT_TRANSITIONS": "1",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, applyEnv(cfg, lookup))
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.True(t, cfg.RabbitMQ.Enabled)
	assert.Equal(t, "redis", cfg.Engine.LockBackend)
	assert.Equal(t, time.Minute, cfg.Kitchen.CookDelay)
	assert.True(t, cfg.Engine.StrictTransitions)

	env["TABLESIDE_SERVER_PORT"] = "eighty"
	err := applyEnv(Default(), lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TABLESIDE_SERVER_PORT")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"driver":         func(c *Config) { c.Database.Driver = "mysql" },
		"lock backend":   func(c *Config) { c.Engine.LockBackend = "etcd" },
		"port":           func(c *Config) { c.Server.Port = 70000 },
		"max concurrent": func(c *Config) { c.Server.MaxConcurrent = 0 },
		"retries":        func(c *Config) { c.Engine.MaxRetries = 0 },
		"kafka brokers":  func(c *Config) { c.Kafka.Enabled = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
