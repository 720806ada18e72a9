package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Pipeline.Machine.MaxStageRetries)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.Invoker.DefaultTimeout)
	assert.False(t, cfg.Pipeline.MockCapabilities)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9191
store:
  type: gorm
database:
  driver: postgres
  host: db.internal
  port: 5432
  user: research
  password: secret
  name: researchflow
  ssl_mode: require
pipeline:
  mock_capabilities: true
  machine:
    max_stage_retries: 5
webhook:
  endpoints:
    - https://hooks.example.com/progress
log:
  level: debug
  format: console
`), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.HTTPPort)
	assert.Equal(t, "gorm", cfg.Store.Type)
	assert.Equal(t, 5, cfg.Pipeline.Machine.MaxStageRetries)
	assert.True(t, cfg.Pipeline.MockCapabilities)
	assert.Equal(t, []string{"https://hooks.example.com/progress"}, cfg.Webhook.Endpoints)
	assert.Contains(t, cfg.Database.DSN(), "host=db.internal")
	assert.Contains(t, cfg.Database.DSN(), "sslmode=require")

	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/does/not/exist.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RESEARCHFLOW_SERVER_HTTP_PORT", "7070")
	t.Setenv("RESEARCHFLOW_STORE_TYPE", "redis")
	t.Setenv("RESEARCHFLOW_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("RESEARCHFLOW_SERVER_READ_TIMEOUT", "45s")
	t.Setenv("RESEARCHFLOW_WEBHOOK_ENDPOINTS", "https://a.example.com, https://b.example.com")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Webhook.Endpoints)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = -1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Store.Type = "cassandra"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Store.Type = "redis"
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())
}

func TestCheckpointStoreConfigTranslation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Type = "gorm"
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = "test.db"

	sc := cfg.CheckpointStoreConfig()
	assert.Equal(t, "gorm", string(sc.Type))
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "test.db", sc.DSN)
}

func TestBuildLogger(t *testing.T) {
	logger, err := LogConfig{Level: "debug", Format: "console"}.BuildLogger()
	require.NoError(t, err)
	logger.Debug("configured")

	_, err = LogConfig{Level: "verbose", Format: "json"}.BuildLogger()
	assert.Error(t, err)
}
