package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("JWT_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, 15*time.Second, cfg.ReadTimeout)
	assert.Equal(t, devDatabaseURL, cfg.DatabaseURL())
	assert.Equal(t, 20, cfg.DBMaxConnections())
	assert.Equal(t, "@every 15m", cfg.ReconcileSchedule)
	assert.Equal(t, int64(20<<20), cfg.MaxUploadSize)
	assert.Equal(t, devJWTSecret, cfg.JWTSecret)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "api.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_addr: ":9000"
reconcile_schedule: "@every 1h"
storage:
  backend: s3
  bucket: photos
kafka:
  brokers: ["k1:9092"]
`), 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("SERVER_ADDR", ":9100")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.ServerAddr, "env wins over YAML")
	assert.Equal(t, "@every 1h", cfg.ReconcileSchedule)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "photos", cfg.Storage.Bucket)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 120, cfg.RateLimitPerMinute, "invalid number falls back")
}

func TestLoadProductionGuards(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	assert.Error(t, err, "dev database URL refused")

	t.Setenv("DATABASE_URL", "postgres://prod/db")
	_, err = Load()
	assert.Error(t, err, "empty JWT secret refused")

	t.Setenv("JWT_SECRET", "prod-secret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Production)
	assert.Equal(t, "prod-secret", cfg.JWTSecret)
}
