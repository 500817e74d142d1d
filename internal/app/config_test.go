package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 8*time.Hour, cfg.Auth.SessionTTL)
	require.Equal(t, 10*time.Minute, cfg.Auth.StateTTL)
	require.Equal(t, 10*time.Second, cfg.Auth.ProviderTimeout)
	require.True(t, cfg.Sync.Enabled)
	require.Equal(t, "@hourly", cfg.Sync.Schedule)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
log:
  level: debug
database:
  driver: postgres
  postgres:
    host: db.internal
    port: 5433
    database: identity
    username: svc
    password: hunter2
auth:
  session_ttl: 12h
  state_secret: configured-secret
sync:
  enabled: false
  schedule: "@every 30m"
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 12*time.Hour, cfg.Auth.SessionTTL)
	require.Equal(t, "configured-secret", cfg.Auth.StateSecret)
	require.False(t, cfg.Sync.Enabled)
	require.Equal(t, "@every 30m", cfg.Sync.Schedule)

	dbCfg := cfg.DatabaseSettings()
	require.Equal(t, "postgres", dbCfg.Driver)
	require.Equal(t, "db.internal", dbCfg.Host)
	require.Equal(t, 5433, dbCfg.Port)
	require.Equal(t, "identity", dbCfg.Name)
	require.Equal(t, "svc", dbCfg.User)
	require.Equal(t, "hunter2", dbCfg.Password)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("MERIDIAN_LOG_LEVEL", "warn")
	t.Setenv("MERIDIAN_AUTH_SESSION_TTL", "1h")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, time.Hour, cfg.Auth.SessionTTL)
}
