package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsInMemoryMode(t *testing.T) {
	cfg, err := Load("", true)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, time.Minute, cfg.Server.PongWait)
	assert.Equal(t, 30*time.Second, cfg.Timers.PresenceSweep)
	assert.Equal(t, 30*time.Second, cfg.Timers.AcceptanceWindow)
	assert.Equal(t, 30*time.Second, cfg.Timers.RingTimeout)
	assert.Equal(t, 3*time.Second, cfg.Timers.AutoOfferDebounce)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NotEmpty(t, cfg.Auth.JWTSecret)
	assert.Equal(t, cfg.Auth.JWTSecret, cfg.Room.APISecret)
	assert.False(t, cfg.Cluster.Enabled)
}

func TestSecretsRequiredWithDatabase(t *testing.T) {
	_, err := Load("", false)
	assert.ErrorIs(t, err, ErrMissing)

	t.Setenv("FANLINE_AUTH_JWT_SECRET", "s3cret")
	_, err = Load("", false)
	assert.ErrorIs(t, err, ErrMissing, "dsn still missing")

	t.Setenv("FANLINE_DB_DSN", "postgres://localhost/fanline")
	cfg, err := Load("", false)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "postgres://localhost/fanline", cfg.DB.DSN)
}

func TestFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fanline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
redis:
  addr: "redis:6379"
timers:
  ring_timeout: 45s
log:
  level: debug
cluster:
  enabled: true
`), 0o600))

	t.Setenv("FANLINE_SERVER_ADDR", ":9100")

	cfg, err := Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr, "environment wins over the file")
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 45*time.Second, cfg.Timers.RingTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Cluster.Enabled)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), true)
	assert.Error(t, err)
}
