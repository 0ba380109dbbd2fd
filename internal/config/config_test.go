package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("STORE_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Relay.Port)
	require.Equal(t, "memory", cfg.Client.StoreBackend)
	require.Equal(t, "activeCall", cfg.Client.StoreKey)
	require.Equal(t, 1500*time.Millisecond, cfg.Client.ReconnectDelay)
	require.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Client.ICEServers)
	require.Equal(t, "dev", cfg.Logging.Env)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
relay:
  port: "9090"
  jwtSecret: file-secret
client:
  room: A_B
  storeBackend: redis
  reconnectDelay: 2s
logging:
  backend: zap
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("ICE_SERVERS", "stun:a,stun:b")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "9090", cfg.Relay.Port)
	require.Equal(t, "env-secret", cfg.Relay.JWTSecret)
	require.Equal(t, "A_B", cfg.Client.Room)
	require.Equal(t, "redis", cfg.Client.StoreBackend)
	require.Equal(t, 2*time.Second, cfg.Client.ReconnectDelay)
	require.Equal(t, []string{"stun:a", "stun:b"}, cfg.Client.ICEServers)
	require.Equal(t, "zap", cfg.Logging.Backend)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("STORE_BACKEND", "etcd")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := Load()
	require.Error(t, err)
}
