package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setRequiredSecrets provides the environment-only values every Load needs.
func setRequiredSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("FACET_MASTER_KEY", "test-master-key")
	t.Setenv("FACET_OAUTH_STATE_SECRET", "test-state-secret")
	t.Setenv("FACET_GOOGLE_CLIENT_ID", "google-client")
	t.Setenv("FACET_GOOGLE_CLIENT_SECRET", "google-secret")
	t.Setenv("FACET_MICROSOFT_CLIENT_ID", "ms-client")
	t.Setenv("FACET_MICROSOFT_CLIENT_SECRET", "ms-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredSecrets(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, DefaultDebugAddr, cfg.DebugAddr)
	assert.Equal(t, DefaultRedisAddr, cfg.Redis.Addr)
	assert.Equal(t, DefaultSQLitePath, cfg.SQLite.Path)
	assert.Equal(t, DefaultSyncQueue, cfg.Queues.Sync)
	assert.Equal(t, DefaultWriteQueue, cfg.Queues.Write)
	assert.Equal(t, DefaultReconcileCron, cfg.ReconcileCron)
	assert.Equal(t, 30*time.Minute, cfg.Sweeps.ChannelRenewal)
	assert.Equal(t, 5*time.Minute, cfg.Sweeps.HoldExpiry)
	assert.Empty(t, cfg.Mongo.URI)
}

func TestLoadFile(t *testing.T) {
	setRequiredSecrets(t)

	path := filepath.Join(t.TempDir(), "facet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9090"
public_base_url: "https://facet.example.com"
redis:
  addr: "redis.internal:6379"
  db: 3
mongo:
  uri: "mongodb://mongo.internal:27017"
  database: "facet_prod"
queues:
  sync: "prod-sync"
sweeps:
  channel_renewal: 1h
  hold_expiry: 10m
reconcile_cron: "0 4 * * *"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "https://facet.example.com", cfg.PublicBaseURL)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "mongodb://mongo.internal:27017", cfg.Mongo.URI)
	assert.Equal(t, "facet_prod", cfg.Mongo.Database)
	assert.Equal(t, "prod-sync", cfg.Queues.Sync)
	// Unset file keys keep their defaults.
	assert.Equal(t, DefaultWriteQueue, cfg.Queues.Write)
	assert.Equal(t, time.Hour, cfg.Sweeps.ChannelRenewal)
	assert.Equal(t, 10*time.Minute, cfg.Sweeps.HoldExpiry)
	assert.Equal(t, "0 4 * * *", cfg.ReconcileCron)
}

func TestEnvOverridesFile(t *testing.T) {
	setRequiredSecrets(t)
	t.Setenv("FACET_HTTP_ADDR", ":7070")
	t.Setenv("FACET_REDIS_DB", "7")

	path := filepath.Join(t.TempDir(), "facet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: \":9090\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, 7, cfg.Redis.DB)
}

func TestSecretsAreEnvironmentOnly(t *testing.T) {
	setRequiredSecrets(t)

	// Secrets in the file are ignored because the fields are not mapped.
	path := filepath.Join(t.TempDir(), "facet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
master_key_secret: "from-file"
redis:
  password: "from-file"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-master-key", cfg.MasterKeySecret)
	assert.Empty(t, cfg.Redis.Password)
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name  string
		unset string
		want  string
	}{
		{"missing master key", "FACET_MASTER_KEY", "FACET_MASTER_KEY"},
		{"missing state secret", "FACET_OAUTH_STATE_SECRET", "FACET_OAUTH_STATE_SECRET"},
		{"missing google app", "FACET_GOOGLE_CLIENT_SECRET", "google oauth"},
		{"missing microsoft app", "FACET_MICROSOFT_CLIENT_ID", "microsoft oauth"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredSecrets(t)
			t.Setenv(tc.unset, "")

			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	setRequiredSecrets(t)

	path := filepath.Join(t.TempDir(), "facet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: [not a string\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}
