package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 5000
storage:
  backend: fs
  path: /var/lib/depot
upstream:
  enabled: true
  api_url: https://hex.pm/api
  repo_url: https://repo.hex.pm
  timeout: 30s
cluster:
  node_name: depot1
  nodes: [depot1, depot2]
  replication_factor: 2
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "/var/lib/depot", cfg.Storage.Path)
	assert.True(t, cfg.Upstream.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, "depot1", cfg.Cluster.NodeName)
	assert.Equal(t, 2, cfg.Cluster.ReplicationFactor)

	// Unset fields keep their defaults.
	assert.Equal(t, 20, cfg.RateLimit.RPS)
	assert.Equal(t, 2, cfg.Upstream.RetryAttempts)
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9999
`)
	t.Setenv("DEPOT_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.Backend = "tape"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.Backend = "s3"
	assert.Error(t, cfg.Validate())
	cfg.Storage.Bucket = "depot-blobs"
	assert.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.Path = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Upstream.Enabled = true
	assert.Error(t, cfg.Validate())
	cfg.Upstream.APIURL = "https://hex.pm/api"
	cfg.Upstream.RepoURL = "https://repo.hex.pm"
	assert.NoError(t, cfg.Validate())
}
