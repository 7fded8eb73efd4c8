package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Hostname)
	assert.Equal(t, "/var/lib/ferrum", cfg.DataDir)
	assert.Equal(t, 100, cfg.WorkerPoolSize)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.ConductorTimeout)
	assert.Equal(t, 30*time.Minute, cfg.DeployCallbackTimeout)
	assert.Equal(t, 3, cfg.NodeLockedRetryAttempts)
	assert.False(t, cfg.FastTrack)
	assert.Equal(t, 2, cfg.Image.DownloadRetries)
	assert.Equal(t, 5*time.Second, cfg.Image.DownloadRetryInterval)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ferrum.yaml")
	content := `
hostname: conductor-1
data_dir: /tmp/ferrum-test
worker_pool_size: 8
heartbeat_interval: 5s
conductor_timeout: 30s
fast_track: true
image:
  auth_url: http://keystone:5000/v3
  swift_temp_url_key: secret
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "conductor-1", cfg.Hostname)
	assert.Equal(t, "/tmp/ferrum-test", cfg.DataDir)
	assert.Equal(t, 8, cfg.WorkerPoolSize)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.True(t, cfg.FastTrack)
	assert.Equal(t, "http://keystone:5000/v3", cfg.Image.AuthURL)
	assert.Equal(t, "secret", cfg.Image.SwiftTempURLKey)
	assert.Equal(t, 20*time.Minute, cfg.Image.SwiftTempURLDuration)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FERRUM_WORKER_POOL_SIZE", "4")
	t.Setenv("FERRUM_FAST_TRACK", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.WorkerPoolSize)
	assert.True(t, cfg.FastTrack)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty hostname",
			mutate:  func(c *Config) { c.Hostname = "" },
			wantErr: "hostname",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.WorkerPoolSize = 0 },
			wantErr: "worker_pool_size",
		},
		{
			name: "timeout not above heartbeat",
			mutate: func(c *Config) {
				c.HeartbeatInterval = time.Minute
				c.ConductorTimeout = time.Minute
			},
			wantErr: "conductor_timeout",
		},
		{
			name:    "zero lock retries",
			mutate:  func(c *Config) { c.NodeLockedRetryAttempts = 0 },
			wantErr: "node_locked_retry_attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
