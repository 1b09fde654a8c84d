package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codetesla51/epoll-http/server"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, server.TriggerEdge, cfg.Server.TriggerMode)
	assert.True(t, cfg.Server.KeepAlive)
	assert.Equal(t, "fs", cfg.Content.Type)
	assert.Equal(t, "data", cfg.Store.Dir)
	assert.Equal(t, 30*time.Minute, cfg.Auth.SessionTTL)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
server:
  port: 9000
  trigger_mode: 0
  idle_timeout: 90s
  keep_alive: false
  doc_root: /srv/www
store:
  in_memory: true
content:
  type: s3
  s3:
    bucket: uploads
    region: eu-west-1
    endpoint: http://localhost:4566
    force_path_style: true
metrics:
  enabled: true
  addr: ":9100"
`)

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, server.TriggerLevel, cfg.Server.TriggerMode)
	assert.Equal(t, 90*time.Second, cfg.Server.IdleTimeout)
	assert.False(t, cfg.Server.KeepAlive)
	assert.True(t, cfg.Store.InMemory)
	assert.Empty(t, cfg.Store.Dir)
	assert.True(t, cfg.Metrics.Enabled)

	s3Cfg, err := cfg.S3Config()
	require.NoError(t, err)
	assert.Equal(t, "uploads", s3Cfg.Bucket)
	assert.Equal(t, "eu-west-1", s3Cfg.Region)
	assert.Equal(t, "http://localhost:4566", s3Cfg.Endpoint)

	sc := cfg.ServerConfig()
	assert.Equal(t, "/srv/www", sc.DocRoot)
	assert.Equal(t, 90*time.Second, sc.IdleTimeout)
	assert.False(t, sc.EnableKeepAlive)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("RAWHTTP_SERVER_PORT", "9500")
	t.Setenv("RAWHTTP_LOGGING_LEVEL", "warn")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 9500, cfg.Server.Port)
	assert.Equal(t, "WARN", cfg.Logging.Level)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"privileged port", "server:\n  port: 80\n"},
		{"bad trigger mode", "server:\n  trigger_mode: 7\n"},
		{"bad log level", "logging:\n  level: LOUD\n"},
		{"bad content type", "content:\n  type: ftp\n"},
		{"s3 without bucket", "content:\n  type: s3\n  s3:\n    region: us-east-1\n"},
		{"upload above body limit", "server:\n  max_body_size: 100\ncontent:\n  max_upload: 200\n"},
		{"bad host", "server:\n  host: example.com\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(viper.New(), writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestWriteSampleRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.yaml")
	require.NoError(t, WriteSample(path))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestFSConfig(t *testing.T) {
	cfg := Default()
	fsCfg, err := cfg.FSConfig()
	require.NoError(t, err)
	assert.Equal(t, "images", fsCfg.Dir)

	cfg.Content.FS = map[string]any{"dir": "uploads"}
	fsCfg, err = cfg.FSConfig()
	require.NoError(t, err)
	assert.Equal(t, "uploads", fsCfg.Dir)
}
