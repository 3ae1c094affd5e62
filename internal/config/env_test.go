package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadServiceConfigDefaultsWhenUnset(t *testing.T) {
	cfg := LoadServiceConfig()
	assert.Equal(t, "./config.yaml", cfg.ConfigPath)
	assert.Equal(t, "0.0.0.0", cfg.ListenHost)
	assert.Equal(t, 8080, cfg.ListenPort)
	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, 10*time.Second, cfg.DownloadTimeout)
}

func TestLoadServiceConfigHonorsOverrides(t *testing.T) {
	t.Setenv("COMIC_MATCHER_LISTEN_PORT", "9090")
	t.Setenv("COMIC_MATCHER_WORKERS", "not-a-number")
	t.Setenv("COMIC_MATCHER_PROGRESS_MIN_INTERVAL_MS", "500")
	t.Setenv("COMIC_MATCHER_DOWNLOAD_TIMEOUT", "30s")

	cfg := LoadServiceConfig()
	assert.Equal(t, 9090, cfg.ListenPort)
	assert.Equal(t, 6, cfg.Workers, "invalid int falls back to default")
	assert.Equal(t, 500*time.Millisecond, cfg.ProgressMinInterval)
	assert.Equal(t, 30*time.Second, cfg.DownloadTimeout)
}

func TestGetenvDurationAcceptsBareMillisOrDurationString(t *testing.T) {
	t.Setenv("X_DUR", "250")
	assert.Equal(t, 250*time.Millisecond, getenvDuration("X_DUR", time.Second))

	t.Setenv("X_DUR", "3s")
	assert.Equal(t, 3*time.Second, getenvDuration("X_DUR", time.Second))

	t.Setenv("X_DUR", "garbage")
	assert.Equal(t, time.Second, getenvDuration("X_DUR", time.Second))
}
