package config

import (
	"os"
	"strconv"
	"time"
)

// ServiceConfig holds the environment-derived settings that sit alongside
// the YAML Document: storage locations, network endpoints, and timeouts
// (spec §6 "Environment variables", §E of SPEC_FULL.md).
type ServiceConfig struct {
	ConfigPath       string
	PerformanceLevel string
	DBPath           string
	CacheDir         string
	StorageRoot      string
	ProgressBaseURL  string
	ListenHost       string
	ListenPort       int
	Workers          int

	DownloadTimeout         time.Duration
	ProgressUpdateTimeout   time.Duration
	ProgressCompleteTimeout time.Duration
	ProgressMinInterval     time.Duration
}

// LoadServiceConfig reads environment variables with sane fallbacks,
// following the teacher's getenv-with-fallback convention
// (jobindex-spectura's main.go getenv, adapted to this module's prefix).
func LoadServiceConfig() ServiceConfig {
	return ServiceConfig{
		ConfigPath:       getenv("COMIC_MATCHER_CONFIG", "./config.yaml"),
		PerformanceLevel: getenv("PERFORMANCE_LEVEL", ""),
		DBPath:           getenv("COMIC_MATCHER_DB_PATH", "./data/cache.db"),
		CacheDir:         getenv("COMIC_MATCHER_CACHE_DIR", "./data/image-cache"),
		StorageRoot:      getenv("COMIC_MATCHER_STORAGE_ROOT", "./data/storage"),
		ProgressBaseURL:  getenv("COMIC_MATCHER_PROGRESS_BASE_URL", ""),
		ListenHost:       getenv("COMIC_MATCHER_LISTEN_HOST", "0.0.0.0"),
		ListenPort:       getenvInt("COMIC_MATCHER_LISTEN_PORT", 8080),
		Workers:          getenvInt("COMIC_MATCHER_WORKERS", 6),

		DownloadTimeout:         getenvDuration("COMIC_MATCHER_DOWNLOAD_TIMEOUT", 10*time.Second),
		ProgressUpdateTimeout:   getenvDuration("COMIC_MATCHER_PROGRESS_UPDATE_TIMEOUT", 2*time.Second),
		ProgressCompleteTimeout: getenvDuration("COMIC_MATCHER_PROGRESS_COMPLETE_TIMEOUT", 5*time.Second),
		ProgressMinInterval:     getenvDuration("COMIC_MATCHER_PROGRESS_MIN_INTERVAL_MS", 200*time.Millisecond),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	// Allow a bare millisecond integer (as used for *_MS keys) or a Go
	// duration string ("200ms", "10s").
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
