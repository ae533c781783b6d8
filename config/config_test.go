// clipper/config/config_test.go
package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipper/config"
)

func TestLoadConfig(t *testing.T) {
	t.Run("loads default values correctly", func(t *testing.T) {
		chdir(t, t.TempDir())
		cfg, err := config.Load()
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "8080", cfg.Port)
		assert.Equal(t, 2, cfg.MaxConcurrentJobs)
		assert.False(t, cfg.AuthEnable)
		assert.Equal(t, "ffmpeg", cfg.FFBin)
		assert.Equal(t, 3, cfg.MaxRetries)
		assert.Equal(t, 2*time.Second, cfg.BackoffBase)
		assert.Equal(t, 2*time.Minute, cfg.BackoffCap)
		assert.Equal(t, 24*time.Hour, cfg.WorkRetention)
		assert.Equal(t, int64(2*1024*1024*1024), cfg.MaxDownloadSize)
		assert.Equal(t, int64(200*1024*1024), cfg.ThrottleFreeMem)
		assert.Equal(t, config.StoreMemory, cfg.StoreDriver)
		assert.Equal(t, config.ProviderAnthropic, cfg.AnalyzerProvider)
		assert.Equal(t, "thinking", cfg.GeminiMode)
	})

	t.Run("overrides defaults with environment variables", func(t *testing.T) {
		chdir(t, t.TempDir())
		t.Setenv("CLIPPER_PORT", "9999")
		t.Setenv("CLIPPER_MAX_CONCURRENT_JOBS", "10")
		t.Setenv("CLIPPER_AUTH_ENABLE", "true")
		t.Setenv("CLIPPER_AUTH_KEY", "newsecret")
		t.Setenv("CLIPPER_MAX_DOWNLOAD_SIZE", "50MB")
		t.Setenv("CLIPPER_BACKOFF_BASE", "500ms")
		t.Setenv("CLIPPER_STORE_DRIVER", "redis")

		cfg, err := config.Load()
		require.NoError(t, err)

		assert.Equal(t, "9999", cfg.Port)
		assert.Equal(t, 10, cfg.MaxConcurrentJobs)
		assert.True(t, cfg.AuthEnable)
		assert.Equal(t, "newsecret", cfg.AuthKey)
		assert.Equal(t, int64(50*1024*1024), cfg.MaxDownloadSize)
		assert.Equal(t, 500*time.Millisecond, cfg.BackoffBase)
		assert.Equal(t, config.StoreRedis, cfg.StoreDriver)
	})

	t.Run("rejects an invalid configuration", func(t *testing.T) {
		chdir(t, t.TempDir())
		t.Setenv("CLIPPER_STORE_DRIVER", "postgres")
		_, err := config.Load()
		assert.ErrorContains(t, err, "DATABASE_URL")
	})
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func validConfig() config.Config {
	return config.Config{
		MaxConcurrentJobs: 2,
		QueueSize:         10,
		MaxRetries:        3,
		BackoffBase:       time.Second,
		BackoffCap:        time.Minute,
		MaxClips:          5,
		MinClipSeconds:    5,
		MaxClipSeconds:    60,
		StoreDriver:       config.StoreMemory,
		AnalyzerProvider:  config.ProviderChat,
	}
}

func TestValidate(t *testing.T) {
	base := validConfig()
	require.NoError(t, base.Validate())

	gemini := validConfig()
	gemini.AnalyzerProvider = config.ProviderGemini
	gemini.GeminiMode = "precise"
	require.NoError(t, gemini.Validate())

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"no workers", func(c *config.Config) { c.MaxConcurrentJobs = 0 }},
		{"no queue", func(c *config.Config) { c.QueueSize = 0 }},
		{"negative retries", func(c *config.Config) { c.MaxRetries = -1 }},
		{"cap below base", func(c *config.Config) { c.BackoffCap = time.Millisecond }},
		{"no clips", func(c *config.Config) { c.MaxClips = 0 }},
		{"inverted clip bounds", func(c *config.Config) { c.MaxClipSeconds = 1 }},
		{"unknown store", func(c *config.Config) { c.StoreDriver = "sqlite" }},
		{"redis without address", func(c *config.Config) { c.StoreDriver = config.StoreRedis }},
		{"unknown provider", func(c *config.Config) { c.AnalyzerProvider = "oracle" }},
		{"unknown gemini mode", func(c *config.Config) {
			c.AnalyzerProvider = config.ProviderGemini
			c.GeminiMode = "dreamy"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
