// clipper/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Analyzer providers accepted by ANALYZER_PROVIDER.
const (
	ProviderAnthropic = "anthropic"
	ProviderChat      = "chat"
	ProviderGemini    = "gemini"
)

type Config struct {
	// Server
	Port       string `mapstructure:"PORT"`
	BaseURL    string `mapstructure:"BASE"`
	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`

	LogLevel       string `mapstructure:"LOG_LEVEL"`
	LogDevelopment bool   `mapstructure:"LOG_DEVELOPMENT"`

	// Scheduler
	MaxConcurrentJobs int           `mapstructure:"MAX_CONCURRENT_JOBS"`
	QueueSize         int           `mapstructure:"QUEUE_SIZE"`
	RecoverySchedule  string        `mapstructure:"RECOVERY_SCHEDULE"`
	StaleAfter        time.Duration `mapstructure:"STALE_AFTER"`
	WorkRetention     time.Duration `mapstructure:"WORK_RETENTION"`

	// State machine
	MaxRetries  int           `mapstructure:"MAX_RETRIES"`
	BackoffBase time.Duration `mapstructure:"BACKOFF_BASE"`
	BackoffCap  time.Duration `mapstructure:"BACKOFF_CAP"`
	CallTimeout time.Duration `mapstructure:"CALL_TIMEOUT"`
	CutTimeout  time.Duration `mapstructure:"CUT_TIMEOUT"`

	// DownloadTimeout bounds streaming the source video into the work store.
	DownloadTimeout time.Duration `mapstructure:"DOWNLOAD_TIMEOUT"`

	// Analysis
	MaxClips          int           `mapstructure:"MAX_CLIPS"`
	MinClipSeconds    float64       `mapstructure:"MIN_CLIP_SECONDS"`
	MaxClipSeconds    float64       `mapstructure:"MAX_CLIP_SECONDS"`
	MinCandidateScore float64       `mapstructure:"MIN_CANDIDATE_SCORE"`
	MaxVideoDuration  time.Duration `mapstructure:"MAX_VIDEO_DURATION"`

	// Download
	DownloadQuality string `mapstructure:"DOWNLOAD_QUALITY"`
	MaxDownloadSize int64  `mapstructure:"MAX_DOWNLOAD_SIZE"`

	// Storage
	StoreDriver    string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	RedisAddr      string        `mapstructure:"REDIS_ADDR"`
	RedisPassword  string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int           `mapstructure:"REDIS_DB"`
	WorkDir        string        `mapstructure:"WORK_DIR"`
	PublicDir      string        `mapstructure:"PUBLIC_DIR"`
	URLSigningKey  string        `mapstructure:"URL_SIGNING_KEY"`
	DownloadURLTTL time.Duration `mapstructure:"DOWNLOAD_URL_TTL"`

	// ffmpeg
	FFBin            string  `mapstructure:"FF_BIN"`
	FFExtraArgs      string  `mapstructure:"FF_EXTRA_ARGS"`
	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	// Upstream services
	YTDownBaseURL    string  `mapstructure:"YTDOWN_BASE_URL"`
	YTDownAPIKey     string  `mapstructure:"YTDOWN_API_KEY"`
	YTDownAPIHost    string  `mapstructure:"YTDOWN_API_HOST"`
	ChatBaseURL      string  `mapstructure:"CHAT_BASE_URL"`
	ChatModel        string  `mapstructure:"CHAT_MODEL"`
	AnalyzerProvider string  `mapstructure:"ANALYZER_PROVIDER"`
	AnthropicAPIKey  string  `mapstructure:"ANTHROPIC_API_KEY"`
	AnthropicModel   string  `mapstructure:"ANTHROPIC_MODEL"`
	GeminiBaseURL    string  `mapstructure:"GEMINI_BASE_URL"`
	GeminiMode       string  `mapstructure:"GEMINI_MODE"`
	AIRateLimit      float64 `mapstructure:"AI_RATE_LIMIT"`
	AIBurst          int     `mapstructure:"AI_BURST"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_DEVELOPMENT", false)

	vp.SetDefault("MAX_CONCURRENT_JOBS", 2)
	vp.SetDefault("QUEUE_SIZE", 100)
	vp.SetDefault("RECOVERY_SCHEDULE", "@every 30s")
	vp.SetDefault("STALE_AFTER", "10m")
	vp.SetDefault("WORK_RETENTION", "24h")

	vp.SetDefault("MAX_RETRIES", 3)
	vp.SetDefault("BACKOFF_BASE", "2s")
	vp.SetDefault("BACKOFF_CAP", "2m")
	vp.SetDefault("CALL_TIMEOUT", "90s")
	vp.SetDefault("CUT_TIMEOUT", "10m")
	vp.SetDefault("DOWNLOAD_TIMEOUT", "30m")

	vp.SetDefault("MAX_CLIPS", 5)
	vp.SetDefault("MIN_CLIP_SECONDS", 5.0)
	vp.SetDefault("MAX_CLIP_SECONDS", 180.0)
	vp.SetDefault("MIN_CANDIDATE_SCORE", 0.0)
	vp.SetDefault("MAX_VIDEO_DURATION", "1h")

	vp.SetDefault("DOWNLOAD_QUALITY", "720p")
	vp.SetDefault("MAX_DOWNLOAD_SIZE", "2GB")

	vp.SetDefault("STORE_DRIVER", StoreMemory)
	vp.SetDefault("DATABASE_URL", "")
	vp.SetDefault("REDIS_ADDR", "localhost:6379")
	vp.SetDefault("REDIS_PASSWORD", "")
	vp.SetDefault("REDIS_DB", 0)
	vp.SetDefault("WORK_DIR", os.TempDir()+"/clipper/work")
	vp.SetDefault("PUBLIC_DIR", os.TempDir()+"/clipper/public")
	vp.SetDefault("URL_SIGNING_KEY", "")
	vp.SetDefault("DOWNLOAD_URL_TTL", "1h")

	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FF_EXTRA_ARGS", "-c:v libx264 -preset veryfast -c:a aac -movflags +faststart")
	vp.SetDefault("THROTTLE_CPU", 10.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "1GB")

	vp.SetDefault("YTDOWN_BASE_URL", "https://api.gimita.id/api/downloader/ytdown")
	vp.SetDefault("YTDOWN_API_KEY", "")
	vp.SetDefault("YTDOWN_API_HOST", "")
	vp.SetDefault("CHAT_BASE_URL", "https://api.gimita.id/api/ai/heckai")
	vp.SetDefault("CHAT_MODEL", "x-ai/grok-3-mini-beta")
	vp.SetDefault("ANALYZER_PROVIDER", ProviderAnthropic)
	vp.SetDefault("ANTHROPIC_API_KEY", "")
	vp.SetDefault("ANTHROPIC_MODEL", "claude-sonnet-4-5")
	vp.SetDefault("GEMINI_BASE_URL", "https://api.gimita.id/api/ai/gemini")
	vp.SetDefault("GEMINI_MODE", "thinking")
	vp.SetDefault("AI_RATE_LIMIT", 1.0)
	vp.SetDefault("AI_BURST", 2)
}

func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	vp := viper.New()
	setDefaults(vp)

	vp.SetConfigName("clipper_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/clipper/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("CLIPPER")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the scheduler and state machine cannot run with.
func (c *Config) Validate() error {
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be positive, got %d", c.MaxConcurrentJobs)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive, got %d", c.QueueSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("invalid backoff: base %s, cap %s", c.BackoffBase, c.BackoffCap)
	}
	if c.MaxClips <= 0 {
		return fmt.Errorf("MAX_CLIPS must be positive, got %d", c.MaxClips)
	}
	if c.MaxClipSeconds > 0 && c.MaxClipSeconds < c.MinClipSeconds {
		return fmt.Errorf("MAX_CLIP_SECONDS (%v) is below MIN_CLIP_SECONDS (%v)", c.MaxClipSeconds, c.MinClipSeconds)
	}
	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.AnalyzerProvider {
	case ProviderAnthropic, ProviderChat:
	case ProviderGemini:
		switch c.GeminiMode {
		case "thinking", "creative", "precise":
		default:
			return fmt.Errorf("unknown GEMINI_MODE %q", c.GeminiMode)
		}
	default:
		return fmt.Errorf("unknown ANALYZER_PROVIDER %q", c.AnalyzerProvider)
	}
	return nil
}
