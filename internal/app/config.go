package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/lukasbauer/streamscribe/internal/costs"
	"github.com/lukasbauer/streamscribe/internal/storage"
	"github.com/lukasbauer/streamscribe/internal/stt"
)

type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	LogLevel    string `yaml:"log_level"`
	Environment string `yaml:"environment"`
	SentryDSN   string `yaml:"sentry_dsn"`
	DatabaseURL string `yaml:"database_url"` // optional, enables the session event log

	// Browser origins allowed to call the API
	AllowedOrigins []string `yaml:"allowed_origins"`

	// JWT Authentication (empty = open API)
	JWTSecret string `yaml:"jwt_secret"`

	// Transcription backend
	Deepgram stt.DeepgramConfig `yaml:"deepgram"`
	Stream   stt.StreamConfig   `yaml:"stream"`

	// Session limits
	IdleTimeout   time.Duration `yaml:"idle_timeout"`    // 0 = no timeout
	MaxQueueDepth int           `yaml:"max_queue_depth"` // 0 = unbounded

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Provider rates for the per-session cost estimate
	Pricing costs.Pricing `yaml:"pricing"`

	// Transcript storage
	Minio storage.MinioConfig `yaml:"minio"`
}

// DefaultConfig returns the settings used when neither a config file nor the
// environment says otherwise.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:        ":3000",
		LogLevel:        "info",
		Environment:     "development",
		AllowedOrigins:  []string{"http://localhost:8501"},
		Deepgram:        stt.DeepgramConfig{Punctuate: true},
		Stream:          stt.DefaultStreamConfig(),
		ShutdownTimeout: 30 * time.Second,
		Pricing:         costs.DefaultPricing(),
		Minio: storage.MinioConfig{
			Bucket: "streamscribe-transcripts",
			Prefix: storage.DefaultPrefix,
		},
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file named
// by CONFIG_FILE (if any), then environment variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	// PORT is what most PaaS runtimes set
	if port := os.Getenv("PORT"); port != "" && os.Getenv("HTTP_ADDR") == "" {
		c.HTTPAddr = ":" + port
	}
	c.HTTPAddr = getenv("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.Environment = getenv("ENVIRONMENT", c.Environment)
	c.SentryDSN = getenv("SENTRY_DSN", c.SentryDSN)
	c.DatabaseURL = getenv("DATABASE_URL", c.DatabaseURL)
	if v := os.Getenv("CORS_ALLOWED_ORIGIN"); v != "" {
		c.AllowedOrigins = parseList(v)
	}
	c.JWTSecret = getenv("JWT_SECRET", c.JWTSecret)

	// Deepgram
	c.Deepgram.APIKey = getenv("DEEPGRAM_API_KEY", c.Deepgram.APIKey)
	c.Deepgram.URL = getenv("DEEPGRAM_URL", c.Deepgram.URL)
	c.Deepgram.Model = getenv("DEEPGRAM_MODEL", c.Deepgram.Model)
	c.Deepgram.MedicalModel = getenv("DEEPGRAM_MEDICAL_MODEL", c.Deepgram.MedicalModel)
	c.Deepgram.Endpointing = getenvIntClamped("DEEPGRAM_ENDPOINTING_MS", c.Deepgram.Endpointing, 0, 10000)

	// Stream parameters
	c.Stream.LanguageCode = getenv("STREAM_LANGUAGE", c.Stream.LanguageCode)
	c.Stream.SampleRateHz = getenvIntClamped("STREAM_SAMPLE_RATE", c.Stream.SampleRateHz, 8000, 96000)
	c.Stream.Encoding = getenv("STREAM_ENCODING", c.Stream.Encoding)
	// An empty STREAM_SPECIALTY selects the general model.
	if v, ok := os.LookupEnv("STREAM_SPECIALTY"); ok {
		c.Stream.Specialty = strings.TrimSpace(v)
	}
	c.Stream.Type = getenv("STREAM_TYPE", c.Stream.Type)

	// Session limits
	c.IdleTimeout = getenvDuration("SESSION_IDLE_TIMEOUT", c.IdleTimeout)
	c.MaxQueueDepth = getenvIntClamped("SESSION_MAX_QUEUE_DEPTH", c.MaxQueueDepth, 0, 1_000_000)
	c.ShutdownTimeout = getenvDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.Pricing.STTCentsPerMinute = getenvFloatClamped("COST_STT_CENTS_PER_MIN", c.Pricing.STTCentsPerMinute, 0, 100)

	// MinIO / S3
	c.Minio.Endpoint = getenv("MINIO_ENDPOINT", c.Minio.Endpoint)
	c.Minio.AccessKey = getenv("MINIO_ACCESS_KEY", c.Minio.AccessKey)
	c.Minio.SecretKey = getenv("MINIO_SECRET_KEY", c.Minio.SecretKey)
	c.Minio.Bucket = getenv("MINIO_BUCKET", c.Minio.Bucket)
	c.Minio.UseSSL = getenvBool("MINIO_USE_SSL", c.Minio.UseSSL)
	c.Minio.Prefix = getenv("TRANSCRIPT_PREFIX", c.Minio.Prefix)
}

func parseList(s string) []string {
	return lo.Compact(lo.Map(strings.Split(s, ","), func(p string, _ int) string {
		return strings.TrimSpace(p)
	}))
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvIntClamped parses an integer env var, falling back to def when unset
// or invalid, and clamps the result to [min, max].
func getenvIntClamped(k string, def, min, max int) int {
	v := def
	if raw := os.Getenv(k); raw != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			v = n
		}
	}
	return lo.Clamp(v, min, max)
}

// getenvFloatClamped is getenvIntClamped for floats.
func getenvFloatClamped(k string, def, min, max float64) float64 {
	v := def
	if raw := os.Getenv(k); raw != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			v = f
		}
	}
	return lo.Clamp(v, min, max)
}

func getenvBool(k string, def bool) bool {
	raw := os.Getenv(k)
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return b
}

// getenvDuration accepts Go durations ("45s") or bare seconds ("45").
func getenvDuration(k string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}
