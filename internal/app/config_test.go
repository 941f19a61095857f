package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		envKey   string
		envValue string
		defValue string
		want     string
	}{
		{
			name:     "env set",
			envKey:   "TEST_ENV_VAR",
			envValue: "custom_value",
			defValue: "default",
			want:     "custom_value",
		},
		{
			name:     "env not set",
			envKey:   "TEST_ENV_VAR_NOTSET",
			defValue: "default",
			want:     "default",
		},
		{
			name:   "empty default",
			envKey: "TEST_ENV_VAR_EMPTY",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.envKey, tt.envValue)
			}

			got := getenv(tt.envKey, tt.defValue)
			if got != tt.want {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.envKey, tt.defValue, got, tt.want)
			}
		})
	}
}

func TestGetenvIntClamped(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      int
		min      int
		max      int
		want     int
	}{
		{name: "value within range", envValue: "500", def: 100, min: 0, max: 1000, want: 500},
		{name: "value below min - clamp to min", envValue: "-100", def: 100, min: 0, max: 1000, want: 0},
		{name: "value above max - clamp to max", envValue: "5000", def: 100, min: 0, max: 1000, want: 1000},
		{name: "invalid value - use default", envValue: "abc", def: 100, min: 0, max: 1000, want: 100},
		{name: "unset - use default", def: 100, min: 0, max: 1000, want: 100},
		{name: "default outside range is clamped", def: 0, min: 8000, max: 96000, want: 8000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("TEST_INT_CLAMPED", tt.envValue)
			}
			got := getenvIntClamped("TEST_INT_CLAMPED", tt.def, tt.min, tt.max)
			if got != tt.want {
				t.Errorf("getenvIntClamped(%q, %d, %d, %d) = %d, want %d",
					tt.envValue, tt.def, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

func TestGetenvFloatClamped(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      float64
		want     float64
	}{
		{name: "value within range", envValue: "0.43", def: 0.77, want: 0.43},
		{name: "below min", envValue: "-1", def: 0.77, want: 0},
		{name: "above max", envValue: "250", def: 0.77, want: 100},
		{name: "invalid", envValue: "cheap", def: 0.77, want: 0.77},
		{name: "unset", def: 0.77, want: 0.77},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("TEST_FLOAT_CLAMPED", tt.envValue)
			}
			got := getenvFloatClamped("TEST_FLOAT_CLAMPED", tt.def, 0, 100)
			if got != tt.want {
				t.Errorf("getenvFloatClamped(%q, %f, 0, 100) = %f, want %f", tt.envValue, tt.def, got, tt.want)
			}
		})
	}
}

func TestGetenvDuration(t *testing.T) {
	tests := []struct {
		envValue string
		def      time.Duration
		want     time.Duration
	}{
		{"45s", time.Second, 45 * time.Second},
		{"2m", time.Second, 2 * time.Minute},
		{"30", time.Second, 30 * time.Second},
		{"0", time.Second, 0},
		{"-5s", time.Second, time.Second},
		{"soon", time.Second, time.Second},
		{"", time.Second, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.envValue, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.envValue)
			if got := getenvDuration("TEST_DURATION", tt.def); got != tt.want {
				t.Errorf("getenvDuration(%q) = %v, want %v", tt.envValue, got, tt.want)
			}
		})
	}
}

func TestGetenvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	assert.True(t, getenvBool("TEST_BOOL", false))

	t.Setenv("TEST_BOOL", "nope")
	assert.True(t, getenvBool("TEST_BOOL", true))

	t.Setenv("TEST_BOOL", "")
	assert.False(t, getenvBool("TEST_BOOL", false))
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"http://a", "http://b"}, parseList(" http://a , ,http://b"))
	assert.Empty(t, parseList(""))
}

func TestLoadConfigDefaults(t *testing.T) {
	for _, k := range []string{"CONFIG_FILE", "HTTP_ADDR", "PORT", "CORS_ALLOWED_ORIGIN", "STREAM_SAMPLE_RATE", "SESSION_IDLE_TIMEOUT", "MINIO_BUCKET", "COST_STT_CENTS_PER_MIN"} {
		t.Setenv(k, "")
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.HTTPAddr)
	assert.Equal(t, []string{"http://localhost:8501"}, cfg.AllowedOrigins)
	assert.Equal(t, "en-US", cfg.Stream.LanguageCode)
	assert.Equal(t, 48000, cfg.Stream.SampleRateHz)
	assert.Equal(t, "pcm", cfg.Stream.Encoding)
	assert.Equal(t, "PRIMARYCARE", cfg.Stream.Specialty)
	assert.Equal(t, "DICTATION", cfg.Stream.Type)
	assert.Zero(t, cfg.IdleTimeout)
	assert.Zero(t, cfg.MaxQueueDepth)
	assert.Equal(t, "stream-transcripts", cfg.Minio.Prefix)
	assert.True(t, cfg.Deepgram.Punctuate)
	assert.Equal(t, 0.77, cfg.Pricing.STTCentsPerMinute)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("PORT", "8081")
	t.Setenv("CORS_ALLOWED_ORIGIN", "https://scribe.example, http://localhost:8501")
	t.Setenv("STREAM_SAMPLE_RATE", "16000")
	t.Setenv("STREAM_SPECIALTY", "CARDIOLOGY")
	t.Setenv("SESSION_IDLE_TIMEOUT", "90s")
	t.Setenv("SESSION_MAX_QUEUE_DEPTH", "256")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("DEEPGRAM_API_KEY", "dg-key")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, []string{"https://scribe.example", "http://localhost:8501"}, cfg.AllowedOrigins)
	assert.Equal(t, 16000, cfg.Stream.SampleRateHz)
	assert.Equal(t, "CARDIOLOGY", cfg.Stream.Specialty)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 256, cfg.MaxQueueDepth)
	assert.True(t, cfg.Minio.UseSSL)
	assert.Equal(t, "dg-key", cfg.Deepgram.APIKey)
}

func TestLoadConfigEmptySpecialtyClearsDefault(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STREAM_SPECIALTY", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Empty(t, cfg.Stream.Specialty, "an empty value selects the general model")
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamscribe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
idle_timeout: 2m
max_queue_depth: 64
stream:
  language_code: en-GB
  sample_rate_hz: 16000
deepgram:
  model: nova-2
minio:
  endpoint: minio.internal:9000
  bucket: from-file
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("PORT", "")
	t.Setenv("STREAM_LANGUAGE", "")
	t.Setenv("STREAM_SAMPLE_RATE", "")
	t.Setenv("SESSION_IDLE_TIMEOUT", "")
	t.Setenv("SESSION_MAX_QUEUE_DEPTH", "")
	t.Setenv("MINIO_ENDPOINT", "")
	t.Setenv("MINIO_BUCKET", "from-env")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 64, cfg.MaxQueueDepth)
	assert.Equal(t, "en-GB", cfg.Stream.LanguageCode)
	assert.Equal(t, 16000, cfg.Stream.SampleRateHz)
	assert.Equal(t, "PRIMARYCARE", cfg.Stream.Specialty, "fields absent from the file keep their defaults")
	assert.Equal(t, "nova-2", cfg.Deepgram.Model)
	assert.Equal(t, "minio.internal:9000", cfg.Minio.Endpoint)
	assert.Equal(t, "from-env", cfg.Minio.Bucket)
}

func TestLoadConfigBadFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := LoadConfig()
	assert.Error(t, err)
}
