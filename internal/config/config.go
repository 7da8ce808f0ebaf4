package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the meeting recorder
type Config struct {
	// Server configuration
	Port     string `envconfig:"PORT" default:"8080"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"9090"` // gRPC health service

	// Deepgram STT configuration. The API key may come from the environment
	// or from the remote config endpoint below.
	DeepgramAPIKey         string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel          string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage       string `envconfig:"DEEPGRAM_LANGUAGE" default:"en-US"`
	DeepgramSmartFormat    bool   `envconfig:"DEEPGRAM_SMART_FORMAT" default:"true"`
	DeepgramInterimResults bool   `envconfig:"DEEPGRAM_INTERIM_RESULTS" default:"true"`
	DeepgramEndpointingMs  int    `envconfig:"DEEPGRAM_ENDPOINTING_MS" default:"300"`
	DeepgramUtteranceEndMs int    `envconfig:"DEEPGRAM_UTTERANCE_END_MS" default:"1000"`
	DeepgramWSURL          string `envconfig:"DEEPGRAM_WS_URL" default:"wss://api.deepgram.com/v1/listen"`
	STTTransport           string `envconfig:"STT_TRANSPORT" default:"sdk"` // sdk, websocket

	// Remote config endpoint serving {"apiKey": "..."}
	ConfigURL       string        `envconfig:"CONFIG_URL" default:""`
	ConfigCacheTTL  time.Duration `envconfig:"CONFIG_CACHE_TTL" default:"5m"`
	ConfigTimeoutMs int           `envconfig:"CONFIG_TIMEOUT_MS" default:"800"`

	// Audio capture configuration
	AudioSource        string  `envconfig:"AUDIO_SOURCE" default:"pulse"` // pulse, ffmpeg
	AudioDevice        string  `envconfig:"AUDIO_DEVICE" default:""`
	AudioCaptureRate   int     `envconfig:"AUDIO_CAPTURE_RATE" default:"16000"`
	AudioBlockSize     int     `envconfig:"AUDIO_BLOCK_SIZE" default:"4096"` // samples per fallback block
	AudioWorkletOn     bool    `envconfig:"AUDIO_WORKLET_ENABLED" default:"true"`
	FFmpegCommand      string  `envconfig:"FFMPEG_COMMAND" default:"ffmpeg"`
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"`
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"25"`

	// Reconnection configuration
	ReconnectBaseMs      int `envconfig:"RECONNECT_BASE_MS" default:"1000"`
	ReconnectMaxMs       int `envconfig:"RECONNECT_MAX_MS" default:"30000"`
	ReconnectMaxAttempts int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"0"` // 0 = unlimited

	// Collaborator resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Auth handle issued by the host application. Recording is refused
	// while it is empty.
	SessionToken string `envconfig:"SESSION_TOKEN" default:"local"`

	// Persistence
	DatabasePath     string        `envconfig:"DATABASE_PATH" default:"recorder.sqlite"`
	AutosaveInterval time.Duration `envconfig:"AUTOSAVE_INTERVAL" default:"15s"`

	// Summarization service. Empty URL selects the local extractive summary.
	SummarizerURL     string        `envconfig:"SUMMARIZER_URL" default:""`
	SummarizerAPIKey  string        `envconfig:"SUMMARIZER_API_KEY" default:""`
	SummarizerTimeout time.Duration `envconfig:"SUMMARIZER_TIMEOUT" default:"30s"`

	// Usage quota
	MonthlyMinutes      float64       `envconfig:"MONTHLY_MINUTES" default:"600"`
	UsageWarningMinutes float64       `envconfig:"USAGE_WARNING_MINUTES" default:"5"`
	UsagePollInterval   time.Duration `envconfig:"USAGE_POLL_INTERVAL" default:"10s"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements that envconfig tags cannot express
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" && c.ConfigURL == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY or CONFIG_URL is required")
	}
	switch c.STTTransport {
	case "sdk", "websocket":
	default:
		return fmt.Errorf("STT_TRANSPORT must be sdk or websocket, got %q", c.STTTransport)
	}
	switch c.AudioSource {
	case "pulse", "ffmpeg":
	default:
		return fmt.Errorf("AUDIO_SOURCE must be pulse or ffmpeg, got %q", c.AudioSource)
	}
	if c.AudioCaptureRate <= 0 {
		return fmt.Errorf("AUDIO_CAPTURE_RATE must be positive")
	}
	if c.ReconnectBaseMs <= 0 || c.ReconnectMaxMs < c.ReconnectBaseMs {
		return fmt.Errorf("RECONNECT_MAX_MS must be >= RECONNECT_BASE_MS > 0")
	}
	return nil
}

// ConfigTimeout returns the credential fetch bound as a duration
func (c *Config) ConfigTimeout() time.Duration {
	return time.Duration(c.ConfigTimeoutMs) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
