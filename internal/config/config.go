package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the nobu bridge.
type Config struct {
	BindAddr           string
	ShutdownTimeout    time.Duration
	MetricsNamespace   string
	AllowAnyOrigin     bool
	WelcomeText        string
	SessionIdleTTL     time.Duration
	ConversationWindow int

	VoiceProvider    string
	WhisperCLI       string
	WhisperModelPath string
	WhisperLanguage  string
	WhisperThreads   int
	PiperCLI         string
	PiperModelPath   string
	SampleRate       int

	BrainMode    string
	BrainHTTPURL string

	TranscribeTimeout time.Duration
	RespondTimeout    time.Duration
	SynthesizeTimeout time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		// The original nobu endpoints dial port 8765.
		BindAddr:           envOrDefault("NOBU_BIND_ADDR", ":8765"),
		MetricsNamespace:   envOrDefault("NOBU_METRICS_NAMESPACE", "nobu"),
		WelcomeText:        envOrDefault("NOBU_WELCOME_TEXT", ""),
		VoiceProvider:      envOrDefault("NOBU_VOICE_PROVIDER", "auto"),
		WhisperCLI:         envOrDefault("NOBU_WHISPER_CLI", "whisper-cli"),
		WhisperModelPath:   envOrDefault("NOBU_WHISPER_MODEL_PATH", ".models/whisper/ggml-base.bin"),
		WhisperLanguage:    envOrDefault("NOBU_WHISPER_LANGUAGE", "en"),
		PiperCLI:           envOrDefault("NOBU_PIPER_CLI", "piper"),
		PiperModelPath:     envOrDefault("NOBU_PIPER_MODEL_PATH", ".models/piper/en_US-lessac-medium.onnx"),
		BrainMode:          envOrDefault("NOBU_BRAIN_MODE", "auto"),
		BrainHTTPURL:       trimSpaceEnv("NOBU_BRAIN_HTTP_URL"),
		DatabaseURL:        trimSpaceEnv("DATABASE_URL"),
		ShutdownTimeout:    15 * time.Second,
		SessionIdleTTL:     30 * time.Minute,
		ConversationWindow: 50,
		SampleRate:         16000,
		TranscribeTimeout:  15 * time.Second,
		RespondTimeout:     30 * time.Second,
		SynthesizeTimeout:  20 * time.Second,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("NOBU_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTTL, err = durationFromEnv("NOBU_SESSION_IDLE_TTL", cfg.SessionIdleTTL); err != nil {
		return Config{}, err
	}
	if cfg.TranscribeTimeout, err = durationFromEnv("NOBU_TRANSCRIBE_TIMEOUT", cfg.TranscribeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RespondTimeout, err = durationFromEnv("NOBU_RESPOND_TIMEOUT", cfg.RespondTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SynthesizeTimeout, err = durationFromEnv("NOBU_SYNTHESIZE_TIMEOUT", cfg.SynthesizeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ConversationWindow, err = intFromEnv("NOBU_CONVERSATION_WINDOW", cfg.ConversationWindow); err != nil {
		return Config{}, err
	}
	if cfg.WhisperThreads, err = intFromEnv("NOBU_WHISPER_THREADS", cfg.WhisperThreads); err != nil {
		return Config{}, err
	}
	if cfg.SampleRate, err = intFromEnv("NOBU_SAMPLE_RATE", cfg.SampleRate); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("NOBU_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}

	if cfg.SessionIdleTTL < 5*time.Second {
		return Config{}, fmt.Errorf("NOBU_SESSION_IDLE_TTL must be at least 5s")
	}
	if cfg.ConversationWindow <= 0 {
		return Config{}, fmt.Errorf("NOBU_CONVERSATION_WINDOW must be positive")
	}
	if cfg.WhisperThreads < 0 {
		return Config{}, fmt.Errorf("NOBU_WHISPER_THREADS must be >= 0")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("NOBU_SAMPLE_RATE must be positive")
	}
	for _, stage := range []struct {
		name string
		d    time.Duration
	}{
		{"NOBU_TRANSCRIBE_TIMEOUT", cfg.TranscribeTimeout},
		{"NOBU_RESPOND_TIMEOUT", cfg.RespondTimeout},
		{"NOBU_SYNTHESIZE_TIMEOUT", cfg.SynthesizeTimeout},
	} {
		if stage.d <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", stage.name)
		}
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimSpaceEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimSpaceEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimSpaceEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimSpaceEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
