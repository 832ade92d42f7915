// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Pipeline settings.
	SourceDir         string        // Directory scanned for source documents.
	OutputDir         string        // Directory assembled documents are written to.
	DocumentType      string        // Document type label carried through generation.
	StageWeights      []float64     // Per-stage share of overall progress; must sum to 100.
	MaxConcurrentRuns int           // Pipelines executing at once; excess runs queue.
	StepDelay         time.Duration // Artificial pause between stage work items (demos).

	// Generation model settings. An empty API key selects the built-in
	// mock section writer.
	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string

	// Archive settings. An empty DatabaseURL disables the archive.
	DatabaseURL          string // postgres://… or a SQLite path.
	ArchiveBatchSize     int
	ArchiveFlushInterval time.Duration

	// Auth settings.
	AuthEnabled       bool
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration
	APIKeyHash        string // Argon2id hash accepted for X-API-Key auth.

	// Rate limiting for run submission.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel     string
	SSEKeepAlive time.Duration
}

// Load reads configuration from environment variables with sensible
// defaults. Malformed values are collected and reported together.
func Load() (Config, error) {
	var errs []error

	intVal := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	boolVal := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	durVal := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	floatVal := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	floatsVal := func(key string, def []float64) []float64 {
		v, err := envFloats(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Port:                intVal("SEISHO_PORT", 8080),
		ReadTimeout:         durVal("SEISHO_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        durVal("SEISHO_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(intVal("SEISHO_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default

		SourceDir:         envStr("SEISHO_SOURCE_DIR", "./source_documents"),
		OutputDir:         envStr("SEISHO_OUTPUT_DIR", "./output"),
		DocumentType:      envStr("SEISHO_DOCUMENT_TYPE", "environmental_assessment"),
		StageWeights:      floatsVal("SEISHO_STAGE_WEIGHTS", []float64{40, 50, 10}),
		MaxConcurrentRuns: intVal("SEISHO_MAX_CONCURRENT_RUNS", 4),
		StepDelay:         durVal("SEISHO_STEP_DELAY", 0),

		LLMAPIKey:  envStr("SEISHO_LLM_API_KEY", ""),
		LLMBaseURL: envStr("SEISHO_LLM_BASE_URL", "https://openrouter.ai/api/v1"),
		LLMModel:   envStr("SEISHO_LLM_MODEL", "anthropic/claude-sonnet-4"),

		DatabaseURL:          envStr("DATABASE_URL", ""),
		ArchiveBatchSize:     intVal("SEISHO_ARCHIVE_BATCH_SIZE", 256),
		ArchiveFlushInterval: durVal("SEISHO_ARCHIVE_FLUSH_INTERVAL", 2*time.Second),

		AuthEnabled:       boolVal("SEISHO_AUTH_ENABLED", false),
		JWTPrivateKeyPath: envStr("SEISHO_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:  envStr("SEISHO_JWT_PUBLIC_KEY", ""),
		JWTExpiration:     durVal("SEISHO_JWT_EXPIRATION", 24*time.Hour),
		APIKeyHash:        envStr("SEISHO_API_KEY_HASH", ""),

		RateLimitEnabled: boolVal("SEISHO_RATE_LIMIT_ENABLED", false),
		RateLimitRPS:     floatVal("SEISHO_RATE_LIMIT_RPS", 1),
		RateLimitBurst:   intVal("SEISHO_RATE_LIMIT_BURST", 5),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure: boolVal("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "seisho"),

		LogLevel:     envStr("SEISHO_LOG_LEVEL", "info"),
		SSEKeepAlive: durVal("SEISHO_SSE_KEEPALIVE", 15*time.Second),
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: SEISHO_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: SEISHO_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("config: SEISHO_MAX_CONCURRENT_RUNS must be positive")
	}
	if c.ArchiveBatchSize <= 0 {
		return fmt.Errorf("config: SEISHO_ARCHIVE_BATCH_SIZE must be positive")
	}
	if c.ArchiveFlushInterval <= 0 {
		return fmt.Errorf("config: SEISHO_ARCHIVE_FLUSH_INTERVAL must be positive")
	}

	sum := 0.0
	for i, w := range c.StageWeights {
		if w <= 0 {
			return fmt.Errorf("config: SEISHO_STAGE_WEIGHTS entry %d must be positive, got %g", i, w)
		}
		sum += w
	}
	if math.Abs(sum-100) > 1e-9 {
		return fmt.Errorf("config: SEISHO_STAGE_WEIGHTS must sum to 100, got %g", sum)
	}

	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: SEISHO_RATE_LIMIT_ENABLED requires positive SEISHO_RATE_LIMIT_RPS and SEISHO_RATE_LIMIT_BURST")
	}
	if c.AuthEnabled && c.APIKeyHash == "" && c.JWTPublicKeyPath == "" && c.JWTPrivateKeyPath == "" {
		return fmt.Errorf("config: SEISHO_AUTH_ENABLED requires SEISHO_API_KEY_HASH or JWT key paths")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

// envFloats parses a comma-separated list of numbers, e.g. "40,50,10".
func envFloats(key string, defaultVal []float64) ([]float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	parts := strings.Split(v, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%s=%q is not a valid list of numbers", key, v)
		}
		out = append(out, f)
	}
	return out, nil
}
