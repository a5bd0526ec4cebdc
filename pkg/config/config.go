// Package config loads the process-wide environment configuration this
// module's launcher needs beyond what pkg/database and pkg/llmclient
// already own for themselves (§6's Config table): the HTTP bind address,
// the stream connection, the ingest boundary's size/rate limits, and the
// per-source HMAC secret lookup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPPort       = "8080"
	defaultStreamURL      = "nats://localhost:4222"
	defaultMaxBodyBytes   = int64(1048576)
	defaultRateLimitRPS   = float64(10)
	defaultRateLimitBurst = 20
)

// Config is the launcher-level configuration (§6).
type Config struct {
	HTTPPort       string
	ServerPrefix   string
	StreamURL      string
	MaxBodyBytes   int64
	RateLimitRPS   float64
	RateLimitBurst int
	MappingsDir    string
}

// Load reads environment variables into a Config, optionally pre-loading
// a .env file at envPath (ignored if missing — production deployments set
// real environment variables instead). Following the same
// override-then-default convention as pkg/database's LoadConfigFromEnv.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			// Missing .env is not fatal: production environments set real
			// env vars instead of shipping a file.
			_ = err
		}
	}

	maxBody := defaultMaxBodyBytes
	if v := os.Getenv("MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_BODY_BYTES: %w", err)
		}
		maxBody = n
	}

	rps := defaultRateLimitRPS
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_RPS: %w", err)
		}
		rps = f
	}

	burst := defaultRateLimitBurst
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_BURST: %w", err)
		}
		burst = n
	}

	cfg := &Config{
		HTTPPort:       getEnvOrDefault("HTTP_PORT", defaultHTTPPort),
		ServerPrefix:   os.Getenv("SERVER_PREFIX"),
		StreamURL:      getEnvOrDefault("STREAM_URL", defaultStreamURL),
		MaxBodyBytes:   maxBody,
		RateLimitRPS:   rps,
		RateLimitBurst: burst,
		MappingsDir:    os.Getenv("MAPPINGS_DIR"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency of the loaded configuration.
func (c *Config) Validate() error {
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
	}
	if c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1")
	}
	return nil
}

// SecretLookup is an ingest.SecretLookup that reads the
// `<SOURCE>_SECRET` env var convention (SPEC_FULL.md §10.4), e.g.
// GITHUB_SECRET for source "github".
func SecretLookup(source string) (string, bool) {
	v := os.Getenv(strings.ToUpper(source) + "_SECRET")
	return v, v != ""
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
