package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, defaultHTTPPort, cfg.HTTPPort)
	assert.Equal(t, defaultStreamURL, cfg.StreamURL)
	assert.Equal(t, defaultMaxBodyBytes, cfg.MaxBodyBytes)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("MAX_BODY_BYTES", "2048")
	t.Setenv("RATE_LIMIT_RPS", "5")
	t.Setenv("RATE_LIMIT_BURST", "10")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.Equal(t, int64(2048), cfg.MaxBodyBytes)
	assert.Equal(t, float64(5), cfg.RateLimitRPS)
	assert.Equal(t, 10, cfg.RateLimitBurst)
}

func TestLoad_InvalidMaxBodyBytesReturnsError(t *testing.T) {
	t.Setenv("MAX_BODY_BYTES", "not-a-number")
	_, err := Load("")
	assert.Error(t, err)
}

func TestSecretLookup_ReadsUppercasedSourceSecret(t *testing.T) {
	t.Setenv("GITHUB_SECRET", "s3cr3t")
	secret, ok := SecretLookup("github")
	assert.True(t, ok)
	assert.Equal(t, "s3cr3t", secret)

	os.Unsetenv("STRIPE_SECRET")
	_, ok = SecretLookup("stripe")
	assert.False(t, ok)
}
