package config

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("TOKEN_SECRET", testSecret)

	cfg := LoadConfig()

	assert.Equal(t, "8090", cfg.Port)
	assert.Equal(t, 24*time.Hour, cfg.TicketValidity)
	assert.Equal(t, 30, cfg.RateLimitMax)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, []string{"hub"}, cfg.BroadcastBackends)
	assert.Equal(t, time.Hour, cfg.BroadcastRecordTTL)
	assert.True(t, cfg.EnableMetrics)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("TOKEN_SECRET", testSecret)
	t.Setenv("TICKET_VALIDITY", "2h")
	t.Setenv("RATE_LIMIT_MAX", "5")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("BROADCAST_BACKENDS", "hub, redis ,,watermill")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := LoadConfig()

	assert.Equal(t, 2*time.Hour, cfg.TicketValidity)
	assert.Equal(t, 5, cfg.RateLimitMax)
	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, []string{"hub", "redis", "watermill"}, cfg.BroadcastBackends)
	assert.Equal(t, 0, cfg.RedisDB, "unparsable values fall back to the default")
	assert.True(t, cfg.UsesRedis())
}

func TestConfig_Secret(t *testing.T) {
	cfg := &Config{TokenSecret: testSecret}
	secret, err := cfg.Secret()
	require.NoError(t, err)
	assert.Len(t, secret, 32)

	cfg.TokenSecret = base64.StdEncoding.EncodeToString([]byte("short"))
	_, err = cfg.Secret()
	assert.ErrorContains(t, err, "at least 32 bytes")

	cfg.TokenSecret = ""
	_, err = cfg.Secret()
	assert.ErrorContains(t, err, "TOKEN_SECRET is required")
}

func TestConfig_PreviousSecrets(t *testing.T) {
	cfg := &Config{TokenPreviousSecrets: []string{testSecret, testSecret}}
	secrets, err := cfg.PreviousSecrets()
	require.NoError(t, err)
	assert.Len(t, secrets, 2)

	cfg.TokenPreviousSecrets = []string{"!!!"}
	_, err = cfg.PreviousSecrets()
	assert.ErrorContains(t, err, "TOKEN_PREVIOUS_SECRETS")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			TokenSecret:       testSecret,
			TicketValidity:    time.Hour,
			RateLimitMax:      1,
			RateLimitWindow:   time.Second,
			StoreBackend:      "memory",
			BroadcastBackends: []string{"hub"},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing secret", func(c *Config) { c.TokenSecret = "" }, "TOKEN_SECRET"},
		{"zero validity", func(c *Config) { c.TicketValidity = 0 }, "TICKET_VALIDITY"},
		{"zero limit", func(c *Config) { c.RateLimitMax = 0 }, "RATE_LIMIT_MAX"},
		{"unknown store", func(c *Config) { c.StoreBackend = "mongo" }, "STORE_BACKEND"},
		{"postgres without url", func(c *Config) { c.StoreBackend = "postgres" }, "DATABASE_URL"},
		{"pubnub without keys", func(c *Config) { c.BroadcastBackends = []string{"pubnub"} }, "PUBNUB_PUBLISH_KEY"},
		{"unknown broadcaster", func(c *Config) { c.BroadcastBackends = []string{"kafka"} }, "kafka"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
