package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"ticket-admission/utils"
)

const minSecretLen = 32

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Token configuration
	TokenSecret          string
	TokenPreviousSecrets []string
	TicketValidity       time.Duration

	// Rate limiting
	RateLimitMax    int
	RateLimitWindow time.Duration

	// Storage
	StoreBackend string
	SQLitePath   string
	DatabaseURL  string
	DBMaxConns   int

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Broadcast configuration
	BroadcastBackends    []string
	BroadcastRecordTTL   time.Duration
	BroadcastWorkers     int
	BroadcastQueue       int
	BroadcastMaxAttempts int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Monitoring
	EnableMetrics bool
	StatsInterval time.Duration
	StatsEvents   []string

	// Logging
	LogLevel  string
	LogFormat string
}

// LoadConfig reads the environment, after loading a .env file if one exists.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Tokens
		TokenSecret:          getEnv("TOKEN_SECRET", ""),
		TokenPreviousSecrets: getEnvAsList("TOKEN_PREVIOUS_SECRETS"),
		TicketValidity:       getEnvAsDuration("TICKET_VALIDITY", "24h"),

		// Rate limiting
		RateLimitMax:    getEnvAsInt("RATE_LIMIT_MAX", 30),
		RateLimitWindow: getEnvAsDuration("RATE_LIMIT_WINDOW", "1m"),

		// Storage
		StoreBackend: getEnv("STORE_BACKEND", "memory"),
		SQLitePath:   getEnv("SQLITE_PATH", "tickets.db"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		DBMaxConns:   getEnvAsInt("DB_MAX_CONNS", 10),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Broadcast
		BroadcastBackends:    getEnvAsList("BROADCAST_BACKENDS", "hub"),
		BroadcastRecordTTL:   getEnvAsDuration("BROADCAST_RECORD_TTL", "1h"),
		BroadcastWorkers:     getEnvAsInt("BROADCAST_WORKERS", 4),
		BroadcastQueue:       getEnvAsInt("BROADCAST_QUEUE", 1024),
		BroadcastMaxAttempts: getEnvAsInt("BROADCAST_MAX_ATTEMPTS", 5),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		StatsInterval: getEnvAsDuration("STATS_INTERVAL", "30s"),
		StatsEvents:   getEnvAsList("STATS_EVENTS"),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Secret(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.PreviousSecrets(); err != nil {
		errs = append(errs, err)
	}
	if c.TicketValidity <= 0 {
		errs = append(errs, fmt.Errorf("TICKET_VALIDITY must be positive"))
	}
	if c.RateLimitMax <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_MAX must be positive"))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW must be positive"))
	}

	switch c.StoreBackend {
	case "memory", "redis", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	for _, b := range c.BroadcastBackends {
		switch b {
		case "hub", "redis", "watermill":
		case "pubnub":
			if c.PubNubPublishKey == "" {
				errs = append(errs, fmt.Errorf("PUBNUB_PUBLISH_KEY is required for the pubnub broadcaster"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown broadcast backend %q", b))
		}
	}

	return errors.Join(errs...)
}

// Secret decodes TOKEN_SECRET.
func (c *Config) Secret() ([]byte, error) {
	if c.TokenSecret == "" {
		return nil, fmt.Errorf("TOKEN_SECRET is required")
	}
	return decodeSecret("TOKEN_SECRET", c.TokenSecret)
}

// PreviousSecrets decodes TOKEN_PREVIOUS_SECRETS, still accepted when
// decoding tokens issued before a rotation.
func (c *Config) PreviousSecrets() ([][]byte, error) {
	var secrets [][]byte
	for _, s := range c.TokenPreviousSecrets {
		b, err := decodeSecret("TOKEN_PREVIOUS_SECRETS", s)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, b)
	}
	return secrets, nil
}

// UsesRedis reports whether any configured component needs a Redis client.
func (c *Config) UsesRedis() bool {
	if c.StoreBackend == "redis" {
		return true
	}
	for _, b := range c.BroadcastBackends {
		if b == "redis" || b == "watermill" {
			return true
		}
	}
	return false
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func decodeSecret(key, value string) ([]byte, error) {
	b, err := utils.DecodeSecret(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if len(b) < minSecretLen {
		return nil, fmt.Errorf("%s must decode to at least %d bytes, got %d", key, minSecretLen, len(b))
	}
	return b, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

// getEnvAsList splits a comma separated value, dropping blanks.
func getEnvAsList(key string, defaultValue ...string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
