// Package config loads all process configuration from the environment.
// Required keys abort startup with a descriptive error; everything else has
// a development-friendly default.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode is the process run mode.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
	ModeTest        Mode = "test"
)

// Config is the root configuration object.
type Config struct {
	Mode      Mode
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Crypto    CryptoConfig
	Broker    BrokerConfig
	Providers map[string]ProviderCredentials
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Notify    NotifyConfig
}

type ServerConfig struct {
	Port           int
	RequestTimeout time.Duration
	CORSOrigins    string
}

type DatabaseConfig struct {
	URL             string
	ServiceKey      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// CryptoConfig holds the at-rest encryption keyring. Keys maps version byte
// to 32-byte key; CurrentVersion selects the key used for new encryptions.
type CryptoConfig struct {
	Keys           map[byte][]byte
	CurrentVersion byte
}

type BrokerConfig struct {
	BaseURL     string
	CallbackURL string
}

// ProviderCredentials are the broker's own OAuth client credentials at one
// provider. The secret is encrypted before it reaches the store. PrivateKey
// carries the PEM material for providers whose refresh leg uses a JWT grant.
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
	PrivateKey   string
}

type RateLimitConfig struct {
	PerMinute int
	PerDay    int
	Backend   string // "redis" or "memory"
}

type WebhookConfig struct {
	Workers        int
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
	PollInterval   time.Duration
}

type NotifyConfig struct {
	Backend     string // "console" or "ses"
	FromAddress string
	AWSRegion   string
}

// knownProviders are the provider names whose client credentials are read
// from <NAME>_CLIENT_ID / <NAME>_CLIENT_SECRET.
var knownProviders = []string{"gmail", "gcal", "docusign"}

// Load reads the full configuration. It returns an error naming the first
// missing or malformed required key.
func Load() (*Config, error) {
	cfg := &Config{
		Mode: Mode(getEnv("APP_ENV", string(ModeDevelopment))),
		Server: ServerConfig{
			Port:           getEnvInt("PORT", 8080),
			RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
			CORSOrigins:    getEnv("CORS_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			ServiceKey:      os.Getenv("DATABASE_SERVICE_KEY"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Broker: BrokerConfig{
			BaseURL:     os.Getenv("BROKER_BASE_URL"),
			CallbackURL: os.Getenv("OAUTH_CALLBACK_URL"),
		},
		RateLimit: RateLimitConfig{
			PerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
			PerDay:    getEnvInt("RATE_LIMIT_PER_DAY", 1000),
			Backend:   getEnv("RATE_LIMIT_BACKEND", "redis"),
		},
		Webhook: WebhookConfig{
			Workers:        getEnvInt("WEBHOOK_WORKERS", 4),
			ConnectTimeout: getEnvDuration("WEBHOOK_CONNECT_TIMEOUT", 5*time.Second),
			TotalTimeout:   getEnvDuration("WEBHOOK_TOTAL_TIMEOUT", 15*time.Second),
			PollInterval:   getEnvDuration("WEBHOOK_POLL_INTERVAL", time.Second),
		},
		Notify: NotifyConfig{
			Backend:     getEnv("NOTIFY_BACKEND", "console"),
			FromAddress: getEnv("NOTIFY_FROM_ADDRESS", "no-reply@linkbroker.dev"),
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
		},
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.Broker.BaseURL == "" {
		return nil, fmt.Errorf("config: BROKER_BASE_URL is required")
	}
	if cfg.Broker.CallbackURL == "" {
		cfg.Broker.CallbackURL = strings.TrimRight(cfg.Broker.BaseURL, "/") + "/v1/oauth/callback"
	}

	keys, current, err := loadKeyring()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = CryptoConfig{Keys: keys, CurrentVersion: current}

	cfg.Providers = make(map[string]ProviderCredentials)
	for _, name := range knownProviders {
		prefix := strings.ToUpper(name)
		id := os.Getenv(prefix + "_CLIENT_ID")
		secret := os.Getenv(prefix + "_CLIENT_SECRET")
		if id == "" {
			continue
		}
		cfg.Providers[name] = ProviderCredentials{
			ClientID:     id,
			ClientSecret: secret,
			PrivateKey:   os.Getenv(prefix + "_PRIVATE_KEY"),
		}
	}

	return cfg, nil
}

// loadKeyring reads MASTER_ENCRYPTION_KEY (version 1) plus any
// MASTER_ENCRYPTION_KEY_V<n> overrides. CURRENT_KEY_VERSION selects the
// encryption version, defaulting to the highest one present.
func loadKeyring() (map[byte][]byte, byte, error) {
	keys := make(map[byte][]byte)

	if hexKey := os.Getenv("MASTER_ENCRYPTION_KEY"); hexKey != "" {
		key, err := decodeKey(hexKey)
		if err != nil {
			return nil, 0, fmt.Errorf("config: MASTER_ENCRYPTION_KEY: %w", err)
		}
		keys[1] = key
	}

	var highest byte
	for v := 1; v <= 255; v++ {
		name := fmt.Sprintf("MASTER_ENCRYPTION_KEY_V%d", v)
		hexKey := os.Getenv(name)
		if hexKey == "" {
			continue
		}
		key, err := decodeKey(hexKey)
		if err != nil {
			return nil, 0, fmt.Errorf("config: %s: %w", name, err)
		}
		keys[byte(v)] = key
	}
	for v := range keys {
		if v > highest {
			highest = v
		}
	}

	if len(keys) == 0 {
		return nil, 0, fmt.Errorf("config: MASTER_ENCRYPTION_KEY is required")
	}

	current := highest
	if raw := os.Getenv("CURRENT_KEY_VERSION"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 255 {
			return nil, 0, fmt.Errorf("config: CURRENT_KEY_VERSION must be 1-255")
		}
		if _, ok := keys[byte(n)]; !ok {
			return nil, 0, fmt.Errorf("config: CURRENT_KEY_VERSION %d has no key", n)
		}
		current = byte(n)
	}

	return keys, current, nil
}

func decodeKey(hexKey string) ([]byte, error) {
	if len(hexKey) != 64 {
		return nil, fmt.Errorf("want 64 hex chars (32 bytes), got %d", len(hexKey))
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return key, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
