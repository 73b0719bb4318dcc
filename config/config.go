// Package config loads the SDK configuration from the environment with
// sane defaults, so a host application can run with nothing but a project
// id set.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/reown-com/appkit-go/pairing"
	"github.com/reown-com/appkit-go/storage"
)

// Metadata describes the host application to wallets during pairing.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Icons       []string `json:"icons,omitempty"`
}

// Config holds every knob the session manager and its dependencies take.
type Config struct {
	// ProjectID identifies the application to the pairing relay. It is
	// required whenever a relay URL is configured.
	ProjectID string
	RelayURL  string

	// AuthDomain and JWTSecret configure SIWE verification for embedded
	// wallets. JWTSecret is never logged.
	AuthDomain string
	JWTSecret  string

	PairingExpiry    time.Duration
	ConnectTimeout   time.Duration
	ReconnectTimeout time.Duration

	// StoragePath selects file-backed persistence. Empty means
	// in-memory; Redis takes precedence when its host is set.
	StoragePath string
	Redis       storage.RedisConfig

	Metadata Metadata

	LogLevel    string
	Environment string
}

// LoadConfig reads the environment, after loading a .env file when one is
// present.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		ProjectID:        getEnvString("APPKIT_PROJECT_ID", ""),
		RelayURL:         getEnvString("APPKIT_RELAY_URL", "wss://relay.walletconnect.com"),
		AuthDomain:       getEnvString("APPKIT_AUTH_DOMAIN", ""),
		JWTSecret:        getEnvString("APPKIT_JWT_SECRET", ""),
		PairingExpiry:    getEnvDuration("APPKIT_PAIRING_EXPIRY", pairing.DefaultExpiry),
		ConnectTimeout:   getEnvDuration("APPKIT_CONNECT_TIMEOUT", 30*time.Second),
		ReconnectTimeout: getEnvDuration("APPKIT_RECONNECT_TIMEOUT", 10*time.Second),
		StoragePath:      getEnvString("APPKIT_STORAGE_PATH", ""),
		Redis: storage.RedisConfig{
			Host:     getEnvString("APPKIT_REDIS_HOST", ""),
			Port:     getEnvInt("APPKIT_REDIS_PORT", 6379),
			Password: getEnvString("APPKIT_REDIS_PASSWORD", ""),
			DB:       getEnvInt("APPKIT_REDIS_DB", 0),
		},
		Metadata: Metadata{
			Name:        getEnvString("APPKIT_APP_NAME", "AppKit"),
			Description: getEnvString("APPKIT_APP_DESCRIPTION", ""),
			URL:         getEnvString("APPKIT_APP_URL", ""),
			Icons:       getEnvStringSlice("APPKIT_APP_ICONS", nil),
		},
		LogLevel:    getEnvString("APPKIT_LOG_LEVEL", "info"),
		Environment: getEnvString("APPKIT_ENV", "development"),
	}
}

// Validate fails fast on integrator misconfiguration. These errors are
// never swallowed.
func (c *Config) Validate() error {
	if c.RelayURL != "" {
		u, err := url.Parse(c.RelayURL)
		if err != nil {
			return fmt.Errorf("invalid relay URL: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("relay URL must use ws or wss, got %q", u.Scheme)
		}
		if c.ProjectID == "" {
			return fmt.Errorf("a project id is required when a relay URL is configured")
		}
	}
	if c.AuthDomain != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("jwt secret must be at least 32 bytes when auth is enabled")
	}
	if c.PairingExpiry < 0 || c.ConnectTimeout < 0 || c.ReconnectTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
