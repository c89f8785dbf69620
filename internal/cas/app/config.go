package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Issuer string // Required-ish: issuer claim for signed validation responses

	Storage      string // Optional: ticket registry backend (memory, sqlite) (default: sqlite)
	DatabaseFile string // Optional: path to SQLite database file (default: ./casd.db)

	SigningKeyFile string // Optional: path to Ed25519 PKCS#8 PEM; ephemeral key when unset

	GrantingMaxTTL      time.Duration // Optional: granting ticket lifetime (default: 8h)
	GrantingIdleTimeout time.Duration // Optional: granting ticket idle timeout (default: 2h)
	GrantingUsageCap    int           // Optional: max service tickets per granting ticket (default: 0 = uncapped)
	ServiceTicketTTL    time.Duration // Optional: service ticket lifetime (default: 10s)
	ProxyDepthLimit     int           // Optional: max proxy chain depth (default: 10, 0 disables)

	ServiceAllowlist []string // Comma-separated glob patterns of trusted service URLs

	Env                 string        // Environment (dev, staging, prod) (default: dev)
	LogLevel            string        // Log level (debug, info, warn, error) (default: info)
	LogFormat           string        // Log format (json, text) (default: json)
	Port                int           // HTTP server port (default: 8080)
	ShutdownGracePeriod time.Duration // Graceful shutdown timeout (default: 10s)
	CleanerInterval     time.Duration // Expired ticket sweep interval (default: 5m)
}

func LoadConfig() Config {
	cfg := Config{
		Issuer:         getEnvOrDefault("CAS_ISSUER", "casd"),
		Storage:        getEnvOrDefault("CAS_STORAGE", "sqlite"),
		DatabaseFile:   getEnvOrDefault("CAS_DATABASE_FILE", "casd.db"),
		SigningKeyFile: os.Getenv("CAS_SIGNING_KEY_FILE"),

		GrantingMaxTTL:      getEnvDurationOrDefault("CAS_TGT_MAX_TTL", 8*time.Hour),
		GrantingIdleTimeout: getEnvDurationOrDefault("CAS_TGT_IDLE_TIMEOUT", 2*time.Hour),
		GrantingUsageCap:    getEnvIntOrDefault("CAS_TGT_USAGE_CAP", 0),
		ServiceTicketTTL:    getEnvDurationOrDefault("CAS_ST_TTL", 10*time.Second),
		ProxyDepthLimit:     getEnvIntOrDefault("CAS_PROXY_DEPTH_LIMIT", 10),

		Env:                 getEnvOrDefault("ENV", "dev"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod: getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		CleanerInterval:     getEnvDurationOrDefault("CAS_CLEANER_INTERVAL", 5*time.Minute),
	}

	// The allowlist has no sane default: an empty list authorizes nothing,
	// which fails closed until the operator configures their services.
	if raw := os.Getenv("CAS_SERVICE_ALLOWLIST"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.ServiceAllowlist = append(cfg.ServiceAllowlist, p)
			}
		}
	}

	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are taken as seconds.
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
