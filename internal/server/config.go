// Package server implements the FleetRelay dispatch server.
package server

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration from environment variables.
type Config struct {
	// Server
	ListenAddr string

	// Authentication
	PasswordHash string // bcrypt hash for the operator login
	TOTPSecret   string // optional, for 2FA
	DeviceToken  string // bearer token devices must present on /ws

	// Session
	SessionDuration time.Duration

	// Login rate limiting
	LoginRateLimit  int           // max attempts
	LoginRateWindow time.Duration // time window

	// Database
	DataDir      string
	DatabasePath string

	// Push gateway
	PushBaseURL string
	PushAPIKey  string
	PushTimeout time.Duration

	// Dispatch behavior
	PingCooldown   time.Duration // per-device checkonline cooldown
	RestartTTL     time.Duration // restart request time-to-live
	AuditRetention time.Duration // how long audit entries are kept
	SweepSchedule  string        // cron expression for retention sweeps
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	dataDir := getEnv("FLEETRELAY_DATA_DIR", "/data")

	cfg := &Config{
		ListenAddr:      getEnv("FLEETRELAY_LISTEN", ":8000"),
		PasswordHash:    os.Getenv("FLEETRELAY_PASSWORD_HASH"),
		TOTPSecret:      os.Getenv("FLEETRELAY_TOTP_SECRET"), // optional
		DeviceToken:     os.Getenv("FLEETRELAY_DEVICE_TOKEN"),
		SessionDuration: parseDuration("FLEETRELAY_SESSION_DURATION", 24*time.Hour),
		LoginRateLimit:  parseInt("FLEETRELAY_LOGIN_RATE_LIMIT", 5),
		LoginRateWindow: parseDuration("FLEETRELAY_LOGIN_RATE_WINDOW", 1*time.Minute),
		DataDir:         dataDir,
		DatabasePath:    getEnv("FLEETRELAY_DB_PATH", dataDir+"/fleetrelay.db"),
		PushBaseURL:     os.Getenv("FLEETRELAY_PUSH_URL"),
		PushAPIKey:      os.Getenv("FLEETRELAY_PUSH_KEY"),
		PushTimeout:     parseDuration("FLEETRELAY_PUSH_TIMEOUT", 30*time.Second),
		PingCooldown:    parseDuration("FLEETRELAY_PING_COOLDOWN", 30*time.Second),
		RestartTTL:      parseDuration("FLEETRELAY_RESTART_TTL", 15*time.Minute),
		AuditRetention:  parseDuration("FLEETRELAY_AUDIT_RETENTION", 30*24*time.Hour),
		SweepSchedule:   getEnv("FLEETRELAY_SWEEP_SCHEDULE", "@hourly"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.PasswordHash == "" {
		errs = append(errs, "FLEETRELAY_PASSWORD_HASH is required")
	}
	if c.DeviceToken == "" {
		errs = append(errs, "FLEETRELAY_DEVICE_TOKEN is required")
	}
	if c.PushBaseURL == "" {
		errs = append(errs, "FLEETRELAY_PUSH_URL is required")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// HasTOTP returns true if TOTP is configured.
func (c *Config) HasTOTP() bool {
	return c.TOTPSecret != ""
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}
