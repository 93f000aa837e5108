// Package config loads runtime configuration from the environment.
// A .env file in the working directory is applied first when present,
// real environment variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the api binary needs to start.
type Config struct {
	Env  string
	Addr string

	PostgresDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AMQPURL       string
	EmailQueue    string
	MailerEnabled bool

	JWTSecret  string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	MaxFailedAttempts int
	LockDuration      time.Duration
	ResetTokenTTL     time.Duration

	CleanupAt string

	RatePerSecond float64
	RateBurst     int
}

// Load reads the environment into a Config and validates the parts
// that have no sensible default.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Env:  getenv("AUTHGATE_ENV", "dev"),
		Addr: getenv("AUTHGATE_ADDR", ":8080"),

		PostgresDSN: os.Getenv("AUTHGATE_PG_DSN"),

		RedisAddr:     os.Getenv("AUTHGATE_REDIS_ADDR"),
		RedisPassword: os.Getenv("AUTHGATE_REDIS_PASSWORD"),

		AMQPURL:    os.Getenv("AUTHGATE_AMQP_URL"),
		EmailQueue: getenv("AUTHGATE_EMAIL_QUEUE", "email.send"),

		JWTSecret: os.Getenv("AUTHGATE_JWT_SECRET"),
		Issuer:    getenv("AUTHGATE_ISSUER", "authgate"),

		CleanupAt: getenv("AUTHGATE_CLEANUP_AT", "02:00"),
	}
	cfg.MailerEnabled = cfg.AMQPURL != ""

	var err error
	if cfg.RedisDB, err = getint("AUTHGATE_REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	accessSec, err := getint("AUTHGATE_ACCESS_TTL_SECONDS", 3600)
	if err != nil {
		return Config{}, err
	}
	refreshSec, err := getint("AUTHGATE_REFRESH_TTL_SECONDS", 604800)
	if err != nil {
		return Config{}, err
	}
	if cfg.MaxFailedAttempts, err = getint("AUTHGATE_MAX_FAILED_ATTEMPTS", 5); err != nil {
		return Config{}, err
	}
	lockMin, err := getint("AUTHGATE_LOCK_MINUTES", 30)
	if err != nil {
		return Config{}, err
	}
	resetMin, err := getint("AUTHGATE_RESET_TOKEN_MINUTES", 30)
	if err != nil {
		return Config{}, err
	}
	burst, err := getint("AUTHGATE_RATE_BURST", 20)
	if err != nil {
		return Config{}, err
	}
	rps, err := getfloat("AUTHGATE_RATE_PER_SECOND", 10)
	if err != nil {
		return Config{}, err
	}

	cfg.AccessTTL = time.Duration(accessSec) * time.Second
	cfg.RefreshTTL = time.Duration(refreshSec) * time.Second
	cfg.LockDuration = time.Duration(lockMin) * time.Minute
	cfg.ResetTokenTTL = time.Duration(resetMin) * time.Minute
	cfg.RateBurst = burst
	cfg.RatePerSecond = rps

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: AUTHGATE_JWT_SECRET is required")
	}
	if cfg.PostgresDSN == "" {
		return Config{}, fmt.Errorf("config: AUTHGATE_PG_DSN is required")
	}
	if _, _, err := ParseClock(cfg.CleanupAt); err != nil {
		return Config{}, fmt.Errorf("config: AUTHGATE_CLEANUP_AT: %w", err)
	}
	return cfg, nil
}

// ParseClock parses a "HH:MM" wall clock value.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getfloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}
