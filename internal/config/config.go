package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"upcoach-sync/pkg/retry"
)

// Config holds application configuration values.
type Config struct {
	Env string `validate:"required,oneof=dev prod"`
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
	API struct {
		URL       string `validate:"required,url"`
		Email     string `validate:"omitempty,email"`
		Password  string `validate:"required_with=Email"`
		Token     string
		DeviceID  string
		Timeout   time.Duration `validate:"gt=0"`
		RateLimit float64       `validate:"gte=0"`
		RateBurst int           `validate:"gte=1"`
	}
	Retry struct {
		Preset       string `validate:"oneof=default api network quick"`
		MaxAttempts  int    `validate:"gte=0"`
		InitialDelay time.Duration
		MaxDelay     time.Duration
		Multiplier   float64
		Jitter       *bool
	}
	Sync struct {
		Schedule  string        `validate:"required"`
		Resources []string      `validate:"min=1,dive,oneof=habits goals tasks"`
		Timeout   time.Duration `validate:"gt=0"`
	}
	Store struct {
		Driver      string `validate:"oneof=sqlite postgres"`
		SQLitePath  string `validate:"required_if=Driver sqlite"`
		DatabaseURL string `validate:"required_if=Driver postgres"`
		// Keep is the number of snapshots kept per resource; 0 keeps all.
		Keep int `validate:"gte=0"`
	}
	Admin struct {
		Addr string
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var (
		c    Config
		errs []error
	)
	c.Env = getenv("ENV", "prod")
	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/coachsync.log")

	c.API.URL = strings.TrimRight(getenv("UPCOACH_API_URL", "http://localhost:8080"), "/")
	c.API.Email = os.Getenv("UPCOACH_EMAIL")
	c.API.Password = os.Getenv("UPCOACH_PASSWORD")
	c.API.Token = os.Getenv("UPCOACH_TOKEN")
	c.API.DeviceID = os.Getenv("UPCOACH_DEVICE_ID")
	c.API.Timeout = getDuration("HTTP_TIMEOUT", 15*time.Second, &errs)
	c.API.RateLimit = getFloat("API_RATE_LIMIT", 5, &errs)
	c.API.RateBurst = getInt("API_RATE_BURST", 5, &errs)

	c.Retry.Preset = strings.ToLower(getenv("RETRY_PRESET", "api"))
	c.Retry.MaxAttempts = getInt("RETRY_MAX_ATTEMPTS", 0, &errs)
	c.Retry.InitialDelay = getDuration("RETRY_INITIAL_DELAY", 0, &errs)
	c.Retry.MaxDelay = getDuration("RETRY_MAX_DELAY", 0, &errs)
	c.Retry.Multiplier = getFloat("RETRY_MULTIPLIER", 0, &errs)
	if v := os.Getenv("RETRY_JITTER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RETRY_JITTER: %w", err))
		}
		c.Retry.Jitter = &b
	}

	c.Sync.Schedule = getenv("SYNC_SCHEDULE", "@every 15m")
	c.Sync.Resources = splitList(getenv("SYNC_RESOURCES", "habits,goals,tasks"))
	c.Sync.Timeout = getDuration("SYNC_TIMEOUT", 2*time.Minute, &errs)

	c.Store.Driver = strings.ToLower(getenv("STORE_DRIVER", "sqlite"))
	c.Store.SQLitePath = getenv("SQLITE_PATH", "data/coachsync.db")
	c.Store.DatabaseURL = os.Getenv("DATABASE_URL")
	c.Store.Keep = getInt("SNAPSHOT_KEEP", 50, &errs)

	c.Admin.Addr = getenv("ADMIN_ADDR", ":8081")

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := validate.Struct(c); err != nil {
		return Config{}, err
	}
	if _, err := c.RetryPolicy(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// RetryPolicy builds the executor configuration: the named preset with
// every non-zero override applied on top.
func (c Config) RetryPolicy() (retry.Config, error) {
	p, ok := retry.Preset(c.Retry.Preset)
	if !ok {
		return retry.Config{}, fmt.Errorf("%w: unknown preset %q", retry.ErrInvalidConfig, c.Retry.Preset)
	}
	if c.Retry.MaxAttempts > 0 {
		p = p.WithMaxAttempts(c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelay > 0 {
		p = p.WithInitialDelay(c.Retry.InitialDelay)
	}
	if c.Retry.MaxDelay > 0 {
		p = p.WithMaxDelay(c.Retry.MaxDelay)
	}
	if c.Retry.Multiplier > 0 {
		p = p.WithMultiplier(c.Retry.Multiplier)
	}
	if c.Retry.Jitter != nil {
		p = p.WithJitter(*c.Retry.Jitter)
	}
	return p, p.Validate()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getDuration(k string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return d
}

func getInt(k string, def int, errs *[]error) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return n
}

func getFloat(k string, def float64, errs *[]error) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return f
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
