// Package config reads the companion's settings from the environment.
//
// A .env file in the working directory is loaded first if present, so local
// runs can keep their settings in one place. Real environment variables
// always win over the file.
//
//	API_BASE_URL      backend root URL                    (required)
//	DB_PATH           credential database, ":ephemeral:" keeps it in memory
//	TOKEN_KEY         storage key of the access token
//	REQUEST_TIMEOUT   per-request timeout, e.g. "15s"
//	REFRESH_INTERVAL  queue polling interval, "0" disables polling
//	FOCUS_THROTTLE    minimum spacing of focus-triggered refreshes
//	VIEW_PORT         port of the local view API
//	LOG_LEVEL         debug | info | warn | error
//	BULK_CONCURRENCY  parallel calls in bulk notification operations
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sakif/queue-companion/internal/repository"
)

// Ephemeral as DB_PATH keeps credentials in memory only.
const Ephemeral = ":ephemeral:"

type Config struct {
	APIBaseURL      string
	DBPath          string
	TokenKey        string
	RequestTimeout  time.Duration
	RefreshInterval time.Duration
	FocusThrottle   time.Duration
	ViewPort        int
	LogLevel        slog.Level
	BulkConcurrency int
}

// Default returns the settings used when a variable is unset.
func Default() Config {
	return Config{
		DBPath:          "data/companion.db",
		TokenKey:        repository.DefaultTokenKey,
		RequestTimeout:  15 * time.Second,
		RefreshInterval: 30 * time.Second,
		FocusThrottle:   5 * time.Second,
		ViewPort:        8080,
		LogLevel:        slog.LevelInfo,
		BulkConcurrency: 4,
	}
}

// Load reads .env (if any) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: reading .env: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from any variable source. Tests pass a map lookup.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	var errs []error

	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, v))
				return
			}
			*dst = d
		}
	}
	positiveInt := func(key string, dst *int) {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				errs = append(errs, fmt.Errorf("%s: invalid value %q", key, v))
				return
			}
			*dst = n
		}
	}

	if v, ok := get("API_BASE_URL"); ok {
		cfg.APIBaseURL = strings.TrimRight(v, "/")
	} else {
		errs = append(errs, errors.New("API_BASE_URL is required"))
	}
	if v, ok := get("DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := get("TOKEN_KEY"); ok {
		cfg.TokenKey = v
	}
	duration("REQUEST_TIMEOUT", &cfg.RequestTimeout)
	duration("REFRESH_INTERVAL", &cfg.RefreshInterval)
	duration("FOCUS_THROTTLE", &cfg.FocusThrottle)
	positiveInt("VIEW_PORT", &cfg.ViewPort)
	positiveInt("BULK_CONCURRENCY", &cfg.BulkConcurrency)
	if v, ok := get("LOG_LEVEL"); ok {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
