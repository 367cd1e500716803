// Package config reads settings for the record service and the packing
// station from the environment. A .env file in the working directory is
// loaded first when present; real environment variables win over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
)

const (
	ViewModePoll = "poll"
	ViewModePush = "push"
)

type Config struct {
	Addr         string
	DatabaseURL  string
	LogLevel     string
	LogFormat    string
	APIURL       string
	PollInterval time.Duration
	ViewMode     string
	Timeout      time.Duration
	CarriersFile string
}

func Default() Config {
	return Config{
		Addr:         ":8080",
		LogLevel:     "info",
		LogFormat:    "json",
		APIURL:       "http://localhost:8080",
		PollInterval: 2 * time.Second,
		ViewMode:     ViewModePoll,
		Timeout:      10 * time.Second,
	}
}

// Load reads .env (if any) and then the PACKSTATION_* variables.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, starting from Default.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", key, v)
		}
		*dst = d
		return nil
	}

	str("PACKSTATION_ADDR", &cfg.Addr)
	str("PACKSTATION_DATABASE_URL", &cfg.DatabaseURL)
	str("PACKSTATION_LOG_LEVEL", &cfg.LogLevel)
	str("PACKSTATION_LOG_FORMAT", &cfg.LogFormat)
	str("PACKSTATION_API_URL", &cfg.APIURL)
	str("PACKSTATION_VIEW_MODE", &cfg.ViewMode)
	str("PACKSTATION_CARRIERS_FILE", &cfg.CarriersFile)
	if err := dur("PACKSTATION_POLL_INTERVAL", &cfg.PollInterval); err != nil {
		return Config{}, err
	}
	if err := dur("PACKSTATION_REQUEST_TIMEOUT", &cfg.Timeout); err != nil {
		return Config{}, err
	}

	switch cfg.ViewMode {
	case ViewModePoll, ViewModePush:
	default:
		return Config{}, fmt.Errorf("PACKSTATION_VIEW_MODE: want %q or %q, got %q", ViewModePoll, ViewModePush, cfg.ViewMode)
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("PACKSTATION_LOG_FORMAT: want json or console, got %q", cfg.LogFormat)
	}
	return cfg, nil
}
