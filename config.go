package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// config is the service configuration, read from the environment.
type config struct {
	Port     string
	LogLevel slog.Level

	Store        string // local, gcs, sqlite or redis
	LocalStorage string
	Bucket       string
	SQLitePath   string
	RedisURL     string

	CredentialsFile string
	CredentialsJSON []byte

	Sink           string // discord, gmail or mock
	DiscordToken   string
	OpsDestination string

	TokenSecret     string
	PresentationTTL time.Duration
	FormsRate       float64
}

// loadConfig reads the configuration through getenv, applying defaults.
func loadConfig(getenv func(string) string) (*config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &config{
		Port:            env("PORT", "8080"),
		Store:           strings.ToLower(env("STORE", "local")),
		LocalStorage:    env("LOCAL_STORAGE", "./data"),
		Bucket:          env("STORAGE_BUCKET", ""),
		SQLitePath:      env("SQLITE_PATH", "./data/formwatch.db"),
		RedisURL:        env("REDIS_URL", "localhost:6379"),
		CredentialsFile: env("CREDENTIALS_FILE", "service_account_key.json"),
		Sink:            strings.ToLower(env("SINK", "mock")),
		DiscordToken:    env("DISCORD_BOT_TOKEN", ""),
		OpsDestination:  env("OPS_DESTINATION", ""),
		TokenSecret:     env("ADMIN_TOKEN_SECRET", ""),
	}
	if inline := env("GOOGLE_CREDENTIALS_JSON", ""); inline != "" {
		cfg.CredentialsJSON = []byte(inline)
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(env("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	ttl, err := time.ParseDuration(env("PRESENTATION_TTL", "15m"))
	if err != nil {
		return nil, fmt.Errorf("PRESENTATION_TTL: %w", err)
	}
	cfg.PresentationTTL = ttl

	rps, err := strconv.ParseFloat(env("FORMS_RATE_PER_SECOND", "5"), 64)
	if err != nil || rps <= 0 {
		return nil, fmt.Errorf("FORMS_RATE_PER_SECOND must be a positive number, got %q", getenv("FORMS_RATE_PER_SECOND"))
	}
	cfg.FormsRate = rps

	switch cfg.Store {
	case "local", "sqlite", "redis":
	case "gcs":
		if cfg.Bucket == "" {
			return nil, errors.New("STORAGE_BUCKET is required when STORE=gcs")
		}
	default:
		return nil, fmt.Errorf("unknown STORE %q", cfg.Store)
	}

	switch cfg.Sink {
	case "mock", "gmail":
	case "discord":
		if cfg.DiscordToken == "" {
			return nil, errors.New("DISCORD_BOT_TOKEN is required when SINK=discord")
		}
	default:
		return nil, fmt.Errorf("unknown SINK %q", cfg.Sink)
	}
	return cfg, nil
}
