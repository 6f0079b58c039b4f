package main

import (
	"log/slog"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(envMap(nil))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Port != "8080" || cfg.Store != "local" || cfg.LocalStorage != "./data" || cfg.Sink != "mock" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.PresentationTTL != 15*time.Minute || cfg.FormsRate != 5 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.CredentialsFile != "service_account_key.json" || cfg.CredentialsJSON != nil {
		t.Errorf("credentials = %q %q", cfg.CredentialsFile, cfg.CredentialsJSON)
	}
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
		check   func(t *testing.T, cfg *config)
	}{
		{
			name: "overrides",
			env: map[string]string{
				"PORT":                    "9090",
				"LOG_LEVEL":               "debug",
				"STORE":                   "SQLite",
				"SQLITE_PATH":             "/tmp/w.db",
				"SINK":                    "discord",
				"DISCORD_BOT_TOKEN":       "tok",
				"OPS_DESTINATION":         "ops-channel",
				"GOOGLE_CREDENTIALS_JSON": `{"type":"service_account"}`,
				"PRESENTATION_TTL":        "2m",
				"FORMS_RATE_PER_SECOND":   "0.5",
			},
			check: func(t *testing.T, cfg *config) {
				if cfg.Port != "9090" || cfg.LogLevel != slog.LevelDebug || cfg.Store != "sqlite" || cfg.SQLitePath != "/tmp/w.db" {
					t.Errorf("cfg = %+v", cfg)
				}
				if cfg.Sink != "discord" || cfg.DiscordToken != "tok" || cfg.OpsDestination != "ops-channel" {
					t.Errorf("sink = %+v", cfg)
				}
				if string(cfg.CredentialsJSON) != `{"type":"service_account"}` || cfg.PresentationTTL != 2*time.Minute || cfg.FormsRate != 0.5 {
					t.Errorf("cfg = %+v", cfg)
				}
			},
		},
		{name: "gcs needs a bucket", env: map[string]string{"STORE": "gcs"}, wantErr: true},
		{
			name: "gcs with bucket",
			env:  map[string]string{"STORE": "gcs", "STORAGE_BUCKET": "b"},
			check: func(t *testing.T, cfg *config) {
				if cfg.Bucket != "b" {
					t.Errorf("bucket = %q", cfg.Bucket)
				}
			},
		},
		{name: "unknown store", env: map[string]string{"STORE": "mongo"}, wantErr: true},
		{name: "discord needs a token", env: map[string]string{"SINK": "discord"}, wantErr: true},
		{name: "unknown sink", env: map[string]string{"SINK": "pager"}, wantErr: true},
		{name: "bad log level", env: map[string]string{"LOG_LEVEL": "loud"}, wantErr: true},
		{name: "bad ttl", env: map[string]string{"PRESENTATION_TTL": "soon"}, wantErr: true},
		{name: "zero rate", env: map[string]string{"FORMS_RATE_PER_SECOND": "0"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(envMap(tt.env))
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestRedisOptions(t *testing.T) {
	opts, err := redisOptions("localhost:6379")
	if err != nil || opts.Addr != "localhost:6379" {
		t.Errorf("bare address = %+v, %v", opts, err)
	}
	opts, err = redisOptions("redis://:pw@cache:6380/2")
	if err != nil {
		t.Fatalf("redisOptions() error = %v", err)
	}
	if opts.Addr != "cache:6380" || opts.Password != "pw" || opts.DB != 2 {
		t.Errorf("url = %+v", opts)
	}
	if _, err := redisOptions("redis://cache:6380/notadb"); err == nil {
		t.Error("redisOptions() accepted a bad database number")
	}
}
