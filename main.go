// Package main runs a service that watches Google Forms and delivers new
// responses to chat channels or e-mail on a per-watch schedule.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"gforms-notifier/dispatch"
	"gforms-notifier/fetch"
	"gforms-notifier/forms"
	"gforms-notifier/pack"
	"gforms-notifier/paginator"
	"gforms-notifier/poll"
	"gforms-notifier/server"
	"gforms-notifier/storage"
	"gforms-notifier/watch"
)

const sweepInterval = time.Minute

func main() {
	// .env is optional; the real environment wins.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	sink, err := openSink(ctx, cfg, logger)
	if err != nil {
		return err
	}

	packer, err := pack.New(pack.DefaultLimits())
	if err != nil {
		return fmt.Errorf("packer: %w", err)
	}

	creds := forms.NewCredentials(cfg.CredentialsFile, cfg.CredentialsJSON, logger)
	client := forms.New(creds, rate.NewLimiter(rate.Limit(cfg.FormsRate), 1), logger)
	if !creds.Configured() {
		logger.Warn("No service account key configured; POST /setup to provide one")
	}

	registry := watch.NewRegistry(store, client, logger)
	sched := poll.New(&poll.Config{
		Store:    store,
		Registry: registry,
		Runner:   fetch.New(client, sink, packer, logger),
		Reporter: dispatch.NewReporter(sink, cfg.OpsDestination, logger),
		Logger:   logger,
		OnCredentialFailure: func() error {
			client.Reset()
			return creds.Clear()
		},
	})
	registry.SetWaker(sched)

	sessions := paginator.NewSessions(cfg.PresentationTTL, logger)
	srv := server.New(&server.Config{
		Registry:    registry,
		Scheduler:   sched,
		Credentials: creds,
		Forms:       client,
		Packer:      packer,
		Sessions:    sessions,
		Logger:      logger,
		TokenSecret: cfg.TokenSecret,
	})
	if cfg.TokenSecret == "" {
		logger.Warn("ADMIN_TOKEN_SECRET not set; admin API is unauthenticated")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(sched.Run(ctx))
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(ctx, cfg.Port); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				sessions.Sweep()
			}
		}
	})
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openStore selects the watch store backend. The returned func releases it.
func openStore(ctx context.Context, cfg *config, logger *slog.Logger) (storage.WatchStore, func(), error) {
	switch cfg.Store {
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("storage client: %w", err)
		}
		logger.Info("Using GCS watch store", "bucket", cfg.Bucket)
		return storage.New(client, cfg.Bucket, "", logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil

	case "sqlite":
		s, err := storage.OpenSQL(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("Failed to close SQLite store", "error", err)
			}
		}, nil

	case "redis":
		opts, err := redisOptions(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close() //nolint:errcheck // already failing
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("Using Redis watch store", "addr", opts.Addr)
		return storage.NewRedis(rdb, "formwatch", logger), func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("Failed to close redis client", "error", err)
			}
		}, nil

	default:
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Running with local watch store", "storage_path", cfg.LocalStorage)
		return storage.New(nil, "", cfg.LocalStorage, logger), func() {}, nil
	}
}

// redisOptions accepts a redis:// URL or a bare host:port.
func redisOptions(raw string) (*redis.Options, error) {
	if strings.Contains(raw, "://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: raw}, nil
}

func openSink(ctx context.Context, cfg *config, logger *slog.Logger) (dispatch.Sink, error) {
	switch cfg.Sink {
	case "discord":
		logger.Info("Delivering to Discord")
		return dispatch.NewDiscordSink(cfg.DiscordToken, dispatch.DefaultDiscordURL, logger), nil
	case "gmail":
		svc, err := initGmailService(ctx, cfg.CredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("gmail: %w", err)
		}
		logger.Info("Delivering by e-mail")
		return dispatch.NewGmailSink(svc, logger), nil
	default:
		logger.Info("Mock sink enabled; deliveries are only logged")
		return dispatch.NewMockSink(logger), nil
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // probe only
	}()
	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON []byte) (*gmail.Service, error) {
	if len(credsJSON) > 0 {
		return gmail.NewService(ctx, option.WithCredentialsJSON(credsJSON))
	}
	// Application Default Credentials need the gmail.send scope on the service account.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
