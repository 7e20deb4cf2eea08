package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mscolab/api/internal/app"
	"mscolab/api/internal/blob"
	"mscolab/api/internal/config"
	"mscolab/api/internal/realtime"
	"mscolab/api/internal/session"
	"mscolab/api/internal/store"
	"mscolab/api/internal/workcopy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	RunE:  runServe,
}

const revocationSweepInterval = 10 * time.Minute

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("configuration loaded",
		slog.String("addr", cfg.Addr),
		slog.String("storage", cfg.Storage.Backend),
		slog.Bool("redis", cfg.RedisURL != ""),
		slog.Bool("working_copies", cfg.WorkingCopies),
		slog.String("log_level", cfg.LogLevel))

	env, err := openEnvironment(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	hub := realtime.NewHub(app.HubConfig(cfg), logger.With("component", "realtime"))
	service := app.New(cfg, env.store, env.revoked, env.blobs, env.copies, hub, logger)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", slog.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if env.sweeper != nil {
		g.Go(func() error {
			return env.sweeper.Sweep(gCtx, revocationSweepInterval, logger.With("component", "session"))
		})
	}
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Close()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// environment holds the backends selected by the configuration.
type environment struct {
	store   store.Store
	revoked session.Store
	sweeper *session.SQLStore
	blobs   blob.Store
	copies  app.WorkingCopies
	closers []func() error
}

func (e *environment) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

func openEnvironment(ctx context.Context, cfg config.Config, logger *slog.Logger) (*environment, error) {
	env := &environment{}
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	env.store = st
	env.closers = append(env.closers, closeStore)

	if cfg.RedisURL != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			env.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		env.revoked = redisStore
		env.closers = append(env.closers, redisStore.Close)
		logger.Info("token revocations kept in redis")
	} else {
		sqlStore := session.NewSQLStore(st)
		env.revoked = sqlStore
		env.sweeper = sqlStore
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		env.Close()
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	switch cfg.Storage.Backend {
	case config.StorageMinIO:
		env.blobs, err = blob.NewMinIO(ctx, blob.MinIOConfig{
			Endpoint:  cfg.Storage.MinIOEndpoint,
			AccessKey: cfg.Storage.MinIOAccessKey,
			SecretKey: cfg.Storage.MinIOSecretKey,
			Bucket:    cfg.Storage.MinIOBucket,
			UseSSL:    cfg.Storage.MinIOUseSSL,
		})
	default:
		env.blobs, err = blob.NewFS(cfg.DataDir)
	}
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("init blob storage: %w", err)
	}

	if cfg.WorkingCopies {
		env.copies = workcopy.New(filepath.Join(cfg.DataDir, "repos"))
	}
	return env, nil
}

// openStore connects to PostgreSQL and applies pending migrations, or returns
// the in-process store for DatabaseURL "memory".
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func() error, error) {
	if cfg.DatabaseURL == config.DatabaseMemory {
		logger.Warn("using the in-memory store; data is lost on exit")
		return store.NewMemoryStore(), func() error { return nil }, nil
	}
	if err := store.ApplyMigrations(ctx, cfg.DatabaseURL); err != nil {
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	return store.NewPostgresStore(db), db.Close, nil
}
