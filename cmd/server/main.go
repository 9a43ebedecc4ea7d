package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/blood-match/internal/config"
	"github.com/example/blood-match/internal/dispatch"
	"github.com/example/blood-match/internal/engine"
	"github.com/example/blood-match/internal/eta"
	"github.com/example/blood-match/internal/geo"
	httpapi "github.com/example/blood-match/internal/http"
	"github.com/example/blood-match/internal/ingest"
	"github.com/example/blood-match/internal/logging"
	"github.com/example/blood-match/internal/matcher"
	"github.com/example/blood-match/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, ps.DB(), cfg.MigrationsDir, logger); err != nil {
				return err
			}
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var profiles geo.DonorIndex
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		profiles = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
	} else {
		profiles = geo.NewIndex()
	}

	wsreg := dispatch.NewWSRegistry()
	var notifier engine.Notifier = &dispatch.SessionFirst{
		WS:      wsreg,
		Offline: &dispatch.LogDispatcher{Logger: logging.Component(logger, "dispatch")},
	}
	if cfg.PushURL != "" {
		notifier = dispatch.NewPushDispatcher(cfg.PushURL, cfg.PushKey, wsreg)
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(5 * time.Minute), SpeedMps: cfg.SpeedMps}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}

	opts := []engine.Option{
		engine.WithProfiles(profiles),
		engine.WithNotifier(notifier),
		engine.WithETA(estimator),
		engine.WithLogger(logging.Component(logger, "engine")),
	}
	if cfg.ScorerURL != "" {
		opts = append(opts, engine.WithScorer(matcher.NewRemoteScorer(cfg.ScorerURL, cfg.Matching.Policy, logger)))
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaProfileTopic, cfg.KafkaEventTopic)
		defer producer.Close()
		opts = append(opts, engine.WithEvents(producer))
	}

	eng := engine.New(store, engine.Config{
		Policy:      cfg.Matching.Policy,
		RequestTTL:  cfg.Matching.RequestTTL,
		Fulfillment: cfg.Matching.Fulfillment,
	}, opts...)

	api := httpapi.NewServer(eng, profiles, wsreg, logging.Component(logger, "http"))
	if producer != nil {
		api.Publisher = producer
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("blood-match listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// migrate applies every .sql file in dir in name order. The files are
// written to be re-runnable.
func migrate(ctx context.Context, db *sql.DB, dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, name := range files {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		logger.Info("migration applied", "file", name)
	}
	return nil
}
