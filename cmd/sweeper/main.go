package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/example/blood-match/internal/config"
	"github.com/example/blood-match/internal/engine"
	"github.com/example/blood-match/internal/logging"
	"github.com/example/blood-match/internal/storage"
)

func main() {
	os.Exit(runApp(os.Args, os.Stderr))
}

// runApp runs the cli and returns the process exit code. Failures are
// logged as JSON to stderr.
func runApp(args []string, stderr io.Writer) int {
	app := &cli.App{
		Name:      "sweeper",
		Usage:     "Periodic jobs for the blood-match engine",
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
				Usage:   "debug, info, warn or error",
			},
		},
		Commands: []*cli.Command{
			expireCmd,
		},
	}

	if err := app.Run(args); err != nil {
		logger := logging.Component(logging.New(stderr, os.Getenv("LOG_LEVEL")), "sweeper")
		logger.Error("sweeper failed", "error", err)
		return 1
	}
	return 0
}

var expireCmd = &cli.Command{
	Name:    "expire",
	Usage:   "Expire open and matched requests past their expiry",
	Aliases: []string{"e"},
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "pg-dsn",
			Required: true,
			EnvVars:  []string{"PG_DSN"},
			Usage:    "postgres connection string",
		},
		&cli.DurationFlag{
			Name:  "interval",
			Value: 0,
			Usage: "repeat every interval; 0 runs a single sweep",
		},
		&cli.IntFlag{
			Name:  "limit",
			Value: 500,
			Usage: "maximum requests expired per sweep (0 = no limit)",
		},
	},
	Action: func(ctx *cli.Context) error {
		var (
			dsn      = ctx.String("pg-dsn")
			interval = ctx.Duration("interval")
			limit    = ctx.Int("limit")
		)
		if interval < 0 {
			return errors.New("invalid interval")
		}
		if limit < 0 {
			return errors.New("invalid limit")
		}
		logger := logging.Component(logging.NewLogger(ctx.String("log-level")), "sweeper")

		matching, err := config.LoadMatchingConfig()
		if err != nil {
			return err
		}
		store, err := storage.NewPostgresStore(dsn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer store.Close()

		eng := engine.New(store, engine.Config{
			Policy:      matching.Policy,
			RequestTTL:  matching.RequestTTL,
			Fulfillment: matching.Fulfillment,
		}, engine.WithLogger(logger))

		runCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return sweep(runCtx, eng, interval, limit, logger)
	},
}

type expirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

// sweep runs ExpireDue once, or every interval until ctx is done. A failed
// sweep is logged and retried on the next tick.
func sweep(ctx context.Context, e expirer, interval time.Duration, limit int, logger *slog.Logger) error {
	once := func() error {
		n, err := e.ExpireDue(ctx, limit)
		if n > 0 || err != nil {
			logger.Info("expire sweep", "expired", n, "error", err)
		}
		return err
	}
	if interval == 0 {
		return once()
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := once(); err != nil && ctx.Err() == nil {
			logger.Warn("expire sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
