package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aman-churiwal/registry-gate/internal/config"
	"github.com/aman-churiwal/registry-gate/internal/jobs"
	"github.com/aman-churiwal/registry-gate/internal/logging"
	"github.com/aman-churiwal/registry-gate/internal/server"
	"github.com/aman-churiwal/registry-gate/internal/storage"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load env if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "rate limiting and usage accounting in front of a registry",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a JSON or YAML config file",
				Sources: cli.EnvVars("GATEWAY_CONFIG"),
			},
		},
		DefaultCommand: "serve",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the gateway",
				Action: serve,
			},
			{
				Name:   "drain",
				Usage:  "persist closed usage windows once and exit",
				Action: drain,
			},
		},
	}
}

type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	redis    *storage.RedisClient
	postgres *storage.Postgres
	close    func()
}

func setup(cmd *cli.Command) (*runtime, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, logCloser := logging.New(cfg.Logging)

	redis, err := storage.NewRedis(storage.RedisOptions{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		logCloser.Close()
		return nil, err
	}
	logger.Info("connected to redis", "addr", cfg.Redis.GetRedisAddr())

	postgres, err := storage.NewPostgres(cfg.Database.DSN, storage.PostgresOptions{
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		redis.Close()
		logCloser.Close()
		return nil, err
	}
	logger.Info("connected to postgres")

	if cfg.Database.AutoMigrate {
		if err := postgres.AutoMigrate(); err != nil {
			postgres.Close()
			redis.Close()
			logCloser.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		redis:    redis,
		postgres: postgres,
		close: func() {
			postgres.Close()
			redis.Close()
			logCloser.Close()
		},
	}, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	srv, err := server.New(rt.cfg, rt.redis, rt.postgres, rt.logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), rt.cfg.Server.ShutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	rt.logger.Info("server exited")
	return nil
}

func drain(ctx context.Context, cmd *cli.Command) error {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	components, err := server.NewComponents(rt.cfg, rt.redis, rt.postgres, rt.logger)
	if err != nil {
		return err
	}
	defer components.Close()

	job, err := components.DrainJob(rt.cfg.Usage)
	if err != nil {
		return err
	}
	defer job.Stop()

	result, err := job.RunOnce(ctx)
	if errors.Is(err, jobs.ErrDrainInProgress) {
		rt.logger.Info("another instance is draining, nothing to do")
		return nil
	}

	rt.logger.Info("drain finished",
		"persisted", result.Persisted,
		"discarded", result.Discarded,
		"failed", result.Failed,
		"open", result.Open,
	)
	return err
}
