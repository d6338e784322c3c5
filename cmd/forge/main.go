package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/forge/internal/api"
	"github.com/seantiz/forge/internal/camunda"
	"github.com/seantiz/forge/internal/config"
	"github.com/seantiz/forge/internal/store"
	"github.com/seantiz/forge/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("forge: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	specs, err := config.LoadSubscriptions(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := newHandlerDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	reg, err := buildRegistry(specs, deps)
	if err != nil {
		return err
	}

	logger.Info("forge: starting",
		"engine_url", cfg.EngineURL,
		"worker_id", cfg.WorkerID,
		"topics", reg.Topics(),
		"max_tasks", cfg.MaxTasks,
		"pool_size", cfg.WorkerPoolSize,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := camunda.NewClient(camunda.Config{
		BaseURL:  cfg.EngineURL,
		WorkerID: cfg.WorkerID,
		Username: cfg.EngineUser,
		Password: cfg.EnginePassword,
	})
	if err != nil {
		return err
	}

	w, err := worker.New(worker.Config{
		MaxTasks:             cfg.MaxTasks,
		PoolSize:             cfg.WorkerPoolSize,
		AsyncResponseTimeout: cfg.AsyncResponseTimeout,
		UsePriority:          cfg.UsePriority,
		FetchInterval:        cfg.FetchInterval,
		BackoffMax:           cfg.BackoffMax,
		ShutdownGrace:        cfg.ShutdownGrace,
	}, client, reg, db, logger)
	if err != nil {
		return err
	}

	srv := api.NewServer(cfg.ListenAddr, db, w, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("forge: stopped")
	return nil
}
