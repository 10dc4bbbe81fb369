package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"drawio-export/internal/config"
	"drawio-export/internal/http/server"
	"drawio-export/internal/infra/chrome"
	"drawio-export/internal/infra/logging"
	"drawio-export/internal/supervisor"
)

func main() {
	cfg := config.Load()
	logging.Init(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		cfg.Logger.Level,
	)
	logging.SetLogLevel(cfg.Logger.Level)

	if cfg.Pool.NoCluster || supervisor.IsWorker() {
		runWorker(cfg)
		return
	}
	runSupervisor(cfg)
}

// runWorker serves export requests from this process until a termination
// signal arrives.
func runWorker(cfg config.Config) {
	workerID := supervisor.WorkerID()

	probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if version, err := chrome.Version(probeCtx, cfg); err != nil {
		logging.Warn("Chrome probe failed", "worker", workerID, "error", err.Error())
	} else {
		logging.Info("Chrome available", "worker", workerID, "version", version)
	}
	cancel()

	app := server.New(server.Deps{Config: cfg, WorkerID: workerID})
	logging.Info("Worker listening", "worker", workerID, "addr", cfg.Server.Host+cfg.Server.Port)

	idleConnsClosed := make(chan struct{})
	server.Serve(app, cfg, idleConnsClosed)
	<-idleConnsClosed
}

// runSupervisor keeps the worker pool alive until a termination signal
// arrives.
func runSupervisor(cfg config.Config) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info("Supervisor started", "pool_size", cfg.Pool.Size)

	sup := supervisor.New(supervisor.Config{PoolSize: cfg.Pool.Size})
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error("Supervisor stopped", "error", err.Error())
		os.Exit(1)
	}
	logging.Info("Supervisor stopped cleanly")
}
