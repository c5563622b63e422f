// Package main provides the HTTP server and queue worker for moduleconv.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/raphaelgruber/moduleconv/internal/app"
	"github.com/raphaelgruber/moduleconv/internal/config"
	"github.com/raphaelgruber/moduleconv/internal/queue"
	"github.com/raphaelgruber/moduleconv/internal/server"
)

// wiper is implemented by the persistent store backends.
type wiper interface {
	WipeData(ctx context.Context) error
}

func main() {
	// Parse flags
	wipeDB := flag.Bool("wipe", false, "wipe all data from database on startup (testing only)")
	flag.Parse()

	// Load configuration
	cfg := config.Load()

	logger, closeLogger := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	slog.SetDefault(logger)

	err := run(cfg, *wipeDB || os.Getenv("MODULECONV_WIPE_DB") == "true", logger)
	if err != nil {
		logger.Error("server failed", "error", err)
	}
	_ = closeLogger()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config, wipe bool, logger *slog.Logger) error {
	logger.Info("starting moduleconv-server",
		"addr", cfg.ServerAddr,
		"store", cfg.StoreBackend,
		"queue", cfg.QueueBackend,
		"workers", cfg.QueueWorkers,
	)

	hub := server.NewHub(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(ctx, cfg, logger, app.WithObserver(hub))
	cancel()
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to close app", "error", err)
		}
	}()
	a.RegisterExtensions()

	// Wipe database if requested (via flag or env var)
	if wipe {
		w, ok := a.Store.(wiper)
		if !ok {
			return errors.New("store backend does not support wiping")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := w.WipeData(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("wipe database: %w", err)
		}
		logger.Warn("database wiped")
	}

	// Jobs left running by a previous process cannot resume.
	if n, err := a.Service.FailInterrupted(context.Background()); err != nil {
		return fmt.Errorf("fail interrupted jobs: %w", err)
	} else if n > 0 {
		logger.Warn("marked interrupted jobs as failed", "count", n)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	q, err := a.OpenQueue(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			logger.Error("failed to close queue", "error", err)
		}
	}()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var wg sync.WaitGroup
	workerErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		workerErr <- queue.NewWorker(q, a.Service, cfg.QueueWorkers, logger).Run(workerCtx)
	}()

	srv := server.New(a.Service, a.Orchestrator, q, hub,
		server.WithMetricsHandler(a.Prometheus.Handler()),
		server.WithLogger(logger),
	)

	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.ServerAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		runErr = fmt.Errorf("listen: %w", err)
	case err := <-workerErr:
		if err == nil {
			err = errors.New("consumer returned")
		}
		logger.Error("queue worker stopped unexpectedly", "error", err)
		runErr = fmt.Errorf("queue worker: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Jobs already running finish before the worker returns.
	stopWorkers()
	wg.Wait()

	logger.Info("server stopped")
	return runErr
}
