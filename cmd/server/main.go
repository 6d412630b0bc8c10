package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/config"
	"github.com/nicktill/tinyvitals/pkg/logging"
	"github.com/nicktill/tinyvitals/pkg/server"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 30 * time.Second
	backgroundStopWait = 5 * time.Second
)

func main() {
	cfg, err := server.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, config.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("tinyvitals server exited cleanly")
}

// run serves until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, cfg server.Config, logger *zap.Logger) error {
	logger.Info("starting tinyvitals server",
		zap.String("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.Int64("max_storage_gb", cfg.MaxStorageGB),
		zap.Int64("max_memory_mb", cfg.MaxMemoryMB),
	)

	stores, err := server.InitializeStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warn("failed to close storage", zap.Error(err))
		}
	}()

	if err := server.SeedCatalog(ctx, cfg, stores.Primary, logger); err != nil {
		return fmt.Errorf("failed to seed catalog: %w", err)
	}

	handlers := server.InitializeHandlers(cfg, stores, logger)

	// Background tasks outlive ctx until the HTTP server has drained.
	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		handlers.Hub.Run(bgCtx)
	}()
	go server.RunBadgerGC(bgCtx, stores.Primary, logger, &wg)
	go server.RunStorageCheck(bgCtx, handlers.StorageMonitor, logger, &wg)

	router := mux.NewRouter()
	server.SetupRoutes(router, handlers, cfg.Port, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		ErrorLog:     zap.NewStdLog(logger.Named("http")),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server ready", zap.String("addr", "http://localhost:"+cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		cancelBackground()
		wg.Wait()
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", zap.Error(err))
	}

	cancelBackground()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("background tasks stopped")
	case <-time.After(backgroundStopWait):
		logger.Warn("background tasks did not stop in time")
	}
	return nil
}
