package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bfx-impact/internal/bitfinex"
	"bfx-impact/internal/config"
	"bfx-impact/internal/metrics"
	"bfx-impact/internal/server"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load() // best-effort: .env is optional

	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	missing := errors.Is(err, fs.ErrNotExist)
	if missing {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.LogLevel)
	if missing {
		logger.Warn("config file not found, using defaults", slog.String("path", *configPath))
	}

	logger.Info("bfx-impact starting",
		slog.Int("port", cfg.Port),
		slog.String("feed_url", cfg.FeedURL),
		slog.Int("snapshot_timeout_seconds", cfg.SnapshotTimeoutSeconds),
		slog.String("version", server.Version),
	)

	reg := metrics.Init(logger)

	// Every query opens its own feed session through this client.
	client := bitfinex.NewClient(bitfinex.Options{
		URL:              cfg.FeedURL,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutSeconds) * time.Second,
		SnapshotTimeout:  time.Duration(cfg.SnapshotTimeoutSeconds) * time.Second,
	}, logger)

	srv := server.NewHTTPServer(cfg, client, reg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	done := make(chan struct{})
	go func() {
		logger.Info("HTTP server listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("err", err.Error()))
			cancel()
		}
		close(done)
	}()

	// Graceful shutdown
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shCtx, shCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shCancel()

	_ = httpSrv.Shutdown(shCtx)
	// in-flight feed sessions see their request contexts end
	cancel()
	<-done
	logger.Info("bye")
}
