package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/polls-live/internal/config"
	"github.com/rickgao/polls-live/internal/hub"
	"github.com/rickgao/polls-live/internal/logging"
	"github.com/rickgao/polls-live/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults when empty)")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging, os.Stdout)
	logger.Info("starting pollhub",
		"version", version.Version,
		"commit", version.Commit,
		"port", cfg.Hub.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := hub.New(hub.Config{WriteTimeout: cfg.Hub.WriteTimeout}, logger.With("component", "hub"))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Hub.Port),
		Handler:           hub.Handler(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hub listening",
			"ws_url", fmt.Sprintf("ws://localhost:%d/ws", cfg.Hub.Port),
			"publish_url", fmt.Sprintf("http://localhost:%d/publish", cfg.Hub.Port),
		)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error("hub server error", "error", err)
			os.Exit(1)
		}
	}

	// Hijacked websocket connections are not closed by Shutdown.
	h.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("hub shutdown", "error", err)
	}

	logger.Info("pollhub stopped", "stats", h.Stats())
}
