package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/polls-live/internal/api"
	"github.com/rickgao/polls-live/internal/config"
	"github.com/rickgao/polls-live/internal/connection"
	"github.com/rickgao/polls-live/internal/database"
	"github.com/rickgao/polls-live/internal/hub"
	"github.com/rickgao/polls-live/internal/journal"
	"github.com/rickgao/polls-live/internal/logging"
	"github.com/rickgao/polls-live/internal/model"
	"github.com/rickgao/polls-live/internal/session"
	"github.com/rickgao/polls-live/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file (defaults when empty)")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	subscribe := flag.String("subscribe", "", "comma-separated poll ids to subscribe to on every open")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		return 1
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	pollIDs, err := parsePollIDs(*subscribe)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse -subscribe: %v\n", err)
		return 1
	}

	logger := logging.New(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	logger.Info("starting pollwatch",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)
	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"user_id", cfg.User.ID,
		"api_url", cfg.API.BaseURL,
		"ws_url", cfg.Realtime.URL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiClient := api.NewClient(
		cfg.API.BaseURL,
		api.WithLogger(logger.With("component", "api")),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
		api.WithRateLimit(cfg.API.RateLimit, cfg.API.RateBurst),
	)

	sess := session.New(sessionConfig(cfg), apiClient, logger)

	render := newRenderer(os.Stdout, sess.Polls)
	sess.OnChange(render.change)
	sess.OnStateChange(func(s connection.State) {
		render.state(s)
		if s.Kind == connection.StateOpen {
			for _, id := range pollIDs {
				if err := sess.Send(hub.TypeSubscribe, map[string]int64{"poll_id": id}); err != nil {
					logger.Warn("subscribe failed", "poll_id", id, "error", err)
				}
			}
		}
	})

	var (
		pool *pgxpool.Pool
		jrnl *journal.Journal
	)
	if cfg.Journal.Enabled {
		pool, jrnl, err = startJournal(ctx, cfg, sess, logger)
		if err != nil {
			logger.Error("failed to start journal", "error", err)
			return 1
		}
		defer pool.Close()
	}

	if err := sess.Start(ctx); err != nil {
		logger.Error("failed to start session", "error", err)
		return 1
	}

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
		Handler:           createHealthHandler(sess, jrnl),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	logger.Info("pollwatch running",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	code := 0
	if err := g.Wait(); err != nil {
		logger.Error("pollwatch failed", "error", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sess.Stop(shutdownCtx); err != nil {
		logger.Warn("session stop", "error", err)
	}
	if jrnl != nil {
		if err := jrnl.Stop(shutdownCtx); err != nil {
			logger.Warn("journal stop", "error", err)
		}
	}

	logger.Info("pollwatch stopped")
	return code
}

// sessionConfig maps the loaded config onto the session.
func sessionConfig(cfg *config.Config) session.Config {
	mc := connection.DefaultManagerConfig(cfg.Realtime.URL)
	mc.MaxReconnectAttempts = cfg.Realtime.MaxReconnectAttempts
	mc.ReconnectBaseDelay = cfg.Realtime.ReconnectBaseDelay
	mc.Client.PingInterval = cfg.Realtime.PingInterval
	mc.Client.PingTimeout = cfg.Realtime.PingTimeout
	mc.Client.WriteTimeout = cfg.Realtime.WriteTimeout
	mc.Client.BufferSize = cfg.Realtime.BufferSize

	return session.Config{
		Manager:           mc,
		UserID:            cfg.User.ID,
		ResyncOnReconnect: cfg.Session.ResyncEnabled(),
		ResyncInterval:    cfg.Session.ResyncInterval,
		SnapshotTimeout:   cfg.Session.SnapshotTimeout,
	}
}

// journalConfig maps the loaded config onto the journal. A UUID instance id
// becomes the session id; anything else gets a fresh one.
func journalConfig(cfg *config.Config) journal.Config {
	sessionID, err := uuid.Parse(cfg.Instance.ID)
	if err != nil {
		sessionID = uuid.New()
	}
	return journal.Config{
		SessionID:     sessionID,
		BatchSize:     cfg.Journal.BatchSize,
		FlushInterval: cfg.Journal.FlushInterval,
		BufferSize:    cfg.Journal.BufferSize,
	}
}

func startJournal(ctx context.Context, cfg *config.Config, sess *session.Session, logger *slog.Logger) (*pgxpool.Pool, *journal.Journal, error) {
	logger.Info("connecting to database", "target", database.Redacted(cfg.Journal.Database))

	pool, err := database.Connect(ctx, cfg.Journal.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect journal database: %w", err)
	}
	if err := journal.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure journal schema: %w", err)
	}

	j := journal.New(journalConfig(cfg), pool, logger.With("component", "journal"), nil)
	j.Subscribe(sess.Events(), slices.Concat(model.PollTopics, []string{hub.TypeSubscribed})...)
	if err := j.Start(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, j, nil
}

func parsePollIDs(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid poll id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(sess *session.Session, jrnl *journal.Journal) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		state := sess.State()
		health := struct {
			Status     string         `json:"status"`
			Version    version.Info   `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.Get(),
			Components: make(map[string]any),
		}

		conn := map[string]any{"state": state.String()}
		switch {
		case state.Kind == connection.StateOpen:
		case state.Terminal():
			health.Status = "unhealthy"
		default:
			health.Status = "degraded"
		}
		health.Components["connection"] = conn

		polls := map[string]any{
			"count":   len(sess.Polls()),
			"loading": sess.Loading(),
		}
		if err := sess.LoadError(); err != nil {
			polls["error"] = err.Error()
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
		}
		health.Components["polls"] = polls

		if jrnl != nil {
			st := jrnl.Stats()
			health.Components["journal"] = map[string]any{
				"inserted": st.Inserted,
				"dropped":  st.Dropped,
				"errors":   st.Errors,
				"buffered": st.Buffer.Count,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/polls", func(w http.ResponseWriter, r *http.Request) {
		polls := sess.Polls()
		total := len(polls)

		// Limit to first 100 for debugging
		limit := 100
		if len(polls) > limit {
			polls = polls[:limit]
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":   total,
			"showing": len(polls),
			"stats":   sess.Stats(),
			"polls":   polls,
		})
	})

	return mux
}
