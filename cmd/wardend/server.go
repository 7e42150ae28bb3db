package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/wardenhost/warden/pkg/llm"
	"github.com/wardenhost/warden/pkg/observability"
	"github.com/wardenhost/warden/pkg/permission"
	"github.com/wardenhost/warden/pkg/profile"
	"github.com/wardenhost/warden/pkg/server"
	"github.com/wardenhost/warden/pkg/task"
	"github.com/wardenhost/warden/pkg/trust"
)

// serverConfig is resolved from flags with environment fallbacks.
type serverConfig struct {
	addr              string
	dataDir           string
	logLevel          string
	permissionTimeout time.Duration
	inboundRate       float64
	llmBaseURL        string
	llmModel          string
	llmCloud          bool
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

func parseServerConfig(args []string, stderr io.Writer) (serverConfig, error) {
	cfg := serverConfig{}
	fs := flag.NewFlagSet("wardend", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.addr, "addr", envOr("WARDEN_ADDR", "127.0.0.1:8787"), "listen address")
	fs.StringVar(&cfg.dataDir, "data", envOr("WARDEN_DATA_DIR", defaultDataDir()), "data root directory")
	fs.StringVar(&cfg.logLevel, "log-level", envOr("WARDEN_LOG_LEVEL", "info"), "log level (debug|info|warn|error)")
	fs.DurationVar(&cfg.permissionTimeout, "permission-timeout", permission.DefaultTimeout, "pending permission auto-deny timeout")
	fs.Float64Var(&cfg.inboundRate, "inbound-rate", 50, "max inbound frames per second per connection (0 disables)")
	fs.StringVar(&cfg.llmBaseURL, "llm-url", envOr("WARDEN_LLM_URL", ""), "OpenAI-compatible provider base URL")
	fs.StringVar(&cfg.llmModel, "llm-model", envOr("WARDEN_LLM_MODEL", "default"), "provider model name")
	fs.BoolVar(&cfg.llmCloud, "llm-cloud", os.Getenv("WARDEN_LLM_CLOUD") == "true", "treat the provider as cloud (gated by trust)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runServer(args []string, stdout, stderr io.Writer) int {
	cfg, err := parseServerConfig(args, stderr)
	if err != nil {
		return 2
	}

	logger := newLogger(cfg.logLevel)
	slog.SetDefault(logger)

	if err := serve(cfg, logger, stdout); err != nil {
		logger.Error("server exited with error", "error", err)
		return 1
	}
	return 0
}

func serve(cfg serverConfig, logger *slog.Logger, stdout io.Writer) error {
	obs, err := observability.New(observability.Config{
		ServiceName:    "wardend",
		ServiceVersion: version,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	trustDir := filepath.Join(cfg.dataDir, "trust")
	if err := os.MkdirAll(trustDir, 0o755); err != nil {
		return fmt.Errorf("create trust dir: %w", err)
	}
	rules, err := trust.OpenSQLiteStore(trustDir)
	if err != nil {
		return err
	}
	defer func() { _ = rules.Close() }()

	evaluator, err := trust.NewEvaluator(rules, logger)
	if err != nil {
		return fmt.Errorf("init evaluator: %w", err)
	}

	profiles := profile.NewService(cfg.dataDir)

	hub := server.NewHub(logger)
	permissions := permission.NewCoordinator(permission.Config{
		Broadcaster: hub,
		Rules:       rules,
		AuditFor:    profiles.AuditLog,
		Timeout:     cfg.permissionTimeout,
		Logger:      logger,
	})
	tasks := task.NewCoordinator(logger)
	gate := llm.NewGate(evaluator, logger)

	var providers []llm.Provider
	if cfg.llmBaseURL != "" {
		providers = append(providers, newOpenAIProvider(cfg.llmBaseURL, cfg.llmModel, cfg.llmCloud))
	}

	router := server.NewRouter(server.RouterConfig{
		Hub:    hub,
		Limit:  rate.Limit(cfg.inboundRate),
		Logger: logger,
	})
	rpc := server.NewRPC(hub, 0, logger)

	core := server.NewCore(server.CoreConfig{
		Hub:         hub,
		RPC:         rpc,
		Tasks:       tasks,
		Permissions: permissions,
		Profiles:    profiles,
		Evaluator:   evaluator,
		Gate:        gate,
		Providers:   providers,
		Planner:     newChatPlanner(providers),
		Tools:       builtinTools(providers),
		Obs:         obs,
		Logger:      logger,
	}, router)

	ws := server.NewWSServer(hub, router, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("wardend listening", "addr", cfg.addr, "data", cfg.dataDir)
		_, _ = fmt.Fprintf(stdout, "wardend listening on %s\n", cfg.addr)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	core.Wait()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", "error", err)
	}
	return nil
}
