package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/strandcrm/strand/internal/approvals"
	"github.com/strandcrm/strand/internal/config"
	"github.com/strandcrm/strand/internal/engine"
	"github.com/strandcrm/strand/internal/engine/providers"
	"github.com/strandcrm/strand/internal/observability"
	"github.com/strandcrm/strand/internal/realtime"
	"github.com/strandcrm/strand/internal/store"
	"github.com/strandcrm/strand/internal/tools"
	"github.com/strandcrm/strand/internal/tools/crm"
	"github.com/strandcrm/strand/internal/vault"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conversation server",
		Long: `Start the conversation server.

The server loads configuration, opens the database, registers the business
tools, and exposes a WebSocket endpoint for real-time conversation events
plus a Prometheus metrics endpoint. Pending approvals are swept on the
configured schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

// app holds the wired service components.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	vault   *vault.Vault
	tools   *tools.Registry
	engine  *engine.Engine
	hub     *realtime.Hub
	handler *approvals.Handler
	metrics *observability.Metrics
}

// buildApp wires the full component graph from configuration. The caller
// owns the returned app and must call close.
func buildApp(configPath string) (*app, error) {
	var cfg *config.Config
	var err error
	if configPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	st, err := openStore(cfg.Database)
	if err != nil {
		return nil, err
	}

	v, err := openVault(cfg.Vault)
	if err != nil {
		st.Close()
		return nil, err
	}

	toolReg := tools.NewRegistry()
	if err := crm.Register(toolReg, st); err != nil {
		st.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}
	toolReg.Freeze()

	provReg := providers.NewRegistry()
	metrics := observability.NewMetrics()
	hub := realtime.NewHub(logger)

	eng := engine.New(st, toolReg, provReg, hub, v, engine.Options{
		MaxIterations: cfg.Engine.MaxIterations,
		MaxTokens:     cfg.Engine.MaxTokens,
		Logger:        logger,
		Metrics:       metrics,
	})

	handler, err := approvals.NewHandler(approvals.Config{
		Store:           st,
		Tools:           toolReg,
		Engine:          eng,
		Emitter:         hub,
		Logger:          logger,
		Metrics:         metrics,
		RelayRawResults: cfg.Engine.RelayRawResults,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		vault:   v,
		tools:   toolReg,
		engine:  eng,
		hub:     hub,
		handler: handler,
		metrics: metrics,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
}

func runServe(ctx context.Context, configPath string) error {
	a, err := buildApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sweeper := approvals.NewSweeper(a.handler, a.cfg.Approvals.SweepSchedule, a.cfg.Approvals.PendingTTL, a.logger)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start approval sweeper: %w", err)
	}
	defer sweeper.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws", a.hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		a.logger.Info("metrics server listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown failed", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("metrics shutdown failed", "error", err)
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
}

func openStore(cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(&store.SQLiteConfig{
			Path:            cfg.Path,
			MaxOpenConns:    cfg.MaxOpenConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnectTimeout:  cfg.ConnectTimeout,
		})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func openVault(cfg config.VaultConfig) (*vault.Vault, error) {
	encoded := os.Getenv(cfg.MasterKeyEnv)
	if encoded == "" {
		return nil, fmt.Errorf("vault master key missing: set %s to 64 hex characters", cfg.MasterKeyEnv)
	}
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault master key in %s is not valid hex", cfg.MasterKeyEnv)
	}
	return vault.New(key)
}
