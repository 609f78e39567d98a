// Package main provides the CLI entry point for the voicewire orchestrator.
//
// Voicewire turns transcribed voice queries into tool calls against per-user
// MCP providers: it routes intent, plans with an LLM, gates destructive
// actions on confirmation, and streams progress back over SSE.
//
// # Basic Usage
//
// Start the server:
//
//	voicewire serve --config voicewire.yaml
//
// # Environment Variables
//
//   - LLM_API_KEY / LLM_PROVIDER / LLM_MODEL: planner LLM
//   - TOKEN_ENCRYPTION_KEY: 32-byte AES key for the token store
//   - MCP_<PROVIDER>_ENDPOINT: remote provider endpoints
//   - VOICEWIRE_ADDR / VOICEWIRE_DB: listener address and SQLite path
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/voicewire/voicewire/internal/activity"
	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/llm"
	"github.com/voicewire/voicewire/internal/mcp"
	"github.com/voicewire/voicewire/internal/observability"
	"github.com/voicewire/voicewire/internal/orchestrator"
	"github.com/voicewire/voicewire/internal/planner"
	"github.com/voicewire/voicewire/internal/sessions"
	"github.com/voicewire/voicewire/internal/storage"
	"github.com/voicewire/voicewire/internal/tokens"
	"github.com/voicewire/voicewire/internal/web"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "voicewire",
		Short:        "voicewire - voice-driven command orchestrator",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("voicewire %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator HTTP server",
		Long: `Start the voicewire orchestrator.

The server loads configuration, opens the SQLite database, wires the MCP
connection manager, planner, and session stores, and serves the voice API.
Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("VOICEWIRE_CONFIG"),
		"Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	logger.Info(ctx, "starting voicewire",
		"version", version, "addr", cfg.Server.Addr, "llm_provider", cfg.LLM.Provider)

	db, err := sql.Open("sqlite", cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent handlers
	db.SetMaxOpenConns(1)

	key, err := cfg.EncryptionKey()
	if err != nil {
		return err
	}
	cipher, err := tokens.NewCipher(key)
	if err != nil {
		return fmt.Errorf("token cipher: %w", err)
	}
	tokenStore, err := tokens.NewSQLiteStore(db)
	if err != nil {
		return err
	}
	statusStore, err := storage.NewSQLiteStatusStore(db)
	if err != nil {
		return err
	}
	eventStore, err := storage.NewSQLiteEventStore(db)
	if err != nil {
		return err
	}
	sessionStore, err := sessions.NewSQLiteStore(db)
	if err != nil {
		return err
	}

	llmClient, err := llm.New(llm.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}

	providers := make(map[string]mcp.ProviderSpec, len(cfg.MCP.Providers))
	for name, pc := range cfg.MCP.Providers {
		providers[name] = mcp.ProviderSpec{
			Endpoint:   pc.Endpoint,
			Command:    pc.Command,
			Args:       pc.Args,
			RefreshURL: pc.RefreshURL,
		}
	}

	source := mcp.NewTokenSource(tokenStore, cipher, logger)
	manager := mcp.NewManager(mcp.ManagerConfig{
		PingInterval:         cfg.MCP.PingInterval,
		MaxReconnectAttempts: cfg.MCP.MaxReconnectAttempts,
		ReconnectBackoff:     cfg.MCP.ReconnectBackoff,
		Providers:            providers,
	}, source, statusStore, eventStore, logger, metrics)
	toolRegistry := mcp.NewRegistry(manager, tokenStore, logger)

	sessionMgr := sessions.NewManager(sessionStore, sessions.Config{
		IdleTimeout:   cfg.Session.IdleTimeout,
		SweepInterval: cfg.Session.SweepInterval,
	}, logger)
	sessionMgr.Start()
	defer sessionMgr.Stop()

	summarizer := sessions.NewLLMSummarizer(llmClient, metrics)
	contextBuilder := sessions.NewContextBuilder(sessionStore, summarizer, logger)

	plan := planner.New(llmClient, logger, metrics)
	executor := orchestrator.NewExecutor(manager, toolRegistry, logger, metrics)
	orch := orchestrator.New(sessionMgr, contextBuilder, plan, toolRegistry, executor, logger, metrics)
	orch.SetQueryTimeout(cfg.Server.QueryDeadline)

	feed := activity.NewFeed(sessionStore, eventStore, logger)
	api := web.NewServer(orch, toolRegistry, statusStore, feed, logger, registry)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "http shutdown", "error", err)
	}
	if err := manager.Close(); err != nil {
		logger.Error(shutdownCtx, "manager close", "error", err)
	}

	logger.Info(context.Background(), "voicewire stopped")
	return nil
}
