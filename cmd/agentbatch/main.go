// agentbatch orchestrates batches of agentic LLM tasks: enumerate items,
// fan them out to agent CLI subprocesses under a detached supervisor, and
// serve a dashboard API over the shared SQLite store.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/agentbatch/pkg/agent"
	"github.com/codeready-toolchain/agentbatch/pkg/api"
	"github.com/codeready-toolchain/agentbatch/pkg/config"
	"github.com/codeready-toolchain/agentbatch/pkg/executor"
	"github.com/codeready-toolchain/agentbatch/pkg/orchestrator"
	"github.com/codeready-toolchain/agentbatch/pkg/store"
	"github.com/codeready-toolchain/agentbatch/pkg/version"
)

// Exit codes: 1 for configuration or runtime failures, 2 when the store
// cannot be opened or migrated.
const (
	exitConfig = 1
	exitStore  = 2
)

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	})))

	root := &cobra.Command{
		Use:           "agentbatch",
		Short:         "Batch orchestrator for agentic LLM tasks",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), dashboardCmd(), resetCmd(), executorCmd())

	if err := root.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(exitConfig)
	}
}

func logLevel() slog.Level {
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(exitConfig)
	}
	return cfg
}

func openStore(path string) *store.Store {
	st, err := store.Open(path, slog.Default())
	if err != nil {
		slog.Error("Failed to open store", "path", path, "error", err)
		os.Exit(exitStore)
	}
	return st
}

// serveCmd runs the full API: dashboard reads plus job creation and
// lifecycle commands.
func serveCmd() *cobra.Command {
	var port int
	var dbPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if port != 0 {
				cfg.DashboardPort = port
			}
			if dbPath != "" {
				cfg.StoragePath = dbPath
			}
			st := openStore(cfg.StoragePath)
			defer st.Close()

			runner := agent.NewRunner(cfg.AgentCLI, cfg.AgentModel, cfg.AgentMaxTurns, slog.Default())
			orch := orchestrator.New(st, cfg, runner, cfg.StoragePath, slog.Default())
			srv := api.NewServer(st, orch, cfg.StoragePath, slog.Default())
			return runHTTP(cmd.Context(), srv, cfg.DashboardPort, "serve")
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (default from DASHBOARD_PORT)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (default from STORAGE_PATH)")
	return cmd
}

// dashboardCmd runs the read and command API only; no job creation.
func dashboardCmd() *cobra.Command {
	var port int
	var dbPath string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Run the dashboard API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if port != 0 {
				cfg.DashboardPort = port
			}
			if dbPath != "" {
				cfg.StoragePath = dbPath
			}
			st := openStore(cfg.StoragePath)
			defer st.Close()

			srv := api.NewServer(st, nil, cfg.StoragePath, slog.Default())
			return runHTTP(cmd.Context(), srv, cfg.DashboardPort, "dashboard")
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (default from DASHBOARD_PORT)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (default from STORAGE_PATH)")
	return cmd
}

func runHTTP(ctx context.Context, srv *api.Server, port int, mode string) error {
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpSrv.Addr, "mode", mode)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
	return nil
}

// resetCmd wipes every table. Destructive, so it asks unless --yes is given.
func resetCmd() *cobra.Command {
	var yes bool
	var dbPath string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all jobs, units, workers, and logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if dbPath != "" {
				cfg.StoragePath = dbPath
			}
			if !yes {
				fmt.Fprintf(cmd.OutOrStdout(), "This deletes ALL data in %s. Type 'yes' to continue: ", cfg.StoragePath)
				reader := bufio.NewReader(cmd.InOrStdin())
				line, _ := reader.ReadString('\n')
				if strings.TrimSpace(line) != "yes" {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}
			st := openStore(cfg.StoragePath)
			defer st.Close()
			if err := st.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Store reset.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (default from STORAGE_PATH)")
	return cmd
}

// executorCmd is the hidden entry point the supervisor re-execs into. It is
// not meant to be invoked by hand.
func executorCmd() *cobra.Command {
	var jobID string
	var dbPath string
	cmd := &cobra.Command{
		Use:    "executor",
		Hidden: true,
		Short:  "Run the detached job supervisor (internal)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if dbPath != "" {
				cfg.StoragePath = dbPath
			}
			st := openStore(cfg.StoragePath)
			defer st.Close()

			runner := agent.NewRunner(cfg.AgentCLI, cfg.AgentModel, cfg.AgentMaxTurns, slog.Default())
			exec := executor.New(st, cfg, runner, jobID, slog.Default())
			return exec.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job ID to execute")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}
