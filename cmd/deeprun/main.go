// Package main provides the deeprun binary: schema migration, the leased
// worker loop, and run administration (start, resume, fork, cancel, status).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/deeprun/deeprun/internal/kernel"
	"github.com/deeprun/deeprun/internal/kernel/contract"
	"github.com/deeprun/deeprun/internal/kernel/planner"
	"github.com/deeprun/deeprun/internal/model"
	"github.com/deeprun/deeprun/internal/queue"
	"github.com/deeprun/deeprun/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "deeprun",
		Short:         "Goal-driven code mutation kernel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(migrateCmd(), workerCmd(), runCmd())
	return cmd
}

func migrateCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				dsn = os.Getenv("DEEPRUN_DATABASE_URL")
			}
			if dsn == "" {
				return fmt.Errorf("--dsn or DEEPRUN_DATABASE_URL is required")
			}
			return store.Migrate(cmd.Context(), dsn)
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres connection string")
	return cmd
}

func workerCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the leased job worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWorkerConfig(configPath)
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "worker.yaml", "Worker config file (YAML)")
	return cmd
}

func runWorker(ctx context.Context, cfg workerConfig) error {
	log := newLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := store.NewPostgres(ctx, cfg.DSN, log)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer s.Close()

	engine := &kernel.Engine{
		Store:         s,
		Planner:       &planner.Static{},
		Tools:         kernel.LocalTools{},
		WorkspaceRoot: cfg.WorkspaceRoot,
		Log:           log,
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics listener failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		defer srv.Close()
	}

	w := queue.NewWorker(queue.Config{
		NodeID:            cfg.NodeID,
		Role:              model.WorkerRole(cfg.Role),
		Capabilities:      cfg.Capabilities,
		LeaseSeconds:      cfg.LeaseSeconds,
		PollInterval:      cfg.pollInterval(),
		HeartbeatInterval: cfg.heartbeatInterval(),
	}, s, engine, log)

	log.Info("worker starting", "node", cfg.NodeID, "role", cfg.Role)
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Administer agent runs",
	}
	cmd.AddCommand(runStartCmd(), runStatusCmd(), runResumeCmd(), runForkCmd(), runCancelCmd())
	return cmd
}

// adminEngine builds an engine backed by the Postgres store for one-shot
// administrative commands.
func adminEngine(ctx context.Context, dsn, workspaceRoot string) (*kernel.Engine, *store.Postgres, error) {
	if dsn == "" {
		dsn = os.Getenv("DEEPRUN_DATABASE_URL")
	}
	if dsn == "" {
		return nil, nil, fmt.Errorf("--dsn or DEEPRUN_DATABASE_URL is required")
	}
	log := newLogger("info")
	s, err := store.NewPostgres(ctx, dsn, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connect store: %w", err)
	}
	return &kernel.Engine{
		Store:         s,
		Planner:       &planner.Static{},
		Tools:         kernel.LocalTools{},
		WorkspaceRoot: workspaceRoot,
		Log:           log,
	}, s, nil
}

func runStartCmd() *cobra.Command {
	var (
		dsn       string
		projectID string
		goal      string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create a run and enqueue its kernel job",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, s, err := adminEngine(cmd.Context(), dsn, "")
			if err != nil {
				return err
			}
			defer s.Close()
			run, job, err := engine.StartRun(cmd.Context(), kernel.StartRunRequest{
				ProjectID: projectID,
				Goal:      goal,
			})
			if err != nil {
				return err
			}
			fmt.Printf("run %s queued (job %s, contract %s)\n",
				run.ID, job.ID, contractHash(run))
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres connection string")
	cmd.Flags().StringVar(&projectID, "project", "", "Project id")
	cmd.Flags().StringVar(&goal, "goal", "", "Run goal")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("goal")
	return cmd
}

func runStatusCmd() *cobra.Command {
	var (
		dsn   string
		runID string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a run's persisted state as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, s, err := adminEngine(cmd.Context(), dsn, "")
			if err != nil {
				return err
			}
			defer s.Close()
			run, err := engine.Store.GetRun(cmd.Context(), runID)
			if err != nil {
				return err
			}
			records, err := engine.Store.ListStepRecords(cmd.Context(), runID)
			if err != nil {
				return err
			}
			out := map[string]any{
				"run":         run,
				"stepRecords": records,
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres connection string")
	cmd.Flags().StringVar(&runID, "run", "", "Run id")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func runResumeCmd() *cobra.Command {
	var (
		dsn   string
		runID string
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Re-enqueue an interrupted run under its sealed contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, s, err := adminEngine(cmd.Context(), dsn, "")
			if err != nil {
				return err
			}
			defer s.Close()
			job, err := engine.ResumeRun(cmd.Context(), runID, nil)
			if err != nil {
				return err
			}
			fmt.Printf("run %s re-enqueued (job %s)\n", runID, job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres connection string")
	cmd.Flags().StringVar(&runID, "run", "", "Run id")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func runForkCmd() *cobra.Command {
	var (
		dsn           string
		runID         string
		goal          string
		workspaceRoot string
	)
	cmd := &cobra.Command{
		Use:   "fork",
		Short: "Fork a run at its current commit with a freshly sealed contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, s, err := adminEngine(cmd.Context(), dsn, workspaceRoot)
			if err != nil {
				return err
			}
			defer s.Close()
			fork, job, err := engine.ForkRun(cmd.Context(), runID, goal, nil)
			if err != nil {
				return err
			}
			fmt.Printf("fork %s queued at %s (job %s)\n", fork.ID, fork.BaseCommitHash, job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres connection string")
	cmd.Flags().StringVar(&runID, "run", "", "Source run id")
	cmd.Flags().StringVar(&goal, "goal", "", "Fork goal (defaults to the source goal)")
	cmd.Flags().StringVar(&workspaceRoot, "workspace-root", "/var/lib/deeprun/workspaces", "Workspace root directory")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func runCancelCmd() *cobra.Command {
	var (
		dsn   string
		runID string
	)
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a non-terminal run",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, s, err := adminEngine(cmd.Context(), dsn, "")
			if err != nil {
				return err
			}
			defer s.Close()
			if err := engine.CancelRun(cmd.Context(), runID); err != nil {
				return err
			}
			fmt.Printf("run %s cancelled\n", runID)
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres connection string")
	cmd.Flags().StringVar(&runID, "run", "", "Run id")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func contractHash(run *model.AgentRun) string {
	c, err := contract.FromRunMetadata(run.Metadata)
	if err != nil {
		return "unknown"
	}
	if len(c.Hash) > 12 {
		return c.Hash[:12]
	}
	return c.Hash
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
