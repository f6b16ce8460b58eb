// ============================================================================
// planforge CLI
// ============================================================================
//
// Command Structure:
//   planforge                      # Root command
//   ├── run                        # Start the runner and the gRPC server
//   ├── generate <plan>            # Start a generation job
//   ├── export <plan>              # Start an export job
//   ├── status <plan>              # Plan status, score and jobs
//   ├── validate <plan>            # Completeness score and issues
//   ├── evaluate <evidence>        # Score one evidence item
//   ├── search <query>             # Rank evidence candidates
//   ├── archive <plan>             # Archive a plan
//   └── journal                    # Dump the job WAL
//
// Every command except run and journal talks to a running server over gRPC
// at --addr (default: server.addr from the config file).
//
// run Command:
//   1. Load config file
//   2. Open the journal and recover job records
//   3. Start the runner, gRPC server and metrics endpoint
//   4. Wait for SIGINT / SIGTERM
//   5. Stop: queued jobs are abandoned, a final snapshot is written
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/planforge/internal/config"
	"github.com/ChuLiYu/planforge/internal/logger"
	"github.com/ChuLiYu/planforge/internal/scoring"
	"github.com/ChuLiYu/planforge/internal/server"
	"github.com/ChuLiYu/planforge/internal/storage/wal"
	"github.com/ChuLiYu/planforge/pkg/types"
)

const defaultConfigPath = "configs/default.yaml"

var (
	configFile string
	serverAddr string
	rpcTimeout = 10 * time.Second
)

// BuildCLI builds the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "planforge",
		Short: "planforge: plan generation jobs with evidence scoring",
		Long: `planforge runs plan generation and export jobs with:
- single-flight admission per plan and job kind
- WAL or SQL backed job records that survive restarts
- evidence scoring and completeness validation
- Prometheus metrics and OpenTelemetry spans`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "server address (default: server.addr from config)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildGenerateCommand())
	rootCmd.AddCommand(buildExportCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildValidateCommand())
	rootCmd.AddCommand(buildEvaluateCommand())
	rootCmd.AddCommand(buildSearchCommand())
	rootCmd.AddCommand(buildArchiveCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// loadConfig reads the config file. A missing default file falls back to
// built-in defaults; an explicitly named file must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) {
			return config.Load("")
		}
	}
	return config.Load(configFile)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the planforge runner and gRPC server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg)
		},
	}
}

func runSystem(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return err
	}
	log.Info("Starting planforge", "config", configFile, "workers", cfg.Runner.WorkerCount, "journal", cfg.Journal.Backend)

	app, err := NewApp(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	log.Info("System started successfully", "addr", cfg.Server.Addr)

	serveErr := app.Serve(ctx)
	log.Info("Received shutdown signal, stopping gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	closeErr := app.Close(shutdownCtx)
	return errors.Join(serveErr, closeErr)
}

// ============================================================================
// client commands
// ============================================================================

// withClient dials the server and runs fn with a bounded context.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	addr := serverAddr
	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		addr = cfg.Server.Addr
	}
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()
	return fn(ctx, client)
}

func buildGenerateCommand() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "generate <plan-id>",
		Short: "Start content generation for a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				job, err := c.StartGeneration(ctx, types.PlanID(args[0]))
				if err != nil {
					return err
				}
				if wait {
					if job, err = waitForJob(ctx, c, job.ID); err != nil {
						return err
					}
				}
				printJob(cmd.OutOrStdout(), job)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the job finishes")
	return cmd
}

func buildExportCommand() *cobra.Command {
	var (
		format   string
		evidence bool
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "export <plan-id>",
		Short: "Start an export of a completed plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				job, err := c.StartExport(ctx, types.PlanID(args[0]), types.ExportFormat(format), evidence)
				if err != nil {
					return err
				}
				if wait {
					if job, err = waitForJob(ctx, c, job.ID); err != nil {
						return err
					}
				}
				printJob(cmd.OutOrStdout(), job)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", string(types.FormatPackage), "pdf, docx, markdown or package")
	cmd.Flags().BoolVar(&evidence, "evidence", false, "include evidence in the artifact")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the job finishes")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <plan-id>",
		Short: "Show plan status, completion score and jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				id := types.PlanID(args[0])
				plan, err := c.PlanStatus(ctx, id)
				if err != nil {
					return err
				}
				jobs, err := c.ListJobs(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderStatus(plan, jobs))
				return nil
			})
		},
	}
}

func buildValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan-id>",
		Short: "Score plan completeness without saving",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				res, err := c.ValidatePlan(ctx, types.PlanID(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderValidation(res))
				return nil
			})
		},
	}
}

func buildEvaluateCommand() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "evaluate <evidence-id>",
		Short: "Score one evidence item against a query and store the scores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				s, err := c.EvaluateEvidence(ctx, args[0], query)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderScores(args[0], s))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "query the relevance score is computed against")
	return cmd
}

func buildSearchCommand() *cobra.Command {
	var (
		planID     string
		sources    []string
		minRel     float64
		maxResults int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Rank evidence candidates for a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := scoring.SearchRequest{
				Query:        args[0],
				PlanID:       types.PlanID(planID),
				Sources:      sources,
				MinRelevance: minRel,
				MaxResults:   maxResults,
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				ranked, err := c.SearchEvidence(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderRanked(ranked))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan the candidates are for")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "restrict to these sources")
	cmd.Flags().Float64Var(&minRel, "min-relevance", scoring.DefaultMinRelevance, "drop candidates below this relevance")
	cmd.Flags().IntVar(&maxResults, "max", scoring.DefaultMaxResults, "maximum number of results")
	return cmd
}

func buildArchiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <plan-id>",
		Short: "Archive a plan; archived plans cannot be regenerated or exported",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				plan, err := c.Archive(ctx, types.PlanID(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "plan %s is %s\n", plan.ID, plan.Status)
				return nil
			})
		},
	}
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Dump the job WAL in a readable form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				if cfg.Journal.Backend != config.BackendFile {
					return fmt.Errorf("journal backend is %q; only the file backend has a WAL", cfg.Journal.Backend)
				}
				path = cfg.Journal.WALPath
			}
			return dumpJournal(cmd.OutOrStdout(), path)
		},
	}
	cmd.Flags().StringVar(&path, "wal", "", "WAL file (default: journal.wal_path from config)")
	return cmd
}

func dumpJournal(w io.Writer, path string) error {
	if n, err := wal.CountEvents(path); err == nil {
		fmt.Fprintf(w, "%s: %d events\n", path, n)
	}
	if err := wal.DumpWAL(path, w); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// ============================================================================
// helpers
// ============================================================================

// waitForJob polls until the job is terminal or ctx ends.
func waitForJob(ctx context.Context, c *server.Client, id types.JobID) (types.Job, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := c.JobStatus(ctx, id)
		if err != nil {
			return types.Job{}, err
		}
		if job.State.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}
