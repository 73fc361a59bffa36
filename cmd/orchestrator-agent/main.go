package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/helpful-bits/plantocode-orchestrator/internal/agentapp"
	"github.com/helpful-bits/plantocode-orchestrator/internal/appwiring"
	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/internal/jobstore"
	"github.com/helpful-bits/plantocode-orchestrator/internal/log"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// cliOptions collects the persistent flags every subcommand shares: where
// the job store and plan store live on disk, which model config to load,
// and how many queue workers to run.
type cliOptions struct {
	storeDBPath     string
	modelConfigPath string
	planStoreDBPath string
	concurrency     int
	logLevel        logLevelFlag
}

// logLevelFlag is a pflag.Value validating --log-level against the set
// internal/log actually understands, rather than accepting any string and
// failing later inside log.New.
type logLevelFlag string

func (l *logLevelFlag) String() string { return string(*l) }
func (l *logLevelFlag) Type() string   { return "level" }
func (l *logLevelFlag) Set(v string) error {
	switch v {
	case "debug", "info", "warn", "error":
		*l = logLevelFlag(v)
		return nil
	default:
		return fmt.Errorf("invalid log level %q (want debug, info, warn, or error)", v)
	}
}

var _ pflag.Value = (*logLevelFlag)(nil)

func main() {
	opts := &cliOptions{logLevel: "info"}

	root := &cobra.Command{
		Use:           "orchestrator-agent",
		Short:         "Desktop job-queue agent: runs the local job subsystem against a project's source tree",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.storeDBPath, "store-db", "", "SQLite path for the job store (empty for in-memory)")
	root.PersistentFlags().StringVar(&opts.modelConfigPath, "model-config", "models.yaml", "Path to the model configuration file")
	root.PersistentFlags().StringVar(&opts.planStoreDBPath, "plan-db", "plans.db", "bbolt path for the plan store")
	root.PersistentFlags().IntVar(&opts.concurrency, "concurrency", 4, "Number of concurrent job workers")
	root.PersistentFlags().Var(&opts.logLevel, "log-level", "Minimum log level (debug, info, warn, error); overrides LOG_LEVEL")

	root.AddCommand(
		newServeCommand(opts),
		newVersionCommand(),
		newJobCommand(opts),
		newQueueCommand(opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("orchestrator-agent %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

// newServeCommand runs the long-lived daemon: the queue's worker pool
// consuming the job store, dispatching through the processor registry,
// until SIGINT/SIGTERM.
func newServeCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(appwiring.Header.Render("orchestrator-agent") + " " + appwiring.Muted.Render(fmt.Sprintf("%s (%s, %s)", version, commit, buildDate)))

			logCfg := log.FromEnv()
			if cmd.Flags().Changed("log-level") {
				logCfg.Level = string(opts.logLevel)
			}
			logger := log.New(logCfg)
			slog.SetDefault(logger)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			app, err := agentapp.New(ctx, agentapp.Config{
				StoreDBPath:     opts.storeDBPath,
				ModelConfigPath: opts.modelConfigPath,
				PlanStoreDBPath: opts.planStoreDBPath,
				Concurrency:     opts.concurrency,
				Logger:          logger,
			})
			if err != nil {
				return fmt.Errorf("starting agent: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
			cancel()
			return app.Close()
		},
	}
}

// openStoreOnly opens just the durable job store against the shared
// SQLite file a `serve` daemon is (or was) writing to, without starting a
// second in-process worker pool. The admin/inspection subcommands below
// only ever touch the store directly: the priority queue is in-memory and owned
// exclusively by the running daemon process, so a separate CLI
// invocation has no live queue to enqueue into or cancel through (see
// DESIGN.md) — it can only read and mutate the durable record itself.
func openStoreOnly(ctx context.Context, opts *cliOptions) (jobstore.Store, func(), error) {
	store, err := jobstore.NewSQLiteStore(ctx, jobstore.SQLiteConfig{Path: opts.storeDBPath})
	if err != nil {
		return nil, nil, fmt.Errorf("opening job store: %w", err)
	}
	closer := func() {
		_ = store.Close()
	}
	return store, closer, nil
}

func newJobCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and administer job records directly in the job store",
	}
	cmd.AddCommand(newJobGetCommand(opts), newJobListCommand(opts), newJobCancelCommand(opts), newJobPurgeCommand(opts))
	return cmd
}

func newJobGetCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print one job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closer, err := openStoreOnly(ctx, opts)
			if err != nil {
				return err
			}
			defer closer()

			j, err := store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if j == nil {
				return fmt.Errorf("no such job: %s", args[0])
			}
			printJobRow(os.Stdout, j)
			return nil
		},
	}
}

func newJobListCommand(opts *cliOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs for a session, or every active job if --session is omitted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closer, err := openStoreOnly(ctx, opts)
			if err != nil {
				return err
			}
			defer closer()

			var jobs []*job.Job
			if sessionID != "" {
				jobs, err = store.GetBySession(ctx, sessionID)
			} else {
				jobs, err = store.GetActive(ctx)
			}
			if err != nil {
				return err
			}
			printJobTable(os.Stdout, jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Restrict to one session id")
	return cmd
}

func newJobCancelCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Mark a non-terminal job Canceled",
		Long: `Transitions the job directly to Canceled in the job store.

This bypasses the running daemon's in-memory cancel flag (cancellation is
cooperative: a worker only notices once it next writes to the store and
finds the row already terminal). If a worker in another process is
actively running this job, it will not observe the cancellation until
that point. Prefer the jobs.cancel RPC method against a live daemon when
one is reachable; this command exists for canceling jobs whose owning
daemon process has already exited (a stuck or crashed agent).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closer, err := openStoreOnly(ctx, opts)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.SetStatus(ctx, args[0], job.StatusCanceled, "canceled via orchestrator-agent job cancel"); err != nil {
				return err
			}
			fmt.Println("canceled", args[0])
			return nil
		},
	}
}

func newJobPurgeCommand(opts *cliOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "purge <job-id>",
		Short: "Permanently delete a job record (the only destructive operation on a job)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("refusing to purge %s without --force: this permanently deletes the record", args[0])
			}
			ctx := cmd.Context()
			store, closer, err := openStoreOnly(ctx, opts)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Purge(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("purged", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Confirm the permanent delete")
	return cmd
}

func newQueueCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Inspect queue-relevant job state"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Summarize active jobs by kind and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closer, err := openStoreOnly(ctx, opts)
			if err != nil {
				return err
			}
			defer closer()

			active, err := store.GetActive(ctx)
			if err != nil {
				return err
			}
			counts := make(map[string]int)
			for _, j := range active {
				counts[string(j.Kind)+"/"+string(j.Status)]++
			}
			fmt.Printf("%d active job(s)\n", len(active))
			tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			for key, n := range counts {
				fmt.Fprintf(tw, "%s\t%d\n", key, n)
			}
			return tw.Flush()
		},
	})
	return cmd
}

func printJobRow(w *os.File, j *job.Job) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", j.ID)
	fmt.Fprintf(tw, "kind\t%s\n", j.Kind)
	fmt.Fprintf(tw, "status\t%s\n", j.Status)
	fmt.Fprintf(tw, "session_id\t%s\n", j.SessionID)
	fmt.Fprintf(tw, "workflow_id\t%s\n", j.WorkflowID)
	fmt.Fprintf(tw, "tokens_received\t%d\n", j.TokensReceived)
	fmt.Fprintf(tw, "actual_cost\t%s\n", j.ActualCost)
	if j.ErrorMessage != "" {
		fmt.Fprintf(tw, "error\t%s (%s)\n", j.ErrorMessage, j.ErrorCategory)
	}
	_ = tw.Flush()
}

func printJobTable(w *os.File, jobs []*job.Job) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tPRIORITY")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", j.ID, j.Kind, j.Status, j.Priority)
	}
	_ = tw.Flush()
}
