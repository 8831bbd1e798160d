package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/napageneral/hyperion/internal/agent"
	"github.com/napageneral/hyperion/internal/apply"
	"github.com/napageneral/hyperion/internal/check"
	"github.com/napageneral/hyperion/internal/config"
	"github.com/napageneral/hyperion/internal/coordinator"
	"github.com/napageneral/hyperion/internal/dashboard"
	"github.com/napageneral/hyperion/internal/dispatch"
	"github.com/napageneral/hyperion/internal/fileevents"
	"github.com/napageneral/hyperion/internal/model"
	"github.com/napageneral/hyperion/internal/queue"
	"github.com/napageneral/hyperion/internal/store"
	"github.com/napageneral/hyperion/internal/telemetry"
	"github.com/napageneral/hyperion/internal/validator"
	"github.com/napageneral/hyperion/internal/worker"
)

var version = "0.1.0-dev"

func initLogging(level string) {
	if level == "" {
		log.Logger = zerolog.Nop()
		return
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	cfg := config.Load()

	var dbPath string

	rootCmd := &cobra.Command{
		Use:     "hyperion",
		Short:   "Hyperion - multi-agent orchestration queue",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initLogging(cfg.LogLevel)
		},
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", cfg.DBPath, "path to the hyperion sqlite database")

	openQueue := func() (*store.Store, *queue.Queue, error) {
		st, err := store.Open(dbPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		return st, queue.New(st), nil
	}

	rootCmd.AddCommand(
		newInitCmd(&dbPath),
		newEnqueueCmd(openQueue),
		newDequeueCmd(openQueue),
		newListCmd(openQueue),
		newListDeadLettersCmd(openQueue),
		newMarkAppliedCmd(openQueue),
		newMarkFailedCmd(openQueue),
		newWorkerCmd(openQueue, cfg),
		newRunCmd(openQueue, cfg),
		newRequestCmd(openQueue, cfg),
		newWatchCmd(openQueue),
		newTuiCmd(openQueue),
		newAgentCmd(cfg),
		newValidateChangeCmd(),
		newApplyCmd(),
		newDoctorCmd(openQueue),
		newQueueMetricsCmd(openQueue),
		newCleanupCmd(openQueue),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type opener func() (*store.Store, *queue.Queue, error)

func newInitCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the queue database",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(*dbPath)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Printf("Initialized queue at %s\n", *dbPath)
			return nil
		},
	}
}

func newEnqueueCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <file>",
		Short: "Enqueue a change request from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contents, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var request model.ChangeRequest
			if err := json.Unmarshal(contents, &request); err != nil {
				return fmt.Errorf("parse change request: %w", err)
			}

			st, q, err := open()
			if err != nil {
				return err
			}
			defer st.Close()

			id, err := q.Enqueue(request)
			if err != nil {
				return err
			}
			fmt.Printf("Enqueued change request %d\n", id)
			return nil
		},
	}
}

func newDequeueCmd(open opener) *cobra.Command {
	var leaseSeconds int64
	cmd := &cobra.Command{
		Use:   "dequeue",
		Short: "Claim the next eligible change request",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, q, err := open()
			if err != nil {
				return err
			}
			defer st.Close()

			entry, err := q.Dequeue(time.Duration(leaseSeconds)*time.Second, "cli")
			if err != nil {
				return err
			}
			if entry == nil {
				fmt.Println("No pending change requests")
				return nil
			}
			fmt.Printf("Dequeued %d from %s (attempt %d)\n", entry.ID, entry.Payload.TaskID, entry.Attempts)
			return nil
		},
	}
	cmd.Flags().Int64Var(&leaseSeconds, "lease-seconds", 300, "lease duration in seconds")
	return cmd
}

var allStatuses = []model.QueueStatus{
	model.StatusPending,
	model.StatusInProgress,
	model.StatusApplied,
	model.StatusFailed,
}

func newListCmd(open opener) *cobra.Command {
	var format string
	var since int64
	var limit int
	cmd := &cobra.Command{
		Use:   "list [status]",
		Short: "List change requests, optionally filtered by status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, q, err := open()
			if err != nil {
				return err
			}
			defer st.Close()

			statuses := allStatuses
			if len(args) == 1 {
				statuses = []model.QueueStatus{model.QueueStatus(args[0])}
			}

			var entries []*model.QueueEntry
			for _, s := range statuses {
				e, err := q.List(s)
				if err != nil {
					return err
				}
				entries = append(entries, e...)
			}

			filtered := entries[:0]
			for _, e := range entries {
				if since > 0 && e.CreatedAt < since {
					continue
				}
				filtered = append(filtered, e)
			}
			entries = filtered
			if limit > 0 && len(entries) > limit {
				entries = entries[:limit]
			}

			if format == "json" {
				return printJSON(entries)
			}
			for _, e := range entries {
				fmt.Printf("%d %s %s attempts=%d lease_until=%v\n", e.ID, e.Status, e.Payload.TaskID, e.Attempts, e.LeasedUntil)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: text|json")
	cmd.Flags().Int64Var(&since, "since", 0, "only include entries created at or after this unix epoch")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries to print (0 = unlimited)")
	return cmd
}

func newListDeadLettersCmd(open opener) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "list-dead-letters",
		Short: "List dead-lettered change requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, q, err := open()
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := q.ListDeadLetters()
			if err != nil {
				return err
			}
			if format == "json" {
				return printJSON(records)
			}
			for _, r := range records {
				fmt.Printf("%d queue_id=%d task_id=%s agent=%s failed_at=%d error=%v\n", r.ID, r.QueueID, r.TaskID, r.Agent, r.FailedAt, r.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: text|json")
	return cmd
}

func newMarkAppliedCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-applied <id>",
		Short: "Mark a change request as applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, q, err := open()
			if err != nil {
				return err
			}
			defer st.Close()

			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}
			if err := q.MarkApplied(id); err != nil {
				return err
			}
			fmt.Printf("Marked %d as applied\n", id)
			return nil
		},
	}
}

func newMarkFailedCmd(open opener) *cobra.Command {
	var errMsg string
	cmd := &cobra.Command{
		Use:   "mark-failed <id>",
		Short: "Mark a change request as failed and dead-letter it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, q, err := open()
			if err != nil {
				return err
			}
			defer st.Close()

			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}
			if err := q.MarkFailed(id, errMsg); err != nil {
				return err
			}
			fmt.Printf("Marked %d as failed\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&errMsg, "error", "", "error message to record")
	return cmd
}

func newWorkerCmd(open opener, cfg *config.Config) *cobra.Command {
	var leaseSeconds, pollIntervalMs, maxAttempts int64
	var runChecks bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single worker pull loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, q, err := open()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			w := worker.New(q, apply.NewDefault(""), worker.Config{
				WorkerID:       "worker-cli",
				LeaseDuration:  time.Duration(leaseSeconds) * time.Second,
				PollInterval:   time.Duration(pollIntervalMs) * time.Millisecond,
				RunChecks:      runChecks,
				MaxAttempts:    maxAttempts,
				ReportProgress: true,
			})
			return w.Run(ctx)
		},
	}
	cmd.Flags().Int64Var(&leaseSeconds, "lease-seconds", 300, "lease duration in seconds")
	cmd.Flags().Int64Var(&pollIntervalMs, "poll-interval-ms", 500, "poll interval in milliseconds")
	cmd.Flags().BoolVar(&runChecks, "run-checks", false, "run each change request's checks after apply")
	cmd.Flags().Int64Var(&maxAttempts, "max-attempts", 5, "attempts before a change request is dead-lettered")
	return cmd
}

func newRunCmd(open opener, cfg *config.Config) *cobra.Command {
	var workers, agents int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the integrated worker pool and dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, q, err := open()
			if err != nil {
				return err
			}
			defer st.Close()
			return coordinator.Run(context.Background(), q, apply.NewDefault(""), coordinator.Config{
				WorkerCount:   workers,
				AgentCount:    agents,
				LeaseDuration: time.Duration(cfg.LeaseDurationSeconds) * time.Second,
				PollInterval:  500 * time.Millisecond,
				RunChecks:     true,
				MaxAttempts:   5,
				WatchRoot:     ".",
				Dashboard:     true,
			})
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 3, "worker count (clamped to 1-3)")
	cmd.Flags().IntVar(&agents, "agents", 3, "agent count (clamped to 1-3)")
	return cmd
}

func newRequestCmd(open opener, cfg *config.Config) *cobra.Command {
	var modelName string
	var agents, workers int
	cmd := &cobra.Command{
		Use:   "request <file>",
		Short: "Decompose a task request, dispatch it across agents, then run the integrated pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contents, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var request model.TaskRequest
			if err := json.Unmarshal(contents, &request); err != nil {
				return fmt.Errorf("parse task request: %w", err)
			}

			assignments := dispatch.Decompose(request)
			if len(assignments) == 0 {
				return fmt.Errorf("task request produced no assignments")
			}

			st, q, err := open()
			if err != nil {
				return err
			}
			defer st.Close()

			if modelName == "" {
				modelName = dispatch.DefaultModel
			}
			useAgents := os.Getenv("HYPERION_AGENT") == "copilot"
			resumeID, err := resolveAgentSession(q, useAgents)
			if err != nil {
				return err
			}
			harnessFactory := func() agent.Harness {
				if !useAgents {
					return nil
				}
				return agent.NewRealHarness(agent.RealConfig{
					Binary:        cfg.AgentBinary,
					Model:         modelName,
					ResumeID:      resumeID,
					AllowAllTools: true,
					RatePerMinute: cfg.AgentRatePerMinute,
				})
			}

			results := dispatch.Run(context.Background(), q, assignments, agents, harnessFactory)
			failures := 0
			for _, r := range results {
				if r.Err != nil {
					failures++
					fmt.Fprintf(os.Stderr, "assignment %s failed: %v\n", r.Assignment.TaskID, r.Err)
					continue
				}
				fmt.Printf("Enqueued change request %d for %s\n", r.QueueID, r.Assignment.TaskID)
			}
			if failures > 0 {
				return fmt.Errorf("%d assignment(s) failed", failures)
			}

			return coordinator.Run(context.Background(), q, apply.NewDefault(""), coordinator.Config{
				WorkerCount:   workers,
				AgentCount:    agents,
				LeaseDuration: time.Duration(cfg.LeaseDurationSeconds) * time.Second,
				PollInterval:  500 * time.Millisecond,
				RunChecks:     true,
				MaxAttempts:   5,
				Dashboard:     true,
			})
		},
	}
	cmd.Flags().StringVar(&modelName, "model", "", "agent model override")
	cmd.Flags().IntVar(&agents, "agents", 3, "agent count (clamped to 1-3)")
	cmd.Flags().IntVar(&workers, "workers", 3, "worker count (clamped to 1-3)")
	return cmd
}

// resolveAgentSession returns the resume id of the most recently used agent
// session, minting and persisting a fresh one (a random v4 UUID) the first
// time agents are enabled against this database so later `request`
// invocations keep resuming the same session rather than starting cold each
// time. The `agent` command does not use it and passes no resume id.
func resolveAgentSession(q *queue.Queue, useAgents bool) (string, error) {
	if !useAgents {
		return "", nil
	}
	session, err := q.LatestAgentSession()
	if err != nil {
		return "", fmt.Errorf("load agent session: %w", err)
	}
	if session != nil {
		return session.ResumeID, nil
	}

	resumeID := uuid.NewString()
	if _, err := q.UpsertAgentSession(resumeID, "", true); err != nil {
		return "", fmt.Errorf("create agent session: %w", err)
	}
	return resumeID, nil
}

func newWatchCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <directory>",
		Short: "Watch a directory, journaling filesystem events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, q, err := open()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			return fileevents.New(args[0], q).Run(ctx)
		},
	}
}

func newTuiCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Open the read-only dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, q, err := open()
			if err != nil {
				return err
			}
			defer st.Close()
			return dashboard.Run(q, nil)
		},
	}
}

func newAgentCmd(cfg *config.Config) *cobra.Command {
	var modelName string
	cmd := &cobra.Command{
		Use:   "agent <prompt>",
		Short: "Invoke the configured agent binary directly with a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if modelName == "" {
				modelName = cfg.AgentModel
			}
			harness := agent.NewRealHarness(agent.RealConfig{
				Binary:        cfg.AgentBinary,
				Model:         modelName,
				AllowAllTools: true,
				RatePerMinute: cfg.AgentRatePerMinute,
			})
			result, err := harness.Run(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(result.Output)
			return nil
		},
	}
	cmd.Flags().StringVar(&modelName, "model", "", "agent model override")
	return cmd
}

func newValidateChangeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-change <file>",
		Short: "Validate a change request JSON file without enqueueing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contents, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var request model.ChangeRequest
			if err := json.Unmarshal(contents, &request); err != nil {
				return fmt.Errorf("parse change request: %w", err)
			}
			result := validator.Validate(request)
			return printJSON(result)
		},
	}
}

func newApplyCmd() *cobra.Command {
	var runChecks bool
	cmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Apply a change request JSON file directly against the working tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contents, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var request model.ChangeRequest
			if err := json.Unmarshal(contents, &request); err != nil {
				return fmt.Errorf("parse change request: %w", err)
			}

			validation := validator.Validate(request)
			if !validation.Valid {
				return fmt.Errorf("invalid change request: %v", validation.Errors)
			}

			if err := apply.NewDefault("").Apply(request); err != nil {
				return err
			}
			if runChecks {
				if err := check.Run(request.Checks); err != nil {
					return err
				}
			}
			fmt.Printf("Applied change request %s\n", request.TaskID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&runChecks, "run-checks", false, "run the change request's checks after apply")
	return cmd
}

func newDoctorCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run store and queue diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, q, err := open()
			if err != nil {
				return err
			}
			defer st.Close()

			report, err := telemetry.New(q).Doctor()
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func newQueueMetricsCmd(open opener) *cobra.Command {
	var since int64
	var format string
	cmd := &cobra.Command{
		Use:   "queue-metrics",
		Short: "Print aggregated queue telemetry over a trailing window",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, q, err := open()
			if err != nil {
				return err
			}
			defer st.Close()

			metrics, err := telemetry.New(q).QueueMetrics(since)
			if err != nil {
				return err
			}
			if format == "json" {
				return printJSON(metrics)
			}
			fmt.Println(telemetry.ProgressLine(metrics))
			return nil
		},
	}
	cmd.Flags().Int64Var(&since, "since", 60, "trailing window in seconds")
	cmd.Flags().StringVar(&format, "format", "json", "output format: text|json")
	return cmd
}

func newCleanupCmd(open opener) *cobra.Command {
	var ttlSeconds int64
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal (applied/failed) entries older than a TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, q, err := open()
			if err != nil {
				return err
			}
			defer st.Close()

			deleted, err := q.CleanupStale(ttlSeconds)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d stale entries\n", deleted)
			return nil
		},
	}
	cmd.Flags().Int64Var(&ttlSeconds, "ttl-seconds", 7*24*3600, "age threshold in seconds")
	return cmd
}
