package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/peerreview/internal/config"
	"github.com/TobiSchelling/peerreview/internal/database"
	"github.com/TobiSchelling/peerreview/internal/logging"
	"github.com/TobiSchelling/peerreview/internal/pipeline"
	"github.com/TobiSchelling/peerreview/internal/publish"
	"github.com/TobiSchelling/peerreview/internal/queue"
	"github.com/TobiSchelling/peerreview/internal/server"
	"github.com/TobiSchelling/peerreview/internal/taxonomy"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "peerreview",
	Short:   "Automated peer review for journal submissions",
	Long:    "peerreview validates submissions, critiques them against a fixed rubric, and publishes accepted papers.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			logging.Setup("info", verbose)
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		logging.Setup(cfg.Logging.Level, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(withdrawCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(contributorsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("peerreview", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/peerreview/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the critique provider, novelty sources, and publish backend.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show submission counts, stuck submissions and schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		counts, err := db.CountByState()
		if err != nil {
			return fmt.Errorf("counting submissions: %w", err)
		}
		fmt.Println("Submissions:")
		for _, state := range []string{
			database.StatePending, database.StateNoveltyChecked, database.StateRepoChecked,
			database.StatePrompted, database.StateCritiqued, database.StateDecided,
			database.StatePublished, database.StateRejected, database.StateDeferred,
			database.StateErrored, database.StateFailed, database.StateWithdrawn, database.StateInvalid,
		} {
			if n := counts[state]; n > 0 {
				fmt.Printf("  %-16s %d\n", state, n)
			}
		}

		stuck, err := db.ListSubmissions(database.SubmissionFilter{
			States: []string{database.StateErrored, database.StateFailed},
			Limit:  20,
		})
		if err != nil {
			return err
		}
		if len(stuck) > 0 {
			fmt.Println("\nNeeds attention:")
			for _, s := range stuck {
				msg := ""
				if s.LastError != nil {
					msg = *s.LastError
				}
				fmt.Printf("  %s  %-8s attempts=%d  %s\n", s.ID, s.State, s.Attempts, truncate(msg, 70))
			}
		}

		papers, err := db.ListPapers(database.PaperFilter{Status: database.PaperCurrent})
		if err != nil {
			return err
		}
		fmt.Printf("\nCurrent papers: %d\n", len(papers))

		schema, err := db.SchemaStatus()
		if err != nil {
			return err
		}
		fmt.Printf("\nSchema: version %d\n", schema.Version)
		for _, step := range schema.Steps {
			mark := "pending"
			if step.Applied {
				mark = "applied"
			}
			fmt.Printf("  %3d  %-8s %s\n", step.Version, mark, step.Description)
		}
		return nil
	},
}

// --- submit command ---

var (
	submitAuthor  string
	submitFormat  string
	submitEnqueue bool
)

var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Validate a submission and add it to the review queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		tax, err := taxonomy.Load(cfg.Taxonomy.Path)
		if err != nil {
			return err
		}

		raw, err := readRaw(args[0], submitFormat, submitAuthor)
		if err != nil {
			return err
		}
		res, err := intake(db, tax, raw, time.Now().UTC())
		if err != nil {
			return err
		}
		if !res.Accepted {
			fmt.Printf("Rejected %s: %s\n", res.ID, res.ReasonCode)
			fmt.Printf("  %s\n", res.Message)
			return nil
		}

		fmt.Printf("Queued %s\n", res.ID)
		for _, w := range res.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
		if submitEnqueue {
			return enqueue(cmd.Context(), res.ID)
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitAuthor, "author", "", "Contributor handle (overrides the record's author)")
	submitCmd.Flags().StringVar(&submitFormat, "format", "", "Input format: issue or json (default: by extension)")
	submitCmd.Flags().BoolVar(&submitEnqueue, "enqueue", false, "Schedule a review task immediately")
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw [id]",
	Short: "Withdraw a submission that has not been decided",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		err = db.Withdraw(args[0], time.Now().UTC())
		switch {
		case errors.Is(err, database.ErrNotFound):
			return fmt.Errorf("submission %s not found", args[0])
		case errors.Is(err, database.ErrNotWithdrawable):
			return fmt.Errorf("submission %s can no longer be withdrawn", args[0])
		case err != nil:
			return err
		}
		fmt.Printf("Withdrew %s\n", args[0])
		return nil
	},
}

// --- run command ---

var runLimit int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process runnable submissions in priority order",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, pipe, err := openPipeline()
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := pipe.Sweep(cmd.Context(), runLimit)
		if err != nil {
			return err
		}
		fmt.Printf("Considered %d runnable submission(s).\n", result.Considered)
		for _, res := range result.Processed {
			printResult(res)
		}
		for _, e := range result.Errors {
			fmt.Printf("  Error: %v\n", e)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "Maximum submissions to process (default: pipeline.batch_size)")
}

var processCmd = &cobra.Command{
	Use:   "process [id]",
	Short: "Run one submission through the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, pipe, err := openPipeline()
		if err != nil {
			return err
		}
		defer db.Close()

		res, err := pipe.Process(cmd.Context(), args[0])
		if res != nil {
			printResult(res)
		}
		return err
	},
}

// --- queue commands ---

var sweepInterval time.Duration

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume review tasks from the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, pipe, err := openPipeline()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if sweepInterval > 0 {
			go sweepLoop(ctx, pipe, sweepInterval)
		}

		srv := queue.NewServer(cfg.Queue)
		if err := srv.Start(queue.NewWorker(pipe).Handler()); err != nil {
			return fmt.Errorf("starting worker: %w", err)
		}
		slog.Info("worker started", "redis", cfg.Queue.RedisAddr, "concurrency", cfg.Queue.Concurrency)
		<-ctx.Done()
		srv.Shutdown()
		return nil
	},
}

func init() {
	workerCmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 5*time.Minute,
		"Also sweep errored and deferred submissions at this interval (0 disables)")
}

// sweepLoop picks up submissions whose retry or deferral time has come.
func sweepLoop(ctx context.Context, pipe *pipeline.Pipeline, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := pipe.Sweep(ctx, 0)
			if err != nil {
				slog.Error("sweep failed", "error", err)
				continue
			}
			if res.Considered > 0 {
				slog.Info("sweep done", "considered", res.Considered,
					"processed", len(res.Processed), "errors", len(res.Errors))
			}
		}
	}
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [id]",
	Short: "Schedule a review task for a submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueue(cmd.Context(), args[0])
	},
}

func enqueue(ctx context.Context, id string) error {
	client := asynq.NewClient(queue.RedisOpt(cfg.Queue))
	defer client.Close()
	if err := queue.EnqueueReview(ctx, client, id, cfg.Queue.MaxRetry); err != nil {
		return err
	}
	fmt.Printf("Enqueued review for %s\n", id)
	return nil
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, db, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (default: server.port)")
}

var contributorsCmd = &cobra.Command{
	Use:   "contributors",
	Short: "List contributor standing",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		items, err := db.ListContributors()
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No contributors yet.")
			return nil
		}

		fmt.Printf("  %-24s %-12s %6s %9s %8s %8s %5s %6s\n",
			"CONTRIBUTOR", "TIER", "SCORE", "SUBMITTED", "ACCEPTED", "REJECTED", "FLAGS", "AVG")
		for _, c := range items {
			fmt.Printf("  %-24s %-12s %6.3f %9d %8d %8d %5d %6.2f\n",
				truncate(c.ID, 24), c.Tier, c.Reputation, c.Submitted, c.Accepted, c.Rejected, c.Flags, c.AvgScore)
		}
		return nil
	},
}

func printResult(res *pipeline.Result) {
	fmt.Printf("\n%s -> %s\n", res.SubmissionID, res.State)
	for _, step := range res.Steps {
		if step.Err != nil {
			fmt.Printf("  %s: error: %v\n", step.Name, step.Err)
		} else {
			fmt.Printf("  %s: %s\n", step.Name, step.Summary)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func openDB() (*database.DB, error) {
	if err := os.MkdirAll(cfg.GetDataDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(cfg.GetDatabasePath())
}

func openPipeline() (*database.DB, *pipeline.Pipeline, error) {
	tax, err := taxonomy.Load(cfg.Taxonomy.Path)
	if err != nil {
		return nil, nil, err
	}
	pc := cfg.Publish
	if pc.Backend == "fs" && pc.Dir == "" {
		pc.Dir = cfg.GetPublishDir()
	}
	store, err := publish.Open(pc)
	if err != nil {
		return nil, nil, err
	}
	if s3, ok := store.(*publish.S3Store); ok {
		if err := s3.EnsureBucket(context.Background()); err != nil {
			return nil, nil, err
		}
	}

	db, err := openDB()
	if err != nil {
		return nil, nil, err
	}
	pipe, err := pipeline.New(cfg, db, tax, store)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, pipe, nil
}
