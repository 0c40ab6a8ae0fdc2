package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/flagsweep/flagsweep/internal/agent"
	"github.com/flagsweep/flagsweep/internal/config"
	"github.com/flagsweep/flagsweep/internal/domain"
	"github.com/flagsweep/flagsweep/internal/fetcher"
	"github.com/flagsweep/flagsweep/internal/review"
	"github.com/flagsweep/flagsweep/internal/runlog"
	"github.com/flagsweep/flagsweep/internal/runstore"
	"github.com/flagsweep/flagsweep/internal/scheduler"
	"github.com/flagsweep/flagsweep/internal/workspace"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	targetRepos string

	runInput    string
	runDryRun   bool
	runSchedule string

	removeFlagKey  string
	removeKeep     string
	removeDryRun   bool
	removeKeepTree bool

	setupRepo     string
	skipMainSetup bool
	skipWorktree  bool

	fetchOutput string

	historyLimit int
	historyFlag  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&targetRepos, "target-repos", "", "directory containing the target repository clones")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Screen and remove all stale flags from the candidate list",
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runInput, "input", "", "candidate list file (skips the fetcher)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "screen and report without editing anything")
	runCmd.Flags().StringVar(&runSchedule, "schedule", "", "cron expression; keep running on this schedule")
	rootCmd.AddCommand(runCmd)

	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a single flag",
		RunE:  runRemove,
	}
	removeCmd.Flags().StringVar(&removeFlagKey, "flag", "", "flag key to remove")
	removeCmd.Flags().StringVar(&removeKeep, "keep", "", "code path to keep: enabled or disabled")
	removeCmd.Flags().BoolVar(&removeDryRun, "dry-run", false, "screen and report without editing anything")
	removeCmd.Flags().BoolVar(&removeKeepTree, "keep-worktree", false, "keep the workspace regardless of outcome")
	rootCmd.AddCommand(removeCmd)

	setupCmd := &cobra.Command{
		Use:   "test-setup",
		Short: "Verify repository setup commands without running any task",
		RunE:  runTestSetup,
	}
	setupCmd.Flags().StringVar(&setupRepo, "repo", "", "limit to one configured repository")
	setupCmd.Flags().BoolVar(&skipMainSetup, "skip-main-setup", false, "skip the main-repo setup commands")
	setupCmd.Flags().BoolVar(&skipWorktree, "skip-worktree", false, "skip the worktree create/destroy round-trip")
	rootCmd.AddCommand(setupCmd)

	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Run the staleness fetcher and write the candidate list",
		RunE:  runFetch,
	}
	fetchCmd.Flags().StringVar(&fetchOutput, "output", "candidates.json", "output file")
	rootCmd.AddCommand(fetchCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show past runs and their outcomes",
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to show")
	historyCmd.Flags().StringVar(&historyFlag, "flag", "", "show every outcome for one flag key")
	rootCmd.AddCommand(historyCmd)
}

// env bundles the collaborators a command needs, built once per invocation
type env struct {
	cfg       *config.Config
	logger    *zap.Logger
	reposRoot string
	procs     *agent.ProcessRegistry
	invoker   *agent.Invoker
	resolver  *review.Resolver
	manager   *workspace.Manager
}

func newEnv() (*env, error) {
	if targetRepos == "" {
		return nil, &domain.ConfigError{Field: "target-repos", Msg: "pass --target-repos"}
	}
	reposRoot, err := filepath.Abs(targetRepos)
	if err != nil {
		return nil, err
	}

	path := configPath
	if path == "" {
		path = config.DefaultPath(reposRoot)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	provider, err := agent.FromConfig(cfg.Agent)
	if err != nil {
		return nil, err
	}
	procs := agent.NewProcessRegistry(logger)
	timeout := time.Duration(cfg.Agent.TimeoutMinutes) * time.Minute

	return &env{
		cfg:       cfg,
		logger:    logger,
		reposRoot: reposRoot,
		procs:     procs,
		invoker:   agent.NewInvoker(provider, timeout, procs, logger),
		resolver:  review.NewResolver(os.Getenv("GITHUB_TOKEN"), logger),
		manager:   workspace.NewManager(reposRoot, cfg, logger),
	}, nil
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// signalContext cancels on interrupt and kills every tracked agent
// subprocess after a short grace period
func signalContext(e *env) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		e.procs.KillAll(5 * time.Second)
	}()
	return ctx, stop
}

func historyPath() string {
	return config.ExpandPath(filepath.Join("~", ".flagsweep", "history.db"))
}

func runRun(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	defer e.logger.Sync()

	ctx, stop := signalContext(e)
	defer stop()

	opts := scheduler.Options{
		Concurrency: e.cfg.Orchestrator.Concurrency,
		Budget:      e.cfg.Orchestrator.MaxPRs,
		DryRun:      runDryRun,
	}

	if runSchedule != "" {
		return runOnSchedule(ctx, e, opts)
	}

	tasks, err := loadCandidates(ctx, e)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No removal candidates")
		return nil
	}
	return executeRun(ctx, e, tasks, opts)
}

// runOnSchedule re-fetches the candidate list on every tick so long-lived
// schedules pick up newly stale flags
func runOnSchedule(ctx context.Context, e *env, opts scheduler.Options) error {
	c := cron.New()
	_, err := c.AddFunc(runSchedule, func() {
		tasks, err := loadCandidates(ctx, e)
		if err != nil {
			e.logger.Error("loading candidates failed", zap.Error(err))
			return
		}
		if len(tasks) == 0 {
			e.logger.Info("no removal candidates")
			return
		}
		if err := executeRun(ctx, e, tasks, opts); err != nil {
			e.logger.Error("scheduled run failed", zap.Error(err))
		}
	})
	if err != nil {
		return &domain.ConfigError{Field: "schedule", Msg: err.Error()}
	}
	e.logger.Info("running on schedule", zap.String("cron", runSchedule))
	c.Start()
	<-ctx.Done()
	cronCtx := c.Stop()
	<-cronCtx.Done()
	return nil
}

func loadCandidates(ctx context.Context, e *env) ([]domain.Task, error) {
	if runInput != "" {
		return fetcher.LoadFile(runInput)
	}
	switch e.cfg.Fetcher.Type {
	case "posthog":
		client := newPostHogClient(e)
		return client.Fetch(ctx)
	case "file":
		return nil, &domain.ConfigError{Field: "input", Msg: "fetcher.type is \"file\"; pass --input"}
	default:
		return nil, &domain.ConfigError{Field: "fetcher.type", Msg: fmt.Sprintf("unknown fetcher %q", e.cfg.Fetcher.Type)}
	}
}

func newPostHogClient(e *env) *fetcher.PostHogClient {
	return fetcher.NewPostHogClient(
		e.cfg.Fetcher.Host,
		os.Getenv("POSTHOG_API_KEY"),
		e.cfg.Fetcher.ProjectIDs,
		e.cfg.Fetcher.StaleDays,
		e.logger,
	)
}

// executeRun drives one full scheduling pass and records it everywhere: the
// log directory, the history database, and stdout
func executeRun(ctx context.Context, e *env, tasks []domain.Task, opts scheduler.Options) error {
	if err := e.invoker.CheckPrerequisites(ctx); err != nil {
		return err
	}
	if os.Getenv("GITHUB_TOKEN") == "" && !opts.DryRun {
		return &domain.PrerequisiteError{Tool: "github", Err: errors.New("GITHUB_TOKEN is not set")}
	}

	logs, err := runlog.New(e.cfg.Orchestrator.LogDir)
	if err != nil {
		return err
	}
	fmt.Printf("Logging to %s\n", logs.Path())

	store, err := runstore.New(historyPath())
	if err != nil {
		return err
	}
	defer store.Close()

	runID, err := store.BeginRun(time.Now(), opts.DryRun, opts.Budget, logs.Path())
	if err != nil {
		return err
	}

	sched := scheduler.New(e.cfg, e.manager, e.invoker, e.resolver, logs, opts, e.logger)
	summary, err := sched.Run(ctx, tasks)
	if err != nil {
		return err
	}

	for _, outcome := range summary.Tasks {
		if err := store.RecordOutcome(runID, outcome); err != nil {
			e.logger.Warn("recording outcome", zap.String("flag", outcome.Key), zap.Error(err))
		}
	}
	if err := store.FinishRun(runID, time.Now(), summary.Produced); err != nil {
		e.logger.Warn("recording run completion", zap.Error(err))
	}

	printSummary(summary)
	if summary.Failed > 0 {
		return fmt.Errorf("%d task(s) failed", summary.Failed)
	}
	return nil
}

func printSummary(summary *runlog.Summary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FLAG\tSTATUS\tDURATION\tDETAIL")
	for _, outcome := range summary.Tasks {
		detail := outcome.Reason
		if len(outcome.PullRequests) > 0 {
			detail = joinLines(outcome.PullRequests)
		}
		duration := (time.Duration(outcome.DurationMS) * time.Millisecond).Round(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", outcome.Key, outcome.Status, duration, detail)
	}
	w.Flush()

	fmt.Printf("\n%d complete, %d refused, %d failed, %d skipped; %d of %d PR budget used\n",
		summary.Complete, summary.Refused, summary.Failed, summary.Skipped,
		summary.Produced, summary.Budget)
}

func joinLines(urls []string) string {
	out := urls[0]
	for _, u := range urls[1:] {
		out += ", " + u
	}
	return out
}

func runRemove(cmd *cobra.Command, args []string) error {
	task := domain.Task{
		Key:        removeFlagKey,
		KeepBranch: domain.KeepBranch(removeKeep),
		Reason:     "requested manually",
	}
	if err := task.Validate(); err != nil {
		return &domain.ConfigError{Field: "flag", Msg: err.Error()}
	}

	e, err := newEnv()
	if err != nil {
		return err
	}
	defer e.logger.Sync()

	ctx, stop := signalContext(e)
	defer stop()

	opts := scheduler.Options{
		Concurrency:   1,
		Budget:        e.cfg.Orchestrator.MaxPRs,
		DryRun:        removeDryRun,
		KeepWorkspace: removeKeepTree,
	}
	return executeRun(ctx, e, []domain.Task{task}, opts)
}

func runTestSetup(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	defer e.logger.Sync()

	ctx, stop := signalContext(e)
	defer stop()

	repos := e.cfg.RepoNames()
	if setupRepo != "" {
		if _, ok := e.cfg.Repos[setupRepo]; !ok {
			return &domain.ConfigError{Field: "repo", Msg: fmt.Sprintf("%q is not a configured repository", setupRepo)}
		}
		repos = []string{setupRepo}
	}

	if !skipMainSetup {
		for _, repo := range repos {
			fmt.Printf("Running main setup for %s\n", repo)
			if err := e.manager.MainSetup(ctx, repo); err != nil {
				return err
			}
		}
	}

	if !skipWorktree {
		fmt.Println("Creating a throwaway workspace")
		ws, err := e.manager.Create(ctx, domain.BranchPrefix+"setup-test", repos)
		if err != nil {
			return err
		}
		if err := e.manager.Destroy(ctx, ws); err != nil {
			return err
		}
	}

	fmt.Println("Setup OK")
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	defer e.logger.Sync()

	ctx, stop := signalContext(e)
	defer stop()

	if e.cfg.Fetcher.Type != "posthog" {
		return &domain.ConfigError{Field: "fetcher.type", Msg: "fetch requires fetcher.type \"posthog\""}
	}
	tasks, err := newPostHogClient(e).Fetch(ctx)
	if err != nil {
		return err
	}
	if err := fetcher.WriteFile(fetchOutput, tasks); err != nil {
		return err
	}
	fmt.Printf("Wrote %d candidate(s) to %s\n", len(tasks), fetchOutput)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := runstore.New(historyPath())
	if err != nil {
		return err
	}
	defer store.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if historyFlag != "" {
		results, err := store.FlagHistory(historyFlag)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "RUN\tSTATUS\tDETAIL")
		for _, r := range results {
			fmt.Fprintf(w, "%.8s\t%s\t%s\n", r.RunID, r.Status, r.Reason)
		}
		return nil
	}

	runs, err := store.ListRuns(historyLimit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "RUN\tSTARTED\tMODE\tPRODUCED\tBUDGET")
	for _, r := range runs {
		mode := "run"
		if r.DryRun {
			mode = "dry-run"
		}
		fmt.Fprintf(w, "%.8s\t%s\t%s\t%d\t%d\n",
			r.ID, humanize.Time(r.StartedAt), mode, r.Produced, r.Budget)
	}
	return nil
}
