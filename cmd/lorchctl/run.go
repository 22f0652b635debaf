package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/lorch/internal/agentproc"
	"github.com/iambrandonn/lorch/internal/config"
	"github.com/iambrandonn/lorch/internal/gate"
	"github.com/iambrandonn/lorch/internal/secexec"
	"github.com/iambrandonn/lorch/internal/workflowexec"
	"github.com/iambrandonn/lorch/internal/workflowspec"
	"github.com/iambrandonn/lorch/internal/workflowstate"
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml> <task description>",
	Short: "Start a new workflow run",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("workflow-id", "", "workflow id (default: generated from the current time)")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := newCLILogger()

	workflowPath := args[0]
	taskDescription := joinRemaining(args[1:])

	workflow, err := loadWorkflow(workflowPath)
	if err != nil {
		return &configError{msg: err.Error()}
	}

	workdir, err := cmd.Flags().GetString("workdir")
	if err != nil {
		return &configError{msg: err.Error()}
	}

	cfg, err := loadAgentConfig(cmd)
	if err != nil {
		return &configError{msg: err.Error()}
	}

	workflowID, err := cmd.Flags().GetString("workflow-id")
	if err != nil {
		return &configError{msg: err.Error()}
	}
	if workflowID == "" {
		workflowID = fmt.Sprintf("wf-%s", time.Now().UTC().Format("20060102-150405"))
	}

	executor, runner, cleanup, err := buildRunner(cfg, logger)
	if err != nil {
		return &configError{msg: err.Error()}
	}
	defer cleanup()

	states, err := workflowstate.NewStore(workdir)
	if err != nil {
		return &configError{msg: fmt.Sprintf("failed to open workflow state store: %v", err)}
	}
	gates := gate.NewEngine(workdir, executor)

	exec := workflowexec.NewExecutor(states, gates, runner, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	logger.Info("starting workflow", "workflow_id", workflowID, "workflow", workflow.Name)
	if err := exec.Execute(ctx, workflow, workflowID, taskDescription); err != nil {
		var failed *workflowexec.FailedError
		if asFailedError(err, &failed) {
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %s failed: %s\n", workflowID, failed.Reason)
			return &workflowFailedError{msg: failed.Error()}
		}
		return &workflowFailedError{msg: err.Error()}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "workflow %s completed\n", workflowID)
	return nil
}

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow.yaml> <workflow_id>",
	Short: "Resume a previously started workflow from its persisted state",
	Args:  cobra.ExactArgs(2),
	RunE:  runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	logger := newCLILogger()

	workflow, err := loadWorkflow(args[0])
	if err != nil {
		return &configError{msg: err.Error()}
	}
	workflowID := args[1]

	workdir, err := cmd.Flags().GetString("workdir")
	if err != nil {
		return &configError{msg: err.Error()}
	}

	cfg, err := loadAgentConfig(cmd)
	if err != nil {
		return &configError{msg: err.Error()}
	}

	executor, runner, cleanup, err := buildRunner(cfg, logger)
	if err != nil {
		return &configError{msg: err.Error()}
	}
	defer cleanup()

	states, err := workflowstate.NewStore(workdir)
	if err != nil {
		return &configError{msg: fmt.Sprintf("failed to open workflow state store: %v", err)}
	}
	gates := gate.NewEngine(workdir, executor)

	exec := workflowexec.NewExecutor(states, gates, runner, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	logger.Info("resuming workflow", "workflow_id", workflowID)
	if err := exec.Resume(ctx, workflow, workflowID); err != nil {
		var failed *workflowexec.FailedError
		if asFailedError(err, &failed) {
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %s failed: %s\n", workflowID, failed.Reason)
			return &workflowFailedError{msg: failed.Error()}
		}
		return &workflowFailedError{msg: err.Error()}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "workflow %s completed\n", workflowID)
	return nil
}

func asFailedError(err error, target **workflowexec.FailedError) bool {
	failed, ok := err.(*workflowexec.FailedError)
	if ok {
		*target = failed
	}
	return ok
}

func loadWorkflow(path string) (*workflowspec.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}
	workflow, err := workflowspec.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse workflow file %s: %w", path, err)
	}
	return workflow, nil
}

func loadAgentConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		cfg := config.GenerateDefault()
		if err := cfg.SaveToFile(path); err != nil {
			return nil, fmt.Errorf("failed to write default config to %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.LoadFromFile(path)
}

// buildRunner launches the configured agent process as the workflow's
// phase runner. Every phase of a single lorchctl invocation is driven
// by the same process; a workflow that needs distinct agent roles per
// phase runs lorchctl once per role against phases partitioned by YAML,
// each invocation pointed at a different --config file.
func buildRunner(cfg *config.Config, logger *slog.Logger) (*secexec.Executor, workflowexec.Runner, func(), error) {
	if len(cfg.Runner.Cmd) == 0 {
		return nil, nil, nil, fmt.Errorf("configuration is missing a runner command")
	}

	executor := secexec.NewExecutor([]string{"go", "npm", "cargo", "make", "cmake", "python3", "git"}, nil)

	proc := agentproc.New("runner", cfg.Runner.Cmd, cfg.Runner.Env, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := proc.Start(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	cleanup := func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		proc.Stop(stopCtx)
	}

	return executor, &agentproc.Runner{Process: proc}, cleanup, nil
}

func newCLILogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func joinRemaining(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += " " + p
	}
	return out
}
