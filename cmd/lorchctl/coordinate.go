package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/lorch/internal/checksum"
	"github.com/iambrandonn/lorch/internal/detect"
	"github.com/iambrandonn/lorch/internal/flaky"
	"github.com/iambrandonn/lorch/internal/resolve"
	"github.com/iambrandonn/lorch/internal/secexec"
	"github.com/iambrandonn/lorch/internal/vcs"
	"github.com/iambrandonn/lorch/internal/worklog"
)

var coordinateCmd = &cobra.Command{
	Use:   "coordinate <repo>",
	Short: "Detect and resolve conflicts across agent branches merging into a base",
	Args:  cobra.ExactArgs(1),
	RunE:  runCoordinate,
}

func init() {
	coordinateCmd.Flags().String("base", "main", "base ref the agent branches will merge into")
	coordinateCmd.Flags().StringToString("agent", nil, "agent_id=branch_ref pairs, repeatable via commas")
	coordinateCmd.Flags().StringSlice("build-cmd", nil, "build command (argv[0] + args)")
	coordinateCmd.Flags().StringSlice("lint-cmd", nil, "lint command (argv[0] + args)")
	coordinateCmd.Flags().StringSlice("test-cmd", nil, "test command (argv[0] + args)")
}

func runCoordinate(cmd *cobra.Command, args []string) error {
	repoDir := args[0]
	logger := newCLILogger()

	workdir, err := cmd.Flags().GetString("workdir")
	if err != nil {
		return &configError{msg: err.Error()}
	}
	baseRef, err := cmd.Flags().GetString("base")
	if err != nil {
		return &configError{msg: err.Error()}
	}
	agentBranches, err := cmd.Flags().GetStringToString("agent")
	if err != nil {
		return &configError{msg: err.Error()}
	}
	if len(agentBranches) == 0 {
		return &configError{msg: "at least one --agent agent_id=branch_ref pair is required"}
	}
	buildCmd, _ := cmd.Flags().GetStringSlice("build-cmd")
	lintCmd, _ := cmd.Flags().GetStringSlice("lint-cmd")
	testCmd, _ := cmd.Flags().GetStringSlice("test-cmd")

	repo := vcs.NewRepo(repoDir)
	executor := secexec.NewExecutor([]string{"go", "npm", "cargo", "make", "cmake", "python3", "git"}, nil)

	log, err := worklog.Open(workdir, logger)
	if err != nil {
		return &configError{msg: fmt.Sprintf("failed to open narrative log: %v", err)}
	}
	defer log.Close()

	ctx := context.Background()
	workflowID := "coord-" + filepath.Base(repoDir)

	pipeline := detect.NewPipeline(repo, executor)
	result, err := pipeline.Run(ctx, baseRef, agentBranches)
	if err != nil {
		return &configError{msg: fmt.Sprintf("conflict detection failed: %v", err)}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "conflict type=%s severity=%s action=%s\n", result.ConflictType, result.Severity, result.RecommendedAction)

	switch result.RecommendedAction {
	case detect.ActionFastMerge:
		log.Append(worklog.Record{Type: worklog.TypeConflictResolved, WorkflowID: workflowID, Message: "no conflicts detected, fast merge eligible"})
		fmt.Fprintln(out, "no conflicts detected; branches can merge directly")
		return nil

	case detect.ActionEscalate:
		log.ConflictEscalated(workflowID, "detection pipeline recommends escalation", map[string]any{
			"severity":   string(result.Severity),
			"risk_flags": result.RiskFlags,
		})
		return &escalationError{msg: "conflict severity requires human escalation"}
	}

	conflicting := len(result.TextualConflicts) > 0
	candidates, err := resolve.GenerateCandidates(ctx, repo, baseRef, agentBranches, conflicting)
	if err != nil {
		return &configError{msg: fmt.Sprintf("candidate generation failed: %v", err)}
	}

	flakyTracker, err := flaky.NewTracker(filepath.Join(workdir, "flaky.json"))
	if err != nil {
		return &configError{msg: fmt.Sprintf("failed to open flaky-test tracker: %v", err)}
	}
	validator := resolve.NewValidator(repo, executor, flakyTracker, buildCmd, lintCmd, testCmd)

	maxFiles := 0
	for i := range candidates {
		if n := len(candidates[i].FilesModified); n > maxFiles {
			maxFiles = n
		}
	}

	viable := candidates[:0]
	for i := range candidates {
		tier := resolve.TargetTier(resolve.TierTargeted, candidates[i].FilesModified)
		if err := validator.Validate(ctx, &candidates[i], tier); err != nil {
			logger.Warn("candidate validation failed", "strategy", candidates[i].Strategy, "error", err)
			log.Append(worklog.Record{
				Type:       worklog.TypeCandidateRejected,
				WorkflowID: workflowID,
				Message:    fmt.Sprintf("candidate %s rejected: %v", candidates[i].Strategy, err),
			})
			continue
		}
		resolve.Score(&candidates[i], maxFiles)
		log.Append(worklog.Record{
			Type:       worklog.TypeCandidateGenerated,
			WorkflowID: workflowID,
			Message:    fmt.Sprintf("candidate %s scored %.3f", candidates[i].Strategy, candidates[i].TotalScore),
		})
		viable = append(viable, candidates[i])
	}

	if len(viable) == 0 {
		log.ConflictEscalated(workflowID, "no viable resolution candidate survived validation", nil)
		return &escalationError{msg: "no viable resolution candidate"}
	}

	diverse, _ := resolve.FilterDiverse(viable, 0.1, len(viable))
	outcome := resolve.Select(diverse, detect.HasCriticalRiskFlag(result.RiskFlags))
	if outcome.NeedsEscalation {
		log.ConflictEscalated(workflowID, fmt.Sprintf("candidate selection escalated: %s", outcome.EscalationReason), map[string]any{
			"reason": outcome.EscalationReason,
		})
		return &escalationError{msg: fmt.Sprintf("candidate selection escalated: %s", outcome.EscalationReason)}
	}
	best := outcome.Winner

	if err := repo.Checkout(ctx, best.BranchRef); err != nil {
		logger.Warn("failed to check out winning candidate branch for checksumming", "branch", best.BranchRef, "error", err)
	}

	fileSums := make(map[string]string, len(best.FilesModified))
	for _, path := range best.FilesModified {
		sum, sumErr := checksum.SHA256File(filepath.Join(repoDir, path))
		if sumErr != nil {
			logger.Warn("failed to checksum resolved file", "path", path, "error", sumErr)
			continue
		}
		fileSums[path] = sum
	}

	log.ConflictResolved(workflowID, fmt.Sprintf("resolved via strategy %s", best.Strategy), map[string]any{
		"branch_ref":     best.BranchRef,
		"total_score":    best.TotalScore,
		"file_checksums": fileSums,
	})
	fmt.Fprintf(out, "resolved: strategy=%s branch=%s score=%.3f files=%s\n",
		best.Strategy, best.BranchRef, best.TotalScore, strings.Join(best.FilesModified, ","))
	return nil
}
