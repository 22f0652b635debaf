// Command lorchctl is the process entry point for the orchestrator:
// run/resume a workflow, hold an interactive chat session, or run the
// multi-agent conflict coordinator over a set of agent branches. Built
// directly against a cobra root command the way the teacher's
// internal/cli package wires subcommands, but scoped to the operations
// this repository actually implements rather than natural-language
// task intake.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes, per the CLI contract: 0 success, 2 workflow failed, 3
// escalation required, >=10 fatal configuration errors.
const (
	exitOK                  = 0
	exitWorkflowFailed      = 2
	exitEscalationRequired  = 3
	exitConfigurationError  = 10
)

var rootCmd = &cobra.Command{
	Use:   "lorchctl",
	Short: "Drive multi-agent code-change workflows",
	Long: `lorchctl runs workflow phases against an external agent process,
enforces programmatic gates between phases, and coordinates the
conflict detection/resolution pipeline across agent branches.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "lorch.json", "path to the agent process configuration file")
	rootCmd.PersistentFlags().String("workdir", ".", "working directory for workflow state, events, and logs")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(coordinateCmd)
	rootCmd.AddCommand(approveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error surfaced by a subcommand to one of the CLI
// contract's reserved exit codes.
func exitCodeFor(err error) int {
	switch err.(type) {
	case *configError:
		return exitConfigurationError
	case *escalationError:
		return exitEscalationRequired
	case *workflowFailedError:
		return exitWorkflowFailed
	default:
		return exitConfigurationError
	}
}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

type escalationError struct{ msg string }

func (e *escalationError) Error() string { return e.msg }

type workflowFailedError struct{ msg string }

func (e *workflowFailedError) Error() string { return e.msg }
