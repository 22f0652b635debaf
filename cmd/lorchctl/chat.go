package main

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iambrandonn/lorch/internal/budget"
	"github.com/iambrandonn/lorch/internal/chat"
	"github.com/iambrandonn/lorch/internal/eventstore"
	"github.com/iambrandonn/lorch/internal/llm"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Hold an interactive chat session against a budget-enforced model",
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().String("session", "", "session id (default: generated)")
	chatCmd.Flags().Int64("budget", 100000, "token budget for this session")
	chatCmd.Flags().StringSlice("model-cmd", nil, "command (and args) invoked once per model call, fed the prompt on stdin")
}

func runChat(cmd *cobra.Command, args []string) error {
	workdir, err := cmd.Flags().GetString("workdir")
	if err != nil {
		return &configError{msg: err.Error()}
	}
	sessionID, err := cmd.Flags().GetString("session")
	if err != nil {
		return &configError{msg: err.Error()}
	}
	if sessionID == "" {
		sessionID = "chat-" + uuid.New().String()[:8]
	}
	limit, err := cmd.Flags().GetInt64("budget")
	if err != nil {
		return &configError{msg: err.Error()}
	}
	modelCmd, err := cmd.Flags().GetStringSlice("model-cmd")
	if err != nil {
		return &configError{msg: err.Error()}
	}

	store, err := eventstore.Open(filepath.Join(workdir, "events.db"))
	if err != nil {
		return &configError{msg: fmt.Sprintf("failed to open event store: %v", err)}
	}
	defer store.Close()

	tracker := budget.NewTracker(store)
	ctx := context.Background()
	if err := tracker.CreateBudget(ctx, sessionID, limit, nil); err != nil {
		return &configError{msg: fmt.Sprintf("failed to create budget: %v", err)}
	}

	logger := newCLILogger()
	interceptor := llm.NewInterceptor(tracker, &subprocessProvider{cmd: modelCmd}, logger)

	session := chat.NewSession(sessionID, store, tracker, interceptor, llm.DefaultTokenCounter{}, chat.Config{MaxTokens: 8000}, logger)
	if err := session.Recover(ctx); err != nil {
		return &configError{msg: fmt.Sprintf("failed to recover session: %v", err)}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session %s ready (budget %d tokens). Type /status, /history N, /pin <id>, /checkpoint, /restore <id>, or a message.\n", sessionID, limit)

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		result, err := session.Turn(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}

		switch result.Kind {
		case "reply":
			fmt.Fprintln(out, result.Reply)
		case "budget_exhausted":
			fmt.Fprintln(out, "budget exhausted for this session; no model call made")
		case "meta_status":
			fmt.Fprintf(out, "used=%d reserved=%d limit=%d\n", result.StatusSnapshot.Used, result.StatusSnapshot.Reserved, result.StatusSnapshot.Limit)
		case "meta_checkpoint":
			fmt.Fprintf(out, "checkpoint created: %s\n", result.CheckpointID)
		case "meta_restore":
			fmt.Fprintf(out, "restored from checkpoint %s\n", result.RestoredFromID)
		case "meta_pin":
			fmt.Fprintln(out, "message pinned")
		case "meta_history":
			for _, msg := range result.HistoryMessages {
				fmt.Fprintf(out, "[%s] %s: %s\n", msg.ID, msg.Role, msg.Content)
			}
		default:
			fmt.Fprintf(out, "unhandled turn kind %q\n", result.Kind)
		}
	}

	return scanner.Err()
}
