package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/lorch/internal/approval"
	"github.com/iambrandonn/lorch/internal/checksum"
	"github.com/iambrandonn/lorch/internal/worklog"
)

// approveCmd authenticates a human sign-off on an escalated gate or
// conflict resolution and records the outcome in the narrative log. It
// is the CLI surface for internal/approval: the approver's GitHub
// OAuth token is verified against the GitHub API, the resulting
// identity signs an approval over the target artifact's hash, and that
// approval is immediately validated (signature, expiry, authorization,
// replay) the same way a gate consuming a transmitted approval would.
var approveCmd = &cobra.Command{
	Use:   "approve <workflow_id> <gate_id> <artifact_path>",
	Short: "Authenticate and record a human approval for an escalated gate or resolution",
	Args:  cobra.ExactArgs(3),
	RunE:  runApprove,
}

func init() {
	approveCmd.Flags().StringSlice("required-approver", nil, "identities authorized to grant this approval (repeatable)")
	approveCmd.Flags().String("token", "", "approver's GitHub OAuth token")
	approveCmd.Flags().Duration("ttl", time.Hour, "how long the approval request remains valid")
	approveCmd.Flags().String("signing-key-env", "LORCH_APPROVAL_SIGNING_KEY", "environment variable holding the HMAC signing key")
}

func runApprove(cmd *cobra.Command, args []string) error {
	logger := newCLILogger()
	workflowID, gateID, artifactPath := args[0], args[1], args[2]

	workdir, err := cmd.Flags().GetString("workdir")
	if err != nil {
		return &configError{msg: err.Error()}
	}
	requiredApprovers, _ := cmd.Flags().GetStringSlice("required-approver")
	if len(requiredApprovers) == 0 {
		return &configError{msg: "at least one --required-approver is required"}
	}
	token, err := cmd.Flags().GetString("token")
	if err != nil {
		return &configError{msg: err.Error()}
	}
	if token == "" {
		return &configError{msg: "--token is required"}
	}
	ttl, err := cmd.Flags().GetDuration("ttl")
	if err != nil {
		return &configError{msg: err.Error()}
	}
	signingKeyEnv, err := cmd.Flags().GetString("signing-key-env")
	if err != nil {
		return &configError{msg: err.Error()}
	}
	signingKey := os.Getenv(signingKeyEnv)
	if signingKey == "" {
		return &configError{msg: fmt.Sprintf("environment variable %s is not set", signingKeyEnv)}
	}

	artifactHash, err := checksum.SHA256File(artifactPath)
	if err != nil {
		return &configError{msg: fmt.Sprintf("failed to hash artifact %s: %v", artifactPath, err)}
	}

	log, err := worklog.Open(workdir, logger)
	if err != nil {
		return &configError{msg: fmt.Sprintf("failed to open narrative log: %v", err)}
	}
	defer log.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	auth := approval.NewAuthenticator([]byte(signingKey), 24*time.Hour)

	identity, err := auth.Authenticate(ctx, token)
	if err != nil {
		return &configError{msg: fmt.Sprintf("failed to look up approver identity: %v", err)}
	}
	if identity == "" {
		log.ApprovalDenied(workflowID, "approver token did not resolve to a GitHub identity", map[string]any{"gate_id": gateID})
		return &escalationError{msg: "approver token is invalid or expired"}
	}

	now := time.Now().UTC()
	request := approval.Request{
		ID:                workflowID + ":" + gateID,
		WorkflowID:        workflowID,
		GateID:            gateID,
		ArtifactHash:      artifactHash,
		RequiredApprovers: requiredApprovers,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
	}

	signed, err := approval.Create(request, identity, []byte(signingKey))
	if err != nil {
		return &configError{msg: fmt.Sprintf("failed to sign approval: %v", err)}
	}

	if err := auth.ValidateApproval(signed, request); err != nil {
		log.ApprovalDenied(workflowID, fmt.Sprintf("approval rejected: %v", err), map[string]any{
			"gate_id":  gateID,
			"approver": identity,
		})
		return &escalationError{msg: fmt.Sprintf("approval rejected: %v", err)}
	}

	log.ApprovalGranted(workflowID, fmt.Sprintf("approved by %s", identity), map[string]any{
		"gate_id":       gateID,
		"approver":      identity,
		"artifact_hash": artifactHash,
		"request_id":    request.ID,
	})
	fmt.Fprintf(cmd.OutOrStdout(), "approved: workflow=%s gate=%s approver=%s\n", workflowID, gateID, identity)
	return nil
}
