// Package approval authenticates human approvals for gates that
// require sign-off before a workflow proceeds (a manual gate, or an
// escalated conflict resolution). An approval is signed with
// HMAC-SHA256 over the request it answers, the approver's identity,
// and a one-time nonce, so a captured approval can't be replayed
// against a different request, a different approver, or a second time
// against the same one. Grounded on the pack's Python
// ApprovalAuthenticator (HMAC signing, GitHub OAuth identity check,
// nonce-based replay protection), adapted to Go's crypto/hmac and
// net/http.
package approval

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// InvalidSignatureError is raised when an approval's signature does
// not match its claimed fields, or the approval has expired, or its
// artifact hash no longer matches the request it answers.
type InvalidSignatureError struct {
	Reason string
}

func (e *InvalidSignatureError) Error() string { return "invalid approval signature: " + e.Reason }

// UnauthorizedApproverError is raised when the signing identity is not
// in the request's required-approvers list.
type UnauthorizedApproverError struct {
	Approver          string
	RequiredApprovers []string
}

func (e *UnauthorizedApproverError) Error() string {
	return fmt.Sprintf("approver %q not in required approvers: %s", e.Approver, strings.Join(e.RequiredApprovers, ", "))
}

// ReplayAttackError is raised when an approval's nonce has already
// been consumed.
type ReplayAttackError struct {
	Nonce string
}

func (e *ReplayAttackError) Error() string { return "nonce already used: " + e.Nonce }

// Request is a request for human approval of some artifact (a gate
// result, a conflict resolution) identified by its SHA-256 hash.
type Request struct {
	ID                string
	WorkflowID        string
	GateID            string
	ArtifactHash      string
	RequiredApprovers []string
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// Approval is a signed response to a Request.
type Approval struct {
	RequestID    string
	ApprovedBy   string
	ApprovedAt   time.Time
	ArtifactHash string
	Nonce        string
	Signature    string
}

// Create builds a signed Approval binding request_id, approver,
// artifact_hash, a fresh random nonce, and the current time. This
// binding is what prevents the approval from being valid for a
// different request, a different approver, different content, or a
// replayed/backdated send.
func Create(request Request, approver string, signingKey []byte) (Approval, error) {
	nonce, err := randomNonce()
	if err != nil {
		return Approval{}, fmt.Errorf("failed to generate approval nonce: %w", err)
	}

	a := Approval{
		RequestID:    request.ID,
		ApprovedBy:   approver,
		ApprovedAt:   time.Now().UTC(),
		ArtifactHash: request.ArtifactHash,
		Nonce:        nonce,
	}
	a.Signature = a.computeSignature(signingKey)
	return a, nil
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (a Approval) computeSignature(signingKey []byte) string {
	payload := fmt.Sprintf("%s:%s:%s:%s:%s",
		a.RequestID, a.ApprovedBy, a.ArtifactHash, a.Nonce, a.ApprovedAt.Format(time.RFC3339Nano))
	mac := hmac.New(sha256.New, signingKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the approval's signature matches its fields,
// comparing in constant time.
func (a Approval) Verify(signingKey []byte) bool {
	expected := a.computeSignature(signingKey)
	return hmac.Equal([]byte(expected), []byte(a.Signature))
}

// Authenticator verifies approver identity and validates approvals:
// signature, expiration, artifact-hash match, approver authorization,
// and nonce replay protection.
type Authenticator struct {
	SigningKey  []byte
	NonceExpiry time.Duration
	HTTPClient  *http.Client

	mu         sync.Mutex
	usedNonces map[string]time.Time
}

// NewAuthenticator builds an Authenticator. nonceExpiry controls how
// long a consumed nonce is remembered before it's eligible for
// garbage collection; signingKey should be 32+ bytes.
func NewAuthenticator(signingKey []byte, nonceExpiry time.Duration) *Authenticator {
	if nonceExpiry <= 0 {
		nonceExpiry = 24 * time.Hour
	}
	return &Authenticator{
		SigningKey:  signingKey,
		NonceExpiry: nonceExpiry,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		usedNonces:  make(map[string]time.Time),
	}
}

type githubUser struct {
	Login string `json:"login"`
}

// Authenticate verifies a GitHub OAuth token against the GitHub API
// and returns the associated username. An invalid or unverifiable
// token returns an empty identity and a nil error, matching the
// fail-closed behavior of is_authorized against an empty identity.
func (auth *Authenticator) Authenticate(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/user", nil)
	if err != nil {
		return "", fmt.Errorf("failed to build GitHub identity request: %w", err)
	}
	req.Header.Set("Authorization", "token "+token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := auth.HTTPClient.Do(req)
	if err != nil {
		return "", nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil
	}

	var user githubUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", nil
	}
	return user.Login, nil
}

// IsAuthorized reports whether identity appears in requiredApprovers.
func (auth *Authenticator) IsAuthorized(identity string, requiredApprovers []string) bool {
	for _, a := range requiredApprovers {
		if a == identity {
			return true
		}
	}
	return false
}

// UseNonce marks a nonce as consumed, returning ReplayAttackError if
// it was already used.
func (auth *Authenticator) UseNonce(nonce string) error {
	auth.mu.Lock()
	defer auth.mu.Unlock()

	auth.cleanupExpiredNoncesLocked()

	if _, used := auth.usedNonces[nonce]; used {
		return &ReplayAttackError{Nonce: nonce}
	}
	auth.usedNonces[nonce] = time.Now().UTC()
	return nil
}

func (auth *Authenticator) cleanupExpiredNoncesLocked() {
	cutoff := time.Now().UTC().Add(-auth.NonceExpiry)
	for nonce, ts := range auth.usedNonces {
		if ts.Before(cutoff) {
			delete(auth.usedNonces, nonce)
		}
	}
}

// ValidateApproval runs the full approval check: signature, expiry,
// artifact hash match, approver authorization, then nonce replay
// protection (checked last, since it has a side effect).
func (auth *Authenticator) ValidateApproval(approval Approval, request Request) error {
	if !approval.Verify(auth.SigningKey) {
		return &InvalidSignatureError{Reason: "signature does not match approval fields"}
	}

	if time.Now().UTC().After(request.ExpiresAt) {
		return &InvalidSignatureError{Reason: fmt.Sprintf("approval request expired at %s", request.ExpiresAt.Format(time.RFC3339))}
	}

	if approval.ArtifactHash != request.ArtifactHash {
		return &InvalidSignatureError{Reason: "artifact hash mismatch; content changed since approval was requested"}
	}

	if !auth.IsAuthorized(approval.ApprovedBy, request.RequiredApprovers) {
		return &UnauthorizedApproverError{Approver: approval.ApprovedBy, RequiredApprovers: request.RequiredApprovers}
	}

	if err := auth.UseNonce(approval.Nonce); err != nil {
		return err
	}

	return nil
}
