package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newRequest() Request {
	now := time.Now().UTC()
	return Request{
		ID:                "req-1",
		WorkflowID:        "wf-1",
		GateID:            "deploy-approval",
		ArtifactHash:      "sha256:abc123",
		RequiredApprovers: []string{"alice", "bob"},
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Hour),
	}
}

func TestCreate_ProducesVerifiableSignature(t *testing.T) {
	req := newRequest()
	a, err := Create(req, "alice", testKey)
	require.NoError(t, err)

	assert.Equal(t, req.ID, a.RequestID)
	assert.Equal(t, "alice", a.ApprovedBy)
	assert.Equal(t, req.ArtifactHash, a.ArtifactHash)
	assert.NotEmpty(t, a.Nonce)
	assert.True(t, a.Verify(testKey))
}

func TestVerify_RejectsTamperedApprover(t *testing.T) {
	req := newRequest()
	a, err := Create(req, "alice", testKey)
	require.NoError(t, err)

	a.ApprovedBy = "mallory"
	assert.False(t, a.Verify(testKey))
}

func TestVerify_RejectsWrongKey(t *testing.T) {
	req := newRequest()
	a, err := Create(req, "alice", testKey)
	require.NoError(t, err)

	assert.False(t, a.Verify([]byte("a different signing key entirely")))
}

func TestValidateApproval_HappyPath(t *testing.T) {
	req := newRequest()
	a, err := Create(req, "alice", testKey)
	require.NoError(t, err)

	auth := NewAuthenticator(testKey, time.Hour)
	assert.NoError(t, auth.ValidateApproval(a, req))
}

func TestValidateApproval_InvalidSignature(t *testing.T) {
	req := newRequest()
	a, err := Create(req, "alice", testKey)
	require.NoError(t, err)
	a.Signature = "deadbeef"

	auth := NewAuthenticator(testKey, time.Hour)
	err = auth.ValidateApproval(a, req)
	require.Error(t, err)
	var sigErr *InvalidSignatureError
	assert.ErrorAs(t, err, &sigErr)
}

func TestValidateApproval_Expired(t *testing.T) {
	req := newRequest()
	req.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	a, err := Create(req, "alice", testKey)
	require.NoError(t, err)

	auth := NewAuthenticator(testKey, time.Hour)
	err = auth.ValidateApproval(a, req)
	require.Error(t, err)
	var sigErr *InvalidSignatureError
	assert.ErrorAs(t, err, &sigErr)
}

func TestValidateApproval_ArtifactHashMismatch(t *testing.T) {
	req := newRequest()
	a, err := Create(req, "alice", testKey)
	require.NoError(t, err)
	a.ArtifactHash = "sha256:different"
	// signature was computed over the original hash, so this also fails
	// verification; recompute it to isolate the hash-mismatch check.
	a.Signature = a.computeSignature(testKey)

	auth := NewAuthenticator(testKey, time.Hour)
	err = auth.ValidateApproval(a, req)
	require.Error(t, err)
	var sigErr *InvalidSignatureError
	assert.ErrorAs(t, err, &sigErr)
}

func TestValidateApproval_UnauthorizedApprover(t *testing.T) {
	req := newRequest()
	a, err := Create(req, "mallory", testKey)
	require.NoError(t, err)

	auth := NewAuthenticator(testKey, time.Hour)
	err = auth.ValidateApproval(a, req)
	require.Error(t, err)
	var unauthErr *UnauthorizedApproverError
	assert.ErrorAs(t, err, &unauthErr)
}

func TestValidateApproval_ReplayRejected(t *testing.T) {
	req := newRequest()
	a, err := Create(req, "alice", testKey)
	require.NoError(t, err)

	auth := NewAuthenticator(testKey, time.Hour)
	require.NoError(t, auth.ValidateApproval(a, req))

	err = auth.ValidateApproval(a, req)
	require.Error(t, err)
	var replayErr *ReplayAttackError
	assert.ErrorAs(t, err, &replayErr)
}

func TestIsAuthorized(t *testing.T) {
	auth := NewAuthenticator(testKey, time.Hour)
	assert.True(t, auth.IsAuthorized("alice", []string{"alice", "bob"}))
	assert.False(t, auth.IsAuthorized("mallory", []string{"alice", "bob"}))
}

func TestAuthenticate_UnreachableHostReturnsEmptyIdentity(t *testing.T) {
	auth := NewAuthenticator(testKey, time.Hour)
	auth.HTTPClient.Timeout = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	identity, err := auth.Authenticate(ctx, "token-does-not-matter")
	assert.NoError(t, err)
	assert.Empty(t, identity)
}
