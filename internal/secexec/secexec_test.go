package secexec

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"
)

func TestRun_RejectsNonAllowlistedExecutable(t *testing.T) {
	e := NewExecutor([]string{"echo"}, nil)
	_, err := e.Run(context.Background(), "rm", []string{"-rf", "/"}, t.TempDir(), time.Second, SandboxConfig{})
	var serr *SecurityError
	if !errors.As(err, &serr) || serr.Reason != "not allowed" {
		t.Fatalf("expected not-allowed SecurityError, got %v", err)
	}
}

func TestRun_RejectsShellMetacharacters(t *testing.T) {
	e := NewExecutor([]string{"echo"}, nil)
	_, err := e.Run(context.Background(), "echo", []string{"foo; rm -rf /"}, t.TempDir(), time.Second, SandboxConfig{})
	var serr *SecurityError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SecurityError, got %v", err)
	}
}

func TestRun_RejectsEncodedMetacharacters(t *testing.T) {
	e := NewExecutor([]string{"echo"}, nil)
	// %3B decodes once to ';'
	_, err := e.Run(context.Background(), "echo", []string{"foo%3Brm"}, t.TempDir(), time.Second, SandboxConfig{})
	var serr *SecurityError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SecurityError for single-encoded metacharacter, got %v", err)
	}

	// %253B decodes twice to ';'
	_, err = e.Run(context.Background(), "echo", []string{"foo%253Brm"}, t.TempDir(), time.Second, SandboxConfig{})
	if !errors.As(err, &serr) {
		t.Fatalf("expected SecurityError for double-encoded metacharacter, got %v", err)
	}
}

func TestRun_EnforcesArgumentRules(t *testing.T) {
	rules := map[string]ArgumentRules{
		"git": {
			AllowedSubcommands: []string{"status", "diff"},
			DeniedFlags:        []string{"force"},
			DeniedPatterns:     []*regexp.Regexp{regexp.MustCompile(`^--upload-pack=`)},
		},
	}
	e := NewExecutor([]string{"git"}, rules)

	_, err := e.Run(context.Background(), "git", []string{"push", "--force"}, t.TempDir(), time.Second, SandboxConfig{})
	var serr *SecurityError
	if !errors.As(err, &serr) {
		t.Fatalf("expected subcommand rejection, got %v", err)
	}

	_, err = e.Run(context.Background(), "git", []string{"status", "--force"}, t.TempDir(), time.Second, SandboxConfig{})
	if !errors.As(err, &serr) || serr.Reason != "flag denied" {
		t.Fatalf("expected denied-flag rejection, got %v", err)
	}
}

func TestRun_SucceedsForAllowlistedEcho(t *testing.T) {
	e := NewExecutor([]string{"echo"}, nil)
	result, err := e.Run(context.Background(), "echo", []string{"hello"}, t.TempDir(), 5*time.Second, SandboxConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Exit != 0 {
		t.Errorf("exit = %d, want 0", result.Exit)
	}
}

func TestRun_Timeout(t *testing.T) {
	e := NewExecutor([]string{"sleep"}, nil)
	_, err := e.Run(context.Background(), "sleep", []string{"5"}, t.TempDir(), 50*time.Millisecond, SandboxConfig{})
	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestValidateImage_RejectsUnpinned(t *testing.T) {
	cases := []string{
		"alpine",
		"alpine:latest",
		"alpine@sha256:0000000000000000000000000000000000000000000000000000000000000000",
		"alpine@sha256:ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
	}
	for _, img := range cases {
		if err := validateImage(img); err == nil {
			t.Errorf("validateImage(%q) = nil, want error", img)
		}
	}
}

func TestValidateImage_AllowsProperlyPinnedDigest(t *testing.T) {
	good := "alpine@sha256:9a023a51daf35516a33677362d269532c8b4ad2816548b3250c88ba91e8d0469"
	if err := validateImage(good); err != nil {
		t.Errorf("validateImage(%q) = %v, want nil", good, err)
	}
}

func TestRun_RejectsUnpinnedSandboxImage(t *testing.T) {
	e := NewExecutor([]string{"echo"}, nil)
	_, err := e.Run(context.Background(), "echo", []string{"hi"}, t.TempDir(), time.Second, SandboxConfig{
		UseContainer: true,
		Image:        "alpine:latest",
	})
	if err == nil {
		t.Fatal("expected error for unpinned sandbox image")
	}
}
