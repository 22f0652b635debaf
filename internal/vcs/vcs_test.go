package vcs

import "testing"

func TestValidateRef_RejectsTraversalAndUnsafeChars(t *testing.T) {
	cases := []string{"", "../evil", "main..x", "branch; rm -rf /", "-flag-looking", "ok/but..bad"}
	for _, ref := range cases {
		if err := ValidateRef(ref); err == nil {
			t.Errorf("ValidateRef(%q): expected error", ref)
		}
	}
}

func TestValidateRef_AllowsNormalNames(t *testing.T) {
	cases := []string{"main", "feature/agent-1", "release-1.2.3", "HEAD", "refs/heads/main"}
	for _, ref := range cases {
		if err := ValidateRef(ref); err != nil {
			t.Errorf("ValidateRef(%q): unexpected error %v", ref, err)
		}
	}
}

func TestRevParse_RejectsInvalidRef(t *testing.T) {
	repo := NewRepo(t.TempDir())
	if _, err := repo.RevParse(t.Context(), "../escape"); err == nil {
		t.Fatal("expected error for invalid ref")
	}
}

func TestDiff_RejectsInvalidRefs(t *testing.T) {
	repo := NewRepo(t.TempDir())
	if _, err := repo.Diff(t.Context(), "main", "..bad"); err == nil {
		t.Fatal("expected error for invalid ref")
	}
}

func TestCheckoutNewBranch_RejectsInvalidBranchName(t *testing.T) {
	repo := NewRepo(t.TempDir())
	if err := repo.CheckoutNewBranch(t.Context(), "ok; rm -rf /", "main"); err == nil {
		t.Fatal("expected error for unsafe branch name")
	}
}

func TestDeleteBranch_RejectsInvalidName(t *testing.T) {
	repo := NewRepo(t.TempDir())
	if err := repo.DeleteBranch(t.Context(), "../etc"); err == nil {
		t.Fatal("expected error for unsafe branch name")
	}
}

func TestSplitLines(t *testing.T) {
	got := splitLines("a\nb\n\nc\n")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("splitLines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitLines[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
