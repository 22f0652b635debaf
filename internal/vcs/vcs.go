// Package vcs invokes git through internal/secexec with a small, fixed
// vocabulary (diff, merge, show, rev-parse, ls-tree, checkout, branch -D,
// add, commit -m), matching the teacher's own style of shelling out to
// external tools (internal/release's detectGitCommit/detectGoVersion)
// generalized from read-only inspection to the full merge/resolve surface
// conflict detection and resolution need.
package vcs

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/iambrandonn/lorch/internal/secexec"
)

// refPattern is the only shape a ref or branch name may take before it is
// passed to git; anything else is rejected before a process is spawned.
var refPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.\-]*$`)

// InvalidRefError is returned when a caller-supplied ref or branch name
// fails the safe-character check.
type InvalidRefError struct {
	Ref string
}

func (e *InvalidRefError) Error() string {
	return fmt.Sprintf("invalid ref or branch name: %q", e.Ref)
}

// ValidateRef checks ref against the fixed safe-character set and rejects
// any occurrence of "..".
func ValidateRef(ref string) error {
	if ref == "" || !refPattern.MatchString(ref) || strings.Contains(ref, "..") {
		return &InvalidRefError{Ref: ref}
	}
	return nil
}

const defaultTimeout = 2 * time.Minute

var gitArgumentRules = map[string]secexec.ArgumentRules{
	"git": {
		AllowedSubcommands: []string{"diff", "merge", "show", "rev-parse", "ls-tree", "checkout", "branch", "commit", "add"},
	},
}

// Repo wraps one working tree's git operations, all executed with
// RepoDir as the command's working directory.
type Repo struct {
	RepoDir  string
	Executor *secexec.Executor
	Timeout  time.Duration
}

// NewRepo builds a Repo backed by a secexec.Executor allowlisting only git,
// with the fixed subcommand vocabulary this package uses.
func NewRepo(repoDir string) *Repo {
	return &Repo{
		RepoDir:  repoDir,
		Executor: secexec.NewExecutor([]string{"git"}, gitArgumentRules),
		Timeout:  defaultTimeout,
	}
}

func (r *Repo) run(ctx context.Context, args ...string) (secexec.Result, error) {
	return r.Executor.Run(ctx, "git", args, r.RepoDir, r.Timeout, secexec.SandboxConfig{})
}

func validateRefs(refs ...string) error {
	for _, ref := range refs {
		if err := ValidateRef(ref); err != nil {
			return err
		}
	}
	return nil
}

// RevParse resolves ref to a full SHA.
func (r *Repo) RevParse(ctx context.Context, ref string) (string, error) {
	if err := validateRefs(ref); err != nil {
		return "", err
	}
	res, err := r.run(ctx, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	if res.Exit != 0 {
		return "", fmt.Errorf("git rev-parse %s: exit %d: %s", ref, res.Exit, res.Stderr)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Diff returns the raw diff output between two refs, optionally scoped to
// paths.
func (r *Repo) Diff(ctx context.Context, fromRef, toRef string, paths ...string) (string, error) {
	if err := validateRefs(fromRef, toRef); err != nil {
		return "", err
	}
	args := append([]string{"diff", fromRef, toRef}, pathSpecArgs(paths)...)
	res, err := r.run(ctx, args...)
	if err != nil {
		return "", err
	}
	if res.Exit != 0 {
		return "", fmt.Errorf("git diff %s..%s: exit %d: %s", fromRef, toRef, res.Exit, res.Stderr)
	}
	return res.Stdout, nil
}

// DiffNameOnly lists the files that differ between two refs.
func (r *Repo) DiffNameOnly(ctx context.Context, fromRef, toRef string) ([]string, error) {
	if err := validateRefs(fromRef, toRef); err != nil {
		return nil, err
	}
	res, err := r.run(ctx, "diff", "--name-only", fromRef, toRef)
	if err != nil {
		return nil, err
	}
	if res.Exit != 0 {
		return nil, fmt.Errorf("git diff --name-only %s..%s: exit %d: %s", fromRef, toRef, res.Exit, res.Stderr)
	}
	return splitLines(res.Stdout), nil
}

func pathSpecArgs(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	return append([]string{"--"}, paths...)
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// MergeResult reports whether a three-way merge attempt succeeded, and the
// conflicting paths and per-file hunk counts if it did not.
type MergeResult struct {
	Succeeded     bool
	ConflictPaths []string
	ConflictHunks map[string]int
	RawOutput     string
}

// MergeNoCommit attempts `git merge --no-ff --no-commit branchRef` and
// leaves the merge staged (or conflicted) for inspection. Callers must call
// MergeAbort when done probing, since this never commits.
func (r *Repo) MergeNoCommit(ctx context.Context, branchRef string) (MergeResult, error) {
	if err := validateRefs(branchRef); err != nil {
		return MergeResult{}, err
	}
	res, err := r.run(ctx, "merge", "--no-ff", "--no-commit", branchRef)
	if err != nil {
		return MergeResult{}, err
	}
	if res.Exit == 0 {
		return MergeResult{Succeeded: true, RawOutput: res.Stdout}, nil
	}

	conflicted, lsErr := r.conflictedPaths(ctx)
	if lsErr != nil {
		return MergeResult{}, lsErr
	}

	hunks := make(map[string]int, len(conflicted))
	for _, path := range conflicted {
		n, countErr := r.conflictHunkCount(ctx, path)
		if countErr == nil {
			hunks[path] = n
		}
	}

	return MergeResult{
		Succeeded:     false,
		ConflictPaths: conflicted,
		ConflictHunks: hunks,
		RawOutput:     res.Stdout + res.Stderr,
	}, nil
}

func (r *Repo) conflictedPaths(ctx context.Context) ([]string, error) {
	res, err := r.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if res.Exit != 0 {
		return nil, fmt.Errorf("git diff --diff-filter=U: exit %d: %s", res.Exit, res.Stderr)
	}
	return splitLines(res.Stdout), nil
}

func (r *Repo) conflictHunkCount(ctx context.Context, path string) (int, error) {
	content, err := r.Show(ctx, ":"+path)
	if err != nil {
		return 0, err
	}
	return strings.Count(content, "<<<<<<<"), nil
}

// MergeAbort runs `git merge --abort`, tolerating the case where there is
// no merge in progress.
func (r *Repo) MergeAbort(ctx context.Context) error {
	res, err := r.run(ctx, "merge", "--abort")
	if err != nil {
		return err
	}
	if res.Exit != 0 && !strings.Contains(res.Stderr, "no merge to abort") {
		return fmt.Errorf("git merge --abort: exit %d: %s", res.Exit, res.Stderr)
	}
	return nil
}

// Show runs `git show <refAndPath>` (e.g. "main:path/to/file.go") and
// returns the raw content.
func (r *Repo) Show(ctx context.Context, refAndPath string) (string, error) {
	res, err := r.run(ctx, "show", refAndPath)
	if err != nil {
		return "", err
	}
	if res.Exit != 0 {
		return "", fmt.Errorf("git show %s: exit %d: %s", refAndPath, res.Exit, res.Stderr)
	}
	return res.Stdout, nil
}

// ShowAtRef reads path's content as of ref via `git show <ref>:<path>`.
func (r *Repo) ShowAtRef(ctx context.Context, ref, path string) (string, error) {
	if err := validateRefs(ref); err != nil {
		return "", err
	}
	return r.Show(ctx, fmt.Sprintf("%s:%s", ref, path))
}

// TreeEntry is one line of `git ls-tree`.
type TreeEntry struct {
	Mode string
	Type string
	SHA  string
	Path string
}

// LsTree lists the tree entries at ref, recursively.
func (r *Repo) LsTree(ctx context.Context, ref string) ([]TreeEntry, error) {
	if err := validateRefs(ref); err != nil {
		return nil, err
	}
	res, err := r.run(ctx, "ls-tree", "-r", ref)
	if err != nil {
		return nil, err
	}
	if res.Exit != 0 {
		return nil, fmt.Errorf("git ls-tree %s: exit %d: %s", ref, res.Exit, res.Stderr)
	}

	var entries []TreeEntry
	for _, line := range splitLines(res.Stdout) {
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}
		meta := strings.Fields(fields[0])
		if len(meta) != 3 {
			continue
		}
		entries = append(entries, TreeEntry{Mode: meta[0], Type: meta[1], SHA: meta[2], Path: fields[1]})
	}
	return entries, nil
}

// Checkout switches the working tree to ref.
func (r *Repo) Checkout(ctx context.Context, ref string) error {
	if err := validateRefs(ref); err != nil {
		return err
	}
	res, err := r.run(ctx, "checkout", ref)
	if err != nil {
		return err
	}
	if res.Exit != 0 {
		return fmt.Errorf("git checkout %s: exit %d: %s", ref, res.Exit, res.Stderr)
	}
	return nil
}

// CheckoutNewBranch creates and switches to a new branch named branchName,
// starting at startRef.
func (r *Repo) CheckoutNewBranch(ctx context.Context, branchName, startRef string) error {
	if err := validateRefs(branchName, startRef); err != nil {
		return err
	}
	res, err := r.run(ctx, "checkout", "-b", branchName, startRef)
	if err != nil {
		return err
	}
	if res.Exit != 0 {
		return fmt.Errorf("git checkout -b %s %s: exit %d: %s", branchName, startRef, res.Exit, res.Stderr)
	}
	return nil
}

// DeleteBranch force-deletes branchName via `git branch -D`.
func (r *Repo) DeleteBranch(ctx context.Context, branchName string) error {
	if err := validateRefs(branchName); err != nil {
		return err
	}
	res, err := r.run(ctx, "branch", "-D", branchName)
	if err != nil {
		return err
	}
	if res.Exit != 0 {
		return fmt.Errorf("git branch -D %s: exit %d: %s", branchName, res.Exit, res.Stderr)
	}
	return nil
}

// Commit records the current index with message via `git commit -m`.
func (r *Repo) Commit(ctx context.Context, message string) error {
	res, err := r.run(ctx, "commit", "-m", message)
	if err != nil {
		return err
	}
	if res.Exit != 0 {
		return fmt.Errorf("git commit: exit %d: %s", res.Exit, res.Stderr)
	}
	return nil
}

// ResolveOursAndAdd resolves path in favor of the current side (`git
// checkout --ours <path>` followed by staging it), used by candidate
// generation under every strategy to silently take "ours" on later
// conflicts.
func (r *Repo) ResolveOursAndAdd(ctx context.Context, path string) error {
	res, err := r.run(ctx, "checkout", "--ours", "--", path)
	if err != nil {
		return err
	}
	if res.Exit != 0 {
		return fmt.Errorf("git checkout --ours %s: exit %d: %s", path, res.Exit, res.Stderr)
	}
	addRes, err := r.run(ctx, "add", path)
	if err != nil {
		return err
	}
	if addRes.Exit != 0 {
		return fmt.Errorf("git add %s: exit %d: %s", path, addRes.Exit, addRes.Stderr)
	}
	return nil
}
