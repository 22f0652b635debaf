// Package gate validates named post-conditions against the filesystem and
// external commands, routing every check through the path sandbox and
// secure executor so gate definitions can never be used to escape the
// workspace or spawn arbitrary shells. The result-per-gate-never-throws
// discipline mirrors the teacher's habit (seen across internal/scheduler
// and internal/ledger) of turning failure into data instead of control
// flow wherever a caller needs to keep driving a loop.
package gate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/iambrandonn/lorch/internal/pathsandbox"
	"github.com/iambrandonn/lorch/internal/secexec"
)

// Status is the outcome of one gate check.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Kind identifies which GateSpec variant is populated.
type Kind string

const (
	KindFileExists   Kind = "file_exists"
	KindCommandExit  Kind = "command_exit"
	KindNoRegexMatch Kind = "no_regex_match"
	KindValidJSON    Kind = "valid_json"
)

// FileExistsSpec passes iff Path resolves to an existing regular file.
type FileExistsSpec struct {
	Path string
}

// CommandExitSpec passes iff running Cmd (first token executable, rest
// args, no shell) exits with ExpectedExit, and, if ExpectEmptyStdout, also
// produces no stdout.
type CommandExitSpec struct {
	Cmd               string
	ExpectedExit      int
	Timeout           time.Duration
	ExpectEmptyStdout bool
}

// NoRegexMatchSpec passes iff Pattern matches nowhere in any regular file
// selected by GlobPaths.
type NoRegexMatchSpec struct {
	Pattern   string
	GlobPaths []string
}

// ValidJSONSpec passes iff Path exists and its contents parse as JSON.
type ValidJSONSpec struct {
	Path string
}

// GateSpec is a closed tagged union over the four gate variants; exactly
// one of the pointer fields matching Kind is populated.
type GateSpec struct {
	Kind         Kind
	FileExists   *FileExistsSpec
	CommandExit  *CommandExitSpec
	NoRegexMatch *NoRegexMatchSpec
	ValidJSON    *ValidJSONSpec
}

func NewFileExists(path string) GateSpec {
	return GateSpec{Kind: KindFileExists, FileExists: &FileExistsSpec{Path: path}}
}

func NewCommandExit(cmd string, expectedExit int, timeout time.Duration, expectEmptyStdout bool) GateSpec {
	return GateSpec{Kind: KindCommandExit, CommandExit: &CommandExitSpec{
		Cmd: cmd, ExpectedExit: expectedExit, Timeout: timeout, ExpectEmptyStdout: expectEmptyStdout,
	}}
}

func NewNoRegexMatch(pattern string, globPaths []string) GateSpec {
	return GateSpec{Kind: KindNoRegexMatch, NoRegexMatch: &NoRegexMatchSpec{Pattern: pattern, GlobPaths: globPaths}}
}

func NewValidJSON(path string) GateSpec {
	return GateSpec{Kind: KindValidJSON, ValidJSON: &ValidJSONSpec{Path: path}}
}

// Result is produced once per gate per validation pass.
type Result struct {
	GateType Kind
	Status   Status
	Reason   string
	Details  map[string]interface{}
}

// AllPassed reports whether every result in results has Status == passed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if r.Status != StatusPassed {
			return false
		}
	}
	return true
}

const maxSampleMatches = 5

// Engine validates GateSpecs against a workspace rooted at BaseDir, using
// Executor for CommandExit checks and the allowlist it was constructed
// with.
type Engine struct {
	BaseDir  string
	Executor *secexec.Executor
}

// NewEngine builds an Engine rooted at baseDir.
func NewEngine(baseDir string, executor *secexec.Executor) *Engine {
	return &Engine{BaseDir: baseDir, Executor: executor}
}

// ValidateAll validates every gate in gates, always returning exactly one
// Result per gate — security violations, timeouts, and I/O errors become
// failed results rather than propagated errors.
func (e *Engine) ValidateAll(ctx context.Context, gates []GateSpec) []Result {
	results := make([]Result, len(gates))
	for i, g := range gates {
		results[i] = e.validateOne(ctx, g)
	}
	return results
}

func (e *Engine) validateOne(ctx context.Context, g GateSpec) Result {
	switch g.Kind {
	case KindFileExists:
		return e.validateFileExists(g.FileExists)
	case KindCommandExit:
		return e.validateCommandExit(ctx, g.CommandExit)
	case KindNoRegexMatch:
		return e.validateNoRegexMatch(g.NoRegexMatch)
	case KindValidJSON:
		return e.validateValidJSON(g.ValidJSON)
	default:
		return Result{GateType: g.Kind, Status: StatusFailed, Reason: fmt.Sprintf("unknown gate kind %q", g.Kind)}
	}
}

func (e *Engine) validateFileExists(spec *FileExistsSpec) Result {
	result := Result{GateType: KindFileExists}
	resolved, err := pathsandbox.SafePath(e.BaseDir, spec.Path)
	if err != nil {
		result.Status = StatusFailed
		result.Reason = err.Error()
		return result
	}
	info, err := os.Stat(resolved)
	if err != nil {
		result.Status = StatusFailed
		result.Reason = fmt.Sprintf("file does not exist: %v", err)
		return result
	}
	if !info.Mode().IsRegular() {
		result.Status = StatusFailed
		result.Reason = "path exists but is not a regular file"
		return result
	}
	result.Status = StatusPassed
	return result
}

func (e *Engine) validateCommandExit(ctx context.Context, spec *CommandExitSpec) Result {
	result := Result{GateType: KindCommandExit}

	tokens := strings.Fields(spec.Cmd)
	if len(tokens) == 0 {
		result.Status = StatusFailed
		result.Reason = "empty command"
		return result
	}
	executable, args := tokens[0], tokens[1:]

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	run, err := e.Executor.Run(ctx, executable, args, e.BaseDir, timeout, secexec.SandboxConfig{})
	if err != nil {
		result.Status = StatusFailed
		result.Reason = err.Error()
		return result
	}

	if run.Exit != spec.ExpectedExit {
		result.Status = StatusFailed
		result.Reason = fmt.Sprintf("exit %d, expected %d", run.Exit, spec.ExpectedExit)
		result.Details = map[string]interface{}{"stdout": run.Stdout, "stderr": run.Stderr}
		return result
	}

	if spec.ExpectEmptyStdout && strings.TrimSpace(run.Stdout) != "" {
		result.Status = StatusFailed
		result.Reason = "expected empty stdout"
		result.Details = map[string]interface{}{"stdout": run.Stdout}
		return result
	}

	result.Status = StatusPassed
	return result
}

func (e *Engine) validateNoRegexMatch(spec *NoRegexMatchSpec) Result {
	result := Result{GateType: KindNoRegexMatch}

	pattern, err := regexp.Compile(spec.Pattern)
	if err != nil {
		result.Status = StatusFailed
		result.Reason = fmt.Sprintf("invalid pattern: %v", err)
		return result
	}

	var samples []string
	for _, globPattern := range spec.GlobPaths {
		if !pathsandbox.ValidateGlobPattern(globPattern) {
			result.Status = StatusFailed
			result.Reason = fmt.Sprintf("invalid glob pattern %q", globPattern)
			return result
		}

		matches, err := filepath.Glob(filepath.Join(e.BaseDir, globPattern))
		if err != nil {
			result.Status = StatusFailed
			result.Reason = fmt.Sprintf("glob error: %v", err)
			return result
		}

		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}

			fileSamples, err := findMatches(path, pattern)
			if err != nil {
				continue // binary or unreadable files are skipped, not failed
			}
			samples = append(samples, fileSamples...)
		}
	}

	if len(samples) > 0 {
		if len(samples) > maxSampleMatches {
			samples = samples[:maxSampleMatches]
		}
		result.Status = StatusFailed
		result.Reason = fmt.Sprintf("pattern %q matched", spec.Pattern)
		result.Details = map[string]interface{}{"samples": samples}
		return result
	}

	result.Status = StatusPassed
	return result
}

func findMatches(path string, pattern *regexp.Regexp) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var matches []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if !isValidUTF8Line(line) {
			return nil, fmt.Errorf("binary content in %s", path)
		}
		if pattern.MatchString(line) {
			matches = append(matches, fmt.Sprintf("%s:%d: %s", path, lineNum, line))
			if len(matches) >= maxSampleMatches {
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return matches, nil
}

func isValidUTF8Line(s string) bool {
	for _, r := range s {
		if r == '�' {
			return false
		}
	}
	return true
}

func (e *Engine) validateValidJSON(spec *ValidJSONSpec) Result {
	result := Result{GateType: KindValidJSON}
	resolved, err := pathsandbox.SafePath(e.BaseDir, spec.Path)
	if err != nil {
		result.Status = StatusFailed
		result.Reason = err.Error()
		return result
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		result.Status = StatusFailed
		result.Reason = fmt.Sprintf("file does not exist: %v", err)
		return result
	}

	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		result.Status = StatusFailed
		result.Reason = fmt.Sprintf("invalid JSON: %v", err)
		return result
	}

	result.Status = StatusPassed
	return result
}
