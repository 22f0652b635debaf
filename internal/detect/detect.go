// Package detect runs the staged conflict-detection pipeline over a set of
// agent branches being merged into a base: textual preview, build/test of
// the merged tree, dependency-manifest diffing, and a lightweight semantic
// pass over changed symbols and domains. It is grounded on the ideas in
// the teacher's former discovery heuristics (path-pattern based
// classification) reworked around internal/vcs instead of natural-language
// task intake, and uses internal/secexec for every build/test subprocess.
package detect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iambrandonn/lorch/internal/secexec"
	"github.com/iambrandonn/lorch/internal/vcs"
)

// ConflictType classifies the dominant kind of conflict a run surfaced.
type ConflictType string

const (
	ConflictNone       ConflictType = "none"
	ConflictTextual    ConflictType = "textual"
	ConflictSemantic   ConflictType = "semantic"
	ConflictDependency ConflictType = "dependency"
)

// Severity ranks how disruptive a detected conflict is.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RecommendedAction is the pipeline's verdict on how to proceed.
type RecommendedAction string

const (
	ActionFastMerge   RecommendedAction = "fast_merge"
	ActionAutoResolve RecommendedAction = "auto_resolve"
	ActionEscalate    RecommendedAction = "escalate"
)

// RiskFlag labels a property of a conflicting file that escalates severity.
type RiskFlag string

const (
	RiskSecurity    RiskFlag = "security"
	RiskAuth        RiskFlag = "auth"
	RiskDBMigration RiskFlag = "db_migration"
	RiskPublicAPI   RiskFlag = "public_api"
	RiskCI          RiskFlag = "ci"
)

var riskPatterns = []struct {
	pattern *regexp.Regexp
	flag    RiskFlag
}{
	{regexp.MustCompile(`(?i)(security|crypto|credential)`), RiskSecurity},
	{regexp.MustCompile(`(?i)(auth|session)`), RiskAuth},
	{regexp.MustCompile(`(?i)(schema|migration)`), RiskDBMigration},
	{regexp.MustCompile(`(?i)(api/|routes?/|/api)`), RiskPublicAPI},
	{regexp.MustCompile(`(?i)(^|/)\.github/workflows/`), RiskCI},
}

// ClassifyRiskFlags maps a path to the risk flags its path pattern implies.
func ClassifyRiskFlags(path string) []RiskFlag {
	var flags []RiskFlag
	for _, rp := range riskPatterns {
		if rp.pattern.MatchString(path) {
			flags = append(flags, rp.flag)
		}
	}
	return flags
}

var criticalFlags = map[RiskFlag]bool{RiskSecurity: true, RiskAuth: true, RiskDBMigration: true}

// HasCriticalRiskFlag reports whether any flag in flags is one of the
// critical set (security, auth, db_migration) that forces escalation
// elsewhere in this pipeline. Exported so downstream stages (resolution
// Stage 6's runner-up gate) can apply the same critical-risk test
// independently of the detection pipeline's own recommendation.
func HasCriticalRiskFlag(flags []RiskFlag) bool {
	for _, f := range flags {
		if criticalFlags[f] {
			return true
		}
	}
	return false
}

// domainPatterns maps a fixed domain vocabulary to path substrings, used by
// the semantic stage to flag overlapping areas of the codebase.
var domainPatterns = map[string]*regexp.Regexp{
	"auth":          regexp.MustCompile(`(?i)(^|/)auth`),
	"database":      regexp.MustCompile(`(?i)(^|/)(db|database|models?)/`),
	"api":           regexp.MustCompile(`(?i)(^|/)api/`),
	"ui":            regexp.MustCompile(`(?i)(^|/)(ui|components|views)/`),
	"payments":      regexp.MustCompile(`(?i)(^|/)(payments?|billing)`),
	"notifications": regexp.MustCompile(`(?i)(^|/)notifications?/`),
	"search":        regexp.MustCompile(`(?i)(^|/)search/`),
	"cache":         regexp.MustCompile(`(?i)(^|/)cache/`),
	"config":        regexp.MustCompile(`(?i)(^|/)config/`),
	"tests":         regexp.MustCompile(`(?i)(_test\.|/tests?/|\.test\.)`),
}

func classifyDomains(path string) []string {
	var domains []string
	for domain, pattern := range domainPatterns {
		if pattern.MatchString(path) {
			domains = append(domains, domain)
		}
	}
	sort.Strings(domains)
	return domains
}

// TextualConflict records one conflicting file from the stage-1 preview.
type TextualConflict struct {
	Path      string
	HunkCount int
	RiskFlags []RiskFlag
}

// DependencyConflict flags two branches declaring incompatible versions of
// the same package.
type DependencyConflict struct {
	Manifest     string
	Package      string
	Versions     map[string]string // branch -> declared version
	ConflictType string             // "incompatible"
	Severity     Severity
}

// SymbolOverlap flags the same top-level symbol name changed on more than
// one branch.
type SymbolOverlap struct {
	Symbol   string
	File     string
	Branches []string
}

// DomainOverlap flags more than one branch touching the same fixed-domain
// area.
type DomainOverlap struct {
	Domain   string
	Branches []string
}

// BuildOutcome records the result of building and testing the merged tree.
type BuildOutcome struct {
	ProjectKind  string
	BuildPassed  bool
	BuildOutput  string
	TestsPassed  int
	TestsFailed  int
	TestsSkipped int
	TestOutput   string
}

// PipelineResult is the combined output of all stages.
type PipelineResult struct {
	HasConflicts        bool
	ConflictType        ConflictType
	Severity            Severity
	RiskFlags           []RiskFlag
	RecommendedAction   RecommendedAction
	TextualConflicts    []TextualConflict
	Build               *BuildOutcome
	DependencyConflicts []DependencyConflict
	SymbolOverlaps      []SymbolOverlap
	DomainOverlaps      []DomainOverlap
	APIChanges          []string
}

// Pipeline runs detection against one repository. It reports raw
// passed/failed/skipped counts parsed from build-tool output; detection
// runs before any individual test identity is known, so flaky-test
// smoothing is applied later, per test name, during the resolution
// pipeline's tiered validation rather than here.
type Pipeline struct {
	Repo         *vcs.Repo
	Executor     *secexec.Executor
	BuildTimeout time.Duration
	TestTimeout  time.Duration
}

const (
	defaultBuildTimeout = 5 * time.Minute
	defaultTestTimeout  = 5 * time.Minute
)

// NewPipeline builds a Pipeline. executor must allowlist the toolchains the
// repository's detected project kind needs (npm, cargo, go, make, cmake,
// python3).
func NewPipeline(repo *vcs.Repo, executor *secexec.Executor) *Pipeline {
	return &Pipeline{
		Repo:         repo,
		Executor:     executor,
		BuildTimeout: defaultBuildTimeout,
		TestTimeout:  defaultTestTimeout,
	}
}

// Run executes all four stages for agentBranches (agent id -> branch ref)
// against baseRef, short-circuiting only when stage 1 finds a critical
// textual conflict.
func (p *Pipeline) Run(ctx context.Context, baseRef string, agentBranches map[string]string) (PipelineResult, error) {
	var result PipelineResult

	textual, critical, err := p.textualStage(ctx, baseRef, agentBranches)
	if err != nil {
		return result, fmt.Errorf("textual stage: %w", err)
	}
	result.TextualConflicts = textual
	for _, tc := range textual {
		result.RiskFlags = append(result.RiskFlags, tc.RiskFlags...)
	}

	if len(textual) > 0 {
		result.HasConflicts = true
		result.ConflictType = ConflictTextual
	}

	if critical {
		result.Severity = SeverityCritical
		result.RecommendedAction = ActionEscalate
		return result, nil
	}

	build, err := p.buildStage(ctx, baseRef, agentBranches)
	if err != nil {
		return result, fmt.Errorf("build stage: %w", err)
	}
	result.Build = build
	if build != nil && (!build.BuildPassed || build.TestsFailed > 0) {
		result.HasConflicts = true
		if result.ConflictType == "" {
			result.ConflictType = ConflictTextual
		}
	}

	depConflicts, err := p.dependencyStage(ctx, baseRef, agentBranches)
	if err != nil {
		return result, fmt.Errorf("dependency stage: %w", err)
	}
	result.DependencyConflicts = depConflicts
	if len(depConflicts) > 0 {
		result.HasConflicts = true
		if result.ConflictType == "" || result.ConflictType == ConflictNone {
			result.ConflictType = ConflictDependency
		}
	}

	symbolOverlaps, domainOverlaps, apiChanges, err := p.semanticStage(ctx, baseRef, agentBranches)
	if err != nil {
		return result, fmt.Errorf("semantic stage: %w", err)
	}
	result.SymbolOverlaps = symbolOverlaps
	result.DomainOverlaps = domainOverlaps
	result.APIChanges = apiChanges
	if len(symbolOverlaps) > 0 || len(domainOverlaps) > 0 {
		result.HasConflicts = true
		if result.ConflictType == "" || result.ConflictType == ConflictNone {
			result.ConflictType = ConflictSemantic
		}
	}

	result.Severity = severityFor(result)
	result.RecommendedAction = recommendAction(result)

	return result, nil
}

func severityFor(r PipelineResult) Severity {
	if HasCriticalRiskFlag(r.RiskFlags) {
		return SeverityCritical
	}
	if !r.HasConflicts {
		return SeverityNone
	}
	totalHunks := 0
	for _, tc := range r.TextualConflicts {
		totalHunks += tc.HunkCount
	}
	for _, dc := range r.DependencyConflicts {
		if dc.Severity == SeverityHigh {
			return SeverityHigh
		}
	}
	switch {
	case totalHunks > 20:
		return SeverityHigh
	case totalHunks > 5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func recommendAction(r PipelineResult) RecommendedAction {
	if r.Severity == SeverityCritical || HasCriticalRiskFlag(r.RiskFlags) {
		return ActionEscalate
	}
	if !r.HasConflicts {
		return ActionFastMerge
	}
	if r.Severity == SeverityHigh {
		return ActionEscalate
	}
	return ActionAutoResolve
}

// textualStage previews a merge of each branch into an ephemeral copy of
// base, one at a time, collecting conflicting paths and hunk counts. It
// never mutates base or the caller's current branch: each preview is
// aborted and its scratch branch deleted before moving to the next.
func (p *Pipeline) textualStage(ctx context.Context, baseRef string, agentBranches map[string]string) ([]TextualConflict, bool, error) {
	var conflicts []TextualConflict
	critical := false

	for _, branchRef := range sortedBranches(agentBranches) {
		scratch := "detect-preview-" + uuid.NewString()
		if err := p.Repo.CheckoutNewBranch(ctx, scratch, baseRef); err != nil {
			return nil, false, err
		}

		mergeResult, err := p.Repo.MergeNoCommit(ctx, branchRef)
		cleanupErr := p.Repo.MergeAbort(ctx)
		_ = cleanupErr // best-effort: nothing to abort on a clean merge
		checkoutErr := p.Repo.Checkout(ctx, baseRef)
		deleteErr := p.Repo.DeleteBranch(ctx, scratch)
		if checkoutErr != nil || deleteErr != nil {
			return nil, false, fmt.Errorf("failed to clean up scratch branch %s", scratch)
		}
		if err != nil {
			return nil, false, err
		}

		for _, path := range mergeResult.ConflictPaths {
			flags := ClassifyRiskFlags(path)
			conflicts = append(conflicts, TextualConflict{
				Path:      path,
				HunkCount: mergeResult.ConflictHunks[path],
				RiskFlags: flags,
			})
			for _, f := range flags {
				if criticalFlags[f] {
					critical = true
				}
			}
		}
	}

	return conflicts, critical, nil
}

// buildStage merges every branch into one ephemeral branch off base, in
// order, then builds and tests it. The scratch branch is always deleted,
// even on error.
func (p *Pipeline) buildStage(ctx context.Context, baseRef string, agentBranches map[string]string) (outcome *BuildOutcome, err error) {
	scratch := "detect-build-" + uuid.NewString()
	if err := p.Repo.CheckoutNewBranch(ctx, scratch, baseRef); err != nil {
		return nil, err
	}
	defer func() {
		_ = p.Repo.Checkout(ctx, baseRef)
		_ = p.Repo.DeleteBranch(ctx, scratch)
	}()

	for _, branchRef := range sortedBranches(agentBranches) {
		result, mergeErr := p.Repo.MergeNoCommit(ctx, branchRef)
		if mergeErr != nil {
			return nil, mergeErr
		}
		if !result.Succeeded {
			_ = p.Repo.MergeAbort(ctx)
			return nil, fmt.Errorf("textual merge of %s failed during build stage", branchRef)
		}
		if commitErr := p.Repo.Commit(ctx, fmt.Sprintf("merge %s", branchRef)); commitErr != nil {
			return nil, commitErr
		}
	}

	kind, ok := detectProjectKind(p.Repo.RepoDir)
	if !ok {
		return &BuildOutcome{ProjectKind: "unknown"}, nil
	}

	outcome = &BuildOutcome{ProjectKind: string(kind)}

	buildExec, buildArgs, ok := buildCommand(kind)
	if ok {
		res, runErr := p.Executor.Run(ctx, buildExec, buildArgs, p.Repo.RepoDir, p.BuildTimeout, secexec.SandboxConfig{})
		if runErr != nil {
			return nil, runErr
		}
		outcome.BuildPassed = res.Exit == 0
		outcome.BuildOutput = res.Stdout + res.Stderr
	} else {
		outcome.BuildPassed = true
	}

	if !outcome.BuildPassed {
		return outcome, nil
	}

	testExec, testArgs, ok := testCommand(kind)
	if ok {
		res, runErr := p.Executor.Run(ctx, testExec, testArgs, p.Repo.RepoDir, p.TestTimeout, secexec.SandboxConfig{})
		if runErr != nil {
			return nil, runErr
		}
		outcome.TestOutput = res.Stdout + res.Stderr
		outcome.TestsPassed, outcome.TestsFailed, outcome.TestsSkipped = parseTestCounts(outcome.TestOutput)
	}

	return outcome, nil
}

type projectKind string

const (
	projectNode   projectKind = "node-project"
	projectRust   projectKind = "rust-project"
	projectPython projectKind = "python-project"
	projectGo     projectKind = "go-project"
	projectMake   projectKind = "make"
	projectCMake  projectKind = "cmake"
)

var projectMarkers = []struct {
	file string
	kind projectKind
}{
	{"package.json", projectNode},
	{"Cargo.toml", projectRust},
	{"go.mod", projectGo},
	{"requirements.txt", projectPython},
	{"pyproject.toml", projectPython},
	{"Makefile", projectMake},
	{"CMakeLists.txt", projectCMake},
}

func detectProjectKind(repoDir string) (projectKind, bool) {
	for _, marker := range projectMarkers {
		if _, err := os.Stat(filepath.Join(repoDir, marker.file)); err == nil {
			return marker.kind, true
		}
	}
	return "", false
}

func buildCommand(kind projectKind) (string, []string, bool) {
	switch kind {
	case projectNode:
		return "npm", []string{"run", "build"}, true
	case projectRust:
		return "cargo", []string{"build"}, true
	case projectGo:
		return "go", []string{"build", "./..."}, true
	case projectMake:
		return "make", nil, true
	case projectCMake:
		return "cmake", []string{"--build", "."}, true
	default:
		return "", nil, false
	}
}

func testCommand(kind projectKind) (string, []string, bool) {
	switch kind {
	case projectNode:
		return "npm", []string{"test"}, true
	case projectRust:
		return "cargo", []string{"test"}, true
	case projectGo:
		return "go", []string{"test", "./..."}, true
	case projectPython:
		return "python3", []string{"-m", "pytest"}, true
	default:
		return "", nil, false
	}
}

var testSummaryPattern = regexp.MustCompile(`(?i)(\d+)\s+passed|(\d+)\s+failed|(\d+)\s+skipped`)

// parseTestCounts extracts passed/failed/skipped counts from common test
// runner summary lines (pytest, npm/jest and cargo test print a
// "N passed"/"N failed"/"N skipped"-shaped line somewhere in their
// output); unrecognized output, including go test's, is treated as zero
// of each.
func parseTestCounts(output string) (passed, failed, skipped int) {
	for _, match := range testSummaryPattern.FindAllStringSubmatch(output, -1) {
		switch {
		case match[1] != "":
			passed += atoi(match[1])
		case match[2] != "":
			failed += atoi(match[2])
		case match[3] != "":
			skipped += atoi(match[3])
		}
	}
	return passed, failed, skipped
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}

func sortedBranches(agentBranches map[string]string) []string {
	agentIDs := make([]string, 0, len(agentBranches))
	for id := range agentBranches {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)
	refs := make([]string, 0, len(agentIDs))
	for _, id := range agentIDs {
		refs = append(refs, agentBranches[id])
	}
	return refs
}

var manifestFiles = map[string]string{
	"package.json":     "npm",
	"requirements.txt": "pip",
	"Cargo.toml":       "cargo",
	"go.mod":           "go",
}

var versionLinePatterns = map[string]*regexp.Regexp{
	"npm":   regexp.MustCompile(`"([^"]+)"\s*:\s*"([^"]+)"`),
	"pip":   regexp.MustCompile(`(?m)^([A-Za-z0-9_.\-]+)\s*[=<>!~]+\s*([0-9][A-Za-z0-9_.\-]*)`),
	"cargo": regexp.MustCompile(`(?m)^([A-Za-z0-9_\-]+)\s*=\s*"([^"]+)"`),
	"go":    regexp.MustCompile(`(?m)^\s*([A-Za-z0-9_./\-]+)\s+v([0-9][0-9A-Za-z.\-+]*)`),
}

// dependencyStage diffs each package-manifest's declared versions across
// base and every agent branch, flagging a conflict when two branches
// declare the same package at versions differing at the major (high) or
// minor (medium/low) level.
func (p *Pipeline) dependencyStage(ctx context.Context, baseRef string, agentBranches map[string]string) ([]DependencyConflict, error) {
	var conflicts []DependencyConflict

	for manifestFile, ecosystem := range manifestFiles {
		declared := make(map[string]map[string]string) // package -> branch -> version

		refs := map[string]string{"base": baseRef}
		for id, ref := range agentBranches {
			refs["agent:"+id] = ref
		}

		for branchLabel, ref := range refs {
			content, err := p.Repo.ShowAtRef(ctx, ref, manifestFile)
			if err != nil {
				continue // manifest absent on this branch; not a conflict source
			}
			for _, m := range versionLinePatterns[ecosystem].FindAllStringSubmatch(content, -1) {
				pkg, version := m[1], m[2]
				if declared[pkg] == nil {
					declared[pkg] = make(map[string]string)
				}
				declared[pkg][branchLabel] = version
			}
		}

		for pkg, versions := range declared {
			if len(versions) < 2 {
				continue
			}
			sev, conflicted := compareVersions(versions)
			if conflicted {
				conflicts = append(conflicts, DependencyConflict{
					Manifest:     manifestFile,
					Package:      pkg,
					Versions:     versions,
					ConflictType: "incompatible",
					Severity:     sev,
				})
			}
		}
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Package < conflicts[j].Package })
	return conflicts, nil
}

var semverPattern = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

func compareVersions(versions map[string]string) (Severity, bool) {
	type parsed struct{ major, minor int }
	seen := make(map[string]parsed)
	for _, v := range versions {
		m := semverPattern.FindStringSubmatch(v)
		if m == nil {
			continue
		}
		seen[v] = parsed{major: atoi(m[1]), minor: atoi(m[2])}
	}

	var values []parsed
	for _, pv := range seen {
		values = append(values, pv)
	}
	if len(values) < 2 {
		return SeverityNone, false
	}

	majorConflict := false
	minorConflict := false
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			if values[i].major != values[j].major {
				majorConflict = true
			} else if values[i].minor != values[j].minor {
				minorConflict = true
			}
		}
	}

	switch {
	case majorConflict:
		return SeverityHigh, true
	case minorConflict:
		return SeverityMedium, true
	default:
		return SeverityNone, false
	}
}

var symbolPatterns = map[string]*regexp.Regexp{
	".go": regexp.MustCompile(`(?m)^func\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)\s*\(`),
	".py": regexp.MustCompile(`(?m)^(?:def|class)\s+([A-Za-z_][A-Za-z0-9_]*)`),
	".js": regexp.MustCompile(`(?m)^export\s+(?:function|class|const)\s+([A-Za-z_$][A-Za-z0-9_$]*)`),
	".ts": regexp.MustCompile(`(?m)^export\s+(?:function|class|const)\s+([A-Za-z_$][A-Za-z0-9_$]*)`),
}

var publicAPIPathPattern = regexp.MustCompile(`(?i)(^|/)(api|routes?)/`)

// semanticStage extracts defined top-level symbols per changed file and
// flags any symbol name touched by more than one branch, alongside
// per-file domain classification overlaps and public-API-surface changes.
func (p *Pipeline) semanticStage(ctx context.Context, baseRef string, agentBranches map[string]string) ([]SymbolOverlap, []DomainOverlap, []string, error) {
	symbolBranches := make(map[string]map[string]bool) // "file|symbol" -> branch set
	symbolFiles := make(map[string]string)             // "file|symbol" -> file
	domainBranches := make(map[string]map[string]bool) // domain -> branch set
	apiChangeSet := make(map[string]bool)

	for agentID, ref := range agentBranches {
		changed, err := p.Repo.DiffNameOnly(ctx, baseRef, ref)
		if err != nil {
			return nil, nil, nil, err
		}

		for _, path := range changed {
			for _, domain := range classifyDomains(path) {
				if domainBranches[domain] == nil {
					domainBranches[domain] = make(map[string]bool)
				}
				domainBranches[domain][agentID] = true
			}

			if publicAPIPathPattern.MatchString(path) {
				apiChangeSet[path] = true
			}

			ext := filepath.Ext(path)
			pattern, ok := symbolPatterns[ext]
			if !ok {
				continue
			}
			content, err := p.Repo.ShowAtRef(ctx, ref, path)
			if err != nil {
				continue // file deleted or added only on another branch
			}
			for _, m := range pattern.FindAllStringSubmatch(content, -1) {
				key := path + "|" + m[1]
				if symbolBranches[key] == nil {
					symbolBranches[key] = make(map[string]bool)
				}
				symbolBranches[key][agentID] = true
				symbolFiles[key] = path
			}
		}
	}

	var symbolOverlaps []SymbolOverlap
	for key, branches := range symbolBranches {
		if len(branches) < 2 {
			continue
		}
		parts := strings.SplitN(key, "|", 2)
		symbolOverlaps = append(symbolOverlaps, SymbolOverlap{
			Symbol:   parts[1],
			File:     symbolFiles[key],
			Branches: sortedKeys(branches),
		})
	}
	sort.Slice(symbolOverlaps, func(i, j int) bool { return symbolOverlaps[i].Symbol < symbolOverlaps[j].Symbol })

	var domainOverlaps []DomainOverlap
	for domain, branches := range domainBranches {
		if len(branches) < 2 {
			continue
		}
		domainOverlaps = append(domainOverlaps, DomainOverlap{Domain: domain, Branches: sortedKeys(branches)})
	}
	sort.Slice(domainOverlaps, func(i, j int) bool { return domainOverlaps[i].Domain < domainOverlaps[j].Domain })

	apiChanges := sortedKeys(apiChangeSet)

	return symbolOverlaps, domainOverlaps, apiChanges, nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
