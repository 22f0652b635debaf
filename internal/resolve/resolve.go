// Package resolve implements the six-stage conflict resolution pipeline:
// context assembly, intent extraction, interface harmonization,
// multi-candidate generation, tiered validation with diversity selection,
// and scoring/escalation. It sits downstream of internal/detect (which
// decides whether resolution should run at all) and uses internal/vcs and
// internal/secexec the same way internal/detect does, plus internal/flaky.
package resolve

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

	"github.com/iambrandonn/lorch/internal/flaky"
	"github.com/iambrandonn/lorch/internal/secexec"
	"github.com/iambrandonn/lorch/internal/vcs"
)

// FileVersion is one source's copy of one file.
type FileVersion struct {
	Path      string
	Content   string
	SourceTag string // "base" or "agent:<id>"
	SHA       string
}

// ConflictContext is a fresh snapshot for one resolution run, discarded
// once the run completes.
type ConflictContext struct {
	BaseRef          string
	BaseSHA          string
	AgentBranches    map[string]string // agent id -> ref
	BaseFiles        []FileVersion
	AgentFiles       map[string][]FileVersion // agent id -> versions
	RelatedFiles     []string
	Conventions      []string
	DerivedManifests []string
}

const defaultRelatedFileCap = 20

var conventionFiles = []string{
	".eslintrc", ".eslintrc.json", ".golangci.yml", ".prettierrc",
	"pyproject.toml", ".editorconfig", "rustfmt.toml",
}

// AssembleContext materializes Stage 1: base SHA, per-agent branch
// content for every conflicting path, related sibling files up to a cap,
// and detected convention files. Changed-file sets always come from the
// VCS diff (conflictingPaths), never from an agent's own report.
func AssembleContext(ctx context.Context, repo *vcs.Repo, baseRef string, agentBranches map[string]string, conflictingPaths []string) (*ConflictContext, error) {
	baseSHA, err := repo.RevParse(ctx, baseRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base sha: %w", err)
	}

	cc := &ConflictContext{
		BaseRef:       baseRef,
		BaseSHA:       baseSHA,
		AgentBranches: agentBranches,
		AgentFiles:    make(map[string][]FileVersion, len(agentBranches)),
	}

	for _, path := range conflictingPaths {
		content, showErr := repo.ShowAtRef(ctx, baseRef, path)
		if showErr != nil {
			continue // file did not exist on base; agents introduced it independently
		}
		cc.BaseFiles = append(cc.BaseFiles, FileVersion{Path: path, Content: content, SourceTag: "base"})
	}

	for agentID, ref := range agentBranches {
		for _, path := range conflictingPaths {
			content, showErr := repo.ShowAtRef(ctx, ref, path)
			if showErr != nil {
				continue
			}
			cc.AgentFiles[agentID] = append(cc.AgentFiles[agentID], FileVersion{
				Path: path, Content: content, SourceTag: "agent:" + agentID,
			})
		}
	}

	cc.RelatedFiles = relatedFiles(repo.RepoDir, conflictingPaths, defaultRelatedFileCap)
	cc.Conventions = detectConventions(repo.RepoDir)

	return cc, nil
}

func relatedFiles(repoDir string, conflictingPaths []string, maxCount int) []string {
	seen := make(map[string]bool, len(conflictingPaths))
	for _, p := range conflictingPaths {
		seen[p] = true
	}

	var related []string
	dirs := make(map[string]bool)
	for _, p := range conflictingPaths {
		dirs[filepath.Dir(p)] = true
	}

	for dir := range dirs {
		entries, err := filepathGlob(repoDir, dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if seen[entry] {
				continue
			}
			seen[entry] = true
			related = append(related, entry)
			if len(related) >= maxCount {
				sort.Strings(related)
				return related
			}
		}
	}

	sort.Strings(related)
	return related
}

func detectConventions(repoDir string) []string {
	var found []string
	for _, name := range conventionFiles {
		if fileExists(filepath.Join(repoDir, name)) {
			found = append(found, name)
		}
	}
	return found
}

// Confidence is a coarse three-level signal, used instead of a numeric
// score to match how the agent's own self-report is phrased.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ExtractedIntent is one agent's inferred goals and constraints.
type ExtractedIntent struct {
	AgentID          string
	PrimaryIntent    string
	HardConstraints  []string
	SoftConstraints  []string
	SecondaryEffects []string
	Assumptions      []string
	Evidence         []string
	Confidence       Confidence
	Reasons          []string
}

var hardConstraintPattern = regexp.MustCompile(`(?i)\b(must|required|cannot|always|never|security|backward-compatible)\b[^.\n]*`)
var softConstraintPattern = regexp.MustCompile(`(?i)\b(should|prefer|ideally|if possible)\b[^.\n]*`)

var implicitConstraintPatterns = map[string]*regexp.Regexp{
	"security":       regexp.MustCompile(`(?i)(security|crypto|credential)`),
	"schema":         regexp.MustCompile(`(?i)(schema|migration)`),
	"api":            regexp.MustCompile(`(?i)(^|/)api/`),
	"test_coverage":  regexp.MustCompile(`(?i)(_test\.|/tests?/)`),
}

// ExtractIntent runs Stage 2's extraction for one agent: combine the task
// description, optional user prompt, and recorded decisions into a text
// corpus, pull hard/soft constraints by regex, and scan changed files for
// implicit constraints.
func ExtractIntent(agentID, taskDescription, userPrompt string, decisions []string, changedFiles []string) ExtractedIntent {
	corpus := strings.Join(append([]string{taskDescription, userPrompt}, decisions...), "\n")

	hard := dedupeTrim(hardConstraintPattern.FindAllString(corpus, -1))
	soft := dedupeTrim(softConstraintPattern.FindAllString(corpus, -1))

	var secondary []string
	for name, pattern := range implicitConstraintPatterns {
		for _, f := range changedFiles {
			if pattern.MatchString(f) {
				secondary = append(secondary, fmt.Sprintf("touches %s-sensitive file: %s", name, f))
				break
			}
		}
	}
	sort.Strings(secondary)

	confidence := intentConfidence(len(changedFiles) > 0, len(hard)+len(soft), len(changedFiles))

	return ExtractedIntent{
		AgentID:          agentID,
		PrimaryIntent:    firstSentence(taskDescription),
		HardConstraints:  hard,
		SoftConstraints:  soft,
		SecondaryEffects: secondary,
		Evidence:         changedFiles,
		Confidence:       confidence,
	}
}

func intentConfidence(manifestPresent bool, constraintCount, fileCount int) Confidence {
	score := 0
	if manifestPresent {
		score++
	}
	if constraintCount >= 2 {
		score++
	}
	if fileCount >= 2 {
		score++
	}
	switch {
	case score >= 3:
		return ConfidenceHigh
	case score == 2:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func firstSentence(s string) string {
	if idx := strings.IndexAny(s, ".\n"); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

func dedupeTrim(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" || seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		out = append(out, trimmed)
	}
	return out
}

// Relationship classifies how two agents' intents interact.
type Relationship string

const (
	RelationshipCompatible Relationship = "compatible"
	RelationshipConflicting Relationship = "conflicting"
	RelationshipOrthogonal Relationship = "orthogonal"
)

// IntentComparison is the result of comparing two ExtractedIntents.
type IntentComparison struct {
	Relationship           Relationship
	SharedConstraints      []string
	ConflictingConstraints []string
	SuggestedResolution    string
	RequiresHumanJudgment  bool
	Confidence             Confidence
}

var opposedPairs = [][2]string{
	{"add", "remove"},
	{"enable", "disable"},
	{"allow", "forbid"},
	{"require", "optional"},
}

// CompareIntents implements Stage 2's pairwise comparison. Low confidence
// on either side forces human judgment before any candidate is generated.
func CompareIntents(a, b ExtractedIntent) IntentComparison {
	var shared, conflicting []string

	for _, ca := range a.HardConstraints {
		for _, cb := range b.HardConstraints {
			if opposed(ca, cb) {
				conflicting = append(conflicting, fmt.Sprintf("%q vs %q", ca, cb))
				continue
			}
			if normalizeConstraint(ca) == normalizeConstraint(cb) || sharedTokenCount(ca, cb) >= 2 {
				shared = append(shared, fmt.Sprintf("%q ~ %q", ca, cb))
			}
		}
	}

	relationship := RelationshipOrthogonal
	switch {
	case len(conflicting) > 0:
		relationship = RelationshipConflicting
	case len(shared) > 0:
		relationship = RelationshipCompatible
	}

	lowConfidence := a.Confidence == ConfidenceLow || b.Confidence == ConfidenceLow
	confidence := ConfidenceHigh
	if lowConfidence {
		confidence = ConfidenceLow
	} else if a.Confidence == ConfidenceMedium || b.Confidence == ConfidenceMedium {
		confidence = ConfidenceMedium
	}

	suggestion := "merge independently"
	if relationship == RelationshipConflicting {
		suggestion = "requires targeted resolution of the conflicting constraints"
	}

	return IntentComparison{
		Relationship:           relationship,
		SharedConstraints:      shared,
		ConflictingConstraints: conflicting,
		SuggestedResolution:    suggestion,
		RequiresHumanJudgment:  lowConfidence || relationship == RelationshipConflicting,
		Confidence:             confidence,
	}
}

func normalizeConstraint(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func sharedTokenCount(a, b string) int {
	tokensA := significantTokens(a)
	tokensB := make(map[string]bool)
	for _, t := range significantTokens(b) {
		tokensB[t] = true
	}
	count := 0
	for _, t := range tokensA {
		if tokensB[t] {
			count++
		}
	}
	return count
}

var stopWords = map[string]bool{"the": true, "a": true, "an": true, "to": true, "of": true, "must": true, "should": true}

func significantTokens(s string) []string {
	var tokens []string
	for _, word := range strings.Fields(strings.ToLower(s)) {
		word = strings.Trim(word, ".,;:!?")
		if len(word) < 3 || stopWords[word] {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

func opposed(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	for _, pair := range opposedPairs {
		if (strings.Contains(la, pair[0]) && strings.Contains(lb, pair[1])) ||
			(strings.Contains(la, pair[1]) && strings.Contains(lb, pair[0])) {
			return true
		}
	}
	return false
}

// interfaceSignaturePatterns extracts a full declaration line (rather than
// just the symbol name, as internal/detect's symbolPatterns does) so two
// versions of the same function can be compared for signature drift.
var interfaceSignaturePatterns = map[string]*regexp.Regexp{
	".go": regexp.MustCompile(`(?m)^func\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)\s*\([^)]*\)[^{\n]*`),
	".py": regexp.MustCompile(`(?m)^(?:def|class)\s+([A-Za-z_][A-Za-z0-9_]*)\s*\([^)]*\)[^:\n]*:?`),
	".js": regexp.MustCompile(`(?m)^export\s+(?:function|class|const)\s+([A-Za-z_$][A-Za-z0-9_$]*)[^{;\n]*`),
	".ts": regexp.MustCompile(`(?m)^export\s+(?:function|class|const)\s+([A-Za-z_$][A-Za-z0-9_$]*)[^{;\n]*`),
}

// InterfaceSignature is one extracted declaration at one source.
type InterfaceSignature struct {
	File      string
	Name      string
	Signature string
	SourceTag string // "base" or "agent:<id>"
}

// HarmonizedInterface is Stage 3's decision for one (file, name) group: the
// canonical signature chosen, and, if the losing versions differ from it,
// a note describing the temporary shim any caller of the non-canonical
// signature would need.
type HarmonizedInterface struct {
	File             string
	Name             string
	Canonical        InterfaceSignature
	CanonicalReason  string
	DivergentSources []InterfaceSignature
	ShimNotes        []string
}

// ExtractSignatures scans one source's file content for interface-level
// declarations, keyed by the file's extension the same way internal/detect
// picks a regex per language.
func ExtractSignatures(file, content, sourceTag string) []InterfaceSignature {
	pattern, ok := interfaceSignaturePatterns[filepath.Ext(file)]
	if !ok {
		return nil
	}
	var out []InterfaceSignature
	for _, m := range pattern.FindAllStringSubmatch(content, -1) {
		out = append(out, InterfaceSignature{
			File:      file,
			Name:      m[1],
			Signature: strings.TrimSpace(m[0]),
			SourceTag: sourceTag,
		})
	}
	return out
}

// HarmonizeInterfaces implements Stage 3: group every extracted signature
// by (file, name), and for each group with more than one distinct
// signature, pick a canonical version. Preference order: the signature
// already present on base, otherwise the variant whose signature text
// differs from every other candidate least often (the most agreed-upon
// form), otherwise the first one encountered. Groups where every source
// agrees are skipped; nothing to harmonize.
func HarmonizeInterfaces(baseFiles []FileVersion, agentFiles map[string][]FileVersion) []HarmonizedInterface {
	type key struct{ file, name string }
	groups := make(map[key][]InterfaceSignature)

	for _, fv := range baseFiles {
		for _, sig := range ExtractSignatures(fv.Path, fv.Content, "base") {
			k := key{sig.File, sig.Name}
			groups[k] = append(groups[k], sig)
		}
	}
	agentIDs := make([]string, 0, len(agentFiles))
	for id := range agentFiles {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)
	for _, agentID := range agentIDs {
		for _, fv := range agentFiles[agentID] {
			for _, sig := range ExtractSignatures(fv.Path, fv.Content, "agent:"+agentID) {
				k := key{sig.File, sig.Name}
				groups[k] = append(groups[k], sig)
			}
		}
	}

	keys := make([]key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].file != keys[j].file {
			return keys[i].file < keys[j].file
		}
		return keys[i].name < keys[j].name
	})

	var harmonized []HarmonizedInterface
	for _, k := range keys {
		sigs := groups[k]
		if allSignaturesAgree(sigs) {
			continue
		}

		canonical, reason := pickCanonical(sigs)
		var divergent []InterfaceSignature
		var shimNotes []string
		for _, sig := range sigs {
			if sig.Signature == canonical.Signature {
				continue
			}
			divergent = append(divergent, sig)
			shimNotes = append(shimNotes, fmt.Sprintf(
				"TEMPORARY: %s call sites expecting `%s` need a shim to `%s`",
				sig.SourceTag, sig.Signature, canonical.Signature))
		}

		harmonized = append(harmonized, HarmonizedInterface{
			File:             k.file,
			Name:             k.name,
			Canonical:        canonical,
			CanonicalReason:  reason,
			DivergentSources: divergent,
			ShimNotes:        shimNotes,
		})
	}
	return harmonized
}

func allSignaturesAgree(sigs []InterfaceSignature) bool {
	if len(sigs) <= 1 {
		return true
	}
	first := sigs[0].Signature
	for _, sig := range sigs[1:] {
		if sig.Signature != first {
			return false
		}
	}
	return true
}

// pickCanonical prefers the base version, then the signature text shared
// by the most sources (the variant least likely to be the one-off
// rewrite), then the first one encountered.
func pickCanonical(sigs []InterfaceSignature) (InterfaceSignature, string) {
	for _, sig := range sigs {
		if sig.SourceTag == "base" {
			return sig, "matches the signature already present on base"
		}
	}

	counts := make(map[string]int)
	for _, sig := range sigs {
		counts[sig.Signature]++
	}
	bestSig, bestCount := sigs[0], 0
	for _, sig := range sigs {
		if counts[sig.Signature] > bestCount {
			bestSig, bestCount = sig, counts[sig.Signature]
		}
	}
	if bestCount > 1 {
		return bestSig, fmt.Sprintf("agreed upon by %d of %d sources", bestCount, len(sigs))
	}
	return sigs[0], "no consensus found; defaulted to the first signature encountered"
}

// ResolutionCandidate is one generated resolution and its accumulated
// scores.
type ResolutionCandidate struct {
	ID                      string
	Strategy                string
	BranchRef               string
	DiffFromBase            string
	FilesModified           []string
	Summary                 string
	BuildPassed             bool
	LintScore               float64
	TestsPassed             int
	TestsFailed             int
	TestsSkipped            int
	// WeightedTestsFailed is TestsFailed with flaky-but-not-quarantined
	// failures counted at half weight, per the scorer's aggregation rule.
	WeightedTestsFailed float64
	CorrectnessScore    float64
	SimplicityScore         float64
	ConventionScore         float64
	IntentSatisfactionScore float64
	TotalScore              float64
	// AutoResolvedHunks counts hunks silently resolved toward "ours" during
	// generation. It is reported in Summary; Score and Select do not use it.
	AutoResolvedHunks int
}

// IsViable reports whether the candidate can be considered at all:
// is_viable ≡ build_passed ∧ tests_failed = 0.
func (c ResolutionCandidate) IsViable() bool {
	return c.BuildPassed && c.TestsFailed == 0
}

const defaultCandidateCount = 3

// Strategy names the fixed set of candidate-generation strategies.
type Strategy string

const (
	StrategyAgent1Primary    Strategy = "agent1_primary"
	StrategyAgent2Primary    Strategy = "agent2_primary"
	StrategyConventionPrimary Strategy = "convention_primary"
	StrategyFreshSynthesis   Strategy = "fresh_synthesis"
)

// candidateStrategies returns the strategies to attempt: the two
// agent-primary orderings plus convention_primary always, and
// fresh_synthesis only when intents are conflicting.
func candidateStrategies(agentIDs []string, conflicting bool) []Strategy {
	strategies := []Strategy{StrategyAgent1Primary}
	if len(agentIDs) > 1 {
		strategies = append(strategies, StrategyAgent2Primary)
	}
	strategies = append(strategies, StrategyConventionPrimary)
	if conflicting {
		strategies = append(strategies, StrategyFreshSynthesis)
	}
	if len(strategies) > defaultCandidateCount+1 {
		strategies = strategies[:defaultCandidateCount+1]
	}
	return strategies
}

// mergeOrder decides which branch merges first for a given strategy. All
// four strategies use the same mechanism (sequential --no-ff merges,
// resolving later textual conflicts toward "ours"); only the order
// differs. convention_primary and fresh_synthesis default to the
// alphabetical agent order, since "repo conventions" and "a synthesized
// merge" both start from a neutral ordering rather than favoring one
// agent.
func mergeOrder(strategy Strategy, agentIDs []string) []string {
	ordered := append([]string(nil), agentIDs...)
	sort.Strings(ordered)

	switch strategy {
	case StrategyAgent1Primary:
		return ordered
	case StrategyAgent2Primary:
		return reversed(ordered)
	default:
		return ordered
	}
}

func reversed(s []string) []string {
	out := make([]string, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}

// GenerateCandidates implements Stage 4: for each strategy, build an
// ephemeral branch off base, merge branches in the strategy's prescribed
// order, resolving later textual conflicts toward "ours", and record the
// resulting diff and modified files. Branch names are validated by
// internal/vcs before any VCS operation runs.
func GenerateCandidates(ctx context.Context, repo *vcs.Repo, baseRef string, agentBranches map[string]string, conflicting bool) ([]ResolutionCandidate, error) {
	agentIDs := make([]string, 0, len(agentBranches))
	for id := range agentBranches {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)

	var candidates []ResolutionCandidate
	for _, strategy := range candidateStrategies(agentIDs, conflicting) {
		candidate, err := generateOne(ctx, repo, baseRef, agentBranches, strategy, mergeOrder(strategy, agentIDs))
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", strategy, err)
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

func generateOne(ctx context.Context, repo *vcs.Repo, baseRef string, agentBranches map[string]string, strategy Strategy, order []string) (candidate ResolutionCandidate, err error) {
	branchName := fmt.Sprintf("resolve-%s-%s", strategy, uuid.NewString())
	if err := vcs.ValidateRef(branchName); err != nil {
		return candidate, err
	}
	if err := repo.CheckoutNewBranch(ctx, branchName, baseRef); err != nil {
		return candidate, err
	}
	defer func() {
		_ = repo.Checkout(ctx, baseRef)
	}()

	autoResolved := 0
	for _, agentID := range order {
		ref := agentBranches[agentID]
		mergeResult, mergeErr := repo.MergeNoCommit(ctx, ref)
		if mergeErr != nil {
			return candidate, mergeErr
		}
		if !mergeResult.Succeeded {
			for _, path := range mergeResult.ConflictPaths {
				if resolveErr := repo.ResolveOursAndAdd(ctx, path); resolveErr != nil {
					return candidate, resolveErr
				}
				autoResolved += mergeResult.ConflictHunks[path]
			}
		}
		if commitErr := repo.Commit(ctx, fmt.Sprintf("resolve: merge %s (%s)", agentID, strategy)); commitErr != nil {
			return candidate, commitErr
		}
	}

	diff, diffErr := repo.Diff(ctx, baseRef, branchName)
	if diffErr != nil {
		return candidate, diffErr
	}
	filesModified, filesErr := repo.DiffNameOnly(ctx, baseRef, branchName)
	if filesErr != nil {
		return candidate, filesErr
	}

	return ResolutionCandidate{
		ID:                uuid.NewString(),
		Strategy:          string(strategy),
		BranchRef:         branchName,
		DiffFromBase:      diff,
		FilesModified:     filesModified,
		Summary:           fmt.Sprintf("%s over %d branch(es), %d auto-resolved hunk(s)", strategy, len(order), autoResolved),
		AutoResolvedHunks: autoResolved,
	}, nil
}

// Tier is a tiered-validation level; each level subsumes the prior one's
// checks.
type Tier string

const (
	TierSmoke         Tier = "smoke"
	TierLint          Tier = "lint"
	TierTargeted      Tier = "targeted"
	TierComprehensive Tier = "comprehensive"
)

var comprehensiveTriggerPattern = regexp.MustCompile(`(?i)(auth|security|payment|billing|migration|api|credential|secret|\.github/workflows)`)

// TargetTier decides the validation tier a candidate must clear, elevating
// to Comprehensive when any modified file matches a sensitive path
// pattern.
func TargetTier(base Tier, filesModified []string) Tier {
	for _, f := range filesModified {
		if comprehensiveTriggerPattern.MatchString(f) {
			return TierComprehensive
		}
	}
	return base
}

// Validator runs build/lint/test commands for one candidate branch.
type Validator struct {
	Repo         *vcs.Repo
	Executor     *secexec.Executor
	FlakyTracker *flaky.Tracker
	BuildCmd     []string // argv[0] + args
	LintCmd      []string
	TestCmd      []string

	BuildTimeout time.Duration
	LintTimeout  time.Duration
	// TestTimeout is used for the Targeted tier's 5-minute default
	// budget; ComprehensiveTestTimeout is used for the Comprehensive
	// tier's 10-minute default budget.
	TestTimeout              time.Duration
	ComprehensiveTestTimeout time.Duration
}

const (
	defaultBuildTimeout             = 2 * time.Minute
	defaultLintTimeout              = 2 * time.Minute
	defaultTargetedTestTimeout      = 5 * time.Minute
	defaultComprehensiveTestTimeout = 10 * time.Minute
)

// NewValidator builds a Validator with the default tier budgets.
func NewValidator(repo *vcs.Repo, executor *secexec.Executor, flakyTracker *flaky.Tracker, buildCmd, lintCmd, testCmd []string) *Validator {
	return &Validator{
		Repo:                     repo,
		Executor:                 executor,
		FlakyTracker:             flakyTracker,
		BuildCmd:                 buildCmd,
		LintCmd:                  lintCmd,
		TestCmd:                  testCmd,
		BuildTimeout:             defaultBuildTimeout,
		LintTimeout:              defaultLintTimeout,
		TestTimeout:              defaultTargetedTestTimeout,
		ComprehensiveTestTimeout: defaultComprehensiveTestTimeout,
	}
}

// Validate runs the checks required by tier, in order, stopping at the
// first failing required check (build always required; lint is
// informational only).
func (v *Validator) Validate(ctx context.Context, candidate *ResolutionCandidate, tier Tier) error {
	if err := v.Repo.Checkout(ctx, candidate.BranchRef); err != nil {
		return err
	}

	if len(v.BuildCmd) > 0 {
		res, err := v.Executor.Run(ctx, v.BuildCmd[0], v.BuildCmd[1:], v.Repo.RepoDir, v.BuildTimeout, secexec.SandboxConfig{})
		if err != nil {
			return err
		}
		candidate.BuildPassed = res.Exit == 0
	} else {
		candidate.BuildPassed = true
	}

	if !candidate.BuildPassed || tier == TierSmoke {
		return nil
	}

	if len(v.LintCmd) > 0 {
		res, err := v.Executor.Run(ctx, v.LintCmd[0], v.LintCmd[1:], v.Repo.RepoDir, v.LintTimeout, secexec.SandboxConfig{})
		if err == nil {
			candidate.LintScore = lintScoreFromOutput(res.Stdout + res.Stderr)
		}
	}

	if tier == TierLint {
		return nil
	}

	if len(v.TestCmd) == 0 {
		return nil
	}
	testArgs := v.TestCmd[1:]
	testTimeout := v.TestTimeout
	if tier == TierTargeted {
		testArgs = append(append([]string(nil), testArgs...), candidate.FilesModified...)
	} else if tier == TierComprehensive {
		testTimeout = v.ComprehensiveTestTimeout
	}
	res, err := v.Executor.Run(ctx, v.TestCmd[0], testArgs, v.Repo.RepoDir, testTimeout, secexec.SandboxConfig{})
	if err != nil {
		return err
	}

	results := parseNamedTestResults(res.Stdout + res.Stderr)
	if v.FlakyTracker != nil {
		adjusted, _ := v.FlakyTracker.AdjustTestResults(results)
		results = adjusted
	}
	for name, passed := range results {
		if passed {
			candidate.TestsPassed++
			continue
		}
		candidate.TestsFailed++
		weight := 1.0
		if v.FlakyTracker != nil {
			weight = v.FlakyTracker.Weight(name)
		}
		candidate.WeightedTestsFailed += weight
	}

	return nil
}

var issueCountPattern = regexp.MustCompile(`(?i)(\d+)\s+(?:issues?|problems?|warnings?)`)

func lintScoreFromOutput(output string) float64 {
	m := issueCountPattern.FindStringSubmatch(output)
	if m == nil {
		return 1
	}
	n := atoi(m[1])
	score := 1 - float64(n)*0.05
	if score < 0 {
		return 0
	}
	return score
}

var namedTestLinePattern = regexp.MustCompile(`(?m)^\s*(?:--- )?(PASS|FAIL|ok|not ok)\s*:?\s+([A-Za-z0-9_./\-]+)`)

func parseNamedTestResults(output string) map[string]bool {
	results := make(map[string]bool)
	for _, m := range namedTestLinePattern.FindAllStringSubmatch(output, -1) {
		status, name := strings.ToUpper(m[1]), m[2]
		results[name] = status == "PASS" || status == "OK"
	}
	return results
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}

const defaultMinDiversity = 0.3

// changedLineSet returns the set of "path:line-content" tokens a
// candidate's diff touches, used as the basis for Jaccard distance.
func changedLineSet(diff string) map[string]bool {
	set := make(map[string]bool)
	currentFile := ""
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++ b/"):
			currentFile = strings.TrimPrefix(line, "+++ b/")
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			set[currentFile+":"+line] = true
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			set[currentFile+":"+line] = true
		}
	}
	return set
}

func jaccardDistance(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection, union := 0, 0
	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	union = len(seen)
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	if union == 0 {
		return 0
	}
	return 1 - float64(intersection)/float64(union)
}

// FilterDiverse implements Stage 5a: compute pairwise Jaccard distance of
// changed lines between candidates, and reject the whole set if the
// minimum pairwise diversity falls below minDiversity. When more
// candidates exist than targetCount, greedily select the subset
// maximizing minimum pairwise diversity.
func FilterDiverse(candidates []ResolutionCandidate, minDiversity float64, targetCount int) ([]ResolutionCandidate, bool) {
	if len(candidates) <= 1 {
		return candidates, true
	}

	lineSets := make([]map[string]bool, len(candidates))
	for i, c := range candidates {
		lineSets[i] = changedLineSet(c.DiffFromBase)
	}

	minPairwise := func(indices []int) float64 {
		min := 1.0
		for i := 0; i < len(indices); i++ {
			for j := i + 1; j < len(indices); j++ {
				d := jaccardDistance(lineSets[indices[i]], lineSets[indices[j]])
				if d < min {
					min = d
				}
			}
		}
		return min
	}

	allIndices := make([]int, len(candidates))
	for i := range candidates {
		allIndices[i] = i
	}

	if len(candidates) <= targetCount {
		if minPairwise(allIndices) < minDiversity {
			return nil, false
		}
		return candidates, true
	}

	selected := []int{0}
	remaining := allIndices[1:]
	for len(selected) < targetCount && len(remaining) > 0 {
		bestIdx, bestScore := -1, -1.0
		for ri, candidateIdx := range remaining {
			trial := append(append([]int(nil), selected...), candidateIdx)
			score := minPairwise(trial)
			if score > bestScore {
				bestScore, bestIdx = score, ri
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	out := make([]ResolutionCandidate, 0, len(selected))
	for _, idx := range selected {
		out = append(out, candidates[idx])
	}
	if minPairwise(selected) < minDiversity {
		return nil, false
	}
	return out, true
}

// Score implements Stage 6's composite: total = 0.4*correctness +
// 0.2*simplicity + 0.2*convention + 0.2*intent_satisfaction.
func Score(c *ResolutionCandidate, maxFilesModifiedAcrossCandidates int) {
	total := c.TestsPassed + c.TestsFailed
	weightedFailed := c.WeightedTestsFailed
	if total > 0 && weightedFailed == 0 && c.TestsFailed > 0 {
		// WeightedTestsFailed is unset (candidate scored without a flaky
		// tracker); fall back to the raw count.
		weightedFailed = float64(c.TestsFailed)
	}
	switch {
	case !c.BuildPassed:
		c.CorrectnessScore = 0
	case total == 0:
		c.CorrectnessScore = 1
	default:
		c.CorrectnessScore = float64(c.TestsPassed) / (float64(c.TestsPassed) + weightedFailed)
	}

	c.SimplicityScore = simplicityScore(len(c.FilesModified), maxFilesModifiedAcrossCandidates)
	c.ConventionScore = c.LintScore

	if c.TestsFailed == 0 {
		c.IntentSatisfactionScore = 1
	} else {
		c.IntentSatisfactionScore = 0.5
	}

	c.TotalScore = 0.4*c.CorrectnessScore + 0.2*c.SimplicityScore + 0.2*c.ConventionScore + 0.2*c.IntentSatisfactionScore
}

func simplicityScore(filesModified, maxAcrossCandidates int) float64 {
	if maxAcrossCandidates == 0 {
		return 1
	}
	return 1 - float64(filesModified)/float64(maxAcrossCandidates+1)
}

// MinAutoApplyScore is Stage 6's auto-apply threshold (configurable via
// the user config key resolution.auto_apply_threshold; this is the
// built-in default): a winning candidate scoring below this must
// escalate rather than merge unattended.
const MinAutoApplyScore = 0.6

// RunnerUpEscalationRatio: when the runner-up's score exceeds this
// fraction of the winner's score and a critical risk flag
// (security/auth/db_migration) is involved, the pair is close enough
// that a human should pick rather than the scorer deciding unattended.
const RunnerUpEscalationRatio = 0.95

// SelectionOutcome is Stage 6's terminal decision. Exactly one of
// Winner (when NeedsEscalation is false) or EscalationReason (when it
// is true) is meaningful.
type SelectionOutcome struct {
	Winner           ResolutionCandidate
	NeedsEscalation  bool
	EscalationReason string
}

// Select implements the end of Stage 6: score every candidate, then
// pick the highest-scoring viable candidate iff its total score is at
// least MinAutoApplyScore. Escalates when (a) no candidate is viable,
// (b) the best score is below MinAutoApplyScore, or (c) the runner-up
// scores within RunnerUpEscalationRatio of the winner and a critical
// risk flag is involved.
func Select(candidates []ResolutionCandidate, criticalRiskFlag bool) SelectionOutcome {
	maxFiles := 0
	for _, c := range candidates {
		if len(c.FilesModified) > maxFiles {
			maxFiles = len(c.FilesModified)
		}
	}

	var viable []ResolutionCandidate
	for i := range candidates {
		Score(&candidates[i], maxFiles)
		if candidates[i].IsViable() {
			viable = append(viable, candidates[i])
		}
	}
	if len(viable) == 0 {
		return SelectionOutcome{NeedsEscalation: true, EscalationReason: "no_viable_candidates"}
	}

	sort.Slice(viable, func(i, j int) bool { return viable[i].TotalScore > viable[j].TotalScore })
	winner := viable[0]

	if winner.TotalScore < MinAutoApplyScore {
		return SelectionOutcome{NeedsEscalation: true, EscalationReason: "low_confidence_resolution"}
	}

	if criticalRiskFlag && len(viable) > 1 {
		runnerUp := viable[1]
		if runnerUp.TotalScore > winner.TotalScore*RunnerUpEscalationRatio {
			return SelectionOutcome{NeedsEscalation: true, EscalationReason: "close_runner_up_with_critical_risk"}
		}
	}

	return SelectionOutcome{Winner: winner}
}

func filepathGlob(repoDir, dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(repoDir, dir))
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
