// Package compress decides when a chat session's message history needs
// summarizing, and deterministically validates any candidate summary
// before trusting it. Named compress rather than context to avoid
// shadowing the standard library package every call site here also
// imports. Grounded on internal/llm's Interceptor.Call as the only path to
// a model, and on internal/detect's per-extension regex techniques,
// generalized here to path/symbol/URL extraction over chat text instead
// of source diffs.
package compress

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/iambrandonn/lorch/internal/llm"
)

// Role is the speaker of one message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one chat turn.
type Message struct {
	ID         string
	Role       Role
	Content    string
	TokenCount int64
	Timestamp  time.Time
}

const (
	defaultThreshold   = 0.7
	defaultRecentCount = 20
)

// Caller is the subset of *internal/llm.Interceptor this package needs;
// accepting the interface rather than the concrete type keeps tests free
// of budget/provider wiring.
type Caller interface {
	Call(ctx context.Context, req llm.Request) (llm.Response, error)
}

// Config controls PrepareContext's thresholds.
type Config struct {
	Threshold   float64 // fraction of MaxTokens that triggers compression; default 0.7
	RecentCount int     // messages kept verbatim regardless of pin state; default 20
	MaxTokens   int64
	BudgetID    string
	Model       string
}

func (c Config) withDefaults() Config {
	if c.Threshold == 0 {
		c.Threshold = defaultThreshold
	}
	if c.RecentCount == 0 {
		c.RecentCount = defaultRecentCount
	}
	return c
}

// PreparedContext is the result of context preparation for one call.
type PreparedContext struct {
	Messages     []Message
	Summarized   bool
	SummaryValid bool
	Dropped      int // count of messages the chosen path discarded
}

// PrepareContext implements prepare_context: return messages unchanged
// under threshold; otherwise split into pinned/recent/candidates, request
// one summary, validate it, and fall back to plain truncation if the
// summary fails validation. Pinned and recent messages are never dropped
// by either path.
func PrepareContext(ctx context.Context, caller Caller, counter llm.TokenCounter, messages []Message, pinnedIDs map[string]bool, cfg Config) (PreparedContext, error) {
	cfg = cfg.withDefaults()

	total := totalTokens(messages, counter)
	if float64(total) <= cfg.Threshold*float64(cfg.MaxTokens) {
		return PreparedContext{Messages: messages}, nil
	}

	pinned, recent, candidates := splitMessages(messages, pinnedIDs, cfg.RecentCount)
	if len(candidates) == 0 {
		// Nothing left to summarize; pinned+recent is already the whole set.
		return PreparedContext{Messages: append(append([]Message{}, pinned...), recent...)}, nil
	}

	summaryText, err := requestSummary(ctx, caller, counter, candidates, cfg)
	if err != nil {
		return PreparedContext{}, fmt.Errorf("failed to request summary: %w", err)
	}

	if ValidateSummary(candidates, summaryText) {
		summaryMsg := Message{
			ID:      "summary:" + candidates[0].ID + ":" + candidates[len(candidates)-1].ID,
			Role:    RoleSystem,
			Content: summaryText,
		}
		out := append([]Message{summaryMsg}, pinned...)
		out = append(out, recent...)
		return PreparedContext{Messages: out, Summarized: true, SummaryValid: true, Dropped: 0}, nil
	}

	out := append(append([]Message{}, pinned...), recent...)
	return PreparedContext{Messages: out, Summarized: true, SummaryValid: false, Dropped: len(candidates)}, nil
}

func totalTokens(messages []Message, counter llm.TokenCounter) int64 {
	var total int64
	for _, m := range messages {
		if m.TokenCount > 0 {
			total += m.TokenCount
			continue
		}
		total += counter.CountTokens(m.Content)
	}
	return total
}

// splitMessages partitions messages into pinned, the last recentCount
// messages not already pinned (in original order), and everything else
// (the summarization candidates, also in original order).
func splitMessages(messages []Message, pinnedIDs map[string]bool, recentCount int) (pinned, recent, candidates []Message) {
	recentCutoff := len(messages) - recentCount
	if recentCutoff < 0 {
		recentCutoff = 0
	}

	for i, m := range messages {
		switch {
		case pinnedIDs[m.ID]:
			pinned = append(pinned, m)
		case i >= recentCutoff:
			recent = append(recent, m)
		default:
			candidates = append(candidates, m)
		}
	}
	return pinned, recent, candidates
}

const summaryPreservationPrompt = `Summarize the conversation below. You must preserve, verbatim, every file path, function or method name, and URL mentioned, and every decision that was made (who decided what, and why). Do not omit any of these even if it makes the summary longer.

Conversation:
%s`

func requestSummary(ctx context.Context, caller Caller, counter llm.TokenCounter, candidates []Message, cfg Config) (string, error) {
	var body strings.Builder
	for _, m := range candidates {
		fmt.Fprintf(&body, "[%s] %s\n", m.Role, m.Content)
	}
	prompt := fmt.Sprintf(summaryPreservationPrompt, body.String())

	resp, err := caller.Call(ctx, llm.Request{
		BudgetID:  cfg.BudgetID,
		Model:     cfg.Model,
		Prompt:    prompt,
		MaxTokens: 1024,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

var (
	filePathPattern = regexp.MustCompile(`\b(?:[\w.\-]+/)+[\w.\-]+\.\w+\b`)
	symbolPattern   = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*\(\)|\b[A-Z][A-Za-z0-9_]*\.[A-Za-z_][A-Za-z0-9_]*\b`)
	urlPattern      = regexp.MustCompile(`https?://[^\s]+`)
)

// decisionVerbs is the fixed set of verbs that mark a sentence as
// recording a decision.
var decisionVerbs = []string{
	"decided", "chose", "selected", "approved", "rejected", "agreed", "confirmed", "determined",
}

// ValidateSummary implements the deterministic, no-model-involved check:
// every extracted file path/symbol/URL from the originals must appear
// verbatim (case-insensitive) in the summary, and for every decision
// sentence in the originals, the summary must contain the same decision
// verb with non-trivial context-word overlap.
func ValidateSummary(originals []Message, summary string) bool {
	lowerSummary := strings.ToLower(summary)

	var corpus strings.Builder
	for _, m := range originals {
		corpus.WriteString(m.Content)
		corpus.WriteString("\n")
	}
	text := corpus.String()

	for _, entity := range extractEntities(text) {
		if !strings.Contains(lowerSummary, strings.ToLower(entity)) {
			return false
		}
	}

	for _, sentence := range extractDecisionSentences(text) {
		if !decisionPreserved(sentence, lowerSummary) {
			return false
		}
	}

	return true
}

func extractEntities(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range []*regexp.Regexp{filePathPattern, symbolPattern, urlPattern} {
		for _, m := range pattern.FindAllString(text, -1) {
			if seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

var sentenceSplitPattern = regexp.MustCompile(`[^.\n]+[.\n]?`)

func extractDecisionSentences(text string) []string {
	var out []string
	for _, sentence := range sentenceSplitPattern.FindAllString(text, -1) {
		lower := strings.ToLower(sentence)
		for _, verb := range decisionVerbs {
			if strings.Contains(lower, verb) {
				out = append(out, strings.TrimSpace(sentence))
				break
			}
		}
	}
	return out
}

func decisionPreserved(sentence, lowerSummary string) bool {
	lower := strings.ToLower(sentence)
	var verb string
	for _, v := range decisionVerbs {
		if strings.Contains(lower, v) {
			verb = v
			break
		}
	}
	if verb == "" || !strings.Contains(lowerSummary, verb) {
		return false
	}

	overlap := 0
	for _, word := range significantWords(sentence) {
		if strings.Contains(lowerSummary, word) {
			overlap++
		}
	}
	return overlap >= 2
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "to": true, "of": true, "and": true,
	"that": true, "this": true, "was": true, "were": true, "for": true,
}

func significantWords(sentence string) []string {
	isVerb := make(map[string]bool, len(decisionVerbs))
	for _, v := range decisionVerbs {
		isVerb[v] = true
	}

	var words []string
	for _, w := range strings.Fields(strings.ToLower(sentence)) {
		w = strings.Trim(w, ".,;:!?\"'")
		if len(w) < 4 || stopWords[w] || isVerb[w] {
			continue
		}
		words = append(words, w)
	}
	return words
}
