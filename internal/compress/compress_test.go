package compress

import (
	"context"
	"fmt"
	"testing"

	"github.com/iambrandonn/lorch/internal/llm"
)

type fakeCaller struct {
	response string
	calls    int
}

func (f *fakeCaller) Call(_ context.Context, _ llm.Request) (llm.Response, error) {
	f.calls++
	return llm.Response{Content: f.response}, nil
}

func countingCounter() llm.TokenCounter { return llm.DefaultTokenCounter{} }

func TestPrepareContext_ReturnsUnchangedBelowThreshold(t *testing.T) {
	messages := []Message{{ID: "1", Content: "short"}}
	caller := &fakeCaller{}
	out, err := PrepareContext(context.Background(), caller, countingCounter(), messages, nil, Config{MaxTokens: 10_000})
	if err != nil {
		t.Fatalf("PrepareContext: %v", err)
	}
	if out.Summarized {
		t.Error("did not expect summarization below threshold")
	}
	if len(out.Messages) != 1 {
		t.Errorf("len(Messages) = %d, want 1", len(out.Messages))
	}
	if caller.calls != 0 {
		t.Error("did not expect a model call below threshold")
	}
}

func bigMessages(n int) []Message {
	var out []Message
	filler := ""
	for i := 0; i < 200; i++ {
		filler += "word "
	}
	for i := 0; i < n; i++ {
		out = append(out, Message{ID: fmt.Sprintf("m%d", i), Content: filler})
	}
	return out
}

func TestPrepareContext_SummarizesAndValidatesAboveThreshold(t *testing.T) {
	messages := bigMessages(40)
	pinned := map[string]bool{messages[0].ID: true}
	caller := &fakeCaller{response: "a reasonable summary with no preserved entities"}

	out, err := PrepareContext(context.Background(), caller, countingCounter(), messages, pinned, Config{MaxTokens: 100, Threshold: 0.5, RecentCount: 5})
	if err != nil {
		t.Fatalf("PrepareContext: %v", err)
	}
	if !out.Summarized {
		t.Error("expected summarization above threshold")
	}
	if caller.calls != 1 {
		t.Errorf("calls = %d, want 1", caller.calls)
	}
	if !out.SummaryValid {
		t.Error("expected the summary to pass validation")
	}
}

func TestPrepareContext_FallsBackToTruncationWhenSummaryInvalid(t *testing.T) {
	special := Message{ID: "special", Content: "We decided to rename internal/foo/bar.go and call handler.Run() at https://example.com/docs"}
	messages := append([]Message{special}, bigMessages(40)...)
	caller := &fakeCaller{response: "a summary that omits everything important"}

	out, err := PrepareContext(context.Background(), caller, countingCounter(), messages, nil, Config{MaxTokens: 100, Threshold: 0.5, RecentCount: 2})
	if err != nil {
		t.Fatalf("PrepareContext: %v", err)
	}
	if out.SummaryValid {
		t.Error("expected the summary to fail validation")
	}
	if out.Dropped == 0 {
		t.Error("expected truncation fallback to report dropped messages")
	}
}

func TestValidateSummary_RequiresVerbatimEntities(t *testing.T) {
	originals := []Message{{Content: "We updated internal/chat/chat.go and called Session.Append()."}}
	valid := ValidateSummary(originals, "the team touched internal/chat/chat.go and invoked Session.Append() to fix a bug")
	if !valid {
		t.Error("expected summary preserving file path and symbol to validate")
	}
	invalid := ValidateSummary(originals, "some unrelated changes were made")
	if invalid {
		t.Error("expected summary missing entities to fail validation")
	}
}

func TestValidateSummary_RequiresDecisionContextOverlap(t *testing.T) {
	originals := []Message{{Content: "The team decided to adopt the retry-with-backoff strategy for network calls."}}
	valid := ValidateSummary(originals, "the team decided to adopt the retry-with-backoff strategy for network calls going forward")
	if !valid {
		t.Error("expected matching decision verb and overlapping context to validate")
	}
	invalid := ValidateSummary(originals, "the team decided something unrelated")
	if invalid {
		t.Error("expected a decision sentence with no context overlap to fail validation")
	}
}

func TestSplitMessages_NeverDropsPinnedOrRecent(t *testing.T) {
	messages := bigMessages(30)
	pinned := map[string]bool{messages[5].ID: true}
	p, r, c := splitMessages(messages, pinned, 5)
	if len(p) != 1 {
		t.Errorf("len(pinned) = %d, want 1", len(p))
	}
	if len(r) != 5 {
		t.Errorf("len(recent) = %d, want 5", len(r))
	}
	if len(p)+len(r)+len(c) != len(messages) {
		t.Errorf("split does not account for every message: %d+%d+%d != %d", len(p), len(r), len(c), len(messages))
	}
}
