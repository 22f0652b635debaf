// Package flaky tracks per-test outcome history and turns it into
// retry/quarantine/weight decisions for the resolution pipeline's tiered
// validation. Persistence follows the same atomic-write-then-load shape
// the teacher uses for workflowstate and runstate.
package flaky

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/iambrandonn/lorch/internal/fsutil"
)

const (
	maxOutcomes         = 20
	flakyThreshold      = 0.3
	quarantineThreshold = 0.8
	defaultMaxRetries   = 3
)

// Record is one test's bounded outcome history.
type Record struct {
	TestName    string    `json:"test_name"`
	Outcomes    []bool    `json:"outcomes"` // FIFO ring, true = passed
	LastUpdated time.Time `json:"last_updated"`
}

// FlakinessScore is transitions(outcomes) / (len(outcomes) - 1), in [0,1].
// A test with fewer than two recorded outcomes has no signal yet and
// scores 0.
func (r *Record) FlakinessScore() float64 {
	if len(r.Outcomes) < 2 {
		return 0
	}
	transitions := 0
	for i := 1; i < len(r.Outcomes); i++ {
		if r.Outcomes[i] != r.Outcomes[i-1] {
			transitions++
		}
	}
	return float64(transitions) / float64(len(r.Outcomes)-1)
}

// IsFlaky reports whether the test's flakiness score has crossed the
// flaky threshold.
func (r *Record) IsFlaky() bool { return r.FlakinessScore() >= flakyThreshold }

// IsQuarantined reports whether the test's flakiness score has crossed the
// quarantine threshold.
func (r *Record) IsQuarantined() bool { return r.FlakinessScore() >= quarantineThreshold }

func (r *Record) recordOutcome(passed bool) {
	r.Outcomes = append(r.Outcomes, passed)
	if len(r.Outcomes) > maxOutcomes {
		r.Outcomes = r.Outcomes[len(r.Outcomes)-maxOutcomes:]
	}
	r.LastUpdated = time.Now().UTC()
}

// Tracker holds the full per-test history, persisted as a single JSON file.
type Tracker struct {
	mu         sync.Mutex
	path       string
	records    map[string]*Record
	maxRetries int
}

// NewTracker loads an existing history file at path, or starts empty if
// it does not exist yet.
func NewTracker(path string) (*Tracker, error) {
	t := &Tracker{path: path, records: make(map[string]*Record), maxRetries: defaultMaxRetries}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, err
	}

	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	for _, r := range records {
		t.records[r.TestName] = r
	}
	return t, nil
}

// RecordOutcome appends one pass/fail observation for testName.
func (t *Tracker) RecordOutcome(testName string, passed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[testName]
	if !ok {
		r = &Record{TestName: testName}
		t.records[testName] = r
	}
	r.recordOutcome(passed)
}

// ShouldRetry reports whether a failing, flaky test should be retried:
// should_retry(test, attempt) ≡ is_flaky(test) ∧ attempt < max_retries.
func (t *Tracker) ShouldRetry(testName string, attempt int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[testName]
	if !ok {
		return false
	}
	return r.IsFlaky() && attempt < t.maxRetries
}

// Record returns a copy of the tracked record for testName, or nil if
// nothing has been observed yet.
func (t *Tracker) Record(testName string) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[testName]
	if !ok {
		return nil
	}
	cp := *r
	cp.Outcomes = append([]bool(nil), r.Outcomes...)
	return &cp
}

// Weight returns the aggregation weight a failure of testName should
// carry: quarantined failures no longer count (0), flaky-but-not-
// quarantined failures count at half weight (0.5), everything else counts
// fully (1).
func (t *Tracker) Weight(testName string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[testName]
	if !ok {
		return 1
	}
	switch {
	case r.IsQuarantined():
		return 0
	case r.IsFlaky():
		return 0.5
	default:
		return 1
	}
}

// AdjustTestResults overrides quarantined tests' failures to passed
// (true) and returns the adjusted verdicts alongside the list of test
// names that were quarantined away. Non-quarantined failures keep their
// reported verdict; passing tests are returned unchanged.
func (t *Tracker) AdjustTestResults(results map[string]bool) (adjusted map[string]bool, quarantined []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	adjusted = make(map[string]bool, len(results))
	for testName, passed := range results {
		r, ok := t.records[testName]
		if ok && !passed && r.IsQuarantined() {
			adjusted[testName] = true
			quarantined = append(quarantined, testName)
			continue
		}
		adjusted[testName] = passed
	}
	return adjusted, quarantined
}

// Save persists the tracker's full history to its backing file.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	records := make([]*Record, 0, len(t.records))
	for _, r := range t.records {
		records = append(records, r)
	}
	return fsutil.AtomicWriteJSON(t.path, records)
}
