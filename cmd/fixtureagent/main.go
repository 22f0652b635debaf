// Command fixtureagent is a scriptable stand-in for a real external
// agent process, used by internal/agentproc's tests the same way
// cmd/mockagent backs internal/supervisor's tests: a real subprocess
// built once per test run and driven over its actual stdin/stdout
// rather than a mocked interface. Unlike mockagent it speaks
// agentproc's flat Request/Response pair instead of the
// protocol.Command/Event envelope, and its behavior is driven entirely
// by flags rather than a JSON script file, since it only ever needs to
// answer one request at a time.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/iambrandonn/lorch/internal/ndjson"
)

type request struct {
	WorkflowID       string   `json:"workflow_id"`
	TaskDescription  string   `json:"task_description"`
	PhaseDescription string   `json:"phase_description"`
	PriorCompleted   []string `json:"prior_completed,omitempty"`
	Attempt          int      `json:"attempt"`
	IsRetry          bool     `json:"is_retry"`
	RetryFeedback    []string `json:"retry_feedback,omitempty"`
}

type response struct {
	Failed bool   `json:"failed"`
	Reason string `json:"reason,omitempty"`
}

func main() {
	fail := flag.Bool("fail", false, "always respond with Failed=true")
	failReason := flag.String("fail-reason", "simulated failure", "reason reported when -fail is set")
	failUntilAttempt := flag.Int("fail-until-attempt", 0, "respond Failed=true for any request with Attempt below this value")
	delay := flag.String("delay", "", "sleep this long (e.g. 50ms) before responding")
	crashAfter := flag.Int("crash-after", 0, "exit abruptly after handling this many requests (0 disables)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	decoder := ndjson.NewDecoder(os.Stdin, logger)
	encoder := ndjson.NewEncoder(os.Stdout, logger)

	var sleepFor time.Duration
	if *delay != "" {
		d, err := time.ParseDuration(*delay)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -delay: %v\n", err)
			os.Exit(1)
		}
		sleepFor = d
	}

	handled := 0
	for {
		var req request
		if err := decoder.Decode(&req); err != nil {
			if err == io.EOF {
				return
			}
			fmt.Fprintf(os.Stderr, "decode error: %v\n", err)
			os.Exit(1)
		}

		if sleepFor > 0 {
			time.Sleep(sleepFor)
		}

		resp := response{}
		switch {
		case *fail:
			resp = response{Failed: true, Reason: *failReason}
		case *failUntilAttempt > 0 && req.Attempt < *failUntilAttempt:
			resp = response{Failed: true, Reason: fmt.Sprintf("attempt %d below threshold %d", req.Attempt, *failUntilAttempt)}
		default:
			resp = response{Failed: false, Reason: "ok: " + req.PhaseDescription}
		}

		if err := encoder.Encode(resp); err != nil {
			fmt.Fprintf(os.Stderr, "encode error: %v\n", err)
			os.Exit(1)
		}

		handled++
		if *crashAfter > 0 && handled >= *crashAfter {
			os.Exit(7)
		}
	}
}
