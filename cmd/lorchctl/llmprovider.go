package main

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/iambrandonn/lorch/internal/llm"
)

// subprocessProvider implements llm.Provider by running a configured
// external command once per call, feeding it the prompt on stdin and
// reading its full stdout as the completion. Concrete vendor adapters
// are out of scope for this module; any real model invocation lives
// behind whatever command the operator points --model-cmd at.
type subprocessProvider struct {
	cmd []string
}

func (p *subprocessProvider) Call(ctx context.Context, req llm.Request) (llm.Response, error) {
	if len(p.cmd) == 0 {
		return llm.Response{}, fmt.Errorf("no model command configured")
	}

	cmd := exec.CommandContext(ctx, p.cmd[0], p.cmd[1:]...)
	cmd.Stdin = bytes.NewBufferString(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return llm.Response{}, fmt.Errorf("model command failed: %w (%s)", err, stderr.String())
	}

	return llm.Response{Content: stdout.String(), FinishReason: "stop"}, nil
}
