// Package llm wraps every call to a language-model provider with budget
// enforcement and retry. The estimate-reserve-call-commit/rollback flow is
// new (the teacher never called an LLM synchronously, only streamed agent
// subprocess events), but the retry-with-jitter shape is grounded on the
// pack's own LLM-calling code, particularly
// None9527-NGOClaw's AgentLoop.callLLMWithRetry and its isRetryableError
// classifier, adapted from a fixed-backoff loop to an exponential
// backoff-with-jitter policy.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/iambrandonn/lorch/internal/budget"
)

// TokenCounter estimates the token cost of a prompt. Providers may inject a
// model-specific tokenizer; DefaultTokenCounter is the ~4-chars-per-token
// fallback used when none is available.
type TokenCounter interface {
	CountTokens(text string) int64
}

// DefaultTokenCounter approximates token count at four characters per
// token.
type DefaultTokenCounter struct{}

func (DefaultTokenCounter) CountTokens(text string) int64 {
	return int64(len(text)+3) / 4
}

// Usage reports tokens actually consumed by a provider call. A zero value
// means the provider did not report usage, which streaming calls often
// don't until the final chunk.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u Usage) total() int64 { return u.InputTokens + u.OutputTokens }
func (u Usage) isZero() bool { return u.InputTokens == 0 && u.OutputTokens == 0 }

// Request is one LLM call.
type Request struct {
	BudgetID      string
	CorrelationID string
	Model         string
	Prompt        string
	MaxTokens     int64
	Stream        bool
}

// Response is the result of a completed call.
type Response struct {
	Content      string
	Usage        Usage
	FinishReason string
}

// Provider performs the actual call to a language-model endpoint. Concrete
// vendor adapters live outside this module's scope; tests and callers
// supply their own implementation.
type Provider interface {
	Call(ctx context.Context, req Request) (Response, error)
}

// BudgetExhaustedError is raised when the estimated token cost cannot be
// reserved against the budget.
type BudgetExhaustedError struct {
	BudgetID  string
	Requested int64
	Available int64
	Reason    string
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("budget %q exhausted: requested %d, available %d (%s)", e.BudgetID, e.Requested, e.Available, e.Reason)
}

// RetryConfig controls the exponential-backoff-with-jitter retry policy.
type RetryConfig struct {
	Base         time.Duration
	Max          time.Duration
	JitterFactor float64
	MaxAttempts  int
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{Base: time.Second, Max: 30 * time.Second, JitterFactor: 0.5, MaxAttempts: 3}
}

// BufferFactor is applied to the estimated token total to leave headroom
// for tokenizer inaccuracy; default +10%.
const defaultBufferFactor = 0.10

// Interceptor wraps Provider calls with budget reservation and retry.
type Interceptor struct {
	Tracker      *budget.Tracker
	Provider     Provider
	Counter      TokenCounter
	BufferFactor float64
	Retry        RetryConfig
	Logger       *slog.Logger
}

// NewInterceptor builds an Interceptor with sensible defaults; override
// any zero-valued field on the returned pointer before first use.
func NewInterceptor(tracker *budget.Tracker, provider Provider, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		Tracker:      tracker,
		Provider:     provider,
		Counter:      DefaultTokenCounter{},
		BufferFactor: defaultBufferFactor,
		Retry:        defaultRetryConfig(),
		Logger:       logger,
	}
}

// Call estimates input tokens, reserves budget for the estimated total,
// invokes the provider with retry while holding the same reservation, then
// commits actual usage (or the estimate, if the provider never reports
// usage) on success, or rolls back on a non-retryable/retry-exhausted
// failure.
func (in *Interceptor) Call(ctx context.Context, req Request) (Response, error) {
	estimatedInput := in.Counter.CountTokens(req.Prompt)
	estimatedTotal := int64(float64(estimatedInput+req.MaxTokens) * (1 + in.BufferFactor))

	reserveResult, err := in.Tracker.Reserve(ctx, req.BudgetID, estimatedTotal, req.CorrelationID)
	if err != nil {
		return Response{}, fmt.Errorf("failed to reserve budget: %w", err)
	}
	if !reserveResult.Success {
		snap, _ := in.Tracker.Snapshot(ctx, req.BudgetID)
		available := snap.Limit - snap.Used - snap.Reserved
		return Response{}, &BudgetExhaustedError{
			BudgetID:  req.BudgetID,
			Requested: estimatedTotal,
			Available: available,
			Reason:    reserveResult.Reason,
		}
	}

	resp, callErr := in.callWithRetry(ctx, req)
	if callErr != nil {
		if err := in.Tracker.Rollback(ctx, req.BudgetID, reserveResult.ReservationID, callErr.Error()); err != nil {
			in.Logger.Error("failed to roll back reservation after call failure", "error", err, "reservation_id", reserveResult.ReservationID)
		}
		return Response{}, callErr
	}

	actual := resp.Usage.total()
	if resp.Usage.isZero() {
		in.Logger.Warn("provider did not report usage; committing estimated tokens",
			"budget_id", req.BudgetID, "estimated_total", estimatedTotal)
		actual = estimatedTotal
	}

	if err := in.Tracker.Commit(ctx, req.BudgetID, reserveResult.ReservationID, actual); err != nil {
		return Response{}, fmt.Errorf("failed to commit reservation: %w", err)
	}

	return resp, nil
}

func (in *Interceptor) callWithRetry(ctx context.Context, req Request) (Response, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = in.Retry.Base
	expBackoff.MaxInterval = in.Retry.Max
	expBackoff.Multiplier = 2
	expBackoff.RandomizationFactor = in.Retry.JitterFactor

	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(in.Retry.MaxAttempts-1)), ctx)

	var resp Response
	err := backoff.Retry(func() error {
		r, err := in.Provider.Call(ctx, req)
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}, policy)

	if err == nil {
		return resp, nil
	}
	var perr *backoff.PermanentError
	if isPermanent(err, &perr) {
		return Response{}, perr.Err
	}
	return Response{}, fmt.Errorf("llm call failed after retries: %w", err)
}

func isPermanent(err error, perr **backoff.PermanentError) bool {
	for err != nil {
		if p, ok := err.(*backoff.PermanentError); ok {
			*perr = p
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

var nonRetryablePatterns = []string{
	"context canceled",
	"unauthorized",
	"invalid api key",
	"bad request",
	"invalid argument",
	"model not found",
}

var retryablePatterns = []string{
	"timeout",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"eof",
	"server error",
	"429", "500", "502", "503", "504",
	"rate limit",
	"too many requests",
	"overloaded",
}

// isRetryable classifies provider errors: connection/timeout errors, HTTP
// 429/5xx, and provider "rate limit" strings are retried; everything
// else, including BudgetExhaustedError, is not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var budgetErr *BudgetExhaustedError
	if isBudgetExhausted(err, &budgetErr) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, p := range nonRetryablePatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func isBudgetExhausted(err error, target **BudgetExhaustedError) bool {
	if be, ok := err.(*BudgetExhaustedError); ok {
		*target = be
		return true
	}
	return false
}
