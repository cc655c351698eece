package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ExtractionError is returned once every attempt of an extraction has failed
type ExtractionError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// RetryPolicy bounds how often a failed extraction is tried again. After
// failed attempt i (zero based) the caller waits BaseDelay * 2^i.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy tries three times, waiting 1s and then 2s in between
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: time.Second}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retrying decorates a Scanner with the retry policy
type Retrying struct {
	next   Scanner
	policy RetryPolicy
}

// WithRetry wraps next so every extraction is retried with exponential backoff
func WithRetry(next Scanner, policy RetryPolicy) *Retrying {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Sleep == nil {
		policy.Sleep = sleepContext
	}
	return &Retrying{next: next, policy: policy}
}

// ScanReceipt implements Scanner
func (r *Retrying) ScanReceipt(ctx context.Context, media Media) (*ReceiptData, error) {
	var data *ReceiptData
	err := r.do(ctx, "receipt extraction", func() error {
		var err error
		data, err = r.next.ScanReceipt(ctx, media)
		return err
	})
	return data, err
}

// ScanStatement implements Scanner
func (r *Retrying) ScanStatement(ctx context.Context, in StatementInput) ([]StatementLine, error) {
	if err := in.Validate(); err != nil {
		return nil, &ExtractionError{Op: "statement extraction", Attempts: 0, Err: err}
	}
	var lines []StatementLine
	err := r.do(ctx, "statement extraction", func() error {
		var err error
		lines, err = r.next.ScanStatement(ctx, in)
		return err
	})
	return lines, err
}

// Close implements Scanner
func (r *Retrying) Close() error {
	return r.next.Close()
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < r.policy.Attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, ErrInvalidInput) {
			return &ExtractionError{Op: op, Attempts: i + 1, Err: err}
		}
		if i == r.policy.Attempts-1 {
			break
		}

		delay := r.policy.BaseDelay << i
		slog.Warn("Extraction attempt failed",
			"op", op,
			"attempt", i+1,
			"retry_in", delay,
			"error", err,
		)
		if serr := r.policy.Sleep(ctx, delay); serr != nil {
			return &ExtractionError{Op: op, Attempts: i + 1, Err: serr}
		}
	}
	return &ExtractionError{Op: op, Attempts: r.policy.Attempts, Err: err}
}
