// Package retry runs RPC and storage calls under a bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

// Backoff is an exponential backoff with a bounded number of retries.
type Backoff struct {
	// MaxRetries is the number of retries after the first attempt. 0 means no retries.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay. Zero means uncapped.
	MaxDelay time.Duration
}

// Exponential returns a Backoff starting at initial and capped at 30s.
func Exponential(maxRetries int, initial time.Duration) Backoff {
	return Backoff{
		MaxRetries:   maxRetries,
		InitialDelay: initial,
		MaxDelay:     30 * time.Second,
	}
}

// Delay returns the wait before retry number attempt (1-based) and whether it is allowed.
func (b Backoff) Delay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > b.MaxRetries {
		return 0, false
	}
	d := b.InitialDelay
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			return b.MaxDelay, true
		}
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d, true
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retryable reports whether err may succeed on a later attempt. Context errors, errors marked
// Permanent and JSON-RPC method/params errors are not retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case -32601, -32602: // method not found, invalid params
			return false
		}
	}
	return true
}

// Do runs fn until it succeeds, returns a non-retryable error, the retry budget is spent or ctx
// is done. onRetry, if set, is called before each wait. It returns the last error and the number
// of attempts made.
func Do(ctx context.Context, b Backoff, fn func(context.Context) error, onRetry func(attempt int, err error)) (int, error) {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if !Retryable(err) {
			return attempt, err
		}
		delay, ok := b.Delay(attempt)
		if !ok {
			return attempt, err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}
