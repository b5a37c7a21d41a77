package engine

import (
	"errors"
	"time"
)

var (
	ErrDisabled    = errors.New("engine: disabled")
	ErrStopped     = errors.New("engine: stopped")
	ErrStopping    = errors.New("engine: stopping")
	ErrQueueFull   = errors.New("engine: queue full")
	ErrOverlapSkip = errors.New("engine: job still running, run skipped")
)

// retryHint wraps a job error with how the worker should treat it. A zero
// after with final unset means normal backoff.
type retryHint struct {
	err   error
	final bool
	after time.Duration
}

func (h *retryHint) Error() string { return h.err.Error() }
func (h *retryHint) Unwrap() error { return h.err }

// NoRetry makes err final for this run. Ticks use it: the next timer fire is
// their retry.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &retryHint{err: err, final: true}
}

// RetryAfter asks for the next attempt after d, capped by RetryMaxDelay.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryHint{err: err, after: max(d, 0)}
}

func IsNoRetry(err error) bool {
	h, ok := hintOf(err)
	return ok && h.final
}

func hintOf(err error) (*retryHint, bool) {
	var h *retryHint
	if errors.As(err, &h) {
		return h, true
	}
	return nil, false
}
