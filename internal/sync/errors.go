package sync

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors classifying remote failures. Feed adapters wrap
// their SDK errors into these so the engine can stay provider-neutral.
var (
	// ErrCursorExpired means the stored cursor fell behind the remote
	// retention horizon. Recoverable: the engine falls back to a full
	// sync and reports it as an informational note.
	ErrCursorExpired = errors.New("sync: change-feed cursor expired")

	// ErrAuthExpired means the credentials are no longer valid.
	// Retrying cannot succeed; the run halts immediately.
	ErrAuthExpired = errors.New("sync: authentication expired")

	// ErrTransient marks failures worth retrying with backoff.
	ErrTransient = errors.New("sync: transient remote failure")

	// ErrRateLimitExhausted means the provider kept throttling past the
	// engine's pause budget. Terminal for the run; the checkpoint stays
	// put so nothing is skipped when the account recovers.
	ErrRateLimitExhausted = errors.New("sync: rate limiting persisted, giving up")
)

// RateLimitError signals provider throttling. The engine suspends all
// workers for RetryAfter before resuming; rate-limit pauses do not
// consume retry attempts but are bounded by the engine's pause budget.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("sync: rate limited, retry after %s", e.RetryAfter)
}

// StorageError wraps a fatal local-store failure (disk full,
// permission denied). It aborts the run before the checkpoint moves.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("sync: fatal storage failure: %v", e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// MessageError records one failed message inside a Result.
type MessageError struct {
	MessageID string `json:"message_id"`
	Err       string `json:"error"`
}

func isFatal(err error) bool {
	var se *StorageError
	return errors.As(err, &se) ||
		errors.Is(err, ErrAuthExpired) ||
		errors.Is(err, ErrRateLimitExhausted)
}
