// Package sync implements the reconciliation engine between a remote
// label-tagged mailbox and the local Maildir mirror. It selects full
// or incremental mode from the stored checkpoint, streams candidate
// messages, classifies and writes them idempotently, and commits a new
// checkpoint only after every write has landed.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"github.com/bradenaw/juniper/parallel"
	"github.com/sirupsen/logrus"

	"github.com/maildrift/maildrift/internal/maildir"
	"github.com/maildrift/maildrift/internal/state"
)

// Sync modes.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
)

const (
	defaultWorkers     = 4
	defaultMaxAttempts = 3
	defaultRetryBase   = time.Second
	defaultMaxPauses   = 10
)

// Options parameterize one sync invocation.
type Options struct {
	// Labels to synchronize, by remote label id.
	Labels []string
	// MaxPerLabel caps the candidates fetched per label in full mode.
	MaxPerLabel int
	// Since restricts a full sync to messages after this date.
	Since time.Time
	// Days restricts a full sync to the last N days (ignored when
	// Since is set). Either filter forces full mode: the change feed
	// cannot express a date bound.
	Days int
	// ForceFull ignores any stored checkpoint.
	ForceFull bool
}

// Result is the terminal report of one sync invocation. Per-message
// failures are collected here, never raised past the message boundary.
type Result struct {
	Mode    string         `json:"mode"`
	Fetched int            `json:"fetched"`
	Skipped int            `json:"skipped"`
	Written int            `json:"written"`
	Failed  int            `json:"failed"`
	Errors  []MessageError `json:"errors,omitempty"`
	// Notes surface recoverable conditions (cursor fallback) that are
	// informational rather than failures.
	Notes []string `json:"notes,omitempty"`
}

// Engine drives the reconciliation for one account.
type Engine struct {
	Feed    Feed
	Local   *maildir.Store
	State   state.Store
	Journal Recorder
	Log     *logrus.Entry

	// Workers bounds the per-message fetch+write pool.
	Workers int
	// MaxAttempts and RetryBase shape the transient-retry policy.
	MaxAttempts int
	RetryBase   time.Duration
	// MaxPauses caps consecutive rate-limit pauses on one remote call
	// before the run aborts with ErrRateLimitExhausted.
	MaxPauses int

	gate pauseGate
}

// Sync runs one full reconciliation attempt. Fatal failures return the
// partial Result alongside the error; the prior checkpoint is left
// intact so the next run resumes from a consistent point.
func (e *Engine) Sync(ctx context.Context, opts Options) (*Result, error) {
	res, err := e.sync(ctx, opts)
	if e.Journal != nil {
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		notes := strings.Join(res.Notes, "; ")
		if jerr := e.Journal.RecordRun(ctx, res.Mode, res.Fetched, res.Skipped, res.Written, res.Failed, notes, errMsg); jerr != nil {
			e.log().WithError(jerr).Warn("journal run record failed")
		}
	}
	return res, err
}

func (e *Engine) sync(ctx context.Context, opts Options) (*Result, error) {
	res := &Result{}

	if err := e.Local.RefreshIndex(); err != nil {
		return res, &StorageError{Err: err}
	}

	cp, err := e.State.Load()
	if err != nil {
		return res, fmt.Errorf("load checkpoint: %w", err)
	}

	dateFiltered := !opts.Since.IsZero() || opts.Days > 0
	res.Mode = ModeIncremental
	if cp == nil || cp.Cursor == "" || opts.ForceFull || dateFiltered {
		res.Mode = ModeFull
	}

	log := e.log().WithField("mode", res.Mode)
	log.WithField("labels", opts.Labels).Info("sync start")

	var cursor string
	if res.Mode == ModeIncremental {
		cursor, err = e.incremental(ctx, opts, cp.Cursor, res)
		if errors.Is(err, ErrCursorExpired) {
			// Recoverable: the remote horizon passed our cursor. Fall
			// back to a full pass and tell the caller as a note only.
			// Partial incremental counts are dropped so the full pass
			// does not report the same messages twice.
			*res = Result{
				Mode:  ModeFull,
				Notes: []string{"change-feed cursor expired; fell back to full sync"},
			}
			log.Info("cursor expired, falling back to full sync")
			err = nil
		}
		if err != nil {
			return res, err
		}
	}
	if res.Mode == ModeFull {
		cursor, err = e.full(ctx, opts, res)
		if err != nil {
			return res, err
		}
	}

	if cursor != "" {
		if err := e.State.Save(cursor, opts.Labels); err != nil {
			return res, fmt.Errorf("save checkpoint: %w", err)
		}
	}

	log.WithFields(logrus.Fields{
		"written": res.Written,
		"skipped": res.Skipped,
		"failed":  res.Failed,
	}).Info("sync done")
	return res, nil
}

// full streams candidate ids per label, processes the ones not already
// present, and returns the cursor to checkpoint.
func (e *Engine) full(ctx context.Context, opts Options, res *Result) (string, error) {
	query := buildQuery(opts.Since, opts.Days, time.Now())

	var candidates []string
	seen := make(map[string]bool)

	for _, label := range opts.Labels {
		var ids []string
		err := e.withRetry(ctx, func() error {
			var lerr error
			ids, lerr = e.Feed.ListMessages(ctx, label, query, e.maxPerLabel(opts))
			return lerr
		})
		if err != nil {
			// Losing an entire label means the checkpoint must not
			// advance, or its messages would be silently skipped
			// forever.
			return "", fmt.Errorf("list label %s: %w", label, err)
		}

		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			if e.Local.Exists(id) {
				res.Skipped++
				continue
			}
			candidates = append(candidates, id)
		}
	}

	highest, err := e.process(ctx, candidates, res)
	if err != nil {
		return "", err
	}

	if highest != 0 {
		return fmt.Sprintf("%d", highest), nil
	}
	// Nothing was fetched; ask the provider for its current position
	// so the next run can still go incremental.
	var cursor string
	err = e.withRetry(ctx, func() error {
		var cerr error
		cursor, cerr = e.Feed.CurrentCursor(ctx)
		return cerr
	})
	if err != nil {
		e.log().WithError(err).Warn("current cursor unavailable, checkpoint unchanged")
		return "", nil
	}
	return cursor, nil
}

// incremental asks the change feed for additions since cursor. Removal
// and label-change records are ignored by the Feed contract: local
// copies are never deleted or re-flagged by a later sync.
func (e *Engine) incremental(ctx context.Context, opts Options, cursor string, res *Result) (string, error) {
	var candidates []string
	seen := make(map[string]bool)
	newCursor := cursor

	for _, label := range opts.Labels {
		var added []string
		var labelCursor string
		err := e.withRetry(ctx, func() error {
			var lerr error
			added, labelCursor, lerr = e.Feed.ListHistory(ctx, cursor, label)
			return lerr
		})
		if err != nil {
			return "", fmt.Errorf("history for label %s: %w", label, err)
		}
		if labelCursor != "" {
			newCursor = labelCursor
		}

		for _, id := range added {
			if seen[id] {
				continue
			}
			seen[id] = true
			// Change records should not repeat, but the existence
			// check keeps a repeat harmless.
			if e.Local.Exists(id) {
				res.Skipped++
				continue
			}
			candidates = append(candidates, id)
		}
	}

	if _, err := e.process(ctx, candidates, res); err != nil {
		return "", err
	}
	return newCursor, nil
}

// process runs the per-message Fetch -> Classify -> Write loop over a
// bounded worker pool. Per-message failures are collected into res;
// only fatal storage or auth errors abort the pool. Returns the
// highest change-sequence token observed across fetched messages.
func (e *Engine) process(ctx context.Context, ids []string, res *Result) (uint64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var mu stdsync.Mutex
	var highest uint64

	err := parallel.DoContext(ctx, e.workers(), len(ids), func(ctx context.Context, i int) error {
		id := ids[i]

		if err := e.gate.wait(ctx); err != nil {
			return err
		}
		if e.Local.Exists(id) {
			mu.Lock()
			res.Skipped++
			mu.Unlock()
			return nil
		}

		var msg *RemoteMessage
		err := e.withRetry(ctx, func() error {
			var ferr error
			msg, ferr = e.Feed.GetMessage(ctx, id)
			return ferr
		})
		if err != nil {
			if isFatal(err) {
				return err
			}
			mu.Lock()
			res.Failed++
			res.Errors = append(res.Errors, MessageError{MessageID: id, Err: err.Error()})
			mu.Unlock()
			return nil
		}

		mu.Lock()
		res.Fetched++
		if msg.HistoryID > highest {
			highest = msg.HistoryID
		}
		mu.Unlock()

		folder, flags := maildir.Classify(msg.Labels)
		entry, err := e.Local.Write(folder, msg.Raw, msg.Labels, msg.ID)
		if err != nil {
			if maildir.IsFatal(err) {
				return &StorageError{Err: err}
			}
			mu.Lock()
			res.Failed++
			res.Errors = append(res.Errors, MessageError{MessageID: id, Err: err.Error()})
			mu.Unlock()
			return nil
		}

		e.log().WithFields(logrus.Fields{
			"message": id,
			"folder":  folder,
			"flags":   flags,
		}).Debug("message stored")

		mu.Lock()
		res.Written++
		mu.Unlock()

		if e.Journal != nil {
			if jerr := e.Journal.RecordStored(ctx, msg.ID, entry.Folder, entry.Flags, entry.Path); jerr != nil {
				e.log().WithError(jerr).Warn("journal store record failed")
			}
		}
		return nil
	})
	if err != nil {
		return highest, err
	}
	return highest, nil
}

// withRetry applies the remote retry policy: transients get a fixed
// attempt budget with exponential backoff, throttling pauses every
// worker for the provider-specified interval without consuming an
// attempt, and everything else surfaces immediately. Pauses have their
// own budget; a provider that throttles past it ends the run so the
// periodic runner behind a persistently limited account cannot spin
// forever.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	attempts := 0
	pauses := 0
	backoff := e.retryBase()

	for {
		if err := e.gate.wait(ctx); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		var rl *RateLimitError
		if errors.As(err, &rl) {
			pauses++
			if pauses >= e.maxPauses() {
				return fmt.Errorf("%w: %d consecutive pauses", ErrRateLimitExhausted, pauses)
			}
			e.log().WithField("retry_after", rl.RetryAfter).Warn("rate limited, pausing workers")
			e.gate.pause(rl.RetryAfter)
			continue
		}

		if errors.Is(err, ErrTransient) {
			attempts++
			if attempts >= e.maxAttempts() {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return err
	}
}

// buildQuery translates the date filter into a single provider-native
// predicate, e.g. "after:2024/01/01".
func buildQuery(since time.Time, days int, now time.Time) string {
	if since.IsZero() && days > 0 {
		since = now.AddDate(0, 0, -days)
	}
	if since.IsZero() {
		return ""
	}
	return fmt.Sprintf("after:%04d/%02d/%02d", since.Year(), since.Month(), since.Day())
}

func (e *Engine) workers() int {
	if e.Workers > 0 {
		return e.Workers
	}
	return defaultWorkers
}

func (e *Engine) maxAttempts() int {
	if e.MaxAttempts > 0 {
		return e.MaxAttempts
	}
	return defaultMaxAttempts
}

func (e *Engine) retryBase() time.Duration {
	if e.RetryBase > 0 {
		return e.RetryBase
	}
	return defaultRetryBase
}

func (e *Engine) maxPauses() int {
	if e.MaxPauses > 0 {
		return e.MaxPauses
	}
	return defaultMaxPauses
}

func (e *Engine) maxPerLabel(opts Options) int {
	if opts.MaxPerLabel > 0 {
		return opts.MaxPerLabel
	}
	return 100
}

func (e *Engine) log() *logrus.Entry {
	if e.Log != nil {
		return e.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// pauseGate suspends all workers together when the provider throttles,
// instead of letting each retry independently.
type pauseGate struct {
	mu       stdsync.Mutex
	resumeAt time.Time
}

func (g *pauseGate) pause(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until := time.Now().Add(d); until.After(g.resumeAt) {
		g.resumeAt = until
	}
}

func (g *pauseGate) wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		d := time.Until(g.resumeAt)
		g.mu.Unlock()
		if d <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}
