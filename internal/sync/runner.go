package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maildrift/maildrift/internal/journal"
	"github.com/maildrift/maildrift/internal/maildir"
	"github.com/maildrift/maildrift/internal/notify"
	"github.com/maildrift/maildrift/internal/state"
)

// Runner owns the sync lifecycle of one account: it wires the feed,
// Maildir, checkpoint store and journal together, runs the engine, and
// drains the notification outbox to the publisher.
type Runner struct {
	DataRoot  string
	Account   string
	Feed      Feed
	Publisher *notify.Publisher
	Options   Options
	// Interval between incremental passes in continuous mode.
	Interval time.Duration
	Workers  int
	Log      *logrus.Entry
}

// MaildirPath returns the account's Maildir root under DataRoot.
func (r *Runner) MaildirPath() string {
	return filepath.Join(r.DataRoot, r.Account, "Mail")
}

// StatePath returns the directory holding checkpoint files.
func (r *Runner) StatePath() string {
	return filepath.Join(r.DataRoot, "sync-state")
}

// JournalPath returns the account's journal database path.
func (r *Runner) JournalPath() string {
	return filepath.Join(r.DataRoot, r.Account, "journal.db")
}

func (r *Runner) log() *logrus.Entry {
	if r.Log != nil {
		return r.Log
	}
	return logrus.WithField("account", r.Account)
}

func (r *Runner) buildEngine() (*Engine, *journal.Journal, error) {
	local, err := maildir.NewStore(r.MaildirPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open maildir: %w", err)
	}

	jnl, err := journal.Open(r.JournalPath(), r.Account)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}

	eng := &Engine{
		Feed:    r.Feed,
		Local:   local,
		State:   state.NewFileStore(r.StatePath(), r.Account),
		Journal: jnl,
		Log:     r.log(),
		Workers: r.Workers,
	}
	return eng, jnl, nil
}

// RunOnce performs a single sync attempt and returns its result.
func (r *Runner) RunOnce(ctx context.Context) (*Result, error) {
	eng, jnl, err := r.buildEngine()
	if err != nil {
		return nil, err
	}
	defer jnl.Close()

	res, err := eng.Sync(ctx, r.Options)

	if r.Publisher != nil {
		r.dispatchOnce(ctx, jnl)
	}
	return res, err
}

// Run performs an initial sync and then keeps the mirror current with
// periodic incremental passes until the context is cancelled. The
// notification outbox is dispatched in the background throughout.
func (r *Runner) Run(ctx context.Context) error {
	eng, jnl, err := r.buildEngine()
	if err != nil {
		return err
	}
	defer jnl.Close()

	if r.Publisher != nil {
		if err := r.Publisher.EnsureStream(ctx); err != nil {
			return fmt.Errorf("ensure notification stream: %w", err)
		}
		go r.dispatchLoop(ctx, jnl)
	}

	if _, err := eng.Sync(ctx, r.Options); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}

	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	// After the first pass the stored checkpoint drives incremental
	// mode; one-shot overrides must not repeat on every tick.
	opts := r.Options
	opts.ForceFull = false
	opts.Since = time.Time{}
	opts.Days = 0

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log().Info("stopping sync")
			return nil
		case <-ticker.C:
			if _, err := eng.Sync(ctx, opts); err != nil {
				r.log().WithError(err).Error("periodic sync failed")
			}
		}
	}
}

// dispatchLoop continuously drains the journal outbox to NATS.
func (r *Runner) dispatchLoop(ctx context.Context, jnl *journal.Journal) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := jnl.DequeueOutbox(ctx, 100)
		if err != nil {
			r.log().WithError(err).Error("dequeue outbox failed")
			time.Sleep(time.Second)
			continue
		}

		if len(messages) == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		r.dispatch(ctx, jnl, messages)
	}
}

// dispatchOnce drains whatever is currently due, for one-shot runs.
func (r *Runner) dispatchOnce(ctx context.Context, jnl *journal.Journal) {
	for {
		messages, err := jnl.DequeueOutbox(ctx, 100)
		if err != nil || len(messages) == 0 {
			return
		}
		r.dispatch(ctx, jnl, messages)
	}
}

func (r *Runner) dispatch(ctx context.Context, jnl *journal.Journal, messages []journal.OutboxMessage) {
	for _, msg := range messages {
		if err := r.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			r.log().WithError(err).WithField("outbox_id", msg.ID).Error("publish failed")
			_ = jnl.MarkRetry(ctx, msg.ID, 10*time.Second)
			continue
		}
		if err := jnl.MarkPublished(ctx, msg.ID); err != nil {
			r.log().WithError(err).WithField("outbox_id", msg.ID).Error("mark published failed")
		}
	}
}
