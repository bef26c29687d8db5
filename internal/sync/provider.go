package sync

import (
	"context"
)

// RemoteMessage is one fetched message, already decoded from the wire.
// Immutable once fetched; the engine never mutates it.
type RemoteMessage struct {
	// ID is the provider's opaque, per-account-unique identifier.
	ID string
	// Labels is the label set attached at fetch time.
	Labels []string
	// Raw is the complete encoded message (RFC 2822 bytes).
	Raw []byte
	// HistoryID is the account-level change-sequence token observed
	// when the message was fetched, used to seed the next checkpoint.
	HistoryID uint64
}

// Label describes one remote label.
type Label struct {
	ID   string
	Name string
	// Type is "system" or "user".
	Type string
}

// Feed abstracts the two remote fetch modes. No provider-specific
// types cross this boundary; adapters translate their SDK's records
// into the plain data above.
type Feed interface {
	// ListMessages streams candidate message ids for one label,
	// most recent first, following continuation tokens until max ids
	// have been collected or the listing is exhausted. The cap is
	// enforced by truncating, never by aborting mid-page.
	ListMessages(ctx context.Context, labelID, query string, max int) ([]string, error)

	// GetMessage fetches one message with its full raw content.
	GetMessage(ctx context.Context, id string) (*RemoteMessage, error)

	// ListHistory returns the ids of messages added since cursor for
	// one label, in event order, plus the cursor to store next. Fails
	// with ErrCursorExpired once the remote retention horizon has
	// passed the cursor.
	ListHistory(ctx context.Context, cursor, labelID string) (added []string, newCursor string, err error)

	// ListLabels returns the account's label taxonomy.
	ListLabels(ctx context.Context) ([]Label, error)

	// CurrentCursor reports the account's present change-feed
	// position, used to checkpoint a full sync that fetched nothing.
	CurrentCursor(ctx context.Context) (string, error)
}

// Recorder receives the engine's durable side-channel: per-run results
// and per-message deliveries. A nil Recorder disables journaling.
type Recorder interface {
	RecordRun(ctx context.Context, mode string, fetched, skipped, written, failed int, notes, errMsg string) error
	RecordStored(ctx context.Context, messageID, folder, flags, path string) error
}
