package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), "personal")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordRunAndRecentRuns(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordRun(ctx, "full", 3, 0, 3, 0, "", ""))
	require.NoError(t, j.RecordRun(ctx, "incremental", 1, 2, 1, 0, "cursor expired; fell back to full sync", ""))
	require.NoError(t, j.RecordRun(ctx, "full", 0, 0, 0, 0, "", "fatal storage failure"))

	runs, err := j.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	// Newest first.
	assert.Equal(t, "fatal storage failure", runs[0].Error)
	assert.Equal(t, "incremental", runs[1].Mode)
	assert.Equal(t, "cursor expired; fell back to full sync", runs[1].Notes)
	assert.Equal(t, 3, runs[2].Written)

	limited, err := j.RecentRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordStoredEnqueuesNotification(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordStored(ctx, "m1", "INBOX", "S", "/mail/INBOX/cur/1.m1.host:2,S"))

	count, err := j.StoredCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	messages, err := j.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "account.personal.message.stored", messages[0].Subject)
	assert.Equal(t, "message.stored|personal|m1", messages[0].MsgID)
	assert.Contains(t, string(messages[0].Payload), `"folder":"INBOX"`)
}

// Recording the same delivery twice must not duplicate rows or
// notifications.
func TestRecordStoredIdempotent(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordStored(ctx, "m1", "INBOX", "S", "/p1"))
	require.NoError(t, j.RecordStored(ctx, "m1", "INBOX", "S", "/p1"))

	count, err := j.StoredCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	messages, err := j.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestMarkPublishedRemovesFromQueue(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordStored(ctx, "m1", "INBOX", "S", "/p1"))

	messages, err := j.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	require.NoError(t, j.MarkPublished(ctx, messages[0].ID))

	messages, err = j.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestMarkRetryDefersDelivery(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordStored(ctx, "m1", "INBOX", "S", "/p1"))

	messages, err := j.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	require.NoError(t, j.MarkRetry(ctx, messages[0].ID, time.Hour))

	// Deferred beyond now: not due.
	messages, err = j.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j1, err := Open(path, "personal")
	require.NoError(t, err)
	require.NoError(t, j1.RecordRun(context.Background(), "full", 1, 0, 1, 0, "", ""))
	require.NoError(t, j1.Close())

	j2, err := Open(path, "personal")
	require.NoError(t, err)
	defer j2.Close()

	runs, err := j2.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
