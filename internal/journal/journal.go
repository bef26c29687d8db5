// Package journal keeps a per-account sqlite record of sync activity:
// one row per run, one row per delivered message, and an outbox of
// notification events for external indexers.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Journal is the per-account sync journal. It implements
// sync.Recorder.
type Journal struct {
	DB      *sql.DB
	account string
}

// Run is one recorded sync attempt.
type Run struct {
	ID      int64     `json:"id"`
	Time    time.Time `json:"time"`
	Mode    string    `json:"mode"`
	Fetched int       `json:"fetched"`
	Skipped int       `json:"skipped"`
	Written int       `json:"written"`
	Failed  int       `json:"failed"`
	Notes   string    `json:"notes,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// OutboxMessage is one undispatched notification.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Open opens or creates the journal database for one account.
func Open(dbPath, account string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}

	return &Journal{DB: db, account: account}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.DB.Close()
}

// RecordRun appends one row describing a finished sync attempt.
func (j *Journal) RecordRun(ctx context.Context, mode string, fetched, skipped, written, failed int, notes, errMsg string) error {
	_, err := j.DB.ExecContext(ctx, `
		INSERT INTO sync_runs (ts, mode, fetched, skipped, written, failed, notes, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, time.Now().Unix(), mode, fetched, skipped, written, failed, notes, errMsg)

	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecordStored records one delivered message and enqueues a
// message.stored notification for the dispatch loop, atomically.
// Recording the same message twice is a no-op.
func (j *Journal) RecordStored(ctx context.Context, messageID, folder, flags, path string) error {
	now := time.Now().Unix()

	payload, err := json.Marshal(map[string]any{
		"event_id":   uuid.NewString(),
		"ts":         now,
		"account":    j.account,
		"message_id": messageID,
		"folder":     folder,
		"flags":      flags,
		"path":       path,
	})
	if err != nil {
		return fmt.Errorf("encode stored event: %w", err)
	}

	subject := fmt.Sprintf("account.%s.message.stored", j.account)
	msgID := fmt.Sprintf("message.stored|%s|%s", j.account, messageID)

	tx, err := j.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO stored_messages (message_id, folder, flags, path, stored_at)
		VALUES (?, ?, ?, ?, ?)
	`, messageID, folder, flags, path, now)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record stored message: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, now, subject, "message.stored", payload, msgID, now)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("enqueue notification: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RecentRuns returns the latest sync attempts, newest first.
func (j *Journal) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := j.DB.QueryContext(ctx, `
		SELECT id, ts, mode, fetched, skipped, written, failed, notes, error
		FROM sync_runs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var ts int64
		var notes, errMsg sql.NullString
		if err := rows.Scan(&r.ID, &ts, &r.Mode, &r.Fetched, &r.Skipped, &r.Written, &r.Failed, &notes, &errMsg); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Time = time.Unix(ts, 0).UTC()
		r.Notes = notes.String
		r.Error = errMsg.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// StoredCount reports how many messages the journal has seen.
func (j *Journal) StoredCount(ctx context.Context) (int64, error) {
	var n int64
	err := j.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM stored_messages`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stored messages: %w", err)
	}
	return n, nil
}

// DequeueOutbox fetches undispatched notifications that are due.
func (j *Journal) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()

	rows, err := j.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as dispatched.
func (j *Journal) MarkPublished(ctx context.Context, id int64) error {
	_, err := j.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// MarkRetry bumps the retry count and defers the next attempt.
func (j *Journal) MarkRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := j.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return nil
}
