// Package queue is the durable send queue. It lives in its own SQLite file,
// independent of the cache store, so a crash between "queued" and "cached"
// can never lose a send intent.
package queue

import (
	"database/sql"
	"fmt"

	"github.com/knotchat/knot/internal/model"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection for queue.db.
type DB struct {
	*sql.DB
}

// Open creates the queue connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping queue db: %w", err)
	}
	return &DB{db}, nil
}

// Enqueue adds a send intent. The local_id primary key enforces at most one
// entry per message.
func (db *DB) Enqueue(q *model.QueuedMessage) error {
	_, err := db.Exec(`
		INSERT INTO queue (local_id, conversation_id, sender_id, body, media_ref, message_type, retry_count, enqueued_at, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.LocalID, q.ConversationID, q.SenderID, q.Body, q.MediaRef, string(q.Type),
		q.RetryCount, q.EnqueuedAt, q.LastAttemptAt)
	return err
}

// Dequeue removes an entry. Removing an absent entry is not an error: the
// entry is removed exactly once, on confirmed dispatch or permanent failure,
// and either path may race a manual retry.
func (db *DB) Dequeue(localID string) error {
	_, err := db.Exec(`DELETE FROM queue WHERE local_id = ?`, localID)
	return err
}

// RecordAttempt bumps the retry counter and stamps the attempt time.
func (db *DB) RecordAttempt(localID string, at int64) error {
	_, err := db.Exec(`UPDATE queue SET retry_count = retry_count + 1, last_attempt_at = ? WHERE local_id = ?`, at, localID)
	return err
}

// Get returns one entry by local ID, or nil if absent.
func (db *DB) Get(localID string) (*model.QueuedMessage, error) {
	rows, err := db.Query(selectSQL+` WHERE local_id = ?`, localID)
	if err != nil {
		return nil, err
	}
	entries, err := scan(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// ListAll returns every queued entry in enqueue order.
func (db *DB) ListAll() ([]*model.QueuedMessage, error) {
	rows, err := db.Query(selectSQL + ` ORDER BY enqueued_at ASC`)
	if err != nil {
		return nil, err
	}
	return scan(rows)
}

// ListForConversation returns queued entries for one conversation in enqueue order.
func (db *DB) ListForConversation(conversationID string) ([]*model.QueuedMessage, error) {
	rows, err := db.Query(selectSQL+` WHERE conversation_id = ? ORDER BY enqueued_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	return scan(rows)
}

const selectSQL = `
	SELECT local_id, conversation_id, sender_id, body, media_ref, message_type, retry_count, enqueued_at, last_attempt_at
	FROM queue`

func scan(rows *sql.Rows) ([]*model.QueuedMessage, error) {
	defer func() { _ = rows.Close() }()

	var entries []*model.QueuedMessage
	for rows.Next() {
		var q model.QueuedMessage
		var msgType string
		if err := rows.Scan(&q.LocalID, &q.ConversationID, &q.SenderID, &q.Body, &q.MediaRef,
			&msgType, &q.RetryCount, &q.EnqueuedAt, &q.LastAttemptAt); err != nil {
			return nil, err
		}
		q.Type = model.MessageType(msgType)
		entries = append(entries, &q)
	}
	return entries, rows.Err()
}
