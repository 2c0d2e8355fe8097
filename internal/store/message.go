package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/knotchat/knot/internal/model"
)

const upsertMessageSQL = `
	INSERT INTO messages (identity, local_id, server_id, conversation_id, sender_id, body, media_ref, message_type, status, timestamp, read_by, delivered_to, deleted_by, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(identity) DO UPDATE SET
		server_id = excluded.server_id,
		sender_id = excluded.sender_id,
		body = excluded.body,
		media_ref = excluded.media_ref,
		status = excluded.status,
		read_by = excluded.read_by,
		delivered_to = excluded.delivered_to,
		deleted_by = excluded.deleted_by`

// UpsertMessage inserts or updates a message (idempotent on its identity key).
// The identity stays stable across the localId -> server id promotion, so a
// confirmed copy overwrites its optimistic stand-in in place.
func (db *DB) UpsertMessage(m *model.Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(upsertMessageSQL,
		m.Key(), m.LocalID, m.ID, m.ConversationID, m.SenderID, m.Body, m.MediaRef,
		string(m.Type), string(m.Status), m.Timestamp,
		marshalSet(m.ReadBy), marshalSet(m.DeliveredTo), marshalSet(m.DeletedBy), now)
	return err
}

// UpsertMessages upserts a batch of messages in one transaction.
func (db *DB) UpsertMessages(msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(upsertMessageSQL)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := stmt.Exec(
			m.Key(), m.LocalID, m.ID, m.ConversationID, m.SenderID, m.Body, m.MediaRef,
			string(m.Type), string(m.Status), m.Timestamp,
			marshalSet(m.ReadBy), marshalSet(m.DeliveredTo), marshalSet(m.DeletedBy), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const selectMessageSQL = `
	SELECT local_id, server_id, conversation_id, sender_id, body, media_ref, message_type, status, timestamp, read_by, delivered_to, deleted_by
	FROM messages`

// GetPage returns the most recent messages for a conversation, newest first.
func (db *DB) GetPage(conversationID string, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(selectMessageSQL+`
		WHERE conversation_id = ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// GetBefore returns up to limit messages older than beforeTs, newest first.
func (db *DB) GetBefore(conversationID string, beforeTs int64, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(selectMessageSQL+`
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// GetMessage returns a single message by identity key, or nil if absent.
func (db *DB) GetMessage(identity string) (*model.Message, error) {
	rows, err := db.Query(selectMessageSQL+` WHERE identity = ?`, identity)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// NewestTimestamp returns the timestamp of the newest cached message in a
// conversation, or 0 when the conversation has no cached messages.
func (db *DB) NewestTimestamp(conversationID string) (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRow(`SELECT MAX(timestamp) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// DeleteMessage removes a message row by identity key. Removing an absent row
// is not an error.
func (db *DB) DeleteMessage(identity string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE identity = ?`, identity)
	return err
}

// Clear wipes all cached messages and conversations (logout wipe).
func (db *DB) Clear() error {
	if _, err := db.Exec(`DELETE FROM messages`); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM conversations`)
	return err
}

func scanMessages(rows *sql.Rows) ([]*model.Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []*model.Message
	for rows.Next() {
		var m model.Message
		var msgType, status, readBy, deliveredTo, deletedBy string
		if err := rows.Scan(&m.LocalID, &m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.MediaRef,
			&msgType, &status, &m.Timestamp, &readBy, &deliveredTo, &deletedBy); err != nil {
			return nil, err
		}
		m.Type = model.MessageType(msgType)
		m.Status = model.Status(status)
		m.ReadBy = unmarshalSet(readBy)
		m.DeliveredTo = unmarshalSet(deliveredTo)
		m.DeletedBy = unmarshalSet(deletedBy)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func marshalSet(set []string) string {
	if len(set) == 0 {
		return "[]"
	}
	data, err := json.Marshal(set)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalSet(data string) []string {
	if data == "" || data == "[]" {
		return nil
	}
	var set []string
	if err := json.Unmarshal([]byte(data), &set); err != nil {
		return nil
	}
	return set
}
