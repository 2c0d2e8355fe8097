package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/knotchat/knot/internal/model"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c *model.Conversation) error {
	now := time.Now().UnixMilli()
	details, err := json.Marshal(c.ParticipantDetails)
	if err != nil {
		details = []byte("{}")
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, conv_type, participants, participant_details, last_message_id, last_message_text, last_message_sender, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conv_type = excluded.conv_type,
			participants = excluded.participants,
			participant_details = excluded.participant_details,
			last_message_id = excluded.last_message_id,
			last_message_text = excluded.last_message_text,
			last_message_sender = excluded.last_message_sender,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at`,
		c.ID, string(c.Type), marshalSet(c.Participants), string(details),
		c.LastMessageID, c.LastMessage.Text, c.LastMessage.SenderID, c.LastMessage.Timestamp, now)
	return err
}

// UpdateSummary rewrites only the last-message pointer of a conversation.
// Callers go through the summary guard, never here directly.
func (db *DB) UpdateSummary(conversationID, lastMessageID string, s model.Summary) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET
			last_message_id = ?,
			last_message_text = ?,
			last_message_sender = ?,
			last_message_at = ?,
			updated_at = ?
		WHERE id = ?`,
		lastMessageID, s.Text, s.SenderID, s.Timestamp, now, conversationID)
	return err
}

// GetConversation returns a single conversation by ID, or nil if absent.
func (db *DB) GetConversation(id string) (*model.Conversation, error) {
	var c model.Conversation
	var convType, participants, details string
	err := db.QueryRow(`
		SELECT id, conv_type, participants, participant_details, last_message_id, last_message_text, last_message_sender, last_message_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &convType, &participants, &details,
			&c.LastMessageID, &c.LastMessage.Text, &c.LastMessage.SenderID, &c.LastMessage.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Type = model.ConversationType(convType)
	c.Participants = unmarshalSet(participants)
	if details != "" {
		_ = json.Unmarshal([]byte(details), &c.ParticipantDetails)
	}
	return &c, nil
}

// ListConversations returns conversations sorted by last message timestamp
// descending.
func (db *DB) ListConversations(limit int) ([]*model.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, conv_type, participants, participant_details, last_message_id, last_message_text, last_message_sender, last_message_at
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []*model.Conversation
	for rows.Next() {
		var c model.Conversation
		var convType, participants, details string
		if err := rows.Scan(&c.ID, &convType, &participants, &details,
			&c.LastMessageID, &c.LastMessage.Text, &c.LastMessage.SenderID, &c.LastMessage.Timestamp); err != nil {
			return nil, err
		}
		c.Type = model.ConversationType(convType)
		c.Participants = unmarshalSet(participants)
		if details != "" {
			_ = json.Unmarshal([]byte(details), &c.ParticipantDetails)
		}
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}
