package remote

import (
	"fmt"

	"github.com/knotchat/knot/internal/model"
)

// DecodeMessage validates and maps an untyped remote document into a Message.
// The remote store delivers duck-typed snapshots; everything entering the
// engine passes through here so shape errors surface at the boundary, not
// deep inside the merge path.
func DecodeMessage(doc Document) (*model.Message, error) {
	if doc == nil {
		return nil, fmt.Errorf("decode message: nil document")
	}

	m := &model.Message{
		ID:             str(doc["serverId"]),
		LocalID:        str(doc["localId"]),
		ConversationID: str(doc["conversationId"]),
		SenderID:       str(doc["senderId"]),
		Body:           str(doc["body"]),
		MediaRef:       str(doc["mediaRef"]),
		Type:           model.MessageType(str(doc["type"])),
		Status:         model.Status(str(doc["status"])),
		Timestamp:      i64(doc["timestamp"]),
		ReadBy:         strSlice(doc["readBy"]),
		DeliveredTo:    strSlice(doc["deliveredTo"]),
		DeletedBy:      strSlice(doc["deletedBy"]),
	}

	if m.LocalID == "" && m.ID == "" {
		return nil, fmt.Errorf("decode message: missing localId and serverId")
	}
	if m.ConversationID == "" {
		return nil, fmt.Errorf("decode message %s: missing conversationId", m.Key())
	}
	if m.Timestamp <= 0 {
		return nil, fmt.Errorf("decode message %s: missing timestamp", m.Key())
	}
	if m.Type == "" {
		m.Type = model.TypeText
	}
	if m.Status == "" {
		m.Status = model.StatusSent
	}
	return m, nil
}

// DecodeConversation validates and maps an untyped conversation document.
func DecodeConversation(doc Document) (*model.Conversation, error) {
	if doc == nil {
		return nil, fmt.Errorf("decode conversation: nil document")
	}

	c := &model.Conversation{
		ID:            str(doc["id"]),
		Type:          model.ConversationType(str(doc["type"])),
		Participants:  strSlice(doc["participants"]),
		LastMessageID: str(doc["lastMessageId"]),
	}
	if c.ID == "" {
		c.ID = str(doc["_id"])
	}
	if c.ID == "" {
		return nil, fmt.Errorf("decode conversation: missing id")
	}
	if c.Type == "" {
		c.Type = model.ConversationDirect
	}

	if last, ok := doc["lastMessage"].(map[string]any); ok {
		c.LastMessage = model.Summary{
			Text:      str(last["text"]),
			SenderID:  str(last["senderId"]),
			Timestamp: i64(last["timestamp"]),
		}
	}
	if details, ok := doc["participantDetails"].(map[string]any); ok {
		c.ParticipantDetails = make(map[string]model.Participant, len(details))
		for id, v := range details {
			d, ok := v.(map[string]any)
			if !ok {
				continue
			}
			c.ParticipantDetails[id] = model.Participant{
				Name:      str(d["name"]),
				AvatarRef: str(d["avatarRef"]),
			}
		}
	}
	return c, nil
}

// EncodeMessage maps a Message to the remote document shape.
func EncodeMessage(m *model.Message) Document {
	return Document{
		"localId":        m.LocalID,
		"serverId":       m.ID,
		"conversationId": m.ConversationID,
		"senderId":       m.SenderID,
		"body":           m.Body,
		"mediaRef":       m.MediaRef,
		"type":           string(m.Type),
		"status":         string(m.Status),
		"timestamp":      m.Timestamp,
		"readBy":         m.ReadBy,
		"deliveredTo":    m.DeliveredTo,
		"deletedBy":      m.DeletedBy,
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// i64 tolerates the numeric types document stores deliver.
func i64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func strSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if direct, ok := v.([]string); ok {
			return direct
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
