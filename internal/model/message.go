package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a message body.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeSystem MessageType = "system"
)

// Status is a message lifecycle state.
type Status string

const (
	StatusSending   Status = "sending"
	StatusQueued    Status = "queued"
	StatusFailed    Status = "failed"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// statusRank orders statuses by how much the client has learned about the
// message. A failed dispatch knows more than a pre-dispatch state but must
// never win over a server-confirmed one.
var statusRank = map[Status]int{
	StatusSending:   0,
	StatusQueued:    1,
	StatusFailed:    2,
	StatusSent:      3,
	StatusDelivered: 4,
	StatusRead:      5,
}

// Rank returns the lifecycle rank of the status. Unknown statuses rank lowest.
func (s Status) Rank() int {
	return statusRank[s]
}

// Message is a single chat message. LocalID is assigned at creation and stable
// for the message's whole lifetime; ID is assigned by the server on
// confirmation. Before confirmation ID is empty or equals LocalID.
type Message struct {
	ID             string
	LocalID        string
	ConversationID string
	SenderID       string
	Body           string
	MediaRef       string
	Type           MessageType
	Status         Status
	Timestamp      int64 // unix milliseconds, client creation instant
	ReadBy         []string
	DeliveredTo    []string
	DeletedBy      []string
}

// Key returns the deduplication identity: LocalID when present, else ID.
func (m *Message) Key() string {
	if m.LocalID != "" {
		return m.LocalID
	}
	return m.ID
}

// Confirmed reports whether the message carries a server-assigned identity.
func (m *Message) Confirmed() bool {
	return m.ID != "" && m.ID != m.LocalID
}

// DeletedFor reports whether viewer has soft-deleted the message.
func (m *Message) DeletedFor(viewer string) bool {
	return Contains(m.DeletedBy, viewer)
}

// Draft is the user-supplied part of an outgoing message.
type Draft struct {
	ConversationID string
	SenderID       string
	Body           string
	MediaRef       string
	Type           MessageType
}

// QueuedMessage is a durable send intent. At most one exists per LocalID.
type QueuedMessage struct {
	LocalID        string
	ConversationID string
	SenderID       string
	Body           string
	MediaRef       string
	Type           MessageType
	RetryCount     int
	EnqueuedAt     int64
	LastAttemptAt  int64
}

// Due reports whether the entry is outside its backoff window and eligible
// for another dispatch attempt. The window doubles per failed attempt.
func (q *QueuedMessage) Due(now time.Time) bool {
	if q.RetryCount == 0 {
		return true
	}
	backoff := time.Duration(1<<uint(q.RetryCount)) * time.Second
	return now.UnixMilli() >= q.LastAttemptAt+backoff.Milliseconds()
}

// Message materializes the optimistic message for a queued send.
func (q *QueuedMessage) Message(status Status) *Message {
	return &Message{
		LocalID:        q.LocalID,
		ConversationID: q.ConversationID,
		SenderID:       q.SenderID,
		Body:           q.Body,
		MediaRef:       q.MediaRef,
		Type:           q.Type,
		Status:         status,
		Timestamp:      q.EnqueuedAt,
	}
}

// NewLocalID generates a client message identifier. UUIDv7 is used so that the
// identifier prefix is coarsely time-ordered, which the conversation summary
// guard's lexicographic comparison depends on.
func NewLocalID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Contains reports whether set holds v.
func Contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// AddToSet returns set with v appended if not already present.
func AddToSet(set []string, v string) []string {
	if Contains(set, v) {
		return set
	}
	return append(set, v)
}
