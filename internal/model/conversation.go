package model

// ConversationType distinguishes one-to-one chats from groups.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Summary is the denormalized "last message" preview on a conversation.
type Summary struct {
	Text      string
	SenderID  string
	Timestamp int64
}

// Participant holds display details for one conversation member.
type Participant struct {
	Name      string
	AvatarRef string
}

// Conversation is a chat thread summary. LastMessageID is monotonically
// non-decreasing under lexicographic identifier order; the summary guard is
// the only writer allowed to advance it.
type Conversation struct {
	ID                 string
	Type               ConversationType
	Participants       []string
	LastMessageID      string
	LastMessage        Summary
	ParticipantDetails map[string]Participant
}
