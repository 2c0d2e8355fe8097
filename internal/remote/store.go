// Package remote is the boundary to the remote document store. The engine
// depends only on the Store interface; adapters normalize foreign payloads
// into model types and never call the engine directly.
package remote

import (
	"context"

	"github.com/knotchat/knot/internal/model"
)

// Document is an untyped payload as delivered by the remote store.
type Document = map[string]any

// Store is the contract the engine consumes. Implementations wrap whatever
// managed backend hosts the conversation documents.
type Store interface {
	// Send writes an outgoing message and returns its server-assigned ID.
	Send(ctx context.Context, m *model.Message) (serverID string, err error)

	// MessagesSince returns messages in a conversation newer than sinceTs,
	// ascending by timestamp.
	MessagesSince(ctx context.Context, conversationID string, sinceTs int64, limit int) ([]*model.Message, error)

	// MessagesBefore returns messages older than beforeTs, newest first.
	MessagesBefore(ctx context.Context, conversationID string, beforeTs int64, limit int) ([]*model.Message, error)

	// Watch subscribes to the conversation's change feed. The returned
	// channel delivers every created or mutated message until cancel is
	// called or the feed fails (channel closes).
	Watch(ctx context.Context, conversationID string) (<-chan *model.Message, func(), error)

	// GetConversation returns the conversation document, or nil if absent.
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)

	// PutConversation creates or replaces a conversation document.
	PutConversation(ctx context.Context, c *model.Conversation) error

	// UpdateSummary rewrites the conversation's last-message pointer.
	// Callers go through the summary guard.
	UpdateSummary(ctx context.Context, conversationID, lastMessageID string, s model.Summary) error

	// MarkDelivered, MarkRead and MarkDeleted add a participant to the
	// corresponding per-message set.
	MarkDelivered(ctx context.Context, identity, participant string) error
	MarkRead(ctx context.Context, identity, participant string) error
	MarkDeleted(ctx context.Context, identity, viewer string) error
}
