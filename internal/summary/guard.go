// Package summary implements the conversation last-message guard: a
// conditional-update protocol that only advances the pointer when the
// candidate is provably newer under lexicographic identifier order.
package summary

import (
	"context"
	"unicode/utf8"

	"github.com/knotchat/knot/internal/logging"
	"github.com/knotchat/knot/internal/model"
	"github.com/knotchat/knot/internal/store"
	"go.uber.org/zap"
)

// ConversationStore is the remote surface the guard needs.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpdateSummary(ctx context.Context, conversationID, lastMessageID string, s model.Summary) error
}

// Guard protects a conversation's lastMessage pointer from regression when
// writes from multiple devices race or arrive out of order.
//
// The comparison is a byte-wise identifier compare, which approximates
// recency because local IDs are UUIDv7 (time-prefixed). The protocol is a
// read-then-conditionally-write sequence with no cross-client locking: two
// writers can both pass the check in a true race. That window is accepted.
type Guard struct {
	remote ConversationStore
	cache  *store.Cache
	logger *zap.Logger
}

// NewGuard creates a guard over the given remote and cache.
func NewGuard(remote ConversationStore, cache *store.Cache, logger *zap.Logger) *Guard {
	return &Guard{
		remote: remote,
		cache:  cache,
		logger: logging.OrNop(logger),
	}
}

// Apply offers msg as the conversation's new last message. Returns true when
// the pointer advanced. A rejected offer is expected, frequent, benign
// behavior under concurrent senders and is not an error.
func (g *Guard) Apply(ctx context.Context, conversationID string, msg *model.Message) (bool, error) {
	candidate := msg.Key()

	current, err := g.remote.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if current != nil && current.LastMessageID != "" && candidate <= current.LastMessageID {
		return false, nil
	}

	s := model.Summary{
		Text:      preview(msg),
		SenderID:  msg.SenderID,
		Timestamp: msg.Timestamp,
	}
	if err := g.remote.UpdateSummary(ctx, conversationID, candidate, s); err != nil {
		return false, err
	}
	g.cache.UpdateSummary(conversationID, candidate, s)
	return true, nil
}

// RecomputeVisible returns the identity and summary of the newest cached
// message in the conversation not deleted by viewer, or ("", nil) when none
// remain visible. Used when the message the pointer references is
// soft-deleted.
func (g *Guard) RecomputeVisible(conversationID, viewer string, window int) (string, *model.Summary) {
	msgs := g.cache.GetPage(conversationID, window)
	for _, m := range msgs { // newest first
		if m.DeletedFor(viewer) {
			continue
		}
		return m.Key(), &model.Summary{
			Text:      preview(m),
			SenderID:  m.SenderID,
			Timestamp: m.Timestamp,
		}
	}
	return "", nil
}

func preview(m *model.Message) string {
	if m.Type == model.TypeImage && m.Body == "" {
		return "[image]"
	}
	return truncate(m.Body, 100)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multi-byte rune.
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}
