package store

import (
	"sort"
	"sync"
	"time"

	"github.com/knotchat/knot/internal/logging"
	"github.com/knotchat/knot/internal/model"
	"go.uber.org/zap"
)

type bufState int

const (
	bufIdle bufState = iota
	bufBuffering
	bufFlushing
)

// Cache is the buffered facade over the SQLite store. Writes are coalesced
// per identity and flushed as one batch after the quiescence window passes
// with no new writes; receipt fan-out touching many messages in a burst
// therefore costs a single transaction. Close flushes synchronously so no
// buffered write is lost on teardown.
//
// Reads see buffered writes: every lookup overlays the pending buffer on the
// store, so a message is readable the moment Put returns, not after the
// quiescence flush.
//
// Reads degrade: a storage failure is logged and surfaced as an empty result,
// never as an error crossing the engine boundary.
type Cache struct {
	db      *DB
	logger  *zap.Logger
	quiesce time.Duration

	mu      sync.Mutex
	state   bufState
	pending map[string]*model.Message
	order   []string
	timer   *time.Timer
	closed  bool
}

// NewCache wraps db with a write buffer using the given quiescence window.
func NewCache(db *DB, quiesce time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		db:      db,
		logger:  logging.OrNop(logger),
		quiesce: quiesce,
		pending: make(map[string]*model.Message),
	}
}

// Put buffers one message write. The quiescence timer restarts on every call.
func (c *Cache) Put(m *model.Message) {
	c.PutBatch([]*model.Message{m})
}

// PutBatch buffers a batch of message writes, keeping only the last version
// of each identity.
func (c *Cache) PutBatch(msgs []*model.Message) {
	if len(msgs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		// Late writes after teardown go straight through.
		if err := c.db.UpsertMessages(msgs); err != nil {
			c.logger.Error("cache write after close failed", zap.Error(err))
		}
		return
	}

	for _, m := range msgs {
		key := m.Key()
		if _, seen := c.pending[key]; !seen {
			c.order = append(c.order, key)
		}
		c.pending[key] = m
	}

	c.state = bufBuffering
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.quiesce, c.flushTimer)
}

func (c *Cache) flushTimer() {
	if err := c.Flush(); err != nil {
		c.logger.Error("buffered cache flush failed", zap.Error(err))
	}
}

// Flush writes all buffered messages in one batch. Safe to call at any time;
// a no-op when the buffer is idle.
func (c *Cache) Flush() error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.state = bufIdle
		c.mu.Unlock()
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = bufFlushing
	batch := make([]*model.Message, 0, len(c.pending))
	for _, key := range c.order {
		batch = append(batch, c.pending[key])
	}
	c.pending = make(map[string]*model.Message)
	c.order = nil
	c.mu.Unlock()

	err := c.db.UpsertMessages(batch)

	c.mu.Lock()
	c.state = bufIdle
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("cache batch write failed", zap.Error(err), zap.Int("count", len(batch)))
	}
	return err
}

// Close flushes the buffer synchronously and marks the cache torn down.
// It does not close the underlying DB; the owner does that.
func (c *Cache) Close() error {
	err := c.Flush()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

// PutConversation writes a conversation row through immediately.
func (c *Cache) PutConversation(conv *model.Conversation) {
	if err := c.db.UpsertConversation(conv); err != nil {
		c.logger.Error("conversation write failed", zap.Error(err), zap.String("conversation", conv.ID))
	}
}

// UpdateSummary writes a conversation's last-message pointer through
// immediately.
func (c *Cache) UpdateSummary(conversationID, lastMessageID string, s model.Summary) {
	if err := c.db.UpdateSummary(conversationID, lastMessageID, s); err != nil {
		c.logger.Error("summary write failed", zap.Error(err), zap.String("conversation", conversationID))
	}
}

// Delete removes a message by identity key, dropping any buffered write for
// the same identity first.
func (c *Cache) Delete(identity string) {
	c.mu.Lock()
	if _, ok := c.pending[identity]; ok {
		delete(c.pending, identity)
		for i, key := range c.order {
			if key == identity {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
	if err := c.db.DeleteMessage(identity); err != nil {
		c.logger.Error("message delete failed", zap.Error(err), zap.String("identity", identity))
	}
}

// GetPage returns the most recent cached messages, newest first. Degrades to
// empty on storage failure.
func (c *Cache) GetPage(conversationID string, limit int) []*model.Message {
	msgs, err := c.db.GetPage(conversationID, limit)
	if err != nil {
		c.logger.Error("cache read failed, degrading to empty", zap.Error(err), zap.String("conversation", conversationID))
		return nil
	}
	return overlay(msgs, c.bufferedFor(conversationID, 0), limit)
}

// GetBefore returns cached messages older than beforeTs, newest first.
// Degrades to empty on storage failure.
func (c *Cache) GetBefore(conversationID string, beforeTs int64, limit int) []*model.Message {
	msgs, err := c.db.GetBefore(conversationID, beforeTs, limit)
	if err != nil {
		c.logger.Error("cache read failed, degrading to empty", zap.Error(err), zap.String("conversation", conversationID))
		return nil
	}
	return overlay(msgs, c.bufferedFor(conversationID, beforeTs), limit)
}

// GetMessage returns one cached message, or nil when absent or on failure.
// A buffered version wins over the stored row.
func (c *Cache) GetMessage(identity string) *model.Message {
	c.mu.Lock()
	if m, ok := c.pending[identity]; ok {
		cp := *m
		c.mu.Unlock()
		return &cp
	}
	c.mu.Unlock()

	m, err := c.db.GetMessage(identity)
	if err != nil {
		c.logger.Error("cache read failed, degrading to empty", zap.Error(err), zap.String("identity", identity))
		return nil
	}
	return m
}

// NewestTimestamp returns the newest cached timestamp, buffered writes
// included, or 0 when empty or on failure.
func (c *Cache) NewestTimestamp(conversationID string) int64 {
	ts, err := c.db.NewestTimestamp(conversationID)
	if err != nil {
		c.logger.Error("cache read failed, degrading to empty", zap.Error(err), zap.String("conversation", conversationID))
		ts = 0
	}
	c.mu.Lock()
	for _, key := range c.order {
		if m := c.pending[key]; m.ConversationID == conversationID && m.Timestamp > ts {
			ts = m.Timestamp
		}
	}
	c.mu.Unlock()
	return ts
}

// bufferedFor returns copies of the buffered writes for one conversation.
// When beforeTs is positive, only writes older than it are included.
func (c *Cache) bufferedFor(conversationID string, beforeTs int64) []*model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*model.Message
	for _, key := range c.order {
		m := c.pending[key]
		if m.ConversationID != conversationID {
			continue
		}
		if beforeTs > 0 && m.Timestamp >= beforeTs {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out
}

// overlay folds buffered writes over rows read from the store, keeping the
// result newest first and within limit.
func overlay(rows, buffered []*model.Message, limit int) []*model.Message {
	if len(buffered) == 0 {
		return rows
	}
	idx := make(map[string]int, len(rows))
	for i, m := range rows {
		idx[m.Key()] = i
	}
	for _, m := range buffered {
		if i, ok := idx[m.Key()]; ok {
			rows[i] = m
		} else {
			rows = append(rows, m)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp > rows[j].Timestamp })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// GetConversation returns a cached conversation, or nil when absent or on
// failure.
func (c *Cache) GetConversation(id string) *model.Conversation {
	conv, err := c.db.GetConversation(id)
	if err != nil {
		c.logger.Error("cache read failed, degrading to empty", zap.Error(err), zap.String("conversation", id))
		return nil
	}
	return conv
}

// Clear wipes the cache (explicit logout wipe).
func (c *Cache) Clear() error {
	c.mu.Lock()
	c.pending = make(map[string]*model.Message)
	c.order = nil
	c.state = bufIdle
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	return c.db.Clear()
}
