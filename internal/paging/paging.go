// Package paging loads older conversation history on demand and bounds the
// in-memory message window.
package paging

import (
	"context"
	"sync"
	"time"

	"github.com/knotchat/knot/internal/config"
	"github.com/knotchat/knot/internal/logging"
	"github.com/knotchat/knot/internal/model"
	"github.com/knotchat/knot/internal/store"
	"go.uber.org/zap"
)

// Remote is the history surface the pager needs.
type Remote interface {
	MessagesBefore(ctx context.Context, conversationID string, beforeTs int64, limit int) ([]*model.Message, error)
}

// Pager serves "scroll up" requests: cache first, remote fallback when the
// cache runs dry. A per-conversation cooldown absorbs repeated scroll events
// from momentum scrolling.
type Pager struct {
	cache  *store.Cache
	remote Remote
	cfg    config.SyncConfig
	logger *zap.Logger

	mu       sync.Mutex
	lastLoad map[string]time.Time
}

// NewPager creates a pager. remote may be nil (cache-only operation).
func NewPager(cache *store.Cache, remote Remote, cfg config.SyncConfig, logger *zap.Logger) *Pager {
	return &Pager{
		cache:    cache,
		remote:   remote,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		lastLoad: make(map[string]time.Time),
	}
}

// LoadOlder returns up to a page of messages older than beforeTs, newest
// first. Calls inside the cooldown window return nil without touching cache
// or remote. Remote failure degrades to whatever the cache held.
func (p *Pager) LoadOlder(ctx context.Context, conversationID string, beforeTs int64) []*model.Message {
	p.mu.Lock()
	if last, ok := p.lastLoad[conversationID]; ok && time.Since(last) < p.cfg.LoadOlderCooldown() {
		p.mu.Unlock()
		return nil
	}
	p.lastLoad[conversationID] = time.Now()
	p.mu.Unlock()

	page := p.cache.GetBefore(conversationID, beforeTs, p.cfg.PageSize)
	if len(page) >= p.cfg.PageSize || p.remote == nil {
		return page
	}

	// Cache ran dry; pull the rest from the remote and keep it for next time.
	oldest := beforeTs
	if len(page) > 0 {
		oldest = page[len(page)-1].Timestamp
	}
	more, err := p.remote.MessagesBefore(ctx, conversationID, oldest, p.cfg.PageSize-len(page))
	if err != nil {
		p.logger.Warn("remote history load failed, serving cache only",
			zap.Error(err), zap.String("conversation", conversationID))
		return page
	}
	if len(more) > 0 {
		p.cache.PutBatch(more)
		page = append(page, more...)
	}
	return page
}

// Exempt reports whether a message must survive window trimming regardless of
// age. Anything not yet server-confirmed stays visible until its send
// resolves.
func Exempt(m *model.Message) bool {
	switch m.Status {
	case model.StatusSending, model.StatusQueued, model.StatusFailed:
		return true
	}
	return false
}

// TrimWindow bounds list (ascending timestamp order) to the newest ceiling
// messages. Exempt messages and any key in keep are retained even when older
// than the cut. Returns list unchanged when nothing is trimmed.
func TrimWindow(list []*model.Message, ceiling int, keep map[string]bool) []*model.Message {
	if ceiling <= 0 || len(list) <= ceiling {
		return list
	}

	cut := len(list) - ceiling
	out := make([]*model.Message, 0, ceiling)
	trimmed := false
	for i, m := range list {
		if i < cut && !Exempt(m) && !keep[m.Key()] {
			trimmed = true
			continue
		}
		out = append(out, m)
	}
	if !trimmed {
		return list
	}
	return out
}
