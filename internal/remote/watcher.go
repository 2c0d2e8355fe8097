package remote

import (
	"context"
	"sync"
	"time"

	"github.com/knotchat/knot/internal/bus"
	"github.com/knotchat/knot/internal/logging"
	"github.com/knotchat/knot/internal/status"
	"go.uber.org/zap"
)

// Watcher consumes per-conversation change feeds and republishes decoded
// messages on the bus. It drives the connectivity machine but never calls the
// engine directly; the engine subscribes to the bus independently.
type Watcher struct {
	store   Store
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewWatcher creates a watcher over the given remote store.
func NewWatcher(store Store, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Watcher {
	return &Watcher{
		store:   store,
		bus:     b,
		machine: machine,
		logger:  logging.OrNop(logger),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start begins watching a conversation's change feed. Idempotent per
// conversation.
func (w *Watcher) Start(ctx context.Context, conversationID string) {
	w.mu.Lock()
	if _, running := w.cancels[conversationID]; running {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancels[conversationID] = cancel
	w.mu.Unlock()

	go w.loop(ctx, conversationID)
}

// Stop tears down the feed for one conversation.
func (w *Watcher) Stop(conversationID string) {
	w.mu.Lock()
	if cancel, ok := w.cancels[conversationID]; ok {
		cancel()
		delete(w.cancels, conversationID)
	}
	w.mu.Unlock()
}

// StopAll tears down every feed.
func (w *Watcher) StopAll() {
	w.mu.Lock()
	for id, cancel := range w.cancels {
		cancel()
		delete(w.cancels, id)
	}
	w.mu.Unlock()
}

// loop keeps one conversation's feed alive, reconnecting with backoff when
// the stream drops.
func (w *Watcher) loop(ctx context.Context, conversationID string) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		if w.machine.Current() == status.Offline {
			_ = w.machine.Transition(status.Connecting)
		}

		ch, cancel, err := w.store.Watch(ctx, conversationID)
		if err != nil {
			w.logger.Warn("change feed unavailable",
				zap.Error(err), zap.String("conversation", conversationID))
			if w.machine.Current() != status.Offline {
				_ = w.machine.Transition(status.Offline)
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		if w.machine.Current() != status.Online {
			_ = w.machine.Transition(status.Online)
		}
		backoff = time.Second

		for m := range ch {
			w.bus.Publish(bus.NewEvent(bus.KindRemoteMessage, m))
		}
		cancel()

		// Feed closed underneath us; treat it like a disconnect.
		if ctx.Err() == nil {
			w.logger.Warn("change feed closed, reconnecting",
				zap.String("conversation", conversationID))
			if w.machine.Current() == status.Online {
				_ = w.machine.Transition(status.Degraded)
			}
		}
	}
}
