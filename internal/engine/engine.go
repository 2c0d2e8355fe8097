// Package engine is the façade the embedding application talks to. It owns
// the in-memory message windows, folds every ingest path (optimistic sends,
// live feed events, reconciliation batches) through the merge pipeline, and
// pushes viewer-filtered snapshots to subscribers.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/knotchat/knot/internal/bus"
	"github.com/knotchat/knot/internal/config"
	"github.com/knotchat/knot/internal/logging"
	"github.com/knotchat/knot/internal/merge"
	"github.com/knotchat/knot/internal/model"
	"github.com/knotchat/knot/internal/outbox"
	"github.com/knotchat/knot/internal/paging"
	"github.com/knotchat/knot/internal/queue"
	"github.com/knotchat/knot/internal/remote"
	"github.com/knotchat/knot/internal/scheduler"
	"github.com/knotchat/knot/internal/store"
	"github.com/knotchat/knot/internal/summary"
	"go.uber.org/zap"
)

// Callback receives a conversation snapshot: merged, deduplicated, ascending
// by timestamp, filtered for the local viewer. Consecutive snapshots preserve
// object references for unchanged messages, so a pointer compare is enough to
// skip re-rendering.
type Callback func([]*model.Message)

// Params collects the engine's collaborators. Dispatcher, Pager, Scheduler,
// Watcher and Remote may be nil; the engine degrades to local-only operation
// for whichever is missing.
type Params struct {
	Config     *config.Config
	Bus        *bus.Bus
	Cache      *store.Cache
	Queue      *queue.DB
	Dispatcher *outbox.Dispatcher
	Pager      *paging.Pager
	Scheduler  *scheduler.Scheduler
	Watcher    *remote.Watcher
	Remote     remote.Store
	Guard      *summary.Guard
	Logger     *zap.Logger
}

// Engine coordinates sends, ingest and subscriptions for all conversations.
type Engine struct {
	cfg        *config.Config
	bus        *bus.Bus
	cache      *store.Cache
	queue      *queue.DB
	dispatcher *outbox.Dispatcher
	pager      *paging.Pager
	scheduler  *scheduler.Scheduler
	watcher    *remote.Watcher
	remote     remote.Store
	guard      *summary.Guard
	logger     *zap.Logger

	mu      sync.Mutex
	windows map[string][]*model.Message
	subs    map[string]map[int]Callback
	nextSub int

	runCtx context.Context
	cancel context.CancelFunc
}

// New creates an engine. Call Start before subscribing or sending.
func New(p Params) *Engine {
	return &Engine{
		cfg:        p.Config,
		bus:        p.Bus,
		cache:      p.Cache,
		queue:      p.Queue,
		dispatcher: p.Dispatcher,
		pager:      p.Pager,
		scheduler:  p.Scheduler,
		watcher:    p.Watcher,
		remote:     p.Remote,
		guard:      p.Guard,
		logger:     logging.OrNop(p.Logger),
		windows:    make(map[string][]*model.Message),
		subs:       make(map[string]map[int]Callback),
	}
}

// Start begins consuming remote and message events from the bus.
func (e *Engine) Start(ctx context.Context) {
	e.runCtx, e.cancel = context.WithCancel(ctx)

	remoteCh, unsubRemote := e.bus.Subscribe("remote.", 256)
	messageCh, unsubMessage := e.bus.Subscribe("message.", 256)

	go func() {
		defer unsubRemote()
		defer unsubMessage()
		for {
			select {
			case <-e.runCtx.Done():
				return
			case evt := <-remoteCh:
				e.ingestEvent(evt)
			case evt := <-messageCh:
				e.ingestEvent(evt)
			}
		}
	}()
}

// Stop halts ingest and flushes the cache buffer synchronously. Pending
// queue entries stay durable and are picked up on the next start.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.scheduler != nil {
		e.scheduler.StopAll()
	}
	if e.watcher != nil {
		e.watcher.StopAll()
	}
	return e.cache.Flush()
}

// Subscribe attaches a snapshot callback for one conversation, starting its
// live feed and reconciliation loop on first attach. The callback fires
// immediately with the current snapshot, then on every visible change.
// The returned function detaches; the last detach stops the feed.
func (e *Engine) Subscribe(conversationID string, cb Callback) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	first := len(e.subs[conversationID]) == 0
	if e.subs[conversationID] == nil {
		e.subs[conversationID] = make(map[int]Callback)
	}
	e.subs[conversationID][id] = cb

	if first {
		e.windows[conversationID] = e.loadWindow(conversationID)
	}
	snapshot := e.windows[conversationID]
	e.mu.Unlock()

	if first {
		if e.scheduler != nil {
			e.scheduler.StartSync(e.runCtx, conversationID)
		}
		if e.watcher != nil {
			e.watcher.Start(e.runCtx, conversationID)
		}
	}

	cb(merge.VisibleTo(snapshot, e.viewer()))

	return func() {
		e.mu.Lock()
		delete(e.subs[conversationID], id)
		last := len(e.subs[conversationID]) == 0
		if last {
			delete(e.subs, conversationID)
			delete(e.windows, conversationID)
		}
		e.mu.Unlock()

		if last {
			if e.scheduler != nil {
				e.scheduler.StopSync(conversationID)
			}
			if e.watcher != nil {
				e.watcher.Stop(conversationID)
			}
		}
	}
}

// loadWindow builds the initial in-memory window from the cache plus any
// surviving queue entries. Called with e.mu held.
func (e *Engine) loadWindow(conversationID string) []*model.Message {
	page := e.cache.GetPage(conversationID, e.cfg.Sync.PageSize)
	// Newest-first from the cache; the window is ascending.
	window := make([]*model.Message, len(page))
	for i, m := range page {
		window[len(page)-1-i] = m
	}

	pending, err := e.queue.ListForConversation(conversationID)
	if err != nil {
		e.logger.Error("failed to read queue on attach", zap.Error(err), zap.String("conversation", conversationID))
		return window
	}
	if len(pending) == 0 {
		return window
	}
	optimistic := make([]*model.Message, 0, len(pending))
	for _, q := range pending {
		optimistic = append(optimistic, q.Message(model.StatusQueued))
	}
	return merge.Merge(window, optimistic)
}

// Send persists a send intent durably, then makes the message visible. The
// queue write happens strictly before the cache write and the snapshot
// publish: if it fails the message never appears anywhere.
func (e *Engine) Send(ctx context.Context, draft model.Draft) (string, error) {
	if draft.ConversationID == "" {
		return "", fmt.Errorf("send: missing conversation id")
	}
	msgType := draft.Type
	if msgType == "" {
		msgType = model.TypeText
	}

	q := &model.QueuedMessage{
		LocalID:        model.NewLocalID(),
		ConversationID: draft.ConversationID,
		SenderID:       draft.SenderID,
		Body:           draft.Body,
		MediaRef:       draft.MediaRef,
		Type:           msgType,
		EnqueuedAt:     time.Now().UnixMilli(),
	}
	if err := e.queue.Enqueue(q); err != nil {
		return "", fmt.Errorf("enqueue send: %w", err)
	}

	optimistic := q.Message(model.StatusQueued)
	e.cache.Put(optimistic)
	e.fold(draft.ConversationID, []*model.Message{optimistic}, false)
	e.bus.Publish(bus.NewEvent(bus.KindMessageQueued, optimistic))

	if e.dispatcher != nil {
		e.dispatcher.Nudge()
	}
	return q.LocalID, nil
}

// LoadOlder extends the conversation window backwards by one page.
func (e *Engine) LoadOlder(ctx context.Context, conversationID string) {
	if e.pager == nil {
		return
	}
	e.mu.Lock()
	window := e.windows[conversationID]
	var oldest int64
	if len(window) > 0 {
		oldest = window[0].Timestamp
	}
	e.mu.Unlock()

	older := e.pager.LoadOlder(ctx, conversationID, oldest)
	if len(older) > 0 {
		e.fold(conversationID, older, false)
	}
}

// Retry performs one on-demand dispatch of a failed message.
func (e *Engine) Retry(ctx context.Context, localID string) error {
	if e.dispatcher == nil {
		return fmt.Errorf("retry: no dispatcher")
	}
	return e.dispatcher.RetryNow(ctx, localID)
}

// Delete soft-deletes a message for one viewer. Other participants keep
// seeing it. When the conversation summary referenced the deleted message,
// the summary is recomputed from the newest still-visible message.
func (e *Engine) Delete(ctx context.Context, localID, viewer string) error {
	m := e.cache.GetMessage(localID)
	if m == nil {
		return fmt.Errorf("delete: unknown message %s", localID)
	}

	m.DeletedBy = model.AddToSet(m.DeletedBy, viewer)
	e.cache.Put(m)
	e.fold(m.ConversationID, []*model.Message{m}, true)

	if e.remote != nil {
		if err := e.remote.MarkDeleted(ctx, m.Key(), viewer); err != nil {
			e.logger.Warn("remote delete mark failed", zap.Error(err), zap.String("identity", m.Key()))
		}
	}

	e.recomputeSummaryIfReferenced(ctx, m, viewer)
	return nil
}

// MarkRead records a read receipt for one participant, raising the message
// status when the receipt outranks it.
func (e *Engine) MarkRead(ctx context.Context, localID, participant string) error {
	return e.mark(ctx, localID, participant, model.StatusRead)
}

// MarkDelivered records a delivery receipt for one participant.
func (e *Engine) MarkDelivered(ctx context.Context, localID, participant string) error {
	return e.mark(ctx, localID, participant, model.StatusDelivered)
}

func (e *Engine) mark(ctx context.Context, localID, participant string, receipt model.Status) error {
	m := e.cache.GetMessage(localID)
	if m == nil {
		return fmt.Errorf("mark %s: unknown message %s", receipt, localID)
	}

	switch receipt {
	case model.StatusRead:
		m.ReadBy = model.AddToSet(m.ReadBy, participant)
	case model.StatusDelivered:
		m.DeliveredTo = model.AddToSet(m.DeliveredTo, participant)
	}
	if m.Confirmed() && receipt.Rank() > m.Status.Rank() {
		m.Status = receipt
	}
	e.cache.Put(m)
	e.fold(m.ConversationID, []*model.Message{m}, true)

	if e.remote != nil {
		var err error
		switch receipt {
		case model.StatusRead:
			err = e.remote.MarkRead(ctx, m.Key(), participant)
		case model.StatusDelivered:
			err = e.remote.MarkDelivered(ctx, m.Key(), participant)
		}
		if err != nil {
			e.logger.Warn("remote receipt mark failed",
				zap.Error(err), zap.String("identity", m.Key()), zap.String("receipt", string(receipt)))
		}
	}
	return nil
}

// Discard removes a permanently failed message entirely. This is the only
// path that drops a failed send; everything else keeps it visible.
func (e *Engine) Discard(ctx context.Context, localID string) error {
	m := e.cache.GetMessage(localID)
	if m == nil {
		return nil
	}
	if m.Status != model.StatusFailed {
		return fmt.Errorf("discard: message %s is %s, only failed sends can be discarded", localID, m.Status)
	}

	if err := e.queue.Dequeue(localID); err != nil {
		e.logger.Error("failed to dequeue on discard", zap.Error(err), zap.String("local_id", localID))
	}
	e.cache.Delete(localID)

	e.mu.Lock()
	window := e.windows[m.ConversationID]
	next := make([]*model.Message, 0, len(window))
	for _, w := range window {
		if w.Key() == localID {
			continue
		}
		next = append(next, w)
	}
	e.windows[m.ConversationID] = next
	cbs := e.callbacks(m.ConversationID)
	e.mu.Unlock()

	e.notify(cbs, next)
	return nil
}

func (e *Engine) recomputeSummaryIfReferenced(ctx context.Context, m *model.Message, viewer string) {
	if e.guard == nil {
		return
	}
	conv := e.cache.GetConversation(m.ConversationID)
	if conv == nil || conv.LastMessageID != m.Key() {
		return
	}

	// When nothing visible remains the pointer clears instead of dangling
	// at the deleted message.
	id, s := e.guard.RecomputeVisible(m.ConversationID, viewer, e.cfg.Sync.WindowCeiling)
	var summ model.Summary
	if s != nil {
		summ = *s
	}
	e.cache.UpdateSummary(m.ConversationID, id, summ)
	if e.remote != nil {
		if err := e.remote.UpdateSummary(ctx, m.ConversationID, id, summ); err != nil {
			e.logger.Warn("remote summary recompute failed", zap.Error(err), zap.String("conversation", m.ConversationID))
		}
	}
}

func (e *Engine) ingestEvent(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case *model.Message:
		e.ingest([]*model.Message{p})
	case []*model.Message:
		e.ingest(p)
	}
}

// ingest folds a batch of messages, grouped per conversation.
func (e *Engine) ingest(msgs []*model.Message) {
	byConv := make(map[string][]*model.Message)
	for _, m := range msgs {
		if m == nil || m.ConversationID == "" {
			continue
		}
		byConv[m.ConversationID] = append(byConv[m.ConversationID], m)
	}
	for conversationID, batch := range byConv {
		e.fold(conversationID, batch, true)
	}
}

// fold merges incoming messages into the conversation window and notifies
// subscribers when anything visible changed. When cache is true the batch is
// also written through the cache buffer (ingest paths; the send path has
// already written).
func (e *Engine) fold(conversationID string, incoming []*model.Message, cache bool) {
	if cache {
		e.cache.PutBatch(incoming)
	}

	e.mu.Lock()
	if len(e.subs[conversationID]) == 0 {
		e.mu.Unlock()
		return
	}
	prev := e.windows[conversationID]
	merged := merge.Merge(prev, incoming)
	merged = paging.TrimWindow(merged, e.cfg.Sync.WindowCeiling, nil)
	next := merge.Reconcile(prev, merged)

	unchanged := len(next) == len(prev)
	if unchanged {
		for i := range next {
			if next[i] != prev[i] {
				unchanged = false
				break
			}
		}
	}
	e.windows[conversationID] = next
	cbs := e.callbacks(conversationID)
	e.mu.Unlock()

	if unchanged {
		return
	}
	e.notify(cbs, next)
}

// callbacks snapshots the subscriber list. Called with e.mu held.
func (e *Engine) callbacks(conversationID string) []Callback {
	subs := e.subs[conversationID]
	cbs := make([]Callback, 0, len(subs))
	for _, cb := range subs {
		cbs = append(cbs, cb)
	}
	return cbs
}

func (e *Engine) notify(cbs []Callback, window []*model.Message) {
	visible := merge.VisibleTo(window, e.viewer())
	for _, cb := range cbs {
		cb(visible)
	}
}

func (e *Engine) viewer() string {
	return e.cfg.UserID
}
