package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/knotchat/knot/internal/bus"
	"github.com/knotchat/knot/internal/config"
	"github.com/knotchat/knot/internal/model"
	"github.com/knotchat/knot/internal/queue"
	"github.com/knotchat/knot/internal/store"
	"github.com/knotchat/knot/internal/summary"
)

type recorder struct {
	mu    sync.Mutex
	snaps [][]*model.Message
}

func (r *recorder) cb(list []*model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make([]*model.Message, len(list))
	copy(snap, list)
	r.snaps = append(r.snaps, snap)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) latest() []*model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil
	}
	return r.snaps[len(r.snaps)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testEngine(t *testing.T) (*Engine, *queue.DB, *store.Cache, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	cache := store.NewCache(db, 20*time.Millisecond, nil)
	t.Cleanup(func() { _ = cache.Close() })

	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = q.Close() })

	b := bus.New()
	cfg := config.Default()
	cfg.UserID = "me"

	e := New(Params{
		Config: cfg,
		Bus:    b,
		Cache:  cache,
		Queue:  q,
		Guard:  summary.NewGuard(nil, cache, nil),
	})
	e.Start(context.Background())
	t.Cleanup(func() { _ = e.Stop() })

	return e, q, cache, b
}

func TestSendPersistsBeforeVisibility(t *testing.T) {
	e, q, _, _ := testEngine(t)

	rec := &recorder{}
	unsub := e.Subscribe("conv1", rec.cb)
	defer unsub()

	localID, err := e.Send(context.Background(), model.Draft{
		ConversationID: "conv1", SenderID: "me", Body: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}

	entry, err := q.Get(localID)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("send intent not durable in queue")
	}

	waitFor(t, "optimistic snapshot", func() bool {
		snap := rec.latest()
		return len(snap) == 1 && snap[0].LocalID == localID
	})
	if got := rec.latest()[0].Status; got != model.StatusQueued {
		t.Errorf("status = %s, want queued", got)
	}
}

func TestSendFailureStaysInvisible(t *testing.T) {
	e, q, cache, _ := testEngine(t)

	rec := &recorder{}
	unsub := e.Subscribe("conv1", rec.cb)
	defer unsub()
	before := rec.count()

	// A closed queue makes the durable write fail; nothing may become
	// visible past that point.
	_ = q.Close()
	if _, err := e.Send(context.Background(), model.Draft{
		ConversationID: "conv1", SenderID: "me", Body: "hello",
	}); err == nil {
		t.Fatal("send succeeded with a broken queue")
	}

	time.Sleep(100 * time.Millisecond)
	if rec.count() != before {
		t.Error("failed send produced a snapshot")
	}
	if err := cache.Flush(); err != nil {
		t.Fatal(err)
	}
	if page := cache.GetPage("conv1", 10); len(page) != 0 {
		t.Errorf("failed send left %d cached messages", len(page))
	}
}

func TestSendAppearsExactlyOnce(t *testing.T) {
	e, _, _, b := testEngine(t)

	rec := &recorder{}
	unsub := e.Subscribe("conv1", rec.cb)
	defer unsub()

	localID, err := e.Send(context.Background(), model.Draft{
		ConversationID: "conv1", SenderID: "me", Body: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "optimistic snapshot", func() bool { return len(rec.latest()) == 1 })

	// The confirmed copy arrives over the feed with the same local ID.
	b.Publish(bus.NewEvent(bus.KindRemoteMessage, &model.Message{
		ID: "srv-1", LocalID: localID, ConversationID: "conv1", SenderID: "me",
		Body: "hello", Type: model.TypeText, Status: model.StatusSent,
		Timestamp: time.Now().UnixMilli(),
	}))

	waitFor(t, "confirmed snapshot", func() bool {
		snap := rec.latest()
		return len(snap) == 1 && snap[0].Status == model.StatusSent
	})
	if snap := rec.latest(); snap[0].ID != "srv-1" {
		t.Errorf("server id = %q, want srv-1", snap[0].ID)
	}
}

func TestRemoteBatchIngest(t *testing.T) {
	e, _, _, b := testEngine(t)

	rec := &recorder{}
	unsub := e.Subscribe("conv1", rec.cb)
	defer unsub()

	b.Publish(bus.NewEvent(bus.KindRemoteBatch, []*model.Message{
		{ID: "s1", ConversationID: "conv1", SenderID: "alice", Body: "a", Status: model.StatusSent, Timestamp: 1000},
		{ID: "s2", ConversationID: "conv1", SenderID: "alice", Body: "b", Status: model.StatusSent, Timestamp: 2000},
	}))

	waitFor(t, "batch snapshot", func() bool { return len(rec.latest()) == 2 })
	snap := rec.latest()
	if snap[0].Timestamp != 1000 || snap[1].Timestamp != 2000 {
		t.Errorf("order = [%d, %d], want ascending", snap[0].Timestamp, snap[1].Timestamp)
	}
}

func TestIdenticalSnapshotDoesNotNotify(t *testing.T) {
	e, _, _, b := testEngine(t)

	rec := &recorder{}
	unsub := e.Subscribe("conv1", rec.cb)
	defer unsub()

	m := &model.Message{ID: "s1", ConversationID: "conv1", SenderID: "alice",
		Body: "a", Status: model.StatusSent, Timestamp: 1000}
	b.Publish(bus.NewEvent(bus.KindRemoteMessage, m))
	waitFor(t, "first snapshot", func() bool { return len(rec.latest()) == 1 })
	count := rec.count()

	// A byte-identical re-delivery must be swallowed.
	dup := *m
	b.Publish(bus.NewEvent(bus.KindRemoteMessage, &dup))
	time.Sleep(150 * time.Millisecond)

	if rec.count() != count {
		t.Errorf("identical re-delivery produced %d extra snapshots", rec.count()-count)
	}
}

func TestDeleteHidesForViewerAndRecomputesSummary(t *testing.T) {
	e, _, cache, _ := testEngine(t)

	older := &model.Message{LocalID: "id-a", ConversationID: "conv1", SenderID: "alice",
		Body: "older", Type: model.TypeText, Status: model.StatusSent, Timestamp: 1000}
	newer := &model.Message{LocalID: "id-b", ConversationID: "conv1", SenderID: "alice",
		Body: "newer", Type: model.TypeText, Status: model.StatusSent, Timestamp: 2000}
	cache.PutBatch([]*model.Message{older, newer})
	cache.PutConversation(&model.Conversation{ID: "conv1", Type: model.ConversationDirect, LastMessageID: "id-b"})
	cache.UpdateSummary("conv1", "id-b", model.Summary{Text: "newer", SenderID: "alice", Timestamp: 2000})
	if err := cache.Flush(); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	unsub := e.Subscribe("conv1", rec.cb)
	defer unsub()
	waitFor(t, "initial snapshot", func() bool { return len(rec.latest()) == 2 })

	if err := e.Delete(context.Background(), "id-b", "me"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "filtered snapshot", func() bool {
		snap := rec.latest()
		return len(snap) == 1 && snap[0].LocalID == "id-a"
	})

	conv := cache.GetConversation("conv1")
	if conv == nil {
		t.Fatal("conversation missing")
	}
	if conv.LastMessageID != "id-a" {
		t.Errorf("summary pointer = %q, want recomputed id-a", conv.LastMessageID)
	}
	if conv.LastMessage.Text != "older" {
		t.Errorf("summary text = %q, want %q", conv.LastMessage.Text, "older")
	}
}

func TestMutationsReachJustSentMessage(t *testing.T) {
	// A send's optimistic write sits in the cache buffer until quiescence;
	// mutations arriving inside that window must still find it. The long
	// window keeps every write buffered for the whole test.
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	cache := store.NewCache(db, time.Hour, nil)
	t.Cleanup(func() { _ = cache.Close() })

	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = q.Close() })

	cfg := config.Default()
	cfg.UserID = "me"
	e := New(Params{
		Config: cfg,
		Bus:    bus.New(),
		Cache:  cache,
		Queue:  q,
		Guard:  summary.NewGuard(nil, cache, nil),
	})
	e.Start(context.Background())
	t.Cleanup(func() { _ = e.Stop() })

	rec := &recorder{}
	unsub := e.Subscribe("conv1", rec.cb)
	defer unsub()

	first, err := e.Send(context.Background(), model.Draft{ConversationID: "conv1", SenderID: "me", Body: "first"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Send(context.Background(), model.Draft{ConversationID: "conv1", SenderID: "me", Body: "second"})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.MarkDelivered(context.Background(), first, "alice"); err != nil {
		t.Fatalf("receipt on a buffered send: %v", err)
	}
	if err := e.Delete(context.Background(), second, "me"); err != nil {
		t.Fatalf("delete of a buffered send: %v", err)
	}

	waitFor(t, "snapshot without the deleted send", func() bool {
		snap := rec.latest()
		return len(snap) == 1 && snap[0].LocalID == first
	})
	m := cache.GetMessage(first)
	if m == nil || !model.Contains(m.DeliveredTo, "alice") {
		t.Errorf("buffered send = %+v, want delivery receipt recorded", m)
	}
	if m.Status != model.StatusQueued {
		t.Errorf("status = %s, want still queued (receipts never promote unconfirmed sends)", m.Status)
	}
}

func TestDeleteLastVisibleClearsSummary(t *testing.T) {
	e, _, cache, _ := testEngine(t)

	only := &model.Message{LocalID: "id-a", ConversationID: "conv1", SenderID: "alice",
		Body: "only", Type: model.TypeText, Status: model.StatusSent, Timestamp: 1000}
	cache.Put(only)
	cache.PutConversation(&model.Conversation{ID: "conv1", Type: model.ConversationDirect, LastMessageID: "id-a"})
	cache.UpdateSummary("conv1", "id-a", model.Summary{Text: "only", SenderID: "alice", Timestamp: 1000})
	if err := cache.Flush(); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	unsub := e.Subscribe("conv1", rec.cb)
	defer unsub()
	waitFor(t, "initial snapshot", func() bool { return len(rec.latest()) == 1 })

	if err := e.Delete(context.Background(), "id-a", "me"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "empty snapshot", func() bool {
		return rec.count() >= 2 && len(rec.latest()) == 0
	})

	conv := cache.GetConversation("conv1")
	if conv == nil {
		t.Fatal("conversation missing")
	}
	if conv.LastMessageID != "" {
		t.Errorf("summary pointer = %q, want cleared when nothing visible remains", conv.LastMessageID)
	}
	if conv.LastMessage.Text != "" || conv.LastMessage.Timestamp != 0 {
		t.Errorf("summary = %+v, want zeroed", conv.LastMessage)
	}
}

func TestDiscardRemovesOnlyFailedSends(t *testing.T) {
	e, _, cache, _ := testEngine(t)

	failed := &model.Message{LocalID: "l1", ConversationID: "conv1", SenderID: "me",
		Body: "doomed", Type: model.TypeText, Status: model.StatusFailed, Timestamp: 1000}
	sent := &model.Message{LocalID: "l2", ConversationID: "conv1", SenderID: "me",
		Body: "fine", Type: model.TypeText, Status: model.StatusSent, Timestamp: 2000}
	cache.PutBatch([]*model.Message{failed, sent})
	if err := cache.Flush(); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	unsub := e.Subscribe("conv1", rec.cb)
	defer unsub()
	waitFor(t, "initial snapshot", func() bool { return len(rec.latest()) == 2 })

	if err := e.Discard(context.Background(), "l2"); err == nil {
		t.Error("discarding a sent message succeeded, want rejection")
	}

	if err := e.Discard(context.Background(), "l1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "snapshot without l1", func() bool {
		snap := rec.latest()
		return len(snap) == 1 && snap[0].LocalID == "l2"
	})
	if m := cache.GetMessage("l1"); m != nil {
		t.Error("discarded message still cached")
	}
}

func TestMarkReadRaisesStatusAndNotifies(t *testing.T) {
	e, _, cache, _ := testEngine(t)

	cache.Put(&model.Message{
		ID: "srv-1", LocalID: "l1", ConversationID: "conv1", SenderID: "me",
		Body: "hello", Type: model.TypeText, Status: model.StatusSent, Timestamp: 1000,
	})
	if err := cache.Flush(); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	unsub := e.Subscribe("conv1", rec.cb)
	defer unsub()

	if err := e.MarkRead(context.Background(), "l1", "alice"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "read receipt snapshot", func() bool {
		snap := rec.latest()
		return len(snap) == 1 && snap[0].Status == model.StatusRead
	})
	if snap := rec.latest(); !model.Contains(snap[0].ReadBy, "alice") {
		t.Errorf("ReadBy = %v, want alice recorded", snap[0].ReadBy)
	}

	// Receipts never promote an unconfirmed optimistic message.
	cache.Put(&model.Message{
		LocalID: "l2", ConversationID: "conv1", SenderID: "me",
		Body: "pending", Type: model.TypeText, Status: model.StatusQueued, Timestamp: 2000,
	})
	if err := cache.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := e.MarkDelivered(context.Background(), "l2", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := cache.Flush(); err != nil {
		t.Fatal(err)
	}
	if m := cache.GetMessage("l2"); m.Status != model.StatusQueued {
		t.Errorf("unconfirmed status = %s, want still queued", m.Status)
	}
}

func TestSubscribeRestoresQueueSurvivors(t *testing.T) {
	e, q, _, _ := testEngine(t)

	// A crash left a durable intent with nothing in the cache.
	if err := q.Enqueue(&model.QueuedMessage{
		LocalID: "l1", ConversationID: "conv1", SenderID: "me",
		Body: "survivor", Type: model.TypeText, EnqueuedAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	unsub := e.Subscribe("conv1", rec.cb)
	defer unsub()

	snap := rec.latest()
	if len(snap) != 1 || snap[0].LocalID != "l1" {
		t.Fatalf("initial snapshot = %+v, want the queue survivor", snap)
	}
	if snap[0].Status != model.StatusQueued {
		t.Errorf("status = %s, want queued", snap[0].Status)
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	e, _, _, b := testEngine(t)

	rec := &recorder{}
	unsub := e.Subscribe("conv1", rec.cb)
	count := rec.count()
	unsub()

	b.Publish(bus.NewEvent(bus.KindRemoteMessage, &model.Message{
		ID: "s1", ConversationID: "conv1", Status: model.StatusSent, Timestamp: 1000,
	}))
	time.Sleep(150 * time.Millisecond)

	if rec.count() != count {
		t.Error("unsubscribed callback still fired")
	}
}
