package paging

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/knotchat/knot/internal/config"
	"github.com/knotchat/knot/internal/model"
	"github.com/knotchat/knot/internal/store"
)

type fakeRemote struct {
	mu    sync.Mutex
	calls int
	msgs  []*model.Message
	err   error
}

func (f *fakeRemote) MessagesBefore(_ context.Context, conversationID string, beforeTs int64, limit int) ([]*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []*model.Message
	for _, m := range f.msgs {
		if m.ConversationID == conversationID && m.Timestamp < beforeTs && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testCache(t *testing.T) *store.Cache {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	c := store.NewCache(db, 20*time.Millisecond, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func msg(n int, ts int64) *model.Message {
	return &model.Message{
		LocalID:        fmt.Sprintf("l%d", n),
		ConversationID: "conv1",
		SenderID:       "alice",
		Body:           fmt.Sprintf("message %d", n),
		Type:           model.TypeText,
		Status:         model.StatusSent,
		Timestamp:      ts,
	}
}

func TestLoadOlderServesFromCache(t *testing.T) {
	cache := testCache(t)
	remote := &fakeRemote{}
	cfg := config.Default().Sync
	cfg.PageSize = 3
	p := NewPager(cache, remote, cfg, nil)

	for i := 1; i <= 5; i++ {
		cache.Put(msg(i, int64(i*1000)))
	}
	if err := cache.Flush(); err != nil {
		t.Fatal(err)
	}

	page := p.LoadOlder(context.Background(), "conv1", 6000)
	if len(page) != 3 {
		t.Fatalf("got %d messages, want 3", len(page))
	}
	if page[0].Timestamp != 5000 {
		t.Errorf("first = %d, want newest (5000)", page[0].Timestamp)
	}
	if remote.callCount() != 0 {
		t.Errorf("remote hit %d times with a full cache page, want 0", remote.callCount())
	}
}

func TestLoadOlderFallsBackToRemote(t *testing.T) {
	cache := testCache(t)
	remote := &fakeRemote{msgs: []*model.Message{msg(1, 1000), msg(2, 2000)}}
	cfg := config.Default().Sync
	cfg.PageSize = 5
	p := NewPager(cache, remote, cfg, nil)

	cache.Put(msg(3, 3000))
	if err := cache.Flush(); err != nil {
		t.Fatal(err)
	}

	page := p.LoadOlder(context.Background(), "conv1", 4000)
	if len(page) != 3 {
		t.Fatalf("got %d messages, want 3 (1 cache + 2 remote)", len(page))
	}
	if remote.callCount() != 1 {
		t.Errorf("remote hit %d times, want 1", remote.callCount())
	}

	// Remote results must be cached for the next cold start.
	if err := cache.Flush(); err != nil {
		t.Fatal(err)
	}
	if m := cache.GetMessage("l1"); m == nil {
		t.Error("remote result l1 not persisted to cache")
	}
}

func TestLoadOlderCooldownIsNoOp(t *testing.T) {
	cache := testCache(t)
	remote := &fakeRemote{}
	cfg := config.Default().Sync
	cfg.LoadOlderCooldownMs = 60_000
	p := NewPager(cache, remote, cfg, nil)

	cache.Put(msg(1, 1000))
	if err := cache.Flush(); err != nil {
		t.Fatal(err)
	}

	first := p.LoadOlder(context.Background(), "conv1", 2000)
	if len(first) == 0 {
		t.Fatal("first load returned nothing")
	}
	second := p.LoadOlder(context.Background(), "conv1", 2000)
	if second != nil {
		t.Errorf("load inside cooldown returned %d messages, want no-op", len(second))
	}

	// Cooldown is per conversation.
	if got := p.LoadOlder(context.Background(), "conv2", 2000); got != nil && len(got) > 0 {
		t.Error("unexpected messages for conv2")
	}
	if remote.callCount() == 0 {
		t.Error("conv2 load inside conv1 cooldown never reached remote")
	}
}

func TestLoadOlderRemoteFailureDegradesToCache(t *testing.T) {
	cache := testCache(t)
	remote := &fakeRemote{err: fmt.Errorf("remote unavailable")}
	cfg := config.Default().Sync
	cfg.PageSize = 5
	p := NewPager(cache, remote, cfg, nil)

	cache.Put(msg(1, 1000))
	if err := cache.Flush(); err != nil {
		t.Fatal(err)
	}

	page := p.LoadOlder(context.Background(), "conv1", 2000)
	if len(page) != 1 {
		t.Errorf("got %d messages, want the 1 cached one", len(page))
	}
}

func TestTrimWindowKeepsNewest(t *testing.T) {
	var list []*model.Message
	for i := 1; i <= 10; i++ {
		list = append(list, msg(i, int64(i*1000)))
	}

	out := TrimWindow(list, 4, nil)
	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4", len(out))
	}
	if out[0].Timestamp != 7000 || out[3].Timestamp != 10000 {
		t.Errorf("window = [%d..%d], want [7000..10000]", out[0].Timestamp, out[3].Timestamp)
	}
}

func TestTrimWindowExemptsUnresolvedSends(t *testing.T) {
	var list []*model.Message
	for i := 1; i <= 10; i++ {
		list = append(list, msg(i, int64(i*1000)))
	}
	list[0].Status = model.StatusQueued
	list[1].Status = model.StatusFailed

	out := TrimWindow(list, 4, nil)
	if len(out) != 6 {
		t.Fatalf("got %d messages, want 4 newest + 2 exempt", len(out))
	}
	if out[0].Status != model.StatusQueued || out[1].Status != model.StatusFailed {
		t.Error("unresolved sends were trimmed")
	}
}

func TestTrimWindowKeepSetSurvives(t *testing.T) {
	var list []*model.Message
	for i := 1; i <= 10; i++ {
		list = append(list, msg(i, int64(i*1000)))
	}

	out := TrimWindow(list, 4, map[string]bool{"l2": true})
	if len(out) != 5 {
		t.Fatalf("got %d messages, want 5", len(out))
	}
	if out[0].LocalID != "l2" {
		t.Errorf("kept key = %q, want l2", out[0].LocalID)
	}
}

func TestTrimWindowUnderCeilingReturnsSameSlice(t *testing.T) {
	list := []*model.Message{msg(1, 1000), msg(2, 2000)}
	out := TrimWindow(list, 4, nil)
	if &out[0] != &list[0] || len(out) != len(list) {
		t.Error("untouched list was copied")
	}
}
