package knot

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type recorder struct {
	mu    sync.Mutex
	snaps [][]*Message
}

func (r *recorder) cb(list []*Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make([]*Message, len(list))
	copy(snap, list)
	r.snaps = append(r.snaps, snap)
}

func (r *recorder) latest() []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil
	}
	return r.snaps[len(r.snaps)-1]
}

func openClient(t *testing.T, dir string) *Client {
	t.Helper()
	c, err := New(context.Background(), Options{
		Profile: "test",
		DataDir: dir,
		Logger:  zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// TestOfflineComposeSurvivesRestart is the end-to-end crash scenario: a
// message composed with no remote configured stays queued, survives a full
// client restart, and reappears in the first snapshot.
func TestOfflineComposeSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	c := openClient(t, dir)
	rec := &recorder{}
	unsub := c.Subscribe("conv1", rec.cb)

	localID, err := c.Send(context.Background(), Draft{
		ConversationID: "conv1", SenderID: "me", Body: "written offline",
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := rec.latest()
		if len(snap) == 1 && snap[0].LocalID == localID && snap[0].Status == StatusQueued {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queued message never became visible, snapshot = %+v", rec.latest())
		}
		time.Sleep(10 * time.Millisecond)
	}

	unsub()
	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Restart against the same data directory.
	c2 := openClient(t, dir)
	defer func() { _ = c2.Close(context.Background()) }()

	rec2 := &recorder{}
	unsub2 := c2.Subscribe("conv1", rec2.cb)
	defer unsub2()

	snap := rec2.latest()
	if len(snap) != 1 || snap[0].LocalID != localID {
		t.Fatalf("restart snapshot = %+v, want the queued message", snap)
	}
	if snap[0].Status != StatusQueued {
		t.Errorf("status after restart = %s, want queued", snap[0].Status)
	}
}

func TestSecondClientOnSameProfileRejected(t *testing.T) {
	dir := t.TempDir()

	c := openClient(t, dir)
	defer func() { _ = c.Close(context.Background()) }()

	if _, err := New(context.Background(), Options{
		Profile: "test", DataDir: dir, Logger: zap.NewNop(),
	}); err == nil {
		t.Fatal("second client on the same profile succeeded, want lock conflict")
	}
}

func TestInvalidProfileNameRejected(t *testing.T) {
	if _, err := New(context.Background(), Options{Profile: "../escape"}); err == nil {
		t.Fatal("path-escaping profile name accepted")
	}
}
