package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/knotchat/knot/internal/config"
	"github.com/knotchat/knot/internal/model"
	"github.com/knotchat/knot/internal/queue"
	"github.com/knotchat/knot/internal/store"
	"go.uber.org/zap"
)

// TestLocalOnlyProviders verifies the dependency graph degrades cleanly when
// no remote_uri is configured: the remote-backed components are absent and
// the engine still accepts local sends.
func TestLocalOnlyProviders(t *testing.T) {
	logger := zap.NewNop()
	cfg := config.Default()
	cfg.RemoteURI = ""

	r, err := provideRemote(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	if r != nil {
		t.Fatal("remote store provided without a remote_uri")
	}

	b := provideBus()
	machine := provideStateMachine(b)

	if w := provideWatcher(r, b, machine, logger); w != nil {
		t.Error("watcher provided without a remote")
	}
	if s := provideScheduler(nil, r, b, machine, cfg, logger); s != nil {
		t.Error("scheduler provided without a remote")
	}

	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	cache := provideCache(db, cfg, logger)
	defer func() { _ = cache.Close() }()

	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = q.Close() }()

	guard := provideGuard(r, cache, logger)
	if guard != nil {
		t.Error("guard provided without a remote")
	}
	d := provideDispatcher(q, cache, r, guard, b, machine, cfg, logger)
	pager := providePager(cache, r, cfg, logger)

	eng := provideEngine(cfg, b, cache, q, d, pager, nil, nil, r, guard, logger)
	eng.Start(context.Background())
	defer func() { _ = eng.Stop() }()

	localID, err := eng.Send(context.Background(), model.Draft{
		ConversationID: "conv1", SenderID: "me", Body: "offline send",
	})
	if err != nil {
		t.Fatal(err)
	}

	// The intent is durable even though nothing can dispatch it.
	time.Sleep(100 * time.Millisecond)
	entry, err := q.Get(localID)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("send intent missing from queue in local-only mode")
	}
}
