// Package knot is the embeddable offline-first message sync engine. A Client
// owns the full local stack for one profile: durable send queue, buffered
// SQLite cache, merge pipeline, outbox dispatcher, background reconciliation
// and the remote store connection.
//
// The daemon in cmd/knotd wires the same components through fx; this package
// is the hand-wired entry point for applications that embed the engine
// directly.
package knot

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/knotchat/knot/internal/bus"
	"github.com/knotchat/knot/internal/config"
	"github.com/knotchat/knot/internal/engine"
	"github.com/knotchat/knot/internal/lock"
	"github.com/knotchat/knot/internal/logging"
	"github.com/knotchat/knot/internal/model"
	"github.com/knotchat/knot/internal/outbox"
	"github.com/knotchat/knot/internal/paging"
	"github.com/knotchat/knot/internal/profile"
	"github.com/knotchat/knot/internal/queue"
	"github.com/knotchat/knot/internal/remote"
	"github.com/knotchat/knot/internal/scheduler"
	"github.com/knotchat/knot/internal/status"
	"github.com/knotchat/knot/internal/store"
	"github.com/knotchat/knot/internal/summary"
	"go.uber.org/zap"
)

// Re-exported model types so embedders never import internal packages.
type (
	Message      = model.Message
	Draft        = model.Draft
	Conversation = model.Conversation
	Summary      = model.Summary
	Status       = model.Status
	MessageType  = model.MessageType
	Config       = config.Config
	AppState     = scheduler.AppState
)

const (
	StatusSending   = model.StatusSending
	StatusQueued    = model.StatusQueued
	StatusFailed    = model.StatusFailed
	StatusSent      = model.StatusSent
	StatusDelivered = model.StatusDelivered
	StatusRead      = model.StatusRead

	TypeText   = model.TypeText
	TypeImage  = model.TypeImage
	TypeSystem = model.TypeSystem

	Foreground = scheduler.Foreground
	Background = scheduler.Background
)

// DefaultConfig returns the built-in tunables.
func DefaultConfig() *Config {
	return config.Default()
}

// Options configures an embedded Client.
type Options struct {
	// Profile names the local data directory. Defaults to "default".
	Profile string
	// DataDir overrides the profile directory (~/.knot/profiles/<profile>).
	DataDir string
	// Config overrides the tunables. Defaults to DefaultConfig.
	Config *Config
	// Logger receives engine logs. Defaults to the per-profile log file.
	Logger *zap.Logger
}

// Client is a running sync engine for one profile.
type Client struct {
	engine     *engine.Engine
	dispatcher *outbox.Dispatcher
	scheduler  *scheduler.Scheduler
	cache      *store.Cache
	cacheDB    *store.DB
	queue      *queue.DB
	remote     remote.Store
	lock       *lock.Lock
	logger     *zap.Logger
}

// New builds and starts a Client. ctx bounds the remote dial only; the
// Client runs until Close.
func New(ctx context.Context, opts Options) (*Client, error) {
	name := opts.Profile
	if name == "" {
		name = profile.DefaultProfileName
	}
	if err := profile.ValidateName(name); err != nil {
		return nil, err
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		if err := profile.EnsureDir(name); err != nil {
			return nil, fmt.Errorf("profile dir: %w", err)
		}
		dataDir = profile.Dir(name)
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(filepath.Join(dataDir, "logs", "knotd.log"), name)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
	}

	lk, err := lock.Acquire(dataDir)
	if err != nil {
		return nil, err
	}

	c := &Client{lock: lk, logger: logger}
	if err := c.wire(ctx, dataDir, cfg); err != nil {
		c.teardown(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *Client) wire(ctx context.Context, dataDir string, cfg *config.Config) error {
	db, err := store.Open(filepath.Join(dataDir, "cache.db"))
	if err != nil {
		return err
	}
	c.cacheDB = db
	if _, err := db.Migrate(); err != nil {
		return err
	}
	c.cache = store.NewCache(db, cfg.Cache.Quiescence(), c.logger)

	q, err := queue.Open(filepath.Join(dataDir, "queue.db"))
	if err != nil {
		return err
	}
	c.queue = q
	if err := q.Migrate(); err != nil {
		return err
	}

	b := bus.New()
	machine := status.NewMachine(b)

	var (
		watcher *remote.Watcher
		guard   *summary.Guard
		sender  outbox.Sender
		history paging.Remote
	)
	if cfg.RemoteURI != "" {
		r, err := remote.Dial(ctx, cfg.RemoteURI, cfg.RemoteDatabase, c.logger)
		if err != nil {
			return fmt.Errorf("remote dial: %w", err)
		}
		c.remote = r
		watcher = remote.NewWatcher(r, b, machine, c.logger)
		guard = summary.NewGuard(r, c.cache, c.logger)
		sender = r
		history = r
		c.scheduler = scheduler.New(c.cache, r, b, machine, cfg.Sync, c.logger)
	} else {
		c.logger.Warn("no remote_uri configured, running local-only")
	}

	c.dispatcher = outbox.NewDispatcher(q, c.cache, sender, guard, b, machine, cfg.Send, c.logger)
	pager := paging.NewPager(c.cache, history, cfg.Sync, c.logger)

	c.engine = engine.New(engine.Params{
		Config:     cfg,
		Bus:        b,
		Cache:      c.cache,
		Queue:      q,
		Dispatcher: c.dispatcher,
		Pager:      pager,
		Scheduler:  c.scheduler,
		Watcher:    watcher,
		Remote:     c.remote,
		Guard:      guard,
		Logger:     c.logger,
	})

	c.engine.Start(context.Background())
	c.dispatcher.Start(context.Background())
	return nil
}

// Subscribe attaches a snapshot callback for one conversation. The callback
// fires immediately with the current snapshot and again on every visible
// change; unchanged messages keep their object identity across snapshots.
func (c *Client) Subscribe(conversationID string, cb func([]*Message)) func() {
	return c.engine.Subscribe(conversationID, cb)
}

// Send queues a message durably and returns its local ID. The message is
// visible as queued immediately, online or not.
func (c *Client) Send(ctx context.Context, draft Draft) (string, error) {
	return c.engine.Send(ctx, draft)
}

// LoadOlder extends a conversation's history window backwards by one page.
func (c *Client) LoadOlder(ctx context.Context, conversationID string) {
	c.engine.LoadOlder(ctx, conversationID)
}

// Retry re-dispatches a failed message once, on demand.
func (c *Client) Retry(ctx context.Context, localID string) error {
	return c.engine.Retry(ctx, localID)
}

// Delete soft-deletes a message for one viewer.
func (c *Client) Delete(ctx context.Context, localID, viewer string) error {
	return c.engine.Delete(ctx, localID, viewer)
}

// MarkRead records a read receipt for one participant.
func (c *Client) MarkRead(ctx context.Context, localID, participant string) error {
	return c.engine.MarkRead(ctx, localID, participant)
}

// MarkDelivered records a delivery receipt for one participant.
func (c *Client) MarkDelivered(ctx context.Context, localID, participant string) error {
	return c.engine.MarkDelivered(ctx, localID, participant)
}

// Discard removes a permanently failed message.
func (c *Client) Discard(ctx context.Context, localID string) error {
	return c.engine.Discard(ctx, localID)
}

// OnAppStateChange switches the reconciliation cadence between foreground
// and background polling.
func (c *Client) OnAppStateChange(state AppState) {
	if c.scheduler != nil {
		c.scheduler.OnAppStateChange(state)
	}
}

// Close stops the engine, flushes buffered writes and releases the profile.
func (c *Client) Close(ctx context.Context) error {
	return c.teardown(ctx)
}

func (c *Client) teardown(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.dispatcher != nil {
		c.dispatcher.Stop()
	}
	if c.engine != nil {
		keep(c.engine.Stop())
	}
	if c.cache != nil {
		keep(c.cache.Close())
	}
	if c.cacheDB != nil {
		keep(c.cacheDB.Close())
	}
	if c.queue != nil {
		keep(c.queue.Close())
	}
	if m, ok := c.remote.(*remote.Mongo); ok {
		keep(m.Close(ctx))
	}
	if c.lock != nil {
		keep(c.lock.Release())
	}
	return firstErr
}
