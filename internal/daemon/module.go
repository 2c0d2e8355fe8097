// Package daemon composes the engine and its collaborators into a runnable
// process using fx providers and lifecycle hooks.
package daemon

import (
	"context"
	"time"

	"github.com/knotchat/knot/internal/bus"
	"github.com/knotchat/knot/internal/config"
	"github.com/knotchat/knot/internal/engine"
	"github.com/knotchat/knot/internal/lock"
	"github.com/knotchat/knot/internal/logging"
	"github.com/knotchat/knot/internal/outbox"
	"github.com/knotchat/knot/internal/paging"
	"github.com/knotchat/knot/internal/profile"
	"github.com/knotchat/knot/internal/queue"
	"github.com/knotchat/knot/internal/remote"
	"github.com/knotchat/knot/internal/scheduler"
	"github.com/knotchat/knot/internal/status"
	"github.com/knotchat/knot/internal/store"
	"github.com/knotchat/knot/internal/summary"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCacheDB,
			provideCache,
			provideQueue,
			provideRemote,
			provideWatcher,
			provideGuard,
			provideDispatcher,
			providePager,
			provideScheduler,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		logger.Warn("config not loaded, using defaults", zap.Error(err))
	}
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCacheDB(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CacheDBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("cache migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("cache migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCache(db *store.DB, cfg *config.Config, logger *zap.Logger) *store.Cache {
	return store.NewCache(db, cfg.Cache.Quiescence(), logger)
}

func provideQueue(p Params, logger *zap.Logger) (*queue.DB, error) {
	dbPath := profile.QueueDBPath(p.Profile)
	q, err := queue.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := q.Migrate(); err != nil {
		_ = q.Close()
		return nil, err
	}
	logger.Info("send queue initialized", zap.String("path", dbPath))
	return q, nil
}

func provideRemote(cfg *config.Config, logger *zap.Logger) (remote.Store, error) {
	if cfg.RemoteURI == "" {
		logger.Warn("no remote_uri configured, running local-only")
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return remote.Dial(ctx, cfg.RemoteURI, cfg.RemoteDatabase, logger)
}

func provideWatcher(r remote.Store, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *remote.Watcher {
	if r == nil {
		return nil
	}
	return remote.NewWatcher(r, b, machine, logger)
}

func provideGuard(r remote.Store, cache *store.Cache, logger *zap.Logger) *summary.Guard {
	if r == nil {
		return nil
	}
	return summary.NewGuard(r, cache, logger)
}

func provideDispatcher(q *queue.DB, cache *store.Cache, r remote.Store, g *summary.Guard,
	b *bus.Bus, machine *status.Machine, cfg *config.Config, logger *zap.Logger) *outbox.Dispatcher {
	var sender outbox.Sender
	if r != nil {
		sender = r
	}
	return outbox.NewDispatcher(q, cache, sender, g, b, machine, cfg.Send, logger)
}

func providePager(cache *store.Cache, r remote.Store, cfg *config.Config, logger *zap.Logger) *paging.Pager {
	var history paging.Remote
	if r != nil {
		history = r
	}
	return paging.NewPager(cache, history, cfg.Sync, logger)
}

func provideScheduler(cache *store.Cache, r remote.Store, b *bus.Bus, machine *status.Machine,
	cfg *config.Config, logger *zap.Logger) *scheduler.Scheduler {
	if r == nil {
		return nil
	}
	return scheduler.New(cache, r, b, machine, cfg.Sync, logger)
}

func provideEngine(cfg *config.Config, b *bus.Bus, cache *store.Cache, q *queue.DB,
	d *outbox.Dispatcher, pager *paging.Pager, s *scheduler.Scheduler, w *remote.Watcher,
	r remote.Store, g *summary.Guard, logger *zap.Logger) *engine.Engine {
	return engine.New(engine.Params{
		Config:     cfg,
		Bus:        b,
		Cache:      cache,
		Queue:      q,
		Dispatcher: d,
		Pager:      pager,
		Scheduler:  s,
		Watcher:    w,
		Remote:     r,
		Guard:      g,
		Logger:     logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, eng *engine.Engine, d *outbox.Dispatcher,
	cache *store.Cache, cacheDB *store.DB, q *queue.DB, r remote.Store, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Engine first: it must be consuming bus events before anything
			// publishes.
			eng.Start(context.Background())
			d.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Stop()
			if err := eng.Stop(); err != nil {
				logger.Warn("engine flush on stop failed", zap.Error(err))
			}
			if err := cache.Close(); err != nil {
				logger.Warn("cache close failed", zap.Error(err))
			}
			if err := cacheDB.Close(); err != nil {
				logger.Warn("cache db close failed", zap.Error(err))
			}
			if err := q.Close(); err != nil {
				logger.Warn("queue close failed", zap.Error(err))
			}
			if m, ok := r.(*remote.Mongo); ok {
				if err := m.Close(ctx); err != nil {
					logger.Warn("remote disconnect failed", zap.Error(err))
				}
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
