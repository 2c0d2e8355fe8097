// Package scheduler runs periodic reconciliation passes against the remote
// store. The change feed is the fast path; these passes are the safety net
// that catches anything the feed missed while the app was backgrounded or
// the connection flapped.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/knotchat/knot/internal/bus"
	"github.com/knotchat/knot/internal/config"
	"github.com/knotchat/knot/internal/logging"
	"github.com/knotchat/knot/internal/model"
	"github.com/knotchat/knot/internal/status"
	"github.com/knotchat/knot/internal/store"
	"go.uber.org/zap"
)

// AppState is the host application's lifecycle state.
type AppState int

const (
	Foreground AppState = iota
	Background
)

// Remote is the reconciliation surface the scheduler needs.
type Remote interface {
	MessagesSince(ctx context.Context, conversationID string, sinceTs int64, limit int) ([]*model.Message, error)
	MessagesBefore(ctx context.Context, conversationID string, beforeTs int64, limit int) ([]*model.Message, error)
}

// Scheduler owns one reconciliation loop per synced conversation. Foreground
// apps poll faster than backgrounded ones, and foregrounding triggers an
// immediate pass on every conversation.
type Scheduler struct {
	cache   *store.Cache
	remote  Remote
	bus     *bus.Bus
	machine *status.Machine
	cfg     config.SyncConfig
	logger  *zap.Logger

	mu       sync.Mutex
	appState AppState
	loops    map[string]*loop
}

type loop struct {
	cancel context.CancelFunc
	wake   chan struct{}
}

// New creates a scheduler in the foreground state. machine may be nil.
func New(cache *store.Cache, remote Remote, b *bus.Bus, machine *status.Machine,
	cfg config.SyncConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cache:   cache,
		remote:  remote,
		bus:     b,
		machine: machine,
		cfg:     cfg,
		logger:  logging.OrNop(logger),
		loops:   make(map[string]*loop),
	}
}

// StartSync begins periodic reconciliation for a conversation, running the
// first pass immediately. Idempotent per conversation.
func (s *Scheduler) StartSync(ctx context.Context, conversationID string) {
	s.mu.Lock()
	if _, ok := s.loops[conversationID]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &loop{cancel: cancel, wake: make(chan struct{}, 1)}
	s.loops[conversationID] = l
	s.mu.Unlock()

	go s.run(ctx, conversationID, l.wake)
}

// StopSync stops reconciliation for a conversation.
func (s *Scheduler) StopSync(conversationID string) {
	s.mu.Lock()
	l, ok := s.loops[conversationID]
	if ok {
		delete(s.loops, conversationID)
	}
	s.mu.Unlock()
	if ok {
		l.cancel()
	}
}

// StopAll stops every reconciliation loop.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	loops := s.loops
	s.loops = make(map[string]*loop)
	s.mu.Unlock()
	for _, l := range loops {
		l.cancel()
	}
}

// OnAppStateChange switches the polling cadence. Entering the foreground
// wakes every loop for an immediate pass.
func (s *Scheduler) OnAppStateChange(state AppState) {
	s.mu.Lock()
	prev := s.appState
	s.appState = state
	var wakes []chan struct{}
	if state == Foreground && prev != Foreground {
		for _, l := range s.loops {
			wakes = append(wakes, l.wake)
		}
	}
	s.mu.Unlock()

	for _, wake := range wakes {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appState == Background {
		return s.cfg.BackgroundInterval()
	}
	return s.cfg.ForegroundInterval()
}

func (s *Scheduler) run(ctx context.Context, conversationID string, wake chan struct{}) {
	s.pass(ctx, conversationID)
	for {
		timer := time.NewTimer(s.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.pass(ctx, conversationID)
		case <-wake:
			timer.Stop()
			s.pass(ctx, conversationID)
		}
	}
}

// pass fetches everything newer than the cache high-water mark, plus a
// re-read of the trailing page, within the pass budget, and publishes the
// union as one batch.
func (s *Scheduler) pass(ctx context.Context, conversationID string) {
	if s.machine != nil && !s.machine.Online() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PassBudget())
	defer cancel()

	since := s.cache.NewestTimestamp(conversationID)
	fresh, err := s.remote.MessagesSince(ctx, conversationID, since, s.cfg.PageSize)
	if err != nil {
		s.logger.Warn("reconciliation pass failed",
			zap.Error(err), zap.String("conversation", conversationID))
		return
	}

	// Receipts and deletion marks mutate existing documents without moving
	// their timestamps, so the high-water fetch alone can never see them.
	// Re-read the trailing page; the merge pipeline folds unchanged copies
	// away.
	var recent []*model.Message
	if since > 0 {
		recent, err = s.remote.MessagesBefore(ctx, conversationID, since+1, s.cfg.PageSize)
		if err != nil {
			s.logger.Warn("trailing page re-read failed",
				zap.Error(err), zap.String("conversation", conversationID))
		}
	}

	batch := append(recent, fresh...)
	if len(batch) == 0 {
		return
	}

	s.logger.Debug("reconciliation pass",
		zap.String("conversation", conversationID),
		zap.Int("messages", len(batch)), zap.Int64("since", since))
	s.bus.Publish(bus.NewEvent(bus.KindRemoteBatch, batch))
}
