// Package outbox drains the durable send queue. Queue entries survive
// crashes; the dispatcher turns them into remote writes with bounded
// timeouts, exponential backoff and a hard retry cap.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/knotchat/knot/internal/bus"
	"github.com/knotchat/knot/internal/config"
	"github.com/knotchat/knot/internal/logging"
	"github.com/knotchat/knot/internal/model"
	"github.com/knotchat/knot/internal/queue"
	"github.com/knotchat/knot/internal/status"
	"github.com/knotchat/knot/internal/store"
	"github.com/knotchat/knot/internal/summary"
	"go.uber.org/zap"
)

// Sender is the remote surface the dispatcher needs.
type Sender interface {
	Send(ctx context.Context, m *model.Message) (serverID string, err error)
}

// Dispatcher owns the queue drain loop.
type Dispatcher struct {
	queue   *queue.DB
	cache   *store.Cache
	sender  Sender
	guard   *summary.Guard
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	cfg     config.SendConfig

	nudge  chan struct{}
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher. machine may be nil (assumed online).
func NewDispatcher(q *queue.DB, cache *store.Cache, sender Sender, guard *summary.Guard,
	b *bus.Bus, machine *status.Machine, cfg config.SendConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		queue:   q,
		cache:   cache,
		sender:  sender,
		guard:   guard,
		bus:     b,
		machine: machine,
		logger:  logging.OrNop(logger),
		cfg:     cfg,
		nudge:   make(chan struct{}, 1),
	}
}

// Start begins the drain loop. A conn.online event triggers an immediate
// full-queue pass regardless of backoff timers.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go d.loop(ctx)
}

// Stop stops the drain loop.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// Nudge asks the loop for a prompt pass, e.g. right after an enqueue.
func (d *Dispatcher) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.DrainInterval())
	defer ticker.Stop()

	connCh, unsub := d.bus.Subscribe(bus.KindConnOnline, 16)
	defer unsub()

	for {
		select {
		case <-ticker.C:
			d.Drain(ctx, false)
		case <-d.nudge:
			d.Drain(ctx, false)
		case <-connCh:
			// Connectivity regained: drain everything, ignoring backoff.
			d.Drain(ctx, true)
		case <-ctx.Done():
			return
		}
	}
}

// Drain processes pending queue entries. When ignoreBackoff is false, entries
// still inside their backoff window are skipped.
func (d *Dispatcher) Drain(ctx context.Context, ignoreBackoff bool) {
	if d.sender == nil {
		return
	}
	if d.machine != nil && !d.machine.Online() {
		return
	}

	pending, err := d.queue.ListAll()
	if err != nil {
		d.logger.Error("failed to read send queue", zap.Error(err))
		return
	}

	now := time.Now()
	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if !ignoreBackoff && !entry.Due(now) {
			continue
		}
		d.dispatch(ctx, entry)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, entry *model.QueuedMessage) {
	msg := entry.Message(model.StatusSending)
	d.cache.Put(msg)
	d.bus.Publish(bus.NewEvent(bus.KindMessageUpdated, msg))

	// Fresh user-initiated sends get the longer budget; automatic retries
	// the shorter one.
	timeout := d.cfg.Timeout()
	if entry.RetryCount > 0 {
		timeout = d.cfg.RetryTimeout()
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	serverID, err := d.sender.Send(sendCtx, msg)
	cancel()

	if err != nil {
		d.fail(ctx, entry, msg, err)
		return
	}
	d.confirm(ctx, entry.LocalID, msg, serverID)
}

// RetryNow performs exactly one on-demand dispatch of a failed message. It
// never re-enters the automatic retry schedule; the user can invoke it any
// number of times.
func (d *Dispatcher) RetryNow(ctx context.Context, localID string) error {
	if d.sender == nil {
		return fmt.Errorf("retry %s: remote unavailable", localID)
	}
	msg := d.cache.GetMessage(localID)
	if msg == nil {
		return nil
	}
	if msg.Status != model.StatusFailed {
		// A queued message belongs to the drain loop; a confirmed one is
		// already on the server.
		return fmt.Errorf("retry %s: message is %s, only failed sends can be retried", localID, msg.Status)
	}

	msg.Status = model.StatusSending
	d.cache.Put(msg)
	d.bus.Publish(bus.NewEvent(bus.KindMessageUpdated, msg))

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout())
	serverID, err := d.sender.Send(sendCtx, msg)
	cancel()

	if err != nil {
		d.logger.Warn("manual retry failed", zap.Error(err), zap.String("local_id", localID))
		msg.Status = model.StatusFailed
		d.cache.Put(msg)
		d.bus.Publish(bus.NewEvent(bus.KindMessageSendFailed, msg))
		return err
	}
	d.confirm(ctx, localID, msg, serverID)
	return nil
}

func (d *Dispatcher) confirm(ctx context.Context, localID string, msg *model.Message, serverID string) {
	if err := d.queue.Dequeue(localID); err != nil {
		d.logger.Error("failed to dequeue", zap.Error(err), zap.String("local_id", localID))
	}

	confirmed := *msg
	confirmed.ID = serverID
	confirmed.Status = model.StatusSent
	d.cache.Put(&confirmed)

	if d.guard != nil {
		if _, err := d.guard.Apply(ctx, confirmed.ConversationID, &confirmed); err != nil {
			d.logger.Warn("summary update failed", zap.Error(err), zap.String("conversation", confirmed.ConversationID))
		}
	}

	d.logger.Info("message sent",
		zap.String("local_id", localID), zap.String("server_id", serverID))
	d.bus.Publish(bus.NewEvent(bus.KindMessageSendAck, &confirmed))
}

func (d *Dispatcher) fail(ctx context.Context, entry *model.QueuedMessage, msg *model.Message, sendErr error) {
	now := time.Now().UnixMilli()
	if err := d.queue.RecordAttempt(entry.LocalID, now); err != nil {
		d.logger.Error("failed to record attempt", zap.Error(err), zap.String("local_id", entry.LocalID))
	}

	attempts := entry.RetryCount + 1
	if attempts >= d.cfg.RetryCap {
		// Permanent failure: out of the automatic schedule, but never out of
		// the user's view. Only an explicit discard removes it.
		if err := d.queue.Dequeue(entry.LocalID); err != nil {
			d.logger.Error("failed to dequeue failed entry", zap.Error(err), zap.String("local_id", entry.LocalID))
		}
		msg.Status = model.StatusFailed
		d.cache.Put(msg)
		d.logger.Warn("message permanently failed",
			zap.Error(sendErr), zap.String("local_id", entry.LocalID), zap.Int("attempts", attempts))
		d.bus.Publish(bus.NewEvent(bus.KindMessageSendFailed, msg))
		return
	}

	msg.Status = model.StatusQueued
	d.cache.Put(msg)
	d.logger.Warn("dispatch failed, will retry",
		zap.Error(sendErr), zap.String("local_id", entry.LocalID), zap.Int("attempts", attempts))
	d.bus.Publish(bus.NewEvent(bus.KindMessageUpdated, msg))
}
