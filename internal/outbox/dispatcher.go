package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/firm-records/internal/clock"
	"github.com/richardliu001/firm-records/internal/config"
	"github.com/richardliu001/firm-records/internal/model"
	"github.com/richardliu001/firm-records/internal/repo"
	"go.uber.org/zap"
)

// Store is the slice of the repository the dispatcher needs.
type Store interface {
	PendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error)
	ApplyOutboxUpdates(ctx context.Context, now time.Time, updates []repo.OutboxUpdate) error
	PruneProcessedOutbox(ctx context.Context, before time.Time) (int64, error)
}

// BatchResult summarizes one dispatch cycle.
type BatchResult struct {
	Fetched      int
	Processed    int
	Failed       int
	Skipped      int
	DeadLettered int
}

// Dispatcher is the single sequential outbox worker.
type Dispatcher struct {
	store    Store
	handlers *Registry
	cfg      config.OutboxConfig
	log      *zap.SugaredLogger

	clock     clock.Clock
	liveness  Liveness
	locker    Locker
	sleep     func(ctx context.Context, d time.Duration) error
	lastPrune time.Time
}

type Option func(*Dispatcher)

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithLiveness(l Liveness) Option {
	return func(d *Dispatcher) { d.liveness = l }
}

// WithLocker makes every batch run under l, so only one worker dispatches at a time.
func WithLocker(l Locker) Option {
	return func(d *Dispatcher) { d.locker = l }
}

// WithSleeper replaces the context-aware sleep used between polls.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

// NewDispatcher returns a dispatcher with in-memory liveness and no leader lock.
func NewDispatcher(store Store, handlers *Registry, cfg config.OutboxConfig, logger *zap.SugaredLogger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		handlers: handlers,
		cfg:      cfg,
		log:      logger,
		clock:    clock.System{},
		liveness: NewMemoryLiveness(),
		locker:   noopLocker{},
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Liveness exposes the tracker health checks read from.
func (d *Dispatcher) Liveness() Liveness { return d.liveness }

// Run polls until ctx is cancelled. A running handler is never interrupted;
// cancellation is observed before each poll and during sleeps.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Infow("outbox dispatcher started",
		"batch_size", d.cfg.BatchSize, "handlers", d.handlers.Types())
	defer d.log.Info("outbox dispatcher stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := d.DispatchOnce(ctx)

		var wait time.Duration
		switch {
		case err != nil:
			d.log.Errorf("outbox dispatch: %v", err)
			wait = d.cfg.ErrorBackoff
		case res.Processed == 0:
			// empty, or nothing but failures: don't spin on the same rows
			wait = d.cfg.IdleInterval
		}
		if wait > 0 {
			if err := d.sleep(ctx, wait); err != nil {
				return
			}
		}
	}
}

// DispatchOnce runs a single poll-dispatch-commit cycle.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (BatchResult, error) {
	var res BatchResult

	release, acquired, err := d.locker.Acquire(ctx)
	if err != nil {
		return res, fmt.Errorf("acquire dispatcher lock: %w", err)
	}
	if !acquired {
		d.log.Debug("outbox dispatcher lock held elsewhere")
		return res, nil
	}
	defer release()

	msgs, err := d.store.PendingOutbox(ctx, d.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("poll outbox: %w", err)
	}
	res.Fetched = len(msgs)

	updates := make([]repo.OutboxUpdate, 0, len(msgs))
	for i := range msgs {
		if ctx.Err() != nil {
			// shutting down: the rest stay pending and are not charged a retry
			d.log.Infow("outbox batch interrupted", "remaining", len(msgs)-i)
			break
		}
		m := &msgs[i]
		h, ok := d.handlers.Lookup(m.Type)
		if !ok {
			d.log.Warnw("no handler registered, message left pending", "id", m.ID, "type", m.Type)
			res.Skipped++
			continue
		}

		if err := d.invoke(ctx, h, m); err != nil {
			dead := d.cfg.MaxRetries > 0 && m.RetryCount+1 >= d.cfg.MaxRetries
			d.log.Errorw("outbox handler failed",
				"id", m.ID, "type", m.Type, "retry_count", m.RetryCount+1, "dead_letter", dead, "error", err)
			updates = append(updates, repo.OutboxUpdate{ID: m.ID, Error: err.Error(), DeadLetter: dead})
			res.Failed++
			if dead {
				res.DeadLettered++
			}
			continue
		}
		updates = append(updates, repo.OutboxUpdate{ID: m.ID, Processed: true})
		res.Processed++
	}

	// handlers already ran; record their outcome even if shutdown started
	commitCtx := context.WithoutCancel(ctx)
	now := d.clock.Now()
	if err := d.store.ApplyOutboxUpdates(commitCtx, now, updates); err != nil {
		return res, fmt.Errorf("commit outbox batch: %w", err)
	}
	if err := d.liveness.MarkDispatched(commitCtx, now); err != nil {
		d.log.Warnf("record dispatcher liveness: %v", err)
	}
	if res.Fetched > 0 {
		d.log.Infow("outbox batch dispatched",
			"fetched", res.Fetched, "processed", res.Processed, "failed", res.Failed,
			"skipped", res.Skipped, "dead_lettered", res.DeadLettered)
	}
	d.prune(commitCtx, now)
	return res, nil
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, m *model.OutboxMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, []byte(m.Payload))
}

func (d *Dispatcher) prune(ctx context.Context, now time.Time) {
	if d.cfg.Retention <= 0 {
		return
	}
	if !d.lastPrune.IsZero() && now.Sub(d.lastPrune) < d.cfg.PruneInterval {
		return
	}
	d.lastPrune = now
	n, err := d.store.PruneProcessedOutbox(ctx, now.Add(-d.cfg.Retention))
	if err != nil {
		d.log.Warnf("prune outbox: %v", err)
		return
	}
	if n > 0 {
		d.log.Infof("pruned %d processed outbox messages", n)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
