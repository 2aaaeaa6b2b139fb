// Package reconcile merges the live tail, backward pages and connectivity
// catch-up into one conversation timeline.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/timeline"
	"go.uber.org/zap"
)

// ErrClosed is returned to page callbacks after Close.
var ErrClosed = errors.New("reconciler closed")

// Source tells which feed produced a merge.
type Source string

const (
	SourceTail    Source = "tail"
	SourcePage    Source = "page"
	SourceCatchUp Source = "catchup"
)

// Config holds the window sizes and retry timing.
type Config struct {
	TailLimit           int
	PageSize            int
	BackfillAttempts    int
	ResubscribeInterval time.Duration
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.TailLimit <= 0 {
		c.TailLimit = 50
	}
	if c.PageSize <= 0 {
		c.PageSize = 30
	}
	if c.BackfillAttempts <= 0 {
		c.BackfillAttempts = 5
	}
	if c.ResubscribeInterval <= 0 {
		c.ResubscribeInterval = 2 * time.Second
	}
	return c
}

// Hooks are called on the loop.
type Hooks struct {
	// OnMerge runs after a merge that changed the timeline.
	OnMerge func(src Source, res timeline.MergeResult)
	// OnWindow runs once, after the first live-tail window is merged.
	OnWindow func()
	// OnPermanent runs when the store reports not-found or forbidden.
	OnPermanent func(err error)
}

// Reconciler owns the feeds of one conversation. All methods must be called
// on its loop.
type Reconciler struct {
	conversationID string
	tail           remote.Tail
	tl             *timeline.Store
	loop           *loop.Loop
	machine        *status.Machine
	cfg            Config
	hooks          Hooks
	logger         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	subCancel  context.CancelFunc
	subGen     int
	subActive  bool
	resubTimer *loop.Timer

	cursor       remote.Cursor
	exhausted    bool
	paging       bool
	pageWaiters  []func(error)
	// backfillPages counts pages fetched by Backfill over the session.
	backfillPages int
	catchingUp    bool
	windowLoaded bool
	online       bool
	closed       bool
}

// New creates a reconciler. Start must be called on the loop.
func New(conversationID string, tail remote.Tail, tl *timeline.Store, l *loop.Loop, machine *status.Machine, cfg Config, hooks Hooks, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		conversationID: conversationID,
		tail:           tail,
		tl:             tl,
		loop:           l,
		machine:        machine,
		cfg:            cfg.WithDefaults(),
		hooks:          hooks,
		logger:         logger.With(zap.String("conversation_id", conversationID)),
		online:         true,
	}
}

// Start opens the live tail.
func (r *Reconciler) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.subscribe()
}

// Close cancels the live tail. Page and range results still in flight are
// dropped when they arrive.
func (r *Reconciler) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.resubTimer.Stop()
	if r.cancel != nil {
		r.cancel()
	}
	r.failWaiters(ErrClosed)
	r.setState(status.Closed)
}

// Exhausted reports whether older history has run out.
func (r *Reconciler) Exhausted() bool {
	return r.exhausted
}

// Cursor returns the current pagination cursor.
func (r *Reconciler) Cursor() remote.Cursor {
	return r.cursor
}

// WindowLoaded reports whether the first live-tail window has arrived.
func (r *Reconciler) WindowLoaded() bool {
	return r.windowLoaded
}

func (r *Reconciler) setState(s status.State) {
	if r.machine == nil {
		return
	}
	if err := r.machine.Set(s); err != nil {
		r.logger.Debug("stream state unchanged", zap.Error(err))
	}
}

// queryCtx outlives Close so in-flight queries complete; their results are
// discarded by the closed check.
func (r *Reconciler) queryCtx() context.Context {
	return context.WithoutCancel(r.ctx)
}

func (r *Reconciler) subscribe() {
	if r.closed {
		return
	}
	if r.subCancel != nil {
		r.subCancel()
	}
	r.subGen++
	gen := r.subGen
	subCtx, cancel := context.WithCancel(r.ctx)
	r.subCancel = cancel

	loop.Async(r.loop, subCtx, func(ctx context.Context) (<-chan remote.TailEvent, error) {
		return r.tail.SubscribeLiveTail(ctx, r.conversationID, r.cfg.TailLimit)
	}, func(ch <-chan remote.TailEvent, err error) {
		if r.closed || gen != r.subGen {
			return
		}
		if err != nil {
			r.streamFailed(err)
			return
		}
		r.subActive = true
		go r.pump(gen, ch)
	})
}

func (r *Reconciler) pump(gen int, ch <-chan remote.TailEvent) {
	for ev := range ch {
		if !r.loop.Post(func() { r.onTail(gen, ev) }) {
			return
		}
	}
}

func (r *Reconciler) onTail(gen int, ev remote.TailEvent) {
	if r.closed || gen != r.subGen {
		return
	}
	if ev.Err != nil {
		r.subActive = false
		r.streamFailed(ev.Err)
		return
	}

	r.merge(SourceTail, ev.Batch)
	if r.online {
		r.setState(status.Live)
	}

	if !r.windowLoaded {
		r.windowLoaded = true
		if oldest, ok := ev.Batch.Oldest(); ok && r.cursor.IsZero() {
			r.cursor = remote.CursorOf(oldest)
		}
		if len(ev.Batch.Messages) < r.cfg.TailLimit {
			r.exhausted = true
		}
		r.logger.Debug("initial window loaded",
			zap.Int("messages", r.tl.Len()),
			zap.Bool("exhausted", r.exhausted))
		if r.hooks.OnWindow != nil {
			r.hooks.OnWindow()
		}
	}
}

func (r *Reconciler) streamFailed(err error) {
	if remote.IsPermanent(err) {
		r.logger.Warn("live tail rejected", zap.Error(err))
		r.permanent(err)
		return
	}
	r.logger.Warn("live tail degraded", zap.Error(err))
	if !r.online {
		return
	}
	r.setState(status.Degraded)
	r.scheduleResubscribe()
}

func (r *Reconciler) scheduleResubscribe() {
	r.resubTimer.Stop()
	gen := r.subGen
	r.resubTimer = r.loop.AfterFunc(r.cfg.ResubscribeInterval, func() {
		if r.closed || !r.online || gen != r.subGen || r.subActive {
			return
		}
		r.subscribe()
	})
}

func (r *Reconciler) permanent(err error) {
	if r.hooks.OnPermanent != nil {
		r.hooks.OnPermanent(err)
	}
}

func (r *Reconciler) merge(src Source, b remote.Batch) timeline.MergeResult {
	res := r.tl.Merge(b.Messages)
	if res.Skipped > 0 {
		r.logger.Warn("skipped malformed messages",
			zap.String("source", string(src)),
			zap.Int("skipped", res.Skipped))
	}
	if res.Changed() && r.hooks.OnMerge != nil {
		r.hooks.OnMerge(src, res)
	}
	return res
}

// SetOnline applies a connectivity change. Regaining connectivity
// resubscribes a dead live tail and runs catch-up.
func (r *Reconciler) SetOnline(online bool) {
	if r.closed || r.online == online {
		return
	}
	r.online = online
	if !online {
		r.resubTimer.Stop()
		r.setState(status.Offline)
		return
	}
	if r.subActive {
		r.setState(status.Live)
	} else {
		r.setState(status.Degraded)
		r.subscribe()
	}
	r.CatchUp()
}

// LoadOlder requests the next page older than the cursor. done, if not
// nil, runs once the page has been merged or has failed. Concurrent calls
// share the page in flight.
func (r *Reconciler) LoadOlder(done func(error)) {
	if r.closed {
		if done != nil {
			done(ErrClosed)
		}
		return
	}
	if r.exhausted {
		if done != nil {
			done(nil)
		}
		return
	}
	if done != nil {
		r.pageWaiters = append(r.pageWaiters, done)
	}
	if r.paging {
		return
	}
	r.paging = true

	before := r.cursor
	if before.IsZero() {
		if oldest, ok := r.tl.Oldest(); ok {
			before = remote.CursorOf(oldest)
		}
	}

	loop.Async(r.loop, r.queryCtx(), func(ctx context.Context) (remote.Batch, error) {
		return r.tail.QueryOlderPage(ctx, r.conversationID, before, r.cfg.PageSize)
	}, func(b remote.Batch, err error) {
		r.paging = false
		if r.closed {
			return
		}
		if err != nil {
			r.logger.Warn("older page failed", zap.Error(err), zap.String("before", before.ID))
			if remote.IsPermanent(err) {
				r.permanent(err)
			}
			r.failWaiters(err)
			return
		}
		r.merge(SourcePage, b)
		if oldest, ok := b.Oldest(); ok {
			r.cursor = remote.CursorOf(oldest)
		}
		if len(b.Messages) < r.cfg.PageSize {
			r.exhausted = true
		}
		r.logger.Debug("older page merged",
			zap.Int("returned", len(b.Messages)),
			zap.Bool("exhausted", r.exhausted))
		r.failWaiters(nil)
	})
}

func (r *Reconciler) failWaiters(err error) {
	waiters := r.pageWaiters
	r.pageWaiters = nil
	for _, w := range waiters {
		w(err)
	}
}

// CatchUp queries everything newer than the newest loaded message, page by
// page, and merges it.
func (r *Reconciler) CatchUp() {
	if r.closed || r.catchingUp {
		return
	}
	after := r.tl.MaxTimestamp()
	if after == 0 {
		return
	}
	r.catchingUp = true
	r.catchUpFrom(after)
}

func (r *Reconciler) catchUpFrom(after int64) {
	loop.Async(r.loop, r.queryCtx(), func(ctx context.Context) (remote.Batch, error) {
		return r.tail.QueryRange(ctx, r.conversationID, after, r.cfg.PageSize)
	}, func(b remote.Batch, err error) {
		if r.closed {
			r.catchingUp = false
			return
		}
		if err != nil {
			r.catchingUp = false
			r.logger.Warn("catch-up query failed", zap.Error(err), zap.Int64("after", after))
			if remote.IsPermanent(err) {
				r.permanent(err)
			}
			return
		}
		res := r.merge(SourceCatchUp, b)
		newest, ok := b.Newest()
		if ok && len(b.Messages) >= r.cfg.PageSize && newest.Timestamp > after {
			r.catchUpFrom(newest.Timestamp)
			return
		}
		r.catchingUp = false
		r.logger.Debug("catch-up done", zap.Int("inserted", res.Inserted))
	})
}

// Backfill pages backward until the timeline reaches ts, history runs
// out, or the attempt cap is hit. done reports whether ts is covered. A
// failed page stops the walk with its error; only fetched pages count
// toward the cap, so a later call resumes where this one stopped.
func (r *Reconciler) Backfill(ts int64, done func(found bool, err error)) {
	var step func()
	step = func() {
		switch {
		case r.closed:
			done(false, ErrClosed)
		case r.covers(ts):
			done(true, nil)
		case r.exhausted || r.backfillPages >= r.cfg.BackfillAttempts:
			r.logger.Debug("backfill stopped short",
				zap.Int("pages", r.backfillPages),
				zap.Bool("exhausted", r.exhausted))
			done(false, nil)
		default:
			r.LoadOlder(func(err error) {
				if err != nil {
					done(false, err)
					return
				}
				r.backfillPages++
				step()
			})
		}
	}
	step()
}

func (r *Reconciler) covers(ts int64) bool {
	oldest, ok := r.tl.Oldest()
	return ok && oldest.Timestamp <= ts
}
