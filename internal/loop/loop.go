// Package loop provides the single logical thread a conversation session and
// the notification manager run on. Tasks posted to a Loop run one at a time
// and to completion; blocking work runs on its own goroutine and hands its
// result back as a later task.
package loop

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Loop is a serial task executor.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	pending int // queued tasks plus in-flight async work
	stopped bool

	wake    chan struct{}
	done    chan struct{}
	logger  *zap.Logger
	started sync.Once
}

// New creates a loop. Call Start or Run to begin executing tasks.
func New(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start runs the loop on a new goroutine until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	l.started.Do(func() {
		go l.Run(ctx)
	})
}

// Run executes tasks until ctx is cancelled. Tasks still queued at that
// point are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for i, fn := range batch {
			if ctx.Err() != nil {
				l.finish(len(batch) - i)
				l.shutdown()
				return
			}
			fn()
			l.finish(1)
		}

		if len(batch) > 0 {
			continue
		}
		select {
		case <-l.wake:
		case <-ctx.Done():
			l.shutdown()
			return
		}
	}
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.stopped = true
	l.pending -= len(l.tasks)
	l.tasks = nil
	l.mu.Unlock()
	l.logger.Debug("loop stopped")
}

func (l *Loop) finish(n int) {
	l.mu.Lock()
	l.pending -= n
	l.mu.Unlock()
}

// Post queues fn. It returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.pending++
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it. It returns false when the loop
// stopped before fn could run.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(ran)
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		return false
	}
}

// Done is closed when the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Pending returns the number of queued tasks plus in-flight async calls.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// WaitIdle blocks until no task is queued and no async work is in flight.
// Timers that have not fired yet do not count.
func (l *Loop) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if l.Pending() == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-l.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loop) acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.pending++
	return true
}

// Async runs work on its own goroutine and then runs done on the loop with
// the result. done is not called if the loop stopped meanwhile.
func Async[T any](l *Loop, ctx context.Context, work func(context.Context) (T, error), done func(T, error)) {
	if !l.acquire() {
		return
	}
	go func() {
		defer l.finish(1)
		v, err := work(ctx)
		l.Post(func() { done(v, err) })
	}()
}

// Timer is a one-shot timer whose callback runs on the loop.
type Timer struct {
	t *time.Timer
}

// AfterFunc schedules fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	return &Timer{t: time.AfterFunc(d, func() { l.Post(fn) })}
}

// Stop cancels the timer. A callback already posted still runs, so owners
// guard their callbacks against stale timers.
func (t *Timer) Stop() {
	if t != nil && t.t != nil {
		t.t.Stop()
	}
}
