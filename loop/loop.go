// Package loop runs the control domain: every channel, transport and monitor
// callback executes on one Loop goroutine, one function at a time.
//
// Other goroutines (socket readers, dialers, timers, host threads) never touch
// control state directly; they Post a function and return.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrRunning = errors.New("loop: already running")
	ErrStopped = errors.New("loop: stopped")
)

type Loop struct {
	clock  Clock
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}

	running  atomic.Bool
	driving  atomic.Bool
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

// New creates a Loop. A nil clock means RealClock.
func New(clock Clock) *Loop {
	if clock == nil {
		clock = RealClock{}
	}
	return &Loop{
		clock:  clock,
		logger: slog.Default().With("component", "loop"),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (l *Loop) Clock() Clock {
	return l.clock
}

// Post queues fn to run on the loop. It never blocks and reports false once
// the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes posted functions until ctx is done or Stop is called.
// A Loop runs at most once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(l.done)
	defer l.close()

	for {
		l.runPending()
		select {
		case <-l.wake:
		case <-l.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start() {
	go l.Run(context.Background())
}

// Stop ends Run and waits for the function in progress to return.
// Queued functions that have not started are dropped. Stop must not be
// called from a function running on the loop.
func (l *Loop) Stop() {
	l.quitOnce.Do(func() { close(l.quit) })
	if l.running.Load() {
		<-l.done
	}
	l.close()
}

// RunPending runs queued functions on the calling goroutine until the queue
// is empty. It is for loops that are driven by their owner instead of Run,
// such as a host thread pumping the embedded bridge, and must not be mixed
// with Run.
func (l *Loop) RunPending() int {
	if l.running.Load() {
		panic("loop: RunPending called while Run is active")
	}
	return l.runPending()
}

// Sync waits until every function posted before the call has run.
func (l *Loop) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !l.Post(func() { close(done) }) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) runPending() int {
	if !l.driving.CompareAndSwap(false, true) {
		panic("loop: concurrent executors")
	}
	defer l.driving.Store(false)

	n := 0
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			l.exec(fn)
			n++
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", "panic", r)
		}
	}()
	fn()
}

func (l *Loop) close() {
	l.mu.Lock()
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
}

// Task is a scheduled function. Cancel is safe from any goroutine.
type Task struct {
	loop      *Loop
	fn        func()
	period    time.Duration
	cancelled atomic.Bool

	mu    sync.Mutex
	timer Timer
	due   time.Time
}

// After runs fn on the loop once d has elapsed.
func (l *Loop) After(d time.Duration, fn func()) *Task {
	t := &Task{loop: l, fn: fn}
	t.arm(l.clock.Now().Add(d))
	return t
}

// Every runs fn on the loop each period, first one period from now.
// Ticks are scheduled from the previous deadline so slow callbacks do not drift.
func (l *Loop) Every(period time.Duration, fn func()) *Task {
	t := &Task{loop: l, fn: fn, period: period}
	t.arm(l.clock.Now().Add(period))
	return t
}

// Cancel stops future runs. A run already queued on the loop is skipped.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.cancelled.Store(true)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

func (t *Task) arm(due time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled.Load() {
		return
	}
	t.due = due
	t.timer = t.loop.clock.AfterFunc(due.Sub(t.loop.clock.Now()), func() {
		t.loop.Post(t.fire)
	})
}

func (t *Task) fire() {
	if t.cancelled.Load() {
		return
	}
	t.fn()
	if t.period > 0 {
		t.mu.Lock()
		next := t.due.Add(t.period)
		t.mu.Unlock()
		t.arm(next)
	}
}
