// Package loop serializes everything that touches one surface's state onto a
// single goroutine: transport events, store notifications, timer callbacks
// and user commands.
package loop

import (
	"context"
	"log/slog"
	"time"
)

// Loop is a single-consumer task queue.
type Loop struct {
	tasks chan func()
	done  chan struct{}
}

func New(size int) *Loop {
	if size <= 0 {
		size = 256
	}
	return &Loop{
		tasks: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Run drains the queue until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	slog.Debug("[LOOP] Starting surface event loop")
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("[LOOP] Event loop stopped")
			return
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[LOOP] Task panicked", "panic", r)
		}
	}()
	fn()
}

// Post enqueues fn. It reports false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case <-l.done:
		return false
	case l.tasks <- fn:
		return true
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// Done is closed after Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Timer is a cancellable one-shot task. Stop and the callback both execute
// on the loop, so a stopped timer never fires even if its wakeup was
// already queued.
type Timer struct {
	t       *time.Timer
	stopped bool
}

// AfterFunc schedules fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.stopped {
				return
			}
			tm.stopped = true
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. Must be called from the loop. Safe on nil.
func (tm *Timer) Stop() {
	if tm == nil {
		return
	}
	tm.stopped = true
	tm.t.Stop()
}

// Every runs fn on the loop every d until the returned stop func is called
// or the loop exits.
func (l *Loop) Every(d time.Duration, fn func()) (stop func()) {
	ticker := time.NewTicker(d)
	quit := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-l.done:
				return
			case <-ticker.C:
				l.Post(fn)
			}
		}
	}()

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		close(quit)
	}
}
