// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package player

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// executor runs tasks sequentially on a single goroutine. It holds an
// unbounded FIFO of immediate tasks and at most one delayed task.
type executor struct {
	log *slog.Logger

	mu      sync.Mutex
	queue   []func()
	delayed *delayed
	closing bool
	drain   bool

	wake chan struct{}
	done chan struct{}
}

type delayed struct {
	due time.Time
	fn  func()
}

func newExecutor(log *slog.Logger) *executor {
	e := &executor{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

// post queues fn for execution. It returns false if the executor is
// closed.
func (e *executor) post(fn func()) bool {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
	e.signal()
	return true
}

// schedule sets fn as the delayed task to run after d, replacing any
// pending delayed task. A non-positive d queues fn immediately.
func (e *executor) schedule(d time.Duration, fn func()) bool {
	if d <= 0 {
		return e.post(fn)
	}
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return false
	}
	e.delayed = &delayed{due: time.Now().Add(d), fn: fn}
	e.mu.Unlock()
	e.signal()
	return true
}

// cancel drops the pending delayed task if there is one.
func (e *executor) cancel() {
	e.mu.Lock()
	e.delayed = nil
	e.mu.Unlock()
}

func (e *executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *executor) run() {
	defer close(e.done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		fn, wait, ok := e.next()
		if !ok {
			return
		}
		if fn != nil {
			e.do(fn)
			continue
		}
		var due <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			due = timer.C
		}
		select {
		case <-e.wake:
			timer.Stop()
		case <-due:
		}
	}
}

// next returns the next task to run or, if none is ready, how long until
// the delayed task is due. A zero wait with no task means there is nothing
// to wait for. It returns false when the executor has finished.
func (e *executor) next() (fn func(), wait time.Duration, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing && (!e.drain || len(e.queue) == 0) {
		return nil, 0, false
	}
	if len(e.queue) != 0 {
		fn = e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		return fn, 0, true
	}
	if e.delayed != nil {
		wait = time.Until(e.delayed.due)
		if wait <= 0 {
			fn = e.delayed.fn
			e.delayed = nil
			return fn, 0, true
		}
	}
	return nil, wait, true
}

// do runs fn, recovering from and logging any panic.
func (e *executor) do(fn func()) {
	defer func() {
		r := recover()
		if r != nil {
			e.log.LogAttrs(context.Background(), slog.LevelError, "task panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

// close stops the executor. If drain is true, queued immediate tasks are
// run before the executor exits, otherwise only a task already running is
// allowed to complete. Pending delayed tasks are dropped. close waits for
// the executor to exit or ctx to be done.
func (e *executor) close(ctx context.Context, drain bool) error {
	e.mu.Lock()
	if !e.closing {
		e.closing = true
		e.drain = drain
		e.delayed = nil
		if !drain {
			clear(e.queue)
			e.queue = nil
		}
	}
	e.mu.Unlock()
	e.signal()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
