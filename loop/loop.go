// SPDX-License-Identifier: GPL-2.0-only

// Package loop implements the single-threaded task loop that serializes all
// pairing and session state changes. Transports run their blocking work on
// their own goroutines and hand completions back with Post.
package loop

import (
	"context"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var ErrStopped = errors.New("event loop stopped")

type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	logger  log.Logger
}

func New(logger log.Logger) *Loop {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Post enqueues f to run on the loop goroutine. It never blocks and reports
// false once the loop has stopped.
func (l *Loop) Post(f func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// After posts f once d has elapsed. Stopping the returned timer before it
// fires drops f.
func (l *Loop) After(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, func() {
		l.Post(f)
	})
}

// Call runs f on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, f func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		f()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	tasks := l.queue
	l.queue = nil
	return tasks
}

// Run executes posted tasks in order until ctx is cancelled. Tasks still
// queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	_ = level.Debug(l.logger).Log("msg", "event loop started")
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		_ = level.Debug(l.logger).Log("msg", "event loop stopped")
	}()
	for {
		for _, task := range l.take() {
			if ctx.Err() != nil {
				return nil
			}
			task()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}
