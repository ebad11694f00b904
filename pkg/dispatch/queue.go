// tgimport - Telegram session import core.
// Copyright (C) 2026 The tgimport Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package dispatch provides serial executors. The importer uses one as its
// background worker sequence and another one as the "UI thread" that user
// callbacks are delivered on.
package dispatch

import (
	"sync"

	"github.com/rs/zerolog"
)

// Executor runs functions asynchronously.
type Executor interface {
	Post(fn func()) bool
}

// Queue runs posted functions one at a time in FIFO order on its own
// goroutine.
type Queue struct {
	name string
	log  zerolog.Logger

	lock    sync.Mutex
	items   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

var _ Executor = (*Queue)(nil)

func NewQueue(name string, log zerolog.Logger) *Queue {
	q := &Queue{
		name: name,
		log:  log.With().Str("component", "dispatch_queue").Str("queue", name).Logger(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

// Post enqueues fn. It returns false if the queue has been stopped.
func (q *Queue) Post(fn func()) bool {
	q.lock.Lock()
	if q.stopped {
		q.lock.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.lock.Unlock()
	return true
}

// Stop rejects new items, runs the ones already queued and waits for the
// queue goroutine to exit.
func (q *Queue) Stop() {
	q.lock.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.wake)
	}
	q.lock.Unlock()
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.lock.Lock()
		items := q.items
		q.items = nil
		stopped := q.stopped
		q.lock.Unlock()

		for _, fn := range items {
			q.run(fn)
		}
		if len(items) > 0 {
			continue
		} else if stopped {
			return
		}
		<-q.wake
	}
}

func (q *Queue) run(fn func()) {
	defer func() {
		if err := recover(); err != nil {
			q.log.Error().
				Any("panic", err).
				Msg("Panic in queued function")
		}
	}()
	fn()
}
