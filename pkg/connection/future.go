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

package connection

import (
	"context"
	"sync"
)

type Future[T any] struct {
	value T
	ready chan struct{}
	once  sync.Once
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{
		ready: make(chan struct{}),
	}
}

func (f *Future[T]) Set(value T) {
	f.once.Do(func() {
		f.value = value
		close(f.ready)
	})
}

func (f *Future[T]) Ready() <-chan struct{} {
	return f.ready
}

func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.ready:
		return f.value, nil
	case <-ctx.Done():
		return f.value, ctx.Err()
	}
}

// Task is a handle to an asynchronous engine start.
type Task struct {
	result *Future[error]
	cancel context.CancelFunc
}

func newTask(cancel context.CancelFunc) *Task {
	return &Task{result: NewFuture[error](), cancel: cancel}
}

// Wait blocks until the engine has started or failed to start.
func (t *Task) Wait(ctx context.Context) error {
	err, waitErr := t.result.Get(ctx)
	if waitErr != nil {
		return waitErr
	}
	return err
}

// Done is closed once the start attempt has finished.
func (t *Task) Done() <-chan struct{} {
	return t.result.Ready()
}

// Cancel stops the engine run that this task started.
func (t *Task) Cancel() {
	t.cancel()
}
