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

// Package notify is a small publish/subscribe bus for per-account events.
package notify

import (
	"sync"

	"go.uber.org/atomic"
)

type EventKind int

const (
	// EventIdentityConfirmed is published when the remote side confirms the
	// account's identity. Payload is IdentityConfirmed.
	EventIdentityConfirmed EventKind = iota + 1
	// EventConnectionStateChanged is published when the connection state of
	// an account actually changes. Payload is StateChanged.
	EventConnectionStateChanged
	// EventConnectionError is published when the transport reports an error
	// that prevents the connection from being used. Payload is error.
	EventConnectionError
	// EventAppUpdateAvailable is published when the server rejects the
	// client as too old.
	EventAppUpdateAvailable
	// EventLoggedOut is published when the server terminated the session.
	EventLoggedOut
)

func (k EventKind) String() string {
	switch k {
	case EventIdentityConfirmed:
		return "identity_confirmed"
	case EventConnectionStateChanged:
		return "connection_state_changed"
	case EventConnectionError:
		return "connection_error"
	case EventAppUpdateAvailable:
		return "app_update_available"
	case EventLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// IdentityConfirmed is the payload of EventIdentityConfirmed.
type IdentityConfirmed struct {
	UserID int64
}

type Event struct {
	Kind    EventKind
	Account int
	Payload any
}

type Handler func(evt Event)

type subscriptionKey struct {
	kind    EventKind
	account int
}

// Bus delivers events synchronously on the publishing goroutine.
type Bus struct {
	lock   sync.RWMutex
	nextID uint64
	subs   map[subscriptionKey]map[uint64]*Subscription
	count  atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[subscriptionKey]map[uint64]*Subscription)}
}

// Subscription is a handle returned by Subscribe. Closing it removes the
// handler for all of its event kinds. A delivery that already started when
// Close is called still runs to completion.
type Subscription struct {
	bus     *Bus
	id      uint64
	account int
	kinds   []EventKind
	handler Handler

	closed atomic.Bool
}

// Subscribe registers handler for the given event kinds of one account.
func (b *Bus) Subscribe(account int, handler Handler, kinds ...EventKind) *Subscription {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.nextID++
	sub := &Subscription{
		bus:     b,
		id:      b.nextID,
		account: account,
		kinds:   kinds,
		handler: handler,
	}
	for _, kind := range kinds {
		key := subscriptionKey{kind, account}
		if b.subs[key] == nil {
			b.subs[key] = make(map[uint64]*Subscription)
		}
		b.subs[key][sub.id] = sub
	}
	b.count.Inc()
	return sub
}

// Close unsubscribes. It's safe to call multiple times.
func (s *Subscription) Close() {
	if s.closed.Swap(true) {
		return
	}

	b := s.bus
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, kind := range s.kinds {
		key := subscriptionKey{kind, s.account}
		delete(b.subs[key], s.id)
		if len(b.subs[key]) == 0 {
			delete(b.subs, key)
		}
	}
	b.count.Dec()
}

func (s *Subscription) deliver(evt Event) {
	if !s.closed.Load() {
		s.handler(evt)
	}
}

// Publish calls every handler subscribed to the event's kind and account.
func (b *Bus) Publish(evt Event) {
	b.lock.RLock()
	targets := make([]*Subscription, 0, len(b.subs[subscriptionKey{evt.Kind, evt.Account}]))
	for _, sub := range b.subs[subscriptionKey{evt.Kind, evt.Account}] {
		targets = append(targets, sub)
	}
	b.lock.RUnlock()
	for _, sub := range targets {
		sub.deliver(evt)
	}
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	return int(b.count.Load())
}
