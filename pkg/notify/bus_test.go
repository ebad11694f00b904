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

package notify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go.mau.fi/tgimport/pkg/notify"
)

func TestPublishScopedToAccountAndKind(t *testing.T) {
	bus := notify.NewBus()
	var got []notify.Event
	sub := bus.Subscribe(1, func(evt notify.Event) {
		got = append(got, evt)
	}, notify.EventIdentityConfirmed, notify.EventConnectionError)
	defer sub.Close()

	bus.Publish(notify.Event{Kind: notify.EventIdentityConfirmed, Account: 0})
	bus.Publish(notify.Event{Kind: notify.EventConnectionStateChanged, Account: 1})
	bus.Publish(notify.Event{Kind: notify.EventIdentityConfirmed, Account: 1, Payload: notify.IdentityConfirmed{UserID: 5}})
	bus.Publish(notify.Event{Kind: notify.EventConnectionError, Account: 1})

	if assert.Len(t, got, 2) {
		assert.Equal(t, notify.IdentityConfirmed{UserID: 5}, got[0].Payload)
		assert.Equal(t, notify.EventConnectionError, got[1].Kind)
	}
}

func TestSubscriptionClose(t *testing.T) {
	bus := notify.NewBus()
	calls := 0
	sub := bus.Subscribe(0, func(notify.Event) { calls++ }, notify.EventLoggedOut, notify.EventAppUpdateAvailable)
	assert.Equal(t, 1, bus.Subscribers())

	bus.Publish(notify.Event{Kind: notify.EventLoggedOut})
	sub.Close()
	sub.Close()
	bus.Publish(notify.Event{Kind: notify.EventLoggedOut})
	bus.Publish(notify.Event{Kind: notify.EventAppUpdateAvailable})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.Subscribers())
}

func TestCloseInsideHandler(t *testing.T) {
	bus := notify.NewBus()
	calls := 0
	var sub *notify.Subscription
	sub = bus.Subscribe(2, func(notify.Event) {
		calls++
		sub.Close()
	}, notify.EventIdentityConfirmed)

	bus.Publish(notify.Event{Kind: notify.EventIdentityConfirmed, Account: 2})
	bus.Publish(notify.Event{Kind: notify.EventIdentityConfirmed, Account: 2})
	assert.Equal(t, 1, calls)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "identity_confirmed", notify.EventIdentityConfirmed.String())
	assert.Equal(t, "unknown", notify.EventKind(0).String())
}
