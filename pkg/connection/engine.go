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

	"github.com/gotd/td/bin"
)

type State int32

const (
	StateConnecting State = iota + 1
	StateConnected
	StateUpdating
	StateConnectingToProxy
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateUpdating:
		return "updating"
	case StateConnectingToProxy:
		return "connecting_to_proxy"
	default:
		return "unknown"
	}
}

// StateChanged is the payload of notify.EventConnectionStateChanged.
type StateChanged struct {
	Old State
	New State
}

type StartParams struct {
	Account int
	// UserID is the confirmed user of the account, or 0 during an import.
	UserID int64
}

// Delegate receives engine callbacks. Calls may come from any goroutine.
type Delegate interface {
	OnConnectionStateChanged(state State)
	// OnIdentity is called once the server has confirmed which user the
	// connection is authorized as.
	OnIdentity(userID int64)
	// OnError is called when the engine can't make the connection usable,
	// e.g. because the authorization key was rejected.
	OnError(err error)
	OnLogout()
}

// Engine is the transport that actually talks to Telegram.
type Engine interface {
	// Start connects and blocks until the engine is initialized or failed.
	// The engine keeps running in the background until ctx is canceled.
	Start(ctx context.Context, params StartParams, delegate Delegate) error
	Invoke(ctx context.Context, input bin.Encoder, output bin.Decoder) error
}

// CredentialSeeder is implemented by engines that can adopt an externally
// supplied authorization key. Engines without it can't complete imports.
type CredentialSeeder interface {
	SeedCredentials(ctx context.Context, dc int, authKey []byte) error
}

// EngineFactory creates the engine for an account slot.
type EngineFactory func(account int) (Engine, error)
