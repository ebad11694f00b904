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
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"go.mau.fi/tgimport/pkg/notify"
)

const authKeySize = 256

var (
	ErrInvalidInput   = errors.New("invalid custom auth input")
	ErrNotInitialized = errors.New("connection is not initialized")
)

type RequestID int64

type customAuth struct {
	dc  int
	key []byte
}

// Context is the connection of one account slot. It owns the engine and
// translates engine callbacks into bus events.
type Context struct {
	account int
	engine  Engine
	bus     *notify.Bus
	log     zerolog.Logger

	lock       sync.Mutex
	customAuth *customAuth
	task       *Task
	userID     int64
	paused     bool

	state     atomic.Int32
	requestID atomic.Int64

	requestsLock sync.Mutex
	requests     map[RequestID]context.CancelFunc
}

var _ Delegate = (*Context)(nil)

func NewContext(account int, engine Engine, bus *notify.Bus, log zerolog.Logger) *Context {
	c := &Context{
		account:  account,
		engine:   engine,
		bus:      bus,
		log:      log.With().Str("component", "connection").Int("account", account).Logger(),
		requests: make(map[RequestID]context.CancelFunc),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Context) Account() int {
	return c.account
}

func (c *Context) State() State {
	return State(c.state.Load())
}

// SupportsCustomAuth reports whether the engine can adopt imported keys.
func (c *Context) SupportsCustomAuth() bool {
	_, ok := c.engine.(CredentialSeeder)
	return ok
}

// SetUserID sets the confirmed user that subsequent starts are made for.
func (c *Context) SetUserID(userID int64) {
	c.lock.Lock()
	c.userID = userID
	c.lock.Unlock()
}

// ConfigureCustomAuth stages an imported key for the next Initialize call.
func (c *Context) ConfigureCustomAuth(dc int, authKey []byte) error {
	if dc <= 0 {
		return fmt.Errorf("%w: data center ID must be positive, got %d", ErrInvalidInput, dc)
	} else if len(authKey) != authKeySize {
		return fmt.Errorf("%w: auth key must be %d bytes, got %d", ErrInvalidInput, authKeySize, len(authKey))
	}
	key := make([]byte, authKeySize)
	copy(key, authKey)
	c.lock.Lock()
	c.customAuth = &customAuth{dc: dc, key: key}
	c.lock.Unlock()
	c.log.Debug().Int("dc_id", dc).Msg("Custom auth data staged for next initialization")
	return nil
}

// Initialize starts the engine in the background. A staged custom auth value
// is consumed by this call and seeded into the engine before it connects.
// Any previous run of the engine is stopped first.
func (c *Context) Initialize(ctx context.Context) *Task {
	c.lock.Lock()
	auth := c.customAuth
	c.customAuth = nil
	if c.task != nil {
		c.task.Cancel()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	task := newTask(cancel)
	c.task = task
	c.paused = false
	params := StartParams{Account: c.account, UserID: c.userID}
	c.lock.Unlock()

	go func() {
		task.result.Set(c.start(runCtx, params, auth))
	}()
	return task
}

func (c *Context) start(ctx context.Context, params StartParams, auth *customAuth) error {
	log := c.log.With().Str("action", "initialize").Logger()
	if auth != nil {
		seeder, ok := c.engine.(CredentialSeeder)
		if !ok {
			log.Warn().
				Int("dc_id", auth.dc).
				Msg("Engine can't accept imported credentials, starting without them")
		} else if err := seeder.SeedCredentials(ctx, auth.dc, auth.key); err != nil {
			log.Err(err).Msg("Failed to seed imported credentials")
			return fmt.Errorf("failed to seed credentials: %w", err)
		} else {
			log.Debug().Int("dc_id", auth.dc).Msg("Seeded imported credentials")
		}
	}
	c.OnConnectionStateChanged(StateConnecting)
	if err := c.engine.Start(log.WithContext(ctx), params, c); err != nil {
		if ctx.Err() == nil {
			log.Err(err).Msg("Engine failed to start")
		}
		return err
	}
	return nil
}

// SendRequest invokes an RPC in the background and calls cb with the
// result. The returned ID can be passed to CancelRequest.
func (c *Context) SendRequest(ctx context.Context, input bin.Encoder, output bin.Decoder, cb func(err error)) RequestID {
	id := RequestID(c.requestID.Inc())
	c.lock.Lock()
	running := c.task != nil
	c.lock.Unlock()
	if !running {
		if cb != nil {
			go cb(ErrNotInitialized)
		}
		return id
	}

	reqCtx, cancel := context.WithCancel(ctx)
	c.requestsLock.Lock()
	c.requests[id] = cancel
	c.requestsLock.Unlock()
	go func() {
		err := c.engine.Invoke(reqCtx, input, output)
		c.requestsLock.Lock()
		delete(c.requests, id)
		c.requestsLock.Unlock()
		cancel()
		if cb != nil {
			cb(err)
		}
	}()
	return id
}

func (c *Context) CancelRequest(id RequestID) {
	c.requestsLock.Lock()
	cancel, ok := c.requests[id]
	delete(c.requests, id)
	c.requestsLock.Unlock()
	if ok {
		cancel()
	}
}

// Pause stops the engine run. Resume restarts it from the stored session.
func (c *Context) Pause() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.paused || c.task == nil {
		return
	}
	c.paused = true
	c.task.Cancel()
	c.task = nil
	c.log.Debug().Msg("Connection paused")
}

// Resume restarts a paused connection. It returns nil if the connection
// wasn't paused.
func (c *Context) Resume(ctx context.Context) *Task {
	c.lock.Lock()
	paused := c.paused
	c.lock.Unlock()
	if !paused {
		return nil
	}
	c.log.Debug().Msg("Resuming connection")
	return c.Initialize(ctx)
}

func (c *Context) IsPaused() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.paused
}

// Close stops the engine and cancels in-flight requests.
func (c *Context) Close() error {
	c.lock.Lock()
	if c.task != nil {
		c.task.Cancel()
		c.task = nil
	}
	c.customAuth = nil
	c.lock.Unlock()

	c.requestsLock.Lock()
	for id, cancel := range c.requests {
		cancel()
		delete(c.requests, id)
	}
	c.requestsLock.Unlock()

	if closer, ok := c.engine.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (c *Context) OnConnectionStateChanged(state State) {
	old := State(c.state.Swap(int32(state)))
	if old == state {
		return
	}
	c.log.Debug().Stringer("old_state", old).Stringer("new_state", state).Msg("Connection state changed")
	c.bus.Publish(notify.Event{
		Kind:    notify.EventConnectionStateChanged,
		Account: c.account,
		Payload: StateChanged{Old: old, New: state},
	})
}

func (c *Context) OnIdentity(userID int64) {
	c.log.Debug().Int64("user_id", userID).Msg("Remote identity confirmed")
	c.bus.Publish(notify.Event{
		Kind:    notify.EventIdentityConfirmed,
		Account: c.account,
		Payload: notify.IdentityConfirmed{UserID: userID},
	})
}

func (c *Context) OnError(err error) {
	c.log.Warn().Err(err).Msg("Connection error")
	if tgerr.Is(err, "APPLICATION_VERSION_TOO_OLD", "UPDATE_APP_TO_LOGIN") {
		c.bus.Publish(notify.Event{Kind: notify.EventAppUpdateAvailable, Account: c.account})
	}
	c.bus.Publish(notify.Event{
		Kind:    notify.EventConnectionError,
		Account: c.account,
		Payload: err,
	})
}

func (c *Context) OnLogout() {
	c.log.Info().Msg("Server terminated the session")
	c.bus.Publish(notify.Event{Kind: notify.EventLoggedOut, Account: c.account})
}
