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

package connector_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/tgimport/pkg/config"
	"go.mau.fi/tgimport/pkg/connection"
	"go.mau.fi/tgimport/pkg/connector"
	"go.mau.fi/tgimport/pkg/sessionstring"
	"go.mau.fi/tgimport/pkg/store"
)

type fakeEngine struct {
	userID   int64
	storage  session.Storage
	startErr error

	lock    sync.Mutex
	starts  []connection.StartParams
	invokes int
}

func (e *fakeEngine) Start(ctx context.Context, params connection.StartParams, delegate connection.Delegate) error {
	e.lock.Lock()
	e.starts = append(e.starts, params)
	e.lock.Unlock()
	if e.startErr != nil {
		return e.startErr
	}
	delegate.OnConnectionStateChanged(connection.StateConnected)
	delegate.OnIdentity(e.userID)
	return nil
}

func (e *fakeEngine) Invoke(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
	e.lock.Lock()
	e.invokes++
	e.lock.Unlock()
	return nil
}

func (e *fakeEngine) SeedCredentials(ctx context.Context, dc int, authKey []byte) error {
	loader := session.Loader{Storage: e.storage}
	return loader.Save(ctx, &session.Data{DC: dc, AuthKey: authKey})
}

type engines struct {
	st *store.Container

	lock        sync.Mutex
	all         map[int]*fakeEngine
	unreachable map[int]bool
}

func (e *engines) factory(account int) (connection.Engine, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	engine := &fakeEngine{userID: int64(500 + account), storage: e.st.GetSessionStore(account)}
	if e.unreachable[account] {
		engine.startErr = errors.New("dial tcp: network unreachable")
	}
	e.all[account] = engine
	return engine, nil
}

func (e *engines) get(account int) *fakeEngine {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.all[account]
}

func (e *engines) count() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.all)
}

func newConnector(t *testing.T, dbPath string, unreachable ...int) (*connector.Connector, *engines) {
	cfg := config.Default()
	cfg.Database.Path = dbPath
	cfg.Import.TimeoutSeconds = 2
	st, err := store.OpenSQLite(dbPath, zerolog.Nop())
	require.NoError(t, err)
	eng := &engines{st: st, all: map[int]*fakeEngine{}, unreachable: map[int]bool{}}
	for _, account := range unreachable {
		eng.unreachable[account] = true
	}
	c := connector.NewConnector(cfg, zerolog.Nop())
	c.InitWithStore(st, eng.factory)
	return c, eng
}

func sessionFor(dc int) string {
	key := make([]byte, sessionstring.KeySize)
	key[0] = byte(dc)
	rec, err := sessionstring.NewRecord(dc, key)
	if err != nil {
		panic(err)
	}
	return sessionstring.Encode(rec)
}

func TestConnectorLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dbPath := filepath.Join(t.TempDir(), "tgimport.db")

	c, _ := newConnector(t, dbPath)
	require.NoError(t, c.Start(ctx))
	res, err := c.Import(ctx, sessionFor(2))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Slot)
	assert.Equal(t, int64(500), res.UserID)
	exported, err := c.ExportSession(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, sessionFor(2), exported)
	res, err = c.Import(ctx, sessionFor(4))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Slot)
	require.NoError(t, c.Stop(ctx))

	// Confirmed accounts are reconnected with their user ID after a restart.
	c, eng := newConnector(t, dbPath)
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, 2, c.Registry.ActivatedCount())
	assert.Equal(t, []connection.StartParams{{Account: 1, UserID: 501}}, eng.get(1).starts)

	require.NoError(t, c.Logout(ctx, 0))
	assert.Equal(t, 1, eng.get(0).invokes)
	slot, err := c.Registry.Slot(0)
	require.NoError(t, err)
	assert.False(t, slot.Activated)
	_, ok := c.Connections.Lookup(0)
	assert.False(t, ok)
	assert.Error(t, c.Logout(ctx, 0))

	require.NoError(t, c.SwitchAccount(ctx, 1))
	assert.Equal(t, 1, c.Registry.CurrentAccount())

	require.NoError(t, c.Stop(ctx))
}

func TestConnectorStartWithUnreachableAccount(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dbPath := filepath.Join(t.TempDir(), "tgimport.db")

	c, _ := newConnector(t, dbPath)
	require.NoError(t, c.Start(ctx))
	_, err := c.Import(ctx, sessionFor(2))
	require.NoError(t, err)
	_, err = c.Import(ctx, sessionFor(4))
	require.NoError(t, err)
	require.NoError(t, c.Stop(ctx))

	c, eng := newConnector(t, dbPath, 0)
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, []connection.StartParams{{Account: 0, UserID: 500}}, eng.get(0).starts)
	assert.Equal(t, []connection.StartParams{{Account: 1, UserID: 501}}, eng.get(1).starts)

	res, err := c.Import(ctx, sessionFor(5))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Slot)

	// The unreachable account is still removed locally.
	require.NoError(t, c.Logout(ctx, 0))
	assert.Equal(t, 0, eng.get(0).invokes)
	slot, err := c.Registry.Slot(0)
	require.NoError(t, err)
	assert.False(t, slot.Activated)

	require.NoError(t, c.Stop(ctx))
}

func TestConnectorLoadDoesNotConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dbPath := filepath.Join(t.TempDir(), "tgimport.db")

	c, _ := newConnector(t, dbPath)
	require.NoError(t, c.Start(ctx))
	_, err := c.Import(ctx, sessionFor(2))
	require.NoError(t, err)
	_, err = c.Import(ctx, sessionFor(4))
	require.NoError(t, err)
	require.NoError(t, c.Stop(ctx))

	c, eng := newConnector(t, dbPath, 0, 1)
	require.NoError(t, c.Load(ctx))
	assert.Equal(t, 2, c.Registry.ActivatedCount())
	require.NoError(t, c.SwitchAccount(ctx, 1))
	assert.Equal(t, 1, c.Registry.CurrentAccount())
	exported, err := c.ExportSession(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, sessionFor(4), exported)
	_, err = c.ExportSession(ctx, 2)
	assert.Error(t, err)
	assert.Equal(t, 0, eng.count())

	require.NoError(t, c.Stop(ctx))
}
