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
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.mau.fi/tgimport/pkg/accounts"
	"go.mau.fi/tgimport/pkg/notify"
)

const resumeConcurrency = 4

// Manager creates connection contexts lazily, one per account slot.
type Manager struct {
	factory EngineFactory
	bus     *notify.Bus
	log     zerolog.Logger

	lock     sync.Mutex
	contexts map[int]*Context
}

func NewManager(factory EngineFactory, bus *notify.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		factory:  factory,
		bus:      bus,
		log:      log,
		contexts: make(map[int]*Context),
	}
}

// Get returns the connection context of the account, creating it on first
// use.
func (m *Manager) Get(account int) (*Context, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if c, ok := m.contexts[account]; ok {
		return c, nil
	}
	engine, err := m.factory(account)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine for account %d: %w", account, err)
	}
	c := NewContext(account, engine, m.bus, m.log)
	m.contexts[account] = c
	return c, nil
}

// Lookup returns an existing context without creating one.
func (m *Manager) Lookup(account int) (*Context, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	c, ok := m.contexts[account]
	return c, ok
}

// Remove closes and forgets the context of an account.
func (m *Manager) Remove(account int) error {
	m.lock.Lock()
	c, ok := m.contexts[account]
	delete(m.contexts, account)
	m.lock.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// Resume starts the connection of a confirmed account and waits until it
// has initialized. The context is dropped again if the start fails.
func (m *Manager) Resume(ctx context.Context, slot accounts.Slot) error {
	c, err := m.Get(slot.Index)
	if err != nil {
		return err
	}
	c.SetUserID(slot.UserID)
	if err = c.Initialize(ctx).Wait(ctx); err != nil {
		if closeErr := m.Remove(slot.Index); closeErr != nil {
			m.log.Warn().Err(closeErr).Int("account", slot.Index).Msg("Failed to close connection after failed start")
		}
		return fmt.Errorf("failed to start account %d: %w", slot.Index, err)
	}
	return nil
}

// ResumeActivated starts the connections of all confirmed accounts and waits
// until every one of them has initialized or failed. A failing account
// doesn't stop the others; the failures are logged and returned combined.
func (m *Manager) ResumeActivated(ctx context.Context, slots []accounts.Slot) error {
	var eg errgroup.Group
	eg.SetLimit(resumeConcurrency)
	var errLock sync.Mutex
	var errs error
	for _, slot := range slots {
		if !slot.Confirmed() {
			continue
		}
		eg.Go(func() error {
			if err := m.Resume(ctx, slot); err != nil {
				m.log.Err(err).Int("account", slot.Index).Msg("Failed to resume account")
				errLock.Lock()
				errs = multierr.Append(errs, err)
				errLock.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errs
}

// SwitchAccount pauses the connection of the previous account and resumes
// the new one.
func (m *Manager) SwitchAccount(ctx context.Context, prev, next int) {
	if prev == next {
		return
	}
	if c, ok := m.Lookup(prev); ok {
		c.Pause()
	}
	if c, ok := m.Lookup(next); ok && c.IsPaused() {
		c.Resume(ctx)
	}
}

func (m *Manager) Close() (err error) {
	m.lock.Lock()
	contexts := m.contexts
	m.contexts = make(map[int]*Context)
	m.lock.Unlock()
	for _, c := range contexts {
		err = multierr.Append(err, c.Close())
	}
	return
}
