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

// Package accounts owns the fixed-size table of account slots.
//
// All mutation goes through Registry, which persists every change while
// holding its lock, so two callers can never claim the same slot.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultMaxAccounts is the number of slots when none is configured.
const DefaultMaxAccounts = 4

var (
	ErrNoFreeSlot     = errors.New("no free account slot")
	ErrSlotOccupied   = errors.New("account slot is already activated")
	ErrSlotOutOfRange = errors.New("account slot index out of range")
	ErrSlotNotPending = errors.New("account slot has no pending import")
)

// Slot is a snapshot of one account position.
type Slot struct {
	Index         int
	Activated     bool
	UserID        int64
	PendingImport bool
}

// Confirmed reports whether the slot holds a fully activated account.
func (s Slot) Confirmed() bool {
	return s.Activated && !s.PendingImport
}

// Persister stores the slot table durably. Slots that are not activated are
// represented by their absence.
type Persister interface {
	LoadSlots(ctx context.Context) ([]Slot, error)
	SaveSlot(ctx context.Context, slot Slot) error
	ReleaseSlot(ctx context.Context, index int) error
}

// CurrentAccountPersister can optionally be implemented by a Persister to
// remember the current account across restarts.
type CurrentAccountPersister interface {
	LoadCurrentAccount(ctx context.Context) (int, error)
	SaveCurrentAccount(ctx context.Context, index int) error
}

type Registry struct {
	lock    sync.Mutex
	slots   []Slot
	current int
	store   Persister
	log     zerolog.Logger
}

func NewRegistry(size int, store Persister, log zerolog.Logger) *Registry {
	if size <= 0 {
		size = DefaultMaxAccounts
	}
	slots := make([]Slot, size)
	for i := range slots {
		slots[i].Index = i
	}
	return &Registry{
		slots: slots,
		store: store,
		log:   log.With().Str("component", "account_registry").Logger(),
	}
}

// Load rebuilds the table from the persister. Imports that were still
// pending when the process stopped can't be resumed, so they're released.
func (r *Registry) Load(ctx context.Context) error {
	stored, err := r.store.LoadSlots(ctx)
	if err != nil {
		return fmt.Errorf("failed to load account slots: %w", err)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	for i := range r.slots {
		r.slots[i] = Slot{Index: i}
	}
	for _, slot := range stored {
		if slot.Index < 0 || slot.Index >= len(r.slots) {
			r.log.Warn().Int("slot", slot.Index).Msg("Ignoring stored account slot outside of table")
			continue
		}
		if slot.PendingImport {
			r.log.Info().Int("slot", slot.Index).Msg("Releasing abandoned session import")
			if err = r.store.ReleaseSlot(ctx, slot.Index); err != nil {
				return fmt.Errorf("failed to release abandoned import in slot %d: %w", slot.Index, err)
			}
			continue
		}
		r.slots[slot.Index] = slot
	}
	if cp, ok := r.store.(CurrentAccountPersister); ok {
		current, err := cp.LoadCurrentAccount(ctx)
		if err != nil {
			return fmt.Errorf("failed to load current account: %w", err)
		} else if current >= 0 && current < len(r.slots) {
			r.current = current
		}
	}
	return nil
}

func (r *Registry) Size() int {
	return len(r.slots)
}

// FindFreeSlot returns the first slot that isn't activated.
func (r *Registry) FindFreeSlot() (int, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.findFreeSlot()
}

func (r *Registry) findFreeSlot() (int, bool) {
	for i, slot := range r.slots {
		if !slot.Activated {
			return i, true
		}
	}
	return -1, false
}

func (r *Registry) checkIndex(index int) error {
	if index < 0 || index >= len(r.slots) {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, index)
	}
	return nil
}

// update applies fn to a copy of the slot, persists the result and only then
// commits it to the in-memory table.
func (r *Registry) update(ctx context.Context, index int, fn func(slot *Slot) error) error {
	if err := r.checkIndex(index); err != nil {
		return err
	}
	updated := r.slots[index]
	if err := fn(&updated); err != nil {
		return err
	}
	if err := r.store.SaveSlot(ctx, updated); err != nil {
		return fmt.Errorf("failed to persist slot %d: %w", index, err)
	}
	r.slots[index] = updated
	return nil
}

// ClaimPending marks the slot as taken by an import that hasn't been
// confirmed yet.
func (r *Registry) ClaimPending(ctx context.Context, index int) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.update(ctx, index, func(slot *Slot) error {
		if slot.Activated {
			return fmt.Errorf("%w: %d", ErrSlotOccupied, index)
		}
		slot.Activated = true
		slot.PendingImport = true
		slot.UserID = 0
		return nil
	})
}

// ClaimFree finds and claims a free slot in one step.
func (r *Registry) ClaimFree(ctx context.Context) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	index, ok := r.findFreeSlot()
	if !ok {
		return -1, ErrNoFreeSlot
	}
	return index, r.update(ctx, index, func(slot *Slot) error {
		slot.Activated = true
		slot.PendingImport = true
		slot.UserID = 0
		return nil
	})
}

func (r *Registry) ConfirmActivation(ctx context.Context, index int, userID int64) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.update(ctx, index, func(slot *Slot) error {
		if !slot.PendingImport {
			return fmt.Errorf("%w: %d", ErrSlotNotPending, index)
		}
		slot.PendingImport = false
		slot.UserID = userID
		return nil
	})
}

// ReleaseFailedImport returns a pending slot to its pristine state.
func (r *Registry) ReleaseFailedImport(ctx context.Context, index int) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if err := r.checkIndex(index); err != nil {
		return err
	} else if !r.slots[index].PendingImport {
		return fmt.Errorf("%w: %d", ErrSlotNotPending, index)
	}
	return r.release(ctx, index)
}

// Logout deactivates a confirmed account.
func (r *Registry) Logout(ctx context.Context, index int) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if err := r.checkIndex(index); err != nil {
		return err
	} else if !r.slots[index].Activated {
		return nil
	}
	return r.release(ctx, index)
}

func (r *Registry) release(ctx context.Context, index int) error {
	if err := r.store.ReleaseSlot(ctx, index); err != nil {
		return fmt.Errorf("failed to release slot %d: %w", index, err)
	}
	r.slots[index] = Slot{Index: index}
	return nil
}

func (r *Registry) Slot(index int) (Slot, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if err := r.checkIndex(index); err != nil {
		return Slot{}, err
	}
	return r.slots[index], nil
}

func (r *Registry) Slots() []Slot {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]Slot, len(r.slots))
	copy(out, r.slots)
	return out
}

func (r *Registry) ActivatedCount() (count int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, slot := range r.slots {
		if slot.Activated {
			count++
		}
	}
	return
}

func (r *Registry) CurrentAccount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.current
}

// SwitchTo changes the current account and returns the previous one.
func (r *Registry) SwitchTo(ctx context.Context, index int) (prev int, err error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if err = r.checkIndex(index); err != nil {
		return r.current, err
	}
	if cp, ok := r.store.(CurrentAccountPersister); ok {
		if err = cp.SaveCurrentAccount(ctx, index); err != nil {
			return r.current, fmt.Errorf("failed to persist current account: %w", err)
		}
	}
	prev, r.current = r.current, index
	return prev, nil
}
