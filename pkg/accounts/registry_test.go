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

package accounts_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/tgimport/pkg/accounts"
)

type memoryPersister struct {
	lock     sync.Mutex
	slots    map[int]accounts.Slot
	released []int
	failSave bool
}

func newMemoryPersister(slots ...accounts.Slot) *memoryPersister {
	mp := &memoryPersister{slots: map[int]accounts.Slot{}}
	for _, slot := range slots {
		mp.slots[slot.Index] = slot
	}
	return mp
}

func (mp *memoryPersister) LoadSlots(ctx context.Context) ([]accounts.Slot, error) {
	mp.lock.Lock()
	defer mp.lock.Unlock()
	out := make([]accounts.Slot, 0, len(mp.slots))
	for _, slot := range mp.slots {
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (mp *memoryPersister) SaveSlot(ctx context.Context, slot accounts.Slot) error {
	mp.lock.Lock()
	defer mp.lock.Unlock()
	if mp.failSave {
		return errors.New("disk full")
	}
	mp.slots[slot.Index] = slot
	return nil
}

func (mp *memoryPersister) ReleaseSlot(ctx context.Context, index int) error {
	mp.lock.Lock()
	defer mp.lock.Unlock()
	delete(mp.slots, index)
	mp.released = append(mp.released, index)
	return nil
}

func TestFindFreeSlot(t *testing.T) {
	reg := accounts.NewRegistry(4, newMemoryPersister(), zerolog.Nop())
	index, ok := reg.FindFreeSlot()
	require.True(t, ok)
	assert.Equal(t, 0, index)

	require.NoError(t, reg.ClaimPending(context.Background(), 0))
	index, ok = reg.FindFreeSlot()
	require.True(t, ok)
	assert.Equal(t, 1, index)
}

func TestFindFreeSlotFull(t *testing.T) {
	ctx := context.Background()
	reg := accounts.NewRegistry(2, newMemoryPersister(), zerolog.Nop())
	require.NoError(t, reg.ClaimPending(ctx, 0))
	require.NoError(t, reg.ClaimPending(ctx, 1))
	_, ok := reg.FindFreeSlot()
	assert.False(t, ok)
	_, err := reg.ClaimFree(ctx)
	assert.ErrorIs(t, err, accounts.ErrNoFreeSlot)
}

func TestClaimPendingPersists(t *testing.T) {
	mp := newMemoryPersister()
	reg := accounts.NewRegistry(4, mp, zerolog.Nop())
	require.NoError(t, reg.ClaimPending(context.Background(), 2))
	assert.Equal(t, accounts.Slot{Index: 2, Activated: true, PendingImport: true}, mp.slots[2])

	err := reg.ClaimPending(context.Background(), 2)
	assert.ErrorIs(t, err, accounts.ErrSlotOccupied)
	err = reg.ClaimPending(context.Background(), 4)
	assert.ErrorIs(t, err, accounts.ErrSlotOutOfRange)
}

func TestClaimPendingPersistFailure(t *testing.T) {
	mp := newMemoryPersister()
	mp.failSave = true
	reg := accounts.NewRegistry(4, mp, zerolog.Nop())
	require.Error(t, reg.ClaimPending(context.Background(), 0))
	slot, err := reg.Slot(0)
	require.NoError(t, err)
	assert.Equal(t, accounts.Slot{Index: 0}, slot)
}

func TestConfirmActivation(t *testing.T) {
	ctx := context.Background()
	mp := newMemoryPersister()
	reg := accounts.NewRegistry(4, mp, zerolog.Nop())
	assert.ErrorIs(t, reg.ConfirmActivation(ctx, 0, 42), accounts.ErrSlotNotPending)

	require.NoError(t, reg.ClaimPending(ctx, 0))
	require.NoError(t, reg.ConfirmActivation(ctx, 0, 42))
	slot, err := reg.Slot(0)
	require.NoError(t, err)
	assert.Equal(t, accounts.Slot{Index: 0, Activated: true, UserID: 42}, slot)
	assert.True(t, slot.Confirmed())
	assert.Equal(t, slot, mp.slots[0])
	assert.Equal(t, 1, reg.ActivatedCount())
}

func TestReleaseRestoresPristineSlot(t *testing.T) {
	ctx := context.Background()
	mp := newMemoryPersister()
	reg := accounts.NewRegistry(4, mp, zerolog.Nop())
	before, err := reg.Slot(1)
	require.NoError(t, err)

	require.NoError(t, reg.ClaimPending(ctx, 1))
	require.NoError(t, reg.ReleaseFailedImport(ctx, 1))

	after, err := reg.Slot(1)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NotContains(t, mp.slots, 1)
	assert.Equal(t, []int{1}, mp.released)
	assert.ErrorIs(t, reg.ReleaseFailedImport(ctx, 1), accounts.ErrSlotNotPending)
}

func TestConcurrentClaimsGetDistinctSlots(t *testing.T) {
	ctx := context.Background()
	reg := accounts.NewRegistry(4, newMemoryPersister(), zerolog.Nop())

	var wg sync.WaitGroup
	results := make(chan int, 8)
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			index, err := reg.ClaimFree(ctx)
			if err != nil {
				errs <- err
				return
			}
			results <- index
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	seen := map[int]bool{}
	for index := range results {
		assert.False(t, seen[index], "slot %d claimed twice", index)
		seen[index] = true
	}
	assert.Len(t, seen, 4)
	for err := range errs {
		assert.ErrorIs(t, err, accounts.ErrNoFreeSlot)
	}
}

func TestLoadReleasesAbandonedImports(t *testing.T) {
	mp := newMemoryPersister(
		accounts.Slot{Index: 0, Activated: true, UserID: 100},
		accounts.Slot{Index: 1, Activated: true, PendingImport: true},
		accounts.Slot{Index: 9, Activated: true, UserID: 5},
	)
	reg := accounts.NewRegistry(4, mp, zerolog.Nop())
	require.NoError(t, reg.Load(context.Background()))

	slots := reg.Slots()
	assert.Equal(t, accounts.Slot{Index: 0, Activated: true, UserID: 100}, slots[0])
	assert.Equal(t, accounts.Slot{Index: 1}, slots[1])
	assert.Equal(t, []int{1}, mp.released)
	assert.Equal(t, 1, reg.ActivatedCount())
}

func TestSwitchToAndLogout(t *testing.T) {
	ctx := context.Background()
	reg := accounts.NewRegistry(4, newMemoryPersister(), zerolog.Nop())
	prev, err := reg.SwitchTo(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, prev)
	assert.Equal(t, 3, reg.CurrentAccount())
	_, err = reg.SwitchTo(ctx, -1)
	assert.ErrorIs(t, err, accounts.ErrSlotOutOfRange)

	require.NoError(t, reg.ClaimPending(ctx, 3))
	require.NoError(t, reg.ConfirmActivation(ctx, 3, 7))
	require.NoError(t, reg.Logout(ctx, 3))
	slot, _ := reg.Slot(3)
	assert.False(t, slot.Activated)
	assert.NoError(t, reg.Logout(ctx, 3))
}
