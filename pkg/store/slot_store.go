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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"

	"go.mau.fi/tgimport/pkg/accounts"
)

const (
	getAllSlotsQuery = `SELECT slot, activated, pending, user_id FROM account_slot ORDER BY slot`
	upsertSlotQuery  = `
		INSERT INTO account_slot (slot, activated, pending, user_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (slot) DO UPDATE SET
			activated=excluded.activated,
			pending=excluded.pending,
			user_id=excluded.user_id
	`
	deleteSlotQuery = `DELETE FROM account_slot WHERE slot=$1`

	getStateQuery = `SELECT value FROM account_state WHERE name=$1`
	setStateQuery = `
		INSERT INTO account_state (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value=excluded.value
	`
)

const currentAccountKey = "current_account"

// SlotStore persists the account slot table. It implements
// [accounts.Persister].
type SlotStore struct {
	qh *dbutil.QueryHelper[*SlotRecord]
	db *dbutil.Database
}

var (
	_ accounts.Persister               = (*SlotStore)(nil)
	_ accounts.CurrentAccountPersister = (*SlotStore)(nil)
)

type SlotRecord struct {
	qh *dbutil.QueryHelper[*SlotRecord]

	Slot      int
	Activated bool
	Pending   bool
	UserID    int64
}

var _ dbutil.DataStruct[*SlotRecord] = (*SlotRecord)(nil)

func newSlotRecord(qh *dbutil.QueryHelper[*SlotRecord]) *SlotRecord {
	return &SlotRecord{qh: qh}
}

func (r *SlotRecord) Scan(row dbutil.Scannable) (*SlotRecord, error) {
	return r, row.Scan(&r.Slot, &r.Activated, &r.Pending, &r.UserID)
}

func (r *SlotRecord) sqlVariables() []any {
	return []any{r.Slot, r.Activated, r.Pending, r.UserID}
}

func (s *SlotStore) LoadSlots(ctx context.Context) ([]accounts.Slot, error) {
	records, err := s.qh.QueryMany(ctx, getAllSlotsQuery)
	if err != nil {
		return nil, err
	}
	slots := make([]accounts.Slot, len(records))
	for i, rec := range records {
		slots[i] = accounts.Slot{
			Index:         rec.Slot,
			Activated:     rec.Activated,
			PendingImport: rec.Pending,
			UserID:        rec.UserID,
		}
	}
	return slots, nil
}

func (s *SlotStore) SaveSlot(ctx context.Context, slot accounts.Slot) error {
	rec := &SlotRecord{
		Slot:      slot.Index,
		Activated: slot.Activated,
		Pending:   slot.PendingImport,
		UserID:    slot.UserID,
	}
	return s.qh.Exec(ctx, upsertSlotQuery, rec.sqlVariables()...)
}

// ReleaseSlot removes the slot row together with the transport session of
// that slot in a single transaction.
func (s *SlotStore) ReleaseSlot(ctx context.Context, slot int) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if _, err := s.db.Exec(ctx, deleteSessionQuery, slot); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		if _, err := s.db.Exec(ctx, deleteSlotQuery, slot); err != nil {
			return fmt.Errorf("failed to delete slot: %w", err)
		}
		return nil
	})
}

func (s *SlotStore) LoadCurrentAccount(ctx context.Context) (index int, err error) {
	err = s.db.QueryRow(ctx, getStateQuery, currentAccountKey).Scan(&index)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return
}

func (s *SlotStore) SaveCurrentAccount(ctx context.Context, index int) error {
	_, err := s.db.Exec(ctx, setStateQuery, currentAccountKey, index)
	return err
}
