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

	"github.com/gotd/td/session"
	"go.mau.fi/util/dbutil"
)

// SessionStore is a wrapper around a database that implements
// [session.Storage] scoped to a specific account slot.
type SessionStore struct {
	db   *dbutil.Database
	slot int
}

var _ session.Storage = (*SessionStore)(nil)

const (
	loadSessionQuery  = `SELECT session_data FROM account_session WHERE slot=$1`
	storeSessionQuery = `
		INSERT INTO account_session (slot, session_data)
		VALUES ($1, $2)
		ON CONFLICT (slot) DO UPDATE SET session_data=excluded.session_data
	`
	deleteSessionQuery = `DELETE FROM account_session WHERE slot=$1`
)

// LoadSession loads session data from the database.
func (s *SessionStore) LoadSession(ctx context.Context) (sessionData []byte, err error) {
	err = s.db.QueryRow(ctx, loadSessionQuery, s.slot).Scan(&sessionData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	return
}

// StoreSession stores session data for the slot into the database.
func (s *SessionStore) StoreSession(ctx context.Context, data []byte) error {
	_, err := s.db.Exec(ctx, storeSessionQuery, s.slot, data)
	return err
}

// DeleteSession removes any stored session for the slot.
func (s *SessionStore) DeleteSession(ctx context.Context) error {
	_, err := s.db.Exec(ctx, deleteSessionQuery, s.slot)
	return err
}
