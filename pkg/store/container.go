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
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"go.mau.fi/tgimport/pkg/store/upgrades"
)

type Container struct {
	db *dbutil.Database
}

func NewStore(db *dbutil.Database, log dbutil.DatabaseLogger) *Container {
	return &Container{db: db.Child("tgimport_version", upgrades.Table, log)}
}

// OpenSQLite opens (creating if necessary) the SQLite database at path and
// wraps it in a Container. Call Upgrade before using it.
func OpenSQLite(path string, log zerolog.Logger) (*Container, error) {
	rawDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		_ = rawDB.Close()
		return nil, fmt.Errorf("failed to wrap database: %w", err)
	}
	return NewStore(db, dbutil.ZeroLogger(log.With().Str("db_section", "tgimport").Logger())), nil
}

func (c *Container) Upgrade(ctx context.Context) error {
	return c.db.Upgrade(ctx)
}

func (c *Container) Close() error {
	return c.db.RawDB.Close()
}

func (c *Container) GetSessionStore(slot int) *SessionStore {
	return &SessionStore{c.db, slot}
}

func (c *Container) Slots() *SlotStore {
	return &SlotStore{qh: dbutil.MakeQueryHelper(c.db, newSlotRecord), db: c.db}
}
