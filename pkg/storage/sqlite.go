// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Pure Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/kraklabs/notebook/pkg/retry"
)

// MemoryDSN opens a private in-memory SQLite database.
const MemoryDSN = ":memory:"

var sqliteDDL = []string{
	`CREATE TABLE IF NOT EXISTS snapshot_notebooks (
	snapshot_id   TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL,
	snapshot_type TEXT NOT NULL,
	source_file   TEXT NOT NULL,
	field_values  TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	UNIQUE (project_id, source_file, snapshot_type)
)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshot_project_created ON snapshot_notebooks (project_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshot_project_type ON snapshot_notebooks (project_id, snapshot_type)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshot_project_file ON snapshot_notebooks (project_id, source_file)`,
}

// OpenSQLite opens (creating if needed) the SQLite database at path and
// creates the snapshot table. WAL, busy_timeout and synchronous pragmas go
// in the DSN so each connection of the pool gets them.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (Store, error) {
	memory := path == MemoryDSN
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := newSQLStore(db, dialect{
		name:      "sqlite",
		jsonParam: "?",
		ddl:       sqliteDDL,
		encodeTime: func(t time.Time) any {
			return t.UTC().Format(sqliteTimeLayout)
		},
		retry: retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     time.Second,
			Multiplier:     2,
			Retryable:      isBusy,
		},
	}, logger)

	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// sqlitePragmas are applied by the driver to every new pooled connection.
var sqlitePragmas = []string{
	"busy_timeout(10000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

// sqliteDSN turns a path into a file: URI that carries sqlitePragmas.
func sqliteDSN(path string) string {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range sqlitePragmas {
		dsn += sep + "_pragma=" + p
		sep = "&"
	}
	return dsn
}

// isBusy reports SQLITE_BUSY and table-lock contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
