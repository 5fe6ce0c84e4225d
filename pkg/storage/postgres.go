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
	"time"

	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDDL = []string{
	`CREATE TABLE IF NOT EXISTS snapshot_notebooks (
	snapshot_id   UUID PRIMARY KEY,
	project_id    TEXT NOT NULL,
	snapshot_type TEXT NOT NULL,
	source_file   TEXT NOT NULL,
	field_values  JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (project_id, source_file, snapshot_type)
)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshot_project_created ON snapshot_notebooks (project_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshot_project_type ON snapshot_notebooks (project_id, snapshot_type)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshot_project_file ON snapshot_notebooks (project_id, source_file)`,
}

// OpenPostgres connects to PostgreSQL through the pgx stdlib driver and
// creates the snapshot table.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := newSQLStore(db, dialect{
		name:       "postgres",
		numbered:   true,
		jsonParam:  "CAST(? AS JSONB)",
		ddl:        postgresDDL,
		encodeTime: func(t time.Time) any { return t.UTC() },
	}, logger)

	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
