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

// Package storage persists snapshot records.
//
// A snapshot holds the field values that one analyzed file contributed to
// one category of a project. The key (project_id, source_file,
// snapshot_type) is unique: re-ingesting a file overwrites its snapshots
// instead of duplicating them, and the original snapshot id and creation
// time are kept.
//
// # Available Backends
//
//   - SQLite (modernc.org/sqlite): default, a single file under the data
//     directory, WAL journal, busy retries.
//   - PostgreSQL (pgx stdlib driver): field values stored as JSONB.
//
// Open picks the backend from the DSN:
//
//	store, err := storage.Open(ctx, "data/notebook.db", logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	rec, created, err := store.Upsert(ctx, "proj", "main.py", schema.Functions,
//	    map[string]any{"code.functions.names": []any{"main"}})
//
// # Table
//
//	snapshot_notebooks(snapshot_id PK, project_id, snapshot_type,
//	                   source_file, field_values, created_at)
//	UNIQUE (project_id, source_file, snapshot_type)
//	INDEX  (project_id, created_at), (project_id, snapshot_type),
//	       (project_id, source_file)
//
// # Thread Safety
//
// Stores are safe for concurrent use. Concurrent upserts of different keys
// do not interfere; for the same key the last write wins.
package storage
