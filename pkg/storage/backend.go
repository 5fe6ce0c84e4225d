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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kraklabs/notebook/pkg/schema"
)

var (
	// ErrNotFound is returned by Get for an unknown snapshot id.
	ErrNotFound = errors.New("snapshot not found")

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("store is closed")

	// ErrInvalidCategory is returned by Upsert for a category outside the
	// twelve known ones.
	ErrInvalidCategory = errors.New("invalid snapshot category")
)

// Record is one persisted snapshot: the field values one file contributed
// to one category of a project.
type Record struct {
	ID         string          `json:"snapshot_id"`
	ProjectID  string          `json:"project_id"`
	Category   schema.Category `json:"snapshot_type"`
	SourceFile string          `json:"source_file"`
	Fields     map[string]any  `json:"field_values"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ProjectSummary is one row of ListProjects.
type ProjectSummary struct {
	ProjectID string `json:"project_id"`
	Snapshots int    `json:"snapshots"`
	Files     int    `json:"files"`
}

// Store is the interface that all snapshot backends implement. At most one
// record exists per (project, source file, category).
type Store interface {
	// Upsert inserts a record for the key or overwrites the fields of the
	// existing one, keeping its id and creation time. The boolean reports
	// whether a new record was created.
	Upsert(ctx context.Context, projectID, sourceFile string, category schema.Category, fields map[string]any) (Record, bool, error)

	Get(ctx context.Context, id string) (Record, error)

	// ListByProject returns every record of a project, oldest first.
	ListByProject(ctx context.Context, projectID string) ([]Record, error)

	// ListByFile returns all categories stored for one file.
	ListByFile(ctx context.Context, projectID, sourceFile string) ([]Record, error)

	// ListByCategory returns one category across every file of a project.
	ListByCategory(ctx context.Context, projectID string, category schema.Category) ([]Record, error)

	DeleteFile(ctx context.Context, projectID, sourceFile string) (int64, error)
	DeleteProject(ctx context.Context, projectID string) (int64, error)

	ListProjects(ctx context.Context) ([]ProjectSummary, error)

	// EnsureSchema creates the table and indexes. It is idempotent.
	EnsureSchema(ctx context.Context) error

	Ping(ctx context.Context) error
	Close() error
}

// Open selects a backend from the DSN: postgres:// and postgresql:// URLs
// use PostgreSQL, anything else is a SQLite path (an optional "sqlite:"
// prefix is stripped, ":memory:" opens a private in-memory database).
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return nil, fmt.Errorf("open store: empty database dsn")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn, logger)
	default:
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite:"), logger)
	}
}
