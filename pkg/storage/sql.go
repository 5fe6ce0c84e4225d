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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/notebook/pkg/retry"
	"github.com/kraklabs/notebook/pkg/schema"
)

// sqliteTimeLayout sorts lexicographically in chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string

	// numbered rewrites ? placeholders to $1, $2, ...
	numbered bool

	// jsonParam wraps the field_values placeholder.
	jsonParam string

	ddl []string

	encodeTime func(time.Time) any

	// retry wraps every statement; the zero policy runs once.
	retry retry.Policy
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements Store on database/sql. Both backends share it.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
	now     func() time.Time
	newID   func() (string, error)

	mu     sync.RWMutex
	closed bool
}

func newSQLStore(db *sql.DB, d dialect, logger *slog.Logger) *sqlStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &sqlStore{
		db:      db,
		dialect: d,
		logger:  logger,
		now:     time.Now,
		newID:   newSnapshotID,
	}
}

func newSnapshotID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate snapshot id: %w", err)
	}
	return id.String(), nil
}

const selectColumns = `snapshot_id, project_id, snapshot_type, source_file, field_values, created_at`

func (s *sqlStore) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.dialect.retry.Do(ctx, func(int) error {
		var err error
		res, err = s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
		return err
	})
	return res, err
}

// EnsureSchema creates the snapshot table and its indexes.
func (s *sqlStore) EnsureSchema(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, stmt := range s.dialect.ddl {
		if _, err := s.exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure %s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

// Upsert implements Store.
func (s *sqlStore) Upsert(ctx context.Context, projectID, sourceFile string, category schema.Category, fields map[string]any) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return Record{}, false, err
	}
	if !category.Valid() {
		return Record{}, false, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return Record{}, false, fmt.Errorf("encode field values: %w", err)
	}
	id, err := s.newID()
	if err != nil {
		return Record{}, false, err
	}
	now := s.now().UTC()

	query := `INSERT INTO snapshot_notebooks (` + selectColumns + `)
VALUES (?, ?, ?, ?, ` + s.dialect.jsonParam + `, ?)
ON CONFLICT (project_id, source_file, snapshot_type)
DO UPDATE SET field_values = excluded.field_values
RETURNING snapshot_id, created_at`

	var (
		storedID  string
		createdAt dbTime
	)
	err = s.dialect.retry.Do(ctx, func(int) error {
		return s.db.QueryRowContext(ctx, s.dialect.rebind(query),
			id, projectID, string(category), sourceFile, string(payload), s.dialect.encodeTime(now),
		).Scan(&storedID, &createdAt)
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("upsert snapshot %s/%s/%s: %w", projectID, sourceFile, category, err)
	}

	created := storedID == id
	if !created {
		s.logger.Info("snapshot.upsert.existing",
			"project_id", projectID,
			"source_file", sourceFile,
			"snapshot_type", category,
			"snapshot_id", storedID,
		)
	}
	return Record{
		ID:         storedID,
		ProjectID:  projectID,
		Category:   category,
		SourceFile: sourceFile,
		Fields:     fields,
		CreatedAt:  createdAt.Time,
	}, created, nil
}

// Get implements Store.
func (s *sqlStore) Get(ctx context.Context, id string) (Record, error) {
	recs, err := s.query(ctx, `SELECT `+selectColumns+` FROM snapshot_notebooks WHERE snapshot_id = ?`, id)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return recs[0], nil
}

// ListByProject implements Store.
func (s *sqlStore) ListByProject(ctx context.Context, projectID string) ([]Record, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM snapshot_notebooks
WHERE project_id = ?
ORDER BY created_at, source_file, snapshot_type`, projectID)
}

// ListByFile implements Store. Records come back in canonical category order.
func (s *sqlStore) ListByFile(ctx context.Context, projectID, sourceFile string) ([]Record, error) {
	recs, err := s.query(ctx, `SELECT `+selectColumns+` FROM snapshot_notebooks
WHERE project_id = ? AND source_file = ?`, projectID, sourceFile)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Category.Order() < recs[j].Category.Order()
	})
	return recs, nil
}

// ListByCategory implements Store.
func (s *sqlStore) ListByCategory(ctx context.Context, projectID string, category schema.Category) ([]Record, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM snapshot_notebooks
WHERE project_id = ? AND snapshot_type = ?
ORDER BY source_file`, projectID, string(category))
}

// DeleteFile implements Store.
func (s *sqlStore) DeleteFile(ctx context.Context, projectID, sourceFile string) (int64, error) {
	return s.delete(ctx, `DELETE FROM snapshot_notebooks WHERE project_id = ? AND source_file = ?`, projectID, sourceFile)
}

// DeleteProject implements Store.
func (s *sqlStore) DeleteProject(ctx context.Context, projectID string) (int64, error) {
	return s.delete(ctx, `DELETE FROM snapshot_notebooks WHERE project_id = ?`, projectID)
}

func (s *sqlStore) delete(ctx context.Context, query string, args ...any) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}
	return n, nil
}

// ListProjects implements Store.
func (s *sqlStore) ListProjects(ctx context.Context) ([]ProjectSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT project_id, COUNT(*), COUNT(DISTINCT source_file)
FROM snapshot_notebooks
GROUP BY project_id
ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ProjectSummary
	for rows.Next() {
		var p ProjectSummary
		if err := rows.Scan(&p.ProjectID, &p.Snapshots, &p.Files); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Ping implements Store.
func (s *sqlStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close implements Store. Closing twice is a no-op.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			rec       Record
			category  string
			payload   []byte
			createdAt dbTime
		)
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &category, &rec.SourceFile, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		rec.Category = schema.Category(category)
		rec.CreatedAt = createdAt.Time
		if err := json.Unmarshal(payload, &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode field values of %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// dbTime scans timestamps stored either natively or as text.
type dbTime struct{ time.Time }

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			t.Time = ts.UTC()
			return nil
		}
	}
	return errors.New("unparseable timestamp " + strconv.Quote(s))
}
