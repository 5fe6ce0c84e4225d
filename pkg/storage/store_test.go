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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/notebook/pkg/schema"
)

// setupTestStore opens an in-memory SQLite store with a deterministic clock
// that advances one millisecond per upsert.
func setupTestStore(t *testing.T) *sqlStore {
	t.Helper()
	st, err := OpenSQLite(context.Background(), MemoryDSN, nil)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	s := st.(*sqlStore)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	return s
}

// TestStoreInterface verifies that the SQL store implements Store.
func TestStoreInterface(t *testing.T) {
	var _ Store = &sqlStore{}
}

func TestUpsert_CreateThenOverwrite(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, created, err := s.Upsert(ctx, "p1", "main.py", schema.Functions, map[string]any{
		"code.functions.names": []any{"main", "helper"},
		"code.functions.count": 2,
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if !created {
		t.Fatal("expected the first upsert to create a record")
	}

	second, created, err := s.Upsert(ctx, "p1", "main.py", schema.Functions, map[string]any{
		"code.functions.names": []any{"main"},
	})
	if err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	if created {
		t.Error("expected the second upsert to hit the existing record")
	}
	if second.ID != first.ID {
		t.Errorf("snapshot id changed: %s -> %s", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}

	got, err := s.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	// The old count field must not survive the overwrite.
	assert.Equal(t, map[string]any{"code.functions.names": []any{"main"}}, got.Fields)
	assert.Equal(t, schema.Functions, got.Category)
	assert.Equal(t, "main.py", got.SourceFile)
}

func TestUpsert_InvalidCategory(t *testing.T) {
	s := setupTestStore(t)
	_, _, err := s.Upsert(context.Background(), "p1", "a.py", schema.Category("gossip"), nil)
	if !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("expected ErrInvalidCategory, got %v", err)
	}
}

func TestUpsert_UniquePerKey(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		for _, file := range []string{"a.py", "b.py"} {
			for _, cat := range []schema.Category{schema.FileMetadata, schema.Imports} {
				_, _, err := s.Upsert(ctx, "p1", file, cat, map[string]any{"run": i})
				require.NoError(t, err)
			}
		}
	}

	recs, err := s.ListByProject(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, recs, 4)

	seen := map[string]bool{}
	for _, r := range recs {
		key := r.SourceFile + "|" + string(r.Category)
		assert.False(t, seen[key], "duplicate key %s", key)
		seen[key] = true
		assert.EqualValues(t, 2, r.Fields["run"])
	}
}

func TestUpsert_ConcurrentDifferentKeys(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.Upsert(ctx, "p1", fmt.Sprintf("f%02d.go", i), schema.FileMetadata, map[string]any{"i": i})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	recs, err := s.ListByCategory(ctx, "p1", schema.FileMetadata)
	require.NoError(t, err)
	require.Len(t, recs, 20)
	assert.Equal(t, "f00.go", recs[0].SourceFile)
	assert.Equal(t, "f19.go", recs[19].SourceFile)
}

func TestUpsert_ConcurrentWritersOnFile(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "notebook.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	const writers, perWriter = 16, 50
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				file := fmt.Sprintf("w%02d/f%03d.py", w, i)
				if _, _, err := st.Upsert(ctx, "p1", file, schema.Functions, map[string]any{"code.functions.count": i}); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	recs, err := st.ListByCategory(ctx, "p1", schema.Functions)
	require.NoError(t, err)
	assert.Len(t, recs, writers*perWriter)
}

func TestSQLiteDSN(t *testing.T) {
	pragmas := "_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	assert.Equal(t, "file:/data/nb.db?"+pragmas, sqliteDSN("/data/nb.db"))
	assert.Equal(t, "file::memory:?"+pragmas, sqliteDSN(MemoryDSN))
	assert.Equal(t, "file:x.db?mode=rwc&"+pragmas, sqliteDSN("file:x.db?mode=rwc"))
}

func TestListQueries(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustUpsert := func(p, f string, c schema.Category) Record {
		t.Helper()
		rec, _, err := s.Upsert(ctx, p, f, c, map[string]any{"k": f})
		require.NoError(t, err)
		return rec
	}
	r1 := mustUpsert("p1", "b.py", schema.Security)
	mustUpsert("p1", "b.py", schema.FileMetadata)
	mustUpsert("p1", "a.md", schema.DocContent)
	mustUpsert("p2", "b.py", schema.Security)

	byProject, err := s.ListByProject(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, byProject, 3)
	assert.Equal(t, r1.ID, byProject[0].ID, "oldest record first")

	byFile, err := s.ListByFile(ctx, "p1", "b.py")
	require.NoError(t, err)
	require.Len(t, byFile, 2)
	assert.Equal(t, schema.FileMetadata, byFile[0].Category, "canonical category order")
	assert.Equal(t, schema.Security, byFile[1].Category)

	byCat, err := s.ListByCategory(ctx, "p1", schema.Security)
	require.NoError(t, err)
	require.Len(t, byCat, 1)
	assert.Equal(t, "p1", byCat[0].ProjectID)

	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ProjectSummary{
		{ProjectID: "p1", Snapshots: 3, Files: 2},
		{ProjectID: "p2", Snapshots: 1, Files: 1},
	}, projects)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, f := range []string{"a.py", "b.py"} {
		for _, c := range []schema.Category{schema.FileMetadata, schema.Quality} {
			_, _, err := s.Upsert(ctx, "p1", f, c, map[string]any{})
			require.NoError(t, err)
		}
	}
	_, _, err := s.Upsert(ctx, "p2", "a.py", schema.FileMetadata, nil)
	require.NoError(t, err)

	n, err := s.DeleteFile(ctx, "p1", "a.py")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = s.DeleteProject(ctx, "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = s.DeleteProject(ctx, "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	left, err := s.ListByProject(ctx, "p2")
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestClose(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second Close is a no-op")

	_, _, err := s.Upsert(context.Background(), "p", "f", schema.Imports, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrClosed)
}

func TestOpen_FileDatabasePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "notebook.db")
	ctx := context.Background()

	st, err := Open(ctx, "sqlite:"+path, nil)
	require.NoError(t, err)
	rec, created, err := st.Upsert(ctx, "p1", "x.csv", schema.DocContent, map[string]any{"csv.table_data": map[string]any{"row_count": 10}})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, st.Close())

	st, err = Open(ctx, path, nil)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	got, err := st.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.CreatedAt, got.CreatedAt)
	table := got.Fields["csv.table_data"].(map[string]any)
	assert.EqualValues(t, 10, table["row_count"])
}

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), " ", nil)
	assert.Error(t, err)
}

func TestDialectRebind(t *testing.T) {
	d := dialect{numbered: true}
	assert.Equal(t, "a = $1 AND b = $2", d.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = ?", dialect{}.rebind("a = ?"))
}

func TestDBTimeScan(t *testing.T) {
	want := time.Date(2025, 3, 1, 10, 0, 0, 5, time.UTC)
	for _, src := range []any{want, want.Format(sqliteTimeLayout), []byte(want.Format(time.RFC3339Nano))} {
		var got dbTime
		require.NoError(t, got.Scan(src))
		assert.True(t, want.Equal(got.Time), "%T", src)
	}
	var bad dbTime
	assert.Error(t, bad.Scan("yesterday"))
	assert.Error(t, bad.Scan(42))
}

func TestIsBusy(t *testing.T) {
	assert.True(t, isBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, isBusy(errors.New("no such table")))
	assert.False(t, isBusy(nil))
}
