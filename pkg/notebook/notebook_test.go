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

package notebook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/notebook/pkg/guard"
	"github.com/kraklabs/notebook/pkg/schema"
	"github.com/kraklabs/notebook/pkg/storage"
)

func setup(t *testing.T, limits guard.Limits) (storage.Store, *schema.Schema, *Builder, *Assembler) {
	t.Helper()
	st, err := storage.OpenSQLite(context.Background(), storage.MemoryDSN, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	s, err := schema.Default()
	require.NoError(t, err)
	return st, s, NewBuilder(st, s, guard.New(limits, nil), nil), NewAssembler(st, s, nil)
}

func pythonFields() schema.Categorized {
	return schema.Categorized{
		schema.FileMetadata: {"code.file.path": "app/main.py", "code.file.language": "python"},
		schema.Functions:    {"code.functions.names": []any{"run", "stop"}, "code.functions.count": 2},
		schema.Imports:      {"code.imports.modules": []any{"os"}, "code.imports.count": 1},
	}
}

func TestCreateSnapshots_CanonicalOrderAndOverwrite(t *testing.T) {
	_, _, b, _ := setup(t, guard.Limits{})
	ctx := context.Background()

	res, err := b.CreateSnapshots(ctx, "p1", "app/main.py", pythonFields(), []string{"structure"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 0, res.Updated)
	require.Len(t, res.Records, 3)
	assert.Equal(t, schema.FileMetadata, res.Records[0].Category)
	assert.Equal(t, schema.Imports, res.Records[1].Category)
	assert.Equal(t, schema.Functions, res.Records[2].Category)
	assert.Equal(t, 1, res.Types[schema.Functions])

	again, err := b.CreateSnapshots(ctx, "p1", "app/main.py", pythonFields(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Created)
	assert.Equal(t, 3, again.Updated)
	assert.Equal(t, res.Records[0].ID, again.Records[0].ID)
}

func TestCreateSnapshots_Empty(t *testing.T) {
	_, _, b, _ := setup(t, guard.Limits{})
	res, err := b.CreateSnapshots(context.Background(), "p1", "a.py", schema.Categorized{}, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
	assert.Empty(t, res.Records)
}

func TestCreateSnapshots_AlwaysCreate(t *testing.T) {
	st, err := storage.OpenSQLite(context.Background(), storage.MemoryDSN, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	s, err := schema.Parse([]byte("always_create: [security]\nfield_id_registry:\n  imports:\n    - {field_id: code.imports.modules, multi: true}\n"))
	require.NoError(t, err)
	b := NewBuilder(st, s, guard.New(guard.Limits{}, nil), nil)

	res, err := b.CreateSnapshots(context.Background(), "p1", "a.py", schema.Categorized{}, nil)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, schema.Security, res.Records[0].Category)
	assert.Empty(t, res.Records[0].Fields)
}

func TestCreateSnapshots_SizeRejectionKeepsOthers(t *testing.T) {
	st, _, b, _ := setup(t, guard.Limits{MaxSnapshotBytes: 80})
	fields := pythonFields()
	big := make([]any, 0, 20)
	for i := 0; i < 20; i++ {
		big = append(big, "function_with_a_long_name")
	}
	fields[schema.Functions]["code.functions.names"] = big

	res, err := b.CreateSnapshots(context.Background(), "p1", "app/main.py", fields, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSnapshotRejected)
	assert.ErrorIs(t, err, guard.ErrSizeLimitExceeded)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 2, res.Created)

	recs, err := st.ListByFile(context.Background(), "p1", "app/main.py")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestCreateSnapshots_CountRejection(t *testing.T) {
	_, _, b, _ := setup(t, guard.Limits{MaxSnapshotsPerFile: 2})
	res, err := b.CreateSnapshots(context.Background(), "p1", "app/main.py", pythonFields(), nil)
	assert.ErrorIs(t, err, ErrSnapshotRejected)
	assert.Equal(t, 3, res.Rejected)
	assert.Empty(t, res.Records)
}

func TestFileNotebook(t *testing.T) {
	_, _, b, a := setup(t, guard.Limits{})
	ctx := context.Background()
	_, err := b.CreateSnapshots(ctx, "p1", "app/main.py", pythonFields(), nil)
	require.NoError(t, err)

	nb, err := a.FileNotebook(ctx, "p1", "app/main.py")
	require.NoError(t, err)
	assert.Equal(t, "app/main.py", nb.SourceFile)
	require.Len(t, nb.Categories, 3)
	fn := nb.Categories["functions"]
	assert.NotEmpty(t, fn.SnapshotID)
	assert.EqualValues(t, 2, fn.Fields["code.functions.count"])

	_, err = a.FileNotebook(ctx, "p1", "missing.py")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestProjectNotebook_GroupingsAndCoverage(t *testing.T) {
	_, s, b, a := setup(t, guard.Limits{})
	ctx := context.Background()
	_, err := b.CreateSnapshots(ctx, "p1", "z/last.py", pythonFields(), nil)
	require.NoError(t, err)
	_, err = b.CreateSnapshots(ctx, "p1", "a/first.md", schema.Categorized{
		schema.DocMetadata: {"doc.title": "Guide", "doc.format": "md", "doc.author": ""},
		schema.DocContent:  {"doc.urls": []any{}},
	}, nil)
	require.NoError(t, err)

	nb, err := a.ProjectNotebook(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "notebook_schema_v2", nb.SchemaID)
	assert.Equal(t, 5, nb.Summary.TotalSnapshots)
	assert.Equal(t, 2, nb.Summary.TotalFiles)
	assert.Equal(t, 1, nb.Summary.ByCategory["functions"])

	require.Len(t, nb.ByFile["z/last.py"], 3)
	assert.Equal(t, "file_metadata", nb.ByFile["z/last.py"][0].Category)
	assert.Equal(t, "functions", nb.ByFile["z/last.py"][2].Category)

	assert.Contains(t, nb.Coverage.FilledFieldIDs, "code.functions.names")
	assert.Contains(t, nb.Coverage.FilledFieldIDs, "doc.title")
	assert.Contains(t, nb.Coverage.MissingFieldIDs, "doc.author")
	assert.Contains(t, nb.Coverage.MissingFieldIDs, "doc.urls")
	assert.Equal(t, s.FieldCount(), len(nb.Coverage.FilledFieldIDs)+len(nb.Coverage.MissingFieldIDs))
	assert.Equal(t, "code.file.language", nb.Coverage.FilledFieldIDs[0])
}

func TestProjectNotebook_Reproducible(t *testing.T) {
	_, _, b, a := setup(t, guard.Limits{})
	ctx := context.Background()
	for _, f := range []string{"c.py", "a.py", "b.py"} {
		_, err := b.CreateSnapshots(ctx, "p1", f, pythonFields(), nil)
		require.NoError(t, err)
	}

	first, err := a.ProjectNotebook(ctx, "p1")
	require.NoError(t, err)
	second, err := a.ProjectNotebook(ctx, "p1")
	require.NoError(t, err)

	j1, err := json.Marshal(first)
	require.NoError(t, err)
	j2, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(j1), string(j2))

	files := first.ByCategory["functions"]
	require.Len(t, files, 3)
	assert.Equal(t, []string{"a.py", "b.py", "c.py"}, []string{files[0].File, files[1].File, files[2].File})
}

func TestProjectNotebook_EmptyProject(t *testing.T) {
	_, s, _, a := setup(t, guard.Limits{})
	nb, err := a.ProjectNotebook(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, nb.Summary.TotalSnapshots)
	assert.Empty(t, nb.ByFile)
	assert.Len(t, nb.Coverage.MissingFieldIDs, s.FieldCount())
}

func TestStats(t *testing.T) {
	_, _, b, a := setup(t, guard.Limits{})
	ctx := context.Background()
	_, err := b.CreateSnapshots(ctx, "p1", "x.py", pythonFields(), nil)
	require.NoError(t, err)
	_, err = b.CreateSnapshots(ctx, "p1", "y.py", schema.Categorized{
		schema.Functions: {"code.functions.count": 0},
	}, nil)
	require.NoError(t, err)

	st, err := a.Stats(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 4, st.TotalSnapshots)
	assert.Equal(t, 2, st.ByCategory["functions"])
	assert.Equal(t, 3, st.ByFile["x.py"])
	assert.Equal(t, 1, st.ByFile["y.py"])
	assert.Positive(t, st.ApproxBytes)
}

func TestHasValue(t *testing.T) {
	assert.False(t, hasValue(nil))
	assert.False(t, hasValue(""))
	assert.False(t, hasValue([]any{}))
	assert.False(t, hasValue(map[string]any{}))
	assert.True(t, hasValue(0))
	assert.True(t, hasValue(false))
	assert.True(t, hasValue([]string{"x"}))
}
