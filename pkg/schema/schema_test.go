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

package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_CoversAllCategories(t *testing.T) {
	s, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "notebook_schema_v2", s.ID())
	for _, cat := range Categories {
		assert.NotEmpty(t, s.Fields(cat), "category %s has no fields", cat)
		assert.False(t, s.AlwaysCreate(cat))
	}
	assert.Len(t, Categories, 12)

	f, ok := s.Field("code.functions.names")
	require.True(t, ok)
	assert.Equal(t, Functions, f.Category)
	assert.True(t, f.IsList())

	f, ok = s.Field("csv.table_data")
	require.True(t, ok)
	assert.Equal(t, DocContent, f.Category)
	assert.False(t, f.IsList())
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		msg  string
	}{
		{
			name: "empty registry",
			doc:  "schema_id: x\n",
			msg:  "field_id_registry is empty",
		},
		{
			name: "unknown category",
			doc:  "field_id_registry:\n  gossip:\n    - {field_id: a.b}\n",
			msg:  `unknown category "gossip"`,
		},
		{
			name: "duplicate field",
			doc: "field_id_registry:\n" +
				"  imports:\n    - {field_id: a.b}\n" +
				"  exports:\n    - {field_id: a.b}\n",
			msg: "field_id a.b declared in",
		},
		{
			name: "empty field id",
			doc:  "field_id_registry:\n  imports:\n    - {field_id: \" \"}\n",
			msg:  "empty field_id",
		},
		{
			name: "bad always_create",
			doc:  "always_create: [nope]\nfield_id_registry:\n  imports:\n    - {field_id: a.b}\n",
			msg:  "always_create",
		},
		{
			name: "not yaml",
			doc:  "field_id_registry: [\n",
			msg:  "invalid schema",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSchema)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestParse_DefaultsAndAlwaysCreate(t *testing.T) {
	s, err := Parse([]byte("always_create: [security]\nfield_id_registry:\n  imports:\n    - {field_id: a.b}\n"))
	require.NoError(t, err)
	assert.Equal(t, "notebook_schema", s.ID())
	assert.True(t, s.AlwaysCreate(Security))
	f, ok := s.Field("a.b")
	require.True(t, ok)
	assert.Equal(t, "string", f.ValueType)
	assert.Equal(t, 1, s.FieldCount())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte("field_id_registry:\n  classes:\n    - {field_id: x.y, multi: true}\n"), 0o600))
	s, err := Load(path)
	require.NoError(t, err)
	f, _ := s.Field("x.y")
	assert.Equal(t, Classes, f.Category)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestCategorize(t *testing.T) {
	s, err := Default()
	require.NoError(t, err)

	var rejected []string
	c := NewCategorizer(s, nil, WithRejectHook(func(_, id string) { rejected = append(rejected, id) }))

	got := c.Categorize(map[string]any{
		"code.file.path":       "main.py",
		"code.functions.names": []string{"main", "helper"},
		"code.classes.names":   "Widget",
		"code.imports.modules": nil,
		"code.made.up":         42,
	}, "structure", "main.py")

	assert.Equal(t, []Category{FileMetadata, Imports, Functions, Classes}, got.Categories())
	assert.Equal(t, "main.py", got[FileMetadata]["code.file.path"])
	assert.Equal(t, []any{"main", "helper"}, got[Functions]["code.functions.names"])
	assert.Equal(t, []any{"Widget"}, got[Classes]["code.classes.names"])
	assert.Equal(t, []any{}, got[Imports]["code.imports.modules"])
	assert.Equal(t, []string{"code.made.up"}, rejected)
	assert.EqualValues(t, 1, c.Rejected())
	assert.Equal(t, 5-1, got.FieldCount())

	for cat, fields := range got {
		assert.True(t, s.Contains(cat, fields), "category %s holds a foreign field", cat)
	}
}

func TestCategorize_DropsEmptyCategories(t *testing.T) {
	s, err := Default()
	require.NoError(t, err)
	c := NewCategorizer(s, nil)
	got := c.Categorize(map[string]any{"nope": 1}, "text", "a.md")
	assert.Empty(t, got)
	assert.Empty(t, got.Categories())
}

func TestMerge_LaterWins(t *testing.T) {
	a := Categorized{
		FileMetadata: {"code.file.path": "a.py", "code.file.language": "python"},
		Security:     {},
	}
	b := Categorized{
		FileMetadata: {"code.file.language": "python3"},
		Quality:      {"code.quality.issue_count": 2},
	}
	merged := Merge(a, b)
	assert.Equal(t, "python3", merged[FileMetadata]["code.file.language"])
	assert.Equal(t, "a.py", merged[FileMetadata]["code.file.path"])
	assert.Equal(t, 2, merged[Quality]["code.quality.issue_count"])
	_, hasSecurity := merged[Security]
	assert.False(t, hasSecurity)

	// Inputs are left untouched.
	assert.Equal(t, "python", a[FileMetadata]["code.file.language"])
}

func TestCategoryOrder(t *testing.T) {
	assert.Equal(t, 0, FileMetadata.Order())
	assert.Equal(t, 11, DocAnalysis.Order())
	assert.Equal(t, -1, Category("other").Order())
	assert.False(t, Category("other").Valid())
}
