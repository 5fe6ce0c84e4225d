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

package analyzer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/notebook/pkg/guard"
	"github.com/kraklabs/notebook/pkg/ingestion"
)

func TestTabular_CSV(t *testing.T) {
	content := "\xEF\xBB\xBFregion,revenue,notes\nnorth,100,\"quoted, with comma\"\nsouth,250,\n"
	in := writeInput(t, "sales.csv", content, "csv", ingestion.MediaTabular)

	out, err := NewTabularAnalyzer(guard.New(guard.Limits{}, nil), nil).Analyze(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "sales.csv", out["csv.file.path"])
	assert.Equal(t, 2, out["csv.file.rows"])
	assert.Equal(t, 3, out["csv.file.columns"])
	assert.Equal(t, "comma", out["csv.file.delimiter"])
	assert.Equal(t, false, out["csv.file.truncated"])

	table := out["csv.table_data"].(map[string]any)
	assert.Equal(t, []string{"region", "revenue", "notes"}, table["headers"])
	assert.Equal(t, [][]string{{"north", "100", "quoted, with comma"}, {"south", "250", ""}}, table["rows"])
	assert.Equal(t, 2, table["row_count"])
	assert.Equal(t, 3, table["column_count"])

	again, err := Reassemble(table, ',')
	require.NoError(t, err)
	assert.Equal(t, "region,revenue,notes\nnorth,100,\"quoted, with comma\"\nsouth,250,\n", again)
}

func TestTabular_TSVAndTruncation(t *testing.T) {
	content := "id\tbody\n1\t" + strings.Repeat("x", 20) + "\n"
	in := writeInput(t, "notes.tsv", content, "tsv", ingestion.MediaTabular)

	g := guard.New(guard.Limits{CSVMaxCellChars: 8}, nil)
	out, err := NewTabularAnalyzer(g, nil).Analyze(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "tab", out["csv.file.delimiter"])
	assert.Equal(t, true, out["csv.file.truncated"])
	table := out["csv.table_data"].(map[string]any)
	assert.Equal(t, [][]string{{"1", "xxxxxxxx"}}, table["rows"])
}

func TestTabular_RowHardCap(t *testing.T) {
	content := "h\n1\n2\n3\n"
	in := writeInput(t, "rows.csv", content, "csv", ingestion.MediaTabular)

	g := guard.New(guard.Limits{CSVHardCapRows: 2}, nil)
	_, err := NewTabularAnalyzer(g, nil).Analyze(context.Background(), in)
	assert.ErrorIs(t, err, guard.ErrSizeLimitExceeded)
}

func TestTabular_ByteHardCap(t *testing.T) {
	in := writeInput(t, "wide.csv", "a,b\n1,2\n", "csv", ingestion.MediaTabular)
	g := guard.New(guard.Limits{CSVHardCapBytes: 4}, nil)
	_, err := NewTabularAnalyzer(g, nil).Analyze(context.Background(), in)
	assert.ErrorIs(t, err, guard.ErrSizeLimitExceeded)
}

func TestTabular_Empty(t *testing.T) {
	in := writeInput(t, "empty.csv", "", "csv", ingestion.MediaTabular)
	out, err := NewTabularAnalyzer(guard.New(guard.Limits{}, nil), nil).Analyze(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 0, out["csv.file.rows"])
	assert.Equal(t, 0, out["csv.file.columns"])
}

func TestReassemble_FromStoredJSON(t *testing.T) {
	table := map[string]any{
		"headers": []any{"a", "b"},
		"rows":    []any{[]any{"1", float64(2)}},
	}
	got, err := Reassemble(table, '\t')
	require.NoError(t, err)
	assert.Equal(t, "a\tb\n1\t2\n", got)

	_, err = Reassemble(map[string]any{"rows": 7}, ',')
	assert.Error(t, err)
}
