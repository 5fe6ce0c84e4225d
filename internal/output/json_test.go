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

package output

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	data := struct {
		ProjectID string         `json:"project_id"`
		Counts    map[string]int `json:"counts"`
	}{"p1", map[string]int{"b": 2, "a": 1}}

	require.NoError(t, JSON(&buf, data))
	assert.Equal(t, "{\n  \"project_id\": \"p1\",\n  \"counts\": {\n    \"a\": 1,\n    \"b\": 2\n  }\n}\n", buf.String())
}

func TestJSON_NoHTMLEscape(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, map[string]string{"snippet": "if a < b && c > d {}"}))
	assert.Contains(t, buf.String(), "a < b && c > d")
}

func TestJSON_Unencodable(t *testing.T) {
	var buf bytes.Buffer
	err := JSON(&buf, math.Inf(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encode json")
}

func TestJSONLines(t *testing.T) {
	var buf bytes.Buffer
	type row struct {
		File string `json:"file"`
	}
	require.NoError(t, JSONLines(&buf, []row{{"a.py"}, {"b.md"}}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var r row
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &r))
	assert.Equal(t, "b.md", r.File)

	buf.Reset()
	require.NoError(t, JSONLines[row](&buf, nil))
	assert.Zero(t, buf.Len())
}
