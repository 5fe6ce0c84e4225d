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

package ingestion

import (
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustIgnoreSet(t *testing.T, patterns ...string) *IgnoreSet {
	t.Helper()
	s, err := NewIgnoreSet(patterns...)
	require.NoError(t, err)
	return s
}

func TestIgnoreSet_Patterns(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{"literal file", "Makefile", "Makefile", true},
		{"literal at depth", "Makefile", "tools/Makefile", true},
		{"literal is a directory", "fixtures", "tests/fixtures/a.json", true},
		{"literal is not a prefix", "fixtures", "fixtures.json", false},

		{"extension", "*.log", "server.log", true},
		{"extension at depth", "*.log", "var/run/server.log", true},
		{"extension mismatch", "*.log", "logger.py", false},
		{"star inside segment", "test_*_data", "test_big_data/x.csv", true},
		{"star stays in segment", "src/*.go", "src/pkg/a.go", false},

		{"question mark", "fo?.go", "foo.go", true},
		{"question mark length", "fo?.go", "fooo.go", false},
		{"class", "file[0-9].md", "file7.md", true},
		{"class mismatch", "file[0-9].md", "filex.md", false},
		{"bang negation", "v[!0-9]", "vx", true},
		{"caret negation", "v[^0-9]", "v1", false},

		{"trailing doublestar covers dir", "node_modules/**", "node_modules", true},
		{"trailing doublestar covers contents", "node_modules/**", "web/node_modules/a/b.js", true},
		{"leading doublestar", "**/*.min.js", "static/js/app.min.js", true},
		{"middle doublestar none", "docs/**/draft.md", "docs/draft.md", true},
		{"middle doublestar many", "docs/**/draft.md", "docs/a/b/draft.md", true},
		{"middle doublestar mismatch", "docs/**/draft.md", "docs/a/final.md", false},

		{"anchored root", "/build/**", "build/out.bin", true},
		{"anchored skips nested", "/build/**", "tools/build/out.bin", false},
		{"unanchored nested", "build/**", "tools/build/out.bin", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := mustIgnoreSet(t, tt.pattern)
			assert.Equal(t, tt.want, s.Ignored(tt.path), "%q against %q", tt.pattern, tt.path)
		})
	}
}

func TestIgnoreSet_MatchReportsPattern(t *testing.T) {
	s := mustIgnoreSet(t, "*.tmp", "cache/**")
	got, ok := s.Match("cache/x/y.bin")
	require.True(t, ok)
	assert.Equal(t, "cache/**", got)

	_, ok = s.Match("src/main.go")
	assert.False(t, ok)

	_, ok = s.Match(".")
	assert.False(t, ok, "the root itself is never ignored")
}

func TestIgnoreSet_MalformedPatterns(t *testing.T) {
	s, err := NewIgnoreSet("*.log", "bad[", "", "  ")
	require.Error(t, err)
	assert.ErrorIs(t, err, path.ErrBadPattern)
	assert.Contains(t, err.Error(), `"bad["`)
	assert.Equal(t, 1, s.Len(), "valid patterns still apply")
	assert.True(t, s.Ignored("app.log"))
}

func TestIgnoreSet_Nil(t *testing.T) {
	var s *IgnoreSet
	assert.False(t, s.Ignored("anything"))
	assert.Zero(t, s.Len())
}

func TestDefaultIgnore(t *testing.T) {
	s := mustIgnoreSet(t, DefaultIgnore...)
	ignored := []string{
		".git/HEAD",
		".env",
		"config/.env.production",
		"deploy/keys/server.pem",
		"home/.ssh/id_rsa",
		"id_ed25519.pub",
		".aws/credentials",
		"venv/lib/site.py",
		"pkg/__pycache__/mod.cpython-312.pyc",
		".idea/workspace.xml",
		"target/release/app",
		"server.log",
		"cache.sqlite3",
		"notes.md~",
		"dump.bak",
	}
	kept := []string{
		"app.py",
		"docs/environment.md",
		"src/keys.go",
		"data/rows.csv",
		"logger.py",
		"README.md",
		"src/build.go",
	}
	for _, p := range ignored {
		assert.True(t, s.Ignored(p), "%q should be ignored", p)
	}
	for _, p := range kept {
		assert.False(t, s.Ignored(p), "%q should be kept", p)
	}
}
