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
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/notebook/pkg/guard"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func newTestStager(t *testing.T, limits guard.Limits) (*Stager, Paths) {
	t.Helper()
	paths := Paths{DataDir: t.TempDir()}
	return NewStager(StageConfig{Paths: paths, Guard: guard.New(limits, nil)}), paths
}

func TestStage_CopiesAndFilters(t *testing.T) {
	s, paths := newTestStager(t, guard.Limits{MaxCodeFileBytes: 1024})
	src := s.StagingPath("proj")
	writeTree(t, src, map[string]string{
		"app.py":                  "print(1)\n",
		"docs/guide.md":           "# Guide\n",
		"data/rows.csv":           "a,b\n1,2\n",
		".git/HEAD":               "ref: refs/heads/main\n",
		"node_modules/x/index.js": "module.exports = 1\n",
		".env":                    "SECRET=1\n",
		"keys/server.pem":         "-----BEGIN-----\n",
		"logs/app.log":            "boot\n",
		"big.go":                  strings.Repeat("a", 2048),
		"notes.bak":               "old\n",
		"src/__pycache__/app.pyc": "\x00",
		".idea/workspace.xml":     "<x/>",
		"local.sqlite":            "SQLite format 3",
	})
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("top secret"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(src, "link.txt")))

	res, err := s.Stage(context.Background(), "proj", src)
	require.NoError(t, err)

	var rels []string
	for _, f := range res.Files {
		rels = append(rels, f.Path)
		assert.True(t, strings.HasPrefix(f.FullPath, res.RootPath), f.FullPath)
	}
	assert.Equal(t, []string{"app.py", "data/rows.csv", "docs/guide.md"}, rels)
	assert.Equal(t, 1, res.SkipReasons["symlink"])
	assert.Equal(t, 1, res.SkipReasons["too_large"])
	assert.Positive(t, res.SkipReasons["ignored"]+res.SkipReasons["ignored_dir"])

	ws := paths.WorkspaceDir("proj")
	assert.FileExists(t, filepath.Join(ws, "docs", "guide.md"))
	assert.NoFileExists(t, filepath.Join(ws, "link.txt"))
	assert.NoFileExists(t, filepath.Join(ws, ".env"))
	got, err := os.ReadFile(filepath.Join(ws, "app.py"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)\n", string(got))
}

func TestStage_RejectsForeignPaths(t *testing.T) {
	s, paths := newTestStager(t, guard.Limits{})
	other := paths.StagingDir("other")
	writeTree(t, other, map[string]string{"a.py": "x\n"})
	writeTree(t, s.StagingPath("proj"), map[string]string{"a.py": "x\n"})

	for _, source := range []string{
		other,
		t.TempDir(),
		s.StagingPath("proj") + "/..",
		filepath.Join(s.StagingPath("proj"), "sub"),
		"/etc",
	} {
		_, err := s.Stage(context.Background(), "proj", source)
		assert.ErrorIs(t, err, ErrInvalidStagingPath, source)
	}

	// Equivalent spellings of the staging path are accepted.
	_, err := s.Stage(context.Background(), "proj", s.StagingPath("proj")+"/./")
	assert.NoError(t, err)
}

func TestStage_RepoBounds(t *testing.T) {
	s, _ := newTestStager(t, guard.Limits{MaxRepoDepth: 2})
	writeTree(t, s.StagingPath("proj"), map[string]string{"a/b/c/deep.py": "x\n"})

	_, err := s.Stage(context.Background(), "proj", s.StagingPath("proj"))
	assert.ErrorIs(t, err, guard.ErrRepoLimitExceeded)
}

func TestStage_UserExcludes(t *testing.T) {
	paths := Paths{DataDir: t.TempDir()}
	s := NewStager(StageConfig{Paths: paths, Guard: guard.New(guard.Limits{}, nil), Excludes: []string{"**/*_test.go"}})
	writeTree(t, s.StagingPath("proj"), map[string]string{"a.go": "package a\n", "a_test.go": "package a\n"})

	res, err := s.Stage(context.Background(), "proj", s.StagingPath("proj"))
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "a.go", res.Files[0].Path)
}

func TestContainedPath(t *testing.T) {
	root := t.TempDir()
	p, err := containedPath(root, "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "b.txt"), p)

	for _, rel := range []string{"../escape.txt", "a/../../escape.txt", "/etc/passwd"} {
		_, err := containedPath(root, rel)
		assert.ErrorIs(t, err, ErrPathTraversal, rel)
	}
}

func TestValidateProjectID(t *testing.T) {
	for _, ok := range []string{"proj", "my-project_1", "a.b", "A"} {
		assert.NoError(t, ValidateProjectID(ok), ok)
	}
	for _, bad := range []string{"", ".", "..", "../x", "a/b", "-x", strings.Repeat("a", 129), "a b"} {
		assert.ErrorIs(t, ValidateProjectID(bad), ErrInvalidProjectID, bad)
	}
}

func TestCombine(t *testing.T) {
	a := newLoadResult("/ws")
	a.Remote, a.Commit = "https://github.com/o/r", "abc"
	a.add(FileInfo{Path: "b.py", Size: 10, Language: "python"})
	a.add(FileInfo{Path: "a.md", Size: 5})
	a.SkipReasons["too_large"] = 1

	b := newLoadResult("/ws")
	b.add(FileInfo{Path: "b.py", Size: 12, Language: "python"})
	b.add(FileInfo{Path: "c.go", Size: 3, Language: "go"})

	got := Combine(a, nil, b)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.FileCount)
	assert.EqualValues(t, 12+5+3, got.TotalSize)
	assert.Equal(t, map[string]int{"python": 1, "go": 1}, got.Languages)
	assert.Equal(t, "abc", got.Commit)
	assert.Equal(t, "a.md", got.Files[0].Path)
	assert.Nil(t, Combine())
}

func TestCombine_BoundsApplyToUnion(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.py": "a\n", "b.py": "b\n", "c.md": "c\n"})
	g := guard.New(guard.Limits{MaxRepoFiles: 2}, nil)

	cloned := newLoadResult(root)
	cloned.add(FileInfo{Path: "a.py", FullPath: filepath.Join(root, "a.py"), Size: 2})
	cloned.add(FileInfo{Path: "b.py", FullPath: filepath.Join(root, "b.py"), Size: 2})
	staged := newLoadResult(root)
	staged.add(FileInfo{Path: "c.md", FullPath: filepath.Join(root, "c.md"), Size: 2})
	require.NoError(t, cloned.CheckBounds(g))
	require.NoError(t, staged.CheckBounds(g))

	err := Combine(cloned, staged).CheckBounds(g)
	require.ErrorIs(t, err, guard.ErrRepoLimitExceeded)
	assert.Contains(t, err.Error(), "repository bounds")

	// A staged file that replaces a cloned one does not count twice.
	replaced := newLoadResult(root)
	replaced.add(FileInfo{Path: "a.py", FullPath: filepath.Join(root, "a.py"), Size: 2})
	assert.NoError(t, Combine(cloned, replaced).CheckBounds(g))
}
