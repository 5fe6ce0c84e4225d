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
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kraklabs/notebook/pkg/guard"
)

// LoadResult describes the files an ingestion source materialized in a
// project workspace.
type LoadResult struct {
	RootPath    string // Absolute path to the workspace root
	Files       []FileInfo
	FileCount   int
	TotalSize   int64
	Languages   map[string]int // Language -> file count
	SkipReasons map[string]int // Reason -> count (e.g., "ignored", "too_large", "symlink")

	// Remote and Commit are set for cloned repositories.
	Remote string
	Branch string
	Commit string
}

// FileInfo represents a file in the workspace.
type FileInfo struct {
	Path     string // Relative path from the workspace root, slash separated
	FullPath string // Absolute path
	Size     int64
	Language string // Detected from extension
}

func newLoadResult(root string) *LoadResult {
	return &LoadResult{
		RootPath:    root,
		Languages:   make(map[string]int),
		SkipReasons: make(map[string]int),
	}
}

func (r *LoadResult) add(f FileInfo) {
	r.Files = append(r.Files, f)
	r.FileCount++
	r.TotalSize += f.Size
	if f.Language != "" {
		r.Languages[f.Language]++
	}
}

// CheckBounds applies the guard's repository bounds to the whole file set.
func (r *LoadResult) CheckBounds(g *guard.Guard) error {
	if err := g.CheckRepoBounds(r.fullPaths(), r.RootPath); err != nil {
		return fmt.Errorf("repository bounds: %w", err)
	}
	return nil
}

func (r *LoadResult) fullPaths() []string {
	out := make([]string, len(r.Files))
	for i, f := range r.Files {
		out[i] = f.FullPath
	}
	return out
}

func (r *LoadResult) sortFiles() {
	sort.Slice(r.Files, func(i, j int) bool { return r.Files[i].Path < r.Files[j].Path })
}

// Combine merges results that share a workspace. A file present in more
// than one result is kept once, from the later result.
func Combine(results ...*LoadResult) *LoadResult {
	var out *LoadResult
	index := make(map[string]int)
	for _, r := range results {
		if r == nil {
			continue
		}
		if out == nil {
			out = newLoadResult(r.RootPath)
		}
		if r.Remote != "" {
			out.Remote, out.Branch, out.Commit = r.Remote, r.Branch, r.Commit
		}
		for reason, n := range r.SkipReasons {
			out.SkipReasons[reason] += n
		}
		for _, f := range r.Files {
			if i, ok := index[f.Path]; ok {
				out.Files[i] = f
				continue
			}
			index[f.Path] = len(out.Files)
			out.Files = append(out.Files, f)
		}
	}
	if out == nil {
		return nil
	}
	files := out.Files
	out.Files, out.FileCount, out.TotalSize = nil, 0, 0
	out.Languages = make(map[string]int)
	for _, f := range files {
		out.add(f)
	}
	out.sortFiles()
	return out
}

// DetectLanguage returns the programming language for a file extension, or
// "" when the extension is not source code.
func DetectLanguage(path string) string {
	return detectLanguageFromPath(path)
}

var languageByExt = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "tsx",
	".java":  "java",
	".rs":    "rust",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".c":     "c",
	".h":     "c",
	".cs":    "csharp",
	".rb":    "ruby",
	".php":   "php",
	".swift": "swift",
	".kt":    "kotlin",
	".scala": "scala",
	".sh":    "bash",
	".proto": "protobuf",
}

func detectLanguageFromPath(path string) string {
	return languageByExt[strings.ToLower(filepath.Ext(path))]
}
