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
	"path/filepath"
	"sort"
	"strings"
)

// MediaClass is the coarse file class that selects analyzers.
type MediaClass string

const (
	MediaCode     MediaClass = "code"
	MediaDocument MediaClass = "document"
	MediaTabular  MediaClass = "tabular"
)

// Analyzer names assigned by the router.
const (
	ParserStructure = "structure"
	ParserSecurity  = "security"
	ParserText      = "text"
	ParserTabular   = "tabular"
)

var codeExtensions = map[string]bool{
	".py":    true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".java":  true, ".go": true, ".rs": true, ".cpp": true, ".c": true,
	".cs":    true, ".rb": true, ".php": true, ".swift": true, ".kt": true,
	".scala": true,
}

var documentExtensions = map[string]bool{
	".pdf": true, ".txt": true, ".md": true, ".docx": true, ".html": true, ".rtf": true,
}

var tabularExtensions = map[string]bool{
	".csv": true, ".tsv": true,
}

// Route is the routing decision for one file.
type Route struct {
	Path       string // relative, slash separated
	FullPath   string
	Parsers    []string
	MediaClass MediaClass
	Extension  string // lower case, without the dot
	Language   string
}

// RouteFile returns the analyzers for path, or false when its extension is
// not supported.
func RouteFile(path string) (Route, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	r := Route{Path: path, Extension: strings.TrimPrefix(ext, ".")}
	switch {
	case codeExtensions[ext]:
		r.Parsers = []string{ParserStructure, ParserSecurity}
		r.MediaClass = MediaCode
		r.Language = detectLanguageFromPath(path)
	case documentExtensions[ext]:
		r.Parsers = []string{ParserText}
		r.MediaClass = MediaDocument
		r.Language = r.Extension
	case tabularExtensions[ext]:
		r.Parsers = []string{ParserTabular}
		r.MediaClass = MediaTabular
		r.Language = r.Extension
	default:
		return Route{}, false
	}
	return r, true
}

// RouteAll routes files and returns the routes together with how many files
// were skipped as unsupported.
func RouteAll(files []FileInfo) ([]Route, int) {
	routes := make([]Route, 0, len(files))
	skipped := 0
	for _, f := range files {
		r, ok := RouteFile(f.Path)
		if !ok {
			skipped++
			continue
		}
		r.FullPath = f.FullPath
		routes = append(routes, r)
	}
	return routes, skipped
}

// SupportedExtensions lists the routed extensions per media class.
func SupportedExtensions() map[MediaClass][]string {
	collect := func(m map[string]bool) []string {
		out := make([]string, 0, len(m))
		for ext := range m {
			out = append(out, ext)
		}
		sort.Strings(out)
		return out
	}
	return map[MediaClass][]string{
		MediaCode:     collect(codeExtensions),
		MediaDocument: collect(documentExtensions),
		MediaTabular:  collect(tabularExtensions),
	}
}
