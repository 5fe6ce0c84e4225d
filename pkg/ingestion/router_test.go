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
	"testing"
)

func TestRouteFile(t *testing.T) {
	tests := []struct {
		path    string
		ok      bool
		class   MediaClass
		parsers []string
		lang    string
	}{
		{"src/main.py", true, MediaCode, []string{ParserStructure, ParserSecurity}, "python"},
		{"web/App.TSX", true, MediaCode, []string{ParserStructure, ParserSecurity}, "tsx"},
		{"lib.rs", true, MediaCode, []string{ParserStructure, ParserSecurity}, "rust"},
		{"Main.kt", true, MediaCode, []string{ParserStructure, ParserSecurity}, "kotlin"},
		{"docs/spec.pdf", true, MediaDocument, []string{ParserText}, "pdf"},
		{"README.md", true, MediaDocument, []string{ParserText}, "md"},
		{"index.html", true, MediaDocument, []string{ParserText}, "html"},
		{"letter.docx", true, MediaDocument, []string{ParserText}, "docx"},
		{"data/sales.csv", true, MediaTabular, []string{ParserTabular}, "csv"},
		{"data/sales.tsv", true, MediaTabular, []string{ParserTabular}, "tsv"},
		{"go.mod", false, "", nil, ""},
		{"image.png", false, "", nil, ""},
		{"Makefile", false, "", nil, ""},
		{"header.h", false, "", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r, ok := RouteFile(tt.path)
			if ok != tt.ok {
				t.Fatalf("RouteFile(%q) ok = %v, want %v", tt.path, ok, tt.ok)
			}
			if !ok {
				return
			}
			if r.MediaClass != tt.class {
				t.Errorf("media class = %s, want %s", r.MediaClass, tt.class)
			}
			if len(r.Parsers) != len(tt.parsers) {
				t.Fatalf("parsers = %v, want %v", r.Parsers, tt.parsers)
			}
			for i := range r.Parsers {
				if r.Parsers[i] != tt.parsers[i] {
					t.Errorf("parsers = %v, want %v", r.Parsers, tt.parsers)
				}
			}
			if r.Language != tt.lang {
				t.Errorf("language = %q, want %q", r.Language, tt.lang)
			}
		})
	}
}

func TestRouteAll(t *testing.T) {
	files := []FileInfo{
		{Path: "a.py", FullPath: "/ws/a.py"},
		{Path: "b.bin", FullPath: "/ws/b.bin"},
		{Path: "c.csv", FullPath: "/ws/c.csv"},
		{Path: "LICENSE", FullPath: "/ws/LICENSE"},
	}
	routes, skipped := RouteAll(files)
	if skipped != 2 {
		t.Errorf("skipped = %d, want 2", skipped)
	}
	if len(routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(routes))
	}
	if routes[0].FullPath != "/ws/a.py" || routes[1].Extension != "csv" {
		t.Errorf("unexpected routes: %+v", routes)
	}
}

func TestSupportedExtensions(t *testing.T) {
	exts := SupportedExtensions()
	if len(exts[MediaCode]) != 16 {
		t.Errorf("code extensions = %d, want 16", len(exts[MediaCode]))
	}
	if len(exts[MediaDocument]) != 6 || len(exts[MediaTabular]) != 2 {
		t.Errorf("unexpected extension table: %v", exts)
	}
}
