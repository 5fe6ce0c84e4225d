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

// Package analyzer extracts schema fields from individual files.
//
// Each Analyzer returns a flat map of field id to value. Field ids are
// the ones declared in the notebook schema; ids the schema does not know
// are dropped later by the categorizer.
//
//   - StructureAnalyzer parses code with Tree-sitter (code.file, imports,
//     exports, functions, classes, connections).
//   - SecurityAnalyzer runs semgrep when a compatible version is installed
//     and always scans comments for TODO and deprecation markers.
//   - TextAnalyzer reads PDF, HTML, DOCX, RTF, markdown and plain text and
//     derives the doc.* fields heuristically.
//   - TabularAnalyzer keeps CSV and TSV tables intact under the guard's caps.
//
// Registry.RunAll runs the analyzers chosen by the router for one file,
// each under its own timeout. A failing analyzer does not stop the others.
package analyzer
