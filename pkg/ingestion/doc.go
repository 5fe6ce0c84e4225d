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

// Package ingestion brings project files into a workspace and routes them
// to analyzers.
//
// # Sources
//
// A project is fed from a remote git repository, a local staging
// directory, or both:
//
//   - Cloner.Clone performs a shallow clone into <data>/projects/<id>/repo.
//     The remote is checked by the network policy before git runs, the
//     clone is retried on transient failures, hooks are removed and
//     symlinks deleted. A failed clone never leaves a partial directory.
//   - Stager.Stage copies <data>/uploads/<id> into the same workspace,
//     skipping symlinks and everything matched by DefaultIgnore.
//
// Both sources return a *LoadResult; Combine merges them when a project
// uses both. Every file is bounded by the resource guard on the way in,
// and the resulting set must pass the repository bounds.
//
// # Routing
//
// RouteFile maps an extension to a media class and the analyzers that
// handle it:
//
//	code       .py .ts .tsx .js .jsx .java .go .rs .cpp .c .cs .rb .php .swift .kt .scala
//	           → structure, security
//	document   .pdf .txt .md .docx .html .rtf → text
//	tabular    .csv .tsv → tabular
//
// Anything else is skipped.
//
// # Exclusion Patterns
//
// Ignore and exclude lists use glob syntax with ** for any number of
// directories:
//
//	node_modules/**   the directory and everything below it
//	**/*_test.go      test files at any depth
//	*.pem             a file name anywhere in the tree
//	/build/**         build at the workspace root only
//
// A pattern that matches a directory ignores everything below it.
package ingestion
