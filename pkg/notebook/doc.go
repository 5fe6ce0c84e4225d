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

// Package notebook stores categorized analyzer fields as snapshots and
// assembles them back into notebooks.
//
// # Writing
//
// Builder.CreateSnapshots writes one snapshot per (file, category). A
// category is written when it holds at least one field or when the schema
// lists it under always_create. Re-processing a file overwrites its
// snapshots in place, keeping their ids.
//
// Each snapshot is checked against the guard before it is stored: a file
// producing more categories than MaxSnapshotsPerFile is rejected as a
// whole, and a single category larger than MaxSnapshotBytes is dropped
// while the rest of the file is still written.
//
// # Reading
//
// Assembler.ProjectNotebook groups every snapshot of a project by category
// and by file and reports schema coverage. Counts come from the same fetch
// as the groupings, and every list is sorted, so two reads over unchanged
// data encode to identical JSON.
package notebook
