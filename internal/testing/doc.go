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

// Package testing provides shared helpers for notebook tests.
//
// # Quick Start
//
// Use SetupTestStore for an in-memory snapshot store:
//
//	func TestMyFeature(t *testing.T) {
//	    store := testing.SetupTestStore(t)
//	    testing.InsertTestSnapshot(t, store, "p1", "main.py", schema.Functions,
//	        map[string]any{"code.functions.count": 2})
//
//	    recs := testing.QuerySnapshots(t, store, "p1")
//	    require.Len(t, recs, 1)
//	}
//
// # Fixtures
//
//   - WriteTree: materialize a file tree under a temp directory
//   - TestConfig: default configuration rooted in t.TempDir()
//
// # Fakes
//
// Tests never touch the network or spawn real processes:
//   - ForbiddenRunner fails the test on any subprocess
//   - RecordingRunner records invocations and answers with a callback
//   - StaticResolver answers DNS lookups from a table
package testing
