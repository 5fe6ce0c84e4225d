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

// Package bootstrap builds the process Runtime.
//
// Initializer.Runtime performs, once per process:
//
//  1. Creates the data directory
//  2. Loads and validates the notebook schema
//  3. Builds the network policy
//  4. Opens the snapshot store and creates its table
//  5. Checks for a compatible semgrep
//  6. Registers the structure, security, text and tabular analyzers
//
// Typical use:
//
//	init := bootstrap.NewInitializer(cfg, logger)
//	rt, err := init.Runtime(ctx)
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//	svc := pipeline.NewService(rt)
//
// Concurrent callers wait for the first attempt. If it fails, nothing is
// cached and the next call tries again.
package bootstrap
