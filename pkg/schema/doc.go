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

// Package schema loads the field registry and categorizes analyzer output.
//
// Every field identifier an analyzer may emit is declared in a YAML schema
// under exactly one of twelve categories, together with its value shape.
// The schema is parsed once into an immutable lookup; [Categorizer] uses it
// to drop unknown identifiers and to group the rest per category:
//
//	s, err := schema.Default()
//	if err != nil {
//		return err
//	}
//	c := schema.NewCategorizer(s, logger)
//	structure := c.Categorize(out1, "structure", "main.py")
//	security := c.Categorize(out2, "security", "main.py")
//	fields := schema.Merge(structure, security)
package schema
