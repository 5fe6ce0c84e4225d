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

// Package output writes machine-readable command results.
//
// Every command that accepts --json sends its result through JSON so the
// shape and indentation are identical across commands:
//
//	nb, err := svc.GetProjectNotebook(ctx, id)
//	if err != nil {
//	    return err
//	}
//	return output.JSON(os.Stdout, nb)
package output

import (
	"encoding/json"
	"fmt"
	"io"
)

// JSON writes v to w with two-space indentation and a trailing newline.
// HTML characters are not escaped so paths and snippets stay readable.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

// JSONLines writes each element of items as one compact JSON line.
func JSONLines[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("encode json line %d: %w", i, err)
		}
	}
	return nil
}
