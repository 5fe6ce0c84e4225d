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

package schema

import (
	"log/slog"
	"reflect"
	"sync/atomic"
)

// Categorized maps each non-empty category to its field values.
type Categorized map[Category]map[string]any

// Categories returns the populated categories in canonical order.
func (c Categorized) Categories() []Category {
	out := make([]Category, 0, len(c))
	for _, cat := range Categories {
		if len(c[cat]) > 0 {
			out = append(out, cat)
		}
	}
	return out
}

// FieldCount returns the number of fields across all categories.
func (c Categorized) FieldCount() int {
	n := 0
	for _, fields := range c {
		n += len(fields)
	}
	return n
}

// Categorizer places analyzer output under the categories declared by a
// Schema. It is safe for concurrent use.
type Categorizer struct {
	schema   *Schema
	logger   *slog.Logger
	rejected atomic.Int64
	onReject func(analyzer, fieldID string)
}

// CategorizerOption customizes a Categorizer.
type CategorizerOption func(*Categorizer)

// WithRejectHook registers fn to be called for every unknown field id.
func WithRejectHook(fn func(analyzer, fieldID string)) CategorizerOption {
	return func(c *Categorizer) { c.onReject = fn }
}

// NewCategorizer creates a Categorizer for s.
func NewCategorizer(s *Schema, logger *slog.Logger, opts ...CategorizerOption) *Categorizer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Categorizer{schema: s, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Schema returns the schema the categorizer validates against.
func (c *Categorizer) Schema() *Schema { return c.schema }

// Rejected returns how many field ids were discarded so far.
func (c *Categorizer) Rejected() int64 { return c.rejected.Load() }

// Categorize validates every field id in output. Unknown ids are logged
// and dropped; known ids are shaped and grouped under their category.
// Categories without fields are absent from the result.
func (c *Categorizer) Categorize(output map[string]any, analyzer, sourceFile string) Categorized {
	result := make(Categorized)
	for id, value := range output {
		spec, ok := c.schema.Field(id)
		if !ok {
			c.rejected.Add(1)
			c.logger.Info("categorizer.field.rejected",
				"field_id", id,
				"analyzer", analyzer,
				"file", sourceFile,
			)
			if c.onReject != nil {
				c.onReject(analyzer, id)
			}
			continue
		}
		fields := result[spec.Category]
		if fields == nil {
			fields = make(map[string]any)
			result[spec.Category] = fields
		}
		fields[id] = shapeValue(spec, value)
	}
	return result
}

// Merge folds categorized outputs for one file. For the same field id the
// value from the later part wins.
func Merge(parts ...Categorized) Categorized {
	merged := make(Categorized)
	for _, part := range parts {
		for cat, fields := range part {
			if len(fields) == 0 {
				continue
			}
			dst := merged[cat]
			if dst == nil {
				dst = make(map[string]any, len(fields))
				merged[cat] = dst
			}
			for id, v := range fields {
				dst[id] = v
			}
		}
	}
	return merged
}

// shapeValue turns multi-valued fields into []any and leaves scalars as is.
func shapeValue(spec FieldSpec, v any) any {
	if !spec.IsList() {
		return v
	}
	if v == nil {
		return []any{}
	}
	if list, ok := v.([]any); ok {
		return list
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		// []byte is a scalar blob, not a list of numbers.
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return []any{v}
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{v}
}
