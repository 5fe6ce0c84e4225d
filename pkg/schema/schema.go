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
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category is one of the twelve snapshot categories.
type Category string

const (
	FileMetadata Category = "file_metadata"
	Imports      Category = "imports"
	Exports      Category = "exports"
	Functions    Category = "functions"
	Classes      Category = "classes"
	Connections  Category = "connections"
	RepoMetadata Category = "repo_metadata"
	Security     Category = "security"
	Quality      Category = "quality"
	DocMetadata  Category = "doc_metadata"
	DocContent   Category = "doc_content"
	DocAnalysis  Category = "doc_analysis"
)

// Categories lists all categories in canonical order.
var Categories = []Category{
	FileMetadata, Imports, Exports, Functions, Classes, Connections,
	RepoMetadata, Security, Quality, DocMetadata, DocContent, DocAnalysis,
}

var categoryIndex = func() map[Category]int {
	m := make(map[Category]int, len(Categories))
	for i, c := range Categories {
		m[c] = i
	}
	return m
}()

// Valid reports whether c is one of the twelve categories.
func (c Category) Valid() bool {
	_, ok := categoryIndex[c]
	return ok
}

// Order returns the canonical position of c, or -1.
func (c Category) Order() int {
	if i, ok := categoryIndex[c]; ok {
		return i
	}
	return -1
}

// ErrInvalidSchema wraps every schema validation failure.
var ErrInvalidSchema = errors.New("invalid schema")

// FieldSpec declares one field identifier.
type FieldSpec struct {
	ID        string   `yaml:"field_id"`
	Category  Category `yaml:"-"`
	ValueType string   `yaml:"value_type"`
	Multi     bool     `yaml:"multi"`
	Required  bool     `yaml:"required"`
}

// IsList reports whether values of this field are stored as lists.
func (f FieldSpec) IsList() bool {
	return f.Multi || strings.HasSuffix(f.ValueType, "_list")
}

// Schema is the immutable lookup built from the schema document.
type Schema struct {
	id           string
	fields       map[string]FieldSpec
	byCategory   map[Category][]FieldSpec
	alwaysCreate map[Category]bool
}

type document struct {
	SchemaID     string                 `yaml:"schema_id"`
	AlwaysCreate []string               `yaml:"always_create"`
	Registry     map[string][]FieldSpec `yaml:"field_id_registry"`
}

//go:embed default_schema.yaml
var defaultSchema []byte

// Default returns the schema shipped with the module.
func Default() (*Schema, error) {
	return Parse(defaultSchema)
}

// Load reads and validates the schema document at path.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", path, err)
	}
	return s, nil
}

// Parse validates a schema document.
func Parse(data []byte) (*Schema, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if len(doc.Registry) == 0 {
		return nil, fmt.Errorf("%w: field_id_registry is empty", ErrInvalidSchema)
	}

	s := &Schema{
		id:           doc.SchemaID,
		fields:       make(map[string]FieldSpec),
		byCategory:   make(map[Category][]FieldSpec),
		alwaysCreate: make(map[Category]bool),
	}
	if s.id == "" {
		s.id = "notebook_schema"
	}

	for name, specs := range doc.Registry {
		cat := Category(name)
		if !cat.Valid() {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidSchema, name)
		}
		for _, spec := range specs {
			spec.ID = strings.TrimSpace(spec.ID)
			if spec.ID == "" {
				return nil, fmt.Errorf("%w: empty field_id in category %s", ErrInvalidSchema, name)
			}
			if prev, dup := s.fields[spec.ID]; dup {
				return nil, fmt.Errorf("%w: field_id %s declared in %s and %s", ErrInvalidSchema, spec.ID, prev.Category, cat)
			}
			if spec.ValueType == "" {
				spec.ValueType = "string"
			}
			spec.Category = cat
			s.fields[spec.ID] = spec
			s.byCategory[cat] = append(s.byCategory[cat], spec)
		}
	}
	for cat := range s.byCategory {
		sort.Slice(s.byCategory[cat], func(i, j int) bool {
			return s.byCategory[cat][i].ID < s.byCategory[cat][j].ID
		})
	}

	for _, name := range doc.AlwaysCreate {
		cat := Category(name)
		if !cat.Valid() {
			return nil, fmt.Errorf("%w: always_create names unknown category %q", ErrInvalidSchema, name)
		}
		s.alwaysCreate[cat] = true
	}
	return s, nil
}

// ID returns the schema identifier.
func (s *Schema) ID() string { return s.id }

// Field looks up a field identifier.
func (s *Schema) Field(id string) (FieldSpec, bool) {
	f, ok := s.fields[id]
	return f, ok
}

// Fields returns the fields of a category sorted by identifier.
func (s *Schema) Fields(c Category) []FieldSpec {
	return append([]FieldSpec(nil), s.byCategory[c]...)
}

// FieldCount returns the number of declared identifiers.
func (s *Schema) FieldCount() int { return len(s.fields) }

// AlwaysCreate reports whether a snapshot of c is written even when empty.
func (s *Schema) AlwaysCreate(c Category) bool { return s.alwaysCreate[c] }

// Contains reports whether every key of fields is declared under c.
func (s *Schema) Contains(c Category, fields map[string]any) bool {
	for id := range fields {
		f, ok := s.fields[id]
		if !ok || f.Category != c {
			return false
		}
	}
	return true
}
