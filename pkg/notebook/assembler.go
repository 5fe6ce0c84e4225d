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

package notebook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"github.com/kraklabs/notebook/pkg/schema"
	"github.com/kraklabs/notebook/pkg/storage"
)

// FileNotebook is every category stored for one file.
type FileNotebook struct {
	ProjectID  string                  `json:"project_id"`
	SourceFile string                  `json:"source_file"`
	Categories map[string]FileCategory `json:"categories"`
}

// FileCategory is one snapshot inside a FileNotebook.
type FileCategory struct {
	SnapshotID string         `json:"snapshot_id"`
	Fields     map[string]any `json:"fields"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ProjectNotebook groups all of a project's snapshots by category and by
// file. It is derived entirely from one fetch of the store.
type ProjectNotebook struct {
	ProjectID  string                     `json:"project_id"`
	SchemaID   string                     `json:"schema_id"`
	ByCategory map[string][]CategoryEntry `json:"by_category"`
	ByFile     map[string][]FileEntry     `json:"by_file"`
	Summary    Summary                    `json:"summary"`
	Coverage   Coverage                   `json:"coverage"`
}

// CategoryEntry is one file's snapshot under a category.
type CategoryEntry struct {
	File       string         `json:"file"`
	SnapshotID string         `json:"snapshot_id"`
	Fields     map[string]any `json:"fields"`
}

// FileEntry is one category's snapshot under a file.
type FileEntry struct {
	Category   string         `json:"category"`
	SnapshotID string         `json:"snapshot_id"`
	Fields     map[string]any `json:"fields"`
}

// Summary counts are recomputed on every assembly.
type Summary struct {
	TotalSnapshots int            `json:"total_snapshots"`
	TotalFiles     int            `json:"total_files"`
	ByCategory     map[string]int `json:"by_category"`
}

// Coverage lists schema fields that hold a value somewhere in the project,
// in schema order.
type Coverage struct {
	FilledFieldIDs  []string `json:"filled_field_ids"`
	MissingFieldIDs []string `json:"missing_field_ids"`
}

// SnapshotStats is a lightweight rollup of a project's snapshots.
type SnapshotStats struct {
	ProjectID      string         `json:"project_id"`
	TotalSnapshots int            `json:"total_snapshots"`
	ByCategory     map[string]int `json:"by_category"`
	ByFile         map[string]int `json:"by_file"`
	ApproxBytes    int64          `json:"approx_bytes"`
}

// Assembler builds read views over the snapshot store.
type Assembler struct {
	store  storage.Store
	schema *schema.Schema
	logger *slog.Logger
}

// NewAssembler creates an Assembler.
func NewAssembler(store storage.Store, s *schema.Schema, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{store: store, schema: s, logger: logger}
}

// FileNotebook returns all categories stored for sourceFile. A file with
// no snapshots yields storage.ErrNotFound.
func (a *Assembler) FileNotebook(ctx context.Context, projectID, sourceFile string) (*FileNotebook, error) {
	recs, err := a.store.ListByFile(ctx, projectID, sourceFile)
	if err != nil {
		return nil, fmt.Errorf("list file snapshots: %w", err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: no snapshots for %s in %s", storage.ErrNotFound, sourceFile, projectID)
	}
	nb := &FileNotebook{
		ProjectID:  projectID,
		SourceFile: sourceFile,
		Categories: make(map[string]FileCategory, len(recs)),
	}
	for _, r := range recs {
		nb.Categories[string(r.Category)] = FileCategory{
			SnapshotID: r.ID,
			Fields:     r.Fields,
			CreatedAt:  r.CreatedAt,
		}
	}
	return nb, nil
}

// ProjectNotebook assembles the project view. A project without snapshots
// yields an empty notebook, not an error.
func (a *Assembler) ProjectNotebook(ctx context.Context, projectID string) (*ProjectNotebook, error) {
	recs, err := a.store.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project snapshots: %w", err)
	}
	nb := assemble(projectID, a.schema, recs)
	a.logger.Info("notebook.assembled",
		"project_id", projectID,
		"snapshots", nb.Summary.TotalSnapshots,
		"files", nb.Summary.TotalFiles,
		"filled_fields", len(nb.Coverage.FilledFieldIDs),
		"missing_fields", len(nb.Coverage.MissingFieldIDs),
	)
	return nb, nil
}

func assemble(projectID string, s *schema.Schema, recs []storage.Record) *ProjectNotebook {
	nb := &ProjectNotebook{
		ProjectID:  projectID,
		SchemaID:   s.ID(),
		ByCategory: map[string][]CategoryEntry{},
		ByFile:     map[string][]FileEntry{},
		Summary:    Summary{ByCategory: map[string]int{}},
	}
	filled := map[string]bool{}
	for _, r := range recs {
		cat := string(r.Category)
		nb.ByCategory[cat] = append(nb.ByCategory[cat], CategoryEntry{File: r.SourceFile, SnapshotID: r.ID, Fields: r.Fields})
		nb.ByFile[r.SourceFile] = append(nb.ByFile[r.SourceFile], FileEntry{Category: cat, SnapshotID: r.ID, Fields: r.Fields})
		for id, v := range r.Fields {
			if hasValue(v) {
				filled[id] = true
			}
		}
	}
	for cat, entries := range nb.ByCategory {
		sort.Slice(entries, func(i, j int) bool { return entries[i].File < entries[j].File })
		nb.Summary.ByCategory[cat] = len(entries)
		nb.Summary.TotalSnapshots += len(entries)
	}
	for _, entries := range nb.ByFile {
		sort.Slice(entries, func(i, j int) bool {
			return schema.Category(entries[i].Category).Order() < schema.Category(entries[j].Category).Order()
		})
	}
	nb.Summary.TotalFiles = len(nb.ByFile)

	nb.Coverage = Coverage{FilledFieldIDs: []string{}, MissingFieldIDs: []string{}}
	for _, c := range schema.Categories {
		for _, f := range s.Fields(c) {
			if filled[f.ID] {
				nb.Coverage.FilledFieldIDs = append(nb.Coverage.FilledFieldIDs, f.ID)
			} else {
				nb.Coverage.MissingFieldIDs = append(nb.Coverage.MissingFieldIDs, f.ID)
			}
		}
	}
	return nb
}

// hasValue treats nil, empty strings and empty collections as unset.
func hasValue(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

// Stats counts a project's snapshots and estimates their stored size.
func (a *Assembler) Stats(ctx context.Context, projectID string) (*SnapshotStats, error) {
	recs, err := a.store.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project snapshots: %w", err)
	}
	st := &SnapshotStats{
		ProjectID:      projectID,
		TotalSnapshots: len(recs),
		ByCategory:     map[string]int{},
		ByFile:         map[string]int{},
	}
	for _, r := range recs {
		st.ByCategory[string(r.Category)]++
		st.ByFile[r.SourceFile]++
		if data, err := json.Marshal(r.Fields); err == nil {
			st.ApproxBytes += int64(len(data))
		}
	}
	return st, nil
}
