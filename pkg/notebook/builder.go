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
	"errors"
	"fmt"
	"log/slog"

	"github.com/kraklabs/notebook/pkg/guard"
	"github.com/kraklabs/notebook/pkg/schema"
	"github.com/kraklabs/notebook/pkg/storage"
)

// ErrSnapshotRejected marks categories the guard refused to store.
var ErrSnapshotRejected = errors.New("snapshot rejected")

// Builder turns categorized fields into stored snapshots.
type Builder struct {
	store  storage.Store
	schema *schema.Schema
	guard  *guard.Guard
	logger *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(store storage.Store, s *schema.Schema, g *guard.Guard, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: store, schema: s, guard: g, logger: logger}
}

// BuildResult accounts for one CreateSnapshots call.
type BuildResult struct {
	Records   []storage.Record
	Attempted int
	Created   int
	Updated   int
	Failed    int
	Rejected  int
	// Types counts stored records per category.
	Types map[schema.Category]int
}

// CreateSnapshots upserts one snapshot per non-empty category of fields,
// plus any category the schema marks always_create. Categories are written
// in canonical order. A category that fails or is rejected does not stop
// the others; the returned error joins every per-category failure.
func (b *Builder) CreateSnapshots(ctx context.Context, projectID, sourceFile string, fields schema.Categorized, analyzers []string) (BuildResult, error) {
	res := BuildResult{Types: map[schema.Category]int{}}

	var cats []schema.Category
	for _, c := range schema.Categories {
		if len(fields[c]) > 0 || b.schema.AlwaysCreate(c) {
			cats = append(cats, c)
		}
	}
	res.Attempted = len(cats)
	if len(cats) == 0 {
		return res, nil
	}
	if err := b.guard.CheckSnapshotCount(len(cats)); err != nil {
		res.Rejected = len(cats)
		b.logger.Warn("snapshot.rejected", "project_id", projectID, "source_file", sourceFile, "err", err)
		return res, fmt.Errorf("%w: %w", ErrSnapshotRejected, err)
	}

	var errs []error
	for _, c := range cats {
		values := fields[c]
		if values == nil {
			values = map[string]any{}
		}
		data, err := json.Marshal(values)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("encode %s: %w", c, err))
			continue
		}
		if err := b.guard.CheckSnapshotSize(int64(len(data))); err != nil {
			res.Rejected++
			b.logger.Warn("snapshot.rejected",
				"project_id", projectID,
				"source_file", sourceFile,
				"category", c,
				"err", err,
			)
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrSnapshotRejected, c, err))
			continue
		}

		rec, created, err := b.store.Upsert(ctx, projectID, sourceFile, c, values)
		if err != nil {
			res.Failed++
			b.logger.Error("snapshot.upsert.failed",
				"project_id", projectID,
				"source_file", sourceFile,
				"category", c,
				"err", err,
			)
			errs = append(errs, fmt.Errorf("upsert %s: %w", c, err))
			continue
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
		res.Types[c]++
		res.Records = append(res.Records, rec)
	}

	b.logger.Debug("snapshot.file.stored",
		"project_id", projectID,
		"source_file", sourceFile,
		"analyzers", analyzers,
		"created", res.Created,
		"updated", res.Updated,
		"failed", res.Failed,
		"rejected", res.Rejected,
	)
	return res, errors.Join(errs...)
}
