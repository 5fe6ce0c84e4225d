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

package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kraklabs/notebook/pkg/guard"
)

// ErrManifestNotFound is returned when a project has no manifest.
var ErrManifestNotFound = errors.New("manifest not found")

// Manifest records one processProject run.
type Manifest struct {
	ProjectID      string         `json:"project_id"`
	CreatedAt      time.Time      `json:"created_at"`
	Source         Source         `json:"source"`
	ProcessingTime ProcessingTime `json:"processing_time"`
	Stats          Stats          `json:"stats"`
	Error          string         `json:"error,omitempty"`
}

// Source describes where the project's files came from.
type Source struct {
	RepoURL   string `json:"repo_url,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Commit    string `json:"commit,omitempty"`
}

// ProcessingTime spans the whole run.
type ProcessingTime struct {
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// Stats are the counters of one run.
type Stats struct {
	FilesAttempted     int            `json:"files_attempted"`
	FilesProcessed     int            `json:"files_processed"`
	FilesFailed        int            `json:"files_failed"`
	FilesSkipped       int            `json:"files_skipped"`
	SnapshotsAttempted int            `json:"snapshots_attempted"`
	SnapshotsCreated   int            `json:"snapshots_created"`
	SnapshotsUpdated   int            `json:"snapshots_updated"`
	SnapshotsFailed    int            `json:"snapshots_failed"`
	SnapshotsRejected  int            `json:"snapshots_rejected"`
	SnapshotTypes      map[string]int `json:"snapshot_types"`
	ParsersUsed        map[string]int `json:"parsers_used"`
	FileCategorization map[string]int `json:"file_categorization"`
}

func newStats() Stats {
	cats := make(map[string]int, len(guard.FileCategories))
	for _, c := range guard.FileCategories {
		cats[string(c)] = 0
	}
	return Stats{
		SnapshotTypes:      map[string]int{},
		ParsersUsed:        map[string]int{},
		FileCategorization: cats,
	}
}

// add folds one file's counters into s.
func (s *Stats) add(o Stats) {
	s.FilesProcessed += o.FilesProcessed
	s.FilesFailed += o.FilesFailed
	s.SnapshotsAttempted += o.SnapshotsAttempted
	s.SnapshotsCreated += o.SnapshotsCreated
	s.SnapshotsUpdated += o.SnapshotsUpdated
	s.SnapshotsFailed += o.SnapshotsFailed
	s.SnapshotsRejected += o.SnapshotsRejected
	for k, v := range o.SnapshotTypes {
		s.SnapshotTypes[k] += v
	}
	for k, v := range o.ParsersUsed {
		s.ParsersUsed[k] += v
	}
	for k, v := range o.FileCategorization {
		s.FileCategorization[k] += v
	}
}

// writeManifest writes m to path atomically (temp file + rename).
func writeManifest(path string, m *Manifest) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create manifest temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("write manifest temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("close manifest temp: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("chmod manifest temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("rename manifest: %w", err)
	}
	return data, nil
}

// readManifest loads the manifest at path.
func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// Metrics aggregates every manifest under the projects directory.
type Metrics struct {
	Projects  ProjectMetrics  `json:"projects"`
	Files     FileMetrics     `json:"files"`
	Snapshots SnapshotMetrics `json:"snapshots"`
	Parsers   map[string]int  `json:"parsers"`
}

// ProjectMetrics lists processed projects.
type ProjectMetrics struct {
	Total int            `json:"total"`
	List  []ProjectEntry `json:"list"`
}

// ProjectEntry is one project in ProjectMetrics.
type ProjectEntry struct {
	ProjectID string `json:"project_id"`
	Snapshots int    `json:"snapshots"`
	Files     int    `json:"files"`
}

// FileMetrics sums file counters.
type FileMetrics struct {
	Processed      int            `json:"processed"`
	Categorization map[string]int `json:"categorization"`
}

// SnapshotMetrics sums snapshot counters.
type SnapshotMetrics struct {
	Created int            `json:"created"`
	Failed  int            `json:"failed"`
	ByType  map[string]int `json:"by_type"`
}

// aggregateManifests walks root for project_manifest.json files. Unreadable
// manifests are skipped.
func aggregateManifests(root string) (*Metrics, error) {
	m := &Metrics{
		Projects:  ProjectMetrics{List: []ProjectEntry{}},
		Files:     FileMetrics{Categorization: newStats().FileCategorization},
		Snapshots: SnapshotMetrics{ByType: map[string]int{}},
		Parsers:   map[string]int{},
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipAll
			}
			return nil
		}
		if !d.IsDir() && d.Name() == manifestName {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan manifests: %w", err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		man, err := readManifest(path)
		if err != nil {
			continue
		}
		st := man.Stats
		id := man.ProjectID
		if id == "" {
			id = filepath.Base(filepath.Dir(path))
		}
		m.Projects.Total++
		m.Projects.List = append(m.Projects.List, ProjectEntry{ProjectID: id, Snapshots: st.SnapshotsCreated, Files: st.FilesProcessed})
		m.Files.Processed += st.FilesProcessed
		m.Snapshots.Created += st.SnapshotsCreated
		m.Snapshots.Failed += st.SnapshotsFailed

		if len(st.FileCategorization) > 0 {
			for cat, n := range st.FileCategorization {
				if _, ok := m.Files.Categorization[cat]; ok {
					m.Files.Categorization[cat] += n
				}
			}
		} else {
			// Manifests without categorization count processed files as normal.
			m.Files.Categorization[string(guard.CategoryRejected)] += st.SnapshotsRejected
			m.Files.Categorization[string(guard.CategoryNormal)] += st.FilesProcessed
		}
		for t, n := range st.SnapshotTypes {
			m.Snapshots.ByType[t] += n
		}
		for p, n := range st.ParsersUsed {
			m.Parsers[p] += n
		}
	}
	return m, nil
}

const manifestName = "project_manifest.json"
