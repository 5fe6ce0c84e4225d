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

package ingestion

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
)

// ErrInvalidProjectID is returned for ids that cannot safely name a directory.
var ErrInvalidProjectID = errors.New("invalid project id")

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateProjectID rejects ids that are empty, too long, or could escape
// the data directory.
func ValidateProjectID(id string) error {
	if !projectIDPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidProjectID, id)
	}
	return nil
}

// Paths derives every per-project location from the data directory:
//
//	<data>/projects/<id>/repo                    ingested files
//	<data>/projects/<id>/project_manifest.json   processing manifest
//	<data>/uploads/<id>                          staging area for uploads
type Paths struct {
	DataDir string
}

// ProjectDir returns <data>/projects/<id>.
func (p Paths) ProjectDir(id string) string {
	return filepath.Join(p.DataDir, "projects", id)
}

// WorkspaceDir returns the directory ingested files are materialized in.
func (p Paths) WorkspaceDir(id string) string {
	return filepath.Join(p.ProjectDir(id), "repo")
}

// ManifestPath returns the location of the project manifest.
func (p Paths) ManifestPath(id string) string {
	return filepath.Join(p.ProjectDir(id), "project_manifest.json")
}

// StagingDir returns the only directory Stage accepts for a project.
func (p Paths) StagingDir(id string) string {
	return filepath.Join(p.DataDir, "uploads", id)
}

// ProjectsRoot returns <data>/projects.
func (p Paths) ProjectsRoot() string {
	return filepath.Join(p.DataDir, "projects")
}
