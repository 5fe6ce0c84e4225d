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

package guard

import "time"

const (
	mib = int64(1024 * 1024)
	gib = 1024 * mib
)

// Limits holds every ceiling the Guard enforces.
type Limits struct {
	MaxRepoBytes int64 `yaml:"max_repo_bytes"`
	MaxRepoFiles int   `yaml:"max_repo_files"`
	MaxRepoDepth int   `yaml:"max_repo_depth"`

	MaxPDFBytes      int64 `yaml:"max_pdf_bytes"`
	MaxTextBytes     int64 `yaml:"max_text_bytes"`
	MaxCodeFileBytes int64 `yaml:"max_code_file_bytes"`

	MaxPDFPagesPerFile int `yaml:"max_pdf_pages_per_file"`

	MaxJobDuration     time.Duration `yaml:"max_job_duration"`
	MaxProjectDuration time.Duration `yaml:"max_project_duration"`

	MaxSnapshotBytes    int64 `yaml:"max_snapshot_bytes"`
	MaxSnapshotsPerFile int   `yaml:"max_snapshots_per_file"`

	// LOC thresholds, ascending.
	SoftCapLOC      int `yaml:"soft_cap_loc"`
	PotentialGodLOC int `yaml:"potential_god_loc"`
	HardCapLOC      int `yaml:"hard_cap_loc"`

	CSVHardCapBytes int64 `yaml:"csv_hard_cap_bytes"`
	CSVHardCapRows  int   `yaml:"csv_hard_cap_rows"`
	CSVMaxCellChars int   `yaml:"csv_max_cell_chars"`
	CSVSoftCapBytes int64 `yaml:"csv_soft_cap_bytes"`
	CSVSoftCapRows  int   `yaml:"csv_soft_cap_rows"`
}

// DefaultLimits returns the production ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxRepoBytes:        2 * gib,
		MaxRepoFiles:        100_000,
		MaxRepoDepth:        12,
		MaxPDFBytes:         50 * mib,
		MaxTextBytes:        10 * mib,
		MaxCodeFileBytes:    5 * mib,
		MaxPDFPagesPerFile:  300,
		MaxJobDuration:      15 * time.Minute,
		MaxProjectDuration:  60 * time.Minute,
		MaxSnapshotBytes:    500 * mib,
		MaxSnapshotsPerFile: 12,
		SoftCapLOC:          1500,
		PotentialGodLOC:     4000,
		HardCapLOC:          5000,
		CSVHardCapBytes:     50 * mib,
		CSVHardCapRows:      500_000,
		CSVMaxCellChars:     5_000,
		CSVSoftCapBytes:     5 * mib,
		CSVSoftCapRows:      50_000,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxRepoBytes <= 0 {
		l.MaxRepoBytes = d.MaxRepoBytes
	}
	if l.MaxRepoFiles <= 0 {
		l.MaxRepoFiles = d.MaxRepoFiles
	}
	if l.MaxRepoDepth <= 0 {
		l.MaxRepoDepth = d.MaxRepoDepth
	}
	if l.MaxPDFBytes <= 0 {
		l.MaxPDFBytes = d.MaxPDFBytes
	}
	if l.MaxTextBytes <= 0 {
		l.MaxTextBytes = d.MaxTextBytes
	}
	if l.MaxCodeFileBytes <= 0 {
		l.MaxCodeFileBytes = d.MaxCodeFileBytes
	}
	if l.MaxPDFPagesPerFile <= 0 {
		l.MaxPDFPagesPerFile = d.MaxPDFPagesPerFile
	}
	if l.MaxJobDuration <= 0 {
		l.MaxJobDuration = d.MaxJobDuration
	}
	if l.MaxProjectDuration <= 0 {
		l.MaxProjectDuration = d.MaxProjectDuration
	}
	if l.MaxSnapshotBytes <= 0 {
		l.MaxSnapshotBytes = d.MaxSnapshotBytes
	}
	if l.MaxSnapshotsPerFile <= 0 {
		l.MaxSnapshotsPerFile = d.MaxSnapshotsPerFile
	}
	if l.SoftCapLOC <= 0 {
		l.SoftCapLOC = d.SoftCapLOC
	}
	if l.PotentialGodLOC <= 0 {
		l.PotentialGodLOC = d.PotentialGodLOC
	}
	if l.HardCapLOC <= 0 {
		l.HardCapLOC = d.HardCapLOC
	}
	if l.CSVHardCapBytes <= 0 {
		l.CSVHardCapBytes = d.CSVHardCapBytes
	}
	if l.CSVHardCapRows <= 0 {
		l.CSVHardCapRows = d.CSVHardCapRows
	}
	if l.CSVMaxCellChars <= 0 {
		l.CSVMaxCellChars = d.CSVMaxCellChars
	}
	if l.CSVSoftCapBytes <= 0 {
		l.CSVSoftCapBytes = d.CSVSoftCapBytes
	}
	if l.CSVSoftCapRows <= 0 {
		l.CSVSoftCapRows = d.CSVSoftCapRows
	}
	return l
}
