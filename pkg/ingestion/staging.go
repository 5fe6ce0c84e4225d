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
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kraklabs/notebook/pkg/guard"
)

var (
	// ErrInvalidStagingPath is returned when Stage is pointed anywhere but
	// the project's own staging directory.
	ErrInvalidStagingPath = errors.New("invalid staging path")

	// ErrPathTraversal is returned when a destination would leave the
	// workspace root.
	ErrPathTraversal = errors.New("path traversal detected")
)

// StageConfig configures a Stager.
type StageConfig struct {
	Paths Paths
	Guard *guard.Guard

	// Ignore replaces DefaultIgnore when non-nil.
	Ignore []string

	// Excludes are extra user globs applied after Ignore.
	Excludes []string

	Logger *slog.Logger
}

// Stager copies an uploaded directory into a project workspace.
type Stager struct {
	paths  Paths
	guard  *guard.Guard
	ignore *IgnoreSet
	logger *slog.Logger
}

// NewStager creates a Stager.
func NewStager(cfg StageConfig) *Stager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ignore := cfg.Ignore
	if ignore == nil {
		ignore = DefaultIgnore
	}
	patterns := make([]string, 0, len(ignore)+len(cfg.Excludes))
	patterns = append(patterns, ignore...)
	patterns = append(patterns, cfg.Excludes...)
	set, err := NewIgnoreSet(patterns...)
	if err != nil {
		cfg.Logger.Warn("ingest.stage.bad_pattern", "err", err)
	}
	return &Stager{paths: cfg.Paths, guard: cfg.Guard, ignore: set, logger: cfg.Logger}
}

// StagingPath returns the directory uploads for projectID must live in.
func (s *Stager) StagingPath(projectID string) string {
	return s.paths.StagingDir(projectID)
}

// Stage copies source into the project workspace. source must be exactly
// the project's staging directory. Symlinks and ignored paths are skipped,
// as are files over their size ceiling; the copied set must then pass the
// repository bounds.
func (s *Stager) Stage(ctx context.Context, projectID, source string) (*LoadResult, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	src, err := filepath.Abs(filepath.Clean(source))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStagingPath, err)
	}
	want, err := filepath.Abs(s.StagingPath(projectID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStagingPath, err)
	}
	if src != want {
		s.logger.Warn("ingest.stage.rejected", "project_id", projectID, "source", source)
		return nil, fmt.Errorf("%w: %s is not the staging directory of %s", ErrInvalidStagingPath, source, projectID)
	}
	info, err := os.Lstat(src)
	if err != nil {
		return nil, fmt.Errorf("stat staging dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidStagingPath, source)
	}

	destRoot, err := filepath.Abs(s.paths.WorkspaceDir(projectID))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	s.logger.Info("ingest.stage.start", "project_id", projectID, "source", src)
	result := newLoadResult(destRoot)

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("ingest.stage.walk_error", "path", path, "err", err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.Type()&fs.ModeSymlink != 0 {
			result.SkipReasons["symlink"]++
			return nil
		}
		if d.IsDir() {
			if s.ignore.Ignored(rel) {
				result.SkipReasons["ignored_dir"]++
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			result.SkipReasons["special"]++
			return nil
		}
		if s.ignore.Ignored(rel) {
			result.SkipReasons["ignored"]++
			return nil
		}
		if err := s.guard.CheckProjectTime(); err != nil {
			return err
		}

		dest, err := containedPath(destRoot, rel)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if err := s.guard.CheckSize(rel, fi.Size()); err != nil {
			s.logger.Warn("ingest.stage.skip_large_file", "path", rel, "size", fi.Size(), "err", err)
			result.SkipReasons["too_large"]++
			return nil
		}
		if err := copyFile(path, dest, fi.Mode().Perm()); err != nil {
			return fmt.Errorf("copy %s: %w", rel, err)
		}
		result.add(FileInfo{
			Path:     rel,
			FullPath: dest,
			Size:     fi.Size(),
			Language: detectLanguageFromPath(rel),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", projectID, err)
	}

	if err := result.CheckBounds(s.guard); err != nil {
		return nil, err
	}
	result.sortFiles()

	s.logger.Info("ingest.stage.complete",
		"project_id", projectID,
		"files", result.FileCount,
		"total_size", result.TotalSize,
		"skipped", result.SkipReasons,
	)
	return result, nil
}

// containedPath joins rel onto root and fails if the result escapes root.
func containedPath(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute path %s", ErrPathTraversal, rel)
	}
	dest := filepath.Join(root, filepath.FromSlash(rel))
	back, err := filepath.Rel(root, dest)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, rel)
	}
	return dest, nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
