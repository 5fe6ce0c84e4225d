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

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Sentinel errors for each class of resource ceiling.
var (
	ErrTimeBudgetExceeded = errors.New("time budget exceeded")
	ErrSizeLimitExceeded  = errors.New("size limit exceeded")
	ErrRepoLimitExceeded  = errors.New("repository limit exceeded")
)

// LimitError describes which ceiling was hit. It matches the sentinel of its
// Kind with errors.Is.
type LimitError struct {
	Kind   error
	What   string
	Limit  int64
	Actual int64
	Path   string
}

func (e *LimitError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	b.WriteString(": ")
	b.WriteString(e.What)
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	if e.Limit > 0 {
		fmt.Fprintf(&b, ": %d > %d", e.Actual, e.Limit)
	}
	return b.String()
}

func (e *LimitError) Is(target error) bool { return target == e.Kind }

func (e *LimitError) Unwrap() error { return e.Kind }

// FileCategory is the LOC-based classification of a code file.
type FileCategory string

const (
	CategoryNormal       FileCategory = "normal"
	CategoryLarge        FileCategory = "large"
	CategoryPotentialGod FileCategory = "potential_god"
	CategoryRejected     FileCategory = "rejected"
)

// FileCategories lists every category in ascending severity.
var FileCategories = []FileCategory{CategoryNormal, CategoryLarge, CategoryPotentialGod, CategoryRejected}

// Extensions whose size is bounded by MaxTextBytes.
var textExtensions = map[string]bool{
	".txt": true, ".json": true, ".yaml": true, ".yml": true, ".csv": true,
}

// Guard enforces the sandbox ceilings. It holds two clocks: the project clock
// set once per run and the job clock reset per analyzer call or clone attempt.
//
// A Guard is safe for concurrent use, but workers are expected to Fork their
// own copy so that job clocks do not interfere.
type Guard struct {
	limits Limits
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	projectStart *time.Time
	jobStart     time.Time
}

// Option customizes a Guard.
type Option func(*Guard)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a Guard. Zero-valued limit fields fall back to defaults.
func New(limits Limits, logger *slog.Logger, opts ...Option) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		limits: limits.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	start := g.now()
	g.projectStart = &start
	g.jobStart = start
	return g
}

// Limits returns the effective limits.
func (g *Guard) Limits() Limits { return g.limits }

// StartProject resets the project clock. Called once per ProcessProject.
func (g *Guard) StartProject() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	*g.projectStart = now
	g.jobStart = now
}

// StartJob resets the job clock.
func (g *Guard) StartJob() {
	g.mu.Lock()
	g.jobStart = g.now()
	g.mu.Unlock()
}

// Fork returns a guard with its own job clock that shares the project clock
// and limits with g.
func (g *Guard) Fork() *Guard {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &Guard{
		limits:       g.limits,
		logger:       g.logger,
		now:          g.now,
		projectStart: g.projectStart,
		jobStart:     g.now(),
	}
}

// CheckJobTime fails when the job clock exceeds MaxJobDuration.
func (g *Guard) CheckJobTime() error {
	g.mu.Lock()
	elapsed := g.now().Sub(g.jobStart)
	g.mu.Unlock()
	if elapsed > g.limits.MaxJobDuration {
		return &LimitError{
			Kind:   ErrTimeBudgetExceeded,
			What:   "job runtime seconds",
			Limit:  int64(g.limits.MaxJobDuration.Seconds()),
			Actual: int64(elapsed.Seconds()),
		}
	}
	return nil
}

// CheckProjectTime fails when the project clock exceeds MaxProjectDuration.
func (g *Guard) CheckProjectTime() error {
	g.mu.Lock()
	elapsed := g.now().Sub(*g.projectStart)
	g.mu.Unlock()
	if elapsed > g.limits.MaxProjectDuration {
		return &LimitError{
			Kind:   ErrTimeBudgetExceeded,
			What:   "project runtime seconds",
			Limit:  int64(g.limits.MaxProjectDuration.Seconds()),
			Actual: int64(elapsed.Seconds()),
		}
	}
	return nil
}

// CheckFileSize stats path and applies the ceiling of its media class.
// PDF and text files have their own ceilings; the code ceiling applies to
// every file on top of that.
func (g *Guard) CheckFileSize(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return g.CheckSize(path, info.Size())
}

// CheckSize applies the same rules as CheckFileSize to an already known size.
func (g *Guard) CheckSize(path string, size int64) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".pdf" && size > g.limits.MaxPDFBytes {
		return &LimitError{Kind: ErrSizeLimitExceeded, What: "pdf bytes", Limit: g.limits.MaxPDFBytes, Actual: size, Path: path}
	}
	if textExtensions[ext] && size > g.limits.MaxTextBytes {
		return &LimitError{Kind: ErrSizeLimitExceeded, What: "text bytes", Limit: g.limits.MaxTextBytes, Actual: size, Path: path}
	}
	// PDFs are bounded by their own ceiling only.
	if ext != ".pdf" && size > g.limits.MaxCodeFileBytes {
		return &LimitError{Kind: ErrSizeLimitExceeded, What: "file bytes", Limit: g.limits.MaxCodeFileBytes, Actual: size, Path: path}
	}
	return nil
}

// CheckRepoBounds walks files once and fails as soon as the cumulative size,
// the file count, or the depth of any path relative to root exceeds its
// ceiling. Depth is the number of path parts relative to root, so a file at
// the root has depth 1.
func (g *Guard) CheckRepoBounds(files []string, root string) error {
	var total int64
	count := 0
	for _, path := range files {
		count++
		if count > g.limits.MaxRepoFiles {
			return &LimitError{Kind: ErrRepoLimitExceeded, What: "file count", Limit: int64(g.limits.MaxRepoFiles), Actual: int64(count)}
		}

		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return &LimitError{Kind: ErrRepoLimitExceeded, What: "path outside repository root", Path: path}
		}
		depth := len(strings.Split(filepath.ToSlash(rel), "/"))
		if depth > g.limits.MaxRepoDepth {
			return &LimitError{Kind: ErrRepoLimitExceeded, What: "directory depth", Limit: int64(g.limits.MaxRepoDepth), Actual: int64(depth), Path: rel}
		}

		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		total += info.Size()
		if total > g.limits.MaxRepoBytes {
			return &LimitError{Kind: ErrRepoLimitExceeded, What: "total bytes", Limit: g.limits.MaxRepoBytes, Actual: total}
		}
	}
	return nil
}

// CategorizeByLines classifies a code file by its non-blank line count.
// Files at or above HardCapLOC are rejected and must not be parsed.
func (g *Guard) CategorizeByLines(lines int) FileCategory {
	switch {
	case lines >= g.limits.HardCapLOC:
		return CategoryRejected
	case lines >= g.limits.PotentialGodLOC:
		return CategoryPotentialGod
	case lines >= g.limits.SoftCapLOC:
		return CategoryLarge
	default:
		return CategoryNormal
	}
}

// CountLines returns the number of non-blank lines in path.
func CountLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return countNonBlank(f)
}

func countNonBlank(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			n++
		}
	}
	return n, sc.Err()
}

// CheckCSVLimits enforces the tabular hard caps and logs when a soft cap is
// crossed.
func (g *Guard) CheckCSVLimits(path string, size int64, rows int) error {
	if size > g.limits.CSVHardCapBytes {
		return &LimitError{Kind: ErrSizeLimitExceeded, What: "csv bytes", Limit: g.limits.CSVHardCapBytes, Actual: size, Path: path}
	}
	if rows > g.limits.CSVHardCapRows {
		return &LimitError{Kind: ErrSizeLimitExceeded, What: "csv rows", Limit: int64(g.limits.CSVHardCapRows), Actual: int64(rows), Path: path}
	}
	if size > g.limits.CSVSoftCapBytes {
		g.logger.Warn("guard.csv.soft_cap", "path", path, "bytes", size, "soft_cap", g.limits.CSVSoftCapBytes)
	}
	if rows > g.limits.CSVSoftCapRows {
		g.logger.Warn("guard.csv.soft_cap", "path", path, "rows", rows, "soft_cap", g.limits.CSVSoftCapRows)
	}
	return nil
}

// TruncateCell shortens a cell that exceeds the per-cell character cap.
// The second return value reports whether truncation happened.
func (g *Guard) TruncateCell(cell string) (string, bool) {
	limit := g.limits.CSVMaxCellChars
	r := []rune(cell)
	if limit <= 0 || len(r) <= limit {
		return cell, false
	}
	return string(r[:limit]), true
}

// CheckSnapshotSize bounds the serialized size of one snapshot.
func (g *Guard) CheckSnapshotSize(n int64) error {
	if n > g.limits.MaxSnapshotBytes {
		return &LimitError{Kind: ErrSizeLimitExceeded, What: "snapshot bytes", Limit: g.limits.MaxSnapshotBytes, Actual: n}
	}
	return nil
}

// CheckSnapshotCount bounds how many snapshots a single file may produce.
func (g *Guard) CheckSnapshotCount(n int) error {
	if n > g.limits.MaxSnapshotsPerFile {
		return &LimitError{Kind: ErrSizeLimitExceeded, What: "snapshots per file", Limit: int64(g.limits.MaxSnapshotsPerFile), Actual: int64(n)}
	}
	return nil
}
