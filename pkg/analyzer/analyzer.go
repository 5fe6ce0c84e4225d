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

package analyzer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kraklabs/notebook/pkg/ingestion"
)

// ErrUnsupported is returned when an analyzer is handed a file it cannot read.
var ErrUnsupported = errors.New("unsupported input")

// Input describes one routed file.
type Input struct {
	Path       string // absolute path inside the workspace
	RelPath    string // slash separated, relative to the workspace root
	Language   string
	MediaClass ingestion.MediaClass
}

// Output is a flat map of schema field id to value.
type Output map[string]any

// Analyzer extracts fields from a single file.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, in Input) (Output, error)
}

// Registry resolves analyzer names assigned by the router.
type Registry struct {
	byName map[string]Analyzer
	order  []string
}

// NewRegistry returns a registry holding the given analyzers. A later
// analyzer with the same name replaces an earlier one.
func NewRegistry(analyzers ...Analyzer) *Registry {
	r := &Registry{byName: make(map[string]Analyzer, len(analyzers))}
	for _, a := range analyzers {
		if a == nil {
			continue
		}
		if _, ok := r.byName[a.Name()]; !ok {
			r.order = append(r.order, a.Name())
		}
		r.byName[a.Name()] = a
	}
	return r
}

// Get returns the analyzer registered under name.
func (r *Registry) Get(name string) (Analyzer, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// Names lists registered analyzers in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Result is the outcome of one analyzer on one file.
type Result struct {
	Analyzer string
	Output   Output
	Err      error
	Duration time.Duration
}

// RunAll runs the named analyzers in order. Each call gets its own timeout
// context; a failing analyzer contributes an error result and the remaining
// analyzers still run. Unknown names produce an error result.
func (r *Registry) RunAll(ctx context.Context, names []string, in Input, timeout time.Duration, logger *slog.Logger) []Result {
	if logger == nil {
		logger = slog.Default()
	}
	results := make([]Result, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			results = append(results, Result{Analyzer: name, Err: err})
			continue
		}
		a, ok := r.Get(name)
		if !ok {
			results = append(results, Result{Analyzer: name, Err: fmt.Errorf("analyzer %q not registered", name)})
			continue
		}
		results = append(results, runOne(ctx, a, in, timeout, logger))
	}
	return results
}

func runOne(ctx context.Context, a Analyzer, in Input, timeout time.Duration, logger *slog.Logger) (res Result) {
	res.Analyzer = a.Name()
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res.Output = nil
			res.Err = fmt.Errorf("analyzer %s panicked: %v", a.Name(), p)
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			logger.Warn("analyzer.failed",
				"analyzer", a.Name(),
				"path", in.RelPath,
				"err", res.Err,
			)
		}
	}()
	res.Output, res.Err = a.Analyze(callCtx, in)
	return res
}

// readFile reads path, refusing anything above limit bytes when limit > 0.
func readFile(path string, limit int64) ([]byte, error) {
	if limit > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.Size() > limit {
			return nil, fmt.Errorf("%s is %d bytes, limit %d", path, info.Size(), limit)
		}
	}
	return os.ReadFile(path)
}

// lineStats returns the total and non-blank line counts of content.
func lineStats(content []byte) (lines, loc int) {
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for sc.Scan() {
		lines++
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			loc++
		}
	}
	return lines, loc
}
