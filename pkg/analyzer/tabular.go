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
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kraklabs/notebook/pkg/guard"
)

// TabularAnalyzer reads CSV and TSV files into csv.* fields, keeping the
// whole table so it can be written back out with Reassemble.
type TabularAnalyzer struct {
	guard  *guard.Guard
	logger *slog.Logger
}

// NewTabularAnalyzer creates a TabularAnalyzer. g supplies the CSV caps.
func NewTabularAnalyzer(g *guard.Guard, logger *slog.Logger) *TabularAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TabularAnalyzer{guard: g, logger: logger}
}

// Name implements Analyzer.
func (a *TabularAnalyzer) Name() string { return "tabular" }

// Analyze implements Analyzer.
func (a *TabularAnalyzer) Analyze(ctx context.Context, in Input) (Output, error) {
	info, err := os.Stat(in.Path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", in.RelPath, err)
	}
	size := info.Size()
	if err := a.guard.CheckCSVLimits(in.RelPath, size, 0); err != nil {
		return nil, err
	}

	f, err := os.Open(in.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", in.RelPath, err)
	}
	defer f.Close()

	delim := ','
	if strings.EqualFold(filepath.Ext(in.Path), ".tsv") {
		delim = '\t'
	}
	r := csv.NewReader(stripBOM(f))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = false

	maxRows := a.guard.Limits().CSVHardCapRows
	var (
		headers   []string
		rows      = [][]string{}
		truncated int
	)
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", in.RelPath, err)
		}
		if headers == nil {
			headers = a.truncateRow(rec, &truncated)
			continue
		}
		if len(rows) >= maxRows {
			return nil, a.guard.CheckCSVLimits(in.RelPath, size, len(rows)+1)
		}
		if len(rows)%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rows = append(rows, a.truncateRow(rec, &truncated))
	}
	if headers == nil {
		headers = []string{}
	}
	// Soft caps only log.
	_ = a.guard.CheckCSVLimits(in.RelPath, size, len(rows))
	if truncated > 0 {
		a.logger.Warn("analyzer.tabular.cells_truncated",
			"path", in.RelPath,
			"cells", truncated,
			"max_chars", a.guard.Limits().CSVMaxCellChars,
		)
	}

	delimName := "comma"
	if delim == '\t' {
		delimName = "tab"
	}
	return Output{
		"csv.file.path":      in.RelPath,
		"csv.file.rows":      len(rows),
		"csv.file.columns":   len(headers),
		"csv.file.delimiter": delimName,
		"csv.file.truncated": truncated > 0,
		"csv.table_data": map[string]any{
			"headers":      headers,
			"rows":         rows,
			"row_count":    len(rows),
			"column_count": len(headers),
		},
	}, nil
}

func (a *TabularAnalyzer) truncateRow(rec []string, truncated *int) []string {
	out := make([]string, len(rec))
	for i, cell := range rec {
		c, cut := a.guard.TruncateCell(cell)
		if cut {
			*truncated++
		}
		out[i] = c
	}
	return out
}

func stripBOM(r io.Reader) io.Reader {
	var bom [3]byte
	n, _ := io.ReadFull(r, bom[:])
	if n == 3 && bytes.Equal(bom[:], []byte{0xEF, 0xBB, 0xBF}) {
		return r
	}
	return io.MultiReader(bytes.NewReader(bom[:n]), r)
}

// Reassemble writes table data produced by TabularAnalyzer back out as
// delimited text. Values that went through JSON storage are accepted.
func Reassemble(table map[string]any, delim rune) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if delim != 0 {
		w.Comma = delim
	}
	if headers := toStrings(table["headers"]); len(headers) > 0 {
		if err := w.Write(headers); err != nil {
			return "", err
		}
	}
	switch rows := table["rows"].(type) {
	case [][]string:
		for _, row := range rows {
			if err := w.Write(row); err != nil {
				return "", err
			}
		}
	case []any:
		for _, row := range rows {
			if err := w.Write(toStrings(row)); err != nil {
				return "", err
			}
		}
	case nil:
	default:
		return "", fmt.Errorf("unexpected rows type %T", rows)
	}
	w.Flush()
	return buf.String(), w.Error()
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, len(t))
		for i, x := range t {
			out[i] = fmt.Sprint(x)
		}
		return out
	}
	return nil
}
