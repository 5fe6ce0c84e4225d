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

// Package ui prints human-readable command output for the notebook CLI.
//
// Colors follow fatih/color and are dropped with --no-color, NO_COLOR, or
// when the writer is not a terminal:
//   - Red: failures
//   - Yellow: warnings, rejected or partial counts
//   - Green: success
//   - Cyan: counts and informational lines
//   - Bold: headers and labels
//   - Dim: paths and ids
package ui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	Red    = color.New(color.FgRed)
	Yellow = color.New(color.FgYellow)
	Green  = color.New(color.FgGreen)
	Cyan   = color.New(color.FgCyan)
	Bold   = color.New(color.Bold)
	Dim    = color.New(color.Faint)
)

// InitColors disables color globally when noColor is set or stdout is not
// a terminal.
func InitColors(noColor bool) {
	if noColor || !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}

// Printer writes styled lines to Out.
type Printer struct {
	Out io.Writer
}

// NewPrinter returns a Printer writing to w, or stdout when w is nil.
func NewPrinter(w io.Writer) *Printer {
	if w == nil {
		w = os.Stdout
	}
	return &Printer{Out: w}
}

func (p *Printer) line(c *color.Color, prefix, format string, args ...any) {
	_, _ = c.Fprintf(p.Out, prefix+format+"\n", args...)
}

// Successf prints a green line prefixed with a check mark.
func (p *Printer) Successf(format string, args ...any) { p.line(Green, "✓ ", format, args...) }

// Warningf prints a yellow line prefixed with a warning sign.
func (p *Printer) Warningf(format string, args ...any) { p.line(Yellow, "⚠ ", format, args...) }

// Errorf prints a red line prefixed with a cross.
func (p *Printer) Errorf(format string, args ...any) { p.line(Red, "✗ ", format, args...) }

// Infof prints a cyan informational line.
func (p *Printer) Infof(format string, args ...any) { p.line(Cyan, "ℹ ", format, args...) }

// Header prints a bold title underlined with '='.
func (p *Printer) Header(text string) {
	_, _ = Bold.Fprintln(p.Out, text)
	fmt.Fprintln(p.Out, strings.Repeat("=", len([]rune(text))))
}

// Field prints an indented "label: value" line.
func (p *Printer) Field(label string, value any) {
	fmt.Fprintf(p.Out, "  %s %v\n", Bold.Sprint(label+":"), value)
}

// Count prints an indented label with a cyan count. Non-zero counts for
// warn labels are yellow.
func (p *Printer) Count(label string, n int, warn bool) {
	c := Cyan
	if warn && n > 0 {
		c = Yellow
	}
	fmt.Fprintf(p.Out, "  %-22s %s\n", label+":", c.Sprint(n))
}

// Counts prints a map of counters sorted by key under a sub-header.
// Empty maps print nothing.
func (p *Printer) Counts(title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	_, _ = Bold.Fprintln(p.Out, title+":")
	for _, k := range keys {
		fmt.Fprintf(p.Out, "    %-20s %s\n", k, Cyan.Sprint(counts[k]))
	}
}

// DimText returns s styled for paths and identifiers.
func DimText(s string) string {
	return Dim.Sprint(s)
}
