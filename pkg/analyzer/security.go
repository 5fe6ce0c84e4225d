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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kraklabs/notebook/pkg/ingestion"
)

const (
	// DefaultSemgrepTimeout bounds one semgrep run.
	DefaultSemgrepTimeout = 30 * time.Second

	contextLines = 3

	scannerSemgrep     = "semgrep"
	scannerCommentOnly = "comment_scan"
)

// MinSemgrepVersion is the oldest semgrep release whose JSON output is read.
var MinSemgrepVersion = [2]int{1, 50}

// SecurityConfig configures a SecurityAnalyzer.
type SecurityConfig struct {
	// Binary is the semgrep executable. Empty means "semgrep".
	Binary string
	// Config is the semgrep rule configuration. Empty means "auto".
	Config string
	// Disabled skips semgrep and runs the comment scan only.
	Disabled bool
	Timeout  time.Duration
	MaxBytes int64
	Runner   ingestion.Runner
	Logger   *slog.Logger
}

// ScannerStatus is the result of the semgrep availability check.
type ScannerStatus struct {
	Installed  bool   `json:"installed"`
	Version    string `json:"version,omitempty"`
	Compatible bool   `json:"compatible"`
}

// SecurityAnalyzer runs semgrep over code files and scans comments for
// TODO and deprecation markers. Without a compatible semgrep only the
// comment scan runs.
type SecurityAnalyzer struct {
	cfg    SecurityConfig
	logger *slog.Logger

	mu     sync.Mutex
	status *ScannerStatus
}

// NewSecurityAnalyzer creates a SecurityAnalyzer.
func NewSecurityAnalyzer(cfg SecurityConfig) *SecurityAnalyzer {
	if cfg.Binary == "" {
		cfg.Binary = "semgrep"
	}
	if cfg.Config == "" {
		cfg.Config = "auto"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSemgrepTimeout
	}
	if cfg.Runner == nil {
		cfg.Runner = ingestion.ExecRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SecurityAnalyzer{cfg: cfg, logger: cfg.Logger}
}

// Name implements Analyzer.
func (a *SecurityAnalyzer) Name() string { return "security" }

// Detect checks for a compatible semgrep once and caches the answer.
func (a *SecurityAnalyzer) Detect(ctx context.Context) ScannerStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != nil {
		return *a.status
	}
	st := ScannerStatus{}
	if !a.cfg.Disabled {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		out, err := a.cfg.Runner.Run(checkCtx, "", nil, a.cfg.Binary, "--version")
		cancel()
		if err == nil {
			st.Installed = true
			st.Version = strings.TrimSpace(string(out))
			st.Compatible = versionAtLeast(st.Version, MinSemgrepVersion)
		}
	}
	switch {
	case a.cfg.Disabled:
		a.logger.Info("analyzer.security.semgrep_disabled")
	case !st.Installed:
		a.logger.Warn("analyzer.security.semgrep_missing", "binary", a.cfg.Binary)
	case !st.Compatible:
		a.logger.Warn("analyzer.security.semgrep_incompatible",
			"version", st.Version,
			"min_version", fmt.Sprintf("%d.%d", MinSemgrepVersion[0], MinSemgrepVersion[1]),
		)
	default:
		a.logger.Info("analyzer.security.semgrep_ready", "version", st.Version)
	}
	a.status = &st
	return st
}

// Analyze implements Analyzer.
func (a *SecurityAnalyzer) Analyze(ctx context.Context, in Input) (Output, error) {
	content, err := readFile(in.Path, a.cfg.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", in.RelPath, err)
	}
	lines := strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n")

	fields := newFindingFields()
	scanner := scannerCommentOnly
	if st := a.Detect(ctx); st.Compatible {
		results, err := a.runSemgrep(ctx, in.Path)
		if err != nil {
			// Comment findings are still worth keeping.
			a.logger.Warn("analyzer.security.semgrep_failed", "path", in.RelPath, "err", err)
		} else {
			scanner = scannerSemgrep
			for _, r := range results {
				fields.classify(r.finding(lines))
			}
		}
	}
	for _, f := range scanComments(lines) {
		fields.add(f.field, f.finding)
	}

	out := fields.output()
	out["code.security.scanner"] = scanner
	return out, nil
}

type semgrepReport struct {
	Results []semgrepResult `json:"results"`
	Errors  []struct {
		Message string `json:"message"`
		Level   string `json:"level"`
	} `json:"errors"`
}

type semgrepResult struct {
	CheckID string `json:"check_id"`
	Start   struct {
		Line int `json:"line"`
	} `json:"start"`
	Extra struct {
		Message  string `json:"message"`
		Severity string `json:"severity"`
	} `json:"extra"`
}

func (r semgrepResult) finding(lines []string) Finding {
	return Finding{
		RuleID:   r.CheckID,
		Severity: strings.ToUpper(r.Extra.Severity),
		Line:     r.Start.Line,
		Message:  strings.TrimSpace(r.Extra.Message),
		Context:  codeContext(lines, r.Start.Line),
	}
}

func (a *SecurityAnalyzer) runSemgrep(ctx context.Context, path string) ([]semgrepResult, error) {
	tmp, err := os.CreateTemp("", "semgrep-*.json")
	if err != nil {
		return nil, fmt.Errorf("create report file: %w", err)
	}
	report := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(report)

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	out, err := a.cfg.Runner.Run(runCtx, filepath.Dir(path), nil, a.cfg.Binary,
		"--json", "--config", a.cfg.Config, "--quiet", "--output", report, path)
	if err != nil && !findingsExit(err) {
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("semgrep timed out after %s: %w", a.cfg.Timeout, runCtx.Err())
		}
		return nil, fmt.Errorf("semgrep: %s: %w", bytes.TrimSpace(out), err)
	}

	data, err := os.ReadFile(report)
	if err != nil {
		return nil, fmt.Errorf("read semgrep report: %w", err)
	}
	var rep semgrepReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("decode semgrep report: %w", err)
	}
	for _, e := range rep.Errors {
		a.logger.Debug("analyzer.security.semgrep_error", "path", path, "level", e.Level, "message", e.Message)
	}
	return rep.Results, nil
}

// findingsExit reports whether err is semgrep's "findings present" exit.
func findingsExit(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 1
}

// Finding is one security or quality issue.
type Finding struct {
	RuleID   string       `json:"rule_id"`
	Severity string       `json:"severity"`
	Line     int          `json:"line"`
	Message  string       `json:"message"`
	Context  *CodeContext `json:"code_context,omitempty"`
}

// CodeContext holds the lines around a finding.
type CodeContext struct {
	Before []string `json:"before"`
	Match  string   `json:"match"`
	After  []string `json:"after"`
}

func (f Finding) toMap() map[string]any {
	m := map[string]any{
		"rule_id":  f.RuleID,
		"severity": f.Severity,
		"line":     f.Line,
		"message":  f.Message,
	}
	if f.Context != nil {
		m["code_context"] = map[string]any{
			"before": f.Context.Before,
			"match":  f.Context.Match,
			"after":  f.Context.After,
		}
	} else {
		m["code_context"] = nil
	}
	return m
}

// codeContext returns up to contextLines lines on each side of the 1-based
// line, or nil when line is out of range.
func codeContext(lines []string, line int) *CodeContext {
	if line <= 0 || line > len(lines) {
		return nil
	}
	idx := line - 1
	from := max(0, idx-contextLines)
	to := min(len(lines), idx+contextLines+1)
	trim := func(in []string) []string {
		out := make([]string, len(in))
		for i, l := range in {
			out[i] = strings.TrimRight(l, " \t\r")
		}
		return out
	}
	return &CodeContext{
		Before: trim(lines[from:idx]),
		Match:  strings.TrimRight(lines[idx], " \t\r"),
		After:  trim(lines[idx+1 : to]),
	}
}

const (
	fieldVulnerabilities = "code.security.vulnerabilities"
	fieldSecrets         = "code.security.hardcoded_secrets"
	fieldSQLInjection    = "code.security.sql_injection_risks"
	fieldXSS             = "code.security.xss_risks"
	fieldAntipatterns    = "code.quality.antipatterns"
	fieldCodeSmells      = "code.quality.code_smells"
	fieldTodos           = "code.quality.todos"
	fieldDeprecated      = "code.quality.deprecated_usage"
)

var securityFields = []string{fieldVulnerabilities, fieldSecrets, fieldSQLInjection, fieldXSS}

var qualityFields = []string{fieldAntipatterns, fieldCodeSmells, fieldTodos, fieldDeprecated}

type findingFields struct {
	byField map[string][]map[string]any
	seen    map[string]bool
}

func newFindingFields() *findingFields {
	return &findingFields{byField: map[string][]map[string]any{}, seen: map[string]bool{}}
}

func (ff *findingFields) add(field string, f Finding) {
	key := field + "\x00" + f.RuleID + "\x00" + strconv.Itoa(f.Line)
	if ff.seen[key] {
		return
	}
	ff.seen[key] = true
	ff.byField[field] = append(ff.byField[field], f.toMap())
}

// classify files a semgrep finding. ERROR and WARNING findings are security
// issues split by rule id; everything else is a quality issue split by
// message.
func (ff *findingFields) classify(f Finding) {
	rule := strings.ToLower(f.RuleID)
	msg := strings.ToLower(f.Message)
	if f.Severity == "ERROR" || f.Severity == "WARNING" {
		switch {
		case strings.Contains(rule, "secret"), strings.Contains(rule, "password"), strings.Contains(rule, "token"):
			ff.add(fieldSecrets, f)
		case strings.Contains(rule, "sql"), strings.Contains(rule, "injection"):
			ff.add(fieldSQLInjection, f)
		case strings.Contains(rule, "xss"), strings.Contains(rule, "cross-site"):
			ff.add(fieldXSS, f)
		default:
			ff.add(fieldVulnerabilities, f)
		}
		return
	}
	switch {
	case strings.Contains(msg, "todo"), strings.Contains(msg, "fixme"):
		ff.add(fieldTodos, f)
	case strings.Contains(msg, "deprecated"):
		ff.add(fieldDeprecated, f)
	case strings.Contains(msg, "anti"), strings.Contains(msg, "pattern"):
		ff.add(fieldAntipatterns, f)
	default:
		ff.add(fieldCodeSmells, f)
	}
}

func (ff *findingFields) output() Output {
	out := Output{}
	security, quality := 0, 0
	for _, field := range securityFields {
		out[field] = ff.list(field)
		security += len(ff.byField[field])
	}
	for _, field := range qualityFields {
		out[field] = ff.list(field)
		quality += len(ff.byField[field])
	}
	out["code.security.finding_count"] = security
	out["code.quality.issue_count"] = quality
	return out
}

func (ff *findingFields) list(field string) []map[string]any {
	if l := ff.byField[field]; l != nil {
		return l
	}
	return []map[string]any{}
}

type commentFinding struct {
	field   string
	finding Finding
}

var (
	todoRe       = regexp.MustCompile(`(?:^|[^A-Za-z])(TODO|FIXME|HACK|XXX)\b[:(]?\s*(.*)`)
	deprecatedRe = regexp.MustCompile(`(?i)(@deprecated|\[Obsolete|#\[deprecated|\bDeprecationWarning\b|\bdeprecated:)\s*(.*)`)
	commentRe    = regexp.MustCompile(`(//|#|/\*|\*|--|<!--)`)
)

// scanComments finds TODO style markers and deprecation markers.
func scanComments(lines []string) []commentFinding {
	var out []commentFinding
	for i, line := range lines {
		if m := deprecatedRe.FindStringSubmatch(line); m != nil {
			out = append(out, commentFinding{field: fieldDeprecated, finding: Finding{
				RuleID:   "comment.deprecated",
				Severity: "INFO",
				Line:     i + 1,
				Message:  strings.TrimSpace(m[1] + " " + strings.TrimRight(m[2], " */")),
				Context:  codeContext(lines, i+1),
			}})
		}
		loc := commentRe.FindStringIndex(line)
		if loc == nil {
			continue
		}
		m := todoRe.FindStringSubmatch(line[loc[0]:])
		if m == nil {
			continue
		}
		out = append(out, commentFinding{field: fieldTodos, finding: Finding{
			RuleID:   "comment." + strings.ToLower(m[1]),
			Severity: "INFO",
			Line:     i + 1,
			Message:  strings.TrimSpace(m[1] + ": " + strings.TrimRight(m[2], " */->")),
			Context:  codeContext(lines, i+1),
		}})
	}
	return out
}

var versionRe = regexp.MustCompile(`(\d+)\.(\d+)`)

// versionAtLeast reports whether the first major.minor in s is >= want.
func versionAtLeast(s string, want [2]int) bool {
	m := versionRe.FindStringSubmatch(s)
	if m == nil {
		return false
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	if major != want[0] {
		return major > want[0]
	}
	return minor >= want[1]
}
