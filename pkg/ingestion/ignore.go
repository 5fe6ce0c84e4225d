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
	"path"
	"path/filepath"
	"strings"
)

// DefaultIgnore lists paths that are never ingested from uploads: VCS
// metadata, dependency caches, credentials and keys, IDE state, build
// artifacts, logs, local databases and backups.
var DefaultIgnore = []string{
	".git/**", ".hg/**", ".svn/**",
	"node_modules/**", "vendor/**", "bower_components/**",
	"__pycache__/**", ".venv/**", "venv/**", ".tox/**", ".mypy_cache/**", ".pytest_cache/**", "*.pyc",
	".env", ".env.*", ".npmrc", ".pypirc", ".netrc", ".ssh/**", ".aws/**", ".gnupg/**",
	"*.pem", "*.key", "*.p12", "*.pfx", "*.keystore", "id_rsa*", "id_ecdsa*", "id_ed25519*",
	".idea/**", ".vscode/**", "*.swp", ".DS_Store",
	"dist/**", "build/**", "target/**", "*.o", "*.so", "*.dylib", "*.class",
	"*.log", "logs/**",
	"*.db", "*.sqlite", "*.sqlite3",
	"*.bak", "*.orig", "*~",
}

// IgnoreSet matches slash-separated paths, relative to a workspace root,
// against ignore patterns.
//
// Pattern syntax:
//   - "*", "?" and "[...]" match within one path segment; "[!...]" and
//     "[^...]" negate a class
//   - "**" as a whole segment matches any number of segments, none included
//   - a leading "/" anchors the pattern at the root, otherwise it may start
//     at any directory
//   - a pattern that matches a directory ignores everything below it
type IgnoreSet struct {
	rules []ignoreRule
}

type ignoreRule struct {
	pattern  string
	anchored bool
	segments []string
}

// NewIgnoreSet compiles patterns. Malformed patterns are reported in the
// returned error and left out of the set; the valid ones still apply.
func NewIgnoreSet(patterns ...string) (*IgnoreSet, error) {
	s := &IgnoreSet{}
	var errs []error
	for _, raw := range patterns {
		rule, ok, err := compileIgnoreRule(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			s.rules = append(s.rules, rule)
		}
	}
	return s, errors.Join(errs...)
}

func compileIgnoreRule(raw string) (ignoreRule, bool, error) {
	p := strings.TrimSpace(filepath.ToSlash(raw))
	rule := ignoreRule{pattern: p}
	if strings.HasPrefix(p, "/") {
		rule.anchored = true
		p = strings.TrimLeft(p, "/")
	}
	for _, seg := range strings.Split(p, "/") {
		switch {
		case seg == "":
			continue
		case seg == "**":
			// Consecutive "**" segments are one.
			if n := len(rule.segments); n > 0 && rule.segments[n-1] == "**" {
				continue
			}
		default:
			seg = strings.ReplaceAll(seg, "[!", "[^")
			if _, err := path.Match(seg, ""); err != nil {
				return ignoreRule{}, false, fmt.Errorf("ignore pattern %q: %w", raw, err)
			}
		}
		rule.segments = append(rule.segments, seg)
	}
	return rule, len(rule.segments) > 0, nil
}

// Len returns the number of compiled patterns.
func (s *IgnoreSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Match returns the first pattern that ignores rel.
func (s *IgnoreSet) Match(rel string) (string, bool) {
	if s == nil {
		return "", false
	}
	rel = strings.Trim(filepath.ToSlash(rel), "/")
	if rel == "" || rel == "." {
		return "", false
	}
	segs := strings.Split(rel, "/")
	for _, r := range s.rules {
		if r.matches(segs) {
			return r.pattern, true
		}
	}
	return "", false
}

// Ignored reports whether any pattern matches rel.
func (s *IgnoreSet) Ignored(rel string) bool {
	_, ok := s.Match(rel)
	return ok
}

func (r ignoreRule) matches(segs []string) bool {
	starts := len(segs)
	if r.anchored {
		starts = 1
	}
	for i := 0; i < starts; i++ {
		if matchLeading(r.segments, segs[i:]) {
			return true
		}
	}
	return false
}

// matchLeading reports whether pattern matches segs or one of its leading
// directories.
func matchLeading(pattern, segs []string) bool {
	if len(pattern) == 0 {
		return true
	}
	if pattern[0] == "**" {
		for i := 0; i <= len(segs); i++ {
			if matchLeading(pattern[1:], segs[i:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	if ok, err := path.Match(pattern[0], segs[0]); err != nil || !ok {
		return false
	}
	return matchLeading(pattern[1:], segs[1:])
}
