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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kraklabs/notebook/pkg/guard"
	"github.com/kraklabs/notebook/pkg/retry"
)

var (
	// ErrCloneFailed wraps the last error of a clone that could not complete.
	ErrCloneFailed = errors.New("git clone failed")

	// ErrInvalidBranch is returned for branch names git could read as options.
	ErrInvalidBranch = errors.New("invalid branch name")
)

// DefaultCloneTimeout bounds a single git clone attempt.
const DefaultCloneTimeout = 600 * time.Second

var branchPattern = regexp.MustCompile(`^[A-Za-z0-9._/][A-Za-z0-9._/-]{0,254}$`)

// inheritedEnv lists the only variables the git subprocess inherits.
var inheritedEnv = []string{
	"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR",
	"SSL_CERT_FILE", "SSL_CERT_DIR",
	"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY",
}

// Runner executes external commands. ExecRunner is the production
// implementation; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec and returns their combined output.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	// #nosec G204 - arguments are validated by the caller and passed without a shell
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// RemoteValidator checks a git remote before anything is spawned.
// *netpolicy.Policy satisfies it.
type RemoteValidator interface {
	ValidateGitRemote(ctx context.Context, remote string) error
}

// CloneConfig configures a Cloner.
type CloneConfig struct {
	Paths    Paths
	Policy   RemoteValidator
	Guard    *guard.Guard
	Runner   Runner        // defaults to ExecRunner
	Retry    retry.Policy  // defaults to retry.CloneDefaults()
	Timeout  time.Duration // defaults to DefaultCloneTimeout
	Excludes []string      // extra globs skipped during enumeration
	Logger   *slog.Logger
}

// Cloner materializes a remote git repository in a project workspace.
type Cloner struct {
	cfg     CloneConfig
	exclude *IgnoreSet
	logger  *slog.Logger
}

// NewCloner creates a Cloner.
func NewCloner(cfg CloneConfig) *Cloner {
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.CloneDefaults()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCloneTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	exclude, err := NewIgnoreSet(cfg.Excludes...)
	if err != nil {
		cfg.Logger.Warn("repo.clone.bad_pattern", "err", err)
	}
	return &Cloner{cfg: cfg, exclude: exclude, logger: cfg.Logger}
}

// Clone validates remote, shallow-clones it into the project workspace and
// enumerates the files that survive the size ceilings.
//
// Policy violations are returned before any subprocess is spawned and are
// never retried. Transient git failures are retried; the final failure
// wraps ErrCloneFailed. No partial workspace survives a failed clone.
func (c *Cloner) Clone(ctx context.Context, projectID, remote, branch string) (*LoadResult, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	if branch != "" && !branchPattern.MatchString(branch) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBranch, branch)
	}
	if err := c.cfg.Policy.ValidateGitRemote(ctx, remote); err != nil {
		return nil, fmt.Errorf("validate git remote: %w", err)
	}
	if err := c.cfg.Guard.CheckProjectTime(); err != nil {
		return nil, err
	}

	dest, err := filepath.Abs(c.cfg.Paths.WorkspaceDir(projectID))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("remove stale workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}

	args := []string{"clone", "--no-tags", "--depth", "1", "--quiet"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, "--", remote, dest)
	env := cloneEnv()

	start := time.Now()
	c.logger.Info("repo.clone.start", "project_id", projectID, "branch", branch)

	policy := c.cfg.Retry
	userOnRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("repo.clone.retry", "project_id", projectID, "attempt", attempt, "delay", delay, "err", err)
		if userOnRetry != nil {
			userOnRetry(attempt, delay, err)
		}
	}
	err = policy.Do(ctx, func(int) error {
		c.cfg.Guard.StartJob()
		if err := c.runClone(ctx, env, args); err != nil {
			_ = os.RemoveAll(dest)
			return err
		}
		if err := c.cfg.Guard.CheckJobTime(); err != nil {
			_ = os.RemoveAll(dest)
			return err
		}
		return nil
	})
	if err != nil {
		_ = os.RemoveAll(dest)
		c.logger.Error("repo.clone.failed", "project_id", projectID, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrCloneFailed, err)
	}

	// Hooks bundled with the repository must never be executable here.
	if err := os.RemoveAll(filepath.Join(dest, ".git", "hooks")); err != nil {
		_ = os.RemoveAll(dest)
		return nil, fmt.Errorf("remove git hooks: %w", err)
	}

	result, err := c.enumerate(ctx, dest)
	if err != nil {
		_ = os.RemoveAll(dest)
		return nil, err
	}
	result.Remote = remote
	result.Branch = branch
	result.Commit = c.headCommit(ctx, dest, env)

	c.logger.Info("repo.clone.success",
		"project_id", projectID,
		"files", result.FileCount,
		"total_size", result.TotalSize,
		"commit", result.Commit,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (c *Cloner) runClone(ctx context.Context, env, args []string) error {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	out, err := c.cfg.Runner.Run(cctx, "", env, "git", args...)
	if err == nil {
		return nil
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("git clone timed out after %s: %w", c.cfg.Timeout, context.DeadlineExceeded)
	}
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Errorf("git clone: %s: %w", msg, err)
}

func (c *Cloner) headCommit(ctx context.Context, dir string, env []string) string {
	out, err := c.cfg.Runner.Run(ctx, dir, env, "git", "rev-parse", "HEAD")
	if err != nil {
		c.logger.Warn("repo.clone.rev_parse.error", "dir", dir, "err", err)
		return ""
	}
	return strings.TrimSpace(string(out))
}

// enumerate lists the cloned files. Files over their size ceiling and
// symlinks are deleted from the workspace; the survivors must pass the
// repository bounds.
func (c *Cloner) enumerate(ctx context.Context, root string) (*LoadResult, error) {
	result := newLoadResult(root)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			c.logger.Warn("repo.walk.error", "path", path, "err", err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == ".git" {
				return filepath.SkipDir
			}
			if rel != "." && c.exclude.Ignored(rel) {
				result.SkipReasons["excluded_dir"]++
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			result.SkipReasons["symlink"]++
			_ = os.Remove(path)
			return nil
		}
		if !d.Type().IsRegular() {
			result.SkipReasons["special"]++
			return nil
		}
		if c.exclude.Ignored(rel) {
			result.SkipReasons["excluded"]++
			return nil
		}
		if err := c.cfg.Guard.CheckProjectTime(); err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if err := c.cfg.Guard.CheckSize(rel, info.Size()); err != nil {
			c.logger.Warn("repo.walk.remove_large_file", "path", rel, "size", info.Size(), "err", err)
			result.SkipReasons["too_large"]++
			if rmErr := os.Remove(path); rmErr != nil {
				c.logger.Warn("repo.walk.remove_error", "path", rel, "err", rmErr)
			}
			return nil
		}

		result.add(FileInfo{
			Path:     rel,
			FullPath: path,
			Size:     info.Size(),
			Language: detectLanguageFromPath(rel),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate clone: %w", err)
	}

	if err := result.CheckBounds(c.cfg.Guard); err != nil {
		return nil, err
	}
	result.sortFiles()
	return result, nil
}

// cloneEnv builds the restricted git environment: an allowlist of
// inherited variables plus settings that disable credential prompts and
// system-wide configuration.
func cloneEnv() []string {
	env := make([]string, 0, len(inheritedEnv)+3)
	for _, key := range inheritedEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return append(env,
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=/bin/true",
		"GIT_CONFIG_NOSYSTEM=1",
	)
}
