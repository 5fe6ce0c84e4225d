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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/notebook/pkg/guard"
	"github.com/kraklabs/notebook/pkg/retry"
)

// fakeGit emulates git clone by writing files into the destination.
type fakeGit struct {
	mu        sync.Mutex
	calls     [][]string
	envs      [][]string
	cloneErrs []fakeFailure // one entry per attempt; missing entries succeed
	files     map[string]string
	commit    string
	attempts  int
}

type fakeFailure struct {
	output string
	err    error
}

func (f *fakeGit) Run(_ context.Context, _ string, env []string, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.envs = append(f.envs, env)

	switch args[0] {
	case "rev-parse":
		return []byte(f.commit + "\n"), nil
	case "clone":
		dest := args[len(args)-1]
		attempt := f.attempts
		f.attempts++
		if attempt < len(f.cloneErrs) && f.cloneErrs[attempt].err != nil {
			// Leave a partial checkout behind, as a real failed clone can.
			_ = os.MkdirAll(dest, 0o755)
			_ = os.WriteFile(filepath.Join(dest, "partial"), []byte("x"), 0o644)
			return []byte(f.cloneErrs[attempt].output), f.cloneErrs[attempt].err
		}
		for rel, content := range f.files {
			p := filepath.Join(dest, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	return nil, errors.New("unexpected command")
}

func (f *fakeGit) cloneCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c[1] == "clone" {
			n++
		}
	}
	return n
}

type validatorFunc func(ctx context.Context, remote string) error

func (v validatorFunc) ValidateGitRemote(ctx context.Context, remote string) error {
	return v(ctx, remote)
}

var allowAll = validatorFunc(func(context.Context, string) error { return nil })

func newTestCloner(t *testing.T, runner Runner, limits guard.Limits, v RemoteValidator) (*Cloner, Paths) {
	t.Helper()
	paths := Paths{DataDir: t.TempDir()}
	c := NewCloner(CloneConfig{
		Paths:  paths,
		Policy: v,
		Guard:  guard.New(limits, nil),
		Runner: runner,
		Retry: retry.Policy{
			MaxAttempts: 3,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
	})
	return c, paths
}

func TestClone_Success(t *testing.T) {
	git := &fakeGit{
		commit: "0123456789abcdef",
		files: map[string]string{
			"main.py":               "print('hi')\n",
			"docs/README.md":        "# Title\n",
			"big.py":                strings.Repeat("x", 200),
			".git/config":           "[core]\n",
			".git/hooks/pre-commit": "#!/bin/sh\nrm -rf /\n",
		},
	}
	c, paths := newTestCloner(t, git, guard.Limits{MaxCodeFileBytes: 100}, allowAll)

	res, err := c.Clone(context.Background(), "proj", "https://github.com/org/repo.git", "main")
	require.NoError(t, err)

	dest := paths.WorkspaceDir("proj")
	var rels []string
	for _, f := range res.Files {
		rels = append(rels, f.Path)
	}
	assert.Equal(t, []string{"docs/README.md", "main.py"}, rels)
	assert.Equal(t, 1, res.SkipReasons["too_large"])
	assert.Equal(t, 1, res.Languages["python"])
	assert.Equal(t, "0123456789abcdef", res.Commit)
	assert.Equal(t, "main", res.Branch)

	assert.NoFileExists(t, filepath.Join(dest, "big.py"), "oversized file is deleted")
	assert.NoDirExists(t, filepath.Join(dest, ".git", "hooks"))
	assert.FileExists(t, filepath.Join(dest, ".git", "config"))

	clone := git.calls[0]
	assert.Equal(t, []string{"git", "clone", "--no-tags", "--depth", "1", "--quiet", "--branch", "main", "--",
		"https://github.com/org/repo.git", dest}, clone)
	assert.Contains(t, git.envs[0], "GIT_TERMINAL_PROMPT=0")
	for _, kv := range git.envs[0] {
		key := strings.SplitN(kv, "=", 2)[0]
		allowed := key == "GIT_TERMINAL_PROMPT" || key == "GIT_ASKPASS" || key == "GIT_CONFIG_NOSYSTEM"
		for _, k := range inheritedEnv {
			allowed = allowed || key == k
		}
		assert.True(t, allowed, "unexpected variable %s in git environment", key)
	}
}

func TestClone_RetriesTransientFailures(t *testing.T) {
	git := &fakeGit{
		cloneErrs: []fakeFailure{{output: "fatal: unable to access: Connection reset by peer", err: errors.New("exit status 128")}},
		files:     map[string]string{"a.go": "package a\n"},
	}
	c, paths := newTestCloner(t, git, guard.Limits{}, allowAll)

	res, err := c.Clone(context.Background(), "proj", "git@github.com:org/repo.git", "")
	require.NoError(t, err)
	assert.Equal(t, 2, git.cloneCalls())
	assert.Equal(t, 1, res.FileCount)
	assert.NoFileExists(t, filepath.Join(paths.WorkspaceDir("proj"), "partial"))
}

func TestClone_ExhaustedRetriesCleanUp(t *testing.T) {
	fail := fakeFailure{output: "fatal: the remote end hung up unexpectedly", err: errors.New("exit status 128")}
	git := &fakeGit{cloneErrs: []fakeFailure{fail, fail, fail}}
	c, paths := newTestCloner(t, git, guard.Limits{}, allowAll)

	_, err := c.Clone(context.Background(), "proj", "https://github.com/org/repo.git", "")
	require.ErrorIs(t, err, ErrCloneFailed)
	var exhausted *retry.ExhaustedError
	assert.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, git.cloneCalls())
	assert.NoDirExists(t, paths.WorkspaceDir("proj"))
}

func TestClone_PermanentFailureIsNotRetried(t *testing.T) {
	git := &fakeGit{cloneErrs: []fakeFailure{{output: "fatal: repository not found", err: errors.New("exit status 128")}}}
	c, paths := newTestCloner(t, git, guard.Limits{}, allowAll)

	_, err := c.Clone(context.Background(), "proj", "https://github.com/org/missing.git", "")
	require.ErrorIs(t, err, ErrCloneFailed)
	assert.Contains(t, err.Error(), "repository not found")
	assert.Equal(t, 1, git.cloneCalls())
	assert.NoDirExists(t, paths.WorkspaceDir("proj"))
}

func TestClone_PolicyRejectionSpawnsNothing(t *testing.T) {
	denied := errors.New("network policy: host resolves to private address")
	git := &fakeGit{}
	c, _ := newTestCloner(t, git, guard.Limits{}, validatorFunc(func(context.Context, string) error { return denied }))

	_, err := c.Clone(context.Background(), "proj", "https://internal.corp:6443/x", "")
	require.ErrorIs(t, err, denied)
	assert.NotErrorIs(t, err, ErrCloneFailed)
	assert.Empty(t, git.calls)
}

func TestClone_RepoBoundsFailIngestion(t *testing.T) {
	git := &fakeGit{files: map[string]string{"a.py": "1\n", "b.py": "2\n", "c.py": "3\n"}}
	c, paths := newTestCloner(t, git, guard.Limits{MaxRepoFiles: 2}, allowAll)

	_, err := c.Clone(context.Background(), "proj", "https://github.com/org/repo.git", "")
	require.ErrorIs(t, err, guard.ErrRepoLimitExceeded)
	assert.NoDirExists(t, paths.WorkspaceDir("proj"))
}

func TestClone_InvalidInput(t *testing.T) {
	git := &fakeGit{}
	c, _ := newTestCloner(t, git, guard.Limits{}, allowAll)

	_, err := c.Clone(context.Background(), "proj", "https://github.com/org/repo.git", "--upload-pack=x")
	assert.ErrorIs(t, err, ErrInvalidBranch)

	_, err = c.Clone(context.Background(), "../etc", "https://github.com/org/repo.git", "")
	assert.ErrorIs(t, err, ErrInvalidProjectID)
	assert.Empty(t, git.calls)
}

func TestCloneEnv(t *testing.T) {
	t.Setenv("AWS_SECRET_ACCESS_KEY", "shh")
	t.Setenv("HOME", "/home/tester")
	env := cloneEnv()
	assert.Contains(t, env, "HOME=/home/tester")
	assert.Contains(t, env, "GIT_ASKPASS=/bin/true")
	assert.Contains(t, env, "GIT_CONFIG_NOSYSTEM=1")
	for _, kv := range env {
		assert.False(t, strings.HasPrefix(kv, "AWS_"), kv)
	}
}
