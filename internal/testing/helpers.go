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

package testing

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kraklabs/notebook/internal/config"
	"github.com/kraklabs/notebook/pkg/schema"
	"github.com/kraklabs/notebook/pkg/storage"
)

// SetupTestStore creates an in-memory SQLite snapshot store for testing.
// The store is automatically closed when the test finishes.
//
// Example:
//
//	func TestMyFeature(t *testing.T) {
//	    store := testing.SetupTestStore(t)
//	    testing.InsertTestSnapshot(t, store, "p1", "main.py", schema.Functions,
//	        map[string]any{"code.functions.count": 2})
//	}
func SetupTestStore(t *testing.T) storage.Store {
	t.Helper()

	store, err := storage.OpenSQLite(context.Background(), storage.MemoryDSN, nil)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// InsertTestSnapshot upserts one snapshot and returns it.
func InsertTestSnapshot(t *testing.T, store storage.Store, projectID, file string, category schema.Category, fields map[string]any) storage.Record {
	t.Helper()

	rec, _, err := store.Upsert(context.Background(), projectID, file, category, fields)
	if err != nil {
		t.Fatalf("failed to insert test snapshot: %v", err)
	}
	return rec
}

// QuerySnapshots returns every snapshot of a project.
func QuerySnapshots(t *testing.T, store storage.Store, projectID string) []storage.Record {
	t.Helper()

	recs, err := store.ListByProject(context.Background(), projectID)
	if err != nil {
		t.Fatalf("failed to list snapshots: %v", err)
	}
	return recs
}

// WriteTree creates files under root. Keys are slash-separated relative
// paths, values are file contents.
//
// Example:
//
//	testing.WriteTree(t, dir, map[string]string{
//	    "app/main.py": "print('hi')\n",
//	    "README.md":   "# Readme\n",
//	})
func WriteTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("failed to create dir for %s: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", rel, err)
		}
	}
}

// TestConfig returns the default configuration rooted in a temp directory
// with an in-memory database and semgrep disabled.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DatabaseDSN = storage.MemoryDSN
	cfg.Semgrep.Disabled = true
	cfg.Workers = 2
	return cfg
}

// ForbiddenRunner fails the test if any subprocess is started.
type ForbiddenRunner struct {
	T *testing.T
}

// Run implements ingestion.Runner.
func (r ForbiddenRunner) Run(_ context.Context, _ string, _ []string, name string, args ...string) ([]byte, error) {
	r.T.Errorf("unexpected subprocess: %s %v", name, args)
	return nil, os.ErrPermission
}

// RecordingRunner records every invocation and answers with Fn.
type RecordingRunner struct {
	Fn func(dir, name string, args []string) ([]byte, error)

	mu    sync.Mutex
	calls [][]string
}

// Run implements ingestion.Runner.
func (r *RecordingRunner) Run(_ context.Context, dir string, _ []string, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	r.mu.Unlock()
	if r.Fn == nil {
		return nil, nil
	}
	return r.Fn(dir, name, args)
}

// Calls returns a copy of the recorded invocations.
func (r *RecordingRunner) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

// StaticResolver resolves hosts from a fixed table.
type StaticResolver map[string][]string

// LookupHost implements netpolicy.Resolver.
func (r StaticResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if addrs, ok := r[host]; ok {
		return addrs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}
