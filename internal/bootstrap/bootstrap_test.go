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

package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/notebook/internal/config"
)

type countingRunner struct {
	calls atomic.Int32
}

func (r *countingRunner) Run(_ context.Context, _ string, _ []string, _ string, _ ...string) ([]byte, error) {
	r.calls.Add(1)
	return nil, errors.New("executable file not found")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DatabaseDSN = filepath.Join(cfg.DataDir, "test.db")
	return cfg
}

func TestRuntime_Once(t *testing.T) {
	runner := &countingRunner{}
	init := NewInitializer(testConfig(t), nil, WithRunner(runner))

	var wg sync.WaitGroup
	results := make([]*Runtime, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rt, err := init.Runtime(context.Background())
			assert.NoError(t, err)
			results[i] = rt
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	t.Cleanup(func() { _ = results[0].Close() })
	for _, rt := range results {
		assert.Same(t, results[0], rt)
	}
	assert.True(t, init.Initialized())
	assert.Equal(t, int32(1), runner.calls.Load(), "semgrep checked once")

	rt := results[0]
	assert.Equal(t, "notebook_schema_v2", rt.Schema.ID())
	assert.False(t, rt.Scanner.Installed)
	assert.Equal(t, []string{"structure", "security", "text", "tabular"}, rt.Registry.Names())
	require.NoError(t, rt.Store.Ping(context.Background()))
}

func TestRuntime_RetriesAfterFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.SchemaPath = filepath.Join(cfg.DataDir, "schema.yaml")
	init := NewInitializer(cfg, nil, WithRunner(&countingRunner{}))

	_, err := init.Runtime(context.Background())
	require.Error(t, err)
	assert.False(t, init.Initialized())

	require.NoError(t, os.WriteFile(cfg.SchemaPath, []byte("schema_id: custom\nfield_id_registry:\n  imports:\n    - {field_id: code.imports.modules, multi: true}\n"), 0o600))
	rt, err := init.Runtime(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	assert.Equal(t, "custom", rt.Schema.ID())
}
