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
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/kraklabs/notebook/internal/config"
	"github.com/kraklabs/notebook/pkg/analyzer"
	"github.com/kraklabs/notebook/pkg/guard"
	"github.com/kraklabs/notebook/pkg/ingestion"
	"github.com/kraklabs/notebook/pkg/netpolicy"
	"github.com/kraklabs/notebook/pkg/schema"
	"github.com/kraklabs/notebook/pkg/storage"
)

// Runtime holds everything built once per process. It is passed explicitly
// to the services that need it.
type Runtime struct {
	Config   *config.Config
	Logger   *slog.Logger
	Paths    ingestion.Paths
	Schema   *schema.Schema
	Store    storage.Store
	Policy   *netpolicy.Policy
	Runner   ingestion.Runner
	Security *analyzer.SecurityAnalyzer
	Scanner  analyzer.ScannerStatus
	Registry *analyzer.Registry
}

// Close releases the store.
func (r *Runtime) Close() error {
	if r == nil || r.Store == nil {
		return nil
	}
	return r.Store.Close()
}

// Option customizes an Initializer.
type Option func(*Initializer)

// WithRunner replaces the subprocess runner used for git and semgrep.
func WithRunner(r ingestion.Runner) Option {
	return func(i *Initializer) { i.runner = r }
}

// WithResolver replaces the DNS resolver of the network policy.
func WithResolver(r netpolicy.Resolver) Option {
	return func(i *Initializer) { i.policyOpts = append(i.policyOpts, netpolicy.WithResolver(r)) }
}

// WithPolicyObserver is called for every policy decision.
func WithPolicyObserver(fn func(allowed bool, reason string)) Option {
	return func(i *Initializer) { i.policyOpts = append(i.policyOpts, netpolicy.WithObserver(fn)) }
}

// WithStore uses an already opened store instead of opening the configured
// DSN. The store is still schema-checked.
func WithStore(s storage.Store) Option {
	return func(i *Initializer) { i.store = s }
}

// Initializer builds the Runtime at most once. Concurrent callers block
// until the first attempt finishes; a failed attempt is retried by the next
// caller.
type Initializer struct {
	cfg    *config.Config
	logger *slog.Logger

	runner     ingestion.Runner
	store      storage.Store
	policyOpts []netpolicy.Option

	mu    sync.Mutex
	ready atomic.Pointer[Runtime]
}

// NewInitializer creates an Initializer for cfg.
func NewInitializer(cfg *config.Config, logger *slog.Logger, opts ...Option) *Initializer {
	if logger == nil {
		logger = slog.Default()
	}
	i := &Initializer{cfg: cfg, logger: logger, runner: ingestion.ExecRunner{}}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Runtime returns the process runtime, initializing it on first use.
func (i *Initializer) Runtime(ctx context.Context) (*Runtime, error) {
	if rt := i.ready.Load(); rt != nil {
		return rt, nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if rt := i.ready.Load(); rt != nil {
		return rt, nil
	}

	rt, err := i.build(ctx)
	if err != nil {
		i.logger.Error("bootstrap.init.failed", "err", err)
		return nil, err
	}
	i.ready.Store(rt)
	return rt, nil
}

// Initialized reports whether Runtime has succeeded.
func (i *Initializer) Initialized() bool { return i.ready.Load() != nil }

func (i *Initializer) build(ctx context.Context) (*Runtime, error) {
	cfg := i.cfg
	if cfg == nil {
		cfg = config.Default()
	}
	i.logger.Info("bootstrap.init.start", "data_dir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	var (
		s   *schema.Schema
		err error
	)
	if cfg.SchemaPath != "" {
		s, err = schema.Load(cfg.SchemaPath)
	} else {
		s, err = schema.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	policy, err := netpolicy.New(cfg.Network, i.logger, i.policyOpts...)
	if err != nil {
		return nil, fmt.Errorf("network policy: %w", err)
	}

	store := i.store
	if store == nil {
		store, err = storage.Open(ctx, cfg.DSN(), i.logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	if err := store.EnsureSchema(ctx); err != nil {
		if i.store == nil {
			_ = store.Close()
		}
		return nil, fmt.Errorf("ensure store schema: %w", err)
	}

	limits := cfg.Limits
	sec := analyzer.NewSecurityAnalyzer(analyzer.SecurityConfig{
		Binary:   cfg.Semgrep.Binary,
		Config:   cfg.Semgrep.Rules,
		Disabled: cfg.Semgrep.Disabled,
		Timeout:  cfg.Semgrep.Timeout,
		MaxBytes: limits.MaxCodeFileBytes,
		Runner:   i.runner,
		Logger:   i.logger,
	})
	status := sec.Detect(ctx)

	registry := analyzer.NewRegistry(
		analyzer.NewStructureAnalyzer(limits.MaxCodeFileBytes, i.logger),
		sec,
		analyzer.NewTextAnalyzer(limits, i.logger),
		analyzer.NewTabularAnalyzer(guard.New(limits, i.logger), i.logger),
	)

	i.logger.Info("bootstrap.init.complete",
		"schema_id", s.ID(),
		"fields", s.FieldCount(),
		"semgrep", status.Compatible,
		"analyzers", registry.Names(),
	)
	return &Runtime{
		Config:   cfg,
		Logger:   i.logger,
		Paths:    ingestion.Paths{DataDir: cfg.DataDir},
		Schema:   s,
		Store:    store,
		Policy:   policy,
		Runner:   i.runner,
		Security: sec,
		Scanner:  status,
		Registry: registry,
	}, nil
}
