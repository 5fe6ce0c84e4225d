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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kraklabs/notebook/internal/bootstrap"
	"github.com/kraklabs/notebook/pkg/analyzer"
	"github.com/kraklabs/notebook/pkg/guard"
	"github.com/kraklabs/notebook/pkg/ingestion"
	"github.com/kraklabs/notebook/pkg/notebook"
	"github.com/kraklabs/notebook/pkg/retry"
	"github.com/kraklabs/notebook/pkg/schema"
)

var (
	// ErrNotInitialized is returned when the runtime could not be built.
	ErrNotInitialized = errors.New("notebook service not initialized")

	// ErrNoSource is returned when a request names neither a repository
	// nor a local path.
	ErrNoSource = errors.New("either repo_url or local_path is required")

	// ErrNoFiles is returned when ingestion produced no files.
	ErrNoFiles = errors.New("no files ingested")

	// ErrProjectBusy is returned when the project is already being processed.
	ErrProjectBusy = errors.New("project is already being processed")
)

// RepoSourceFile is the source file recorded for repository-level snapshots.
const RepoSourceFile = "."

// Request describes one processProject call.
type Request struct {
	ProjectID string
	RepoURL   string
	LocalPath string
	Branch    string
}

// ProgressFunc is called after every routed file.
type ProgressFunc func(done, total int)

// Option customizes a Service.
type Option func(*Service)

// WithMirror sets the manifest mirror, overriding the configured one.
func WithMirror(m Mirror) Option {
	return func(s *Service) { s.mirror = m; s.mirrorSet = true }
}

// WithClock replaces time.Now for manifest timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithProgress registers a progress callback for ProcessProject.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Service) { s.progress = fn }
}

// WithGuardOptions passes options to every project guard.
func WithGuardOptions(opts ...guard.Option) Option {
	return func(s *Service) { s.guardOpts = append(s.guardOpts, opts...) }
}

// Service orchestrates ingestion, analysis and snapshot storage.
type Service struct {
	boot      *bootstrap.Initializer
	logger    *slog.Logger
	now       func() time.Time
	progress  ProgressFunc
	guardOpts []guard.Option

	mu        sync.Mutex
	active    map[string]bool
	mirror    Mirror
	mirrorSet bool
}

// NewService creates a Service. The runtime is built on first use.
func NewService(boot *bootstrap.Initializer, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		boot:   boot,
		logger: logger,
		now:    time.Now,
		active: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) runtime(ctx context.Context) (*bootstrap.Runtime, error) {
	rt, err := s.boot.Runtime(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotInitialized, err)
	}
	return rt, nil
}

func (s *Service) mirrorFor(rt *bootstrap.Runtime) Mirror {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mirrorSet {
		return s.mirror
	}
	s.mirrorSet = true
	mc := rt.Config.Mirror
	if !mc.Enabled() {
		return nil
	}
	m, err := NewS3Mirror(S3Config{
		Endpoint:  mc.Endpoint,
		Region:    mc.Region,
		AccessKey: mc.AccessKey,
		SecretKey: mc.SecretKey,
		Bucket:    mc.Bucket,
		UseSSL:    mc.UseSSL,
		Transport: rt.Policy.Transport(nil),
	})
	if err != nil {
		s.logger.Error("pipeline.mirror.init_failed", "err", err)
		return nil
	}
	s.mirror = m
	return m
}

func (s *Service) acquire(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[projectID] {
		return false
	}
	s.active[projectID] = true
	return true
}

func (s *Service) release(projectID string) {
	s.mu.Lock()
	delete(s.active, projectID)
	s.mu.Unlock()
}

// ProcessProject ingests the request's sources, analyzes every routed file
// and stores the resulting snapshots.
//
// Per-file failures are counted in the manifest and never abort the run.
// Ingestion failures abort before any manifest is written. When the project
// time budget runs out, unscheduled files are counted as failed, the
// manifest is still written, and it is returned together with the error.
func (s *Service) ProcessProject(ctx context.Context, req Request) (*Manifest, error) {
	rt, err := s.runtime(ctx)
	if err != nil {
		return nil, err
	}
	if err := ingestion.ValidateProjectID(req.ProjectID); err != nil {
		return nil, err
	}
	if req.RepoURL == "" && req.LocalPath == "" {
		return nil, ErrNoSource
	}
	if !s.acquire(req.ProjectID) {
		return nil, fmt.Errorf("%w: %s", ErrProjectBusy, req.ProjectID)
	}
	defer s.release(req.ProjectID)

	start := s.now()
	logger := s.logger.With("project_id", req.ProjectID)
	logger.Info("pipeline.project.start", "repo_url", redactURL(req.RepoURL), "local_path", req.LocalPath)

	g := guard.New(rt.Config.Limits, logger, s.guardOpts...)
	g.StartProject()

	loaded, cloned, err := s.ingest(ctx, rt, g, req, logger)
	if err != nil {
		recordProject("failed", s.now().Sub(start))
		logger.Error("pipeline.project.ingest_failed", "err", err)
		return nil, err
	}

	man := &Manifest{
		ProjectID: req.ProjectID,
		Source: Source{
			RepoURL:   redactURL(req.RepoURL),
			LocalPath: req.LocalPath,
			Branch:    req.Branch,
			Commit:    loaded.Commit,
		},
		Stats: newStats(),
	}

	routes, skipped := ingestion.RouteAll(loaded.Files)
	man.Stats.FilesAttempted = len(routes)
	man.Stats.FilesSkipped = skipped
	logger.Info("pipeline.project.routed", "files", loaded.FileCount, "routed", len(routes), "skipped", skipped)

	builder := notebook.NewBuilder(rt.Store, rt.Schema, g, logger)
	categorizer := schema.NewCategorizer(rt.Schema, logger)
	runErr := s.analyzeAll(ctx, rt, g, builder, categorizer, req.ProjectID, routes, &man.Stats, logger)

	if cloned != nil {
		s.storeRepoMetadata(ctx, builder, categorizer, req.ProjectID, cloned, &man.Stats, logger)
	}

	end := s.now()
	man.CreatedAt = end.UTC()
	man.ProcessingTime = ProcessingTime{
		StartTime:       start.UTC(),
		EndTime:         end.UTC(),
		DurationSeconds: math.Round(end.Sub(start).Seconds()*100) / 100,
	}
	if runErr != nil {
		man.Error = runErr.Error()
	}

	data, err := writeManifest(rt.Paths.ManifestPath(req.ProjectID), man)
	if err != nil {
		recordProject("failed", end.Sub(start))
		return man, errors.Join(runErr, err)
	}
	if m := s.mirrorFor(rt); m != nil {
		if err := m.PutManifest(ctx, req.ProjectID, data); err != nil {
			recordMirrorError()
			logger.Warn("pipeline.mirror.failed", "err", err)
		}
	}

	outcome := "completed"
	if runErr != nil {
		outcome = "partial"
	}
	recordProject(outcome, end.Sub(start))
	logger.Info("pipeline.project.complete",
		"files_processed", man.Stats.FilesProcessed,
		"files_attempted", man.Stats.FilesAttempted,
		"files_failed", man.Stats.FilesFailed,
		"snapshots_created", man.Stats.SnapshotsCreated,
		"snapshots_updated", man.Stats.SnapshotsUpdated,
		"snapshots_failed", man.Stats.SnapshotsFailed,
		"snapshots_rejected", man.Stats.SnapshotsRejected,
		"snapshot_types", man.Stats.SnapshotTypes,
		"parsers_used", man.Stats.ParsersUsed,
		"duration_ms", end.Sub(start).Milliseconds(),
	)
	return man, runErr
}

// ingest clones and/or stages the request's sources into the workspace.
// The clone runs first because it replaces the workspace directory.
func (s *Service) ingest(ctx context.Context, rt *bootstrap.Runtime, g *guard.Guard, req Request, logger *slog.Logger) (combined, cloned *ingestion.LoadResult, err error) {
	var results []*ingestion.LoadResult
	if req.RepoURL != "" {
		policy := retry.CloneDefaults()
		policy.OnRetry = func(int, time.Duration, error) { recordCloneRetry() }
		cloner := ingestion.NewCloner(ingestion.CloneConfig{
			Paths:    rt.Paths,
			Policy:   rt.Policy,
			Guard:    g,
			Runner:   rt.Runner,
			Retry:    policy,
			Timeout:  rt.Config.CloneTimeout,
			Excludes: rt.Config.Exclude,
			Logger:   logger,
		})
		cloned, err = cloner.Clone(ctx, req.ProjectID, req.RepoURL, req.Branch)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, cloned)
	}
	if req.LocalPath != "" {
		stager := ingestion.NewStager(ingestion.StageConfig{
			Paths:    rt.Paths,
			Guard:    g,
			Excludes: rt.Config.Exclude,
			Logger:   logger,
		})
		staged, err := stager.Stage(ctx, req.ProjectID, req.LocalPath)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, staged)
	}

	combined = ingestion.Combine(results...)
	if combined == nil || combined.FileCount == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoFiles, req.ProjectID)
	}
	// Each source passed the bounds on its own; together they may not.
	if len(results) > 1 {
		if err := combined.CheckBounds(g); err != nil {
			return nil, nil, err
		}
	}
	return combined, cloned, nil
}

// analyzeAll fans routes out to a worker pool. Each worker owns a fork of
// the project guard so job clocks do not interfere.
func (s *Service) analyzeAll(
	ctx context.Context,
	rt *bootstrap.Runtime,
	g *guard.Guard,
	builder *notebook.Builder,
	categorizer *schema.Categorizer,
	projectID string,
	routes []ingestion.Route,
	total *Stats,
	logger *slog.Logger,
) error {
	workers := rt.Config.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(routes) {
		workers = len(routes)
	}

	var (
		mu      sync.Mutex
		done    int
		stopErr error
	)
	stop := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if stopErr == nil {
			stopErr = err
		}
	}
	stopped := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stopErr != nil
	}
	finish := func(st Stats) {
		mu.Lock()
		defer mu.Unlock()
		total.add(st)
		done++
		if s.progress != nil {
			s.progress(done, len(routes))
		}
	}

	jobs := make(chan ingestion.Route)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fg := g.Fork()
			for route := range jobs {
				st, err := s.processFile(ctx, rt, fg, builder, categorizer, projectID, route, logger)
				if err != nil {
					stop(err)
				}
				finish(st)
			}
		}()
	}

	scheduled := 0
	for _, route := range routes {
		if stopped() {
			break
		}
		if err := ctx.Err(); err != nil {
			stop(err)
			break
		}
		if err := g.CheckProjectTime(); err != nil {
			stop(err)
			break
		}
		jobs <- route
		scheduled++
	}
	close(jobs)
	wg.Wait()

	if remaining := len(routes) - scheduled; remaining > 0 {
		total.FilesFailed += remaining
		logger.Warn("pipeline.project.stopped", "unscheduled_files", remaining, "err", stopErr)
	}
	return stopErr
}

// processFile runs one routed file through categorization, analyzers and
// snapshot storage. A non-nil error stops the project; per-file problems
// are reported through the returned Stats only.
func (s *Service) processFile(
	ctx context.Context,
	rt *bootstrap.Runtime,
	g *guard.Guard,
	builder *notebook.Builder,
	categorizer *schema.Categorizer,
	projectID string,
	route ingestion.Route,
	logger *slog.Logger,
) (Stats, error) {
	start := time.Now()
	st := newStats()
	fileLog := logger.With("file", route.Path)

	if err := g.CheckProjectTime(); err != nil {
		st.FilesFailed = 1
		recordFile("failed", "", 0)
		return st, err
	}

	category := guard.CategoryNormal
	var size int64
	if route.MediaClass == ingestion.MediaCode {
		loc, err := guard.CountLines(route.FullPath)
		if err != nil {
			fileLog.Error("pipeline.file.read_failed", "err", err)
			st.FilesFailed = 1
			recordFile("failed", "", 0)
			return st, nil
		}
		size = int64(loc)
		category = g.CategorizeByLines(loc)
	} else if info, err := os.Stat(route.FullPath); err == nil {
		size = info.Size()
	}
	st.FileCategorization[string(category)]++

	switch category {
	case guard.CategoryRejected:
		fileLog.Warn("pipeline.file.rejected", "loc", size, "hard_cap_loc", g.Limits().HardCapLOC)
		st.FilesFailed = 1
		st.SnapshotsRejected = 1
		recordFile("rejected", string(category), time.Since(start))
		return st, nil
	case guard.CategoryLarge, guard.CategoryPotentialGod:
		fileLog.Info("pipeline.file.large", "loc", size, "category", category)
	}

	g.StartJob()
	jobCtx, cancel := context.WithTimeout(ctx, g.Limits().MaxJobDuration)
	defer cancel()

	in := analyzer.Input{
		Path:       route.FullPath,
		RelPath:    route.Path,
		Language:   route.Language,
		MediaClass: route.MediaClass,
	}
	var parts []schema.Categorized
	for _, res := range rt.Registry.RunAll(jobCtx, route.Parsers, in, rt.Config.AnalyzerTimeout, fileLog) {
		recordAnalyzer(res.Analyzer, res.Duration, res.Err != nil)
		if res.Err != nil {
			continue
		}
		parts = append(parts, categorizer.Categorize(res.Output, res.Analyzer, route.Path))
	}
	if err := g.CheckJobTime(); err != nil {
		fileLog.Warn("pipeline.file.job_timeout", "err", err)
		st.FilesFailed = 1
		recordFile("failed", string(category), time.Since(start))
		return st, nil
	}

	merged := schema.Merge(parts...)
	if merged.FieldCount() == 0 {
		fileLog.Warn("pipeline.file.no_fields", "parsers", route.Parsers)
		st.FilesFailed = 1
		recordFile("failed", string(category), time.Since(start))
		return st, nil
	}

	res, err := builder.CreateSnapshots(ctx, projectID, route.Path, merged, route.Parsers)
	st.SnapshotsAttempted = res.Attempted
	st.SnapshotsCreated = res.Created
	st.SnapshotsUpdated = res.Updated
	st.SnapshotsFailed = res.Failed
	st.SnapshotsRejected += res.Rejected
	recordSnapshots(res.Created, res.Updated, res.Failed, res.Rejected)
	for c, n := range res.Types {
		st.SnapshotTypes[string(c)] += n
	}
	if err != nil {
		fileLog.Warn("pipeline.file.snapshots_incomplete", "err", err)
	}
	if len(res.Records) == 0 {
		st.FilesFailed = 1
		recordFile("failed", string(category), time.Since(start))
		return st, nil
	}

	for _, p := range route.Parsers {
		st.ParsersUsed[p]++
	}
	st.FilesProcessed = 1
	recordFile("processed", string(category), time.Since(start))

	ids := make([]string, 0, len(res.Records))
	types := make([]string, 0, len(res.Records))
	for _, r := range res.Records {
		ids = append(ids, r.ID)
		types = append(types, string(r.Category))
	}
	fileLog.Info("pipeline.file.done",
		"category", category,
		"size", size,
		"language", route.Language,
		"duration_ms", time.Since(start).Milliseconds(),
		"snapshots", len(res.Records),
		"snapshot_types", types,
		"snapshot_ids", ids,
		"parsers", route.Parsers,
	)
	return st, nil
}

// storeRepoMetadata writes the repository-level snapshot of a clone.
func (s *Service) storeRepoMetadata(
	ctx context.Context,
	builder *notebook.Builder,
	categorizer *schema.Categorizer,
	projectID string,
	cloned *ingestion.LoadResult,
	total *Stats,
	logger *slog.Logger,
) {
	languages := make([]string, 0, len(cloned.Languages))
	for lang := range cloned.Languages {
		languages = append(languages, lang)
	}
	sort.Strings(languages)

	remote := redactURL(cloned.Remote)
	out := map[string]any{
		"repo.url":         remote,
		"repo.name":        repoName(remote),
		"repo.file_count":  cloned.FileCount,
		"repo.total_bytes": cloned.TotalSize,
		"repo.languages":   languages,
	}
	if cloned.Branch != "" {
		out["repo.branch"] = cloned.Branch
	}
	if cloned.Commit != "" {
		out["repo.commit"] = cloned.Commit
	}

	fields := categorizer.Categorize(out, "repository", RepoSourceFile)
	res, err := builder.CreateSnapshots(ctx, projectID, RepoSourceFile, fields, nil)
	total.SnapshotsAttempted += res.Attempted
	total.SnapshotsCreated += res.Created
	total.SnapshotsUpdated += res.Updated
	total.SnapshotsFailed += res.Failed
	total.SnapshotsRejected += res.Rejected
	for c, n := range res.Types {
		total.SnapshotTypes[string(c)] += n
	}
	recordSnapshots(res.Created, res.Updated, res.Failed, res.Rejected)
	if err != nil {
		logger.Warn("pipeline.repo_metadata.failed", "err", err)
	}
}

// redactURL drops userinfo from URLs. Non-URL remotes are returned as is.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}

func repoName(remote string) string {
	name := remote
	if u, err := url.Parse(remote); err == nil && u.Path != "" {
		name = u.Path
	} else if i := strings.LastIndex(remote, ":"); i >= 0 {
		name = remote[i+1:]
	}
	return strings.TrimSuffix(path.Base(strings.TrimRight(name, "/")), ".git")
}

// GetProjectNotebook assembles the project notebook. An unknown project
// yields an empty notebook.
func (s *Service) GetProjectNotebook(ctx context.Context, projectID string) (*notebook.ProjectNotebook, error) {
	rt, err := s.runtime(ctx)
	if err != nil {
		return nil, err
	}
	if err := ingestion.ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	return notebook.NewAssembler(rt.Store, rt.Schema, s.logger).ProjectNotebook(ctx, projectID)
}

// GetFileNotebook returns every category stored for one file.
func (s *Service) GetFileNotebook(ctx context.Context, projectID, sourceFile string) (*notebook.FileNotebook, error) {
	rt, err := s.runtime(ctx)
	if err != nil {
		return nil, err
	}
	if err := ingestion.ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	return notebook.NewAssembler(rt.Store, rt.Schema, s.logger).FileNotebook(ctx, projectID, sourceFile)
}

// GetSnapshotStats returns snapshot counts for a project.
func (s *Service) GetSnapshotStats(ctx context.Context, projectID string) (*notebook.SnapshotStats, error) {
	rt, err := s.runtime(ctx)
	if err != nil {
		return nil, err
	}
	if err := ingestion.ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	return notebook.NewAssembler(rt.Store, rt.Schema, s.logger).Stats(ctx, projectID)
}

// DeleteProject removes a project's snapshots, workspace, manifest and
// staging directory. It returns the number of deleted snapshots.
func (s *Service) DeleteProject(ctx context.Context, projectID string) (int64, error) {
	rt, err := s.runtime(ctx)
	if err != nil {
		return 0, err
	}
	if err := ingestion.ValidateProjectID(projectID); err != nil {
		return 0, err
	}
	if !s.acquire(projectID) {
		return 0, fmt.Errorf("%w: %s", ErrProjectBusy, projectID)
	}
	defer s.release(projectID)

	n, err := rt.Store.DeleteProject(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}
	for _, dir := range []string{rt.Paths.ProjectDir(projectID), rt.Paths.StagingDir(projectID)} {
		if err := os.RemoveAll(dir); err != nil {
			return n, fmt.Errorf("remove %s: %w", dir, err)
		}
	}
	if m := s.mirrorFor(rt); m != nil {
		if err := m.DeleteManifest(ctx, projectID); err != nil {
			recordMirrorError()
			s.logger.Warn("pipeline.mirror.delete_failed", "project_id", projectID, "err", err)
		}
	}
	s.logger.Info("pipeline.project.deleted", "project_id", projectID, "snapshots", n)
	return n, nil
}

// GetManifest returns the last manifest written for a project.
func (s *Service) GetManifest(ctx context.Context, projectID string) (*Manifest, error) {
	rt, err := s.runtime(ctx)
	if err != nil {
		return nil, err
	}
	if err := ingestion.ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	return readManifest(rt.Paths.ManifestPath(projectID))
}

// GetMetrics aggregates the manifests of every project.
func (s *Service) GetMetrics(ctx context.Context) (*Metrics, error) {
	rt, err := s.runtime(ctx)
	if err != nil {
		return nil, err
	}
	return aggregateManifests(rt.Paths.ProjectsRoot())
}
