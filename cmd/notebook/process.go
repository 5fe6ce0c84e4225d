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

package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/notebook/internal/output"
	"github.com/kraklabs/notebook/internal/ui"
	"github.com/kraklabs/notebook/pkg/pipeline"
)

// runProcess executes the 'process' command: clone and/or stage the
// project's sources, analyze every routed file and store the snapshots.
//
// A manifest is printed whenever one was written, including runs that
// stopped early on the project time budget.
func runProcess(args []string, globals GlobalFlags) error {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	projectID := fs.StringP("project", "p", "", "Project id")
	repoURL := fs.String("repo", "", "Git repository to clone (https, ssh or scp-style)")
	localPath := fs.String("local", "", "Staging directory (<data_dir>/uploads/<project>)")
	branch := fs.String("branch", "", "Branch or tag to clone")
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: notebook process --project <id> [--repo <url>] [--local <dir>] [options]

At least one of --repo or --local is required. When both are given the
repository is cloned first and the staged files are added on top.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  notebook process -p widgets --repo https://github.com/acme/widgets.git
  notebook process -p docs --local ./data/uploads/docs
`)
	}
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireProject("process", *projectID); err != nil {
		return err
	}

	progress := newFileProgress(NewProgressConfig(globals))
	a, err := newApp(globals, pipeline.WithProgress(progress.Func()))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(a.logger)
	defer cancel()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		stop := startMetricsServer(a.logger, *metricsAddr, mux)
		defer stop()
	}

	local := *localPath
	if local != "" {
		if abs, err := filepath.Abs(local); err == nil {
			local = abs
		}
	}

	man, runErr := a.svc.ProcessProject(ctx, pipeline.Request{
		ProjectID: *projectID,
		RepoURL:   *repoURL,
		LocalPath: local,
		Branch:    *branch,
	})
	progress.Finish()

	if man != nil {
		if globals.JSON {
			if err := output.JSON(os.Stdout, man); err != nil {
				return err
			}
		} else {
			printManifest(os.Stdout, man)
		}
	}
	return runErr
}

// printManifest renders a manifest for humans.
func printManifest(w io.Writer, man *pipeline.Manifest) {
	p := ui.NewPrinter(w)
	p.Header("Project " + man.ProjectID)
	if man.Source.RepoURL != "" {
		p.Field("Repository", man.Source.RepoURL)
	}
	if man.Source.Branch != "" {
		p.Field("Branch", man.Source.Branch)
	}
	if man.Source.Commit != "" {
		p.Field("Commit", ui.DimText(man.Source.Commit))
	}
	if man.Source.LocalPath != "" {
		p.Field("Local path", ui.DimText(man.Source.LocalPath))
	}
	p.Field("Duration", fmt.Sprintf("%.2fs", man.ProcessingTime.DurationSeconds))
	fmt.Fprintln(w)

	st := man.Stats
	p.Count("Files attempted", st.FilesAttempted, false)
	p.Count("Files processed", st.FilesProcessed, false)
	p.Count("Files failed", st.FilesFailed, true)
	p.Count("Files skipped", st.FilesSkipped, false)
	p.Count("Snapshots created", st.SnapshotsCreated, false)
	p.Count("Snapshots updated", st.SnapshotsUpdated, false)
	p.Count("Snapshots failed", st.SnapshotsFailed, true)
	p.Count("Snapshots rejected", st.SnapshotsRejected, true)
	p.Counts("Snapshot types", st.SnapshotTypes)
	p.Counts("Parsers used", st.ParsersUsed)
	p.Counts("File categorization", st.FileCategorization)

	switch {
	case man.Error != "":
		p.Warningf("Stopped early: %s", man.Error)
	case st.FilesFailed > 0:
		p.Warningf("Processed %d of %d files", st.FilesProcessed, st.FilesAttempted)
	default:
		p.Successf("Processed %d files", st.FilesProcessed)
	}
}
