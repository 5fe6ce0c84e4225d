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
	"context"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/notebook/internal/errors"
	"github.com/kraklabs/notebook/internal/output"
	"github.com/kraklabs/notebook/internal/ui"
	"github.com/kraklabs/notebook/pkg/pipeline"
)

// projectFlags registers --project on fs.
func projectFlags(fs *flag.FlagSet) *string {
	return fs.StringP("project", "p", "", "Project id")
}

// runNotebook prints the project notebook, or one file's notebook with
// --file. Notebooks are documents, so the output is always JSON.
func runNotebook(args []string, globals GlobalFlags) error {
	fs := flag.NewFlagSet("notebook", flag.ContinueOnError)
	projectID := projectFlags(fs)
	file := fs.String("file", "", "Source file path relative to the project root")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireProject("notebook", *projectID); err != nil {
		return err
	}

	a, err := newApp(globals)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	if *file != "" {
		fnb, err := a.svc.GetFileNotebook(ctx, *projectID, *file)
		if err != nil {
			return err
		}
		return output.JSON(os.Stdout, fnb)
	}
	nb, err := a.svc.GetProjectNotebook(ctx, *projectID)
	if err != nil {
		return err
	}
	return output.JSON(os.Stdout, nb)
}

// runStats prints snapshot counts for a project.
func runStats(args []string, globals GlobalFlags) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	projectID := projectFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireProject("stats", *projectID); err != nil {
		return err
	}

	a, err := newApp(globals)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.svc.GetSnapshotStats(context.Background(), *projectID)
	if err != nil {
		return err
	}
	if globals.JSON {
		return output.JSON(os.Stdout, st)
	}
	p := ui.NewPrinter(os.Stdout)
	p.Header("Snapshots: " + st.ProjectID)
	p.Count("Total", st.TotalSnapshots, false)
	p.Field("Approx. size", fmt.Sprintf("%d bytes", st.ApproxBytes))
	p.Counts("By category", st.ByCategory)
	p.Counts("By file", st.ByFile)
	return nil
}

// runManifest prints the last manifest written for a project.
func runManifest(args []string, globals GlobalFlags) error {
	fs := flag.NewFlagSet("manifest", flag.ContinueOnError)
	projectID := projectFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireProject("manifest", *projectID); err != nil {
		return err
	}

	a, err := newApp(globals)
	if err != nil {
		return err
	}
	defer a.Close()

	man, err := a.svc.GetManifest(context.Background(), *projectID)
	if err != nil {
		return err
	}
	if globals.JSON {
		return output.JSON(os.Stdout, man)
	}
	printManifest(os.Stdout, man)
	return nil
}

// runMetrics prints metrics aggregated over every manifest.
func runMetrics(args []string, globals GlobalFlags) error {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	a, err := newApp(globals)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.svc.GetMetrics(context.Background())
	if err != nil {
		return err
	}
	if globals.JSON {
		return output.JSON(os.Stdout, m)
	}
	printMetrics(os.Stdout, m)
	return nil
}

func printMetrics(w io.Writer, m *pipeline.Metrics) {
	p := ui.NewPrinter(w)
	p.Header("Notebook metrics")
	p.Count("Projects", m.Projects.Total, false)
	p.Count("Files processed", m.Files.Processed, false)
	p.Count("Snapshots created", m.Snapshots.Created, false)
	p.Count("Snapshots failed", m.Snapshots.Failed, true)
	p.Counts("File categorization", m.Files.Categorization)
	p.Counts("Snapshots by type", m.Snapshots.ByType)
	p.Counts("Parsers", m.Parsers)
	if len(m.Projects.List) > 0 {
		fmt.Fprintln(w)
		for _, e := range m.Projects.List {
			fmt.Fprintf(w, "  %-30s %6d files %6d snapshots\n", e.ProjectID, e.Files, e.Snapshots)
		}
	}
}

// runDelete removes a project. It refuses to run without --yes.
func runDelete(args []string, globals GlobalFlags) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	projectID := projectFlags(fs)
	yes := fs.Bool("yes", false, "Confirm deletion")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireProject("delete", *projectID); err != nil {
		return err
	}
	if !*yes {
		return errors.NewInputError(
			"Refusing to delete without confirmation",
			"delete removes every snapshot, the workspace and the manifest of "+*projectID,
			fmt.Sprintf("Run 'notebook delete -p %s --yes'", *projectID),
		)
	}

	a, err := newApp(globals)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.svc.DeleteProject(context.Background(), *projectID)
	if err != nil {
		return err
	}
	if globals.JSON {
		return output.JSON(os.Stdout, map[string]any{"project_id": *projectID, "deleted_snapshots": n})
	}
	ui.NewPrinter(os.Stdout).Successf("Deleted project %s (%d snapshots)", *projectID, n)
	return nil
}
