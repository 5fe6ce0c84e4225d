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
// Package main implements the notebook CLI: it ingests a project, analyzes
// every file and serves the resulting project notebook.
//
// Usage:
//
//	notebook process -p <id> --repo <url> [--branch b]   Clone and process a repository
//	notebook process -p <id> --local <dir>                Process an uploaded directory
//	notebook notebook -p <id> [--file f]                  Print the project or file notebook
//	notebook stats -p <id>                                Snapshot counts
//	notebook manifest -p <id>                             Last processing manifest
//	notebook metrics                                      Aggregated manifest metrics
//	notebook delete -p <id> --yes                         Delete a project
//	notebook serve [--addr :9090]                         HTTP metrics and read API
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/notebook/internal/errors"
	"github.com/kraklabs/notebook/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags are the flags accepted before the command name.
type GlobalFlags struct {
	ConfigPath string
	JSON       bool
	Quiet      bool
	NoColor    bool
	Debug      bool
}

const usage = `notebook - project notebook ingestion pipeline

Clones or stages a project, analyzes every file and stores one snapshot per
file and category. The snapshots are assembled into a reproducible project
notebook.

Usage:
  notebook [global options] <command> [options]

Commands:
  process    Ingest and analyze a project
  notebook   Print the project notebook (or one file with --file)
  stats      Print snapshot counts for a project
  manifest   Print the last processing manifest
  metrics    Print metrics aggregated over all manifests
  delete     Delete a project's snapshots, workspace and manifest
  serve      Serve Prometheus metrics and the read API over HTTP
  version    Print version information

Global Options:
`

const usageFooter = `
Environment Variables:
  NOTEBOOK_DATA_DIR       Data directory (default: ./data)
  NOTEBOOK_DATABASE_DSN   SQLite path or postgres:// DSN
  NOTEBOOK_ALLOWLIST      Comma-separated outbound domain allowlist
  NOTEBOOK_LOG_LEVEL      debug, info, warn or error

For command help: notebook <command> --help
`

func main() {
	os.Exit(run(os.Args[1:]))
}

// run parses global flags, dispatches the command and returns the exit code.
func run(args []string) int {
	var globals GlobalFlags
	fs := flag.NewFlagSet("notebook", flag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.StringVarP(&globals.ConfigPath, "config", "c", "", "Path to a YAML config file")
	fs.BoolVar(&globals.JSON, "json", false, "Write results and errors as JSON")
	fs.BoolVarP(&globals.Quiet, "quiet", "q", false, "Suppress progress output")
	fs.BoolVar(&globals.NoColor, "no-color", false, "Disable colored output")
	fs.BoolVar(&globals.Debug, "debug", false, "Enable debug logging")
	showVersion := fs.Bool("version", false, "Show version and exit")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
		fmt.Fprint(os.Stderr, usageFooter)
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return errors.ExitSuccess
		}
		return errors.ExitInput
	}
	if globals.JSON {
		globals.Quiet = true
	}
	ui.InitColors(globals.NoColor)

	if *showVersion {
		runVersion()
		return errors.ExitSuccess
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.ExitInput
	}

	command, cmdArgs := rest[0], rest[1:]
	var err error
	switch command {
	case "process":
		err = runProcess(cmdArgs, globals)
	case "notebook":
		err = runNotebook(cmdArgs, globals)
	case "stats":
		err = runStats(cmdArgs, globals)
	case "manifest":
		err = runManifest(cmdArgs, globals)
	case "metrics":
		err = runMetrics(cmdArgs, globals)
	case "delete":
		err = runDelete(cmdArgs, globals)
	case "serve":
		err = runServe(cmdArgs, globals)
	case "version":
		runVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		fs.Usage()
		return errors.ExitInput
	}
	if err == flag.ErrHelp {
		return errors.ExitSuccess
	}
	return errors.Report(os.Stderr, err, globals.JSON, globals.NoColor)
}

func runVersion() {
	fmt.Printf("notebook version %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", date)
}
