// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package errors provides structured error handling for the notebook CLI.
//
// A UserError says what went wrong, why, and how to fix it, and carries
// the exit code the process should end with:
//
//	err := errors.NewResourceError(
//	    "Repository is too large",
//	    "file count 120000 exceeds limit 100000",
//	    "Raise limits.max_repo_files or exclude generated directories",
//	    underlyingErr,
//	)
//	fmt.Fprint(os.Stderr, err.Format(false))
//	// Error: Repository is too large
//	// Cause: file count 120000 exceeds limit 100000
//	// Fix:   Raise limits.max_repo_files or exclude generated directories
//
// Classify turns errors returned by the pipeline into UserErrors so every
// command reports failures the same way.
//
// # Exit Codes
//
//   - ExitSuccess (0)
//   - ExitConfig (1): missing or invalid configuration
//   - ExitDatabase (2): snapshot store unavailable
//   - ExitNetwork (3): network policy rejection, clone failure
//   - ExitInput (4): bad arguments, invalid project id or staging path
//   - ExitPermission (5)
//   - ExitNotFound (6): unknown project, file or manifest
//   - ExitResource (7): a resource guard limit was hit
//   - ExitInternal (10): bugs
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/kraklabs/notebook/internal/config"
	"github.com/kraklabs/notebook/pkg/guard"
	"github.com/kraklabs/notebook/pkg/ingestion"
	"github.com/kraklabs/notebook/pkg/netpolicy"
	"github.com/kraklabs/notebook/pkg/pipeline"
	"github.com/kraklabs/notebook/pkg/storage"
)

// Exit codes for different error categories.
const (
	ExitSuccess    = 0
	ExitConfig     = 1
	ExitDatabase   = 2
	ExitNetwork    = 3
	ExitInput      = 4
	ExitPermission = 5
	ExitNotFound   = 6

	// ExitResource means a time, size or count limit stopped the run.
	ExitResource = 7

	// ExitInternal signals "this is a bug that should be reported".
	ExitInternal = 10
)

// UserError is an error with context for end users.
type UserError struct {
	// Message describes what went wrong.
	Message string

	// Cause explains why it happened.
	Cause string

	// Fix suggests how to resolve it.
	Fix string

	ExitCode int

	// Err is the wrapped error, if any.
	Err error
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *UserError) Unwrap() error {
	return e.Err
}

func newUserError(code int, msg, cause, fix string, err error) *UserError {
	return &UserError{Message: msg, Cause: cause, Fix: fix, ExitCode: code, Err: err}
}

// NewConfigError creates a configuration error with exit code ExitConfig.
func NewConfigError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitConfig, msg, cause, fix, err)
}

// NewDatabaseError creates a snapshot store error with exit code ExitDatabase.
func NewDatabaseError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitDatabase, msg, cause, fix, err)
}

// NewNetworkError creates a network error with exit code ExitNetwork.
func NewNetworkError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitNetwork, msg, cause, fix, err)
}

// NewInputError creates an input validation error with exit code ExitInput.
// Input errors do not wrap an underlying error.
func NewInputError(msg, cause, fix string) *UserError {
	return newUserError(ExitInput, msg, cause, fix, nil)
}

// NewPermissionError creates a permission error with exit code ExitPermission.
func NewPermissionError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitPermission, msg, cause, fix, err)
}

// NewNotFoundError creates a not found error with exit code ExitNotFound.
func NewNotFoundError(msg, cause, fix string) *UserError {
	return newUserError(ExitNotFound, msg, cause, fix, nil)
}

// NewResourceError creates a resource limit error with exit code ExitResource.
func NewResourceError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitResource, msg, cause, fix, err)
}

// NewInternalError creates an internal error with exit code ExitInternal.
func NewInternalError(msg, cause, fix string, err error) *UserError {
	return newUserError(ExitInternal, msg, cause, fix, err)
}

// Classify maps an error returned by the pipeline to a UserError. A
// UserError anywhere in the chain is returned as is; nil stays nil.
func Classify(err error) *UserError {
	if err == nil {
		return nil
	}
	var ue *UserError
	if stderrors.As(err, &ue) {
		return ue
	}

	cause := err.Error()
	switch {
	case stderrors.Is(err, config.ErrInvalidConfig):
		return NewConfigError("Invalid configuration", cause,
			"Check the config file and NOTEBOOK_* environment variables", err)
	case stderrors.Is(err, pipeline.ErrNotInitialized):
		if stderrors.Is(err, fs.ErrNotExist) {
			return NewConfigError("Cannot start the notebook service", cause,
				"Check schema_path and data_dir in the configuration", err)
		}
		return NewDatabaseError("Cannot start the notebook service", cause,
			"Check database_dsn and that the data directory is writable", err)
	case stderrors.Is(err, netpolicy.ErrPolicy):
		return NewNetworkError("Outbound request blocked", cause,
			"Add the host to network.domain_allowlist or use a public address", err)
	case stderrors.Is(err, ingestion.ErrCloneFailed):
		return NewNetworkError("Repository clone failed", cause,
			"Check the repository URL and branch, then retry", err)
	case stderrors.Is(err, guard.ErrTimeBudgetExceeded),
		stderrors.Is(err, guard.ErrSizeLimitExceeded),
		stderrors.Is(err, guard.ErrRepoLimitExceeded):
		return NewResourceError("Resource limit exceeded", cause,
			"Raise the matching limit under limits: or exclude large paths", err)
	case stderrors.Is(err, storage.ErrNotFound),
		stderrors.Is(err, pipeline.ErrManifestNotFound):
		return NewNotFoundError("Not found", cause,
			"Run 'notebook process' for the project first")
	case stderrors.Is(err, ingestion.ErrInvalidProjectID):
		return NewInputError("Invalid project id", cause,
			"Use letters, digits, '-', '_' or '.'")
	case stderrors.Is(err, ingestion.ErrInvalidStagingPath),
		stderrors.Is(err, ingestion.ErrPathTraversal):
		return NewInputError("Invalid local path", cause,
			"Upload files to <data_dir>/uploads/<project_id> and pass that directory")
	case stderrors.Is(err, ingestion.ErrInvalidBranch):
		return NewInputError("Invalid branch name", cause, "Pass a plain branch or tag name")
	case stderrors.Is(err, pipeline.ErrNoSource):
		return NewInputError("Nothing to process", cause, "Pass --repo or --local")
	case stderrors.Is(err, pipeline.ErrNoFiles):
		return NewInputError("No files to process", cause,
			"Check exclude patterns and that the source contains files")
	case stderrors.Is(err, pipeline.ErrProjectBusy):
		return NewInputError("Project is busy", cause, "Wait for the running job to finish")
	case stderrors.Is(err, fs.ErrPermission):
		return NewPermissionError("Permission denied", cause,
			"Check the permissions of the data directory", err)
	}
	return NewInternalError("Unexpected error", cause,
		"This is a bug. Please report it with the command you ran", err)
}

var (
	colorError = color.New(color.FgRed, color.Bold)
	colorCause = color.New(color.FgYellow)
	colorFix   = color.New(color.FgGreen)
)

// Format returns the error for terminal display. Empty Cause or Fix lines
// are omitted. NO_COLOR is honored.
func (e *UserError) Format(noColor bool) string {
	originalNoColor := color.NoColor
	defer func() { color.NoColor = originalNoColor }()

	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}

	var out strings.Builder
	out.WriteString(colorError.Sprint("Error: "))
	out.WriteString(e.Message)
	out.WriteString("\n")
	if e.Cause != "" {
		out.WriteString(colorCause.Sprint("Cause: "))
		out.WriteString(e.Cause)
		out.WriteString("\n")
	}
	if e.Fix != "" {
		out.WriteString(colorFix.Sprint("Fix:   "))
		out.WriteString(e.Fix)
		out.WriteString("\n")
	}
	return out.String()
}

// ErrorJSON is the machine-readable form of a UserError.
type ErrorJSON struct {
	Error    string `json:"error"`
	Cause    string `json:"cause,omitempty"`
	Fix      string `json:"fix,omitempty"`
	ExitCode int    `json:"exit_code"`
}

func (e *UserError) ToJSON() ErrorJSON {
	return ErrorJSON{
		Error:    e.Message,
		Cause:    e.Cause,
		Fix:      e.Fix,
		ExitCode: e.ExitCode,
	}
}

// Report writes err to w, as JSON or formatted text, and returns the exit
// code to use. A nil error reports nothing and returns ExitSuccess.
func Report(w io.Writer, err error, jsonOutput, noColor bool) int {
	ue := Classify(err)
	if ue == nil {
		return ExitSuccess
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(ue.ToJSON())
	} else {
		fmt.Fprint(w, ue.Format(noColor))
	}
	return ue.ExitCode
}

// FatalError reports err on stderr and exits. It returns only when err is
// nil.
func FatalError(err error, jsonOutput bool) {
	if err == nil {
		return
	}
	os.Exit(Report(os.Stderr, err, jsonOutput, false))
}
