// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package errors

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/notebook/internal/config"
	"github.com/kraklabs/notebook/pkg/guard"
	"github.com/kraklabs/notebook/pkg/ingestion"
	"github.com/kraklabs/notebook/pkg/netpolicy"
	"github.com/kraklabs/notebook/pkg/pipeline"
	"github.com/kraklabs/notebook/pkg/storage"
)

func TestUserError_Error(t *testing.T) {
	base := stderrors.New("disk full")
	tests := []struct {
		name string
		err  *UserError
		want string
	}{
		{"without wrapped error", NewInputError("Bad flag", "", ""), "Bad flag"},
		{"with wrapped error", NewDatabaseError("Cannot open store", "", "", base), "Cannot open store: disk full"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestUserError_Unwrap(t *testing.T) {
	base := stderrors.New("boom")
	err := fmt.Errorf("outer: %w", NewNetworkError("x", "", "", base))
	assert.ErrorIs(t, err, base)

	var ue *UserError
	require.True(t, stderrors.As(err, &ue))
	assert.Equal(t, ExitNetwork, ue.ExitCode)
}

func TestExitCodes_Unique(t *testing.T) {
	codes := []int{ExitSuccess, ExitConfig, ExitDatabase, ExitNetwork, ExitInput, ExitPermission, ExitNotFound, ExitResource, ExitInternal}
	seen := map[int]bool{}
	for _, c := range codes {
		assert.False(t, seen[c], "duplicate exit code %d", c)
		seen[c] = true
	}
}

func TestConstructors(t *testing.T) {
	base := stderrors.New("underlying")
	tests := []struct {
		err  *UserError
		code int
		wrap bool
	}{
		{NewConfigError("m", "c", "f", base), ExitConfig, true},
		{NewDatabaseError("m", "c", "f", base), ExitDatabase, true},
		{NewNetworkError("m", "c", "f", base), ExitNetwork, true},
		{NewInputError("m", "c", "f"), ExitInput, false},
		{NewPermissionError("m", "c", "f", base), ExitPermission, true},
		{NewNotFoundError("m", "c", "f"), ExitNotFound, false},
		{NewResourceError("m", "c", "f", base), ExitResource, true},
		{NewInternalError("m", "c", "f", base), ExitInternal, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, tt.err.ExitCode)
		assert.Equal(t, "m", tt.err.Message)
		assert.Equal(t, "c", tt.err.Cause)
		assert.Equal(t, "f", tt.err.Fix)
		assert.Equal(t, tt.wrap, tt.err.Err != nil)
	}
}

func TestClassify(t *testing.T) {
	limit := &guard.LimitError{Kind: guard.ErrRepoLimitExceeded, What: "file count", Limit: 2, Actual: 3}
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"config", fmt.Errorf("%w: workers must be >= 1", config.ErrInvalidConfig), ExitConfig},
		{"store", fmt.Errorf("%w: %w", pipeline.ErrNotInitialized, stderrors.New("locked")), ExitDatabase},
		{"schema missing", fmt.Errorf("%w: %w", pipeline.ErrNotInitialized, fs.ErrNotExist), ExitConfig},
		{"policy", fmt.Errorf("clone: %w", netpolicy.ErrPolicy), ExitNetwork},
		{"clone", fmt.Errorf("%w: exit 128", ingestion.ErrCloneFailed), ExitNetwork},
		{"limit", fmt.Errorf("repository bounds: %w", limit), ExitResource},
		{"time", guard.ErrTimeBudgetExceeded, ExitResource},
		{"not found", fmt.Errorf("file x: %w", storage.ErrNotFound), ExitNotFound},
		{"manifest", pipeline.ErrManifestNotFound, ExitNotFound},
		{"project id", ingestion.ValidateProjectID("../x"), ExitInput},
		{"staging", ingestion.ErrInvalidStagingPath, ExitInput},
		{"no source", pipeline.ErrNoSource, ExitInput},
		{"busy", pipeline.ErrProjectBusy, ExitInput},
		{"permission", fmt.Errorf("mkdir: %w", fs.ErrPermission), ExitPermission},
		{"unknown", stderrors.New("weird"), ExitInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ue := Classify(tt.err)
			require.NotNil(t, ue)
			assert.Equal(t, tt.code, ue.ExitCode)
			assert.Equal(t, tt.err.Error(), ue.Cause)
		})
	}

	assert.Nil(t, Classify(nil))
	orig := NewInputError("keep", "", "")
	assert.Same(t, orig, Classify(fmt.Errorf("wrapped: %w", orig)))
}

func TestUserError_Format(t *testing.T) {
	err := NewResourceError("Repository is too large", "too many files", "Raise the limit", nil)
	out := err.Format(true)
	assert.Equal(t, "Error: Repository is too large\nCause: too many files\nFix:   Raise the limit\n", out)

	bare := NewInputError("Only a message", "", "").Format(true)
	assert.Equal(t, "Error: Only a message\n", bare)
}

func TestReport(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, ExitSuccess, Report(&buf, nil, false, true))
	assert.Zero(t, buf.Len())

	code := Report(&buf, pipeline.ErrNoSource, true, true)
	assert.Equal(t, ExitInput, code)
	var got ErrorJSON
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "Nothing to process", got.Error)
	assert.Equal(t, ExitInput, got.ExitCode)

	buf.Reset()
	code = Report(&buf, guard.ErrSizeLimitExceeded, false, true)
	assert.Equal(t, ExitResource, code)
	assert.True(t, strings.HasPrefix(buf.String(), "Error: Resource limit exceeded"))
}
