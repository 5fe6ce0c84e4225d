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

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(slept *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	var slept []time.Duration
	p := Policy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, Multiplier: 2, Sleep: noSleep(&slept)}

	calls := 0
	err := p.Do(context.Background(), func(attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return errors.New("fatal: unable to access: Connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	var slept []time.Duration
	p := Policy{MaxAttempts: 5, InitialBackoff: time.Second, Sleep: noSleep(&slept)}

	calls := 0
	sentinel := errors.New("repository not found")
	err := p.Do(context.Background(), func(int) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
	assert.Empty(t, slept)

	var ex *ExhaustedError
	assert.False(t, errors.As(err, &ex))
}

func TestDo_Exhausted(t *testing.T) {
	var slept []time.Duration
	retried := 0
	p := Policy{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Millisecond,
		Multiplier:     2,
		Sleep:          noSleep(&slept),
		OnRetry:        func(int, time.Duration, error) { retried++ },
	}
	last := fmt.Errorf("attempt failed: %w", context.DeadlineExceeded)
	err := p.Do(context.Background(), func(int) error { return last })

	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, retried)
	assert.Len(t, slept, 2)
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxAttempts: 3, InitialBackoff: time.Hour}
	err := p.Do(ctx, func(int) error { return errors.New("timeout") })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff(t *testing.T) {
	p := Policy{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 5*time.Second, p.Backoff(3))

	p.Jitter = 0.5
	for i := 0; i < 50; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Could not resolve host: github.com"), true},
		{errors.New("operation timed out"), true},
		{errors.New("error: RPC failed; curl 56"), true},
		{errors.New("The requested URL returned error: 503"), true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{errors.New("Repository not found"), false},
		{errors.New("Authentication failed"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransient(tt.err), "%v", tt.err)
	}
}
