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

// Package guard bounds every ingestion and parse step.
//
// The Guard is advisory: callers invoke its checks before doing expensive
// work. Apart from stat calls it performs no I/O of its own.
//
//	g := guard.New(guard.DefaultLimits(), logger)
//	g.StartProject()
//	if err := g.CheckFileSize(path); err != nil {
//	    // skip this file, keep going
//	}
//
// Every failure is a *LimitError that matches one of ErrSizeLimitExceeded,
// ErrRepoLimitExceeded or ErrTimeBudgetExceeded with errors.Is.
package guard
