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

// Package pipeline runs processProject end to end and serves the read side
// of the notebook.
//
// A run moves through these stages:
//
//	Request -> clone/stage (ingestion) -> RouteAll -> worker pool
//	        -> analyzers -> categorizer -> snapshot builder -> manifest
//
// Every run writes <data>/projects/<id>/project_manifest.json atomically
// and, when a mirror is configured, copies it to S3-compatible storage.
// Per-file failures are counted and never abort a run. Ingestion failures
// abort before any manifest is written.
//
// Prometheus collectors are registered lazily on first use under the
// notebook_ prefix.
package pipeline
