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
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsPipeline holds the Prometheus collectors of the pipeline.
type metricsPipeline struct {
	once sync.Once

	// Projects
	projects        *prometheus.CounterVec
	projectDuration prometheus.Histogram

	// Files
	files          *prometheus.CounterVec
	categorization *prometheus.CounterVec
	fileDuration   prometheus.Histogram

	// Analyzers
	analyzerRuns     *prometheus.CounterVec
	analyzerErrors   *prometheus.CounterVec
	analyzerDuration *prometheus.HistogramVec

	// Snapshots
	snapshots *prometheus.CounterVec

	// Ingestion
	cloneRetries prometheus.Counter
	policy       *prometheus.CounterVec
	mirrorErrors prometheus.Counter
}

var plMetrics metricsPipeline

func (m *metricsPipeline) init() {
	m.once.Do(func() {
		m.projects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notebook_projects_total", Help: "Projects processed, by outcome"}, []string{"outcome"})
		m.projectDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "notebook_project_seconds",
			Help:    "End-to-end duration of processProject",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		})

		m.files = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notebook_files_total", Help: "Routed files, by outcome"}, []string{"outcome"})
		m.categorization = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notebook_file_categorization_total", Help: "Files by size category"}, []string{"category"})

		buckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
		m.fileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "notebook_file_seconds", Help: "Per-file processing duration", Buckets: buckets})

		m.analyzerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notebook_analyzer_runs_total", Help: "Analyzer invocations"}, []string{"analyzer"})
		m.analyzerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notebook_analyzer_errors_total", Help: "Analyzer invocations that failed"}, []string{"analyzer"})
		m.analyzerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "notebook_analyzer_seconds", Help: "Analyzer duration", Buckets: buckets}, []string{"analyzer"})

		m.snapshots = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notebook_snapshots_total", Help: "Snapshot writes, by result"}, []string{"result"})

		m.cloneRetries = prometheus.NewCounter(prometheus.CounterOpts{Name: "notebook_clone_retries_total", Help: "git clone attempts retried"})
		m.policy = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notebook_policy_decisions_total", Help: "Network policy decisions"}, []string{"allowed", "reason"})
		m.mirrorErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "notebook_mirror_errors_total", Help: "Manifest uploads that failed"})

		prometheus.MustRegister(
			m.projects, m.projectDuration,
			m.files, m.categorization, m.fileDuration,
			m.analyzerRuns, m.analyzerErrors, m.analyzerDuration,
			m.snapshots,
			m.cloneRetries, m.policy, m.mirrorErrors,
		)
	})
}

// ObservePolicy records one network policy decision. It matches the
// netpolicy observer signature.
func ObservePolicy(allowed bool, reason string) {
	plMetrics.init()
	if reason == "" {
		reason = "ok"
	}
	plMetrics.policy.WithLabelValues(strconv.FormatBool(allowed), reason).Inc()
}

func recordProject(outcome string, d time.Duration) {
	plMetrics.init()
	plMetrics.projects.WithLabelValues(outcome).Inc()
	plMetrics.projectDuration.Observe(d.Seconds())
}

func recordFile(outcome string, category string, d time.Duration) {
	plMetrics.init()
	plMetrics.files.WithLabelValues(outcome).Inc()
	if category != "" {
		plMetrics.categorization.WithLabelValues(category).Inc()
	}
	if d > 0 {
		plMetrics.fileDuration.Observe(d.Seconds())
	}
}

func recordAnalyzer(name string, d time.Duration, failed bool) {
	plMetrics.init()
	plMetrics.analyzerRuns.WithLabelValues(name).Inc()
	plMetrics.analyzerDuration.WithLabelValues(name).Observe(d.Seconds())
	if failed {
		plMetrics.analyzerErrors.WithLabelValues(name).Inc()
	}
}

func recordSnapshots(created, updated, failed, rejected int) {
	plMetrics.init()
	plMetrics.snapshots.WithLabelValues("created").Add(float64(created))
	plMetrics.snapshots.WithLabelValues("updated").Add(float64(updated))
	plMetrics.snapshots.WithLabelValues("failed").Add(float64(failed))
	plMetrics.snapshots.WithLabelValues("rejected").Add(float64(rejected))
}

func recordCloneRetry() { plMetrics.init(); plMetrics.cloneRetries.Inc() }

func recordMirrorError() { plMetrics.init(); plMetrics.mirrorErrors.Inc() }
