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
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/notebook/internal/errors"
	"github.com/kraklabs/notebook/internal/output"
	"github.com/kraklabs/notebook/pkg/pipeline"
)

// runServe serves Prometheus metrics and the read-only notebook API until
// interrupted.
func runServe(args []string, globals GlobalFlags) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", ":9090", "HTTP listen address")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: notebook serve [--addr :9090]

Endpoints:
  GET /metrics                          Prometheus metrics
  GET /api/metrics                      Metrics aggregated over all manifests
  GET /api/projects/{id}/notebook       Project notebook
  GET /api/projects/{id}/files/{path}   File notebook
  GET /api/projects/{id}/stats          Snapshot counts
  GET /api/projects/{id}/manifest       Last manifest
  GET /healthz                          Readiness

Options:
`)
		fs.PrintDefaults()
	}
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	a, err := newApp(globals)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(a.logger)
	defer cancel()

	// Build the runtime up front so configuration problems fail fast.
	if _, err := a.boot.Runtime(ctx); err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrNotInitialized, err)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newServeMux(a.svc, a.boot.Initialized, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("serve.http.start", "addr", *addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.NewNetworkError("Cannot start HTTP server", err.Error(),
				"Pick a free address with --addr", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	a.logger.Info("serve.http.shutdown")
	return srv.Shutdown(shutdownCtx)
}

// newServeMux wires the HTTP routes. ready reports whether the runtime is
// built.
func newServeMux(svc *pipeline.Service, ready func() bool, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !ready() {
			writeJSON(w, logger, http.StatusServiceUnavailable, map[string]string{"status": "initializing"})
			return
		}
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /api/metrics", func(w http.ResponseWriter, r *http.Request) {
		m, err := svc.GetMetrics(r.Context())
		respond(w, logger, m, err)
	})
	mux.HandleFunc("GET /api/projects/{id}/notebook", func(w http.ResponseWriter, r *http.Request) {
		nb, err := svc.GetProjectNotebook(r.Context(), r.PathValue("id"))
		respond(w, logger, nb, err)
	})
	mux.HandleFunc("GET /api/projects/{id}/files/{path...}", func(w http.ResponseWriter, r *http.Request) {
		fnb, err := svc.GetFileNotebook(r.Context(), r.PathValue("id"), r.PathValue("path"))
		respond(w, logger, fnb, err)
	})
	mux.HandleFunc("GET /api/projects/{id}/stats", func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.GetSnapshotStats(r.Context(), r.PathValue("id"))
		respond(w, logger, st, err)
	})
	mux.HandleFunc("GET /api/projects/{id}/manifest", func(w http.ResponseWriter, r *http.Request) {
		man, err := svc.GetManifest(r.Context(), r.PathValue("id"))
		respond(w, logger, man, err)
	})
	return mux
}

func respond(w http.ResponseWriter, logger *slog.Logger, v any, err error) {
	if err != nil {
		ue := errors.Classify(err)
		status := httpStatus(ue.ExitCode)
		if status >= http.StatusInternalServerError {
			logger.Error("serve.request.failed", "err", err)
		}
		writeJSON(w, logger, status, ue.ToJSON())
		return
	}
	writeJSON(w, logger, http.StatusOK, v)
}

// httpStatus maps CLI exit codes to HTTP status codes.
func httpStatus(exitCode int) int {
	switch exitCode {
	case errors.ExitInput:
		return http.StatusBadRequest
	case errors.ExitNotFound:
		return http.StatusNotFound
	case errors.ExitPermission:
		return http.StatusForbidden
	case errors.ExitResource:
		return http.StatusRequestEntityTooLarge
	case errors.ExitConfig, errors.ExitDatabase:
		return http.StatusServiceUnavailable
	case errors.ExitNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := output.JSON(w, v); err != nil {
		logger.Warn("serve.response.encode_failed", "err", err)
	}
}
