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
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/notebook/internal/bootstrap"
	"github.com/kraklabs/notebook/internal/config"
	"github.com/kraklabs/notebook/internal/errors"
	"github.com/kraklabs/notebook/pkg/pipeline"
)

// app holds what every command needs: configuration, the logger and the
// pipeline service. The runtime behind the service is built lazily.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	boot   *bootstrap.Initializer
	svc    *pipeline.Service
}

func newApp(globals GlobalFlags, opts ...pipeline.Option) (*app, error) {
	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		if stderrors.Is(err, config.ErrInvalidConfig) {
			return nil, err
		}
		return nil, errors.NewConfigError(
			"Cannot load configuration",
			err.Error(),
			"Check the --config path or unset it to use defaults",
			err,
		)
	}

	logger := newLogger(os.Stderr, cfg, globals.Debug)
	slog.SetDefault(logger)

	boot := bootstrap.NewInitializer(cfg, logger, bootstrap.WithPolicyObserver(pipeline.ObservePolicy))
	return &app{
		cfg:    cfg,
		logger: logger,
		boot:   boot,
		svc:    pipeline.NewService(boot, logger, opts...),
	}, nil
}

// Close releases the runtime if it was built.
func (a *app) Close() {
	if !a.boot.Initialized() {
		return
	}
	if rt, err := a.boot.Runtime(context.Background()); err == nil {
		if err := rt.Close(); err != nil {
			a.logger.Warn("runtime.close.error", "err", err)
		}
	}
}

// newLogger builds the process logger on w. debug overrides log_level.
func newLogger(w io.Writer, cfg *config.Config, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("shutdown.signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

// parseFlags parses args and maps parse failures to input errors.
func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return err
		}
		return errors.NewInputError(fmt.Sprintf("Invalid arguments for '%s'", fs.Name()), err.Error(),
			fmt.Sprintf("Run 'notebook %s --help'", fs.Name()))
	}
	return nil
}

// requireProject returns an input error when the project flag is empty.
func requireProject(cmd, projectID string) error {
	if projectID == "" {
		return errors.NewInputError("Missing project id", "--project is required",
			fmt.Sprintf("Run 'notebook %s --project <id>'", cmd))
	}
	return nil
}

// startMetricsServer serves handler on addr in the background and returns
// a shutdown function.
func startMetricsServer(logger *slog.Logger, addr string, handler http.Handler) func() {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		logger.Info("metrics.http.start", "addr", addr, "path", "/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics.http.error", "err", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
