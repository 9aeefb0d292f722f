// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/traylinx/kilorouter/internal/api"
	"github.com/traylinx/kilorouter/internal/pipeline"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the router and its management API",
	Long: `Starts the router with its background work (handler and rule reloads, hook
dispatch, decision tiering, learning) and serves the /v0 management API until
interrupted. Tasks submitted over the API run without an executor; external
executors report outcomes through /v0/decisions/{id}/outcome.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "Time allowed for in-flight work on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord, err := pipeline.Build(ctx, cfg, sb, nil)
	if err != nil {
		return err
	}
	if err := coord.Start(ctx); err != nil {
		_ = coord.Stop(context.Background())
		return err
	}

	srv := api.NewServer(cfg, coord, sb)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if errStop := srv.Stop(shutdownCtx); errStop != nil && !errors.Is(errStop, context.DeadlineExceeded) {
		log.Warnf("management API shutdown: %v", errStop)
	}
	if errStop := coord.Stop(shutdownCtx); errStop != nil {
		err = errors.Join(err, errStop)
	}
	return err
}
