// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main is the kilorouter command: it serves the management API and
// offers one-shot commands for classifying and routing tasks, inspecting
// decisions and maintaining handler manifests.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/traylinx/kilorouter/internal/buildinfo"
	"github.com/traylinx/kilorouter/internal/config"
	"github.com/traylinx/kilorouter/internal/logging"
	"github.com/traylinx/kilorouter/internal/util"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	configPath string
	stateDir   string
	readOnly   bool
	verbose    bool

	// Set by loadEnvironment for every command.
	cfg *config.Config
	sb  *util.StateBox
)

var rootCmd = &cobra.Command{
	Use:   "kilorouter",
	Short: "Task router: intent classification, prefetching, handler matching and budgets",
	Long: `kilorouter classifies coding tasks, predicts the handlers and resources they
will need, prefetches them into a tiered cache, selects a handler within the
token budget and records every decision with its outcome.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadEnvironment,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	// Skips loadEnvironment.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
	},
}

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Configuration file; a missing default file uses built-in settings")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "State directory (default: $KILOROUTER_STATE_DIR or ~/.kilorouter)")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "read-only", false, "Never write to the state directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
}

// loadEnvironment reads .env, the configuration and the state box, then
// configures logging.
func loadEnvironment(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to read .env: %v", err)
	}

	optional := !cmd.Flags().Changed("config")
	loaded, err := config.LoadConfigOptional(configPath, optional)
	if err != nil {
		return err
	}
	cfg = loaded

	switch {
	case stateDir != "":
		sb, err = util.NewStateBoxAt(stateDir, readOnly)
	case cfg.Storage.StateDir != "":
		sb, err = util.NewStateBoxAt(cfg.Storage.StateDir, readOnly || os.Getenv(util.EnvReadOnly) == "1")
	default:
		sb, err = util.NewStateBox()
		if err == nil && readOnly {
			sb, err = util.NewStateBoxAt(sb.RootPath(), true)
		}
	}
	if err != nil {
		return err
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}
	return logging.ConfigureLogOutput(cfg.Logging, sb.LogsDir())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
