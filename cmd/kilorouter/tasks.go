// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/traylinx/kilorouter/internal/audit"
	"github.com/traylinx/kilorouter/internal/pipeline"
	"github.com/traylinx/kilorouter/internal/types"
)

var (
	sessionID   string
	taskMode    string
	allocation  int64
	taskTimeout time.Duration

	decisionTask  string
	decisionType  string
	decisionLimit int
	decisionOpen  bool
)

var classifyCmd = &cobra.Command{
	Use:   "classify [text]",
	Short: "Classify a task description without routing it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runClassify,
}

var routeCmd = &cobra.Command{
	Use:   "route [text]",
	Short: "Run a task through the router and print every decision",
	Long: `Classifies, predicts, prefetches and routes the task, then executes it with a
no-op executor so the budget gate and decision records can be inspected.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRoute,
}

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List recorded decisions",
	Args:  cobra.NoArgs,
	RunE:  runDecisions,
}

func init() {
	for _, c := range []*cobra.Command{classifyCmd, routeCmd} {
		c.Flags().StringVar(&sessionID, "session", "cli", "Session id")
	}
	routeCmd.Flags().StringVar(&taskMode, "mode", "", "Force a mode: economy, standard, premium or critical")
	routeCmd.Flags().Int64Var(&allocation, "allocation", 0, "Task token budget (default from configuration)")
	routeCmd.Flags().DurationVar(&taskTimeout, "timeout", 30*time.Second, "Abort the task after this long")

	decisionsCmd.Flags().StringVar(&decisionTask, "task", "", "Only decisions of this task")
	decisionsCmd.Flags().StringVar(&decisionType, "type", "", "Only decisions of this type")
	decisionsCmd.Flags().IntVar(&decisionLimit, "limit", 50, "Maximum number of decisions")
	decisionsCmd.Flags().BoolVar(&decisionOpen, "open", false, "Only unresolved decisions")

	rootCmd.AddCommand(classifyCmd, routeCmd, decisionsCmd)
}

// withService builds a router for one command and stops it afterwards.
func withService(ctx context.Context, fn func(*pipeline.Coordinator) error) error {
	coord, err := pipeline.Build(ctx, cfg, sb, nil)
	if err != nil {
		return err
	}
	err = fn(coord)
	if errStop := coord.Stop(context.Background()); errStop != nil {
		err = errors.Join(err, errStop)
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func runClassify(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	return withService(cmd.Context(), func(coord *pipeline.Coordinator) error {
		ic, err := coord.Service().Classify(cmd.Context(), text, types.SessionState{SessionID: sessionID}, nil)
		var amb *types.AmbiguousIntentError
		if errors.As(err, &amb) {
			fmt.Fprintf(cmd.OutOrStdout(), "Clarification needed: %s\n", amb.Question)
			return printJSON(cmd.OutOrStdout(), amb)
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ic)
	})
}

func runRoute(cmd *cobra.Command, args []string) error {
	mode := types.Mode(taskMode)
	if mode != "" && !mode.Valid() {
		return fmt.Errorf("unknown mode %q", taskMode)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), taskTimeout)
	defer cancel()

	req := pipeline.TaskRequest{
		Task:       types.Task{Text: strings.Join(args, " "), SessionID: sessionID},
		Allocation: allocation,
		Mode:       mode,
	}
	return withService(ctx, func(coord *pipeline.Coordinator) error {
		res, err := coord.Service().Run(ctx, req)
		if res != nil {
			if errPrint := printJSON(cmd.OutOrStdout(), res); errPrint != nil {
				return errPrint
			}
		}
		return err
	})
}

func runDecisions(cmd *cobra.Command, _ []string) error {
	f := audit.Filter{TaskID: decisionTask, Type: audit.DecisionType(decisionType), Limit: decisionLimit}
	if f.Type != "" && !f.Type.Valid() {
		return fmt.Errorf("unknown decision type %q", decisionType)
	}
	if decisionOpen {
		open := false
		f.Resolved = &open
	}
	return withService(cmd.Context(), func(coord *pipeline.Coordinator) error {
		recs, err := coord.Service().QueryDecisions(cmd.Context(), f)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No decisions recorded.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTASK\tTYPE\tSELECTED\tOUTCOME\tAT")
		for _, rec := range recs {
			outcome := "open"
			if rec.Outcome != nil {
				outcome = string(rec.Outcome.Status)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.TaskID, rec.Type, rec.Selected, outcome, rec.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	})
}
