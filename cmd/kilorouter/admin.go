// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/traylinx/kilorouter/internal/audit"
	"github.com/traylinx/kilorouter/internal/hooks"
	"github.com/traylinx/kilorouter/internal/intelligence/skills"
	"github.com/traylinx/kilorouter/internal/steering"
	"github.com/traylinx/kilorouter/internal/util"
)

var (
	outputFormat  string
	skillCategory string
	skillDesc     string
)

var skillCmd = &cobra.Command{
	Use:   "skill",
	Short: "Validate and scaffold handler manifests",
}

var skillValidateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Validate one handler directory, or every handler under the skills directory",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSkillValidate,
}

var skillInitCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Create a handler directory with a SKILL.md template",
	Args:  cobra.ExactArgs(1),
	RunE:  runSkillInit,
}

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "Inspect event hooks",
}

var hooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured hooks",
	Args:  cobra.NoArgs,
	RunE:  runHooksList,
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect routing rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in and file routing rules",
	Args:  cobra.NoArgs,
	RunE:  runRulesList,
}

func init() {
	skillInitCmd.Flags().StringVar(&skillCategory, "category", "general", "Category directory under the skills directory")
	skillInitCmd.Flags().StringVar(&skillDesc, "description", "", "One-line description with a Keywords: list")
	skillCmd.AddCommand(skillValidateCmd, skillInitCmd)

	for _, c := range []*cobra.Command{skillValidateCmd, hooksListCmd, rulesListCmd} {
		c.Flags().StringVar(&outputFormat, "format", "table", "Output format: table or json")
	}
	hooksCmd.AddCommand(hooksListCmd)
	rulesCmd.AddCommand(rulesListCmd)

	rootCmd.AddCommand(skillCmd, hooksCmd, rulesCmd)
}

func runSkillValidate(cmd *cobra.Command, args []string) error {
	var reports []*skills.Report
	if len(args) == 1 {
		reports = []*skills.Report{skills.Validate(args[0])}
	} else {
		var err error
		if reports, err = skills.ValidateAll(cfg.Storage.SkillsDir); err != nil {
			return err
		}
	}

	invalid := 0
	for _, r := range reports {
		if !r.Valid() {
			invalid++
		}
	}
	if outputFormat == "json" {
		if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		for _, r := range reports {
			status := "ok"
			if !r.Valid() {
				status = "INVALID"
			}
			fmt.Fprintf(out, "%s  %s\n", status, r.Path)
			for _, issue := range r.Issues {
				fmt.Fprintf(out, "    %-7s %s\n", issue.Severity, issue.Message)
			}
		}
		fmt.Fprintf(out, "\n%d handler(s) checked, %d invalid\n", len(reports), invalid)
	}
	if invalid > 0 {
		return fmt.Errorf("%d handler manifest(s) failed validation", invalid)
	}
	return nil
}

func runSkillInit(cmd *cobra.Command, args []string) error {
	dir, err := skills.Scaffold(cfg.Storage.SkillsDir, args[0], skillCategory, skillDesc)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", filepath.Join(dir, "SKILL.md"))
	return nil
}

func runHooksList(cmd *cobra.Command, _ []string) error {
	dir := cfg.Storage.HooksDir
	if dir == "" {
		dir = sb.ResolvePath("hooks")
	}
	bus := hooks.NewEventBus(1)
	defer bus.Shutdown()
	manager, err := hooks.NewHookManager(dir, bus)
	if err != nil {
		return err
	}
	defer manager.Close()
	if err := manager.LoadHooks(); err != nil && !os.IsNotExist(err) {
		return err
	}

	all := manager.GetHooks()
	if outputFormat == "json" {
		return printJSON(cmd.OutOrStdout(), all)
	}
	if len(all) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No hooks configured. Create hook files in: %s\n", dir)
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEVENT\tACTION\tENABLED\tCONDITION\tFILE")
	for _, h := range all {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n", h.ID, h.Event, h.Action, h.Enabled, h.Condition, filepath.Base(h.FilePath))
	}
	return w.Flush()
}

func runRulesList(cmd *cobra.Command, _ []string) error {
	engine, err := steering.NewSteeringEngine(cfg.Storage.RulesDir)
	if err != nil {
		return err
	}
	if err := engine.LoadRules(); err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}

	rules := engine.GetRules()
	if outputFormat == "json" {
		return printJSON(cmd.OutOrStdout(), rules)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPRIORITY\tDELTA\tWEIGHT\tCONDITION\tSOURCE")
	for _, r := range rules {
		source := "builtin"
		if !r.Builtin {
			source = filepath.Base(r.FilePath)
		}
		fmt.Fprintf(w, "%s\t%d\t%+.2f\t%.2f\t%s\t%s\n", r.Name, r.Priority, r.Delta, engine.Weight(r.Name), r.Condition, source)
	}
	return w.Flush()
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect the state directory",
}

var stateAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Report state files whose permissions are too open",
	Args:  cobra.NoArgs,
	RunE:  runStateAudit,
}

var stateHardenCmd = &cobra.Command{
	Use:   "harden",
	Short: "Restrict state directories to 0700 and state files to 0600",
	Args:  cobra.NoArgs,
	RunE:  runStateHarden,
}

var stateLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Print the decision log",
	Args:  cobra.NoArgs,
	RunE:  runStateLog,
}

var logTask string

func init() {
	stateLogCmd.Flags().StringVar(&logTask, "task", "", "Only entries of this task")
	stateCmd.AddCommand(stateAuditCmd, stateHardenCmd, stateLogCmd)
	rootCmd.AddCommand(stateCmd)
}

func runStateAudit(cmd *cobra.Command, _ []string) error {
	results, err := util.AuditPermissions(sb)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "State directory: %s (read-only: %t)\n", sb.RootPath(), sb.IsReadOnly())
	open := 0
	for _, r := range results {
		if r.NeedsCorrection() {
			open++
			fmt.Fprintf(out, "  %04o -> %04o  %s\n", r.CurrentMode, r.RequiredMode, r.Path)
		}
	}
	if open == 0 {
		fmt.Fprintln(out, "All permissions are correct.")
	}
	return nil
}

func runStateHarden(cmd *cobra.Command, _ []string) error {
	if sb.IsReadOnly() {
		return fmt.Errorf("state directory %s is read-only", sb.RootPath())
	}
	results, err := util.HardenPermissions(sb)
	if err != nil {
		return err
	}
	corrected := 0
	for _, r := range results {
		if r.WasCorrected {
			corrected++
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Corrected %d path(s) under %s\n", corrected, sb.RootPath())
	return nil
}

func runStateLog(cmd *cobra.Command, _ []string) error {
	path := cfg.Audit.Log.Path
	if path == "" {
		path = sb.DecisionLogPath()
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tDECISION\tTASK\tDETAIL")
	skipped, err := audit.ReplayLog(path, func(e audit.LogEntry) error {
		if logTask != "" && e.TaskID != logTask {
			return nil
		}
		detail := string(e.Type)
		if e.Outcome != nil {
			detail = string(e.Outcome.Status)
		}
		_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Kind, e.DecisionID, e.TaskID, detail)
		return err
	})
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if skipped > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "%d malformed line(s) skipped\n", skipped)
	}
	return nil
}
