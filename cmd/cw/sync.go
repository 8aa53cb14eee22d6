package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/clubwarrior/clubwarrior/internal/engine"
	"github.com/clubwarrior/clubwarrior/internal/ui"
)

var (
	syncDryRun     bool
	syncReportPath string
	syncYes        bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one synchronization cycle",
	Long: `Run one full synchronization cycle.

Fetches your stories and local tasks, pairs them, propagates one-sided
changes, resolves conflicts by the configured policy, translates
dependency edges, and commits the updated snapshots.

With conflict.interactive enabled and a terminal attached, conflicting
fields are shown for confirmation before anything is written; --yes
skips the prompt. --dry-run previews the cycle without writing to any
store.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStores()
		if err != nil {
			return err
		}
		defer st.Close()

		eng := engine.New(newShortcutClient(st.cfg), st.tasks, st.maps)
		eng.Rules = st.cfg.Rules()
		eng.Policy = st.cfg.Policy()
		eng.LockPath = st.cfg.LockPath()
		eng.Parallelism = st.cfg.Parallelism

		ctx := cmd.Context()

		if !syncDryRun && needsConflictGate(st) {
			ok, err := confirmConflicts(ctx, eng)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted, nothing written.")
				return nil
			}
		}

		report, err := eng.Run(ctx, engine.RunOpts{DryRun: syncDryRun})
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		printReport(report)
		if syncReportPath != "" {
			if err := writeReport(syncReportPath, report); err != nil {
				return err
			}
			fmt.Printf("Report written to %s\n", syncReportPath)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "preview the cycle without writing")
	syncCmd.Flags().StringVar(&syncReportPath, "report", "", "write the full cycle report to this file (YAML)")
	syncCmd.Flags().BoolVarP(&syncYes, "yes", "y", false, "skip the interactive conflict confirmation")
	rootCmd.AddCommand(syncCmd)
}

func needsConflictGate(st *stores) bool {
	return st.cfg.Conflict.Interactive && !syncYes && term.IsTerminal(int(os.Stdin.Fd()))
}

// confirmConflicts previews the cycle and, when conflicts would
// overwrite a losing value, asks before the real run proceeds.
func confirmConflicts(ctx context.Context, eng *engine.Engine) (bool, error) {
	preview, err := eng.Run(ctx, engine.RunOpts{DryRun: true})
	if err != nil {
		return false, fmt.Errorf("conflict preview failed: %w", err)
	}
	if preview.Conflicts == 0 {
		return true, nil
	}

	fmt.Printf("%s %d conflicting field(s) will be overwritten:\n\n", ui.RenderWarn(ui.IconWarn), preview.Conflicts)
	for _, item := range preview.Items {
		for _, res := range item.Resolutions {
			fmt.Printf("  story %d, %s: %s side loses %q to %q\n",
				item.StoryID, res.Field, res.LosingSide, res.LosingValue, res.WinningValue)
		}
	}
	fmt.Println()

	proceed := true
	confirm := huh.NewConfirm().
		Title("Apply these resolutions?").
		Affirmative("Apply").
		Negative("Abort").
		Value(&proceed)
	if err := confirm.Run(); err != nil {
		return false, fmt.Errorf("confirmation prompt: %w", err)
	}
	return proceed, nil
}

func printReport(r *engine.Report) {
	label := "Sync complete"
	if r.DryRun {
		label = "Dry run complete"
	}
	fmt.Printf("%s %s in %s\n", ui.RenderPass(ui.IconPass), label, r.Duration.Round(time.Millisecond))
	fmt.Printf("   Created: %d  Applied: %d  Unchanged: %d\n", r.Created, r.Applied, r.Unchanged)
	if r.Conflicts > 0 {
		fmt.Printf("   %s Conflicts resolved: %d\n", ui.RenderWarn(ui.IconWarn), r.Conflicts)
	}
	if r.Deferred > 0 {
		fmt.Printf("   %s Deferred dependency edges: %d\n", ui.RenderMuted(ui.IconSkip), r.Deferred)
	}
	if r.Orphaned > 0 {
		fmt.Printf("   %s Orphaned pairs: %d\n", ui.RenderWarn(ui.IconWarn), r.Orphaned)
	}
	if r.Failed > 0 {
		fmt.Printf("   %s Failed: %d\n", ui.RenderFail(ui.IconFail), r.Failed)
		for _, item := range r.Items {
			if item.Outcome == engine.OutcomeFailed {
				fmt.Printf("      story %d: %s\n", item.StoryID, item.Error)
			}
		}
	}
}

func writeReport(path string, r *engine.Report) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
