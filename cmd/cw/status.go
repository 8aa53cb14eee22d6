package main

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/clubwarrior/clubwarrior/internal/schema"
	"github.com/clubwarrior/clubwarrior/internal/ui"
)

var statusSince string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mapping store status",
	Long: `Show the state of the story/task mapping store.

Lists how many pairs are tracked, how many dependency edges are still
deferred, and when each pair last synced. --since filters to pairs
synced after a point in time, given in natural language:

  cw status --since "yesterday"
  cw status --since "2 hours ago"
  cw status --since "last monday"`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStores()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		records, err := st.maps.All(ctx)
		if err != nil {
			return fmt.Errorf("reading mapping store: %w", err)
		}
		pending, err := st.maps.PendingLinks(ctx)
		if err != nil {
			return fmt.Errorf("reading pending links: %w", err)
		}

		var since time.Time
		if statusSince != "" {
			since, err = parseSince(statusSince)
			if err != nil {
				return err
			}
			records = filterSince(records, since)
		}

		fmt.Printf("\n%s\n\n", ui.RenderHeader("MAPPING STORE"))
		fmt.Printf("Database: %s\n", st.cfg.MapDBPath())
		if statusSince != "" {
			fmt.Printf("Since:    %s\n", since.Format("2006-01-02 15:04"))
		}
		fmt.Printf("Pairs:    %d\n", len(records))
		fmt.Printf("Deferred: %d\n", len(pending))
		fmt.Println()

		if len(records) == 0 {
			fmt.Printf("%s no tracked pairs\n\n", ui.RenderMuted(ui.IconSkip))
			return nil
		}

		for _, rec := range records {
			age := time.Since(rec.LastSync).Round(time.Minute)
			line := fmt.Sprintf("story %-6d %s  %-40.40s  synced %s ago",
				rec.StoryID, ui.RenderMuted(shortUUID(rec.TaskUUID)), rec.Snapshot.Description, age)
			switch rec.Snapshot.State {
			case schema.StateCompleted:
				fmt.Printf("  %s %s\n", ui.RenderPass(ui.IconPass), line)
			case schema.StateActive:
				fmt.Printf("  %s %s\n", ui.RenderAccent(">"), line)
			default:
				fmt.Printf("  %s %s\n", ui.RenderMuted(ui.IconSkip), line)
			}
		}
		fmt.Println()

		if len(pending) > 0 {
			fmt.Printf("%s\n\n", ui.RenderHeader("DEFERRED DEPENDENCIES"))
			for _, link := range pending {
				fmt.Printf("  %s story %d depends on unmapped story %d (%d attempts)\n",
					ui.RenderWarn(ui.IconWarn), link.StoryID, link.DependsOnID, link.Attempts)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusSince, "since", "", "only show pairs synced after this time (natural language)")
	rootCmd.AddCommand(statusCmd)
}

func parseSince(text string) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(text, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing --since: %w", err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", text)
	}
	return result.Time, nil
}

func filterSince(records []*schema.SyncRecord, since time.Time) []*schema.SyncRecord {
	out := records[:0]
	for _, rec := range records {
		if rec.LastSync.After(since) {
			out = append(out, rec)
		}
	}
	return out
}

func shortUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}
