package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clubwarrior/clubwarrior/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <state.json>",
	Short: "Import a legacy JSON state file into the mapping store",
	Long: `Import mappings from a legacy JSON state file.

Earlier versions kept the story/task correspondence in a JSON array.
This seeds the mapping database from such a file. Entries without a
task UUID and entries already present are skipped. Snapshots start from
the legacy field values, so the next sync cycle detects real drift
rather than re-applying everything.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores()
		if err != nil {
			return err
		}
		defer st.Close()

		imported, skipped, err := st.maps.ImportLegacyState(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}

		fmt.Printf("%s Imported %d mapping(s)\n", ui.RenderPass(ui.IconPass), imported)
		if skipped > 0 {
			fmt.Printf("%s Skipped %d entries (unmapped or already present)\n", ui.RenderMuted(ui.IconSkip), skipped)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
