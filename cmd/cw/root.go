package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/clubwarrior/clubwarrior/internal/config"
	"github.com/clubwarrior/clubwarrior/internal/mapstore"
	"github.com/clubwarrior/clubwarrior/internal/shortcut"
	"github.com/clubwarrior/clubwarrior/internal/taskdb"
	"github.com/clubwarrior/clubwarrior/internal/ui"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "cw",
	Short: "Sync Shortcut stories with your local task store",
	Long: `cw keeps Shortcut stories and local tasks in sync, both ways.

Each sync cycle pairs your stories with local tasks, detects which side
changed each field since the last cycle, propagates one-sided changes,
and resolves two-sided conflicts by the configured policy. Dependencies
between stories become dependencies between tasks and vice versa.

Configuration lives in ~/.clubwarrior/config.yaml (override the
directory with CW_DIR or --config-dir).`,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			ui.DisableColors()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "configuration directory (default ~/.clubwarrior)")
}

func loadConfig() (*config.Config, error) {
	dir := configDir
	if dir == "" {
		dir = config.Dir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return cfg, nil
}

// stores bundles the opened collaborators for one command invocation.
type stores struct {
	cfg   *config.Config
	tasks *taskdb.DB
	maps  *mapstore.Store
}

func openStores() (*stores, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	tasks, err := taskdb.Open(cfg.TaskDBPath())
	if err != nil {
		return nil, fmt.Errorf("opening task database: %w", err)
	}
	maps, err := mapstore.Open(cfg.MapDBPath())
	if err != nil {
		tasks.Close()
		return nil, fmt.Errorf("opening mapping database: %w", err)
	}
	return &stores{cfg: cfg, tasks: tasks, maps: maps}, nil
}

func (s *stores) Close() {
	if err := s.maps.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: closing mapping database: %v\n", err)
	}
	if err := s.tasks.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: closing task database: %v\n", err)
	}
}

func newShortcutClient(cfg *config.Config) *shortcut.Client {
	return shortcut.NewClient(shortcut.Config{
		Token:         cfg.Shortcut.Token,
		Owner:         cfg.Shortcut.Owner,
		Endpoint:      cfg.Shortcut.Endpoint,
		DevState:      cfg.Shortcut.DevState,
		DoneState:     cfg.Shortcut.DoneState,
		PostDevStates: cfg.Shortcut.PostDevStates,
	})
}
