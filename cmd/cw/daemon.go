package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/clubwarrior/clubwarrior/internal/daemon"
	"github.com/clubwarrior/clubwarrior/internal/engine"
)

var (
	daemonInterval  time.Duration
	daemonDashboard bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run sync cycles continuously (foreground)",
	Long: `Run sync cycles continuously in the foreground.

A cycle runs immediately, then on the configured interval, and whenever
the local task database changes (debounced). Overlapping triggers are
dropped while a cycle is in flight.

With --dashboard, a WebSocket server broadcasts each cycle's progress
for live monitoring.`,
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

		var broadcast *dashboardBroadcaster
		if daemonDashboard {
			broadcast, err = startDashboard(st.cfg.Dashboard.Addr)
			if err != nil {
				return err
			}
			defer broadcast.stop()
			eng.OnItem = broadcast.server.ItemSynced
		}

		interval := st.cfg.Daemon.Interval
		if daemonInterval > 0 {
			interval = daemonInterval
		}

		runner := daemon.RunnerFunc(func(ctx context.Context) error {
			if broadcast != nil {
				broadcast.server.CycleStarted(false)
			}
			start := time.Now()
			report, err := eng.Run(ctx, engine.RunOpts{})
			if broadcast != nil {
				broadcast.server.CycleCompleted(report, time.Since(start), err)
			}
			return err
		})

		d, err := daemon.New(runner, &daemon.Config{
			Interval:  interval,
			Debounce:  st.cfg.Daemon.Debounce,
			WatchPath: st.cfg.TaskDBPath(),
			LogFile:   st.cfg.Daemon.LogFile,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Running sync daemon (interval %s). Press Ctrl+C to stop.\n", interval)
		return d.Start(cmd.Context())
	},
}

func init() {
	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 0, "override the cycle interval (e.g. 5m)")
	daemonCmd.Flags().BoolVar(&daemonDashboard, "dashboard", false, "also serve the live dashboard")
	rootCmd.AddCommand(daemonCmd)
}
