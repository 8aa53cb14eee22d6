package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/clubwarrior/clubwarrior/internal/dashboard"
)

var dashboardAddr string

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Serve the live sync dashboard (foreground)",
	Long: `Serve a WebSocket dashboard broadcasting sync activity.

Messages:
  cycle_start     a sync cycle began
  item_outcome    one story/task pair finished
  cycle_complete  cycle summary with counters

Connect a WebSocket client to ws://<addr>/ws. Note that a standalone
dashboard only sees cycles run in the same process; use
'cw daemon --dashboard' to broadcast the daemon's cycles.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr := cfg.Dashboard.Addr
		if dashboardAddr != "" {
			addr = dashboardAddr
		}

		b, err := startDashboard(addr)
		if err != nil {
			return err
		}
		defer b.stop()

		fmt.Printf("Dashboard listening on http://%s (ws://%s/ws). Press Ctrl+C to stop.\n",
			b.server.Addr(), b.server.Addr())

		<-cmd.Context().Done()
		return nil
	},
}

func init() {
	dashboardCmd.Flags().StringVar(&dashboardAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(dashboardCmd)
}

type dashboardBroadcaster struct {
	server *dashboard.Server
}

func startDashboard(addr string) (*dashboardBroadcaster, error) {
	server := dashboard.NewServer(addr, log.New(os.Stderr, "[dashboard] ", log.LstdFlags))
	if err := server.Start(); err != nil {
		return nil, err
	}
	return &dashboardBroadcaster{server: server}, nil
}

func (b *dashboardBroadcaster) stop() {
	if err := b.server.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: stopping dashboard: %v\n", err)
	}
}
