package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftlock/driftsync/internal/config"
	"github.com/driftlock/driftsync/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Opens the local store and ledger database
  2. Probes remote connectivity each cycle
  3. Compares checksums and exchanges deltas per entity
  4. Drains queued offline writes on reconnection
  5. Serves the operator HTTP API when listen_addr is configured

Stop with Ctrl+C; in-flight attempts are recorded before exit.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		d, err := daemon.New(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Starting driftsync daemon\n")
		fmt.Printf("   Data dir: %s\n", cfg.DataDir)
		fmt.Printf("   Remote:   %s\n", cfg.RemoteURL)
		if cfg.ListenAddr != "" {
			fmt.Printf("   Operator API: http://%s\n", cfg.ListenAddr)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
