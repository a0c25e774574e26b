package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "driftsync",
	Short: "Bidirectional state synchronization between a local store and a remote system of record",
	Long: `driftsync keeps a local SQLite store and a remote system of record
converged across an unreliable network.

A background daemon runs periodic sync cycles: it probes connectivity,
compares per-entity checksums, exchanges deltas in both directions, and
records every attempt in a durable ledger. Local writes made while the
remote is unreachable are queued and replayed in order on reconnection.

Operator commands (sync, status, drain, ack) talk to a running daemon
over its HTTP API.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ./driftsync.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
