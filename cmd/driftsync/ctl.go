package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftlock/driftsync/internal/config"
	syncpkg "github.com/driftlock/driftsync/internal/sync"
)

var operatorAddr string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger a sync cycle on the running daemon",
	Long: `Ask the running daemon to sync now instead of waiting for the next
scheduled cycle.

With --entity only that entity is synced. With --force the pipeline runs
even when checksums match and ignores any backoff window.`,
	Run: func(cmd *cobra.Command, args []string) {
		entity, _ := cmd.Flags().GetString("entity")
		force, _ := cmd.Flags().GetBool("force")

		body, _ := json.Marshal(map[string]any{"entity": entity, "force": force})
		var resp struct {
			AttemptIDs []string `json:"attempt_ids"`
		}
		if err := operatorPost("/sync", bytes.NewReader(body), &resp); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(resp.AttemptIDs) == 0 {
			fmt.Println("Nothing to sync (entities skipped or already converged)")
			return
		}
		fmt.Printf("Started %d sync attempt(s):\n", len(resp.AttemptIDs))
		for _, id := range resp.AttemptIDs {
			fmt.Printf("   %s\n", id)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status from the running daemon",
	Long: `Display connectivity, per-entity pipeline state, checkpoints, queue
depths and the most recent sync attempt for each entity.`,
	Run: func(cmd *cobra.Command, args []string) {
		var status syncpkg.Status
		if err := operatorGet("/status", &status); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\nConnectivity: %s", status.Connectivity.Status)
		if status.Connectivity.ConsecutiveFailures > 0 {
			fmt.Printf(" (%d consecutive probe failures)", status.Connectivity.ConsecutiveFailures)
		}
		fmt.Printf("\n\n")

		for name, e := range status.Entities {
			fmt.Printf("%s\n", name)
			fmt.Printf("   State: %s\n", e.State)
			if e.Disabled {
				fmt.Printf("   Disabled: %s\n", e.DisabledReason)
			}
			if !e.Checkpoint.CommittedAt.IsZero() {
				fmt.Printf("   Last synced: %s (checksum %s)\n",
					e.Checkpoint.LastSyncedAt.Format(time.RFC3339), e.Checkpoint.LastChecksum)
			} else {
				fmt.Printf("   Last synced: never\n")
			}
			if e.QueueDepth > 0 {
				fmt.Printf("   Queued offline writes: %d\n", e.QueueDepth)
			}
			if e.LastAttempt != nil {
				fmt.Printf("   Last attempt: %s (%d applied, %d conflict losses)\n",
					e.LastAttempt.Status, e.LastAttempt.RecordsApplied, e.LastAttempt.ConflictLosses)
			}
			if e.LastError != "" {
				fmt.Printf("   Last error: %s\n", e.LastError)
			}
			if e.NextEligible != nil {
				fmt.Printf("   Backing off until: %s\n", e.NextEligible.Format(time.RFC3339))
			}
			fmt.Println()
		}
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain <entity>",
	Short: "Drain an entity's offline queue to the remote side",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var resp struct {
			Applied int `json:"applied"`
		}
		if err := operatorPost("/entities/"+args[0]+"/drain", nil, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Applied %d queued write(s) for %s\n", resp.Applied, args[0])
	},
}

var ackCmd = &cobra.Command{
	Use:   "ack <entity>",
	Short: "Re-enable an entity excluded after a schema mismatch",
	Long: `Acknowledge a schema mismatch and re-enable the entity.

After a schema mismatch the daemon stops syncing the entity until an
operator fixes the mapping and acknowledges. This also resets the
entity's failure backoff.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := operatorPost("/entities/"+args[0]+"/ack", nil, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Entity %s re-enabled\n", args[0])
	},
}

// operatorBase resolves the daemon's operator API address from --addr or
// the config file.
func operatorBase() (string, error) {
	addr := operatorAddr
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", err
		}
		addr = cfg.ListenAddr
	}
	if addr == "" {
		return "", fmt.Errorf("no operator API address: set listen_addr in config or pass --addr")
	}
	return "http://" + addr, nil
}

func operatorGet(path string, out any) error {
	base, err := operatorBase()
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(base + path)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()
	return decodeOperatorResponse(resp, out)
}

func operatorPost(path string, body *bytes.Reader, out any) error {
	base, err := operatorBase()
	if err != nil {
		return err
	}
	if body == nil {
		body = bytes.NewReader(nil)
	}
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(base+path, "application/json", body)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()
	return decodeOperatorResponse(resp, out)
}

func decodeOperatorResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func init() {
	for _, c := range []*cobra.Command{syncCmd, statusCmd, drainCmd, ackCmd} {
		c.Flags().StringVar(&operatorAddr, "addr", "", "Operator API address (default: listen_addr from config)")
	}
	syncCmd.Flags().String("entity", "", "Sync only this entity")
	syncCmd.Flags().Bool("force", false, "Sync even when checksums match; ignore backoff")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(ackCmd)
}
