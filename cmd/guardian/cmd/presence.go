package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/agent-guardian/pkg/presence"
)

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Show the operator's presence as the guardian sees it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showPresence("GET", "/presence")
	},
}

var presenceTouchCmd = &cobra.Command{
	Use:   "touch",
	Short: "Record operator activity now",
	Long: `Marks the operator as present. Notifications deferred while the operator
was away are delivered when they come back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return showPresence("POST", "/presence/activity")
	},
}

func init() {
	rootCmd.AddCommand(presenceCmd)
	presenceCmd.AddCommand(presenceTouchCmd)
}

func showPresence(method, path string) error {
	var snap presence.Snapshot
	if err := callAPI(method, path, nil, &snap); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(snap)
	}

	fmt.Printf("Presence: %s\n", snap.State)
	if snap.LastActivity != nil {
		fmt.Printf("Last activity: %s (%s ago)\n", formatTime(*snap.LastActivity), snap.Since.Round(time.Second))
	}
	return nil
}
