package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync [session-id...]",
	Short: "Reconcile sessions against the agent provider (all active when no ids given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			var resp struct {
				Session struct {
					ID     string `json:"id"`
					Status string `json:"status"`
				} `json:"session"`
				ExternalStatus    string `json:"externalStatus"`
				ChangeProposalURL string `json:"changeProposalUrl"`
			}
			if err := apiCall("POST", "/orchestrator/sync", map[string]any{"sessionId": args[0]}, &resp); err != nil {
				return err
			}
			if !jsonOut {
				fmt.Printf("%s: %s (provider: %s)\n", resp.Session.ID, resp.Session.Status, resp.ExternalStatus)
				if resp.ChangeProposalURL != "" {
					fmt.Printf("  change proposal: %s\n", resp.ChangeProposalURL)
				}
			}
			return nil
		}

		var resp struct {
			Results []map[string]any `json:"results"`
		}
		if err := apiCall("POST", "/orchestrator/sync-batch", map[string]any{"sessionIds": args}, &resp); err != nil {
			return err
		}
		if !jsonOut {
			fmt.Printf("synced %d session(s)\n", len(resp.Results))
		}
		return nil
	},
}
