package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/meridianctl/agentctl/pkg/types"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and purge file locks",
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every held lock with its holder's status and branch",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Locks []types.LockHolder `json:"locks"`
		}
		if err := apiCall("GET", "/locks", nil, &resp); err != nil {
			return err
		}
		if jsonOut {
			return nil
		}

		if len(resp.Locks) == 0 {
			fmt.Println("no locks held")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PATH\tHELD BY\tSTATUS\tBRANCH\tSINCE")
		for _, l := range resp.Locks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				l.Path, l.SessionID, colorStatus(l.Status), l.Branch, relativeTime(l.LockedAt))
		}
		return w.Flush()
	},
}

var locksPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Release every lock (operator escape hatch)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			ReleasedCount int64 `json:"releasedCount"`
		}
		if err := apiCall("DELETE", "/locks", nil, &resp); err != nil {
			return err
		}
		if !jsonOut {
			color.Yellow("released %d lock(s)", resp.ReleasedCount)
		}
		return nil
	},
}

func init() {
	locksCmd.AddCommand(locksListCmd)
	locksCmd.AddCommand(locksPurgeCmd)
}
