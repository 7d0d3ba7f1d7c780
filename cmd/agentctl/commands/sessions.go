package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/meridianctl/agentctl/pkg/types"
)

var sessionsAll bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and terminate sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions (active by default, --all for everything)",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/sessions"
		if sessionsAll {
			path += "?all=true"
		}

		var resp struct {
			Sessions []*types.Session `json:"sessions"`
		}
		if err := apiCall("GET", path, nil, &resp); err != nil {
			return err
		}
		if jsonOut {
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tBRANCH\tDEPTH\tGOAL\tAGENT\tUPDATED")
		for _, s := range resp.Sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				s.ID, colorStatus(s.Status), s.BranchName, s.RemediationDepth,
				s.GoalID, s.ExternalAgentID, relativeTime(s.UpdatedAt))
		}
		return w.Flush()
	},
}

var sessionsTerminateCmd = &cobra.Command{
	Use:   "terminate <session-id>",
	Short: "Force-terminate a session and release its locks (idempotent)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Success   bool   `json:"success"`
			SessionID string `json:"sessionId"`
		}
		if err := apiCall("POST", "/sessions/"+args[0]+"/terminate", nil, &resp); err != nil {
			return err
		}
		if !jsonOut {
			color.Yellow("terminated %s", resp.SessionID)
		}
		return nil
	},
}

func colorStatus(s types.SessionStatus) string {
	switch s {
	case types.SessionCompleted:
		return color.GreenString(string(s))
	case types.SessionFailed:
		return color.RedString(string(s))
	case types.SessionExecuting, types.SessionVerifying:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}

func relativeTime(millis int64) string {
	if millis == 0 {
		return "-"
	}
	d := time.Since(time.UnixMilli(millis)).Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}

func init() {
	sessionsListCmd.Flags().BoolVar(&sessionsAll, "all", false, "Include terminal sessions")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsTerminateCmd)
}
