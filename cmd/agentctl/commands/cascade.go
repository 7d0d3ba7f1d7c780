package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	cascadeOwner      string
	cascadeRepo       string
	cascadeBaseBranch string
	cascadeGoalID     string
)

var cascadeCmd = &cobra.Command{
	Use:   "cascade",
	Short: "Blast-radius analysis and dispatch",
}

var cascadeAnalyzeCmd = &cobra.Command{
	Use:   "analyze <commit-sha>",
	Short: "Analyze a commit's blast radius and dispatch repair sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result struct {
			Cascade struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"cascade"`
			DispatchedSessions []struct {
				ID         string `json:"id"`
				BranchName string `json:"branchName"`
			} `json:"dispatchedSessions"`
			LockConflicts []struct {
				Path   string `json:"path"`
				HeldBy string `json:"heldBy"`
			} `json:"lockConflicts"`
			Telemetry struct {
				DispatchLatencyMs int64 `json:"dispatchLatencyMs"`
				DispatchedCount   int   `json:"dispatchedCount"`
				ConflictCount     int   `json:"conflictCount"`
				FailedCount       int   `json:"failedCount"`
			} `json:"telemetry"`
		}

		err := apiCall("POST", "/cascade/analyze", map[string]any{
			"owner":      cascadeOwner,
			"repo":       cascadeRepo,
			"commit":     args[0],
			"baseBranch": cascadeBaseBranch,
			"goalId":     cascadeGoalID,
		}, &result)
		if err != nil {
			return err
		}
		if jsonOut {
			return nil
		}

		fmt.Printf("cascade %s: %s\n", result.Cascade.ID, result.Cascade.Status)
		for _, s := range result.DispatchedSessions {
			color.Green("  dispatched %s on %s", s.ID, s.BranchName)
		}
		for _, c := range result.LockConflicts {
			color.Red("  conflict %s held by %s", c.Path, c.HeldBy)
		}
		fmt.Printf("dispatched=%d conflicts=%d failed=%d latency=%dms\n",
			result.Telemetry.DispatchedCount, result.Telemetry.ConflictCount,
			result.Telemetry.FailedCount, result.Telemetry.DispatchLatencyMs)
		return nil
	},
}

func init() {
	cascadeAnalyzeCmd.Flags().StringVar(&cascadeOwner, "owner", "", "Repository owner")
	cascadeAnalyzeCmd.Flags().StringVar(&cascadeRepo, "repo", "", "Repository name")
	cascadeAnalyzeCmd.Flags().StringVar(&cascadeBaseBranch, "base-branch", "main", "Base branch for repair sessions")
	cascadeAnalyzeCmd.Flags().StringVar(&cascadeGoalID, "goal", "", "Goal to bind repair sessions to (synthesized when empty)")
	cascadeAnalyzeCmd.MarkFlagRequired("owner")
	cascadeAnalyzeCmd.MarkFlagRequired("repo")

	cascadeCmd.AddCommand(cascadeAnalyzeCmd)
}
