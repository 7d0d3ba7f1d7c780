package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/meridianctl/agentctl/pkg/types"
)

var (
	goalDescription string
	goalCriteria    []string
)

var goalsCmd = &cobra.Command{
	Use:   "goals",
	Short: "Inspect and manage goals",
}

var goalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List goals with their criterion progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Goals []*types.Goal `json:"goals"`
		}
		if err := apiCall("GET", "/goals", nil, &resp); err != nil {
			return err
		}
		if jsonOut {
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tCRITERIA\tTITLE")
		for _, g := range resp.Goals {
			met := 0
			for _, c := range g.Criteria {
				if c.Met {
					met++
				}
			}
			status := string(g.Status)
			switch g.Status {
			case types.GoalCompleted:
				status = color.GreenString(status)
			case types.GoalDrifted:
				status = color.RedString(status)
			}
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n", g.ID, status, met, len(g.Criteria), g.Title)
		}
		return w.Flush()
	},
}

var goalsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a goal with acceptance criteria",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var goal types.Goal
		err := apiCall("POST", "/goals", map[string]any{
			"title":       args[0],
			"description": goalDescription,
			"criteria":    goalCriteria,
		}, &goal)
		if err != nil {
			return err
		}
		if !jsonOut {
			color.Green("created %s with %d criteria", goal.ID, len(goal.Criteria))
		}
		return nil
	},
}

var goalsReAuditCmd = &cobra.Command{
	Use:   "re-audit <goal-id>",
	Short: "Re-run the auditor on the goal's last reviewed commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result struct {
			Outcome string `json:"outcome"`
		}
		if err := apiCall("POST", "/goals/"+args[0]+"/re-audit", map[string]any{}, &result); err != nil {
			return err
		}
		if !jsonOut {
			fmt.Printf("re-audit outcome: %s\n", result.Outcome)
		}
		return nil
	},
}

func init() {
	goalsCreateCmd.Flags().StringVar(&goalDescription, "description", "", "Goal description")
	goalsCreateCmd.Flags().StringArrayVar(&goalCriteria, "criterion", nil, "Acceptance criterion (repeatable)")

	goalsCmd.AddCommand(goalsListCmd)
	goalsCmd.AddCommand(goalsCreateCmd)
	goalsCmd.AddCommand(goalsReAuditCmd)
}
