package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/meridianctl/agentctl/internal/config"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Debugging helpers",
}

var debugConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := os.Getwd()
		if err != nil {
			return err
		}
		cfg, err := config.Load(dir)
		if err != nil {
			return err
		}

		// Never print secrets, even locally.
		cfg.WebhookSecret = redact(cfg.WebhookSecret)
		cfg.AgentProvider.APIKey = redact(cfg.AgentProvider.APIKey)
		cfg.VCSProvider.APIKey = redact(cfg.VCSProvider.APIKey)
		cfg.Auditor.APIKey = redact(cfg.Auditor.APIKey)

		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var debugPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the server is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Status string `json:"status"`
		}
		if err := apiCall("GET", "/healthz", nil, &resp); err != nil {
			color.Red("unreachable: %v", err)
			return err
		}
		if !jsonOut {
			color.Green("server %s: %s", serverURL, resp.Status)
		}
		return nil
	},
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func init() {
	debugCmd.AddCommand(debugConfigCmd)
	debugCmd.AddCommand(debugPingCmd)
}
