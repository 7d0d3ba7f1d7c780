package commands

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	simSecret  string
	simOwner   string
	simRepo    string
	simBranch  string
	simCommit  string
	simPaths   []string
	simMessage string
)

// webhookSimCmd fires a synthetic, correctly signed push webhook at a
// running server, for exercising the review and cascade paths locally
// without a VCS host.
var webhookSimCmd = &cobra.Command{
	Use:   "webhook-sim",
	Short: "Send a synthetic signed push webhook to the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := map[string]any{
			"ref":   "refs/heads/" + simBranch,
			"after": simCommit,
			"repository": map[string]any{
				"name":  simRepo,
				"owner": map[string]any{"login": simOwner},
			},
			"head_commit": map[string]any{
				"id":      simCommit,
				"message": simMessage,
				"author":  map[string]any{"name": "webhook-sim"},
			},
			"commits": []map[string]any{{"modified": simPaths}},
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}

		mac := hmac.New(sha256.New, []byte(simSecret))
		mac.Write(body)
		signature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

		req, err := http.NewRequest(http.MethodPost, serverURL+"/webhook/vcs", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-GitHub-Event", "push")
		req.Header.Set("X-Hub-Signature-256", signature)

		resp, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 400 {
			color.Red("%s", resp.Status)
			fmt.Fprintln(os.Stderr, string(respBody))
			return fmt.Errorf("webhook rejected")
		}

		color.Green("%s", resp.Status)
		var indented bytes.Buffer
		if err := json.Indent(&indented, respBody, "", "  "); err == nil {
			respBody = indented.Bytes()
		}
		fmt.Println(string(respBody))
		return nil
	},
}

func init() {
	webhookSimCmd.Flags().StringVar(&simSecret, "secret", "", "Webhook HMAC secret the server was configured with")
	webhookSimCmd.Flags().StringVar(&simOwner, "owner", "acme", "Repository owner")
	webhookSimCmd.Flags().StringVar(&simRepo, "repo", "web", "Repository name")
	webhookSimCmd.Flags().StringVar(&simBranch, "branch", "main", "Branch")
	webhookSimCmd.Flags().StringVar(&simCommit, "commit", "0000000000000000000000000000000000000000", "Commit SHA")
	webhookSimCmd.Flags().StringArrayVar(&simPaths, "path", nil, "Changed path (repeatable)")
	webhookSimCmd.Flags().StringVar(&simMessage, "message", "synthetic push", "Commit message")
	webhookSimCmd.MarkFlagRequired("secret")
}
