package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/aramirez087/ReplyGuy-sub000/pkg/httpx"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/models"
)

var (
	statusTool string
	statusJSON bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show effective rules, counters and recent decisions",
	Long: `Fetch the policy status snapshot from a running gateway.

Examples:
  wardenctl status
  wardenctl status --tool post_tweet
  wardenctl status --json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusTool, "tool", "", "Filter counters and decisions to one tool")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw snapshot JSON")
	rootCmd.AddCommand(statusCmd)
}

// statusHTTPClient is swapped in tests.
var statusHTTPClient = &http.Client{Timeout: 10 * time.Second}

func runStatus(cmd *cobra.Command, args []string) error {
	target := gatewayURL + "/v1/policy/status"
	if statusTool != "" {
		target += "?tool=" + url.QueryEscape(statusTool)
	}
	headers := map[string]string{}
	if authToken != "" {
		headers["Authorization"] = "Bearer " + authToken
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	code, body, err := httpx.RequestJSON(ctx, statusHTTPClient, http.MethodGet, target, nil, headers, 1, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("gateway returned %d: %s", code, string(body))
	}
	if statusJSON {
		fmt.Fprintln(cmd.OutOrStdout(), string(body))
		return nil
	}
	var snap models.PolicySnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	printSnapshot(cmd, snap)
	return nil
}

func printSnapshot(cmd *cobra.Command, snap models.PolicySnapshot) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "enforce: %v\n", snap.Enforce)
	if len(snap.BlockedTools) > 0 {
		fmt.Fprintf(out, "blocked tools: %v\n", snap.BlockedTools)
	}
	fmt.Fprintf(out, "pending audits: %d (oldest %.0fs)\n", snap.PendingCount, snap.OldestPendingS)
	if len(snap.Rules) > 0 {
		fmt.Fprintln(out, "rules:")
		for _, r := range snap.Rules {
			fmt.Fprintf(out, "  %4d  %-18s %-20s %s\n", r.Priority, r.ID, r.Action, r.Match)
		}
	}
	if len(snap.Counters) > 0 {
		fmt.Fprintln(out, "counters:")
		for _, c := range snap.Counters {
			fmt.Fprintf(out, "  %-24s %4d in %ds\n", c.Scope, c.Count, c.WindowSec)
		}
	}
	if len(snap.RecentDecisions) > 0 {
		fmt.Fprintln(out, "recent decisions:")
		for _, d := range snap.RecentDecisions {
			line := fmt.Sprintf("  %s  %-9s %-20s", d.CreatedAt.Format(time.RFC3339), d.Kind, d.Tool)
			if d.Reason != "" {
				line += "  " + d.Reason
			}
			fmt.Fprintln(out, line)
		}
	}
}
