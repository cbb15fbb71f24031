package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aramirez087/ReplyGuy-sub000/pkg/policy"
)

var validatePolicyCmd = &cobra.Command{
	Use:   "validate-policy <file>",
	Short: "Check a policy file without loading it into a gateway",
	Long: `Parse and validate a policy YAML file the same way the gateway does at
startup, so a broken edit is caught before a reload.

Examples:
  wardenctl validate-policy policy.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runValidatePolicy,
}

func init() {
	rootCmd.AddCommand(validatePolicyCmd)
}

func runValidatePolicy(cmd *cobra.Command, args []string) error {
	set, err := policy.Load(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok: %d rules, %d blocked tools, enforce=%v\n",
		len(set.Rules), len(set.BlockedTools), set.Enforce)
	for _, r := range set.Rules {
		fmt.Fprintf(cmd.OutOrStdout(), "  %4d  %-18s %-20s %s\n", r.Priority, r.ID, r.Action, r.Match.String())
	}
	return nil
}
