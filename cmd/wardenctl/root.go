package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	gatewayURL string
	authToken  string
)

var rootCmd = &cobra.Command{
	Use:   "wardenctl",
	Short: "Operator CLI for the mutation policy gateway",
	Long: `wardenctl talks to a running gateway and works with its policy files.

Core Commands:
  validate-policy  Check a policy file without loading it into a gateway
  hash-params      Compute the canonical dedupe hash for a mutation
  status           Show effective rules, counters and recent decisions`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", envDefault("GATEWAY_URL", "http://localhost:8080"), "Gateway base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", envDefault("GATEWAY_TOKEN", ""), "Bearer token for authenticated gateways")
}

func envDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
