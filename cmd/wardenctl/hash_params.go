package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aramirez087/ReplyGuy-sub000/pkg/models"
)

var hashParamsCmd = &cobra.Command{
	Use:   "hash-params <tool> [params-json]",
	Short: "Compute the canonical dedupe hash for a mutation",
	Long: `Print the hash the gateway derives from a tool name and its parameters.
Two invocations with the same tool and semantically equal parameters print
the same hash regardless of key order. Params are read from the argument,
or from stdin when the argument is "-" or absent.

Examples:
  wardenctl hash-params post_tweet '{"text":"hello"}'
  echo '{"text":"hello"}' | wardenctl hash-params post_tweet -`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runHashParams,
}

func init() {
	rootCmd.AddCommand(hashParamsCmd)
}

func runHashParams(cmd *cobra.Command, args []string) error {
	raw := ""
	if len(args) == 2 {
		raw = args[1]
	}
	if raw == "" || raw == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		raw = strings.TrimSpace(string(b))
	}
	req := models.MutationRequest{Tool: args[0]}
	if raw != "" {
		req.Params = json.RawMessage(raw)
	}
	hash, err := models.HashRequest(req)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
