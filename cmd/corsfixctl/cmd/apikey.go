package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corsfix/proxy/internal/bus"
	"github.com/corsfix/proxy/internal/lookup"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage tenant API keys",
}

var apikeyRotateCmd = &cobra.Command{
	Use:   "rotate <user-id>",
	Short: "Issue a new API key, revoking the previous one",
	Long: `Issues a new API key for the tenant and prints it. The previous key
stops working as soon as running proxies receive the invalidation.`,
	Args: cobra.ExactArgs(1),
	RunE: runAPIKeyRotate,
}

func init() {
	apikeyCmd.AddCommand(apikeyRotateCmd)
	rootCmd.AddCommand(apikeyCmd)
}

func runAPIKeyRotate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withEnv(ctx, func(e *env) error {
		newKey, oldKey, err := e.store.RotateAPIKey(ctx, args[0])
		if err != nil {
			if errors.Is(err, lookup.ErrNotFound) {
				return fmt.Errorf("user %s not found", args[0])
			}
			return err
		}
		// The new key may be negatively cached from earlier probes.
		e.announce(ctx, cmd.ErrOrStderr(), bus.ChannelAPIKey, oldKey, newKey)

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]string{"user_id": args[0], "api_key": newKey})
		}
		fmt.Fprintln(cmd.OutOrStdout(), newKey)
		return nil
	})
}
