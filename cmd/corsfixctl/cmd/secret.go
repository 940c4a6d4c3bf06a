package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/corsfix/proxy/internal/bus"
	"github.com/corsfix/proxy/internal/lookup"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage application secrets",
	Long: `Secrets are substituted into outbound requests where a template
references {{NAME}}. Values are encrypted at rest and never printed.`,
}

var secretSetCmd = &cobra.Command{
	Use:   "set <app-id> <name> [value]",
	Short: "Store a secret (reads the value from stdin when omitted)",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runSecretSet,
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <app-id> <name>",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(2),
	RunE:  runSecretDelete,
}

var secretListCmd = &cobra.Command{
	Use:   "list <app-id>",
	Short: "List secret names",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretList,
}

func init() {
	secretCmd.AddCommand(secretSetCmd, secretDeleteCmd, secretListCmd)
	rootCmd.AddCommand(secretCmd)
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	appID, name := args[0], args[1]
	if strings.TrimSpace(name) == "" {
		return errors.New("secret name is empty")
	}

	var value string
	if len(args) == 3 {
		value = args[2]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read secret value: %w", err)
		}
		value = strings.TrimRight(string(data), "\r\n")
	}

	ctx := cmd.Context()
	return withEnv(ctx, func(e *env) error {
		if !e.hasKey {
			return errNoKey
		}
		if _, err := e.store.ApplicationByID(ctx, appID); err != nil {
			if errors.Is(err, lookup.ErrNotFound) {
				return fmt.Errorf("application %s not found", appID)
			}
			return err
		}
		if err := e.store.SetSecret(ctx, appID, name, value); err != nil {
			return err
		}
		e.announce(ctx, cmd.ErrOrStderr(), bus.ChannelSecret, appID)
		fmt.Fprintf(cmd.OutOrStdout(), "Secret %s set on %s\n", name, appID)
		return nil
	})
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	appID, name := args[0], args[1]
	ctx := cmd.Context()
	return withEnv(ctx, func(e *env) error {
		if err := e.store.DeleteSecret(ctx, appID, name); err != nil {
			if errors.Is(err, lookup.ErrNotFound) {
				return fmt.Errorf("secret %s not found on %s", name, appID)
			}
			return err
		}
		e.announce(ctx, cmd.ErrOrStderr(), bus.ChannelSecret, appID)
		fmt.Fprintf(cmd.OutOrStdout(), "Secret %s deleted from %s\n", name, appID)
		return nil
	})
}

func runSecretList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withEnv(ctx, func(e *env) error {
		names, err := e.store.SecretNames(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			if names == nil {
				names = []string{}
			}
			return printJSON(cmd.OutOrStdout(), names)
		}
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return nil
	})
}
