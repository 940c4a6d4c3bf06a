package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/corsfix/proxy/internal/bus"
	"github.com/corsfix/proxy/internal/lookup"
)

var (
	userProduct   string
	userActive    bool
	userTrialEnds string
	userTrialDays int
	userAPIKey    string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage tenants",
}

var userPutCmd = &cobra.Command{
	Use:   "put <user-id>",
	Short: "Create or update a tenant's subscription and trial",
	Long: `Creates or updates a tenant.

The API key is kept unless --api-key is given; use "apikey rotate" to
generate one. A tenant without --trial-ends or --trial-days never had a
trial.`,
	Args: cobra.ExactArgs(1),
	RunE: runUserPut,
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete <user-id>",
	Short: "Delete a tenant with its applications and secrets",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserDelete,
}

func init() {
	userPutCmd.Flags().StringVar(&userProduct, "product", "", "Subscription product id")
	userPutCmd.Flags().BoolVar(&userActive, "active", false, "Mark the subscription active")
	userPutCmd.Flags().StringVar(&userTrialEnds, "trial-ends", "", "Trial end (RFC 3339)")
	userPutCmd.Flags().IntVar(&userTrialDays, "trial-days", 0, "Trial length in days from now")
	userPutCmd.Flags().StringVar(&userAPIKey, "api-key", "", "Set an explicit API key")
	userPutCmd.MarkFlagsMutuallyExclusive("trial-ends", "trial-days")

	userCmd.AddCommand(userPutCmd, userDeleteCmd)
	rootCmd.AddCommand(userCmd)
}

func runUserPut(cmd *cobra.Command, args []string) error {
	u := lookup.User{
		ID:                    args[0],
		SubscriptionActive:    userActive,
		SubscriptionProductID: userProduct,
		APIKey:                userAPIKey,
	}
	switch {
	case userTrialEnds != "":
		t, err := time.Parse(time.RFC3339, userTrialEnds)
		if err != nil {
			return fmt.Errorf("--trial-ends: %w", err)
		}
		u.TrialEndsAt = t
	case userTrialDays > 0:
		u.TrialEndsAt = time.Now().Add(time.Duration(userTrialDays) * 24 * time.Hour)
	}

	ctx := cmd.Context()
	return withEnv(ctx, func(e *env) error {
		if u.SubscriptionProductID != "" {
			if _, ok := e.cfg.Plans.ProductByID(u.SubscriptionProductID); !ok {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: product %q is not configured; the proxy will reject this tenant\n", u.SubscriptionProductID)
			}
		}

		var oldKey string
		if prev, err := e.store.User(ctx, u.ID); err == nil {
			oldKey = prev.APIKey
		} else if !errors.Is(err, lookup.ErrNotFound) {
			return err
		}

		if err := e.store.PutUser(ctx, u); err != nil {
			return err
		}
		// Plan changes reach cached users through their TTL; keys are
		// evicted now.
		e.announce(ctx, cmd.ErrOrStderr(), bus.ChannelAPIKey, oldKey)
		if u.APIKey != oldKey {
			e.announce(ctx, cmd.ErrOrStderr(), bus.ChannelAPIKey, u.APIKey)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "User %s saved\n", u.ID)
		return nil
	})
}

func runUserDelete(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx := cmd.Context()
	return withEnv(ctx, func(e *env) error {
		u, err := e.store.User(ctx, id)
		if err != nil {
			if errors.Is(err, lookup.ErrNotFound) {
				return fmt.Errorf("user %s not found", id)
			}
			return err
		}
		apps, err := e.store.ListApplications(ctx, id)
		if err != nil {
			return err
		}

		if err := e.store.DeleteUser(ctx, id); err != nil {
			return err
		}
		e.announce(ctx, cmd.ErrOrStderr(), bus.ChannelAPIKey, u.APIKey)
		for _, app := range apps {
			e.announce(ctx, cmd.ErrOrStderr(), bus.ChannelApplication, app.OriginDomains...)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "User %s deleted (%d applications)\n", id, len(apps))
		return nil
	})
}
