package cmd

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/corsfix/proxy/internal/bus"
	"github.com/corsfix/proxy/internal/lookup"
	"github.com/corsfix/proxy/internal/request"
	"github.com/corsfix/proxy/internal/store"
)

var (
	appUser    string
	appName    string
	appOrigins []string
	appTargets []string
)

var appCmd = &cobra.Command{
	Use:     "app",
	Aliases: []string{"application"},
	Short:   "Manage applications",
}

var appPutCmd = &cobra.Command{
	Use:   "put <app-id>",
	Short: "Create or replace an application",
	Long: `Creates or replaces an application.

--origin lists the domains pages are served from and --target the domains
they may fetch through the proxy. A target of "*" allows every domain.
Both replace the previous lists.`,
	Args: cobra.ExactArgs(1),
	RunE: runAppPut,
}

var appDeleteCmd = &cobra.Command{
	Use:   "delete <app-id>",
	Short: "Delete an application and its secrets",
	Args:  cobra.ExactArgs(1),
	RunE:  runAppDelete,
}

var appListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's applications",
	Args:  cobra.NoArgs,
	RunE:  runAppList,
}

func init() {
	appPutCmd.Flags().StringVar(&appUser, "user", "", "Owning user id")
	appPutCmd.Flags().StringVar(&appName, "name", "", "Display name")
	appPutCmd.Flags().StringSliceVar(&appOrigins, "origin", nil, "Origin domain (repeatable)")
	appPutCmd.Flags().StringSliceVar(&appTargets, "target", nil, "Allowed target domain (repeatable)")
	if err := appPutCmd.MarkFlagRequired("user"); err != nil {
		panic(err)
	}
	if err := appPutCmd.MarkFlagRequired("origin"); err != nil {
		panic(err)
	}

	appListCmd.Flags().StringVar(&appUser, "user", "", "Owning user id")
	if err := appListCmd.MarkFlagRequired("user"); err != nil {
		panic(err)
	}

	appCmd.AddCommand(appPutCmd, appDeleteCmd, appListCmd)
	rootCmd.AddCommand(appCmd)
}

// normalizeDomains applies the proxy's hostname normalisation so stored
// domains match what lookups compute from request headers.
func normalizeDomains(flag string, in []string, allowWildcard bool) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, d := range in {
		d = strings.TrimSpace(d)
		if allowWildcard && d == lookup.Wildcard {
			out = append(out, d)
			continue
		}
		n, err := request.NormalizeHost(d)
		if err != nil {
			return nil, fmt.Errorf("--%s %q: %w", flag, d, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func runAppPut(cmd *cobra.Command, args []string) error {
	origins, err := normalizeDomains("origin", appOrigins, false)
	if err != nil {
		return err
	}
	targets, err := normalizeDomains("target", appTargets, true)
	if err != nil {
		return err
	}

	in := store.ApplicationInput{
		ID:            args[0],
		UserID:        appUser,
		Name:          appName,
		OriginDomains: origins,
		TargetDomains: targets,
	}
	ctx := cmd.Context()
	return withEnv(ctx, func(e *env) error {
		if _, err := e.store.User(ctx, in.UserID); err != nil {
			if errors.Is(err, lookup.ErrNotFound) {
				return fmt.Errorf("user %s not found", in.UserID)
			}
			return err
		}
		changed, err := e.store.PutApplication(ctx, in)
		if err != nil {
			return err
		}
		e.announce(ctx, cmd.ErrOrStderr(), bus.ChannelApplication, changed...)
		fmt.Fprintf(cmd.OutOrStdout(), "Application %s saved (%d origins, %d targets)\n", in.ID, len(origins), len(targets))
		return nil
	})
}

func runAppDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withEnv(ctx, func(e *env) error {
		domains, err := e.store.DeleteApplication(ctx, args[0])
		if err != nil {
			if errors.Is(err, lookup.ErrNotFound) {
				return fmt.Errorf("application %s not found", args[0])
			}
			return err
		}
		e.announce(ctx, cmd.ErrOrStderr(), bus.ChannelApplication, domains...)
		e.announce(ctx, cmd.ErrOrStderr(), bus.ChannelSecret, args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "Application %s deleted\n", args[0])
		return nil
	})
}

type appView struct {
	ID            string   `json:"id"`
	OriginDomains []string `json:"origin_domains"`
	TargetDomains []string `json:"target_domains"`
}

func runAppList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withEnv(ctx, func(e *env) error {
		apps, err := e.store.ListApplications(ctx, appUser)
		if err != nil {
			return err
		}

		if jsonOutput {
			views := make([]appView, 0, len(apps))
			for _, a := range apps {
				views = append(views, appView{ID: a.ID, OriginDomains: a.OriginDomains, TargetDomains: a.TargetDomains})
			}
			return printJSON(cmd.OutOrStdout(), views)
		}

		if len(apps) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No applications for user %s\n", appUser)
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "APPLICATION\tORIGINS\tTARGETS")
		fmt.Fprintln(w, "-----------\t-------\t-------")
		for _, a := range apps {
			targets := strings.Join(a.TargetDomains, ",")
			if targets == "" {
				targets = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", a.ID, strings.Join(a.OriginDomains, ","), targets)
		}
		return w.Flush()
	})
}
