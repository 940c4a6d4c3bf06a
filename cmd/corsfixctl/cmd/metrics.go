package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/corsfix/proxy/internal/usage"
)

var (
	metricsFrom      string
	metricsTo        string
	metricsRetention time.Duration
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Inspect and prune daily usage",
}

var metricsShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Print a tenant's daily request and byte counts",
	Long: `Prints the daily rows for a tenant between --from and --to (inclusive,
YYYY-MM-DD, UTC). Defaults to the current month.`,
	Args: cobra.ExactArgs(1),
	RunE: runMetricsShow,
}

var metricsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete daily rows older than the retention window",
	Args:  cobra.NoArgs,
	RunE:  runMetricsPrune,
}

func init() {
	metricsShowCmd.Flags().StringVar(&metricsFrom, "from", "", "First day (default: first of this month)")
	metricsShowCmd.Flags().StringVar(&metricsTo, "to", "", "Last day (default: today)")
	metricsPruneCmd.Flags().DurationVar(&metricsRetention, "retention", 400*24*time.Hour, "How long to keep daily rows")

	metricsCmd.AddCommand(metricsShowCmd, metricsPruneCmd)
	rootCmd.AddCommand(metricsCmd)
}

// dayRange resolves --from/--to against now.
func dayRange(from, to string, now time.Time) (string, string, error) {
	now = now.UTC()
	if from == "" {
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format(usage.DayFormat)
	}
	if to == "" {
		to = now.Format(usage.DayFormat)
	}
	for _, d := range []string{from, to} {
		if _, err := time.Parse(usage.DayFormat, d); err != nil {
			return "", "", fmt.Errorf("invalid day %q, want YYYY-MM-DD", d)
		}
	}
	if from > to {
		return "", "", fmt.Errorf("--from %s is after --to %s", from, to)
	}
	return from, to, nil
}

type pointView struct {
	Date         string `json:"date"`
	OriginDomain string `json:"origin_domain"`
	Requests     int64  `json:"req_count"`
	Bytes        int64  `json:"bytes"`
}

func runMetricsShow(cmd *cobra.Command, args []string) error {
	from, to, err := dayRange(metricsFrom, metricsTo, time.Now())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	return withEnv(ctx, func(e *env) error {
		points, err := e.store.DailyMetrics(ctx, args[0], from, to)
		if err != nil {
			return err
		}

		if jsonOutput {
			views := make([]pointView, 0, len(points))
			for _, p := range points {
				views = append(views, pointView{Date: p.Date, OriginDomain: p.OriginDomain, Requests: p.ReqCount, Bytes: p.Bytes})
			}
			return printJSON(cmd.OutOrStdout(), views)
		}

		var reqs, bytes int64
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DATE\tORIGIN\tREQUESTS\tBYTES")
		for _, p := range points {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", p.Date, p.OriginDomain, p.ReqCount, p.Bytes)
			reqs += p.ReqCount
			bytes += p.Bytes
		}
		fmt.Fprintf(w, "total\t\t%d\t%d\n", reqs, bytes)
		return w.Flush()
	})
}

func runMetricsPrune(cmd *cobra.Command, args []string) error {
	if metricsRetention <= 0 {
		return fmt.Errorf("--retention must be positive")
	}
	ctx := cmd.Context()
	return withEnv(ctx, func(e *env) error {
		n, err := e.store.PruneMetrics(ctx, metricsRetention)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d rows\n", n)
		return nil
	})
}
