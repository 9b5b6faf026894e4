package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ycm360/cafemx/internal/model"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show OCR usage counters for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		slug, _ := cmd.Flags().GetString("slug")
		monthFlag, _ := cmd.Flags().GetString("month")
		month, err := parseMonth(monthFlag, time.Now())
		if err != nil {
			return err
		}

		t, err := st.GetTenantBySlug(ctx, slug)
		if err != nil {
			return eris.Wrapf(err, "usage: lookup tenant %s", slug)
		}
		counters, err := st.GetUsage(ctx, t.ID, month)
		if err != nil {
			return eris.Wrap(err, "usage: read counters")
		}
		if len(counters) == 0 {
			zap.L().Info("no usage recorded", zap.String("slug", slug))
			return nil
		}

		formatUsage(os.Stdout, counters, t.MaxTicketsPerMonth)
		return nil
	},
}

// parseMonth accepts "" (current month), "all" (zero time) or YYYY-MM.
func parseMonth(s string, now time.Time) (time.Time, error) {
	switch s {
	case "":
		return model.MonthStart(now), nil
	case "all":
		return time.Time{}, nil
	}
	m, err := time.Parse("2006-01", s)
	if err != nil {
		return time.Time{}, eris.Errorf("month must be YYYY-MM or all, got %q", s)
	}
	return m, nil
}

func formatUsage(out io.Writer, counters []model.UsageCounter, limit int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "MONTH\tPROVIDER\tTOTAL\tOK\tFAILED\tCOST\tLIMIT")
	_, _ = fmt.Fprintln(w, "-----\t--------\t-----\t--\t------\t----\t-----")

	for _, c := range counters {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t$%.4f\t%d\n",
			c.Month.Format("2006-01"),
			c.Provider,
			c.TotalRequests,
			c.SuccessfulRequests,
			c.FailedRequests,
			c.TotalCostUSD,
			limit,
		)
	}
	_ = w.Flush()
}

func init() {
	usageCmd.Flags().String("slug", "", "tenant slug")
	usageCmd.Flags().String("month", "", "YYYY-MM, or all (default current month)")
	_ = usageCmd.MarkFlagRequired("slug")
	rootCmd.AddCommand(usageCmd)
}
