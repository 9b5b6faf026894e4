package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ycm360/cafemx/internal/metrics"
	"github.com/ycm360/cafemx/internal/monitoring"
	"github.com/ycm360/cafemx/internal/tenant"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Retry queued compensating deletes once",
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

		alerter := monitoring.NewAlerter(cfg.Monitor)
		stats, err := tenant.NewReconciler(st, metrics.New(), tenant.WithObserver(alerter)).RunOnce(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("reconcile complete",
			zap.Int("processed", stats.Processed),
			zap.Int("resolved", stats.Resolved),
			zap.Int("failed", stats.Failed),
			zap.Int("pending", stats.Pending),
			zap.Int("exhausted", len(stats.Exhausted)),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
