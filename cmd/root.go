package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ycm360/cafemx/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "cafemx",
	Short: "Multi-tenant coffee-shop onboarding and receipt OCR service",
	Long:  "Provisions isolated tenant namespaces for coffee shops, reads expense receipts with a vision model, and tracks per-tenant OCR usage.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
