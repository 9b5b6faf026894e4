package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ycm360/cafemx/internal/metrics"
	"github.com/ycm360/cafemx/internal/ocr"
)

var ocrCmd = &cobra.Command{
	Use:   "ocr",
	Short: "Read a receipt image for a tenant and store the ticket",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("ocr"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		m := metrics.New()
		tenants, err := initTenants(st, m)
		if err != nil {
			return err
		}
		ingester, err := initIngester(st, tenants, m)
		if err != nil {
			return err
		}

		user, _ := cmd.Flags().GetString("user")
		slug, _ := cmd.Flags().GetString("slug")
		image, _ := cmd.Flags().GetString("image")

		res, err := ingester.Process(ctx, ocr.ProcessRequest{UserID: user, Slug: slug, ImageURL: image})
		if err != nil {
			return eris.Wrap(err, "ocr")
		}
		return writeJSONOut(os.Stdout, res)
	},
}

func init() {
	ocrCmd.Flags().String("user", "", "user id acting on the tenant")
	ocrCmd.Flags().String("slug", "", "tenant slug")
	ocrCmd.Flags().String("image", "", "receipt image URL")
	for _, f := range []string{"user", "slug", "image"} {
		_ = ocrCmd.MarkFlagRequired(f)
	}
	rootCmd.AddCommand(ocrCmd)
}
