package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ycm360/cafemx/internal/metrics"
	"github.com/ycm360/cafemx/internal/model"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create a tenant for an owner",
	Long:  "Reserves a unique slug and namespace for the business name, grants the owner access, and prints the new tenant as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("provision"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tenants, err := initTenants(st, metrics.New())
		if err != nil {
			return err
		}

		name, _ := cmd.Flags().GetString("name")
		owner, _ := cmd.Flags().GetString("owner")
		email, _ := cmd.Flags().GetString("email")
		rfc, _ := cmd.Flags().GetString("rfc")
		plan, _ := cmd.Flags().GetString("plan")

		res, err := tenants.Provision(ctx, model.ProvisionRequest{
			BusinessName: name,
			OwnerUserID:  owner,
			OwnerEmail:   email,
			TaxID:        rfc,
			Plan:         plan,
		})
		if err != nil {
			return eris.Wrap(err, "provision")
		}
		return writeJSONOut(os.Stdout, res)
	},
}

var onboardingCmd = &cobra.Command{
	Use:   "onboarding-status",
	Short: "Report whether a user still needs to create a tenant",
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

		tenants, err := initTenants(st, nil)
		if err != nil {
			return err
		}

		user, _ := cmd.Flags().GetString("user")
		needs, err := tenants.NeedsOnboarding(ctx, user)
		if err != nil {
			return err
		}
		return writeJSONOut(os.Stdout, map[string]any{"user_id": user, "needs_onboarding": needs})
	},
}

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "encode output")
	}
	return nil
}

func init() {
	provisionCmd.Flags().String("name", "", "business name")
	provisionCmd.Flags().String("owner", "", "owner user id")
	provisionCmd.Flags().String("email", "", "owner email")
	provisionCmd.Flags().String("rfc", "", "optional RFC (Mexican tax id)")
	provisionCmd.Flags().String("plan", "basic", "plan name")
	_ = provisionCmd.MarkFlagRequired("name")
	_ = provisionCmd.MarkFlagRequired("owner")

	onboardingCmd.Flags().String("user", "", "user id")
	_ = onboardingCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(provisionCmd, onboardingCmd)
}

