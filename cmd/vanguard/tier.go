package main

import (
	"encoding/json"
	"fmt"

	"github.com/markmilk20020610-art/monster-saas/internal/config"
	"github.com/markmilk20020610-art/monster-saas/internal/entitlement"
	"github.com/markmilk20020610-art/monster-saas/pkg/entitlements"
	"github.com/spf13/cobra"
)

func newTierCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tier",
		Short: "Inspect or override an identity's entitlement tier",
	}

	get := &cobra.Command{
		Use:   "get <identity>",
		Short: "Print the entitlement record for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tiers, closeStore, err := openTiers(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			rec, err := tiers.Record(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}

	set := &cobra.Command{
		Use:   "set <identity> <tier>",
		Short: "Administratively set an identity's tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, ok := entitlements.ParseTier(args[1])
			if !ok {
				return fmt.Errorf("%w: %q", entitlement.ErrInvalidTier, args[1])
			}
			tiers, closeStore, err := openTiers(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := tiers.SetTier(cmd.Context(), args[0], tier, entitlement.SourceAdmin); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], tier.DisplayName())
			return nil
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

func openTiers(cmd *cobra.Command) (*entitlement.Adapter, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, _, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	return entitlement.NewAdapter(store), func() { _ = store.Close() }, nil
}
