package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/markmilk20020610-art/monster-saas/internal/billing"
	"github.com/markmilk20020610-art/monster-saas/internal/registry"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	var direction string
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres schema migrations (store and reconcile queue)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
			}
			return runMigrate(cmd.Context(), dsn, direction, cmd)
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "up", "migration direction: up or down")
	cmd.Flags().StringVar(&dsn, "database-url", "", "Postgres DSN (defaults to DATABASE_URL)")
	return cmd
}

func runMigrate(ctx context.Context, dsn, direction string, cmd *cobra.Command) error {
	if err := registry.Migrate(dsn, direction); err != nil {
		return fmt.Errorf("store migrations: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Store migrations applied (%s)\n", direction)

	if direction != "up" {
		return nil
	}
	pg, err := registry.OpenPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := billing.MigrateRiver(ctx, pg.Pool()); err != nil {
		return fmt.Errorf("queue migrations: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Queue migrations applied")
	return nil
}
