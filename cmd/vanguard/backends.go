package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/markmilk20020610-art/monster-saas/internal/config"
	"github.com/markmilk20020610-art/monster-saas/internal/generation/backends"
	"github.com/spf13/cobra"
)

func newBackendsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "Work with the generation backend list",
	}

	check := &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a backends file and print the dispatch order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := strings.TrimSpace(os.Getenv("BACKENDS_FILE"))
			if len(args) == 1 {
				path = args[0]
			}

			list := config.DefaultBackends()
			if path != "" {
				var err error
				if list, err = config.LoadBackends(path); err != nil {
					return err
				}
			}
			cands, err := backends.Build(list, os.Getenv, nil)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ORDER\tNAME\tKIND\tMODEL\tTIMEOUT\tKEY")
			for i, c := range cands {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, c.Name, c.Kind, dash(c.Model), c.Timeout, keyStatus(list[i]))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(check)
	return cmd
}

func keyStatus(b config.BackendConfig) string {
	if b.APIKeyEnv == "" {
		return "-"
	}
	if os.Getenv(b.APIKeyEnv) == "" {
		return b.APIKeyEnv + " (missing)"
	}
	return b.APIKeyEnv
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
