package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"auditchain/migrations"
)

func newMigrateCmd(a *app) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long: `Apply every embedded migration not yet recorded in schema_migrations.
With --down, revert only the most recently applied migration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			pool, err := a.openDB(ctx)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close() //nolint:errcheck // process is exiting

			out := cmd.OutOrStdout()
			if down {
				version, err := migrations.Down(ctx, pool.DB())
				if err != nil {
					return err
				}
				if version == "" {
					fmt.Fprintln(out, "nothing to revert")
					return nil
				}
				fmt.Fprintf(out, "reverted %s\n", version)
				return nil
			}

			applied, err := migrations.Up(ctx, pool.DB())
			for _, v := range applied {
				fmt.Fprintf(out, "applied %s\n", v)
			}
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "schema is up to date")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "revert the latest migration")
	return cmd
}
