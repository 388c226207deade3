package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LeventeLantos/sms-relay/internal/config"
	"github.com/LeventeLantos/sms-relay/internal/repo"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			dbCfg, err := config.LoadDatabase()
			if err != nil {
				return err
			}

			db, err := repo.Open(ctx, dbCfg.PostgresURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := repo.Migrate(ctx, db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}
