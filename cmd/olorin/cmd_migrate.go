package main

import (
	"github.com/spf13/cobra"

	olorin "github.com/Olorin-ai-git/Bayit-Plus-sub034"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger()
		opts := []olorin.Option{olorin.WithLogger(logger)}
		if globalFlags.sqlitePath != "" {
			opts = append(opts, olorin.WithSQLitePath(globalFlags.sqlitePath))
		}
		if err := olorin.Migrate(cmd.Context(), opts...); err != nil {
			return err
		}
		logger.Info("migrations applied")
		return nil
	},
}
