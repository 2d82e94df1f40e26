package main

import (
	"github.com/spf13/cobra"

	"github.com/nandezu/entitlements/migrations"
	"github.com/nandezu/entitlements/pkg/pg"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := loadDB()
		if err != nil {
			return err
		}
		log := newLogger(s.Log)
		ctx := cmd.Context()

		pool, err := connectDB(ctx, s, log)
		if err != nil {
			return err
		}
		defer pool.Close()

		return pg.Migrate(ctx, pool, s.PG, migrations.FS, log)
	},
}
