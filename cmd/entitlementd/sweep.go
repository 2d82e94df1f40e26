package main

import (
	"github.com/spf13/cobra"

	"github.com/nandezu/entitlements/pkg/logger"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Roll over every expired paid entitlement once and exit",
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

		svc, _, err := newEntitlements(s, pool, log, nil)
		if err != nil {
			return err
		}
		n, err := svc.Sweep(ctx)
		if err != nil {
			return err
		}
		log.InfoContext(ctx, "sweep finished", logger.Count(n), logger.Component("sweep"))
		return nil
	},
}
