package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawler-captcha/internal/app"
	"github.com/JakeFAU/crawler-captcha/internal/clock/system"
	"github.com/JakeFAU/crawler-captcha/internal/sidecar"
)

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete stored solutions older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cmd.Context(), e.cfg.Store, system.New())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			sweeper := sidecar.NewSweeper(store, e.cfg.Sidecar.Retention, 0, system.New(), e.logger)
			n, err := sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d\n", n)
			return nil
		},
	}
}
