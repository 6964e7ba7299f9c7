package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawler-captcha/internal/app"
)

func newSidecarCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sidecar",
		Short: "Run the webhook receiver and retention sweeper",
		Long: `Accepts solution callbacks from the captcha vendor, stores them for
crawlers to read, and purges rows older than sidecar.retention.`,
		Args: cobra.NoArgs,
		RunE: runSidecar,
	}
}

func runSidecar(cmd *cobra.Command, _ []string) error {
	e, err := envFrom(cmd.Context())
	if err != nil {
		return err
	}
	srv, store, err := app.NewSidecar(cmd.Context(), e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			e.logger.Warn("close solution store", zap.Error(cerr))
		}
	}()

	e.logger.Info("sidecar starting",
		zap.String("addr", app.SidecarConfig(e.cfg).Addr()),
		zap.String("store", e.cfg.Store.Driver),
		zap.Duration("retention", e.cfg.Sidecar.Retention),
	)
	if err := srv.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	e.logger.Info("sidecar stopped")
	return nil
}
