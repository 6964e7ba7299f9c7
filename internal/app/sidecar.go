package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/config"
	"github.com/JakeFAU/crawler-captcha/internal/sidecar"
)

// NewSidecar opens the configured store and builds the webhook receiver on
// it. The caller closes the returned store after the server stops.
func NewSidecar(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*sidecar.Server, captcha.SolutionStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions(cfg, opts)

	store := o.store
	if store == nil {
		var err error
		store, err = OpenStore(ctx, cfg.Store, o.clock)
		if err != nil {
			return nil, nil, err
		}
	}
	srv, err := sidecar.NewServer(store, SidecarConfig(cfg), sidecar.WithClock(o.clock), sidecar.WithLogger(logger.Named("sidecar")))
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return srv, store, nil
}

// SidecarConfig maps the sidecar section onto the server's settings.
func SidecarConfig(cfg config.Config) sidecar.Config {
	return sidecar.Config{
		Host:              cfg.Sidecar.Host,
		Port:              cfg.Sidecar.Port,
		Retention:         cfg.Sidecar.Retention,
		SweepInterval:     cfg.Sidecar.SweepInterval,
		APIKey:            cfg.Sidecar.APIKey,
		VerificationToken: cfg.Sidecar.VerificationToken,
	}
}
