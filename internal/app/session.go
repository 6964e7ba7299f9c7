// Package app builds the session context object that owns every long-lived
// captcha component and tears them down when the session ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	pubsub "cloud.google.com/go/pubsub/v2"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawler-captcha/internal/archive"
	"github.com/JakeFAU/crawler-captcha/internal/cache/memory"
	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/clock/system"
	"github.com/JakeFAU/crawler-captcha/internal/config"
	"github.com/JakeFAU/crawler-captcha/internal/gate"
	"github.com/JakeFAU/crawler-captcha/internal/policy/ratelimit"
	"github.com/JakeFAU/crawler-captcha/internal/provider"
	pubsubpub "github.com/JakeFAU/crawler-captcha/internal/publisher/pubsub"
	"github.com/JakeFAU/crawler-captcha/internal/resilience"
	"github.com/JakeFAU/crawler-captcha/internal/resolution"
	"github.com/JakeFAU/crawler-captcha/internal/resolver"
	"github.com/JakeFAU/crawler-captcha/internal/sidecar"
	"github.com/JakeFAU/crawler-captcha/internal/storage/gcs"
	"github.com/JakeFAU/crawler-captcha/internal/storage/local"
	memstore "github.com/JakeFAU/crawler-captcha/internal/storage/memory"
	"github.com/JakeFAU/crawler-captcha/internal/storage/postgres"
	"github.com/JakeFAU/crawler-captcha/internal/storage/sqlite"
)

// Session holds the components of one crawl session. Circuit breakers,
// in-flight resolutions, and cached tokens live here and nowhere else.
type Session struct {
	Logger   *zap.Logger
	Breakers *resilience.Breakers
	Provider captcha.Provider
	Resolver *resolver.Resolver
	Service  *resolution.Service
	Gate     *gate.Gate
	Registry *resolution.Registry

	cancel  context.CancelFunc
	closers []func() error
}

// Option customizes session construction.
type Option func(*options)

type options struct {
	httpClient *http.Client
	clock      captcha.Clock
	store      captcha.SolutionStore
	publisher  captcha.Publisher
	blobs      captcha.BlobStore
}

// WithHTTPClient sets the client used for vendor and sidecar calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithClock sets the clock shared by breakers, caches, and resolvers.
func WithClock(c captcha.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSolutionStore supplies an already opened store instead of the
// configured driver. The session does not close it.
func WithSolutionStore(s captcha.SolutionStore) Option {
	return func(o *options) { o.store = s }
}

// WithPublisher supplies the resolution event publisher instead of Pub/Sub.
func WithPublisher(p captcha.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithBlobStore supplies the archive destination instead of the configured
// driver.
func WithBlobStore(b captcha.BlobStore) Option {
	return func(o *options) { o.blobs = b }
}

func buildOptions(cfg config.Config, opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.Captcha.HTTPTimeout}
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	return o
}

// NewSession wires the resolution stack described by cfg. Resolutions run
// under a context derived from ctx; Close cancels it. Construction fails
// fast on the first component that cannot be built.
func NewSession(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.ValidateResolver(); err != nil {
		return nil, err
	}
	o := buildOptions(cfg, opts)

	base, cancel := context.WithCancel(ctx)
	s := &Session{Logger: logger, cancel: cancel}
	if err := s.build(base, cfg, o); err != nil {
		_ = s.Close()
		return nil, err
	}
	logger.Info("captcha session ready",
		zap.String("provider", s.Provider.Name()),
		zap.String("strategy", s.Resolver.Strategy()),
		zap.String("source", s.Resolver.SourceName()),
	)
	return s, nil
}

func (s *Session) build(base context.Context, cfg config.Config, o options) error {
	logger := s.Logger
	s.Breakers = resilience.NewBreakers(resilience.BreakerConfig{
		Threshold: cfg.Resilience.CircuitThreshold,
		Cooldown:  cfg.Resilience.CircuitCooldown,
	}, o.clock, resilience.LogStateChanges(logger))
	exec := NewExecutor(cfg, s.Breakers, logger)

	p, err := provider.New(provider.Config{
		Name:              cfg.Captcha.Provider,
		APIKey:            cfg.Captcha.APIKey,
		TwoCaptchaBaseURL: cfg.Captcha.TwoCaptchaBaseURL,
		Method:            cfg.Captcha.Method,
		CapSolverBaseURL:  cfg.Captcha.CapSolverBaseURL,
		TaskType:          cfg.Captcha.TaskType,
	}, o.httpClient, exec)
	if err != nil {
		return err
	}
	s.Provider = p

	res, err := s.buildResolver(base, cfg, o, exec)
	if err != nil {
		return err
	}
	s.Resolver = res

	svcOpts := []resolution.Option{resolution.WithLogger(logger)}
	pub, err := s.openPublisher(base, cfg, o)
	if err != nil {
		return err
	}
	if pub != nil {
		svcOpts = append(svcOpts, resolution.WithPublisher(pub))
	}
	rec, err := s.openArchive(base, cfg, o)
	if err != nil {
		return err
	}
	if rec != nil {
		svcOpts = append(svcOpts, resolution.WithRecorder(rec))
	}

	s.Registry = resolution.NewRegistry(o.clock)
	svc, err := resolution.NewService(base, res, memory.NewTokenCache(o.clock), s.Registry, cfg.Captcha.TokenTTL, svcOpts...)
	if err != nil {
		return err
	}
	s.Service = svc
	// Pending event reports drain before the other components close.
	s.closers = append(s.closers, func() error {
		svc.Close()
		return nil
	})

	g, err := gate.New(svc, logger.Named("gate"))
	if err != nil {
		return err
	}
	s.Gate = g
	return nil
}

// NewExecutor builds the retry executor for outbound vendor and sidecar calls.
func NewExecutor(cfg config.Config, breakers *resilience.Breakers, logger *zap.Logger) *resilience.Executor {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Resilience.RateLimitRPS,
		DefaultBurst: cfg.Resilience.RateLimitBurst,
	})
	return resilience.NewExecutor(resilience.Policy{
		MaxRetries: cfg.Captcha.HTTPRetries,
		Backoff: resilience.Backoff{
			Base:        cfg.Resilience.BackoffBase,
			Max:         cfg.Resilience.BackoffMax,
			Multiplier:  cfg.Resilience.BackoffMultiplier,
			JitterRange: cfg.Resilience.Jitter,
		},
	}, breakers, resilience.WithLimiter(limiter), resilience.WithLogger(logger.Named("resilience")))
}

func (s *Session) buildResolver(ctx context.Context, cfg config.Config, o options, exec *resilience.Executor) (*resolver.Resolver, error) {
	rcfg := resolver.Config{
		PollInitial:  cfg.Captcha.PollInitial,
		PollMax:      cfg.Captcha.PollMax,
		PollGrowth:   cfg.Captcha.PollGrowth,
		PollDeadline: cfg.Captcha.PollDeadline,
	}
	ropts := []resolver.Option{
		resolver.WithClock(o.clock),
		resolver.WithLogger(s.Logger.Named("resolver")),
	}
	if cfg.Captcha.Strategy != config.StrategyWebhook {
		return resolver.NewPolling(s.Provider, rcfg, ropts...)
	}

	var reader captcha.SolutionReader
	switch {
	case !s.Provider.Capabilities().SupportsCallback:
		// NewWebhook falls back to polling and never reads.
	case cfg.Captcha.SolutionSource == config.SourceSidecar:
		client, err := sidecar.NewClient(cfg.Captcha.SidecarURL, o.httpClient, exec, cfg.Captcha.SidecarAPIKey)
		if err != nil {
			return nil, err
		}
		reader = client
	case o.store != nil:
		reader = o.store
	default:
		store, err := OpenStore(ctx, cfg.Store, o.clock)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		reader = store
	}
	return resolver.NewWebhook(s.Provider, reader, cfg.Captcha.WebhookURL, cfg.Sidecar.Retention, rcfg, ropts...)
}

func (s *Session) openPublisher(ctx context.Context, cfg config.Config, o options) (captcha.Publisher, error) {
	if o.publisher != nil {
		return o.publisher, nil
	}
	if !cfg.PubSub.Enabled() {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsubpub.NewForTopic(client, cfg.PubSub.TopicName)
	s.closers = append(s.closers, client.Close, func() error {
		pub.Stop()
		return nil
	})
	s.Logger.Info("publishing resolution events", zap.String("topic", cfg.PubSub.TopicName))
	return pub, nil
}

func (s *Session) openArchive(ctx context.Context, cfg config.Config, o options) (*archive.Archiver, error) {
	blobs := o.blobs
	if blobs == nil {
		var err error
		blobs, err = s.openBlobStore(ctx, cfg.Archive)
		if err != nil {
			return nil, err
		}
	}
	if blobs == nil {
		return nil, nil
	}
	return archive.New(blobs, cfg.Archive.Prefix, s.Logger.Named("archive"))
}

func (s *Session) openBlobStore(ctx context.Context, cfg config.ArchiveConfig) (captcha.BlobStore, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "memory":
		return memstore.NewBlobStore(), nil
	case "local":
		return local.New(local.Config{BaseDir: cfg.BaseDir})
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		return gcs.New(client, gcs.Config{
			Bucket:       cfg.Bucket,
			CacheControl: "private, no-store",
			Metadata:     map[string]string{"archive-prefix": cfg.Prefix},
		})
	default:
		return nil, captcha.Configuration("open archive", fmt.Sprintf("unknown archive driver %q", cfg.Driver))
	}
}

// Close cancels live resolutions and releases every component in reverse
// construction order.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if err := errors.Join(errs...); err != nil {
		s.Logger.Warn("error closing captcha session", zap.Error(err))
		return err
	}
	return nil
}

// OpenStore opens the configured durable solution store.
func OpenStore(ctx context.Context, cfg config.StoreConfig, clock captcha.Clock) (captcha.SolutionStore, error) {
	switch cfg.Driver {
	case "memory":
		return memstore.NewSolutionStore(clock), nil
	case "sqlite":
		return sqlite.New(ctx, sqlite.Config{Path: cfg.SQLitePath, Table: cfg.Table})
	case "postgres":
		return postgres.New(ctx, postgres.Config{DSN: cfg.PostgresDSN, Table: cfg.Table, MaxConns: cfg.MaxConns})
	default:
		return nil, captcha.Configuration("open store", fmt.Sprintf("unknown store driver %q", cfg.Driver))
	}
}
