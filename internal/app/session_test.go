package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawler-captcha/internal/app"
	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/config"
	"github.com/JakeFAU/crawler-captcha/internal/gate"
	pubmemory "github.com/JakeFAU/crawler-captcha/internal/publisher/memory"
	"github.com/JakeFAU/crawler-captcha/internal/storage/memory"
)

func testConfig(t *testing.T, vendorURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Captcha.APIKey = "key"
	cfg.Captcha.TwoCaptchaBaseURL = vendorURL
	cfg.Captcha.PollInitial = 5 * time.Millisecond
	cfg.Captcha.PollMax = 20 * time.Millisecond
	cfg.Captcha.PollDeadline = 2 * time.Second
	cfg.Resilience.BackoffBase = time.Millisecond
	cfg.Resilience.BackoffMax = 5 * time.Millisecond
	return cfg
}

func TestSessionPollingResolvesThroughGate(t *testing.T) {
	t.Parallel()

	vendor := newFakeVendor(t, nil)
	cfg := testConfig(t, vendor.URL())

	pub := pubmemory.New()
	blobs := memory.NewBlobStore()
	s, err := app.NewSession(context.Background(), cfg, zap.NewNop(),
		app.WithPublisher(pub), app.WithBlobStore(blobs))
	require.NoError(t, err)
	assert.Equal(t, "polling", s.Resolver.Strategy())

	job := gate.NewJob(gate.JobSettings{Name: "prices", SiteKey: "site", CaptchaNeeded: true})
	meta := colly.NewContext()
	decision, err := s.Gate.Process(context.Background(), "https://shop.example/p/1", meta, job)
	require.NoError(t, err)
	assert.Equal(t, gate.DecisionSolved, decision)
	assert.Equal(t, "TOKEN", meta.Get(gate.MetaSolution))

	// A second request for the same page is served from the cache.
	meta = colly.NewContext()
	_, err = s.Gate.Process(context.Background(), "https://shop.example/p/1", meta, job)
	require.NoError(t, err)
	assert.Equal(t, "TOKEN", meta.Get(gate.MetaSolution))
	assert.Equal(t, 1, vendor.submits())

	require.NoError(t, s.Close())
	assert.Len(t, pub.Events(), 1)
	assert.Len(t, blobs.Paths(), 1)
}

func TestSessionWebhookReadsInjectedStore(t *testing.T) {
	t.Parallel()

	vendor := newFakeVendor(t, nil)
	cfg := testConfig(t, vendor.URL())
	cfg.Captcha.Strategy = config.StrategyWebhook

	store := memory.NewSolutionStore(nil)
	require.NoError(t, store.UpsertSolution(context.Background(), captcha.StoredSolution{TaskID: "T1", Code: "FROM-STORE"}))

	s, err := app.NewSession(context.Background(), cfg, nil, app.WithSolutionStore(store))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, "webhook", s.Resolver.Strategy())

	d, err := captcha.NewDescriptor("site", "https://shop.example/", false)
	require.NoError(t, err)
	token, err := s.Service.Resolve(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "FROM-STORE", token)
	assert.Equal(t, cfg.Captcha.WebhookURL, vendor.lastPingback())
	assert.Zero(t, vendor.polls())
}

func TestSessionWebhookThroughSidecar(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Driver = "memory"
	side, store, err := app.NewSidecar(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	sideTS := httptest.NewServer(side.Handler())
	defer sideTS.Close()

	vendor := newFakeVendor(t, func(pingback string) {
		form := url.Values{"id": {"T1"}, "code": {"PUSHED"}}
		resp, err := http.PostForm(pingback, form)
		if err == nil {
			_ = resp.Body.Close()
		}
	})
	cfg = testConfig(t, vendor.URL())
	cfg.Captcha.Strategy = config.StrategyWebhook
	cfg.Captcha.SolutionSource = config.SourceSidecar
	cfg.Captcha.SidecarURL = sideTS.URL
	cfg.Captcha.WebhookURL = sideTS.URL + "/webhook"

	s, err := app.NewSession(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, "store", s.Resolver.SourceName())

	d, err := captcha.NewDescriptor("site", "https://shop.example/", false)
	require.NoError(t, err)
	token, err := s.Service.Resolve(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "PUSHED", token)
}

func TestNewSessionFailsFast(t *testing.T) {
	t.Parallel()

	base, err := config.Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "missing api key", mutate: func(*config.Config) {}},
		{name: "unknown provider", mutate: func(c *config.Config) {
			c.Captcha.APIKey = "k"
			c.Captcha.Provider = "nobody"
		}},
		{name: "unknown archive driver", mutate: func(c *config.Config) {
			c.Captcha.APIKey = "k"
			c.Archive.Driver = "tape"
		}},
		{name: "local archive without dir", mutate: func(c *config.Config) {
			c.Captcha.APIKey = "k"
			c.Archive.Driver = "local"
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			_, err := app.NewSession(context.Background(), cfg, zap.NewNop())
			assert.ErrorIs(t, err, captcha.ErrConfiguration)
		})
	}
}

func TestOpenStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, err := app.OpenStore(ctx, config.StoreConfig{Driver: "memory"}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = app.OpenStore(ctx, config.StoreConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "solutions.db"),
		Table:      "captcha_solutions",
	}, nil)
	require.NoError(t, err)
	require.NoError(t, store.UpsertSolution(ctx, captcha.StoredSolution{TaskID: "a", Code: "b", InsertedAt: time.Now()}))
	n, err := store.CountSolutions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, store.Close())

	_, err = app.OpenStore(ctx, config.StoreConfig{Driver: "mysql"}, nil)
	assert.ErrorIs(t, err, captcha.ErrConfiguration)
}

func TestSidecarConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Sidecar.APIKey = "secret"
	sc := app.SidecarConfig(cfg)
	assert.Equal(t, "0.0.0.0:6801", sc.Addr())
	assert.Equal(t, time.Hour, sc.Retention)
	assert.Equal(t, "secret", sc.APIKey)
}

// fakeVendor speaks the 2captcha in.php/res.php protocol. Every task is T1
// and solves on its first poll.
type fakeVendor struct {
	t        *testing.T
	srv      *httptest.Server
	onSubmit func(pingback string)

	mu       sync.Mutex
	submitN  int
	pollN    int
	pingback string
}

func newFakeVendor(t *testing.T, onSubmit func(pingback string)) *fakeVendor {
	t.Helper()
	v := &fakeVendor{t: t, onSubmit: onSubmit}
	v.srv = httptest.NewServer(http.HandlerFunc(v.serve))
	t.Cleanup(v.srv.Close)
	return v
}

func (v *fakeVendor) URL() string { return v.srv.URL }

func (v *fakeVendor) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch strings.TrimPrefix(r.URL.Path, "/") {
	case "in.php":
		pingback := r.URL.Query().Get("pingback")
		v.mu.Lock()
		v.submitN++
		v.pingback = pingback
		v.mu.Unlock()
		if v.onSubmit != nil && pingback != "" {
			go v.onSubmit(pingback)
		}
		_, _ = w.Write([]byte(`{"status":1,"request":"T1"}`))
	case "res.php":
		v.mu.Lock()
		v.pollN++
		v.mu.Unlock()
		_, _ = w.Write([]byte(`{"status":1,"request":"TOKEN"}`))
	default:
		http.NotFound(w, r)
	}
}

func (v *fakeVendor) submits() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.submitN
}

func (v *fakeVendor) polls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pollN
}

func (v *fakeVendor) lastPingback() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pingback
}
