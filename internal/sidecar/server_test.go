package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/storage/memory"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *memory.SolutionStore, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewSolutionStore(clk)
	if cfg.Retention == 0 {
		cfg.Retention = time.Hour
	}
	srv, err := NewServer(store, cfg, WithClock(clk), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return srv, store, clk
}

func postJSON(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookStoresJSONDelivery(t *testing.T) {
	t.Parallel()

	srv, store, clk := newTestServer(t, Config{})
	rec := postJSON(t, srv.Handler(), `{"id":"7788","code":"token-1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	sol, err := store.GetSolution(context.Background(), "7788")
	require.NoError(t, err)
	assert.Equal(t, "token-1", sol.Code)
	assert.Equal(t, clk.Now(), sol.InsertedAt)
}

func TestWebhookStoresFormDelivery(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t, Config{})
	form := url.Values{"id": {"7788"}, "code": {"token-form"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	sol, err := store.GetSolution(context.Background(), "7788")
	require.NoError(t, err)
	assert.Equal(t, "token-form", sol.Code)
}

func TestWebhookRejectsInvalidBodies(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t, Config{})
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{"id":`},
		{name: "missing code", body: `{"id":"1"}`},
		{name: "missing id", body: `{"code":"x"}`},
		{name: "empty body", body: ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, srv.Handler(), tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
	n, err := store.CountSolutions(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWebhookIdempotentUpsert(t *testing.T) {
	t.Parallel()

	srv, store, clk := newTestServer(t, Config{Retention: time.Hour})
	h := srv.Handler()
	require.Equal(t, http.StatusOK, postJSON(t, h, `{"id":"42","code":"first"}`).Code)
	clk.Advance(time.Second)
	require.Equal(t, http.StatusOK, postJSON(t, h, `{"id":"42","code":"second"}`).Code)
	require.Equal(t, http.StatusOK, postJSON(t, h, `{"id":"42","code":"second"}`).Code)

	n, err := store.CountSolutions(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rec := get(t, h, "/solutions/42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sol captcha.StoredSolution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sol))
	assert.Equal(t, "42", sol.TaskID)
	assert.Equal(t, "second", sol.Code)

	clk.Advance(time.Hour + time.Second)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/solutions/42", nil).Code)
}

func TestGetSolutionUnknown(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, Config{})
	assert.Equal(t, http.StatusNotFound, get(t, srv.Handler(), "/solutions/missing", nil).Code)
}

func TestGetSolutionAPIKey(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, Config{APIKey: "secret"})
	h := srv.Handler()
	require.Equal(t, http.StatusOK, postJSON(t, h, `{"id":"1","code":"c"}`).Code)

	assert.Equal(t, http.StatusForbidden, get(t, h, "/solutions/1", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/solutions/1", http.Header{"X-Api-Key": {"secret"}}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/solutions/1?api_key=secret", nil).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, Config{APIKey: "secret"})
	h := srv.Handler()

	rec := get(t, h, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = get(t, h, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestVerificationFile(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, Config{VerificationToken: "abc123"})
	rec := get(t, srv.Handler(), "/2captcha.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc123", rec.Body.String())

	plain, _, _ := newTestServer(t, Config{})
	assert.Equal(t, http.StatusNotFound, get(t, plain.Handler(), "/2captcha.txt", nil).Code)
}

func TestWebhookStoreFailure(t *testing.T) {
	t.Parallel()

	srv, err := NewServer(failingStore{memory.NewSolutionStore(nil)}, Config{Retention: time.Hour})
	require.NoError(t, err)
	rec := postJSON(t, srv.Handler(), `{"id":"1","code":"c"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewServer(nil, Config{Retention: time.Hour})
	require.ErrorIs(t, err, captcha.ErrConfiguration)
	_, err = NewServer(memory.NewSolutionStore(nil), Config{})
	require.ErrorIs(t, err, captcha.ErrConfiguration)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, Config{SweepInterval: time.Hour})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health") //nolint:noctx
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(base+"/webhook", "application/json", bytes.NewBufferString(`{"id":"9","code":"z"}`)) //nolint:noctx
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestConfigAddr(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0.0.0.0:6801", Config{Host: "0.0.0.0", Port: 6801}.Addr())
}

func get(t *testing.T, h http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type failingStore struct {
	*memory.SolutionStore
}

func (failingStore) UpsertSolution(context.Context, captcha.StoredSolution) error {
	return assert.AnError
}
