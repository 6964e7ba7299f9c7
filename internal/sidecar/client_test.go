package sidecar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/resilience"
)

func newExecutor(retries int) *resilience.Executor {
	return resilience.NewExecutor(
		resilience.Policy{MaxRetries: retries, Backoff: resilience.Backoff{Base: time.Millisecond, Max: time.Millisecond, Multiplier: 1}},
		resilience.NewBreakers(resilience.BreakerConfig{}, nil, nil),
		resilience.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
}

func TestClientReadsFromSidecar(t *testing.T) {
	t.Parallel()

	srv, _, clk := newTestServer(t, Config{APIKey: "secret", Retention: time.Hour})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	require.Equal(t, http.StatusOK, postJSON(t, srv.Handler(), `{"id":"42","code":"tok"}`).Code)

	client, err := NewClient(ts.URL, ts.Client(), newExecutor(0), "secret")
	require.NoError(t, err)

	sol, err := client.GetSolution(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "tok", sol.Code)
	assert.True(t, sol.InsertedAt.Equal(clk.Now()))

	_, err = client.GetSolution(context.Background(), "missing")
	require.ErrorIs(t, err, captcha.ErrSolutionNotFound)

	clk.Advance(2 * time.Hour)
	_, err = client.GetSolution(context.Background(), "42")
	require.ErrorIs(t, err, captcha.ErrSolutionNotFound)
}

func TestClientWrongAPIKeyIsPermanent(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, Config{APIKey: "secret"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client, err := NewClient(ts.URL, ts.Client(), newExecutor(3), "wrong")
	require.NoError(t, err)
	_, err = client.GetSolution(context.Background(), "42")
	require.ErrorIs(t, err, captcha.ErrPermanent)
}

func TestClientRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/solutions/42", r.URL.Path)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"42","code":"tok","inserted_at":"2025-05-01T12:00:00Z"}`))
	}))
	defer ts.Close()

	client, err := NewClient(ts.URL, ts.Client(), newExecutor(2), "")
	require.NoError(t, err)
	sol, err := client.GetSolution(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "tok", sol.Code)
	assert.EqualValues(t, 2, calls.Load())
}

func TestClientTransientAfterRetries(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer ts.Close()

	client, err := NewClient(ts.URL, ts.Client(), newExecutor(1), "")
	require.NoError(t, err)
	_, err = client.GetSolution(context.Background(), "42")
	require.ErrorIs(t, err, captcha.ErrTransient)
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	_, err := NewClient("not a url", nil, newExecutor(0), "")
	require.ErrorIs(t, err, captcha.ErrConfiguration)
	_, err = NewClient("http://127.0.0.1:6801", nil, nil, "")
	require.ErrorIs(t, err, captcha.ErrConfiguration)
}
