package vendorhttp

import (
	"context"
	"encoding/json"
	"io"
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

func TestClientGetDecodes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/res.php", r.URL.Path)
		assert.Equal(t, "abc", r.URL.Query().Get("key"))
		_, _ = w.Write([]byte(`{"status":1,"request":"ok"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/api/", srv.Client(), newExecutor(0))
	require.NoError(t, err)

	var out struct {
		Status  int    `json:"status"`
		Request string `json:"request"`
	}
	err = c.Get(context.Background(), "poll", "res.php", map[string][]string{"key": {"abc"}}, func(body []byte) error {
		return DecodeJSON("poll", body, &out)
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Request)
	assert.Equal(t, "127.0.0.1", c.Target())
}

func TestClientPostJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		var payload map[string]string
		assert.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "k", payload["clientKey"])
		_, _ = w.Write([]byte(`{"errorId":0}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, srv.Client(), newExecutor(0))
	require.NoError(t, err)
	err = c.PostJSON(context.Background(), "create", "/createTask", map[string]string{"clientKey": "k"}, func([]byte) error { return nil })
	require.NoError(t, err)
}

func TestClientRetriesNon200(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, srv.Client(), newExecutor(2))
	require.NoError(t, err)
	require.NoError(t, c.Get(context.Background(), "poll", "res.php", nil, func([]byte) error { return nil }))
	assert.EqualValues(t, 2, hits.Load())
}

func TestClientClassifiesFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, srv.Client(), newExecutor(0))
	require.NoError(t, err)

	var v map[string]any
	err = c.Get(context.Background(), "poll", "res.php", nil, func(body []byte) error {
		return DecodeJSON("poll", body, &v)
	})
	require.ErrorIs(t, err, captcha.ErrTransient)

	err = c.Get(context.Background(), "poll", "res.php", nil, func([]byte) error {
		return captcha.Permanent("poll", "ERROR_WRONG_USER_KEY", nil)
	})
	require.ErrorIs(t, err, captcha.ErrPermanent)
}

func TestClientTransportFailureIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, &http.Client{Timeout: time.Second}, newExecutor(0))
	require.NoError(t, err)
	err = c.Get(context.Background(), "submit", "in.php", nil, func([]byte) error { return nil })
	require.ErrorIs(t, err, captcha.ErrTransient)
}

func TestNewRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	_, err := New("not a url", nil, newExecutor(0))
	require.ErrorIs(t, err, captcha.ErrConfiguration)
	_, err = New("https://2captcha.com", nil, nil)
	require.ErrorIs(t, err, captcha.ErrConfiguration)
}

func newExecutor(retries int) *resilience.Executor {
	return resilience.NewExecutor(resilience.Policy{
		MaxRetries: retries,
		Backoff:    resilience.Backoff{Base: time.Millisecond, Multiplier: 2},
	}, nil)
}
