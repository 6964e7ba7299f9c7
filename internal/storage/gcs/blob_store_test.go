package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	const object = "resolutions/2025/05/01/task-1.json"
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/archive-bucket/o")
		assert.Equal(t, object, r.URL.Query().Get("name"))
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))
		assert.Equal(t, "0", r.URL.Query().Get("ifGenerationMatch"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `"task_id":"task-1"`)
		assert.Contains(t, string(body), "application/json")
		assert.Contains(t, string(body), `"cacheControl":"private, no-store"`)
		assert.Contains(t, string(body), `"archive-prefix":"resolutions"`)
		assert.Contains(t, string(body), `"task-id":"task-1"`)
		fmt.Fprintf(w, `{"name":%q,"bucket":"archive-bucket"}`, object)
	}))

	store, err := New(client, Config{
		Bucket:       "archive-bucket",
		CacheControl: "private, no-store",
		Metadata:     map[string]string{"archive-prefix": "resolutions"},
	})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), object, "application/json", strings.NewReader(`{"task_id":"task-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "gs://archive-bucket/"+object, uri)
}

func TestPutObjectExistingObjectCountsAsArchived(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprint(w, `{"error":{"code":412,"message":"At least one of the pre-conditions you specified did not hold."}}`)
	}))
	store, err := New(client, Config{Bucket: "archive-bucket"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "resolutions/task-2.json", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	assert.Equal(t, "gs://archive-bucket/resolutions/task-2.json", uri)
}

func TestObjectMetadataDoesNotLeakBetweenObjects(t *testing.T) {
	t.Parallel()

	shared := map[string]string{"env": "test"}
	client := newTestClient(t, http.NotFoundHandler())
	store, err := New(client, Config{Bucket: "b", Metadata: shared})
	require.NoError(t, err)

	first := store.objectMetadata("resolutions/2025/05/01/task-1.json")
	second := store.objectMetadata("task-2.json")
	assert.Equal(t, map[string]string{"env": "test", "task-id": "task-1"}, first)
	assert.Equal(t, map[string]string{"env": "test", "task-id": "task-2"}, second)
	assert.Equal(t, map[string]string{"env": "test"}, shared)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	store, err := New(client, Config{Bucket: "archive-bucket"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "a.json", "application/json", strings.NewReader("{}"))
	require.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.ErrorIs(t, err, captcha.ErrConfiguration)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.ErrorIs(t, err, captcha.ErrConfiguration)

	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader(""))
	require.ErrorIs(t, err, captcha.ErrConfiguration)
}
