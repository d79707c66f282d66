package artifacts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setTestCredentials(t *testing.T) {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_SESSION_TOKEN", "")
}

func TestS3Store_Fetch(t *testing.T) {
	setTestCredentials(t)

	// Path-style request shape, as MinIO and LocalStack serve it.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/artifacts/modules/seo.wasm" {
			_, _ = w.Write([]byte("wasm bytes"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store, err := NewS3Store(context.Background(), S3StoreConfig{
		Bucket:   "artifacts",
		Region:   "us-east-1",
		Endpoint: srv.URL,
		Prefix:   "modules/",
	})
	require.NoError(t, err)

	data, err := store.Fetch(context.Background(), "seo.wasm")
	require.NoError(t, err)
	assert.Equal(t, []byte("wasm bytes"), data)
}

func TestS3Store_FetchMissing(t *testing.T) {
	setTestCredentials(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store, err := NewS3Store(context.Background(), S3StoreConfig{
		Bucket:   "artifacts",
		Region:   "us-east-1",
		Endpoint: srv.URL,
	})
	require.NoError(t, err)

	_, err = store.Fetch(context.Background(), "gone.wasm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://artifacts/gone.wasm")
}
