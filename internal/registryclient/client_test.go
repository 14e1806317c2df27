package registryclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClientList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/plugins", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"name":"analytics","version":"1.0.0","fileSize":1024,"checksum":"abc"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	records, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "analytics", records[0].Name)
}

func TestClientGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.Get(context.Background(), "missing")
	require.Error(t, err)
}

func TestClientHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	require.NoError(t, c.Health(context.Background()))
}

func TestClientHealthUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	require.Error(t, c.Health(context.Background()))
}

func TestClientUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		file, _, err := r.FormFile("plugin")
		require.NoError(t, err)
		defer file.Close()

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"name":"analytics","version":"1.0.0","fileSize":4,"checksum":"xyz"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	record, err := c.Upload(context.Background(), "analytics.zip", strings.NewReader("data"))
	require.NoError(t, err)
	require.Equal(t, "analytics", record.Name)
}

func TestClientUploadConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.Upload(context.Background(), "analytics.zip", strings.NewReader("data"))
	require.Error(t, err)
}
