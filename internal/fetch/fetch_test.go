package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/infernokun/inferno-comics-matcher/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	dir := t.TempDir()
	c, err := cache.Open(filepath.Join(dir, "cache.db"), filepath.Join(dir, "images"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return New(c, 2*time.Second, 4)
}

func TestFetchOneDownloadsAndCaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Write([]byte("fake-jpeg-bytes"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	out := f.FetchOne(context.Background(), srv.URL)
	require.NoError(t, out.Err)
	assert.Equal(t, []byte("fake-jpeg-bytes"), out.Data)
	assert.False(t, out.CacheHit)

	out2 := f.FetchOne(context.Background(), srv.URL)
	require.NoError(t, out2.Err)
	assert.True(t, out2.CacheHit)
}

func TestFetchOneNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	out := f.FetchOne(context.Background(), srv.URL)
	assert.Error(t, out.Err)
}

func TestFetchBatchIsNonFailFast(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	f := newTestFetcher(t)
	results := f.FetchBatch(context.Background(), []string{good.URL, bad.URL})

	require.Len(t, results, 2)
	assert.NoError(t, results[good.URL].Err)
	assert.Error(t, results[bad.URL].Err)
}

func TestFetchBatchCoalescesDuplicateURLs(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	results := f.FetchBatch(context.Background(), []string{srv.URL, srv.URL, srv.URL})
	assert.Len(t, results, 1)
	assert.Equal(t, 1, hits)
}
