package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailloop/internal/config"
	"mailloop/internal/types"
)

func newTestClient(serverURL string, maxRetries int) *Client {
	return NewClient(config.CatalogConfig{
		BaseURL:    serverURL,
		APIKey:     "secret-key",
		Timeout:    time.Second,
		MaxRetries: maxRetries,
	}, WithSleepFunc(func(time.Duration) {}))
}

func TestItemsSince(t *testing.T) {
	var gotQuery, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"item_1","category_id":"cat_news","kind":"news","title":"Road closure","url":"https://example.com/news/1"},
			{"id":"item_2","category_id":"cat_event","kind":"event","title":"Summer fair","url":"https://example.com/events/2","summary":"Saturday"}
		]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	since := time.Date(2026, 8, 29, 8, 0, 0, 0, time.UTC)
	items, err := client.ItemsSince(context.Background(), []string{"cat_news", "cat_event"}, since)
	require.NoError(t, err)

	require.Len(t, items, 2)
	assert.Equal(t, "Road closure", items[0].Title)
	assert.Equal(t, types.CategoryNews, items[0].Kind)
	assert.Equal(t, "Saturday", items[1].Summary)

	assert.Contains(t, gotQuery, "categories=cat_news%2Ccat_event")
	assert.Contains(t, gotQuery, "since=2026-08-29T08%3A00%3A00Z")
	assert.Equal(t, "Bearer secret-key", gotAuth)
}

func TestItemsSinceEmptySelectionSkipsNetwork(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	items, err := client.ItemsSince(context.Background(), nil, time.Now())
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.False(t, called)
}

func TestCategories(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/categories", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"cat_news","kind":"news","label":"Roadworks"}]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	categories, err := client.Categories(context.Background(), []string{"cat_news"})
	require.NoError(t, err)
	require.Len(t, categories, 1)
	assert.Equal(t, "Roadworks", categories[0].Label)
}

func TestRetryOn5xxThenSuccess(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 3)
	_, err := client.ItemsSince(context.Background(), []string{"cat_news"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestExhaustedRetriesMapToUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 2)
	_, err := client.ItemsSince(context.Background(), []string{"cat_news"}, time.Now())
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, types.CodeOf(err))
}

func TestRateLimitMapsToRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 1)
	_, err := client.ItemsSince(context.Background(), []string{"cat_news"}, time.Now())
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamRateLimited, types.CodeOf(err))
}

func TestNon200IsUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	_, err := client.ItemsSince(context.Background(), []string{"cat_news"}, time.Now())
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, types.CodeOf(err))
}

func TestNopSource(t *testing.T) {
	var src NopSource
	items, err := src.ItemsSince(context.Background(), []string{"cat"}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, items)

	categories, err := src.Categories(context.Background(), []string{"cat"})
	require.NoError(t, err)
	assert.Empty(t, categories)
}
