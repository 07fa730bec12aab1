// Package catalog is the anti-corruption layer between the notification
// pipeline and the external content catalog. All outbound calls go through a
// shared resilience path: circuit breaking, retries with exponential backoff
// respecting Retry-After, and error mapping into the application taxonomy.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"mailloop/internal/config"
	"mailloop/internal/types"
)

// RetryPolicy configures the retry behavior for catalog calls.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns sensible defaults for catalog API calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

// Client fetches content items and category labels from the catalog API.
// It satisfies the queue processor's ContentSource.
type Client struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	sleepFn     func(time.Duration)
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithSleepFunc overrides the sleep function used between retries.
// Intended for testing to avoid real delays.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(c *Client) {
		c.sleepFn = fn
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// NewClient creates a catalog Client from configuration.
func NewClient(cfg config.CatalogConfig, opts ...Option) *Client {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "content-catalog",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	retryPolicy := DefaultRetryPolicy()
	retryPolicy.MaxRetries = cfg.MaxRetries

	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey.Unmask(),
		client:      &http.Client{Timeout: cfg.Timeout},
		breaker:     cb,
		retryPolicy: retryPolicy,
		sleepFn:     time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// itemDTO is the catalog's wire shape for a published item.
type itemDTO struct {
	ID         string    `json:"id"`
	CategoryID string    `json:"category_id"`
	Kind       string    `json:"kind"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	Summary    string    `json:"summary,omitempty"`
	StartsAt   time.Time `json:"starts_at,omitempty"`
}

// categoryDTO is the catalog's wire shape for a category.
type categoryDTO struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Label string `json:"label"`
}

// ItemsSince returns items published in the given categories since the period
// start, newest first. An empty category selection short-circuits to an empty
// result without a network call.
func (c *Client) ItemsSince(ctx context.Context, categoryIDs []string, since time.Time) ([]types.ContentItem, error) {
	if len(categoryIDs) == 0 {
		return nil, nil
	}

	q := url.Values{}
	q.Set("categories", strings.Join(categoryIDs, ","))
	q.Set("since", since.UTC().Format(time.RFC3339))

	var dtos []itemDTO
	if err := c.getJSON(ctx, "/api/v1/items", q, &dtos); err != nil {
		return nil, err
	}

	items := make([]types.ContentItem, 0, len(dtos))
	for _, d := range dtos {
		items = append(items, types.ContentItem{
			ID:         d.ID,
			CategoryID: d.CategoryID,
			Kind:       types.ContentCategoryKind(d.Kind),
			Title:      d.Title,
			URL:        d.URL,
			Summary:    d.Summary,
			StartsAt:   d.StartsAt,
		})
	}
	return items, nil
}

// Categories resolves category labels for the given identifiers. Identifiers
// the catalog no longer knows are omitted from the result.
func (c *Client) Categories(ctx context.Context, ids []string) ([]types.ContentCategory, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))

	var dtos []categoryDTO
	if err := c.getJSON(ctx, "/api/v1/categories", q, &dtos); err != nil {
		return nil, err
	}

	categories := make([]types.ContentCategory, 0, len(dtos))
	for _, d := range dtos {
		categories = append(categories, types.ContentCategory{
			ID:    d.ID,
			Kind:  types.ContentCategoryKind(d.Kind),
			Label: d.Label,
		})
	}
	return categories, nil
}

// getJSON executes a GET against the catalog with the shared resilience path
// and decodes a JSON response body into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "building catalog request", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("catalog returned %d: %s", resp.StatusCode, string(body)),
			nil,
		)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "decoding catalog response", err)
	}
	return nil
}

// do executes the request through the circuit breaker, retrying 429 and 5xx
// responses with exponential backoff. Other statuses are returned as-is; the
// caller owns the response body.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	maxAttempts := 1 + c.retryPolicy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("catalog returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if resp != nil {
			if attempt < maxAttempts-1 {
				resp.Body.Close()
			} else {
				lastResp = resp
			}
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}

		if attempt < maxAttempts-1 {
			c.sleepFn(c.computeBackoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.mapError(lastResp, lastErr)
}

// computeBackoff determines the wait before the next retry. A Retry-After
// header wins; otherwise exponential backoff with full jitter clamped to
// [MinWait, MaxWait].
func (c *Client) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				wait := time.Duration(seconds) * time.Second
				if wait > c.retryPolicy.MaxWait {
					wait = c.retryPolicy.MaxWait
				}
				return wait
			}
			if t, err := http.ParseTime(retryAfter); err == nil {
				wait := time.Until(t)
				if wait <= 0 {
					return c.retryPolicy.MinWait
				}
				if wait > c.retryPolicy.MaxWait {
					wait = c.retryPolicy.MaxWait
				}
				return wait
			}
		}
	}

	base := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	maxWait := float64(c.retryPolicy.MaxWait)
	if base > maxWait {
		base = maxWait
	}

	minWait := float64(c.retryPolicy.MinWait)
	if base <= minWait {
		return c.retryPolicy.MinWait
	}
	jittered := minWait + rand.Float64()*(base-minWait)
	return time.Duration(jittered)
}

// mapError translates transport-level failures into AppErrors.
func (c *Client) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			"catalog circuit breaker is open",
			err,
		)
	}

	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(
				types.ErrCodeUpstreamRateLimited,
				"catalog rate limit exceeded",
				err,
			)
		case resp.StatusCode >= 500:
			return types.NewAppError(
				types.ErrCodeUpstreamUnavailable,
				fmt.Sprintf("catalog returned %d after retries", resp.StatusCode),
				err,
			)
		}
	}

	return types.NewAppError(
		types.ErrCodeUpstreamUnavailable,
		"catalog request failed",
		err,
	)
}

// NopSource is a ContentSource for deployments without a catalog configured.
// Digests built from it carry no items and render the fallback body.
type NopSource struct{}

// ItemsSince returns no items.
func (NopSource) ItemsSince(context.Context, []string, time.Time) ([]types.ContentItem, error) {
	return nil, nil
}

// Categories returns no categories.
func (NopSource) Categories(context.Context, []string) ([]types.ContentCategory, error) {
	return nil, nil
}
