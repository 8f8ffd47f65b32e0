package menu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// HTTPClient fetches items from GET {base}/menu-items/{id}. Transient
// failures (connection errors, 5xx, 429) are retried with backoff.
type HTTPClient struct {
	baseURL string
	client  *retryablehttp.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*retryablehttp.Client)

// WithRetries overrides the retry budget and wait bounds.
func WithRetries(max int, waitMin, waitMax time.Duration) HTTPOption {
	return func(c *retryablehttp.Client) {
		c.RetryMax = max
		c.RetryWaitMin = waitMin
		c.RetryWaitMax = waitMax
	}
}

// WithHTTPTimeout bounds each attempt.
func WithHTTPTimeout(timeout time.Duration) HTTPOption {
	return func(c *retryablehttp.Client) {
		c.HTTPClient.Timeout = timeout
	}
}

// NewHTTPClient builds a catalog client rooted at baseURL.
func NewHTTPClient(baseURL string, logger *zap.Logger, opts ...HTTPOption) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("menu base url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("parse menu base url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 50 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.Logger = leveledLogger{logger.Sugar().Named("menu")}
	client.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	for _, opt := range opts {
		opt(client)
	}
	return &HTTPClient{baseURL: baseURL, client: client}, nil
}

// LookupMenuItem implements Lookup.
func (c *HTTPClient) LookupMenuItem(ctx context.Context, menuItemID string) (Item, error) {
	menuItemID = strings.TrimSpace(menuItemID)
	if menuItemID == "" {
		return Item{}, ErrNotFound
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/menu-items/"+url.PathEscape(menuItemID), nil)
	if err != nil {
		return Item{}, fmt.Errorf("build menu request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Item{}, fmt.Errorf("fetch menu item: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Item{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Item{}, fmt.Errorf("fetch menu item: unexpected status %d", resp.StatusCode)
	}

	var item Item
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&item); err != nil {
		return Item{}, fmt.Errorf("decode menu item: %w", err)
	}
	if item.ID == "" {
		item.ID = menuItemID
	}
	return item, nil
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, keysAndValues...)
}
func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}
func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}
func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warnw(msg, keysAndValues...)
}
