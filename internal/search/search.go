// Package search is the web search gateway consumed by the deep searcher.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Abby263/docugen/internal/circuitbreaker"
	"github.com/Abby263/docugen/internal/interceptors"
	"github.com/Abby263/docugen/internal/metrics"
	"github.com/Abby263/docugen/internal/tracing"
)

var (
	ErrRateLimited = errors.New("search: rate limited")
	ErrTimeout     = errors.New("search: timeout")
	ErrUnavailable = errors.New("search: service unavailable")
	ErrBadQuery    = errors.New("search: bad query")
)

// Result is one ranked search hit.
type Result struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Gateway returns ranked results for a query.
type Gateway interface {
	Search(ctx context.Context, query string, topK int) ([]Result, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, query string, topK int) ([]Result, error)

// Search calls f.
func (f GatewayFunc) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	return f(ctx, query, topK)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// Config configures the HTTP search client.
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Client queries a JSON search endpoint: GET {base}/search?q=..&k=..
// answering {"results":[{"url","title","snippet"}]}.
type Client struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	policy *bluemonday.Policy
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	hc := &http.Client{Transport: interceptors.NewWorkflowHTTPRoundTripper(nil)}
	return &Client{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper(hc, "search", "search-gateway", circuitbreaker.GetSearchConfig(), logger),
		policy: bluemonday.StrictPolicy(),
		logger: logger,
	}
}

func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.http.Breaker() }
func (c *Client) BaseURL() string                        { return c.cfg.BaseURL }

// Search implements Gateway. Snippets and titles are stripped of markup.
func (c *Client) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrBadQuery
	}
	if topK <= 0 {
		topK = 5
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("q", query)
	q.Set("k", strconv.Itoa(topK))
	endpoint := c.cfg.BaseURL + "/search?" + q.Encode()

	ctx, span := tracing.StartGatewaySpan(ctx, "search", http.MethodGet, c.cfg.BaseURL+"/search")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadQuery, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordGatewayCall("search", "error", time.Since(start).Seconds())
		span.SetStatus(codes.Error, err.Error())
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		case errors.Is(err, context.Canceled):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.RecordGatewayCall("search", "rate_limited", time.Since(start).Seconds())
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		metrics.RecordGatewayCall("search", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		metrics.RecordGatewayCall("search", "rejected", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: status %d", ErrBadQuery, resp.StatusCode)
	}

	var body struct {
		Results []Result `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		metrics.RecordGatewayCall("search", "bad_response", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	metrics.RecordGatewayCall("search", "ok", time.Since(start).Seconds())

	out := make([]Result, 0, len(body.Results))
	for _, r := range body.Results {
		if strings.TrimSpace(r.URL) == "" {
			continue
		}
		out = append(out, Result{
			URL:     strings.TrimSpace(r.URL),
			Title:   c.clean(r.Title),
			Snippet: c.clean(r.Snippet),
		})
		if len(out) == topK {
			break
		}
	}
	c.logger.Debug("search completed", zap.String("query", query), zap.Int("results", len(out)))
	return out, nil
}

func (c *Client) clean(s string) string {
	return strings.Join(strings.Fields(c.policy.Sanitize(s)), " ")
}
