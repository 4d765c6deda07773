package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Upstream fetches one raw page from the provider API. Implementations
// return the response body untouched; normalization happens in the gateway.
type Upstream interface {
	// Fetch performs a single page request. cursor is empty for the first
	// page; maxResults is a hint forwarded when the endpoint supports it.
	Fetch(ctx context.Context, endpoint Endpoint, params Params, cursor string, maxResults int) ([]byte, error)

	// Ping verifies connectivity and credentials with a minimal request.
	Ping(ctx context.Context) error
}

// endpointPaths maps endpoint categories to provider URL paths.
var endpointPaths = map[Endpoint]string{
	EndpointSearch:       "twitter/tweet/advanced_search",
	EndpointUserLookup:   "twitter/user/info",
	EndpointUserBatch:    "twitter/user/batch_info_by_ids",
	EndpointFollowers:    "twitter/user/followers",
	EndpointUserTweets:   "twitter/user/last_tweets",
	EndpointTweetReplies: "twitter/tweet/replies",
	EndpointListTweets:   "twitter/list/tweets",
	EndpointWebhookRules: "oapi/tweet_filter/get_rules",
}

const defaultUpstreamTimeout = 30 * time.Second

// HTTPUpstream talks to the provider API over HTTP with API-key
// authentication.
type HTTPUpstream struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  Logger
}

// HTTPUpstreamOption configures an HTTPUpstream.
type HTTPUpstreamOption func(*HTTPUpstream)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) HTTPUpstreamOption {
	return func(u *HTTPUpstream) {
		if client != nil {
			u.client = client
		}
	}
}

// WithUpstreamLogger sets the logger for upstream request logging.
func WithUpstreamLogger(logger Logger) HTTPUpstreamOption {
	return func(u *HTTPUpstream) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// NewHTTPUpstream creates an upstream client for the given base URL and
// API key.
func NewHTTPUpstream(baseURL, apiKey string, opts ...HTTPUpstreamOption) (*HTTPUpstream, error) {
	if baseURL == "" {
		return nil, &ConfigError{Field: "base_url", Reason: "must not be empty"}
	}
	if apiKey == "" {
		return nil, &ConfigError{Field: "api_key", Reason: "must not be empty"}
	}
	u := &HTTPUpstream{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultUpstreamTimeout},
		logger:  &NoopLogger{},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// Fetch implements Upstream.
func (u *HTTPUpstream) Fetch(ctx context.Context, endpoint Endpoint, params Params, cursor string, maxResults int) ([]byte, error) {
	path, ok := endpointPaths[endpoint]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if maxResults > 0 && endpoint.paginated() {
		query.Set("max_results", strconv.Itoa(maxResults))
	}

	reqURL := u.baseURL + "/" + path
	if encoded := query.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("X-API-Key", u.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: "read response body", Err: err}
	}

	u.logger.Debug("upstream call",
		Field{Key: "endpoint", Value: string(endpoint)},
		Field{Key: "status", Value: resp.StatusCode},
		Field{Key: "duration_ms", Value: time.Since(start).Milliseconds()},
	)

	if throttled(resp.StatusCode, body) {
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamThrottled, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    truncateBody(body, 256),
		}
	}
	return body, nil
}

// Ping implements Upstream. It issues a minimal webhook-rules listing,
// which is the cheapest authenticated call the provider offers.
func (u *HTTPUpstream) Ping(ctx context.Context) error {
	_, err := u.Fetch(ctx, EndpointWebhookRules, nil, "", 0)
	return err
}

// throttled detects provider rate limiting. The provider returns 429 for
// hard limits but has also been seen returning 200 with a rate-limit error
// body, so the body is checked as well.
func throttled(status int, body []byte) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	if status >= 400 && status < 500 {
		lower := strings.ToLower(truncateBody(body, 512))
		return strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests")
	}
	return false
}

func truncateBody(body []byte, n int) string {
	s := string(body)
	if len(s) > n {
		s = s[:n]
	}
	return strings.TrimSpace(s)
}
