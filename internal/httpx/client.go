// Package httpx provides the rate-limited JSON fetch layer used for
// snapshots, resync, and fallback polling against the CLOB REST API.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mneves75/polymarket-analyzer-sub002/internal/domain"
	"github.com/mneves75/polymarket-analyzer-sub002/internal/ratelimit"
)

const (
	// defaultTimeout bounds one HTTP round-trip, including body read.
	defaultTimeout = 10 * time.Second

	// defaultRetries is the number of attempts for retryable failures
	// (429, 5xx, timeouts).
	defaultRetries = 3

	// backoffBase seeds the exponential retry backoff.
	backoffBase = 200 * time.Millisecond

	// bodySnippetLen caps how much of a non-JSON error body is kept for
	// the Error message.
	bodySnippetLen = 200
)

// Error is a non-retryable HTTP failure. Body holds the decoded JSON error
// payload when the server sent one, else the raw text snippet.
type Error struct {
	Status  int
	URL     string
	Body    map[string]any
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.URL, e.Message)
}

// Unwrap maps well-known statuses onto the domain sentinels so callers can
// branch with errors.Is instead of comparing status codes.
func (e *Error) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	}
	return nil
}

// IsNoOrderbook reports whether err is the CLOB's 404 "no orderbook exists"
// response. That is an expected steady state for unopened markets, not an
// error; callers must branch on it before logging.
func IsNoOrderbook(err error) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Status == http.StatusNotFound &&
			strings.Contains(strings.ToLower(he.Message), "no orderbook exists")
	}
	return errors.Is(err, domain.ErrNoOrderbook)
}

// StatusOf returns the HTTP status carried by err, or 0 when err is not an
// *Error.
func StatusOf(err error) int {
	var he *Error
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

// Options controls one fetch. Zero values fall back to client defaults.
type Options struct {
	Method  string
	Headers map[string]string
	Body    any
	Timeout time.Duration
	Retries int
}

// Client is a JSON HTTP client whose every attempt is admitted through the
// rate limiter first. 429 and 5xx responses and timeouts are retried with
// exponential backoff plus jitter; other failures surface as *Error.
type Client struct {
	hc      *http.Client
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// New creates a Client. limiter may not be nil; every request is gated by
// the rule matching its host and path.
func New(limiter *ratelimit.Limiter, logger *slog.Logger) *Client {
	return &Client{
		hc:      &http.Client{},
		limiter: limiter,
		logger:  logger.With(slog.String("component", "httpx")),
	}
}

// GetJSON fetches rawURL with defaults and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out any) error {
	raw, err := c.Fetch(ctx, rawURL, Options{})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("httpx: decode %s: %w", rawURL, err)
	}
	return nil
}

// Fetch performs the request and returns the raw response body. The rate
// limiter is consulted before every attempt, so retries cannot exceed the
// endpoint quota either.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts Options) (json.RawMessage, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = defaultRetries
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("httpx: parse url %q: %w", rawURL, err)
	}
	rule, metered := c.limiter.Match(u.Host, u.Path)

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if metered {
			if err := c.limiter.Take(ctx, rule); err != nil {
				return nil, fmt.Errorf("httpx: rate limit wait: %w", err)
			}
		}

		body, retryable, err := c.attempt(ctx, method, rawURL, opts, timeout)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable || attempt == retries {
			break
		}

		delay := backoff(attempt)
		c.logger.Debug("retrying request",
			slog.String("url", rawURL),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

// attempt runs a single round-trip. retryable is true for timeouts and for
// 429/5xx statuses.
func (c *Client) attempt(ctx context.Context, method, rawURL string, opts Options, timeout time.Duration) (json.RawMessage, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if opts.Body != nil {
		data, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, false, fmt.Errorf("httpx: marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, false, fmt.Errorf("httpx: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if opts.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		// Timeouts and transport resets are transient; the caller's ctx
		// being done is not.
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("httpx: %s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("httpx: read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, false, nil
	}

	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return nil, retryable, newError(resp.StatusCode, rawURL, respBody)
}

// newError builds an *Error, decoding the body as JSON when possible and
// falling back to a text snippet.
func newError(status int, rawURL string, body []byte) *Error {
	e := &Error{Status: status, URL: rawURL}

	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		e.Body = parsed
		for _, k := range []string{"error", "message", "errorMsg"} {
			if s, ok := parsed[k].(string); ok && s != "" {
				e.Message = s
				break
			}
		}
	}
	if e.Message == "" {
		snippet := string(body)
		if len(snippet) > bodySnippetLen {
			snippet = snippet[:bodySnippetLen]
		}
		e.Message = snippet
	}
	return e
}

// backoff returns base*2^(attempt-1) plus up to 100ms of jitter.
func backoff(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	return d + time.Duration(rand.Int63n(int64(100*time.Millisecond)))
}
