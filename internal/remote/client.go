// Package remote is a retrying client for the cloud to-do service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tasksync/internal/config"
	"tasksync/internal/logging"
	"tasksync/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxErrorBody = 64 << 10

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxJitter  time.Duration
	maxDelay   time.Duration
	sleep      Sleeper
	now        func() time.Time
	jitter     func(time.Duration) time.Duration
	logger     *zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithSleeper(s Sleeper) Option {
	return func(c *Client) { c.sleep = s }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithJitter replaces the random jitter source.
func WithJitter(j func(max time.Duration) time.Duration) Option {
	return func(c *Client) { c.jitter = j }
}

func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

func New(cfg config.RemoteConfig, logger *zerolog.Logger, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("invalid remote base url %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxJitter:  cfg.MaxJitter,
		maxDelay:   cfg.MaxDelay,
		sleep:      sleepContext,
		now:        time.Now,
		logger:     logging.Component(logger, "remote"),
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.baseDelay <= 0 {
		c.baseDelay = DefaultBaseDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = DefaultMaxDelay
	}
	if c.maxJitter < 0 {
		c.maxJitter = 0
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Response carries the metadata of a successful call.
type Response struct {
	StatusCode int
	Header     http.Header
	Attempts   int
}

// RequestOption decorates every attempt of a request.
type RequestOption func(*http.Request)

// IfMatch sends an optimistic concurrency precondition.
func IfMatch(etag string) RequestOption {
	return func(r *http.Request) {
		if etag != "" {
			r.Header.Set("If-Match", etag)
		}
	}
}

func (c *Client) Get(ctx context.Context, token, target string, out interface{}, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, token, http.MethodGet, target, nil, out, opts...)
}

func (c *Client) Post(ctx context.Context, token, target string, body, out interface{}, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, token, http.MethodPost, target, body, out, opts...)
}

func (c *Client) Patch(ctx context.Context, token, target string, body, out interface{}, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, token, http.MethodPatch, target, body, out, opts...)
}

func (c *Client) Delete(ctx context.Context, token, target string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, token, http.MethodDelete, target, nil, nil, opts...)
}

// Do performs one logical call. target is either a path relative to the base
// URL or an absolute continuation URL that is used verbatim. Retryable
// failures are retried with backoff; all attempts share one request id.
func (c *Client) Do(ctx context.Context, token, method, target string, body, out interface{}, opts ...RequestOption) (*Response, error) {
	endpoint, err := c.resolve(target)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	requestID := uuid.NewString()
	backoff := &Backoff{
		MaxRetries: c.maxRetries,
		BaseDelay:  c.baseDelay,
		MaxJitter:  c.maxJitter,
		MaxDelay:   c.maxDelay,
		Now:        c.now,
		Jitter:     c.jitter,
	}
	log := c.logger.With().Str("method", method).Str("request_id", requestID).Logger()

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.attempt(ctx, token, method, endpoint, requestID, payload, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.IncRemote(method, 0)
			if !replayable(method, err) {
				return nil, fmt.Errorf("%w: %s %s: %v", ErrTransient, method, redact(endpoint), err)
			}
			delay, retry := backoff.Next(0, "")
			if !retry {
				return nil, fmt.Errorf("%w: %s %s: %v", ErrTransient, method, redact(endpoint), err)
			}
			log.Warn().Err(err).Dur("delay", delay).Int("attempt", backoff.Attempt()).Msg("remote transport error, retrying")
			if err := c.wait(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		metrics.IncRemote(method, resp.StatusCode)
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			defer resp.Body.Close()
			if out != nil && resp.StatusCode != http.StatusNoContent {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
					return nil, fmt.Errorf("decode %s response: %w", method, err)
				}
			}
			return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Attempts: backoff.Attempt() + 1}, nil
		}

		apiErr := readAPIError(resp, requestID)
		delay, retry := backoff.Next(resp.StatusCode, resp.Header.Get("Retry-After"))
		if !retry {
			return nil, apiErr
		}
		log.Warn().Int("status", resp.StatusCode).Dur("delay", delay).Int("attempt", backoff.Attempt()).
			Msg("remote request throttled or failed, retrying")
		if err := c.wait(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// replayable reports whether a transport failure may be retried. A POST is
// only replayed when the connection was never established, since the
// service may already have acted on a request whose answer got lost.
func replayable(method string, err error) bool {
	if method != http.MethodPost {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (c *Client) attempt(ctx context.Context, token, method, endpoint, requestID string, payload []byte, opts []RequestOption) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("client-request-id", requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}
	return c.httpClient.Do(req)
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	metrics.IncRemoteRetry()
	return c.sleep(ctx, d)
}

func (c *Client) resolve(target string) (string, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid remote target %q: %w", target, err)
	}
	if ref.IsAbs() {
		return target, nil
	}
	u := c.baseURL.JoinPath(strings.TrimLeft(ref.EscapedPath(), "/"))
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}

func readAPIError(resp *http.Response, requestID string) *APIError {
	defer resp.Body.Close()
	apiErr := &APIError{StatusCode: resp.StatusCode, RequestID: requestID}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var env graphError
	if len(data) > 0 && json.Unmarshal(data, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

// redact drops the query string, which may carry delta tokens.
func redact(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}
