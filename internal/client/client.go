// Package client provides the HTTP client used to exercise the API under
// test. It handles basic auth, per-call timeouts, one retry of timed out
// calls with backoff, request pacing and tracing.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matindow/modi-api/internal/config"
)

const tracerName = "github.com/matindow/modi-api/internal/client"

// TimeoutError is returned when a call still times out after its retries.
type TimeoutError struct {
	Method   string
	URL      string
	Timeout  time.Duration
	Attempts int
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out after %s (%d attempts)", e.Method, e.URL, e.Timeout, e.Attempts)
}

// IsTimeout reports whether err is a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// RetryConfig configures retry of timed out calls.
type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultRetryConfig retries a timed out call once.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 1,
		RetryDelay: 500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
	}
}

// Client is the HTTP client for the API under test.
//
// Thread Safety: safe for concurrent use by multiple scenarios.
type Client struct {
	httpClient  *http.Client
	baseURL     *url.URL
	timeout     time.Duration
	headers     map[string]string
	auth        *Credentials
	retryConfig RetryConfig
	limiter     *rate.Limiter
	tracer      trace.Tracer
	logger      *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTracerProvider traces calls with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracer = tp.Tracer(tracerName)
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithRetryConfig overrides the retry configuration.
func WithRetryConfig(rc RetryConfig) Option {
	return func(c *Client) {
		c.retryConfig = rc
	}
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for target authenticating with auth.
func New(target config.TargetConfig, auth config.AuthConfig, opts ...Option) (*Client, error) {
	if target.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(target.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if target.Timeout <= 0 {
		target.Timeout = 30 * time.Second
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: target.TLSSkipVerify,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{
		// Per-call timeouts are enforced through the request context.
		httpClient:  &http.Client{Transport: transport},
		baseURL:     base,
		timeout:     target.Timeout,
		headers:     map[string]string{"Content-Type": "application/json", "Accept": "application/json", "User-Agent": "modi-conform/1.0"},
		retryConfig: DefaultRetryConfig(),
		tracer:      otel.GetTracerProvider().Tracer(tracerName),
		logger:      zap.NewNop(),
	}
	for k, v := range target.Headers {
		c.headers[k] = v
	}
	if auth.Type == "basic" {
		c.auth = &Credentials{Username: auth.Username, Password: auth.Password}
	}
	if target.QPS > 0 {
		burst := target.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(target.QPS), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Request represents an HTTP request to be executed.
type Request struct {
	Method string
	Path   string
	Query  map[string]string
	// Body is marshalled to JSON. Ignored when RawBody is set.
	Body any
	// RawBody is sent verbatim.
	RawBody []byte
	// Anonymous omits credentials.
	Anonymous bool
	// Timeout overrides the client's per-call timeout.
	Timeout time.Duration
}

// Response represents an HTTP response.
type Response struct {
	Method     string
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Do executes req. A call that times out is retried up to MaxRetries times
// with backoff and then reported as *TimeoutError. Non-2xx statuses are not
// errors.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	u, err := c.buildURL(req.Path, req.Query)
	if err != nil {
		return nil, fmt.Errorf("building URL: %w", err)
	}

	body := req.RawBody
	if body == nil && req.Body != nil {
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	ctx, span := c.tracer.Start(ctx, "HTTP "+req.Method, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", u.String()),
			attribute.Bool("modi.anonymous", req.Anonymous),
		))
	defer span.End()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt)
			c.logger.Debug("retrying timed out call",
				zap.String("method", req.Method),
				zap.String("url", u.String()),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.attempt(ctx, req, u, body, timeout)
		if err == nil {
			resp.Attempts = attempt + 1
			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
			if resp.StatusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
			}
			return resp, nil
		}

		if !isTimeout(ctx, err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if attempt >= c.retryConfig.MaxRetries {
			te := &TimeoutError{Method: req.Method, URL: u.String(), Timeout: timeout, Attempts: attempt + 1}
			span.RecordError(te)
			span.SetStatus(codes.Error, "timeout")
			return nil, te
		}
	}
}

func (c *Client) attempt(ctx context.Context, req Request, u *url.URL, body []byte, timeout time.Duration) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, u.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	if !req.Anonymous && c.auth != nil {
		c.auth.Apply(httpReq)
	}
	otel.GetTextMapPropagator().Inject(callCtx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return &Response{
		Method:     req.Method,
		URL:        u.String(),
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       data,
		Duration:   time.Since(start),
	}, nil
}

// isTimeout separates a per-call deadline from cancellation of the caller.
func isTimeout(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *Client) buildURL(path string, query map[string]string) (*url.URL, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawPath = ""
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return &u, nil
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := c.retryConfig.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	delay := float64(c.retryConfig.RetryDelay) * math.Pow(multiplier, float64(attempt-1))
	if c.retryConfig.MaxDelay > 0 && delay > float64(c.retryConfig.MaxDelay) {
		delay = float64(c.retryConfig.MaxDelay)
	}
	// ±25% jitter
	jitter := delay * 0.25
	delay += (rand.Float64()*2 - 1) * jitter
	return time.Duration(delay)
}

// BaseURL returns the client's base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}
