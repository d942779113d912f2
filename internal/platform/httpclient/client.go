package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"upcoach-sync/pkg/retry"
)

// Client wraps http.Client with logging, rate limiting and retries.
type Client struct {
	hc               *stdhttp.Client
	log              *slog.Logger
	retry            retry.Config
	hooks            []retry.Option
	headers          map[string]string
	urlRedactor      func(*url.URL) string
	retryMethods     map[string]struct{}
	retryNonIdem     bool
	maxRetryDuration time.Duration
	maxReplayBody    int64
	limiter          *rate.Limiter
	after            func(time.Duration) <-chan time.Time
}

// Option configures Client.
type Option func(*Client)

// WithTimeout sets the per-attempt timeout.
func WithTimeout(t time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = t }
}

// WithLogger sets logger used by client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRetry replaces the retry configuration. A nil ShouldRetry means
// RetryableError decides.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithRetryHooks attaches extra executor options (metrics, tracing) to every call.
func WithRetryHooks(opts ...retry.Option) Option {
	return func(c *Client) { c.hooks = append(c.hooks, opts...) }
}

// WithRateLimit throttles outgoing attempts to perSecond with the given burst.
// A non-positive perSecond disables throttling.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithHeaders adds default headers to each request.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) {
		for k, v := range h {
			if c.headers == nil {
				c.headers = make(map[string]string)
			}
			c.headers[k] = v
		}
	}
}

// WithoutHeaders removes default headers.
func WithoutHeaders(keys ...string) Option {
	return func(c *Client) {
		for _, k := range keys {
			delete(c.headers, k)
		}
	}
}

// WithURLRedactor sets URL redactor for logs.
func WithURLRedactor(f func(*url.URL) string) Option {
	return func(c *Client) { c.urlRedactor = f }
}

// WithTransport sets custom transport.
func WithTransport(rt stdhttp.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.hc.Transport = rt
		}
	}
}

// WithRetryMethods adds methods allowed for retries.
func WithRetryMethods(methods ...string) Option {
	return func(c *Client) {
		if c.retryMethods == nil {
			c.retryMethods = make(map[string]struct{})
		}
		for _, m := range methods {
			c.retryMethods[m] = struct{}{}
		}
	}
}

// WithRetryNonIdempotent allows retries for non-idempotent methods like POST.
func WithRetryNonIdempotent(v bool) Option {
	return func(c *Client) { c.retryNonIdem = v }
}

// WithMaxRetryDuration stops retrying once d has elapsed since the first attempt.
func WithMaxRetryDuration(d time.Duration) Option {
	return func(c *Client) { c.maxRetryDuration = d }
}

// WithMaxReplayBodySize limits size of buffered body for retries (0 disables limit).
func WithMaxReplayBodySize(n int64) Option {
	return func(c *Client) { c.maxReplayBody = n }
}

// ErrReplayBodyTooLarge indicates request body exceeds replay limit.
var ErrReplayBodyTooLarge = errors.New("http: body too large for replay")

// ErrRetryBudgetExceeded wraps the last error when WithMaxRetryDuration cut retries short.
var ErrRetryBudgetExceeded = errors.New("http: retry budget exceeded")

// New creates configured Client.
func New(opts ...Option) *Client {
	tr := stdhttp.DefaultTransport.(*stdhttp.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxConnsPerHost = 100
	tr.MaxIdleConnsPerHost = 100
	tr.IdleConnTimeout = 90 * time.Second
	tr.TLSHandshakeTimeout = 10 * time.Second
	tr.ResponseHeaderTimeout = 10 * time.Second
	tr.ExpectContinueTimeout = 1 * time.Second

	c := &Client{
		hc: &stdhttp.Client{
			Timeout:   15 * time.Second,
			Transport: tr,
		},
		log:           slog.Default(),
		retry:         retry.API(),
		maxReplayBody: 1 << 20,
		after:         time.After,
		retryMethods: map[string]struct{}{
			stdhttp.MethodGet:     {},
			stdhttp.MethodHead:    {},
			stdhttp.MethodOptions: {},
			stdhttp.MethodTrace:   {},
			stdhttp.MethodPut:     {},
			stdhttp.MethodDelete:  {},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RetryConfig returns the configuration used for idempotent requests.
func (c *Client) RetryConfig() retry.Config { return c.retry }

// redactURL returns redacted URL string.
func (c *Client) redactURL(u *url.URL) string {
	if c.urlRedactor != nil {
		return c.urlRedactor(u)
	}
	return u.Redacted()
}

// drainAndClose drains up to 512KB from body and closes it.
func drainAndClose(b io.ReadCloser) {
	if b == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, b, 512<<10)
	_ = b.Close()
}

// bufferBody makes req.Body replayable through GetBody.
func (c *Client) bufferBody(req *stdhttp.Request) error {
	if req.Body == nil || req.GetBody != nil {
		return nil
	}
	var body []byte
	var err error
	if c.maxReplayBody > 0 {
		body, err = io.ReadAll(io.LimitReader(req.Body, c.maxReplayBody+1))
		if err != nil {
			return err
		}
		if int64(len(body)) > c.maxReplayBody {
			return ErrReplayBodyTooLarge
		}
	} else {
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return err
		}
	}
	req.Body.Close()
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	req.Body, _ = req.GetBody()
	return nil
}

func (c *Client) retryAllowed(req *stdhttp.Request) bool {
	if _, ok := c.retryMethods[req.Method]; ok {
		return true
	}
	if req.Method == stdhttp.MethodPost && req.Header.Get("Idempotency-Key") != "" {
		return true
	}
	return c.retryNonIdem
}

// Do sends the request, retrying transient failures per the client's retry
// configuration. Responses with a retryable status never reach the caller:
// they are drained and reported as *StatusError once attempts run out.
// Other responses, 4xx included, are returned as is.
func (c *Client) Do(ctx context.Context, req *stdhttp.Request) (*stdhttp.Response, error) {
	if err := c.bufferBody(req); err != nil {
		return nil, err
	}

	cfg := c.retry
	if !c.retryAllowed(req) {
		cfg = cfg.WithMaxAttempts(1)
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = RetryableError
	}

	start := time.Now()
	var budgetExceeded bool
	var hint time.Duration
	cfg = cfg.WithShouldRetry(func(err error) bool {
		if ctx.Err() != nil || !shouldRetry(err) {
			return false
		}
		if c.maxRetryDuration > 0 && time.Since(start) >= c.maxRetryDuration {
			budgetExceeded = true
			return false
		}
		return true
	})

	u := c.redactURL(req.URL)
	idemKey := req.Header.Get("Idempotency-Key") != ""
	opts := append([]retry.Option{
		retry.WithDelay(func(_ int, _ error, d time.Duration) time.Duration {
			// Retry-After overrides the computed backoff, within MaxDelay
			if hint > 0 {
				return min(hint, cfg.MaxDelay)
			}
			return d
		}),
		retry.WithAfter(c.after),
		retry.OnRetry(func(attempt int, err error, delay time.Duration) {
			c.log.Warn("http request retry",
				slog.String("method", req.Method),
				slog.String("url", u),
				slog.Int("attempt", attempt),
				slog.Int("attempts_left", cfg.MaxAttempts-attempt),
				slog.Duration("wait", delay),
				slog.Duration("retry_after", hint),
				slog.Bool("idempotency_key", idemKey),
				slog.Any("error", err))
		}),
	}, c.hooks...)

	attempt := 0
	resp, err := retry.Do(ctx, cfg, func(ctx context.Context) (*stdhttp.Response, error) {
		attempt++
		hint = 0
		resp, err := c.roundTrip(ctx, req, u, attempt)
		var se *StatusError
		if errors.As(err, &se) {
			hint = se.RetryAfter
		}
		return resp, err
	}, opts...)
	if err != nil {
		if budgetExceeded {
			return nil, fmt.Errorf("%w: %w", ErrRetryBudgetExceeded, err)
		}
		return nil, err
	}
	return resp, nil
}

// roundTrip performs a single attempt.
func (c *Client) roundTrip(ctx context.Context, req *stdhttp.Request, u string, attempt int) (*stdhttp.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			return nil, fmt.Errorf("%w: %w", errThrottled, err)
		}
	}

	r := req.Clone(ctx)
	for k, v := range c.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	if r.GetBody != nil {
		rc, err := r.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = rc
	}

	st := time.Now()
	resp, err := c.hc.Do(r)
	dur := time.Since(st)
	if err != nil {
		c.log.Warn("http request error", slog.String("method", r.Method), slog.String("url", u), slog.Int("attempt", attempt), slog.Duration("dur", dur), slog.Any("error", err))
		return nil, err
	}

	if resp.StatusCode == stdhttp.StatusMisdirectedRequest {
		if tr, ok := c.hc.Transport.(interface{ CloseIdleConnections() }); ok {
			tr.CloseIdleConnections()
		}
	}
	c.log.Info("http request", slog.String("method", r.Method), slog.String("url", u), slog.Int("status", resp.StatusCode), slog.Duration("dur", dur), slog.Int("attempt", attempt))

	if !retryableStatus(resp.StatusCode) {
		return resp, nil
	}
	se := NewStatusError(r.Method, u, resp)
	drainAndClose(resp.Body)
	return nil, se
}
