// Package retry wraps HTTP calls with exponential backoff and a batched
// fan-out mode. Requests are plain values so they can be replayed.
package retry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"gradeline/internal/domain"
	"gradeline/internal/logging"
)

const (
	DefaultMaxRetries     = 3
	DefaultBatchSize      = 20
	DefaultInitialBackoff = time.Second
)

// ErrExhausted marks a call that never returned 200.
var ErrExhausted = errors.New("retries exhausted")

// Request is a replayable HTTP request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response carries the outcome of a call. A transport failure or exhausted
// retry leaves Err set.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

func (r Response) OK() bool {
	return r.Err == nil && r.StatusCode == http.StatusOK
}

// ExhaustedError reports the final state of a call that ran out of attempts.
type ExhaustedError struct {
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *ExhaustedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %d attempts, last error: %v", e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: %d attempts, last status %d", e.URL, e.Attempts, e.StatusCode)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }
func (e *ExhaustedError) Unwrap() error        { return e.Err }
func (e *ExhaustedError) Kind() domain.Kind    { return domain.KindTransient }

// AuthError is a 403 or 404 on an authoritative fetch. It is never retried.
type AuthError struct {
	URL        string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: status %d", e.URL, e.StatusCode)
}

func (e *AuthError) Kind() domain.Kind { return domain.KindFatalAuth }

// Client performs retried and batched calls.
type Client struct {
	httpClient     *http.Client
	batchSize      int
	maxRetries     int
	initialBackoff time.Duration
	sleep          func(context.Context, time.Duration) error
	logger         *slog.Logger
}

// Option configures the Client during construction.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithBatchSize sets the fan-out group size for CallInBatches.
func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithMaxRetries sets the retry budget CallInBatches uses for failed items.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoff sets the first backoff delay; each later delay doubles.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.initialBackoff = d }
}

// WithSleep replaces the context-aware sleep. Tests use it to skip waiting.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithLogger configures structured logging.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(opts ...Option) *Client {
	c := &Client{
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		batchSize:      DefaultBatchSize,
		maxRetries:     DefaultMaxRetries,
		initialBackoff: DefaultInitialBackoff,
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.New("retry")
	}
	return c
}

// Do performs a single attempt.
func (c *Client) Do(ctx context.Context, r Request) Response {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return Response{Err: fmt.Errorf("create request: %w", err)}
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{StatusCode: resp.StatusCode, Header: resp.Header, Err: fmt.Errorf("read body: %w", err)}
	}
	return Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
}

// CallWithRetries makes up to maxRetries+1 attempts. It never returns an
// error: on exhaustion the Response carries an *ExhaustedError so the caller
// picks the fallback.
func (c *Client) CallWithRetries(ctx context.Context, r Request, maxRetries int) Response {
	resp, _ := c.call(ctx, r, maxRetries, false)
	return resp
}

// CallStrict is for authoritative fetches: 403 and 404 fail immediately and
// exhaustion is returned as an error.
func (c *Client) CallStrict(ctx context.Context, r Request, maxRetries int) (Response, error) {
	return c.call(ctx, r, maxRetries, true)
}

func (c *Client) call(ctx context.Context, r Request, maxRetries int, strict bool) (Response, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	delay := c.initialBackoff
	var last Response
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				last = Response{StatusCode: last.StatusCode, Err: err}
				break
			}
			delay *= 2
		}
		attempts++
		last = c.Do(ctx, r)
		if last.OK() {
			return last, nil
		}
		if strict && (last.StatusCode == http.StatusForbidden || last.StatusCode == http.StatusNotFound) {
			err := &AuthError{URL: r.URL, StatusCode: last.StatusCode}
			last.Err = err
			return last, err
		}
		c.logger.DebugContext(ctx, "call failed", "url", r.URL, "attempt", attempts, "status", last.StatusCode, "error", last.Err)
	}
	err := &ExhaustedError{URL: r.URL, Attempts: attempts, StatusCode: last.StatusCode, Err: last.Err}
	c.logger.WarnContext(ctx, "retries exhausted", "url", r.URL, "attempts", attempts, "status", last.StatusCode)
	return Response{StatusCode: last.StatusCode, Header: last.Header, Body: last.Body, Err: err}, err
}

// CallInBatches dispatches requests in groups of the configured batch size.
// Each group is one concurrent fan-out/fan-in; items that did not return 200
// are resubmitted through CallWithRetries. The result is index-aligned with
// reqs and per-item failures never abort the batch. Cancelling ctx stops
// dispatch and marks every unsent item with the context error.
func (c *Client) CallInBatches(ctx context.Context, reqs []Request) []Response {
	out := make([]Response, len(reqs))
	for start := 0; start < len(reqs); start += c.batchSize {
		end := min(start+c.batchSize, len(reqs))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.batchSize)
		for i := start; i < end; i++ {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					out[i] = Response{Err: err}
					return err
				}
				out[i] = c.Do(gctx, reqs[i])
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return abandon(out, end, err)
		}
		for i := start; i < end; i++ {
			if !out[i].OK() {
				out[i] = c.CallWithRetries(ctx, reqs[i], c.maxRetries)
			}
		}
		if err := ctx.Err(); err != nil {
			return abandon(out, end, err)
		}
	}
	return out
}

// abandon marks every item from start on as failed with err.
func abandon(out []Response, start int, err error) []Response {
	for i := start; i < len(out); i++ {
		out[i] = Response{Err: err}
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
