// Package transport posts provider requests with deadline-bounded
// exponential backoff and immediate cancellation.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/floegence/flowerpilot/internal/observe"
)

const (
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultDeadline  = 60 * time.Second

	maxErrorBodyBytes = 64 << 10
)

// ErrCanceled is returned when the caller's context ends. It always wins over
// retrying; errors.Is(err, context.Canceled) also holds for caller cancellation.
var ErrCanceled = errors.New("request canceled")

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	if body == "" {
		return fmt.Sprintf("provider returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("provider returned HTTP %d: %s", e.Status, body)
}

type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *observe.Metrics

	// BaseDelay is the first backoff wait; it doubles after every failure.
	BaseDelay time.Duration
	// Deadline bounds the whole call, measured from the first attempt.
	Deadline time.Duration
	// AttemptTimeout bounds how long one attempt may wait for response
	// headers. Attempts never wait past Deadline either way.
	AttemptTimeout time.Duration
}

type Client struct {
	http           *http.Client
	log            *slog.Logger
	metrics        *observe.Metrics
	baseDelay      time.Duration
	deadline       time.Duration
	attemptTimeout time.Duration
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	base := opts.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Client{
		http:           hc,
		log:            log,
		metrics:        opts.Metrics,
		baseDelay:      base,
		deadline:       deadline,
		attemptTimeout: opts.AttemptTimeout,
	}
}

// Request is one provider call.
type Request struct {
	URL      string
	APIKey   string
	Headers  map[string]string
	Body     []byte
	Stream   bool
	Protocol string
}

// Do posts req until it gets a 2xx response, the deadline passes or ctx ends.
// On success the caller owns resp.Body.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	start := time.Now()
	delay := c.baseDelay
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, canceled(err)
		}
		limit := c.deadline - time.Since(start)
		if limit <= 0 {
			if lastErr == nil {
				lastErr = fmt.Errorf("deadline %s elapsed before attempt %d", c.deadline, attempt)
			}
			return nil, lastErr
		}
		if c.attemptTimeout > 0 && c.attemptTimeout < limit {
			limit = c.attemptTimeout
		}
		resp, err := c.attempt(ctx, req, limit)
		if err == nil {
			c.metrics.RecordTransportAttempt(ctx, req.Protocol, strconv.Itoa(resp.StatusCode))
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.metrics.RecordTransportAttempt(ctx, req.Protocol, "canceled")
			return nil, canceled(ctxErr)
		}
		lastErr = err
		c.metrics.RecordTransportAttempt(ctx, req.Protocol, attemptStatus(err))

		elapsed := time.Since(start)
		if elapsed+delay > c.deadline {
			c.log.Warn("provider request failed",
				"protocol", req.Protocol,
				"attempt", attempt,
				"elapsed_ms", elapsed.Milliseconds(),
				"error", err.Error(),
			)
			return nil, lastErr
		}
		c.log.Debug("provider request failed; retrying",
			"protocol", req.Protocol,
			"attempt", attempt,
			"backoff_ms", delay.Milliseconds(),
			"error", err.Error(),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, canceled(ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
}

// attempt waits at most limit for response headers; the body is not limited.
// limit must be positive.
func (c *Client) attempt(ctx context.Context, req Request, limit time.Duration) (*http.Response, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(limit, cancel)

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	if key := strings.TrimSpace(req.APIKey); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if !timer.Stop() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("attempt timed out after %s", limit)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		cancel()
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func canceled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}

func attemptStatus(err error) string {
	var he *HTTPError
	if errors.As(err, &he) {
		return strconv.Itoa(he.Status)
	}
	return "network_error"
}

// IsCanceled reports whether err came from caller cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}
