package icloud

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"icloud-restore/internal/session"
)

// DefaultBaseURL is the docws server pool the recovery page talks to.
const DefaultBaseURL = "https://p107-docws.icloud.com"

// Retry and backoff constants.
const (
	maxRetries     = 4
	baseBackoff    = 2 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// Client is an HTTP client for the iCloud docws API. It injects the
// captured browser session (cookies, headers, identity query params) into
// every request, retries network and 5xx failures with jittered
// exponential backoff, and classifies everything else into sentinel
// errors. Auth failures and 429s are never retried here: the engine
// coordinates session refresh and process-wide throttle backoff.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a docws API client. baseURL is typically DefaultBaseURL.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// do executes a request against the docws API, retrying transient
// failures. On success the caller owns the response body. The body is
// rebuilt per attempt via bodyFunc so retries never resend a drained
// reader.
func (c *Client) do(
	ctx context.Context,
	sess *session.Session,
	method, path string,
	query url.Values,
	bodyFunc func() io.Reader,
) (*http.Response, error) {
	reqURL := c.buildURL(sess, path, query)

	var attempt int
	for {
		var body io.Reader
		if bodyFunc != nil {
			body = bodyFunc()
		}

		resp, err := c.doOnce(ctx, sess, method, reqURL, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("icloud: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("icloud: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("icloud: %s %s failed after %d retries: %w", method, path, maxRetries, err)
		}

		// 2xx — success.
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := calcBackoff(attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("icloud: request canceled: %w", err)
			}

			attempt++

			continue
		}

		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfterSeconds(resp),
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, apiErr
	}
}

// maxErrorBody caps how much of an error response is kept for the message.
const maxErrorBody = 4096

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(
	ctx context.Context, sess *session.Session, method, reqURL string, body io.Reader,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	// The iCloud web client sends text/plain even for JSON bodies; the
	// server rejects application/json on these endpoints.
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Origin", "https://www.icloud.com")
	req.Header.Set("Referer", "https://www.icloud.com/")

	for name, value := range sess.Headers {
		req.Header.Set(name, value)
	}

	if cookie := sess.CookieHeader(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	return c.httpClient.Do(req)
}

// buildURL joins the base URL, path, the session identity params, and any
// call-specific query values.
func (c *Client) buildURL(sess *session.Session, path string, query url.Values) string {
	values := url.Values{}
	for k, v := range sess.Params() {
		values.Set(k, v)
	}

	for k, vs := range query {
		for _, v := range vs {
			values.Add(k, v)
		}
	}

	return c.baseURL + path + "?" + values.Encode()
}

// retryAfterSeconds extracts the Retry-After header of a throttled
// response, or 0 when absent or unparseable.
func retryAfterSeconds(resp *http.Response) int {
	if resp.StatusCode != http.StatusTooManyRequests {
		return 0
	}

	seconds, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || seconds < 0 {
		return 0
	}

	return seconds
}

// calcBackoff computes exponential backoff with ±25% jitter.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
