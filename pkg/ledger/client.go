// Package ledger appends batches to the external append-only audit log.
// The ledger is the durability source of truth: callers must Append before
// writing the same batch anywhere else, and an exhausted Append aborts the
// run rather than risk unaudited loss.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/eveobs/killfeed/internal/resilience"
)

// Client appends ordered lines to a named stream.
type Client interface {
	Append(ctx context.Context, stream, runID string, lines []string) error
}

// APIError is returned when the ledger responds with a non-200 status or a
// body without ok=true.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRetryConfig overrides the append retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type appendRequest struct {
	Secret string   `json:"secret"`
	Action string   `json:"action"`
	Stream string   `json:"stream"`
	RunID  string   `json:"run_id"`
	Lines  []string `json:"lines"`
}

type appendResponse struct {
	OK bool `json:"ok"`
}

type httpClient struct {
	url    string
	secret string
	http   *http.Client
	retry  resilience.RetryConfig
}

// NewClient creates a ledger client. Appends retry up to three times with
// doubling backoff before failing.
func NewClient(url, secret string, opts ...Option) Client {
	c := &httpClient{
		url:    url,
		secret: secret,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			Multiplier:     2.0,
			// Every append failure is retried: the ledger is the one
			// dependency where giving up early loses data.
			ShouldRetry: func(error) bool { return true },
			OnRetry:     resilience.RetryLogger("ledger", "append"),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append writes lines to a stream. Returns only after the ledger confirms
// the batch with ok=true, or after retries are exhausted.
func (c *httpClient) Append(ctx context.Context, stream, runID string, lines []string) error {
	body, err := json.Marshal(appendRequest{
		Secret: c.secret,
		Action: "append",
		Stream: stream,
		RunID:  runID,
		Lines:  lines,
	})
	if err != nil {
		return eris.Wrap(err, "ledger: marshal append request")
	}

	err = resilience.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.post(ctx, body)
	})
	if err != nil {
		return eris.Wrapf(err, "ledger: append stream %s", stream)
	}
	return nil
}

func (c *httpClient) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var out appendResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	if !out.OK {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	return nil
}
