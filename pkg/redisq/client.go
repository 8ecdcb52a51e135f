// Package redisq consumes a zKillboard RedisQ-style long-poll queue. The
// source allows one outstanding request per queue identity and roughly two
// requests per second per IP; the client enforces both.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Default base URL for the listen endpoint. Redirects to the resolved
// object endpoint are followed by the http.Client.
const defaultBaseURL = "https://zkillredisq.stream/listen.php"

const (
	// rateLimitBackoff is the pause before retrying an iteration after 429.
	rateLimitBackoff = time.Second

	// pollPace keeps successive requests under the 2 req/s source ceiling,
	// independent of the long-poll wait window.
	pollPace = 550 * time.Millisecond
)

// Package is one event delivered by the queue.
type Package struct {
	KillID int64 `json:"killID"`
	Zkb    ZKB   `json:"zkb"`

	// Raw is the unparsed package object as delivered, carried for
	// durable storage of the original payload.
	Raw json.RawMessage `json:"-"`
}

// ZKB holds the queue-side metadata attached to a package.
type ZKB struct {
	Hash       string   `json:"hash"`
	LocationID *int64   `json:"locationID,omitempty"`
	Labels     []string `json:"labels"`
	NPC        bool     `json:"npc"`
	Awox       bool     `json:"awox"`
	Solo       bool     `json:"solo"`
	Href       string   `json:"href"`
}

// listenResponse is the envelope returned by the listen endpoint. A null or
// absent package means no event arrived within the wait window.
type listenResponse struct {
	Package json.RawMessage `json:"package"`
}

// APIError is returned when the source responds with an unexpected status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("redisq: HTTP %d: %s", e.StatusCode, e.Body)
}

// Client consumes packages from the queue.
type Client interface {
	// Poll runs up to maxPolls long-poll iterations and returns the
	// packages received, in arrival order. The sequence is finite and
	// non-restartable; empty polls are not errors.
	Poll(ctx context.Context, maxPolls int) ([]Package, error)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default listen endpoint.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithWaitSecs sets the long-poll wait window, clamped to [1,10] seconds.
func WithWaitSecs(secs int) Option {
	return func(c *httpClient) {
		if secs < 1 {
			secs = 1
		}
		if secs > 10 {
			secs = 10
		}
		c.waitSecs = secs
	}
}

type httpClient struct {
	queueID   string
	userAgent string
	baseURL   string
	waitSecs  int
	http      *http.Client
	pacer     *rate.Limiter

	// mu serializes Poll: the source rejects overlapping requests for the
	// same queue identity with 429.
	mu sync.Mutex
}

// NewClient creates a poller for one queue identity.
func NewClient(queueID, userAgent string, opts ...Option) Client {
	c := &httpClient{
		queueID:   queueID,
		userAgent: userAgent,
		baseURL:   defaultBaseURL,
		waitSecs:  10,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		pacer: rate.NewLimiter(rate.Every(pollPace), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Poll(ctx context.Context, maxPolls int) ([]Package, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Package

	// Rate-limit retries re-run the current iteration; the total request
	// count is still bounded so a perpetually throttled source cannot
	// stall a tick forever.
	maxRequests := 2 * maxPolls
	requests := 0

	for polled := 0; polled < maxPolls && requests < maxRequests; {
		if err := c.pacer.Wait(ctx); err != nil {
			return out, eris.Wrap(err, "redisq: pacing wait")
		}
		requests++

		pkg, retryable, err := c.listen(ctx)
		if err != nil {
			if retryable {
				zap.L().Warn("redisq: rate limited, backing off",
					zap.String("queue_id", c.queueID))
				timer := time.NewTimer(rateLimitBackoff)
				select {
				case <-ctx.Done():
					timer.Stop()
					return out, eris.Wrap(ctx.Err(), "redisq: backoff interrupted")
				case <-timer.C:
				}
				continue
			}
			return out, err
		}

		polled++
		if pkg != nil {
			out = append(out, *pkg)
		}
	}

	return out, nil
}

// listen issues one long-poll request. A nil package with nil error is an
// empty poll. retryable is true only for a rate-limit response.
func (c *httpClient) listen(ctx context.Context) (pkg *Package, retryable bool, err error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, false, eris.Wrap(err, "redisq: parse base URL")
	}
	q := u.Query()
	q.Set("queueID", c.queueID)
	q.Set("ttw", strconv.Itoa(c.waitSecs))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false, eris.Wrap(err, "redisq: create request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, eris.Wrap(err, "redisq: listen")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, eris.Wrap(err, "redisq: read response")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var envelope listenResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, false, eris.Wrap(err, "redisq: decode envelope")
	}
	if len(envelope.Package) == 0 || string(envelope.Package) == "null" {
		return nil, false, nil
	}

	var p Package
	if err := json.Unmarshal(envelope.Package, &p); err != nil {
		return nil, false, eris.Wrap(err, "redisq: decode package")
	}
	p.Raw = envelope.Package

	return &p, false, nil
}
