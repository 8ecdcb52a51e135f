// Package esi is a self-throttling client for the EVE Swagger Interface.
// Responses are cached per client instance (ETag + body); the cache is
// scoped to one orchestrator run and never persisted.
package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Default base URL for the latest ESI compatibility route.
const defaultBaseURL = "https://esi.evetech.net/latest"

const (
	headerErrorRemain = "X-ESI-Error-Limit-Remain"
	headerErrorReset  = "X-ESI-Error-Limit-Reset"

	// errorBudgetFloor is the remaining-error count at or below which the
	// client sleeps out the reset window instead of risking a ban.
	errorBudgetFloor = 10

	// maxThrottleSleep caps the proactive throttle sleep.
	maxThrottleSleep = 30 * time.Second
)

// Client defines the ESI operations the pipeline uses. All accessors are
// pure lookups with no side effects beyond the per-run cache.
type Client interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Killmail(ctx context.Context, killmailID int64, hash string) (*Killmail, error)
	SystemName(ctx context.Context, systemID int64) (string, error)
	Stargate(ctx context.Context, stargateID int64) (*Stargate, error)
	CorporationName(ctx context.Context, corporationID int64) (string, error)
	Type(ctx context.Context, typeID int64) (*TypeInfo, error)
	Group(ctx context.Context, groupID int64) (*GroupInfo, error)
}

// APIError is returned when ESI responds with a non-304, non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("esi: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
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

type cacheEntry struct {
	etag string
	body json.RawMessage
}

// httpClient implements Client using net/http. Not safe for concurrent use;
// the pipeline is single-threaded per run.
type httpClient struct {
	userAgent string
	baseURL   string
	http      *http.Client
	cache     map[string]cacheEntry
}

// NewClient creates a new ESI client with an empty per-run cache.
func NewClient(userAgent string, opts ...Option) Client {
	c := &httpClient{
		userAgent: userAgent,
		baseURL:   defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cache: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get fetches a resource path, serving repeat lookups from the cache.
func (c *httpClient) Get(ctx context.Context, path string) (json.RawMessage, error) {
	url := c.baseURL + path

	entry, cached := c.cache[url]
	if cached && entry.body != nil {
		return entry.body, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "esi: create request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if cached && entry.etag != "" {
		req.Header.Set("If-None-Match", entry.etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "esi: GET %s", path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "esi: read response for %s", path)
	}

	// The error budget headers arrive on every response, including errors
	// and 304s; inspect them before deciding anything else.
	if err := c.respectErrorBudget(ctx, resp.Header); err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotModified {
		return entry.body, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	entry = cacheEntry{body: json.RawMessage(data)}
	if tag := resp.Header.Get("ETag"); tag != "" {
		entry.etag = tag
	}
	c.cache[url] = entry

	return entry.body, nil
}

// respectErrorBudget sleeps out the reset window when the remaining error
// budget is at or below the floor. Malformed headers are ignored.
func (c *httpClient) respectErrorBudget(ctx context.Context, h http.Header) error {
	remain, err := strconv.Atoi(h.Get(headerErrorRemain))
	if err != nil {
		return nil
	}
	reset, err := strconv.Atoi(h.Get(headerErrorReset))
	if err != nil {
		return nil
	}
	if remain > errorBudgetFloor {
		return nil
	}

	sleep := time.Duration(reset+1) * time.Second
	if sleep > maxThrottleSleep {
		sleep = maxThrottleSleep
	}
	zap.L().Warn("esi: error budget low, throttling",
		zap.Int("remain", remain),
		zap.Int("reset_secs", reset),
		zap.Duration("sleep", sleep),
	)

	timer := time.NewTimer(sleep)
	select {
	case <-ctx.Done():
		timer.Stop()
		return eris.Wrap(ctx.Err(), "esi: throttle interrupted")
	case <-timer.C:
		return nil
	}
}

func (c *httpClient) getJSON(ctx context.Context, path string, out any) error {
	data, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrapf(err, "esi: decode %s", path)
	}
	return nil
}

// Killmail fetches the full killmail detail by id and verification hash.
func (c *httpClient) Killmail(ctx context.Context, killmailID int64, hash string) (*Killmail, error) {
	path := fmt.Sprintf("/killmails/%d/%s/", killmailID, hash)
	data, err := c.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	var km Killmail
	if err := json.Unmarshal(data, &km); err != nil {
		return nil, eris.Wrapf(err, "esi: decode killmail %d", killmailID)
	}
	km.Raw = data
	return &km, nil
}

// SystemName resolves a solar system id to its display name.
func (c *httpClient) SystemName(ctx context.Context, systemID int64) (string, error) {
	var sys System
	if err := c.getJSON(ctx, fmt.Sprintf("/universe/systems/%d/", systemID), &sys); err != nil {
		return "", err
	}
	return sys.Name, nil
}

// Stargate fetches a stargate object by id.
func (c *httpClient) Stargate(ctx context.Context, stargateID int64) (*Stargate, error) {
	var gate Stargate
	if err := c.getJSON(ctx, fmt.Sprintf("/universe/stargates/%d/", stargateID), &gate); err != nil {
		return nil, err
	}
	return &gate, nil
}

// CorporationName resolves a corporation id to its display name.
func (c *httpClient) CorporationName(ctx context.Context, corporationID int64) (string, error) {
	var corp Corporation
	if err := c.getJSON(ctx, fmt.Sprintf("/corporations/%d/", corporationID), &corp); err != nil {
		return "", err
	}
	return corp.Name, nil
}

// Type fetches item type metadata by id.
func (c *httpClient) Type(ctx context.Context, typeID int64) (*TypeInfo, error) {
	var ti TypeInfo
	if err := c.getJSON(ctx, fmt.Sprintf("/universe/types/%d/", typeID), &ti); err != nil {
		return nil, err
	}
	return &ti, nil
}

// Group fetches item group metadata by id.
func (c *httpClient) Group(ctx context.Context, groupID int64) (*GroupInfo, error) {
	var gi GroupInfo
	if err := c.getJSON(ctx, fmt.Sprintf("/universe/groups/%d/", groupID), &gi); err != nil {
		return nil, err
	}
	return &gi, nil
}
