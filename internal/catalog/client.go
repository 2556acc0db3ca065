package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"odin/internal/common"
	"odin/internal/logger"
	"odin/internal/metrics"
	"odin/internal/ratelimit"
)

// ErrUpstream wraps every failure talking to the STAC catalog
var ErrUpstream = errors.New("stac upstream error")

// DefaultResultLimit is the page size asked of the catalog per search
const DefaultResultLimit = 1000

// Options configures a Client
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	UserAgent   string
	ResultLimit int
	RateLimit   *ratelimit.Handler
	HTTPClient  *http.Client
}

// Client handles communication with the Brazil Data Cube STAC catalog
type Client struct {
	httpClient  *http.Client
	baseURL     string
	userAgent   string
	resultLimit int
	rateLimit   *ratelimit.Handler
	log         *slog.Logger
}

// NewClient creates a STAC client
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = common.NewHTTPClient(opts.Timeout)
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = common.DefaultSTACURL
	}
	limit := opts.ResultLimit
	if limit <= 0 {
		limit = DefaultResultLimit
	}
	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		userAgent:   opts.UserAgent,
		resultLimit: limit,
		rateLimit:   opts.RateLimit,
		log:         logger.For("catalog"),
	}
}

// do sends a request and returns the body of a 200 response
func (c *Client) do(req *http.Request, operation string) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.UpstreamDuration.WithLabelValues(common.ProviderSTAC, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(common.ProviderSTAC, operation, "error").Inc()
		return nil, fmt.Errorf("%w: %s request failed: %w", ErrUpstream, operation, err)
	}
	defer resp.Body.Close()

	if c.rateLimit != nil {
		c.rateLimit.CheckResponse(common.ProviderSTAC, resp)
	}
	metrics.UpstreamRequests.WithLabelValues(common.ProviderSTAC, operation, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		// drain so the connection can be reused; the body never leaves this package
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s request failed with status: %d", ErrUpstream, operation, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s response: %w", ErrUpstream, operation, err)
	}
	return data, nil
}

// ListCollections returns the id and title of every catalog collection
func (c *Client) ListCollections(ctx context.Context) ([]Collection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/collections", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	data, err := c.do(req, "collections")
	if err != nil {
		return nil, err
	}

	var parsed collectionsResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to parse collections: %w", ErrUpstream, err)
	}
	if parsed.Collections == nil {
		parsed.Collections = []Collection{}
	}

	c.log.Debug("listed collections", "count", len(parsed.Collections))
	return parsed.Collections, nil
}

// Search runs one STAC search and projects the features. Items are returned
// as the catalog sent them, without dedup or filtering.
func (c *Client) Search(ctx context.Context, sr common.SearchRequest) ([]common.SearchItem, error) {
	payload := NewSearchPayload(sr.Point, sr.Collections, sr.DateRange, c.resultLimit)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	data, err := c.do(req, "search")
	if err != nil {
		return nil, err
	}

	var fc featureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse search response: %w", ErrUpstream, err)
	}

	items := make([]common.SearchItem, 0, len(fc.Features))
	for _, f := range fc.Features {
		items = append(items, Project(f))
	}

	c.log.Debug("search done", "collections", len(sr.Collections), "items", len(items))
	return items, nil
}

// GetItemRaw fetches one STAC item document verbatim
func (c *Client) GetItemRaw(ctx context.Context, collection, itemID string) ([]byte, error) {
	if collection == "" || itemID == "" {
		return nil, errors.New("collection and item id are required")
	}

	itemURL := fmt.Sprintf("%s/collections/%s/items/%s", c.baseURL, url.PathEscape(collection), url.PathEscape(itemID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, itemURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return c.do(req, "item")
}
