// Package proxyclient talks to a running catalog proxy over its HTTP contract.
// It satisfies the orchestrator's searcher and time-series boundaries, so a
// search can run against a proxy instead of the upstream services.
package proxyclient

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

	"odin/internal/catalog"
	"odin/internal/common"
	"odin/internal/logger"
	"odin/internal/metrics"
	"odin/internal/wtss"
)

const provider = "odin_proxy"

// ErrProxy wraps every non-200 answer from the proxy
var ErrProxy = errors.New("catalog proxy error")

// Client is a catalog proxy client
type Client struct {
	httpClient *http.Client
	baseURL    string
	log        *slog.Logger
}

// New creates a client for the proxy at baseURL. A nil httpClient gets the
// default timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = common.NewHTTPClient(common.DefaultTimeout)
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		log:        logger.For("proxyclient"),
	}
}

type errorBody struct {
	Message string `json:"message"`
}

func (c *Client) do(req *http.Request, operation string, out any) error {
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.UpstreamDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(provider, operation, "error").Inc()
		return fmt.Errorf("failed to call proxy %s: %w", operation, err)
	}
	defer resp.Body.Close()
	metrics.UpstreamRequests.WithLabelValues(provider, operation, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read proxy %s response: %w", operation, err)
	}

	if resp.StatusCode != http.StatusOK {
		var body errorBody
		if json.Unmarshal(data, &body) == nil && body.Message != "" {
			return fmt.Errorf("%w: %s: %d %s", ErrProxy, operation, resp.StatusCode, body.Message)
		}
		return fmt.Errorf("%w: %s: status %d", ErrProxy, operation, resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse proxy %s response: %w", operation, err)
	}
	return nil
}

// ListCollections calls GET /collections
func (c *Client) ListCollections(ctx context.Context) ([]catalog.Collection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/collections", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var collections []catalog.Collection
	if err := c.do(req, "collections", &collections); err != nil {
		return nil, err
	}
	return collections, nil
}

type searchBody struct {
	Latitude    float64  `json:"latitude"`
	Longitude   float64  `json:"longitude"`
	Collections []string `json:"collections"`
	StartDate   string   `json:"startDate,omitempty"`
	EndDate     string   `json:"endDate,omitempty"`
}

// Search calls POST /stac-search for one batch
func (c *Client) Search(ctx context.Context, sr common.SearchRequest) ([]common.SearchItem, error) {
	body := searchBody{
		Latitude:    sr.Point.Lat,
		Longitude:   sr.Point.Lng,
		Collections: sr.Collections,
	}
	if sr.DateRange != nil {
		body.StartDate = sr.DateRange.Start
		body.EndDate = sr.DateRange.End
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stac-search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var items []common.SearchItem
	if err := c.do(req, "search", &items); err != nil {
		return nil, err
	}
	c.log.Debug("proxy search done", "collections", len(sr.Collections), "items", len(items))
	return items, nil
}

// TimeSeries calls GET /wtss-timeseries. The proxy requires both dates.
func (c *Client) TimeSeries(ctx context.Context, q wtss.Query) (*wtss.Response, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("invalid time series query: %w", err)
	}
	if q.StartDate == "" || q.EndDate == "" {
		return nil, errors.New("invalid time series query: start and end dates are required")
	}

	params := url.Values{}
	params.Set("coverage", q.Coverage)
	params.Set("latitude", strconv.FormatFloat(q.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(q.Longitude, 'f', -1, 64))
	params.Set("attributes", strings.Join(q.Attributes, ","))
	params.Set("startDate", q.StartDate)
	params.Set("endDate", q.EndDate)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/wtss-timeseries?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var resp wtss.Response
	if err := c.do(req, "timeseries", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
