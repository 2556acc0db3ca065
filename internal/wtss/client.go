package wtss

import (
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

// ErrUpstream wraps every failure talking to the WTSS service
var ErrUpstream = errors.New("wtss upstream error")

// Query identifies one time series: a coverage at a point, for some
// attributes, optionally bounded by calendar dates
type Query struct {
	Coverage   string
	Latitude   float64
	Longitude  float64
	Attributes []string
	StartDate  string
	EndDate    string
}

// Validate checks the fields the service requires
func (q Query) Validate() error {
	if q.Coverage == "" {
		return errors.New("coverage is required")
	}
	if len(q.Attributes) == 0 {
		return errors.New("at least one attribute is required")
	}
	return common.Point{Lat: q.Latitude, Lng: q.Longitude}.Validate()
}

func (q Query) values() url.Values {
	v := url.Values{}
	v.Set("coverage", q.Coverage)
	v.Set("latitude", strconv.FormatFloat(q.Latitude, 'f', -1, 64))
	v.Set("longitude", strconv.FormatFloat(q.Longitude, 'f', -1, 64))
	v.Set("attributes", strings.Join(q.Attributes, ","))
	if q.StartDate != "" {
		v.Set("start_date", q.StartDate)
	}
	if q.EndDate != "" {
		v.Set("end_date", q.EndDate)
	}
	return v
}

// Options configures a Client
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	UserAgent  string
	RateLimit  *ratelimit.Handler
	HTTPClient *http.Client
}

// Client handles communication with the Brazil Data Cube WTSS service
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	rateLimit  *ratelimit.Handler
	log        *slog.Logger
}

// NewClient creates a WTSS client
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = common.NewHTTPClient(opts.Timeout)
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = common.DefaultWTSSURL
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  opts.UserAgent,
		rateLimit:  opts.RateLimit,
		log:        logger.For("wtss"),
	}
}

// TimeSeriesRaw fetches the time_series document and returns it verbatim
func (c *Client) TimeSeriesRaw(ctx context.Context, q Query) ([]byte, error) {
	reqURL := c.baseURL + "/time_series?" + q.values().Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.UpstreamDuration.WithLabelValues(common.ProviderWTSS, "time_series").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(common.ProviderWTSS, "time_series", "error").Inc()
		return nil, fmt.Errorf("%w: failed to fetch time series: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if c.rateLimit != nil {
		c.rateLimit.CheckResponse(common.ProviderWTSS, resp)
	}
	metrics.UpstreamRequests.WithLabelValues(common.ProviderWTSS, "time_series", strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: time_series request failed with status: %d", ErrUpstream, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read time series: %w", ErrUpstream, err)
	}

	c.log.Debug("fetched time series", "coverage", q.Coverage, "attributes", len(q.Attributes), "bytes", len(data))
	return data, nil
}

// TimeSeries fetches and decodes a time series
func (c *Client) TimeSeries(ctx context.Context, q Query) (*Response, error) {
	data, err := c.TimeSeriesRaw(ctx, q)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to parse time series: %w", ErrUpstream, err)
	}
	return &resp, nil
}
