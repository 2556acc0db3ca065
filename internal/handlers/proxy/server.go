package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"odin/internal/cache"
	"odin/internal/catalog"
	"odin/internal/common"
	"odin/internal/correlate"
	"odin/internal/logger"
	"odin/internal/taskqueue"
	"odin/internal/wtss"
)

// Catalog is the STAC upstream as the proxy uses it
type Catalog interface {
	ListCollections(ctx context.Context) ([]catalog.Collection, error)
	Search(ctx context.Context, sr common.SearchRequest) ([]common.SearchItem, error)
	GetItemRaw(ctx context.Context, collection, itemID string) ([]byte, error)
}

// TimeSeries is the WTSS upstream as the proxy uses it
type TimeSeries interface {
	TimeSeriesRaw(ctx context.Context, q wtss.Query) ([]byte, error)
}

// Tasks is the search task queue behind the /searches routes
type Tasks interface {
	AddTask(task *taskqueue.SearchTask) error
	GetTask(id string) (*taskqueue.SearchTask, error)
	GetAllTasks() []*taskqueue.SearchTask
	CancelTask(id string) error
	DeleteTask(id string) error
	Watch(id string) (<-chan *taskqueue.SearchTask, func(), error)
	GetStatus() taskqueue.QueueStatus
}

// TrackFunc records an analytics event
type TrackFunc func(event string, properties map[string]any)

// Options configures a Server
type Options struct {
	Catalog    Catalog
	TimeSeries TimeSeries
	// Tasks is optional; without it the /searches routes are not registered
	Tasks Tasks
	// Cache holds rendered series of finished searches; nil disables it
	Cache *cache.ResponseCache

	Cleaner correlate.Cleaner
	MaxGap  time.Duration

	// RateLimit is requests per second per client IP; 0 disables limiting
	RateLimit   float64
	Burst       int
	CORSOrigins []string

	Track TrackFunc
	// Status adds entries to the /health body
	Status func() map[string]any
}

// Server is the catalog proxy HTTP server
type Server struct {
	echo       *echo.Echo
	catalog    Catalog
	timeSeries TimeSeries
	tasks      Tasks
	cache      *cache.ResponseCache
	cleaner    correlate.Cleaner
	maxGap     time.Duration
	origins    []string
	track      TrackFunc
	status     func() map[string]any
	log        *slog.Logger
}

// NewServer creates the proxy and registers its routes
func NewServer(opts Options) *Server {
	s := &Server{
		echo:       echo.New(),
		catalog:    opts.Catalog,
		timeSeries: opts.TimeSeries,
		tasks:      opts.Tasks,
		cache:      opts.Cache,
		cleaner:    opts.Cleaner,
		maxGap:     opts.MaxGap,
		origins:    opts.CORSOrigins,
		track:      opts.Track,
		status:     opts.Status,
		log:        logger.For("proxy"),
	}
	if s.maxGap <= 0 {
		s.maxGap = correlate.DefaultMaxGap
	}
	if s.cleaner.ScaleFactor == 0 {
		s.cleaner = correlate.DefaultCleaner()
	}
	if len(s.origins) == 0 {
		s.origins = []string{"*"}
	}
	if s.track == nil {
		s.track = func(string, map[string]any) {}
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == "/health" || c.Request().URL.Path == "/metrics"
		},
		LogStatus:   true,
		LogURI:      true,
		LogError:    true,
		LogMethod:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			rctx := c.Request().Context()
			if v.Error == nil {
				s.log.InfoContext(rctx, "request completed",
					"method", v.Method,
					"uri", v.URI,
					"status", v.Status,
					"latency_ms", v.Latency.Milliseconds())
			} else {
				s.log.ErrorContext(rctx, "request failed",
					"method", v.Method,
					"uri", v.URI,
					"status", v.Status,
					"latency_ms", v.Latency.Milliseconds(),
					"error", v.Error.Error())
			}
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("")
	if opts.RateLimit > 0 {
		api.Use(newClientLimiter(opts.RateLimit, opts.Burst).Middleware())
	}

	api.GET("/collections", s.handleCollections)
	api.POST("/stac-search", s.handleSTACSearch)
	api.GET("/stac-item-details", s.handleItemDetails)
	api.GET("/wtss-timeseries", s.handleTimeSeries)

	if s.tasks != nil {
		api.POST("/searches", s.handleCreateSearch)
		api.GET("/searches", s.handleListSearches)
		api.GET("/searches/:id", s.handleGetSearch)
		api.DELETE("/searches/:id", s.handleDeleteSearch)
		api.GET("/searches/:id/progress", s.handleSearchProgress)
		api.GET("/searches/:id/series/:collection", s.handleSearchSeries)
	}

	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	s.log.Info("catalog proxy listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start proxy server: %w", err)
	}
	return nil
}

// Serve serves on an existing listener until Shutdown is called
func (s *Server) Serve(listener net.Listener) error {
	s.echo.Listener = listener
	s.log.Info("catalog proxy listening", "addr", listener.Addr().String())
	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start proxy server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	body := map[string]any{"status": "ok"}
	if s.tasks != nil {
		body["queue"] = s.tasks.GetStatus()
	}
	if s.cache != nil {
		body["cache"] = s.cache.Stats()
	}
	if s.status != nil {
		for k, v := range s.status() {
			body[k] = v
		}
	}
	return c.JSON(http.StatusOK, body)
}
