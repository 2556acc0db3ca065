package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"

	"github.com/posthog/posthog-go"
	"github.com/samber/lo"

	"odin/internal/cache"
	"odin/internal/catalog"
	"odin/internal/common"
	"odin/internal/config"
	"odin/internal/correlate"
	"odin/internal/handlers/proxy"
	"odin/internal/logger"
	"odin/internal/proxyclient"
	"odin/internal/ratelimit"
	"odin/internal/search"
	"odin/internal/taskqueue"
	"odin/internal/wtss"
)

// Linker flags
var (
	PostHogKey  string
	PostHogHost string
	AppVersion  string = "0.0.0-dev"
)

const analyticsDistinctID = "odin_backend"

// AppOptions tweaks how NewApp wires the services
type AppOptions struct {
	// ProxyURL sends batches and time-series requests through a running
	// catalog proxy instead of the upstream services
	ProxyURL string
	// Persist keeps queued search tasks on disk under the data directory
	Persist bool
	// Preferences defaults to a JSON file under the data directory
	Preferences config.PreferencesStore
}

type collectionLister interface {
	ListCollections(ctx context.Context) ([]catalog.Collection, error)
}

// App struct
type App struct {
	cfg              *config.Config
	mu               sync.Mutex
	rateLimitHandler *ratelimit.Handler
	stacClient       *catalog.Client
	wtssClient       *wtss.Client
	orchestrator     *search.Orchestrator
	collections      collectionLister
	timeSeries       search.TimeSeriesFetcher
	cleaner          correlate.Cleaner
	taskQueue        *taskqueue.QueueManager
	preferences      config.PreferencesStore
	phClient         posthog.Client
	log              *slog.Logger
}

// NewApp creates the App and every service it owns
func NewApp(cfg *config.Config, opts AppOptions) (*App, error) {
	log := logger.For("app")

	rateLimitHandler := ratelimit.NewHandler(nil)
	httpClient := common.NewHTTPClient(cfg.Upstream.Timeout.Duration)

	stacClient := catalog.NewClient(catalog.Options{
		BaseURL:     cfg.Upstream.STACURL,
		UserAgent:   cfg.Upstream.UserAgent,
		ResultLimit: cfg.Search.ResultLimit,
		RateLimit:   rateLimitHandler,
		HTTPClient:  httpClient,
	})
	wtssClient := wtss.NewClient(wtss.Options{
		BaseURL:    cfg.Upstream.WTSSURL,
		UserAgent:  cfg.Upstream.UserAgent,
		RateLimit:  rateLimitHandler,
		HTTPClient: httpClient,
	})

	var (
		searcher    search.Searcher          = stacClient
		timeSeries  search.TimeSeriesFetcher = wtssClient
		collections collectionLister         = stacClient
	)
	if opts.ProxyURL != "" {
		pc := proxyclient.New(opts.ProxyURL, httpClient)
		searcher, timeSeries, collections = pc, pc, pc
		log.Info("using catalog proxy", "url", opts.ProxyURL)
	}

	orchestrator := search.New(search.Options{
		Searcher:   searcher,
		TimeSeries: timeSeries,
		Worker:     taskqueue.NewWorker(cfg.Upstream.MinInterval.Duration),
		Normalizer: search.Normalizer{GroupPrefix: cfg.Search.GroupPrefix, Canonical: cfg.Search.GroupCollection},
		Attributes: wtss.DefaultAttributeTable().WithOverrides(cfg.Attributes),
		BatchSize:  cfg.Search.BatchSize,
	})

	storagePath := ""
	if opts.Persist {
		storagePath = cfg.TasksDir()
	}
	taskQueue, err := taskqueue.NewQueueManager(storagePath, cfg.Server.FinishedTasks)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize task queue: %w", err)
	}
	if storagePath != "" {
		log.Info("task queue initialized", "path", storagePath)
	}

	preferences := opts.Preferences
	if preferences == nil {
		preferences = config.NewFileStore(cfg.PreferencesPath())
	}

	// Initialize PostHog
	var phClient posthog.Client
	key, host := cfg.Analytics.PostHogKey, cfg.Analytics.PostHogHost
	if key == "" {
		key, host = PostHogKey, PostHogHost
	}
	if key != "" {
		client, err := posthog.NewWithConfig(key, posthog.Config{Endpoint: host})
		if err != nil {
			log.Warn("failed to initialize PostHog", "error", err)
		} else {
			phClient = client
		}
	}

	a := &App{
		cfg:              cfg,
		rateLimitHandler: rateLimitHandler,
		stacClient:       stacClient,
		wtssClient:       wtssClient,
		orchestrator:     orchestrator,
		collections:      collections,
		timeSeries:       timeSeries,
		cleaner: correlate.NewCleaner(
			cfg.Correlation.NoDataThreshold,
			cfg.Correlation.RescaleAttributes,
			cfg.Correlation.ScaleFactor,
		),
		taskQueue:   taskQueue,
		preferences: preferences,
		phClient:    phClient,
		log:         log,
	}
	a.setupRateLimitCallbacks()
	return a, nil
}

// Startup hooks the App into the task queue and starts its worker
func (a *App) Startup() {
	a.taskQueue.SetExecutor(a)
	a.taskQueue.SetCallbacks(
		func(status taskqueue.QueueStatus) {
			a.log.Debug("queue updated", "pending", status.PendingTasks, "running", status.CurrentTaskID)
		},
		func(taskID string, progress taskqueue.TaskProgress) {
			a.log.Debug("task progress", "task", taskID, "phase", progress.CurrentPhase, "percent", progress.Percent)
		},
		func(taskID string, success bool, err error) {
			props := map[string]interface{}{"success": success}
			if err != nil {
				props["error"] = err.Error()
			}
			a.TrackEvent("search_finished", props)
		},
	)
	a.taskQueue.Start()

	// Track app start
	a.TrackEvent("app_started", map[string]interface{}{
		"version": a.GetAppVersion(),
		"os":      goruntime.GOOS,
		"arch":    goruntime.GOARCH,
	})
}

// TrackEvent sends an event to PostHog
func (a *App) TrackEvent(event string, props map[string]interface{}) {
	if a.phClient != nil {
		if err := a.phClient.Enqueue(posthog.Capture{
			DistinctId: analyticsDistinctID,
			Event:      event,
			Properties: props,
		}); err != nil {
			a.log.Debug("failed to enqueue analytics event", "event", event, "error", err)
		}
	}
}

// Shutdown cleans up resources
func (a *App) Shutdown() {
	if a.taskQueue != nil {
		a.taskQueue.Close()
	}
	if a.phClient != nil {
		a.phClient.Close()
	}
}

// GetAppVersion returns the current application version
func (a *App) GetAppVersion() string {
	return AppVersion
}

// NewProxyServer builds the catalog proxy on top of the App's services
func (a *App) NewProxyServer() *proxy.Server {
	return proxy.NewServer(proxy.Options{
		Catalog:     a.stacClient,
		TimeSeries:  a.wtssClient,
		Tasks:       a.taskQueue,
		Cache:       cache.New("proxy", a.cfg.Cache.Entries, a.cfg.Cache.TTL.Duration),
		Cleaner:     a.cleaner,
		MaxGap:      a.cfg.Correlation.MaxGap.Duration,
		RateLimit:   a.cfg.Server.RateLimit,
		Burst:       a.cfg.Server.Burst,
		CORSOrigins: a.cfg.Server.CORS,
		Track:       a.TrackEvent,
		Status:      a.healthStatus,
	})
}

// ListCollections returns the catalog's collections
func (a *App) ListCollections(ctx context.Context) ([]catalog.Collection, error) {
	return a.collections.ListCollections(ctx)
}

// FetchTimeSeries requests one time series and returns its cleaned points.
// Coverage and attributes must be known to the attribute table.
func (a *App) FetchTimeSeries(ctx context.Context, q wtss.Query) (*wtss.Response, []correlate.CorrelatedPoint, error) {
	table := a.orchestrator.Attributes()
	if !table.Supported(q.Coverage) {
		return nil, nil, fmt.Errorf("coverage %s has no time series (known: %s)", q.Coverage, strings.Join(table.Collections(), ", "))
	}
	if unsupported := table.Unsupported(q.Coverage, q.Attributes); len(unsupported) > 0 {
		return nil, nil, fmt.Errorf("coverage %s does not provide %s", q.Coverage, strings.Join(unsupported, ", "))
	}

	resp, err := a.timeSeries.TimeSeries(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	return resp, correlate.Correlate(resp.Points(), nil, a.cleaner, a.cfg.Correlation.MaxGap.Duration), nil
}

// criteriaFor builds the orchestrator's criteria from a task
func criteriaFor(task *taskqueue.SearchTask) search.Criteria {
	point := task.Point
	return search.Criteria{
		Point:         &point,
		CollectionIDs: task.Collections,
		DateRange:     task.DateRange,
	}
}

// RunSearch runs the batched search for a task and, when the task asks for
// it, the time-series fan-out. The result is returned even on error so that
// a cancelled search keeps what it gathered.
func (a *App) RunSearch(ctx context.Context, task *taskqueue.SearchTask, onProgress func(taskqueue.TaskProgress)) (*taskqueue.TaskResult, error) {
	if onProgress == nil {
		onProgress = func(taskqueue.TaskProgress) {}
	}
	criteria := criteriaFor(task)

	onProgress(taskqueue.TaskProgress{CurrentPhase: taskqueue.PhaseSearching})
	outcome := a.orchestrator.Run(ctx, criteria, task.BatchSize, func(p search.Progress) {
		onProgress(taskqueue.TaskProgress{
			CurrentPhase:     taskqueue.PhaseSearching,
			BatchesTotal:     p.Total,
			BatchesCompleted: p.Completed,
			SearchFraction:   p.Fraction,
		})
	})

	result := &taskqueue.TaskResult{
		Items:         outcome.Items,
		BatchesTotal:  outcome.BatchesTotal,
		BatchesFailed: outcome.BatchesFailed,
	}
	switch {
	case ctx.Err() != nil:
		return result, ctx.Err()
	case errors.Is(outcome.Err, search.ErrInvalidCriteria):
		return result, outcome.Err
	case outcome.Err != nil:
		// every batch failed: an empty result, flagged rather than failed
		result.Diagnostic = outcome.Err.Error()
	}

	if task.FanOutMode == "" || len(result.Items) == 0 {
		return result, nil
	}

	fanOut := func(done, total int) {
		onProgress(taskqueue.TaskProgress{
			CurrentPhase:     taskqueue.PhaseFanOut,
			BatchesTotal:     outcome.BatchesTotal,
			BatchesCompleted: outcome.BatchesTotal,
			SearchFraction:   1,
			SeriesTotal:      total,
			SeriesCompleted:  done,
		})
	}
	fanOut(0, 0)
	set, skips := a.orchestrator.FanOut(ctx, criteria, result.Items, task.FanOutMode, task.Wishlist, fanOut)
	result.Series = set.All()
	result.Warnings = lo.Map(skips, func(skip search.FanOutSkip, _ int) string {
		return fmt.Sprintf("%s: %s", skip.Collection, skip.Reason)
	})

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

// ExecuteSearchTask implements the TaskExecutor interface
func (a *App) ExecuteSearchTask(ctx context.Context, task *taskqueue.SearchTask, progressChan chan<- taskqueue.TaskProgress) (*taskqueue.TaskResult, error) {
	a.log.Info("executing search task", "task", task.ID, "name", task.Name, "collections", len(task.Collections))
	return a.RunSearch(ctx, task, func(p taskqueue.TaskProgress) {
		progressChan <- p
	})
}

// CorrelateSeries cleans a fanned-out series and pairs each point with the
// nearest image of the same collection
func (a *App) CorrelateSeries(result *taskqueue.TaskResult, series wtss.Series) []correlate.CorrelatedPoint {
	if series.Response == nil {
		return nil
	}
	candidates := lo.Filter(result.Items, func(item common.SearchItem, _ int) bool {
		return item.Collection == series.Collection
	})
	return correlate.Correlate(series.Response.Points(), candidates, a.cleaner, a.cfg.Correlation.MaxGap.Duration)
}

// ExportSeries writes one CSV per fanned-out collection into dir and returns
// the written paths
func (a *App) ExportSeries(result *taskqueue.TaskResult, dir string) ([]string, error) {
	if len(result.Series) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	var paths []string
	for _, series := range result.Series {
		if series.Response == nil {
			continue
		}
		path := filepath.Join(dir, exportFileName(series.Collection))
		f, err := os.Create(path)
		if err != nil {
			return paths, fmt.Errorf("failed to create export file: %w", err)
		}

		attributes := series.Response.AttributeNames()
		if len(attributes) == 0 {
			attributes = series.Attributes
		}
		err = correlate.WriteCSV(f, attributes, a.CorrelateSeries(result, series))
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			return paths, fmt.Errorf("failed to export %s: %w", series.Collection, err)
		}
		paths = append(paths, path)
	}
	a.TrackEvent("series_exported", map[string]interface{}{"files": len(paths)})
	return paths, nil
}

func exportFileName(collection string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, collection)
	return safe + "_timeseries.csv"
}
