package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/samber/lo"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"odin/internal/common"
	"odin/internal/config"
	"odin/internal/correlate"
	"odin/internal/logger"
	"odin/internal/taskqueue"
	"odin/internal/wtss"
)

const shutdownTimeout = 10 * time.Second

// loadConfig reads the configuration named by the root flags and sets up logging
func loadConfig(c *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if level := c.String("log-level"); level != "" {
		cfg.Server.LogLevel = level
	}
	if c.Bool("debug") {
		cfg.Server.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Init(cfg.Server.LogLevel, cfg.Server.LogFormat)
	return cfg, nil
}

func proxyFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "proxy",
		Usage: "Base URL of a running catalog proxy to use instead of the upstream services",
	}
}

// serveCommand creates the serve command
func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the catalog proxy HTTP server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address; overrides the config file",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if addr := c.String("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app, err := NewApp(cfg, AppOptions{Persist: true})
	if err != nil {
		return err
	}
	app.Startup()
	defer app.Shutdown()

	server := app.NewProxyServer()
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start(cfg.Server.Addr)
	})

	g.Go(func() error {
		<-gCtx.Done()
		app.log.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	app.log.Info("server exited properly")
	return nil
}

// collectionsCommand creates the collections command
func collectionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "collections",
		Usage: "List catalog collections",
		Flags: []cli.Flag{proxyFlag()},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			app, err := NewApp(cfg, AppOptions{ProxyURL: c.String("proxy")})
			if err != nil {
				return err
			}
			defer app.Shutdown()

			collections, err := app.ListCollections(ctx)
			if err != nil {
				return fmt.Errorf("listing collections: %w", err)
			}
			for _, col := range collections {
				fmt.Printf("%-32s %s\n", col.ID, col.Title)
			}
			fmt.Printf("\n%d collections\n", len(collections))
			return nil
		},
	}
}

// searchCommand creates the search command
func searchCommand() *cli.Command {
	return &cli.Command{
		Name:  "search",
		Usage: "Search the catalog at a point and fetch time series for the results",
		Description: "Flags left unset fall back to the last saved search preferences.\n" +
			"The inputs of every search are saved as the new preferences unless --no-save is given.",
		Flags: []cli.Flag{
			&cli.FloatFlag{Name: "lat", Usage: "Latitude of the point"},
			&cli.FloatFlag{Name: "lng", Usage: "Longitude of the point"},
			&cli.StringSliceFlag{Name: "collections", Usage: "Collection ids to search (comma separated or repeated)"},
			&cli.StringFlag{Name: "start", Usage: "Start date (YYYY-MM-DD)"},
			&cli.StringFlag{Name: "end", Usage: "End date (YYYY-MM-DD)"},
			&cli.IntFlag{Name: "batch-size", Usage: "Collections per catalog request; 0 uses the config value"},
			&cli.StringFlag{Name: "mode", Usage: "Time-series fan-out: all, wishlist or none"},
			&cli.StringSliceFlag{Name: "attributes", Usage: "Wishlist attributes for --mode wishlist"},
			&cli.StringFlag{Name: "export-dir", Usage: "Write one CSV per fanned-out collection into this directory"},
			&cli.BoolFlag{Name: "json", Usage: "Print the full result as JSON"},
			&cli.BoolFlag{Name: "no-save", Usage: "Do not store this search as the new preferences"},
			proxyFlag(),
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			app, err := NewApp(cfg, AppOptions{ProxyURL: c.String("proxy")})
			if err != nil {
				return err
			}
			defer app.Shutdown()

			task, err := searchTaskFromFlags(c, app)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			result, err := app.RunSearch(ctx, task, func(p taskqueue.TaskProgress) {
				task.UpdateProgress(p)
				fmt.Fprintf(os.Stderr, "\r%-9s %3d%%", task.Progress.CurrentPhase, task.Progress.Percent)
			})
			fmt.Fprintln(os.Stderr)
			if err != nil {
				if result != nil && len(result.Items) > 0 {
					fmt.Fprintf(os.Stderr, "search stopped early, %d items gathered\n", len(result.Items))
				}
				return fmt.Errorf("search failed: %w", err)
			}

			if !c.Bool("no-save") {
				if err := app.RememberSearch(task); err != nil {
					app.log.Warn("failed to save preferences", "error", err)
				}
			}

			if c.Bool("json") {
				if err := printJSON(os.Stdout, result); err != nil {
					return err
				}
			} else {
				printResult(os.Stdout, app, result)
			}

			if dir := c.String("export-dir"); dir != "" {
				paths, err := app.ExportSeries(result, dir)
				if err != nil {
					return err
				}
				for _, p := range paths {
					fmt.Fprintf(os.Stderr, "exported %s\n", p)
				}
			}
			return nil
		},
	}
}

// searchTaskFromFlags builds a search task from flags, falling back to the
// saved preferences for anything not given
func searchTaskFromFlags(c *cli.Command, app *App) (*taskqueue.SearchTask, error) {
	prefs, err := app.GetPreferences()
	if err != nil {
		app.log.Warn("ignoring saved preferences", "error", err)
		prefs = config.DefaultPreferences()
	}

	var point common.Point
	switch {
	case c.IsSet("lat") && c.IsSet("lng"):
		point = common.Point{Lat: c.Float("lat"), Lng: c.Float("lng")}
	case c.IsSet("lat") || c.IsSet("lng"):
		return nil, errors.New("--lat and --lng must be given together")
	case prefs.Point != nil:
		point = *prefs.Point
	default:
		return nil, errors.New("a point is required (--lat and --lng)")
	}

	collections := splitValues(c.StringSlice("collections"))
	if len(collections) == 0 {
		collections = prefs.Collections
	}
	if len(collections) == 0 {
		return nil, errors.New("at least one collection is required (--collections)")
	}

	dateRange := prefs.DateRange
	if c.IsSet("start") || c.IsSet("end") {
		dateRange = nil
		if start, end := c.String("start"), c.String("end"); start != "" && end != "" {
			dateRange = &common.DateRange{Start: start, End: end}
		}
	}

	mode := prefs.FanOutMode
	if c.IsSet("mode") {
		mode = c.String("mode")
	}
	if mode == "none" {
		mode = ""
	}
	if mode != "" {
		if err := common.ValidateFanOutMode(mode); err != nil {
			return nil, err
		}
	}

	wishlist := splitValues(c.StringSlice("attributes"))
	if len(wishlist) == 0 {
		wishlist = prefs.Attributes
	}
	if mode == common.FanOutWishlist && len(wishlist) == 0 {
		return nil, errors.New("--mode wishlist needs --attributes")
	}

	task := taskqueue.NewSearchTask(
		fmt.Sprintf("%d collections at %.4f, %.4f", len(collections), point.Lat, point.Lng),
		point, collections, dateRange,
	)
	task.BatchSize = c.Int("batch-size")
	task.FanOutMode = mode
	if mode == common.FanOutWishlist {
		task.Wishlist = wishlist
	}
	return task, nil
}

// splitValues splits comma separated values and drops blanks
func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printResult(w io.Writer, app *App, result *taskqueue.TaskResult) {
	fmt.Fprintf(w, "%d items from %d batches (%d failed)\n", len(result.Items), result.BatchesTotal, result.BatchesFailed)
	if result.Diagnostic != "" {
		fmt.Fprintf(w, "warning: %s\n", result.Diagnostic)
	}

	byCollection := lo.GroupBy(result.Items, func(item common.SearchItem) string { return item.Collection })
	for _, collection := range lo.Uniq(lo.Map(result.Items, func(item common.SearchItem, _ int) string { return item.Collection })) {
		items := byCollection[collection]
		fmt.Fprintf(w, "\n%s (%d)\n", collection, len(items))
		for _, item := range items {
			cloud := "-"
			if item.CloudCover != nil {
				cloud = fmt.Sprintf("%.1f%%", *item.CloudCover)
			}
			fmt.Fprintf(w, "  %-10s %-8s %s\n", item.Date, cloud, item.ID)
		}
	}

	for _, series := range result.Series {
		points := app.CorrelateSeries(result, series)
		matched := lo.CountBy(points, func(p correlate.CorrelatedPoint) bool { return p.Nearest != nil })
		fmt.Fprintf(w, "\ntime series %s [%s] %s..%s: %d points, %d with an image within %s\n",
			series.Collection, strings.Join(series.Attributes, ", "),
			series.Window.Start, series.Window.End, len(points), matched, app.cfg.Correlation.MaxGap.Duration)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "skipped time series %s\n", warning)
	}
}

// timeseriesCommand creates the timeseries command
func timeseriesCommand() *cli.Command {
	return &cli.Command{
		Name:  "timeseries",
		Usage: "Fetch one WTSS time series and print the cleaned values",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "coverage", Usage: "Collection id", Required: true},
			&cli.FloatFlag{Name: "lat", Usage: "Latitude of the point", Required: true},
			&cli.FloatFlag{Name: "lng", Usage: "Longitude of the point", Required: true},
			&cli.StringSliceFlag{Name: "attributes", Usage: "Attributes; defaults to every supported attribute"},
			&cli.StringFlag{Name: "start", Usage: "Start date (YYYY-MM-DD)"},
			&cli.StringFlag{Name: "end", Usage: "End date (YYYY-MM-DD)"},
			&cli.StringFlag{Name: "format", Usage: "Output format: table, csv or json", Value: "table"},
			proxyFlag(),
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			app, err := NewApp(cfg, AppOptions{ProxyURL: c.String("proxy")})
			if err != nil {
				return err
			}
			defer app.Shutdown()

			coverage := c.String("coverage")
			attributes := splitValues(c.StringSlice("attributes"))
			if len(attributes) == 0 {
				attributes = app.orchestrator.Attributes().Attributes(coverage)
			}

			resp, points, err := app.FetchTimeSeries(ctx, wtss.Query{
				Coverage:   coverage,
				Latitude:   c.Float("lat"),
				Longitude:  c.Float("lng"),
				Attributes: attributes,
				StartDate:  c.String("start"),
				EndDate:    c.String("end"),
			})
			if err != nil {
				return fmt.Errorf("fetching time series: %w", err)
			}

			names := resp.AttributeNames()
			switch c.String("format") {
			case "json":
				return printJSON(os.Stdout, correlate.ChartDatasets(coverage, names, points))
			case "csv":
				return correlate.WriteCSV(os.Stdout, names, points)
			default:
				fmt.Printf("%-12s", "date")
				for _, name := range names {
					fmt.Printf(" %12s", name)
				}
				fmt.Println()
				for _, p := range points {
					fmt.Printf("%-12s", p.Timestamp)
					for _, name := range names {
						if v := p.Values[name]; v != nil {
							fmt.Printf(" %12.4f", *v)
						} else {
							fmt.Printf(" %12s", "-")
						}
					}
					fmt.Println()
				}
				return nil
			}
		},
	}
}

// configCommand creates the config command
func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the configuration file",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write the default configuration to --config",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					path := c.String("config")
					if _, err := os.Stat(path); err == nil && !c.Bool("force") {
						return fmt.Errorf("%s already exists (use --force to overwrite)", path)
					}
					if err := config.Default().Save(path); err != nil {
						return err
					}
					fmt.Printf("wrote %s\n", path)
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "Print the effective configuration",
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					return printJSON(os.Stdout, cfg)
				},
			},
		},
	}
}

// versionCommand creates the version command
func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(ctx context.Context, c *cli.Command) error {
			fmt.Println(AppVersion)
			return nil
		},
	}
}
