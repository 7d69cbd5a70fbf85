package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericvolp12/bsky-experiments/pkg/tracing"
	"github.com/ericvolp12/keyword-feed/pkg/api"
	"github.com/ericvolp12/keyword-feed/pkg/archive"
	"github.com/ericvolp12/keyword-feed/pkg/crawl"
	"github.com/ericvolp12/keyword-feed/pkg/feed"
	"github.com/ericvolp12/keyword-feed/pkg/remote"
	"github.com/ericvolp12/keyword-feed/pkg/scheduler"
	"github.com/ericvolp12/keyword-feed/pkg/store"
	"github.com/ericvolp12/keyword-feed/pkg/stream"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:    "feedgen",
		Usage:   "keyword feed generator: firehose ingester, account crawler and feed API",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "ws-url",
			Usage:   "full websocket path to the ATProto SubscribeRepos XRPC endpoint",
			Value:   "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos",
			EnvVars: []string{"FEEDGEN_WS_URL"},
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "port to serve the http server on",
			Value:   8080,
			EnvVars: []string{"FEEDGEN_PORT"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			Value:   false,
			EnvVars: []string{"FEEDGEN_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "/data/feedgen.db",
			EnvVars: []string{"FEEDGEN_SQLITE_PATH"},
		},
		&cli.BoolFlag{
			Name:    "migrate-db",
			Usage:   "run database migrations",
			Value:   true,
			EnvVars: []string{"FEEDGEN_MIGRATE_DB"},
		},
		&cli.StringFlag{
			Name:    "keyword",
			Usage:   "posts whose text contains this keyword (case-insensitive) are indexed from the firehose",
			Value:   "alf",
			EnvVars: []string{"FEEDGEN_KEYWORD"},
		},
		&cli.StringFlag{
			Name:    "identifier",
			Usage:   "handle or DID the crawler logs in as",
			EnvVars: []string{"FEEDGEN_PUBLISHER_IDENTIFIER"},
		},
		&cli.StringFlag{
			Name:    "app-password",
			Usage:   "app password for the crawler account",
			EnvVars: []string{"FEEDGEN_APP_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "query",
			Usage:   "space separated search terms used to discover accounts to crawl",
			EnvVars: []string{"FEEDGEN_QUERY"},
		},
		&cli.StringFlag{
			Name:    "pds-host",
			Usage:   "host of the service the crawler talks to (with protocol)",
			Value:   remote.DefaultHost,
			EnvVars: []string{"FEEDGEN_PDS_HOST"},
		},
		&cli.DurationFlag{
			Name:    "crawl-interval",
			Usage:   "how often to crawl discovered accounts (0 disables crawling)",
			Value:   10 * time.Minute,
			EnvVars: []string{"FEEDGEN_CRAWL_INTERVAL"},
		},
		&cli.IntFlag{
			Name:    "crawl-max-feed-pages",
			Usage:   "maximum number of author feed pages read per account",
			Value:   1,
			EnvVars: []string{"FEEDGEN_CRAWL_MAX_FEED_PAGES"},
		},
		&cli.Float64Flag{
			Name:    "crawl-rate-limit",
			Usage:   "rate limit for crawler requests in requests per second",
			Value:   5,
			EnvVars: []string{"FEEDGEN_CRAWL_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "hostname",
			Usage:   "public hostname of this feed generator, used for its did:web",
			Value:   "localhost",
			EnvVars: []string{"FEEDGEN_HOSTNAME"},
		},
		&cli.StringFlag{
			Name:    "publisher-did",
			Usage:   "DID of the account that publishes the feed generator record",
			EnvVars: []string{"FEEDGEN_PUBLISHER_DID"},
		},
		&cli.StringFlag{
			Name:    "feed-name",
			Usage:   "record key of the feed generator record",
			Value:   "alf",
			EnvVars: []string{"FEEDGEN_FEED_NAME"},
		},
		&cli.DurationFlag{
			Name:    "liveness-window",
			Usage:   "exit if the firehose sequence has not advanced within this window (0 disables)",
			Value:   time.Minute,
			EnvVars: []string{"FEEDGEN_LIVENESS_WINDOW"},
		},
		&cli.StringFlag{
			Name:    "parquet-dir",
			Usage:   "directory to archive newly indexed posts to as parquet files (empty disables)",
			EnvVars: []string{"FEEDGEN_PARQUET_DIR"},
		},
		&cli.IntFlag{
			Name:    "parquet-batch-size",
			Usage:   "number of posts per parquet file",
			Value:   10_000,
			EnvVars: []string{"FEEDGEN_PARQUET_BATCH_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "parquet-max-batch-wait",
			Usage:   "maximum time before a partial parquet batch is written",
			Value:   5 * time.Minute,
			EnvVars: []string{"FEEDGEN_PARQUET_MAX_BATCH_WAIT"},
		},
		&cli.StringFlag{
			Name:    "bigquery-project-id",
			Usage:   "Google Cloud project ID for BigQuery",
			EnvVars: []string{"FEEDGEN_BIGQUERY_PROJECT_ID"},
		},
		&cli.StringFlag{
			Name:    "bigquery-dataset",
			Usage:   "BigQuery dataset name",
			EnvVars: []string{"FEEDGEN_BIGQUERY_DATASET"},
		},
		&cli.StringFlag{
			Name:    "bigquery-table-prefix",
			Usage:   "BigQuery table name prefix",
			Value:   "posts",
			EnvVars: []string{"FEEDGEN_BIGQUERY_TABLE_PREFIX"},
		},
	}

	app.Action = FeedGen

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// FeedGen runs the firehose ingester, the periodic crawler and the feed API
// until a signal arrives or a critical routine fails.
func FeedGen(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	// Closed when a critical routine wants the process to exit
	kill := make(chan struct{})

	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))
	slog.SetDefault(slog.New(logger.Handler()))

	logger.Info("starting up")

	// Registers a tracer Provider globally if the exporter endpoint is set
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		logger.Info("registering global tracer provider")
		shutdown, err := tracing.InstallExportPipeline(ctx, "keyword-feed", 1)
		if err != nil {
			logger.Error("failed to install export pipeline", "error", err)
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown export pipeline", "error", err)
			}
		}()
	}

	st, err := store.NewStore(logger, cctx.String("sqlite-path"), cctx.Bool("migrate-db"))
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	mirrors, closeMirrors, err := setupArchive(ctx, cctx, logger)
	if err != nil {
		logger.Error("failed to set up archive", "error", err)
		return err
	}
	defer closeMirrors()

	var archiver feed.Archiver
	if len(mirrors) > 0 {
		archiver = mirrors
	}

	pipeline, err := feed.NewPipeline(logger, st, cctx.String("keyword"), archiver)
	if err != nil {
		logger.Error("failed to create pipeline", "error", err)
		return err
	}

	userAgent := fmt.Sprintf("keyword-feed/%s", cctx.App.Version)

	s, err := stream.NewStream(logger, cctx.String("ws-url"), userAgent, pipeline, st)
	if err != nil {
		logger.Error("failed to create stream", "error", err)
		return err
	}

	// Crawler on its own schedule; a run never overlaps the previous one
	var crawlScheduler *scheduler.Scheduler
	if interval := cctx.Duration("crawl-interval"); interval > 0 {
		client := remote.NewClient(logger, cctx.String("pds-host"), cctx.Float64("crawl-rate-limit"), userAgent)

		var crawlArchiver crawl.Archiver
		if len(mirrors) > 0 {
			crawlArchiver = mirrors
		}

		crawler := crawl.NewCrawler(logger, client, st, crawl.Config{
			Identifier:   cctx.String("identifier"),
			Password:     cctx.String("app-password"),
			Query:        cctx.String("query"),
			MaxFeedPages: cctx.Int("crawl-max-feed-pages"),
		}, crawlArchiver)

		crawlScheduler = scheduler.New("crawl", interval, func(ctx context.Context) error {
			_, err := crawler.Run(ctx)
			return err
		}, logger)
		crawlScheduler.Start(ctx)
	}

	// Start a goroutine to manage the liveness checker, shutting down if the sequence stops moving
	shutdownLivenessChecker := make(chan struct{})
	livenessCheckerShutdown := make(chan struct{})
	go func() {
		defer close(livenessCheckerShutdown)

		window := cctx.Duration("liveness-window")
		if window <= 0 {
			<-shutdownLivenessChecker
			return
		}

		ticker := time.NewTicker(window)
		defer ticker.Stop()
		lastSeq := int64(0)

		logger := logger.With("source", "liveness_checker")

		for {
			select {
			case <-shutdownLivenessChecker:
				logger.Info("shutting down liveness checker")
				return
			case <-ticker.C:
				seq := s.GetSeq()
				if seq == lastSeq {
					logger.Error("no new events within liveness window, shutting down for the supervisor to restart me", "last_seq", lastSeq, "window", window.String())
					close(kill)
					return
				}
				logger.Debug("received new events, resetting liveness timer", "last_seq", seq)
				lastSeq = seq
			}
		}
	}()

	var trigger api.CrawlTrigger
	if crawlScheduler != nil {
		trigger = crawlScheduler
	}

	h, err := api.NewAPI(ctx, logger, api.Config{
		Hostname:     cctx.String("hostname"),
		PublisherDID: cctx.String("publisher-did"),
		FeedName:     cctx.String("feed-name"),
	}, st, trigger)
	if err != nil {
		logger.Error("failed to create api", "error", err)
		return err
	}

	logger.Info("serving feed", "feed_uri", h.FeedURI())

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(slogecho.New(logger))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace: "feedgen",
		HistogramOptsFunc: func(opts prometheus.HistogramOpts) prometheus.HistogramOpts {
			opts.Buckets = prometheus.ExponentialBuckets(0.00001, 2, 20)
			return opts
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "keyword feed generator")
	})
	h.RegisterRoutes(e)
	echopprof.Wrap(e)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cctx.Int("port")),
		Handler: e,
	}

	// Startup HTTP server
	shutdownHTTPServer := make(chan struct{})
	httpServerShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "http_server")

		logger.Info("http server listening on port", "port", cctx.Int("port"))

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("failed to start http server", "error", err)
			}
		}()
		<-shutdownHTTPServer
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down http server", "error", err)
		}
		logger.Info("http server shut down")
		close(httpServerShutdown)
	}()

	// Run the stream in a goroutine
	streamKill := make(chan struct{})
	streamShutdownFinished := make(chan struct{})
	go func() {
		logger := logger.With("source", "stream")

		logger.Info("starting stream")
		err := s.Start(ctx)
		if err != nil {
			logger.Error("stream returned an error", "error", err)
			close(streamKill)
		}
		logger.Info("stream shut down")
		close(streamShutdownFinished)
	}()

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("received signal, shutting down")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case <-kill:
		logger.Info("shutting down due to liveness checker")
	case <-streamKill:
		logger.Info("shutting down due to stream error")
	}

	logger.Info("shutting down, waiting for routines to finish")
	cancel()
	close(shutdownLivenessChecker)
	close(shutdownHTTPServer)

	<-livenessCheckerShutdown
	<-httpServerShutdown
	<-streamShutdownFinished
	if crawlScheduler != nil {
		crawlScheduler.Wait()
	}
	logger.Info("shutdown complete")

	return nil
}

// setupArchive builds the enabled archive mirrors. The returned func flushes
// and closes them.
func setupArchive(ctx context.Context, cctx *cli.Context, logger *slog.Logger) (archive.Multi, func(), error) {
	var mirrors archive.Multi
	var closers []func()

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if dir := cctx.String("parquet-dir"); dir != "" {
		logger.Info("parquet dir set, archiving posts to parquet", "dir", dir)
		p, err := archive.NewParquet(logger, dir, "posts", cctx.Int("parquet-batch-size"), cctx.Duration("parquet-max-batch-wait"))
		if err != nil {
			return nil, closeAll, fmt.Errorf("failed to create parquet archive: %w", err)
		}
		p.StartWriter()
		mirrors = append(mirrors, p)
		closers = append(closers, p.Shutdown)
	}

	if projectID := cctx.String("bigquery-project-id"); projectID != "" {
		logger.Info("bigquery project id set, starting bigquery client")
		bq, err := archive.NewBQ(
			ctx,
			projectID,
			cctx.String("bigquery-dataset"),
			cctx.String("bigquery-table-prefix"),
			5*time.Second,
			logger,
		)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("failed to create bigquery client: %w", err)
		}
		mirrors = append(mirrors, bq)
		closers = append(closers, func() {
			if err := bq.Close(); err != nil {
				logger.Error("failed to close bigquery client", "error", err)
			}
		})
	}

	return mirrors, closeAll, nil
}
