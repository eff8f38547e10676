package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"
	"github.com/urfave/cli/v2"

	"github.com/pmarks/driverelay/pkg/drive"
	"github.com/pmarks/driverelay/pkg/ingest"
	"github.com/pmarks/driverelay/pkg/ledger"
	"github.com/pmarks/driverelay/pkg/watcher"
)

func main() {
	app := cli.App{
		Name:    "driverelay",
		Usage:   "relay new drive files into an ingestion dataset",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			EnvVars: []string{"DR_DEBUG"},
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "port to serve the http server on",
			Value:   8080,
			EnvVars: []string{"DR_PORT"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "./data/driverelay.db",
			EnvVars: []string{"DR_SQLITE_PATH"},
		},
		&cli.StringFlag{
			Name:    "temp-dir",
			Usage:   "directory for in-flight downloads",
			Value:   "./data/tmp",
			EnvVars: []string{"DR_TEMP_DIR"},
		},
		&cli.StringFlag{
			Name:     "webhook-url",
			Usage:    "public URL the drive notification system delivers to",
			Required: true,
			EnvVars:  []string{"DR_WEBHOOK_URL"},
		},
		&cli.StringFlag{
			Name:    "drive-host",
			Usage:   "base URL of the drive v3 API",
			Value:   "https://www.googleapis.com/drive/v3",
			EnvVars: []string{"DR_DRIVE_HOST"},
		},
		&cli.StringFlag{
			Name:     "drive-token",
			Usage:    "bearer token for the drive API",
			Required: true,
			EnvVars:  []string{"DR_DRIVE_TOKEN"},
		},
		&cli.Float64Flag{
			Name:    "drive-rate-limit",
			Usage:   "drive API request rate limit in requests per second",
			Value:   10,
			EnvVars: []string{"DR_DRIVE_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "ingest-url",
			Usage:   "base URL of the ingestion API",
			Value:   "https://api.dify.ai/v1",
			EnvVars: []string{"DR_INGEST_URL"},
		},
		&cli.StringFlag{
			Name:     "ingest-api-key",
			Usage:    "API key for the ingestion service",
			Required: true,
			EnvVars:  []string{"DR_INGEST_API_KEY"},
		},
		&cli.StringFlag{
			Name:     "ingest-dataset-id",
			Usage:    "dataset to ingest files into",
			Required: true,
			EnvVars:  []string{"DR_INGEST_DATASET_ID"},
		},
		&cli.DurationFlag{
			Name:    "upload-retry-ceiling",
			Usage:   "maximum elapsed time spent retrying one upload",
			Value:   2 * time.Minute,
			EnvVars: []string{"DR_UPLOAD_RETRY_CEILING"},
		},
		&cli.DurationFlag{
			Name:    "renewal-window",
			Usage:   "renew channels expiring within this window",
			Value:   6 * time.Hour,
			EnvVars: []string{"DR_RENEWAL_WINDOW"},
		},
		&cli.DurationFlag{
			Name:    "renewal-interval",
			Usage:   "interval between renewal scheduler sweeps",
			Value:   time.Hour,
			EnvVars: []string{"DR_RENEWAL_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "claim-timeout",
			Usage:   "age after which an unfinished claim is considered abandoned",
			Value:   15 * time.Minute,
			EnvVars: []string{"DR_CLAIM_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "debounce-interval",
			Usage:   "minimum spacing between change resolutions per folder",
			Value:   5 * time.Second,
			EnvVars: []string{"DR_DEBOUNCE_INTERVAL"},
		},
	}

	app.Action = DriveRelay

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// DriveRelay is the main function for the relay service
func DriveRelay(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	// Logging
	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))
	slog.SetDefault(slog.New(logger.Handler()))

	logger.Info("starting up")

	// Make sure the data directory exists before sqlite opens a file in it
	if err := os.MkdirAll(filepath.Dir(cctx.String("sqlite-path")), 0755); err != nil {
		logger.Error("failed to create data directory", "err", err)
		return err
	}

	lg, err := ledger.New(cctx.String("sqlite-path"), logger, cctx.Duration("claim-timeout"))
	if err != nil {
		logger.Error("failed to open ledger", "err", err)
		return err
	}

	token := cctx.String("drive-token")
	dc := drive.NewClient(
		cctx.String("drive-host"),
		func(ctx context.Context) (string, error) { return token, nil },
		logger,
		cctx.Float64("drive-rate-limit"),
	)

	ic := ingest.NewClient(
		cctx.String("ingest-url"),
		cctx.String("ingest-api-key"),
		cctx.String("ingest-dataset-id"),
		logger,
		cctx.Duration("upload-retry-ceiling"),
	)

	w, err := watcher.NewWatcher(logger, lg, dc, ic, watcher.Config{
		WebhookURL:    cctx.String("webhook-url"),
		TempDir:       cctx.String("temp-dir"),
		RenewalWindow: cctx.Duration("renewal-window"),
		TickInterval:  cctx.Duration("renewal-interval"),
		ClaimTimeout:  cctx.Duration("claim-timeout"),
		Debounce:      cctx.Duration("debounce-interval"),
	})
	if err != nil {
		logger.Error("failed to create watcher", "err", err)
		return err
	}

	// Clear downloads orphaned by a previous crash
	w.SweepTemp()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())

	echoProm := echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace: "driverelay",
		HistogramOptsFunc: func(opts prometheus.HistogramOpts) prometheus.HistogramOpts {
			opts.Buckets = prometheus.ExponentialBuckets(0.00001, 2, 20)
			return opts
		},
	})
	e.Use(echoProm)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/health", w.HandleHealth)
	e.POST("/webhook", w.HandleWebhook)
	e.POST("/setup", w.HandleSetup)
	e.GET("/files", w.HandleGetFiles)
	e.GET("/channels", w.HandleGetChannels)
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "driverelay")
	})
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
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down http server", "error", err)
		}
		logger.Info("http server shut down")
		close(httpServerShutdown)
	}()

	// Run the renewal scheduler in a goroutine
	schedulerShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "scheduler")

		logger.Info("starting renewal scheduler")
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("renewal scheduler returned an error", "error", err)
		}
		logger.Info("renewal scheduler shut down")
		close(schedulerShutdown)
	}()

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("received signal, shutting down")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.Info("shutting down, waiting for routines to finish")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := w.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down watcher", "error", err)
	}

	cancel()
	close(shutdownHTTPServer)

	<-httpServerShutdown
	<-schedulerShutdown
	logger.Info("shutdown complete")

	return nil
}
