// Command scraperctl is the coordinator's entrypoint: "serve" boots the full
// stack (store, pool, browser sessions, driver, uploader, scheduler, and the
// Control Facade's HTTP surface); every other subcommand is a thin client
// against a running serve instance's HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/browsersession"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/config"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/driver"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/extractor"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/facade"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/observability"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/pool"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/ratelimit"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/scheduler"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/store"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/store/mirror"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/uploader"
)

var (
	cfgFile string
	verbose bool
	apiAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scraperctl",
		Short: "scraperctl — resumable timeline-scraping coordinator",
		Long: `scraperctl orchestrates resumable, rate-limited scraping of target
accounts and keywords across a pool of isolated browser profiles, persists
records locally, and replicates them into an external tabular service.

"serve" runs the coordinator: job scheduler, extraction drivers, uploader,
and the Control Facade's HTTP surface. Every other subcommand is a client
that talks to a running "serve" instance over that HTTP surface.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "http://localhost:8080", "Control Facade API base URL (client subcommands)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(submitJobCmd())
	rootCmd.AddCommand(cancelJobCmd())
	rootCmd.AddCommand(restartJobCmd())
	rootCmd.AddCommand(listJobsCmd())
	rootCmd.AddCommand(getJobCmd())
	rootCmd.AddCommand(listRecordsCmd())
	rootCmd.AddCommand(setCategoryCmd())
	rootCmd.AddCommand(triggerUploadCmd())
	rootCmd.AddCommand(resetSyncCmd())
	rootCmd.AddCommand(exportRecordsCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if sigErr, ok := err.(interruptedError); ok && sigErr.interrupted {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

// interruptedError lets runServe report exit code 130 on SIGINT/SIGTERM
// without cobra printing a spurious error message.
type interruptedError struct{ interrupted bool }

func (interruptedError) Error() string { return "interrupted" }

// serveCmd creates the "serve" subcommand that boots the full coordinator.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator: scheduler, extraction drivers, uploader, and the Control Facade HTTP API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := buildLogger(cfg.Logging)

	db, err := store.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := config.ApplyPersisted(ctx, db, cfg); err != nil {
		return fmt.Errorf("apply persisted config: %w", err)
	}

	metrics := observability.NewMetrics()

	profilePool := pool.New(cfg.Pool.ProfileIDs, pool.Config{
		SwitchInterval:      cfg.Pool.SwitchInterval,
		MinInterUseGap:      cfg.Pool.MinInterUseGap,
		QuarantineThreshold: cfg.Pool.QuarantineThreshold,
		QuarantineTimeout:   cfg.Pool.QuarantineTimeout,
	})
	profilePool.SetQuarantineObserver(func() { metrics.ProfileQuarantined.Inc() })

	sessions := &sessionFactory{manager: browsersession.NewManager(cfg.Store.BrowserData, logger)}

	governor := ratelimit.New()
	governor.SetWaitObserver(func(d time.Duration) { metrics.RateGovernorWait.Observe(d.Seconds()) })

	ext := extractor.NewFallbackExtractor(extractor.NewCSSExtractor(logger), extractor.NewXPathExtractor(logger), logger)
	extractionDriver := driver.New(db, ext, driver.DefaultConfig(), logger)
	extractionDriver.SetStateObserver(metrics.ObserveJobState)
	extractionDriver.SetDeliveryObserver(func(inserted, duplicates int) {
		metrics.RecordsDelivered.Add(float64(inserted))
		metrics.RecordsDuplicate.Add(float64(duplicates))
	})
	extractionDriver.SetShortfallObserver(metrics.ShortfallTotal.Inc)

	if cfg.Store.MirrorEnabled {
		sink, err := mirror.New(cfg.Store.MirrorURI, cfg.Store.MirrorDatabase, cfg.Store.MirrorCollection, logger)
		if err != nil {
			return fmt.Errorf("open mirror: %w", err)
		}
		defer sink.Close()
		extractionDriver.SetMirror(sink)
	}

	sched := scheduler.New(db, profilePool, sessions, extractionDriver, scheduler.Config{
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		PollInterval:   cfg.Scheduler.PollInterval,
		JobDeadline:    cfg.Scheduler.JobDeadline,
	}, logger)
	sched.SetStateObserver(metrics.ObserveJobState)
	sched.SetLeaseWaitObserver(func(d time.Duration) { metrics.ProfileLeaseWait.Observe(d.Seconds()) })

	up := uploader.New(uploader.Config{
		AppID:      cfg.Uploader.AppID,
		AppSecret:  cfg.Uploader.AppSecret,
		DocToken:   cfg.Uploader.DocToken,
		TableID:    cfg.Uploader.TableID,
		BaseURL:    cfg.Uploader.BaseURL,
		MaxRetries: cfg.Uploader.MaxRetries,
	}, db, governor, logger)
	up.SetBatchObserver(func(outcome string, elapsed time.Duration, n int) {
		metrics.UploadBatchLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
		metrics.UploadRecordsTotal.WithLabelValues(outcome).Add(float64(n))
	})
	sched.SetUploader(up)

	ctrl := facade.New(sched, db, up, logger)
	apiServer := facade.NewServer(ctrl, facade.Defaults{
		Thresholds: types.Thresholds{
			MinLikes:   cfg.Defaults.MinLikes,
			MinReplies: cfg.Defaults.MinReplies,
			MinReposts: cfg.Defaults.MinReposts,
		},
		MaxRecords: cfg.Defaults.MaxRecords,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := sched.Start(runCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	httpServer := &http.Server{Addr: cfg.Facade.ListenAddr, Handler: apiServer.Handler()}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: metricsMux}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("control facade listening", "addr", cfg.Facade.ListenAddr)
		serveErrCh <- httpServer.ListenAndServe()
	}()
	if metricsServer != nil {
		go func() {
			logger.Info("metrics listening", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
		_ = httpServer.Shutdown(context.Background())
		if metricsServer != nil {
			_ = metricsServer.Shutdown(context.Background())
		}
		cmd.SilenceErrors = true
		cmd.SilenceUsage = true
		return interruptedError{interrupted: true}
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("facade server: %w", err)
		}
		return nil
	}
}

// sessionFactory adapts *browsersession.Manager (which returns *Session) to
// scheduler.SessionFactory (which must return driver.BrowserSession).
type sessionFactory struct {
	manager *browsersession.Manager
}

func (f *sessionFactory) Open(profileID string) (driver.BrowserSession, error) {
	return f.manager.Open(profileID)
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("scraperctl %s\n", config.Version)
		},
	}
}

// buildLogger creates the process-wide structured logger from the logging
// config; --verbose forces debug level regardless of the configured one.
func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	out := os.Stderr
	if cfg.Output == "stdout" {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}
