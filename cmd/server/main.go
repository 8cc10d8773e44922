// Command server runs the chart-rendering HTTP service: it loads
// configuration, wires the metrics collector, object-store adapter, task
// manager, and cleanup scheduler together, and serves the request layer
// with graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rambocode/echarts-server/internal/cleanup"
	"github.com/rambocode/echarts-server/internal/config"
	"github.com/rambocode/echarts-server/internal/httpapi"
	"github.com/rambocode/echarts-server/internal/logging"
	"github.com/rambocode/echarts-server/internal/manager"
	"github.com/rambocode/echarts-server/internal/metrics"
	"github.com/rambocode/echarts-server/internal/objectstore"
	"github.com/rambocode/echarts-server/internal/render"
	"github.com/rambocode/echarts-server/internal/taskqueue"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())

	var store objectstore.Adapter
	if cfg.OSS.Configured() {
		client, err := objectstore.New(ctx, objectstore.Config{
			AccessKeyID:     cfg.OSS.AccessKeyID,
			AccessKeySecret: cfg.OSS.AccessKeySecret,
			Bucket:          cfg.OSS.Bucket,
			Region:          cfg.OSS.Region,
			CustomDomain:    cfg.OSS.CustomDomain,
			PathPrefix:      cfg.OSS.PathPrefix,
		})
		if err != nil {
			logging.Log.Fatal().Err(err).Msg("could not construct object-store adapter")
		}
		store = client
	} else {
		logging.Log.Warn().Msg("object store unconfigured, completed tasks will carry inline data URLs")
	}

	collector := metrics.New()

	mgr := manager.New(manager.Config{
		Queue: taskqueue.Config{
			MaxConcurrent: cfg.Queue.MaxConcurrent,
			TaskTimeout:   time.Duration(cfg.Queue.TaskTimeoutSec) * time.Second,
			RetryAttempts: cfg.Queue.RetryAttempts,
		},
		TaskRetentionDays: cfg.RetentionDays,
	}, render.BasicRenderer{}, store, collector)

	scheduler := cleanup.New(cleanup.Config{
		CleanupHour: cfg.CleanupHour,
		MaxRetries:  cfg.CleanupMaxRetries,
	}, mgr)

	router := httpapi.NewRouter(mgr, scheduler)
	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: router,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logging.Log.Info().Msg("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		scheduler.Stop()
		mgr.Destroy()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Log.Error().Err(err).Msg("http server shutdown error")
		}
	}()

	logging.Log.Info().Int("port", cfg.Port).Msg("echarts-server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Log.Fatal().Err(err).Msg("http server exited with error")
	}
}
