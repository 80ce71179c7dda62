// Command devicebridge runs the controller-side endpoint: the WebSocket
// server devices connect to, the session registry, the dispatcher, and a
// Prometheus metrics listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/devicebridge/config"
	"github.com/c360/devicebridge/dispatch"
	"github.com/c360/devicebridge/metric"
	"github.com/c360/devicebridge/server"
	"github.com/c360/devicebridge/session"
)

const appName = "devicebridge"

// Version is stamped by the build.
var Version = "0.1.0"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n", r)
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "devicebridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to JSON config file")
		listenAddr = flag.String("listen", "", "override server listen address")
		logLevel   = flag.String("log-level", "", "override log level")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	metrics := metric.NewMetricsRegistry()

	registry := session.NewRegistry(logger, metrics,
		session.WithIdleTimeout(cfg.Session.IdleTimeout.Std()),
		session.WithSweepInterval(cfg.Session.SweepInterval.Std()))
	defer registry.Shutdown()

	dispatcher := dispatch.NewDispatcher(func(m dispatch.ProcessedMessage) {
		logger.Info("message processed",
			"kind", m.Kind, "sessionID", m.SessionID,
			"xmlBytes", m.XMLLength, "screenshotBytes", m.ScreenshotLength,
			"requestType", m.RequestType)
	}, logger, metrics)

	srv := server.NewServer(server.Config{
		ListenAddr: cfg.Server.ListenAddr,
		Path:       cfg.Server.Path,
		ReadLimit:  cfg.Server.ReadLimit,
		FrameRate:  cfg.Server.FrameRate,
		FrameBurst: cfg.Server.FrameBurst,
	}, registry, dispatcher, logger, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = &http.Server{
			Addr:    cfg.Metrics.ListenAddr,
			Handler: metrics.Handler(),
		}
		group.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.Metrics.ListenAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		select {
		case <-groupCtx.Done():
		case err := <-srv.ServeErr():
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return srv.Stop(10 * time.Second)
	})

	return group.Wait()
}
