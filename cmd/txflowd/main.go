// txflowd serves txflow orchestrators over HTTP.
//
// Configuration comes from an optional YAML file named by TXFLOW_CONFIG,
// then TXFLOW_* environment variables, then flags:
//
//	txflowd -backend sqlite -sqlite-dsn file:txflow.db -demo
//	TXFLOW_BACKEND=postgres TXFLOW_POSTGRES_DSN=postgres://... txflowd
//
// Workflows are registered in code; -demo installs workflow_1 and
// workflow_2.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/txflow"
	"github.com/petrijr/txflow/pkg/eventbus"
	"github.com/petrijr/txflow/pkg/httpapi"
	"github.com/petrijr/txflow/pkg/metrics"
	"github.com/petrijr/txflow/pkg/sweeper"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "txflowd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args, os.Getenv, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	if cfg.LogLevel > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promObs, err := metrics.New(reg)
	if err != nil {
		return err
	}
	opts := []txflow.Option{
		txflow.WithLogger(logger),
		txflow.WithObserver(txflow.NewCompositeObserver(txflow.NewLoggingObserver(logger), promObs)),
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}

	b, err := openBackend(ctx, cfg, rdb, logger, opts)
	if err != nil {
		return err
	}
	defer b.close()

	if cfg.Demo {
		if err := registerDemoWorkflows(b.orch); err != nil {
			return fmt.Errorf("register demo workflows: %w", err)
		}
	}

	// Definitions must be registered before recovery can resume anything.
	recovered, err := txflow.Recover(ctx, b.orch)
	if err != nil {
		logger.Error("recover_failed", slog.Any("error", err))
	} else if recovered > 0 {
		logger.Info("recovered", slog.Int("transactions", recovered))
	}

	sw, err := sweeper.New(b.orch, cfg.SweepSchedule, sweeper.WithLogger(logger))
	if err != nil {
		return err
	}
	sw.Start(ctx)
	defer sw.Stop()

	httpOpts := []httpapi.Option{
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(metrics.Handler(reg)),
	}
	if rdb != nil {
		bus := eventbus.NewRedisBus(rdb, cfg.RedisPrefix, logger)
		detach := bus.Attach(b.orch)
		defer detach()
		httpOpts = append(httpOpts, httpapi.WithEvents(bus))
	}
	if cfg.Workers > 0 {
		httpOpts = append(httpOpts, httpapi.WithWorker(b.worker))
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.New(b.orch, httpOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with the process context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		g.Go(func() error { return b.worker.Start(gctx, cfg.Workers) })
	}
	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.Addr), slog.String("backend", cfg.Backend), slog.Int("workers", cfg.Workers))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("stopped")
	return err
}
