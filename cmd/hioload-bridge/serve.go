// File: cmd/hioload-bridge/serve.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-bridge/control"
	"github.com/momentics/hioload-bridge/server"
)

type serveOptions struct {
	configPath      string
	shmDir          string
	metricsAddr     string
	approveCommands bool
	pollCPUs        []int
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backend engine on a shared memory directory",
		Long: `serve creates the control ring in the shared memory directory and serves
every client that announces its rings there. Metrics and a JSON state dump
are exposed over HTTP when metrics.addr is set.

The configuration file is watched; dispatch timeouts and the log level
are applied without restart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&opts.shmDir, "shm-dir", "", "shared memory directory (overrides shm_dir)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "HTTP address for /metrics and /debug/state (overrides metrics.addr)")
	f.IntSliceVar(&opts.pollCPUs, "poll-cpus", nil, "pin connection poll loops to these CPUs")
	f.BoolVar(&opts.approveCommands, "approve-commands", true, "ask the front-end before running external commands")
	return cmd
}

func runServe(parent context.Context, opts serveOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := control.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.shmDir != "" {
		cfg.ShmDir = opts.shmDir
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if cfg.ShmDir == "" {
		return fmt.Errorf("no shared memory directory: set shm_dir, %s or --shm-dir", control.EnvShmDir)
	}

	logger, level, err := control.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store := control.NewConfigStore(cfg)
	store.OnReload(control.LevelReloader(level, logger))
	metrics := control.NewMetrics()

	engineOpts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithShmDir(cfg.ShmDir),
		server.WithPollCPUs(opts.pollCPUs...),
	}
	if opts.configPath != "" {
		w, err := control.NewWatcher(opts.configPath, store, logger.Named("config"))
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, server.WithWatcher(w))
	}
	reg, err := builtinRegistry(logger, opts.approveCommands)
	if err != nil {
		return err
	}
	engine := server.NewEngine(store, reg, engineOpts...)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("serving",
		zap.String("shm_dir", cfg.ShmDir),
		zap.Int("slot_size", cfg.Ring.SlotSize),
		zap.Int("slot_count", cfg.Ring.SlotCount),
		zap.Int("workers", cfg.Dispatch.Workers),
		zap.Stringers("handlers", reg.Types()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           opsRouter(engine, metrics, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error { return serveHTTP(gctx, srv, logger) })
	}
	return g.Wait()
}

func opsRouter(engine *server.Engine, metrics *control.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger.Named("http")))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := engine.Health(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Handle("/debug/state", engine.Debug())
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

func serveHTTP(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("ops endpoint listening", zap.String("addr", srv.Addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ops endpoint shutdown: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("ops endpoint: %w", err)
	}
}
