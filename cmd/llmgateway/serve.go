package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/howard-nolan/llmgateway/internal/checkin"
	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/log"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/proxy"
	"github.com/howard-nolan/llmgateway/internal/server"
	"github.com/howard-nolan/llmgateway/internal/store"
)

// shutdownTimeout bounds how long in-flight requests and background usage
// recorders get after a stop signal.
const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP server and the check-in scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfgFile)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// app is everything serve and checkin share.
type app struct {
	cfg       *config.Config
	db        *store.Store
	redis     *redis.Client
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	sweeper   *checkin.Sweeper
	scheduler *checkin.Scheduler
}

// bootstrap loads config, opens the store, seeds it and builds the
// check-in stack. The caller must call close.
func bootstrap(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	log.Init(log.Options{Level: cfg.Log.Level, File: cfg.Log.File})

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a := &app{cfg: cfg, db: db}
	if err := db.Seed(ctx, cfg); err != nil {
		a.close()
		return nil, fmt.Errorf("seeding database: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)
	a.sweeper = checkin.NewSweeper(db, checkin.NewRunner(nil), a.metrics)

	// Scheduler state lives in Redis when it is configured, so several
	// replicas share one alarm and one fire lease. Otherwise the sqlite
	// settings table holds it.
	var state checkin.State = db
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		state = checkin.NewRedisState(a.redis)
	}
	a.scheduler = checkin.NewScheduler(db, state, a.sweeper)
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.db.Close(); err != nil {
		log.Warnf("closing database: %v", err)
	}
	log.Sync()
}

func serve(ctx context.Context, path string) error {
	a, err := bootstrap(ctx, path)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	orch := proxy.New(a.db, a.db, cfg.Proxy, proxy.WithMetrics(a.metrics))
	srv := server.New(cfg, server.Deps{
		Proxy:     orch,
		Tokens:    a.db,
		Checkin:   a.sweeper,
		Scheduler: a.scheduler,
		Settings:  a.db,
		Usage:     a.db,
		Gatherer:  a.registry,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// --- Background: the check-in alarm loop ---
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := a.scheduler.Run(ctx); err != nil {
			log.Errorf("checkin scheduler stopped: %v", err)
		}
	}()

	// --- Foreground: the HTTP server ---
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("%s listening on :%d", appName, cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Infof("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}

	// Stream usage is recorded after responses finish; give it a chance
	// to land before the database closes.
	drained := make(chan struct{})
	go func() {
		orch.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		log.Warnf("gave up waiting for usage recorders")
	}
	<-schedDone
	return nil
}
