package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymesh/cch/internal/auth"
	"github.com/relaymesh/cch/internal/cache"
	"github.com/relaymesh/cch/internal/circuitbreaker"
	"github.com/relaymesh/cch/internal/cloudauth"
	"github.com/relaymesh/cch/internal/config"
	"github.com/relaymesh/cch/internal/forward"
	"github.com/relaymesh/cch/internal/health"
	"github.com/relaymesh/cch/internal/ratelimit"
	"github.com/relaymesh/cch/internal/redisutil"
	"github.com/relaymesh/cch/internal/relay"
	"github.com/relaymesh/cch/internal/resolver"
	"github.com/relaymesh/cch/internal/server"
	"github.com/relaymesh/cch/internal/session"
	"github.com/relaymesh/cch/internal/store/postgres"
	"github.com/relaymesh/cch/internal/telemetry"
	"github.com/relaymesh/cch/internal/usage"
	"github.com/relaymesh/cch/internal/worker"
)

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.Info("starting cch", "version", version, "addr", cfg.Server.Addr())

	ctx := context.Background()

	// Tracing is a no-op unless an OTLP endpoint is configured.
	if cfg.Telemetry.Enabled() {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint, cfg.Telemetry.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Open database
	st, err := postgres.New(cfg.Database.DSN, postgres.Options{
		PoolMax:         cfg.Database.PoolMax,
		PoolIdleTimeout: cfg.Database.PoolIdleTimeout,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
		AutoMigrate:     cfg.Database.AutoMigrate,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	if err := config.Bootstrap(ctx, st); err != nil {
		return err
	}

	// Connect Redis
	rdb, err := redisutil.Connect(ctx, cfg.Redis.URL, cfg.Redis.TLSRejectUnauthorized)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// Wire services
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	configCache, err := cache.New(st, 0, nil)
	if err != nil {
		return err
	}
	limits, err := ratelimit.New(rdb, st, metrics, ratelimit.Options{
		Enabled:    cfg.RateLimit.Enabled,
		SessionTTL: cfg.Session.TTL,
	}, nil)
	if err != nil {
		return err
	}
	breakers := circuitbreaker.NewRegistry(rdb, metrics, nil)
	tokens := cloudauth.New(cloudauth.Options{
		AnthropicClientID:  cfg.OAuth.AnthropicClientID,
		GoogleClientID:     cfg.OAuth.GoogleClientID,
		GoogleClientSecret: cfg.OAuth.GoogleClientSecret,
	})
	sender := forward.New(tokens, metrics, nil)
	sink := usage.New(st, metrics, usage.Options{
		WriteMode:     cfg.Sink.WriteMode,
		FlushInterval: cfg.Sink.FlushInterval,
		BatchSize:     cfg.Sink.BatchSize,
		MaxPending:    cfg.Sink.MaxPending,
	}, nil)

	rel := relay.New(relay.Deps{
		Cache:    configCache,
		Sessions: session.New(rdb, session.Options{TTL: cfg.Session.TTL, StoreMessages: cfg.Session.StoreMessages}, nil),
		Limits:   limits,
		Breakers: breakers,
		Resolver: resolver.New(configCache, limits, breakers, nil),
		Sender:   sender,
		Sink:     sink,
		Metrics:  metrics,
	}, relay.Options{CountNetworkErrors: cfg.Breaker.CountNetworkErrors})

	prober := health.New(configCache, sender, health.Options{Timeout: cfg.Health.ProbeTimeout}, nil)

	readyCheck := func(ctx context.Context) error {
		if err := st.Ping(ctx); err != nil {
			return err
		}
		return rdb.Ping(ctx).Err()
	}

	// Create HTTP server
	handler := server.New(server.Deps{
		Auth:           auth.New(configCache, st, nil),
		Relay:          rel,
		Cache:          configCache,
		Breakers:       breakers,
		Prober:         prober,
		Redis:          rdb,
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadyCheck:     readyCheck,
		AdminToken:     cfg.Admin.Token,
	})

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workers := worker.NewRunner(
		sink,
		prober,
		worker.NewInvalidator(rdb, configCache, nil),
		worker.NewDNSRefresher(sender, 0),
	)
	workerErr := make(chan error, 1)
	go func() { workerErr <- workers.Run(workerCtx) }()

	// WriteTimeout stays unset: responses stream for as long as the
	// upstream does, bounded per request by the forwarder.
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("cch ready", "addr", cfg.Server.Addr())

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workerErr:
		return err
	}

	// Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop workers after the listener drains so the sink flushes the tail.
	stopWorkers()
	if err := <-workerErr; err != nil {
		return err
	}

	slog.Info("cch stopped")
	return nil
}
