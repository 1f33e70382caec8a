package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"auditchain/internal/audit/handler"
	auditmetrics "auditchain/internal/audit/metrics"
	"auditchain/internal/audit/retention"
	"auditchain/internal/audit/service"
	"auditchain/internal/audit/workers/reaper"
	"auditchain/internal/platform/config"
	"auditchain/internal/platform/health"
	"auditchain/internal/platform/logger"
	"auditchain/internal/platform/metrics"
	httptransport "auditchain/internal/transport/http"
	"auditchain/pkg/platform/middleware/auth"
	"auditchain/pkg/platform/middleware/metadata"
	"auditchain/pkg/platform/middleware/request"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Chain semantics live in internal/audit.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("auditchain stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("auditchain stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	log.Info("initializing auditchain",
		"addr", cfg.Server.Addr,
		"store", cfg.Audit.Store,
		"environment", cfg.Environment,
	)
	if cfg.UsesDefaultSigningKey() {
		log.Warn("JWT_SIGNING_KEY is not set, using the development key")
	}

	reg := metrics.NewRegistry()
	auditMetrics := auditmetrics.New(reg)
	checks := health.New(cfg.Environment)

	backends, err := connect(ctx, cfg, log, reg, checks)
	if err != nil {
		return err
	}
	defer backends.close(log)

	appender := service.NewAppender(backends.store,
		service.WithHeadCache(backends.headCache),
		service.WithLockShards(cfg.Audit.LockShards),
		service.WithMaxRetries(cfg.Audit.MaxAppendRetries),
		service.WithAppenderMetrics(auditMetrics),
		service.WithAppenderLogger(log),
	)
	recorder := service.NewRecorder(appender,
		service.WithQueueSize(cfg.Audit.RecorderQueueSize),
		service.WithWorkers(cfg.Audit.RecorderWorkers),
		service.WithRecorderAlerts(backends.alerts),
		service.WithRecorderMetrics(auditMetrics),
		service.WithRecorderLogger(log),
	)
	verifier := service.NewVerifier(backends.store,
		service.WithVerifyBatchSize(cfg.Audit.VerifyBatchSize),
		service.WithVerifierAlerts(backends.alerts),
		service.WithVerifierMetrics(auditMetrics),
		service.WithVerifierLogger(log),
	)
	exporter := service.NewExporter(backends.store,
		service.WithExportBatchSize(cfg.Audit.ExportBatchSize),
		service.WithExporterMetrics(auditMetrics),
	)
	policy := retention.NewStaticPolicy(cfg.Audit)

	proxies, err := metadata.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("parse TRUSTED_PROXIES: %w", err)
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Logger:         log,
		Validator:      auth.NewHMACValidator(cfg.Auth.JWTSigningKey, cfg.Auth.Issuer, cfg.Auth.Audience),
		Audit:          handler.New(service.NewReader(backends.store), verifier, exporter, policy, recorder, log),
		Interceptor:    handler.NewInterceptor(recorder, log),
		Health:         checks,
		Registry:       reg,
		HTTPMetrics:    request.NewMetrics(reg),
		Metadata:       metadata.NewMiddleware(proxies),
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting http server", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Audit.ReaperEnabled {
		r, err := reaper.New(backends.store, policy,
			reaper.WithInterval(cfg.Audit.ReaperInterval),
			reaper.WithBatch(cfg.Audit.ReaperBatch),
			reaper.WithAlerts(backends.alerts),
			reaper.WithMetrics(auditMetrics),
			reaper.WithLogger(log),
		)
		if err != nil {
			return fmt.Errorf("create reaper: %w", err)
		}
		g.Go(func() error {
			if err := r.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	ingestConsumer, err := backends.ingestConsumer(cfg, appender, auditMetrics, log)
	if err != nil {
		return err
	}
	if ingestConsumer != nil {
		g.Go(func() error {
			return ingestConsumer.Run(gctx)
		})
	}

	if backends.redis != nil {
		g.Go(func() error {
			backends.redis.RunPoolStats(gctx, 15*time.Second)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down auditchain gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		// The recorder drains after the server so in-flight requests can
		// still enqueue their audit events.
		if err := recorder.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("recorder drain: %w", err))
		}
		if ingestConsumer != nil {
			if err := ingestConsumer.Stop(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("ingest consumer stop: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
