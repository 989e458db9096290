package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/subventia/matching-engine/internal/audit"
	"github.com/subventia/matching-engine/internal/cache"
	"github.com/subventia/matching-engine/internal/catalog"
	"github.com/subventia/matching-engine/internal/config"
	"github.com/subventia/matching-engine/internal/httpapi"
	"github.com/subventia/matching-engine/internal/logger"
	"github.com/subventia/matching-engine/internal/matching"
	"github.com/subventia/matching-engine/internal/refine"
	"github.com/subventia/matching-engine/internal/telemetry"
	"github.com/subventia/matching-engine/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.App.Name, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		log.Fatal("telemetry setup failed", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	store, err := catalog.NewStore(cfg.Catalog.DBPath)
	if err != nil {
		log.Fatal("open catalog", zap.String("path", cfg.Catalog.DBPath), zap.Error(err))
	}
	defer store.Close()

	meter, err := usage.NewMeter(cfg.Usage.DBPath, cfg.Usage.Pricing, cfg.Usage.Ceilings)
	if err != nil {
		log.Fatal("open usage meter", zap.String("path", cfg.Usage.DBPath), zap.Error(err))
	}
	defer meter.Close()

	auditStore, err := audit.NewStore(cfg.Audit.DBPath)
	if err != nil {
		log.Fatal("open audit store", zap.String("path", cfg.Audit.DBPath), zap.Error(err))
	}
	defer auditStore.Close()

	deps := matching.Deps{
		Retriever: catalog.NewRetriever(store, catalog.RetrieverConfig{
			PerQueryLimit:      cfg.Retrieval.PerQueryLimit,
			FallbackLimit:      cfg.Retrieval.FallbackLimit,
			HighValueThreshold: cfg.Retrieval.HighValueThreshold,
		}, log.Named("retriever")),
		Gate:   meter,
		Audit:  auditStore,
		Logger: log.Named("engine"),
	}

	if cfg.Refine.Enabled {
		caller, err := refine.NewAnthropicCallerFromEnv()
		if err != nil {
			log.Fatal("refinement enabled but not configured", zap.Error(err))
		}
		deps.Refiner = refine.NewStage(caller, meter, log.Named("refine"), refine.Config{
			Timeout:     cfg.Refine.Timeout,
			MaxAttempts: cfg.Refine.MaxAttempts,
		})
	} else {
		log.Info("refinement disabled, serving heuristic-only recommendations")
	}

	if cfg.Redis.Enabled {
		// The cache is an optimization layer: a dead Redis downgrades the
		// service instead of stopping it.
		c, err := cache.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn("recommendation cache unavailable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		} else {
			defer c.Close()
			deps.Cache = c
		}
	}

	engine := matching.NewEngine(deps)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewServer(engine, log.Named("http")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("matching engine listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("environment", cfg.App.Environment),
		zap.Bool("refinement", cfg.Refine.Enabled))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("http server failed", zap.Error(err))
	}
}
