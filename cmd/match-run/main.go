package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/subventia/matching-engine/internal/audit"
	"github.com/subventia/matching-engine/internal/catalog"
	"github.com/subventia/matching-engine/internal/config"
	"github.com/subventia/matching-engine/internal/logger"
	"github.com/subventia/matching-engine/internal/matching"
	"github.com/subventia/matching-engine/internal/refine"
	"github.com/subventia/matching-engine/internal/usage"
)

// match-run executes one matching run from a profile JSON file and prints
// the result to stdout. Meant for support investigations and catalog
// tuning, not production traffic.
func main() {
	profilePath := flag.String("profile", "", "path to profile JSON file (required)")
	limit := flag.Int("limit", matching.DefaultResultLimit, "maximum matches to return")
	noRefine := flag.Bool("no-refine", false, "skip the reasoning stage even when configured")
	flag.Parse()

	if *profilePath == "" {
		flag.Usage()
		os.Exit(2)
	}

	blob, err := os.ReadFile(*profilePath)
	if err != nil {
		log.Fatalf("read profile: %v", err)
	}
	var profile matching.Profile
	if err := json.Unmarshal(blob, &profile); err != nil {
		log.Fatalf("decode profile: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	zlog := logger.New(cfg.Logging.Level, "console")
	defer zlog.Sync()

	store, err := catalog.NewStore(cfg.Catalog.DBPath)
	if err != nil {
		log.Fatalf("open catalog: %v", err)
	}
	defer store.Close()

	meter, err := usage.NewMeter(cfg.Usage.DBPath, cfg.Usage.Pricing, cfg.Usage.Ceilings)
	if err != nil {
		log.Fatalf("open usage meter: %v", err)
	}
	defer meter.Close()

	auditStore, err := audit.NewStore(cfg.Audit.DBPath)
	if err != nil {
		log.Fatalf("open audit store: %v", err)
	}
	defer auditStore.Close()

	deps := matching.Deps{
		Retriever: catalog.NewRetriever(store, catalog.RetrieverConfig{
			PerQueryLimit:      cfg.Retrieval.PerQueryLimit,
			FallbackLimit:      cfg.Retrieval.FallbackLimit,
			HighValueThreshold: cfg.Retrieval.HighValueThreshold,
		}, zlog.Named("retriever")),
		Gate:   meter,
		Audit:  auditStore,
		Logger: zlog,
	}
	if cfg.Refine.Enabled && !*noRefine {
		caller, err := refine.NewAnthropicCallerFromEnv()
		if err != nil {
			log.Fatalf("refinement configured but unusable: %v", err)
		}
		deps.Refiner = refine.NewStage(caller, meter, zlog.Named("refine"), refine.Config{
			Timeout:     cfg.Refine.Timeout,
			MaxAttempts: cfg.Refine.MaxAttempts,
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	engine := matching.NewEngine(deps)
	result, err := engine.Match(ctx, profile, matching.Options{Limit: *limit, ForceRefresh: true})
	if err != nil {
		log.Fatalf("match failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Fatalf("encode result: %v", err)
	}
}
