package catalog

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/subventia/matching-engine/internal/matching"
)

// Querier is the slice of the store the retriever needs.
type Querier interface {
	ByRegion(ctx context.Context, region string, limit int) ([]matching.Subsidy, error)
	BySector(ctx context.Context, terms []string, limit int) ([]matching.Subsidy, error)
	HighValueNational(ctx context.Context, minAmount float64, limit int) ([]matching.Subsidy, error)
	ActiveBusinessRelevant(ctx context.Context, limit int) ([]matching.Subsidy, error)
}

// RetrieverConfig bounds the candidate queries.
type RetrieverConfig struct {
	PerQueryLimit      int
	FallbackLimit      int
	HighValueThreshold float64
}

func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		PerQueryLimit:      60,
		FallbackLimit:      120,
		HighValueThreshold: 100_000,
	}
}

// Retriever fans out up to three candidate queries concurrently, merges the
// results in deterministic query order, and deduplicates by subsidy ID.
// A single failed query only narrows the set; only the total failure of
// every query including the unfiltered fallback is an error.
type Retriever struct {
	store Querier
	cfg   RetrieverConfig
	log   *zap.Logger
}

func NewRetriever(store Querier, cfg RetrieverConfig, log *zap.Logger) *Retriever {
	if cfg.PerQueryLimit <= 0 {
		cfg.PerQueryLimit = DefaultRetrieverConfig().PerQueryLimit
	}
	if cfg.FallbackLimit <= 0 {
		cfg.FallbackLimit = DefaultRetrieverConfig().FallbackLimit
	}
	if cfg.HighValueThreshold <= 0 {
		cfg.HighValueThreshold = DefaultRetrieverConfig().HighValueThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Retriever{store: store, cfg: cfg, log: log}
}

func (r *Retriever) Retrieve(ctx context.Context, ap matching.AnalyzedProfile) ([]matching.Subsidy, error) {
	type queryFn struct {
		name string
		run  func(context.Context) ([]matching.Subsidy, error)
	}
	queries := []queryFn{
		{"region", func(ctx context.Context) ([]matching.Subsidy, error) {
			return r.store.ByRegion(ctx, ap.Region, r.cfg.PerQueryLimit)
		}},
	}
	if ap.HasSector {
		// Skipped when the profile carries no usable sector signal: with
		// nothing to scope on, the query would only broaden the set.
		queries = append(queries, queryFn{"sector", func(ctx context.Context) ([]matching.Subsidy, error) {
			return r.store.BySector(ctx, ap.SearchTerms, r.cfg.PerQueryLimit)
		}})
	}
	queries = append(queries, queryFn{"high_value_national", func(ctx context.Context) ([]matching.Subsidy, error) {
		return r.store.HighValueNational(ctx, r.cfg.HighValueThreshold, r.cfg.PerQueryLimit)
	}})

	results := make([][]matching.Subsidy, len(queries))
	errs := make([]error, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(i int, q queryFn) {
			defer wg.Done()
			subs, err := q.run(ctx)
			if err != nil {
				r.log.Warn("candidate query failed", zap.String("query", q.name), zap.Error(err))
				errs[i] = err
				return
			}
			results[i] = subs
		}(i, q)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed == len(queries) {
		// Every targeted query failed; try the unfiltered fallback before
		// declaring total retrieval failure.
		subs, err := r.store.ActiveBusinessRelevant(ctx, r.cfg.FallbackLimit)
		if err != nil {
			return nil, &matching.RetrievalError{Attempts: len(queries) + 1, Err: err}
		}
		r.log.Warn("all targeted candidate queries failed, using unfiltered fallback",
			zap.Int("candidates", len(subs)))
		return subs, nil
	}

	// Merge in fixed query order so the retrieval order, and therefore
	// downstream tie-breaking, is deterministic.
	seen := map[string]struct{}{}
	var merged []matching.Subsidy
	for _, subs := range results {
		for _, sub := range subs {
			if _, ok := seen[sub.ID]; ok {
				continue
			}
			seen[sub.ID] = struct{}{}
			merged = append(merged, sub)
		}
	}
	return merged, nil
}
