package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/subventia/matching-engine/internal/catalog"
	"github.com/subventia/matching-engine/internal/config"
	"github.com/subventia/matching-engine/internal/matching"
	"github.com/subventia/matching-engine/internal/report"
)

// render-match-report turns a saved match result into a client document.
// Input is the JSON produced by match-run (or the HTTP API) plus the
// originating profile; output is Markdown, or PDF with -pdf.
func main() {
	profilePath := flag.String("profile", "", "path to profile JSON file (required)")
	resultPath := flag.String("result", "", "path to match result JSON file (required)")
	outPath := flag.String("out", "", "output file (default: stdout for markdown, report.pdf for -pdf)")
	asPDF := flag.Bool("pdf", false, "render PDF through headless Chromium")
	flag.Parse()

	if *profilePath == "" || *resultPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	profile := readJSON[matching.Profile](*profilePath)
	result := readJSON[matching.Result](*resultPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	doc := report.Document{
		Profile:     profile,
		Result:      result,
		Subsidies:   loadSubsidies(ctx, result),
		GeneratedAt: time.Now(),
	}
	markdown := report.BuildMarkdown(doc)

	if !*asPDF {
		if *outPath == "" {
			os.Stdout.WriteString(markdown)
			return
		}
		if err := os.WriteFile(*outPath, []byte(markdown), 0o644); err != nil {
			log.Fatalf("write markdown: %v", err)
		}
		return
	}

	pdf, err := report.NewPDFRenderer().Render(ctx, markdown)
	if err != nil {
		log.Fatalf("render pdf: %v", err)
	}
	target := *outPath
	if target == "" {
		target = "report.pdf"
	}
	if err := os.WriteFile(target, pdf, 0o644); err != nil {
		log.Fatalf("write pdf: %v", err)
	}
	log.Printf("wrote %s (%d bytes)", target, len(pdf))
}

func readJSON[T any](path string) T {
	var v T
	blob, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(blob, &v); err != nil {
		log.Fatalf("decode %s: %v", path, err)
	}
	return v
}

// loadSubsidies resolves the matched IDs against the catalog so the
// report can show titles, agencies and amounts. Missing rows degrade to
// ID-only sections.
func loadSubsidies(ctx context.Context, result matching.Result) map[string]matching.Subsidy {
	out := map[string]matching.Subsidy{}
	cfg, err := config.Load()
	if err != nil {
		log.Printf("config unavailable, rendering without catalog details: %v", err)
		return out
	}
	store, err := catalog.NewStore(cfg.Catalog.DBPath)
	if err != nil {
		log.Printf("catalog unavailable, rendering without details: %v", err)
		return out
	}
	defer store.Close()

	for _, m := range result.Matches {
		sub, err := store.ByID(ctx, m.SubsidyID)
		if err != nil {
			if !strings.Contains(err.Error(), "no rows") {
				log.Printf("lookup %s: %v", m.SubsidyID, err)
			}
			continue
		}
		out[m.SubsidyID] = sub
	}
	return out
}
