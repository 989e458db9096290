package matching

import (
	"reflect"
	"testing"
	"time"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func newTestScorer() *Scorer {
	return NewScorer(DefaultScorerConfig(), fixedClock)
}

func daysFromNow(d int) *time.Time {
	t := testNow.AddDate(0, 0, d)
	return &t
}

func TestScoreRegionAndSectorExact(t *testing.T) {
	ap := Normalize(Profile{
		ID:     "p1",
		Sector: "numerique",
		Region: "Bretagne",
	})
	sub := Subsidy{
		ID:      "s1",
		Title:   "Pass Numérique Bretagne",
		Sector:  "numerique",
		Regions: []string{"Bretagne"},
	}
	res := newTestScorer().Score(ap, sub)
	// 30 region + 30 sector + 8 open-ended deadline.
	if res.PreScore != 68 {
		t.Fatalf("pre-score: got %v, want 68", res.PreScore)
	}
	if len(res.Reasons) != 3 {
		t.Errorf("expected 3 reasons, got %v", res.Reasons)
	}
}

func TestScoreNationalOnlyTier(t *testing.T) {
	ap := Normalize(Profile{ID: "p1"})
	sub := Subsidy{ID: "s1", Title: "Aide generique"}
	res := newTestScorer().Score(ap, sub)
	// No region restriction on the candidate and no profile region:
	// national tier 15 + open-ended deadline 8.
	if res.PreScore != 23 {
		t.Fatalf("pre-score: got %v, want 23", res.PreScore)
	}
}

func TestScoreRawSumClampedAtHundred(t *testing.T) {
	ap := Normalize(Profile{
		ID:           "p1",
		Sector:       "numerique",
		Region:       "Bretagne",
		ProjectTypes: []string{"innovation", "export"},
		WebIntel:     &WebIntelligence{Innovation: 0.9, Sustainability: 0.8, Export: 0.7},
	})
	sub := Subsidy{
		ID:          "s1",
		Title:       "Aide innovation export",
		Description: "programme innovation durable export international environnement",
		Sector:      "numerique",
		Regions:     []string{"Bretagne", RegionNational},
		Deadline:    daysFromNow(60),
	}
	res := newTestScorer().Score(ap, sub)
	// Raw: 35 region + 30 sector + 20 project types + 15 web intel + 10
	// timing = 110, clamped once after the sum.
	if res.PreScore != 100 {
		t.Fatalf("pre-score: got %v, want 100", res.PreScore)
	}
}

func TestScoreSectorTiersExclusive(t *testing.T) {
	ap := Normalize(Profile{ID: "p1", Sector: "numerique"})

	tagAndKeyword := Subsidy{
		ID:         "s1",
		Title:      "Transformation digital des PME",
		Categories: []string{"numerique"},
	}
	res := newTestScorer().Score(ap, tagAndKeyword)
	// 25 tag+keyword tier + 15 national + 8 timing. Only the highest
	// sector tier applies.
	if res.PreScore != 48 {
		t.Fatalf("tag+keyword tier: got %v, want 48", res.PreScore)
	}

	keywordOnly := Subsidy{
		ID:    "s2",
		Title: "Accompagnement logiciel",
	}
	res = newTestScorer().Score(ap, keywordOnly)
	// 15 keyword tier + 15 national + 8 timing.
	if res.PreScore != 38 {
		t.Fatalf("keyword tier: got %v, want 38", res.PreScore)
	}
}

func TestScoreActivityFallbackWhenNoSector(t *testing.T) {
	ap := Normalize(Profile{
		ID:            "p1",
		ActivityLabel: "Fabrication de charpentes et menuiseries",
	})
	sub := Subsidy{
		ID:          "s1",
		Title:       "Aide aux métiers du bois",
		Description: "fabrication de charpentes en atelier",
	}
	res := newTestScorer().Score(ap, sub)
	// 25 activity (2 terms) + 15 national + 8 timing.
	if res.PreScore != 48 {
		t.Fatalf("activity tier: got %v, want 48", res.PreScore)
	}
}

func TestScoreTiming(t *testing.T) {
	cases := []struct {
		name     string
		deadline *time.Time
		want     float64
	}{
		{"nil deadline", nil, 8},
		{"too urgent", daysFromNow(10), 0},
		{"close", daysFromNow(20), 7},
		{"favorable", daysFromNow(90), 10},
		{"distant", daysFromNow(365), 5},
	}
	s := newTestScorer()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := s.timingScore(tc.deadline)
			if got != tc.want {
				t.Errorf("timing: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestScoreExclusionPenaltyCapped(t *testing.T) {
	ap := Normalize(Profile{
		ID:           "p1",
		Sector:       "numerique",
		Region:       "Bretagne",
		SizeCategory: SizeETI,
	})
	sub := Subsidy{
		ID:          "s1",
		Sector:      "numerique",
		Regions:     []string{"Bretagne"},
		Description: "réservé startup et micro-entreprise, tpe uniquement",
	}
	res := newTestScorer().Score(ap, sub)
	// 30 region + 30 sector + 8 timing - 30 capped penalty (three hits at
	// 15 each would be 45).
	if res.PreScore != 38 {
		t.Fatalf("penalized pre-score: got %v, want 38", res.PreScore)
	}
}

func TestScoreDeterministic(t *testing.T) {
	ap := Normalize(Profile{
		ID:           "p1",
		Sector:       "industrie",
		Region:       "Occitanie",
		ProjectTypes: []string{"investissement"},
	})
	sub := Subsidy{
		ID:          "s1",
		Title:       "Modernisation industrielle",
		Description: "aide à l'investissement en équipement de production",
		Regions:     []string{"Occitanie"},
		Deadline:    daysFromNow(45),
	}
	s := newTestScorer()
	first := s.Score(ap, sub)
	for i := 0; i < 5; i++ {
		if got := s.Score(ap, sub); !reflect.DeepEqual(got, first) {
			t.Fatalf("score not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestPreFilterSortsAndTruncates(t *testing.T) {
	ap := Normalize(Profile{ID: "p1", Region: "Bretagne"})
	candidates := []Subsidy{
		{ID: "weak"},                                      // 15 national + 8 = 23
		{ID: "strong", Regions: []string{"Bretagne"}},     // 30 + 8 = 38
		{ID: "dead", Regions: []string{"Île-de-France"}},  // 0, dropped
		{ID: "strong2", Regions: []string{"Bretagne"}},    // 38, ties keep order
	}
	s := newTestScorer()
	results := s.PreFilter(ap, candidates)
	ids := make([]string, 0, len(results))
	for _, r := range results {
		if r.PreScore < MinPreScore {
			t.Errorf("pre-filter let through %s below the floor: %v", r.Subsidy.ID, r.PreScore)
		}
		ids = append(ids, r.Subsidy.ID)
	}
	want := []string{"strong", "strong2", "weak"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("pre-filter order: got %v, want %v", ids, want)
	}

	capped := NewScorer(ScorerConfig{MinPreScore: 10, MaxCandidates: 2, StrictThreshold: 30, RelaxedThreshold: 20}, fixedClock)
	if got := capped.PreFilter(ap, candidates); len(got) != 2 {
		t.Errorf("candidate cap: got %d results, want 2", len(got))
	}
}

func TestFallbackFilterRelaxesOnce(t *testing.T) {
	s := newTestScorer()
	strictHit := []PreScoreResult{{PreScore: 45}, {PreScore: 25}}
	if got := s.FallbackFilter(strictHit); len(got) != 1 || got[0].PreScore != 45 {
		t.Fatalf("strict pass: got %+v", got)
	}
	relaxedOnly := []PreScoreResult{{PreScore: 25}, {PreScore: 22}, {PreScore: 12}}
	if got := s.FallbackFilter(relaxedOnly); len(got) != 2 {
		t.Fatalf("relaxed pass: got %+v", got)
	}
	nothing := []PreScoreResult{{PreScore: 12}}
	if got := s.FallbackFilter(nothing); len(got) != 0 {
		t.Fatalf("below relaxed floor should yield nothing, got %+v", got)
	}
}
