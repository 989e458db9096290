package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/subventia/matching-engine/internal/matching"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *Store, subs ...matching.Subsidy) {
	t.Helper()
	for _, sub := range subs {
		if err := s.Upsert(context.Background(), sub); err != nil {
			t.Fatalf("seed %s: %v", sub.ID, err)
		}
	}
}

func ids(subs []matching.Subsidy) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.ID)
	}
	return out
}

func TestStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	deadline := time.Date(2026, 11, 30, 0, 0, 0, 0, time.UTC)
	in := matching.Subsidy{
		ID:               "sub-1",
		Title:            "Pass Commerce et Artisanat",
		Description:      "Aide régionale aux commerces de proximité",
		Agency:           "Conseil régional de Bretagne",
		Sector:           "commerce",
		Regions:          []string{"Bretagne"},
		FundingType:      "subvention",
		MinAmount:        1_000,
		MaxAmount:        7_500,
		Deadline:         &deadline,
		Categories:       []string{"commerce", "artisanat"},
		Keywords:         []string{"boutique", "point de vente"},
		EligibilityText:  "Entreprises de moins de 7 salariés",
		BusinessRelevant: true,
		Active:           true,
	}
	seed(t, s, in)

	got, err := s.ByID(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	if got.Title != in.Title || got.Agency != in.Agency || got.MaxAmount != in.MaxAmount {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Regions) != 1 || got.Regions[0] != "Bretagne" {
		t.Errorf("regions: %v", got.Regions)
	}
	if got.Deadline == nil || !got.Deadline.Equal(deadline) {
		t.Errorf("deadline: %v", got.Deadline)
	}
}

func TestByRegionIncludesNationalAndUnrestricted(t *testing.T) {
	s := newTestStore(t)
	seed(t, s,
		matching.Subsidy{ID: "regional", Title: "t", Regions: []string{"Bretagne"}, BusinessRelevant: true, Active: true},
		matching.Subsidy{ID: "national", Title: "t", Regions: []string{matching.RegionNational}, BusinessRelevant: true, Active: true},
		matching.Subsidy{ID: "unrestricted", Title: "t", BusinessRelevant: true, Active: true},
		matching.Subsidy{ID: "elsewhere", Title: "t", Regions: []string{"Occitanie"}, BusinessRelevant: true, Active: true},
		matching.Subsidy{ID: "inactive", Title: "t", Regions: []string{"Bretagne"}, BusinessRelevant: true, Active: false},
	)
	subs, err := s.ByRegion(context.Background(), "Bretagne", 50)
	if err != nil {
		t.Fatalf("ByRegion: %v", err)
	}
	got := map[string]bool{}
	for _, id := range ids(subs) {
		got[id] = true
	}
	for _, want := range []string{"regional", "national", "unrestricted"} {
		if !got[want] {
			t.Errorf("ByRegion missing %s: %v", want, ids(subs))
		}
	}
	if got["elsewhere"] || got["inactive"] {
		t.Errorf("ByRegion leaked excluded rows: %v", ids(subs))
	}
}

func TestBySectorMatchesTermsAndUniversal(t *testing.T) {
	s := newTestStore(t)
	seed(t, s,
		matching.Subsidy{ID: "by-field", Title: "t", Sector: "numerique", BusinessRelevant: true, Active: true},
		matching.Subsidy{ID: "by-text", Title: "Transformation digitale des PME", BusinessRelevant: true, Active: true},
		matching.Subsidy{ID: "universal", Title: "t", UniversalSector: true, BusinessRelevant: true, Active: true},
		matching.Subsidy{ID: "unrelated", Title: "Soutien à la filière bois", BusinessRelevant: true, Active: true},
	)
	subs, err := s.BySector(context.Background(), []string{"numerique", "digital"}, 50)
	if err != nil {
		t.Fatalf("BySector: %v", err)
	}
	got := map[string]bool{}
	for _, id := range ids(subs) {
		got[id] = true
	}
	for _, want := range []string{"by-field", "by-text", "universal"} {
		if !got[want] {
			t.Errorf("BySector missing %s: %v", want, ids(subs))
		}
	}
	if got["unrelated"] {
		t.Errorf("BySector matched unrelated row: %v", ids(subs))
	}
}

func TestHighValueNationalFloorsAmount(t *testing.T) {
	s := newTestStore(t)
	seed(t, s,
		matching.Subsidy{ID: "big", Title: "t", MaxAmount: 500_000, BusinessRelevant: true, Active: true},
		matching.Subsidy{ID: "small", Title: "t", MaxAmount: 5_000, BusinessRelevant: true, Active: true},
		matching.Subsidy{ID: "big-regional", Title: "t", MaxAmount: 500_000, Regions: []string{"Bretagne"}, BusinessRelevant: true, Active: true},
	)
	subs, err := s.HighValueNational(context.Background(), 100_000, 50)
	if err != nil {
		t.Fatalf("HighValueNational: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "big" {
		t.Errorf("HighValueNational: %v", ids(subs))
	}
}

func TestActiveBusinessRelevantOrdersByAmount(t *testing.T) {
	s := newTestStore(t)
	seed(t, s,
		matching.Subsidy{ID: "a", Title: "t", MaxAmount: 10_000, BusinessRelevant: true, Active: true},
		matching.Subsidy{ID: "b", Title: "t", MaxAmount: 90_000, BusinessRelevant: true, Active: true},
		matching.Subsidy{ID: "consumer", Title: "t", MaxAmount: 99_000, BusinessRelevant: false, Active: true},
	)
	subs, err := s.ActiveBusinessRelevant(context.Background(), 50)
	if err != nil {
		t.Fatalf("ActiveBusinessRelevant: %v", err)
	}
	want := []string{"b", "a"}
	got := ids(subs)
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("ordering: got %v, want %v", got, want)
	}
}
