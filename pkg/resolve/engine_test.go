package resolve

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/fabric/pkg/common"
	"github.com/OFFIS-RIT/fabric/pkg/match"
	"github.com/OFFIS-RIT/fabric/pkg/store"
	"github.com/OFFIS-RIT/fabric/pkg/store/memory"
)

type stubMatcher struct {
	candidates []match.Candidate
	err        error
}

func (m *stubMatcher) Match(ctx context.Context, name, entityType string, topK int) ([]match.Candidate, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.candidates, nil
}

func newTestEngine(s store.Storage, m match.Matcher) *Engine {
	return NewEngine(NewEngineParams{
		Store:   s,
		Matcher: m,
		Policy:  common.NewMergePolicy([]string{"regulatory", "vendor"}),
	})
}

func regulatoryFact(isin, name string) common.IncomingFact {
	return common.IncomingFact{
		EntityType:  "company",
		PrimaryName: name,
		Identifiers: map[string]string{"isin": isin},
		Attributes:  map[string]string{"jurisdiction": "DE"},
		Provenance: common.Provenance{
			SourceType:           "regulatory",
			SourceName:           "feed-a",
			SourceRecordID:       "r-" + isin,
			ExtractionConfidence: 1.0,
			IngestedAt:           time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		},
	}
}

func vendorFact(isin, name string) common.IncomingFact {
	return common.IncomingFact{
		EntityType:  "company",
		PrimaryName: name,
		Identifiers: map[string]string{"isin": isin},
		Attributes:  map[string]string{"sector": "tech"},
		Provenance: common.Provenance{
			SourceType:           "vendor",
			SourceName:           "feed-b",
			SourceRecordID:       "v-" + isin,
			ExtractionConfidence: 0.98,
			IngestedAt:           time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		},
	}
}

func TestResolve_SharedIdentifierMergesSources(t *testing.T) {
	t.Parallel()

	s := memory.NewStore()
	e := newTestEngine(s, &stubMatcher{})
	ctx := context.Background()

	first, err := e.Resolve(ctx, regulatoryFact("DE000A", "Acme Corp"))
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if first.Outcome != OutcomeCreated {
		t.Fatalf("first outcome = %s, want created", first.Outcome)
	}

	second, err := e.Resolve(ctx, vendorFact("DE000A", "ACME Corporation"))
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.Outcome != OutcomeMatched {
		t.Fatalf("second outcome = %s, want matched", second.Outcome)
	}
	if second.EntityID != first.EntityID {
		t.Fatalf("identifier match must reuse the entity: %s != %s", second.EntityID, first.EntityID)
	}

	entity, err := s.GetEntity(ctx, first.EntityID)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	// The regulatory source outranks the vendor, so the name stays.
	if entity.Name != "Acme Corp" {
		t.Fatalf("entity name = %q, want the regulatory one", entity.Name)
	}
	if entity.Attributes["jurisdiction"].Value != "DE" || entity.Attributes["sector"].Value != "tech" {
		t.Fatalf("attributes not merged: %+v", entity.Attributes)
	}

	claims, err := s.LookupIdentifier(ctx, "isin", "DE000A")
	if err != nil {
		t.Fatalf("LookupIdentifier: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("expected a claim per source, got %d", len(claims))
	}

	history, err := s.History(ctx, first.EntityID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 lineage records, got %d", len(history))
	}
}

func TestResolve_FuzzyOutcomes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	s := memory.NewStore()
	seeded, err := newTestEngine(s, &stubMatcher{}).Resolve(ctx, regulatoryFact("DE000B", "Global Industries"))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	existing, err := s.GetEntity(ctx, seeded.EntityID)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}

	tests := []struct {
		name        string
		score       float64
		wantOutcome Outcome
		wantSameID  bool
		wantSuggest bool
	}{
		{name: "above auto-merge threshold merges", score: 0.97, wantOutcome: OutcomeMatched, wantSameID: true},
		{name: "review band creates provisional", score: 0.80, wantOutcome: OutcomeProvisional, wantSuggest: true},
		{name: "below review band creates confirmed", score: 0.50, wantOutcome: OutcomeCreated},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(s, &stubMatcher{
				candidates: []match.Candidate{{Entity: *existing, Score: tc.score}},
			})

			res, err := e.Resolve(ctx, common.IncomingFact{
				EntityType:  "company",
				PrimaryName: "Global Industries Ltd",
				Provenance: common.Provenance{
					SourceType:           "vendor",
					SourceName:           "feed-b",
					ExtractionConfidence: 0.9,
				},
			})
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if res.Outcome != tc.wantOutcome {
				t.Fatalf("outcome = %s, want %s", res.Outcome, tc.wantOutcome)
			}
			if tc.wantSameID && res.EntityID != existing.ID {
				t.Fatalf("expected merge into %s, got %s", existing.ID, res.EntityID)
			}
			if !tc.wantSameID && res.EntityID == existing.ID {
				t.Fatal("expected a new entity")
			}
			if tc.wantSuggest {
				if res.SuggestedDuplicateID != existing.ID {
					t.Fatalf("suggested duplicate = %q, want %s", res.SuggestedDuplicateID, existing.ID)
				}
				created, err := s.GetEntity(ctx, res.EntityID)
				if err != nil {
					t.Fatalf("GetEntity: %v", err)
				}
				if !created.Provisional {
					t.Fatal("review-band entity must be provisional")
				}
			}
		})
	}
}

func TestResolve_MalformedFactIsRecordError(t *testing.T) {
	t.Parallel()

	e := newTestEngine(memory.NewStore(), &stubMatcher{})

	_, err := e.Resolve(context.Background(), common.IncomingFact{
		EntityType: "company",
		// PrimaryName missing
		Provenance: common.Provenance{SourceType: "vendor", SourceName: "feed-b"},
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !IsRecordError(err) {
		t.Fatalf("malformed fact must be a record error, got %v", err)
	}

	var mfe *MalformedFactError
	if !errors.As(err, &mfe) || mfe.SourceName != "feed-b" {
		t.Fatalf("expected MalformedFactError with source context, got %v", err)
	}
}

func TestResolve_MatcherUnavailableDegrades(t *testing.T) {
	t.Parallel()

	e := newTestEngine(memory.NewStore(), &stubMatcher{err: errors.New("index down")})

	res, err := e.Resolve(context.Background(), common.IncomingFact{
		EntityType:  "company",
		PrimaryName: "Acme Corp",
		Provenance: common.Provenance{
			SourceType:           "vendor",
			SourceName:           "feed-b",
			ExtractionConfidence: 0.9,
		},
	})
	if err != nil {
		t.Fatalf("Resolve must fall back to identifier-only, got %v", err)
	}
	if res.Outcome != OutcomeCreated {
		t.Fatalf("outcome = %s, want created", res.Outcome)
	}
	if !res.Degraded {
		t.Fatal("resolution must be marked degraded")
	}
}

func TestResolve_ReingestIsNoOp(t *testing.T) {
	t.Parallel()

	s := memory.NewStore()
	e := newTestEngine(s, &stubMatcher{})
	ctx := context.Background()

	fact := regulatoryFact("DE000D", "Acme Corp")
	first, err := e.Resolve(ctx, fact)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	again, err := e.Resolve(ctx, fact)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if again.EntityID != first.EntityID {
		t.Fatalf("re-ingest must hit the same entity")
	}
	if !again.Unchanged {
		t.Fatal("unchanged fact must be reported as such")
	}
	if again.Record != nil {
		t.Fatal("unchanged fact must not write a lineage record")
	}

	history, err := s.History(ctx, first.EntityID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 lineage record, got %d", len(history))
	}
}

func TestResolve_SubThresholdClaimDoesNotBlockCreate(t *testing.T) {
	t.Parallel()

	s := memory.NewStore()
	e := newTestEngine(s, &stubMatcher{})
	ctx := context.Background()

	weak := vendorFact("DE000H", "Acme Holdings")
	weak.Provenance.ExtractionConfidence = 0.8
	first, err := e.Resolve(ctx, weak)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if first.Outcome != OutcomeCreated {
		t.Fatalf("first outcome = %s, want created", first.Outcome)
	}

	// The identifier is already claimed, but below the auto-merge
	// threshold the claim is not authoritative and the identifiers
	// coexist.
	other := vendorFact("DE000H", "Unrelated Logistics")
	other.Provenance.SourceName = "feed-c"
	other.Provenance.SourceRecordID = "c-DE000H"
	other.Provenance.ExtractionConfidence = 0.8

	second, err := e.Resolve(ctx, other)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.Outcome != OutcomeCreated {
		t.Fatalf("second outcome = %s, want created", second.Outcome)
	}
	if second.EntityID == first.EntityID {
		t.Fatal("a sub-threshold claim must not force a merge")
	}

	entity, err := s.GetEntity(ctx, second.EntityID)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if entity.Flagged {
		t.Fatal("a sub-threshold claim must not flag the new entity")
	}

	claims, err := s.LookupIdentifier(ctx, "isin", "DE000H")
	if err != nil {
		t.Fatalf("LookupIdentifier: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("expected coexisting claims, got %d", len(claims))
	}
}

func TestResolve_ConflictingIdentifiersFlagged(t *testing.T) {
	t.Parallel()

	s := memory.NewStore()
	e := newTestEngine(s, &stubMatcher{})
	ctx := context.Background()

	one, err := e.Resolve(ctx, regulatoryFact("DE000E", "Alpha AG"))
	if err != nil {
		t.Fatalf("seed one: %v", err)
	}
	twoFact := regulatoryFact("DE000F", "Beta AG")
	twoFact.Identifiers = map[string]string{"lei": "LEI000F"}
	two, err := e.Resolve(ctx, twoFact)
	if err != nil {
		t.Fatalf("seed two: %v", err)
	}

	// One fact claiming both identifiers at equal confidence points at
	// two different entities.
	conflicted := regulatoryFact("DE000E", "Alpha Beta AG")
	conflicted.Identifiers = map[string]string{"isin": "DE000E", "lei": "LEI000F"}

	res, err := e.Resolve(ctx, conflicted)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Outcome != OutcomeFlagged {
		t.Fatalf("outcome = %s, want flagged", res.Outcome)
	}
	if res.EntityID == one.EntityID || res.EntityID == two.EntityID {
		t.Fatal("a tied conflict must not merge into either entity")
	}

	entity, err := s.GetEntity(ctx, res.EntityID)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if !entity.Flagged {
		t.Fatal("conflict entity must be flagged")
	}

	// The contested identifiers stay with their current owners.
	claims, err := s.LookupIdentifier(ctx, "isin", "DE000E")
	if err != nil {
		t.Fatalf("LookupIdentifier: %v", err)
	}
	for _, c := range claims {
		if c.EntityID == res.EntityID {
			t.Fatal("flagged entity must not claim contested identifiers")
		}
	}
}

func TestResolve_ConcurrentCreatesConverge(t *testing.T) {
	t.Parallel()

	s := memory.NewStore()
	e := newTestEngine(s, &stubMatcher{})
	ctx := context.Background()

	const workers = 8
	results := make([]*Resolution, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Resolve(ctx, regulatoryFact("DE000G", "Gamma SE"))
		}(i)
	}
	wg.Wait()

	entityID := ""
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if entityID == "" {
			entityID = results[i].EntityID
		}
		if results[i].EntityID != entityID {
			t.Fatalf("concurrent creates diverged: %s != %s", results[i].EntityID, entityID)
		}
	}

	claims, err := s.LookupIdentifier(ctx, "isin", "DE000G")
	if err != nil {
		t.Fatalf("LookupIdentifier: %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("expected a single claim, got %d", len(claims))
	}

	history, err := s.History(ctx, entityID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("identical concurrent facts must produce 1 record, got %d", len(history))
	}
}
