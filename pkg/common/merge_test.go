package common

import (
	"testing"
	"time"
)

func testPolicy() MergePolicy {
	return NewMergePolicy([]string{"regulatory", "exchange", "vendor"})
}

func TestMergePolicy_HigherRankWins(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := testPolicy()

	current := map[string]AttributeValue{
		"jurisdiction": {Value: "US", SourceType: "vendor", SourceName: "feed-b", UpdatedAt: base},
	}

	merged, changes := policy.Apply(current, map[string]string{"jurisdiction": "DE"}, Provenance{
		SourceType: "regulatory",
		SourceName: "feed-a",
		IngestedAt: base.Add(-time.Hour),
	})

	if merged["jurisdiction"].Value != "DE" {
		t.Fatalf("expected regulatory value to win, got %q", merged["jurisdiction"].Value)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].Old != "US" || changes[0].New != "DE" {
		t.Fatalf("unexpected change %+v", changes[0])
	}
}

func TestMergePolicy_LowerRankLoses(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := testPolicy()

	current := map[string]AttributeValue{
		"jurisdiction": {Value: "DE", SourceType: "regulatory", SourceName: "feed-a", UpdatedAt: base},
	}

	merged, changes := policy.Apply(current, map[string]string{"jurisdiction": "US"}, Provenance{
		SourceType: "vendor",
		SourceName: "feed-b",
		IngestedAt: base.Add(time.Hour),
	})

	if merged["jurisdiction"].Value != "DE" {
		t.Fatalf("lower-ranked source must not override, got %q", merged["jurisdiction"].Value)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes, got %d", len(changes))
	}
}

func TestMergePolicy_EqualRankLaterTimestampWins(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := testPolicy()

	current := map[string]AttributeValue{
		"sector": {Value: "energy", SourceType: "vendor", SourceName: "feed-b", UpdatedAt: base},
	}

	merged, _ := policy.Apply(current, map[string]string{"sector": "utilities"}, Provenance{
		SourceType: "vendor",
		SourceName: "feed-c",
		IngestedAt: base.Add(time.Minute),
	})
	if merged["sector"].Value != "utilities" {
		t.Fatalf("later equal-rank value must win, got %q", merged["sector"].Value)
	}

	merged, changes := policy.Apply(current, map[string]string{"sector": "utilities"}, Provenance{
		SourceType: "vendor",
		SourceName: "feed-c",
		IngestedAt: base.Add(-time.Minute),
	})
	if merged["sector"].Value != "energy" {
		t.Fatalf("earlier equal-rank value must lose, got %q", merged["sector"].Value)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes for losing value, got %d", len(changes))
	}
}

func TestMergePolicy_UnlistedSourceRanksLast(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := testPolicy()

	current := map[string]AttributeValue{
		"hq": {Value: "Berlin", SourceType: "vendor", SourceName: "feed-b", UpdatedAt: base},
	}

	merged, _ := policy.Apply(current, map[string]string{"hq": "Hamburg"}, Provenance{
		SourceType: "news",
		SourceName: "scraper",
		IngestedAt: base.Add(time.Hour),
	})
	if merged["hq"].Value != "Berlin" {
		t.Fatalf("unlisted source must not override a listed one, got %q", merged["hq"].Value)
	}
}

func TestMergePolicy_IdenticalValueProducesNoChange(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := testPolicy()

	current := map[string]AttributeValue{
		"sector": {Value: "tech", SourceType: "vendor", SourceName: "feed-b", UpdatedAt: base},
	}

	_, changes := policy.Apply(current, map[string]string{"sector": "tech"}, Provenance{
		SourceType: "vendor",
		SourceName: "feed-b",
		IngestedAt: base.Add(time.Hour),
	})
	if len(changes) != 0 {
		t.Fatalf("re-asserting the same value must be a no-op, got %d changes", len(changes))
	}
}

func TestMergePolicy_NewFieldIsAdded(t *testing.T) {
	t.Parallel()

	policy := testPolicy()
	merged, changes := policy.Apply(nil, map[string]string{"sector": "tech"}, Provenance{
		SourceType: "vendor",
		SourceName: "feed-b",
		IngestedAt: time.Now().UTC(),
	})
	if merged["sector"].Value != "tech" {
		t.Fatalf("expected field to be added, got %+v", merged)
	}
	if len(changes) != 1 || changes[0].Old != "" {
		t.Fatalf("expected a single add change, got %+v", changes)
	}
}

func TestMergePolicy_DoesNotMutateCurrent(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := testPolicy()

	current := map[string]AttributeValue{
		"sector": {Value: "tech", SourceType: "vendor", SourceName: "feed-b", UpdatedAt: base},
	}

	policy.Apply(current, map[string]string{"sector": "energy"}, Provenance{
		SourceType: "regulatory",
		SourceName: "feed-a",
		IngestedAt: base.Add(time.Hour),
	})
	if current["sector"].Value != "tech" {
		t.Fatalf("Apply mutated the input map")
	}
}
