package match

import (
	"context"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/fabric/pkg/store"
)

const defaultTopK = 5

// NameMatcher scores candidates by trigram similarity over normalized
// primary names. It pulls its candidate pool from the store, restricted
// to the fact's entity type.
type NameMatcher struct {
	store          store.Storage
	candidateLimit int
}

// NewNameMatcherParams configures a NameMatcher. CandidateLimit bounds
// how many entities per type are scored; 0 uses the store default.
type NewNameMatcherParams struct {
	Store          store.Storage
	CandidateLimit int
}

// NewNameMatcher creates a trigram name matcher over the given store.
func NewNameMatcher(params NewNameMatcherParams) *NameMatcher {
	return &NameMatcher{
		store:          params.Store,
		candidateLimit: params.CandidateLimit,
	}
}

func (m *NameMatcher) Match(ctx context.Context, name, entityType string, topK int) ([]Candidate, error) {
	if topK <= 0 {
		topK = defaultTopK
	}

	entities, err := m.store.CandidateEntities(ctx, entityType, m.candidateLimit)
	if err != nil {
		return nil, err
	}

	query := NormalizeName(name)
	if query == "" {
		return nil, nil
	}
	queryGrams := trigrams(query)

	candidates := make([]Candidate, 0, len(entities))
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		score := Similarity(query, queryGrams, NormalizeName(e.Name))
		if score <= 0 {
			continue
		}
		candidates = append(candidates, Candidate{Entity: e, Score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

// NormalizeName standardizes a name for comparison: trimmed, whitespace
// collapsed, upper-cased.
func NormalizeName(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.Join(strings.Fields(value), " ")
	return strings.ToUpper(value)
}

// Similarity returns the Sørensen–Dice coefficient over character
// trigrams of two normalized names. Identical names score 1.0.
func Similarity(query string, queryGrams map[string]int, candidate string) float64 {
	if query == "" || candidate == "" {
		return 0
	}
	if query == candidate {
		return 1.0
	}

	candGrams := trigrams(candidate)
	if len(queryGrams) == 0 || len(candGrams) == 0 {
		return 0
	}

	shared := 0
	for gram, n := range queryGrams {
		if m, ok := candGrams[gram]; ok {
			shared += min(n, m)
		}
	}

	total := 0
	for _, n := range queryGrams {
		total += n
	}
	for _, n := range candGrams {
		total += n
	}

	return 2 * float64(shared) / float64(total)
}

// trigrams pads the input so short names still produce grams, matching
// the padding behavior of postgres pg_trgm.
func trigrams(s string) map[string]int {
	padded := "  " + s + " "
	runes := []rune(padded)
	grams := make(map[string]int)
	for i := 0; i+3 <= len(runes); i++ {
		grams[string(runes[i:i+3])]++
	}
	return grams
}

var _ Matcher = (*NameMatcher)(nil)
