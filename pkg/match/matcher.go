package match

import (
	"context"

	"github.com/OFFIS-RIT/fabric/pkg/common"
)

// Candidate is one scored fuzzy-match result.
type Candidate struct {
	Entity common.Entity
	Score  float64
}

// Matcher finds entities that approximately match a primary name and
// type. Implementations return up to topK candidates, best score first,
// with scores in [0, 1].
type Matcher interface {
	Match(ctx context.Context, name, entityType string, topK int) ([]Candidate, error)
}
