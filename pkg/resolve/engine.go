package resolve

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/go-playground/validator"

	"github.com/OFFIS-RIT/fabric/pkg/common"
	"github.com/OFFIS-RIT/fabric/pkg/logger"
	"github.com/OFFIS-RIT/fabric/pkg/match"
	"github.com/OFFIS-RIT/fabric/pkg/store"
)

// Outcome classifies how a fact was resolved.
type Outcome string

const (
	// OutcomeMatched means the fact merged into an existing entity.
	OutcomeMatched Outcome = "matched"
	// OutcomeCreated means a new confirmed entity was created.
	OutcomeCreated Outcome = "created"
	// OutcomeProvisional means a new entity was created inside the
	// review band, with a suggested duplicate attached.
	OutcomeProvisional Outcome = "provisional"
	// OutcomeFlagged means authoritative identifiers disagreed and a
	// flagged entity was created instead of guessing.
	OutcomeFlagged Outcome = "flagged"
)

// Options holds the resolution thresholds. Zero values fall back to the
// defaults below.
type Options struct {
	// AutoMergeThreshold is the confidence at and above which an
	// identifier hit or fuzzy score is authoritative. Default 0.95.
	AutoMergeThreshold float64
	// ReviewThreshold is the lower bound of the review band. Fuzzy
	// scores in [ReviewThreshold, AutoMergeThreshold) create a
	// provisional entity. Default 0.75.
	ReviewThreshold float64
	// TopK bounds the fuzzy candidate list. Default 5.
	TopK int
	// MatchTimeout bounds a single fuzzy query; on expiry resolution
	// degrades to identifier-only. Default 2s.
	MatchTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.AutoMergeThreshold <= 0 {
		o.AutoMergeThreshold = 0.95
	}
	if o.ReviewThreshold <= 0 {
		o.ReviewThreshold = 0.75
	}
	if o.TopK <= 0 {
		o.TopK = 5
	}
	if o.MatchTimeout <= 0 {
		o.MatchTimeout = 2 * time.Second
	}
	return o
}

// Resolution is the result of resolving one fact.
type Resolution struct {
	EntityID string
	Outcome  Outcome
	// Degraded is set when the fuzzy matcher was unavailable or timed
	// out and resolution fell back to identifiers only.
	Degraded bool
	// Unchanged is set when the fact changed nothing; no lineage record
	// was written.
	Unchanged            bool
	SuggestedDuplicateID string
	Record               *common.LineageRecord
}

// Engine decides whether an incoming fact merges into a known entity,
// creates a new one, or creates a provisional one. The lookup-decide-
// write sequence is serialized per identifier key; everything else runs
// lock-free.
type Engine struct {
	store    store.Storage
	matcher  match.Matcher
	policy   common.MergePolicy
	opts     Options
	validate *validator.Validate
	locks    *keyedLock
}

// NewEngineParams configures a resolution engine.
type NewEngineParams struct {
	Store   store.Storage
	Matcher match.Matcher
	Policy  common.MergePolicy
	Options Options
}

// NewEngine creates a resolution engine over the given store and matcher.
func NewEngine(params NewEngineParams) *Engine {
	return &Engine{
		store:    params.Store,
		matcher:  params.Matcher,
		policy:   params.Policy,
		opts:     params.Options.withDefaults(),
		validate: validator.New(),
		locks:    newKeyedLock(),
	}
}

// Resolve runs the full resolution algorithm for one fact and persists
// the outcome atomically. A lost create race is retried once; a second
// conflict is treated like an ambiguous match and produces a flagged
// entity.
func (e *Engine) Resolve(ctx context.Context, fact common.IncomingFact) (*Resolution, error) {
	if err := e.validate.Struct(fact); err != nil {
		return nil, &MalformedFactError{
			SourceName:     fact.Provenance.SourceName,
			SourceRecordID: fact.Provenance.SourceRecordID,
			Err:            err,
		}
	}
	if fact.Provenance.IngestedAt.IsZero() {
		fact.Provenance.IngestedAt = time.Now().UTC()
	}

	res, err := e.resolveOnce(ctx, fact)
	if errors.Is(err, store.ErrConflict) {
		logger.Warn("[Resolve] Lost identifier create race, retrying",
			"source", fact.Provenance.SourceName,
			"record", fact.Provenance.SourceRecordID,
		)
		res, err = e.resolveOnce(ctx, fact)
		if errors.Is(err, store.ErrConflict) {
			logger.Warn("[Resolve] Create conflict persisted after retry, flagging entity",
				"source", fact.Provenance.SourceName,
				"record", fact.Provenance.SourceRecordID,
			)
			return e.applyCreate(ctx, fact, createParams{flagged: true})
		}
	}
	return res, err
}

func (e *Engine) resolveOnce(ctx context.Context, fact common.IncomingFact) (*Resolution, error) {
	unlock := e.locks.lock(identifierKeys(fact))
	defer unlock()

	hits, err := e.authoritativeHits(ctx, fact)
	if err != nil {
		return nil, err
	}

	if len(hits) > 1 {
		// Conflicting authoritative identifiers are a data-quality
		// issue. A strictly best hit still wins; a tie is not guessed.
		logger.Warn("[Resolve] Authoritative identifiers point at different entities",
			"source", fact.Provenance.SourceName,
			"record", fact.Provenance.SourceRecordID,
			"entities", len(hits),
		)
		if hits[0].confidence == hits[1].confidence {
			return e.applyCreate(ctx, fact, createParams{flagged: true})
		}
	}
	if len(hits) > 0 {
		return e.applyMerge(ctx, fact, hits[0].entityID, false)
	}

	degraded := false
	candidates, err := e.fuzzyCandidates(ctx, fact)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("[Resolve] Fuzzy matcher unavailable, falling back to identifier-only resolution",
			"source", fact.Provenance.SourceName,
			"err", err,
		)
		degraded = true
	}

	if len(candidates) > 0 {
		best := candidates[0]
		if best.Score >= e.opts.AutoMergeThreshold {
			return e.applyMerge(ctx, fact, best.Entity.ID, degraded)
		}
		if best.Score >= e.opts.ReviewThreshold {
			return e.applyCreate(ctx, fact, createParams{
				provisional: true,
				suggested:   best.Entity.ID,
				degraded:    degraded,
			})
		}
	}

	return e.applyCreate(ctx, fact, createParams{degraded: degraded})
}

type identifierHit struct {
	entityID   string
	confidence float64
}

// authoritativeHits looks up every identifier of the fact in the index
// and returns the distinct entities claimed at or above the auto-merge
// threshold, best confidence first.
func (e *Engine) authoritativeHits(ctx context.Context, fact common.IncomingFact) ([]identifierHit, error) {
	byEntity := make(map[string]float64)

	for scheme, value := range fact.Identifiers {
		claims, err := e.store.LookupIdentifier(ctx, scheme, value)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, c := range claims {
			if c.Confidence < e.opts.AutoMergeThreshold {
				continue
			}
			if c.Confidence > byEntity[c.EntityID] {
				byEntity[c.EntityID] = c.Confidence
			}
		}
	}

	hits := make([]identifierHit, 0, len(byEntity))
	for id, conf := range byEntity {
		hits = append(hits, identifierHit{entityID: id, confidence: conf})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].confidence != hits[j].confidence {
			return hits[i].confidence > hits[j].confidence
		}
		return hits[i].entityID < hits[j].entityID
	})
	return hits, nil
}

func (e *Engine) fuzzyCandidates(ctx context.Context, fact common.IncomingFact) ([]match.Candidate, error) {
	if e.matcher == nil {
		return nil, nil
	}
	matchCtx, cancel := context.WithTimeout(ctx, e.opts.MatchTimeout)
	defer cancel()
	return e.matcher.Match(matchCtx, fact.PrimaryName, fact.EntityType, e.opts.TopK)
}

func (e *Engine) applyMerge(ctx context.Context, fact common.IncomingFact, entityID string, degraded bool) (*Resolution, error) {
	entity, err := e.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	factAttrs := factAttributes(fact)
	merged, changes := e.policy.Apply(entity.Attributes, factAttrs, fact.Provenance)

	if len(changes) == 0 {
		claimed, err := e.sourceHasClaims(ctx, entity.ID, fact)
		if err != nil {
			return nil, err
		}
		if claimed {
			return &Resolution{
				EntityID:  entity.ID,
				Outcome:   OutcomeMatched,
				Degraded:  degraded,
				Unchanged: true,
			}, nil
		}
	}

	name := entity.Name
	if v, ok := merged[common.FieldPrimaryName]; ok {
		name = v.Value
	}

	record, err := e.store.ApplyFact(ctx, store.FactApplication{
		EntityID:        entity.ID,
		Name:            name,
		EntityType:      entity.Type,
		Attributes:      merged,
		Changes:         changes,
		Claims:          claimsFor(fact),
		FactAttributes:  factAttrs,
		FactIdentifiers: fact.Identifiers,
		Provenance:      fact.Provenance,
	})
	if err != nil {
		return nil, err
	}

	return &Resolution{
		EntityID: entity.ID,
		Outcome:  OutcomeMatched,
		Degraded: degraded,
		Record:   record,
	}, nil
}

type createParams struct {
	provisional bool
	flagged     bool
	suggested   string
	degraded    bool
}

func (e *Engine) applyCreate(ctx context.Context, fact common.IncomingFact, p createParams) (*Resolution, error) {
	factAttrs := factAttributes(fact)
	merged, changes := e.policy.Apply(nil, factAttrs, fact.Provenance)

	// A flagged entity makes no identifier claims: the identifiers in
	// play are already contested and must stay with their current
	// owners until reconciliation.
	var claims []common.IdentifierClaim
	if !p.flagged {
		claims = claimsFor(fact)
	}

	record, err := e.store.ApplyFact(ctx, store.FactApplication{
		Create:               true,
		Name:                 fact.PrimaryName,
		EntityType:           fact.EntityType,
		Provisional:          p.provisional,
		Flagged:              p.flagged,
		SuggestedDuplicateID: p.suggested,
		Attributes:           merged,
		Changes:              changes,
		Claims:               claims,
		ConflictThreshold:    e.opts.AutoMergeThreshold,
		FactAttributes:       factAttrs,
		FactIdentifiers:      fact.Identifiers,
		Provenance:           fact.Provenance,
	})
	if err != nil {
		return nil, err
	}

	outcome := OutcomeCreated
	switch {
	case p.flagged:
		outcome = OutcomeFlagged
	case p.provisional:
		outcome = OutcomeProvisional
	}

	return &Resolution{
		EntityID:             record.EntityID,
		Outcome:              outcome,
		Degraded:             p.degraded,
		SuggestedDuplicateID: p.suggested,
		Record:               record,
	}, nil
}

// sourceHasClaims reports whether every identifier of the fact is
// already actively claimed for the entity by the fact's source. Facts
// without identifiers trivially qualify.
func (e *Engine) sourceHasClaims(ctx context.Context, entityID string, fact common.IncomingFact) (bool, error) {
	for scheme, value := range fact.Identifiers {
		claims, err := e.store.LookupIdentifier(ctx, scheme, value)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		found := false
		for _, c := range claims {
			if c.EntityID == entityID && c.SourceName == fact.Provenance.SourceName {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

// factAttributes copies the fact's attributes and folds the primary name
// in under the reserved key so it is merged like any other field.
func factAttributes(fact common.IncomingFact) map[string]string {
	attrs := make(map[string]string, len(fact.Attributes)+1)
	for k, v := range fact.Attributes {
		attrs[k] = v
	}
	attrs[common.FieldPrimaryName] = fact.PrimaryName
	return attrs
}

func claimsFor(fact common.IncomingFact) []common.IdentifierClaim {
	if len(fact.Identifiers) == 0 {
		return nil
	}
	claims := make([]common.IdentifierClaim, 0, len(fact.Identifiers))
	for scheme, value := range fact.Identifiers {
		claims = append(claims, common.IdentifierClaim{
			Scheme:     scheme,
			Value:      value,
			SourceName: fact.Provenance.SourceName,
			SourceType: fact.Provenance.SourceType,
			Confidence: fact.Provenance.ExtractionConfidence,
		})
	}
	return claims
}

func identifierKeys(fact common.IncomingFact) []string {
	if len(fact.Identifiers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fact.Identifiers))
	for scheme, value := range fact.Identifiers {
		keys = append(keys, common.IdentifierKey{Scheme: scheme, Value: value}.String())
	}
	return keys
}
