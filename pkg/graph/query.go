package graph

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/OFFIS-RIT/fabric/pkg/common"
	"github.com/OFFIS-RIT/fabric/pkg/store"
)

const nodeFetchParallelMax = 8

// Query is the read side of the graph. It takes no locks: a query may
// momentarily miss an edge whose write is still in flight, which is
// acceptable because edges accumulate evidence rather than carry
// authoritative state.
type Query struct {
	store store.Storage
}

// NewQuery creates a graph query service over the given store.
func NewQuery(s store.Storage) *Query {
	return &Query{store: s}
}

// Neighbors returns the distinct nodes one hop away from an entity, in
// either direction, filtered by relationship type (empty matches all)
// and minimum edge confidence.
func (q *Query) Neighbors(ctx context.Context, entityID, relationshipType string, minConfidence float64) ([]common.GraphNode, error) {
	ids, err := q.neighborIDs(ctx, entityID, relationshipType, minConfidence)
	if err != nil {
		return nil, err
	}
	return q.nodesFor(ctx, ids)
}

// Traverse walks outbound edges of one relationship type breadth-first
// up to depth hops, returning every reached node exactly once. The
// starting entity is not part of the result.
func (q *Query) Traverse(ctx context.Context, entityID, relationshipType string, depth int) ([]common.GraphNode, error) {
	if depth <= 0 {
		return nil, nil
	}

	visited := map[string]bool{entityID: true}
	frontier := []string{entityID}
	var reached []string

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			edges, err := q.store.EdgesFrom(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				if relationshipType != "" && edge.Type != relationshipType {
					continue
				}
				if visited[edge.TargetID] {
					continue
				}
				visited[edge.TargetID] = true
				next = append(next, edge.TargetID)
				reached = append(reached, edge.TargetID)
			}
		}
		frontier = next
	}

	return q.nodesFor(ctx, reached)
}

// FindPaths enumerates all minimal-length directed paths from source to
// target, capped at maxDepth hops. Paths are returned as node id
// sequences including both endpoints. A longer path is never returned
// when a shorter one exists.
func (q *Query) FindPaths(ctx context.Context, sourceID, targetID string, maxDepth int) ([][]string, error) {
	if maxDepth <= 0 {
		return nil, nil
	}
	if sourceID == targetID {
		return [][]string{{sourceID}}, nil
	}

	// Standard all-shortest-paths BFS: remember the depth each node was
	// first reached at and every predecessor that reaches it at that
	// depth, then backtrack from the target.
	dist := map[string]int{sourceID: 0}
	parents := map[string][]string{}
	frontier := []string{sourceID}
	found := false

	for depth := 1; depth <= maxDepth && len(frontier) > 0 && !found; depth++ {
		var next []string
		for _, id := range frontier {
			edges, err := q.store.EdgesFrom(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				d, seen := dist[edge.TargetID]
				if seen && d != depth {
					continue
				}
				if !seen {
					dist[edge.TargetID] = depth
					next = append(next, edge.TargetID)
				}
				// Parallel edges of different types must not duplicate
				// the path through the same predecessor.
				if !containsString(parents[edge.TargetID], id) {
					parents[edge.TargetID] = append(parents[edge.TargetID], id)
				}
				if edge.TargetID == targetID {
					found = true
				}
			}
		}
		frontier = next
	}

	if !found {
		return nil, nil
	}

	var paths [][]string
	var backtrack func(node string, suffix []string)
	backtrack = func(node string, suffix []string) {
		path := append([]string{node}, suffix...)
		if node == sourceID {
			paths = append(paths, path)
			return
		}
		for _, parent := range parents[node] {
			backtrack(parent, path)
		}
	}
	backtrack(targetID, nil)

	sort.Slice(paths, func(i, j int) bool {
		for k := range paths[i] {
			if k >= len(paths[j]) {
				return false
			}
			if paths[i][k] != paths[j][k] {
				return paths[i][k] < paths[j][k]
			}
		}
		return len(paths[i]) < len(paths[j])
	})
	return paths, nil
}

// CommonNeighbors intersects the one-hop neighbor sets of the given
// entities, filtered by relationship type.
func (q *Query) CommonNeighbors(ctx context.Context, entityIDs []string, relationshipType string) ([]common.GraphNode, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}

	counts := map[string]int{}
	for _, id := range entityIDs {
		ids, err := q.neighborIDs(ctx, id, relationshipType, 0)
		if err != nil {
			return nil, err
		}
		for _, n := range ids {
			counts[n]++
		}
	}

	var shared []string
	for id, n := range counts {
		if n == len(entityIDs) {
			shared = append(shared, id)
		}
	}
	return q.nodesFor(ctx, shared)
}

// StaleEdges returns edges with no mention inside the window. They are
// reported, never deleted: a single missing mention is not evidence of
// absence.
func (q *Query) StaleEdges(ctx context.Context, window time.Duration) ([]common.GraphEdge, error) {
	cutoff := time.Now().UTC().Add(-window)
	return q.store.EdgesNotSeenSince(ctx, cutoff)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (q *Query) neighborIDs(ctx context.Context, entityID, relationshipType string, minConfidence float64) ([]string, error) {
	out, err := q.store.EdgesFrom(ctx, entityID)
	if err != nil {
		return nil, err
	}
	in, err := q.store.EdgesTo(ctx, entityID)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != entityID && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, edge := range out {
		if relationshipType != "" && edge.Type != relationshipType {
			continue
		}
		if edge.Confidence < minConfidence {
			continue
		}
		add(edge.TargetID)
	}
	for _, edge := range in {
		if relationshipType != "" && edge.Type != relationshipType {
			continue
		}
		if edge.Confidence < minConfidence {
			continue
		}
		add(edge.SourceID)
	}

	return ids, nil
}

func (q *Query) nodesFor(ctx context.Context, ids []string) ([]common.GraphNode, error) {
	nodes := make([]common.GraphNode, 0, len(ids))
	mergeMu := sync.Mutex{}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(nodeFetchParallelMax)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			node, err := q.store.GetNode(gCtx, id)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			mergeMu.Lock()
			nodes = append(nodes, *node)
			mergeMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].EntityID < nodes[j].EntityID })
	return nodes, nil
}
