package pgx

import (
	"context"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// EmbedderFunc turns an entity name into a vector for pgvector
// similarity search. Optional: without one the store still serves
// name candidates and the trigram matcher does the scoring.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

// Store implements the Fabric storage contract on PostgreSQL. Each
// ApplyFact runs in a single transaction guarded by advisory locks on
// the fact's identifier keys, so concurrent workers serialize their
// lookup-decide-write sequences per identifier.
type Store struct {
	conn     pgxIConn
	embedder EmbedderFunc
}

type StoreOption func(*Store)

// WithEmbedder enables pgvector-backed candidate search for the fuzzy
// matcher.
func WithEmbedder(fn EmbedderFunc) StoreOption {
	return func(s *Store) {
		s.embedder = fn
	}
}

// NewStoreWithConnection creates a store using an existing connection
// or pool.
func NewStoreWithConnection(conn pgxIConn, opts ...StoreOption) *Store {
	s := &Store{conn: conn}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}
