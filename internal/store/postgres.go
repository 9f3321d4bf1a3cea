package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// Postgres stores snapshots in the entity_states table as jsonb.
type Postgres[S any] struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store over an existing pool.
func NewPostgres[S any](pool *pgxpool.Pool) *Postgres[S] {
	return &Postgres[S]{pool: pool}
}

// Load returns the stored snapshot or (nil, nil) when absent.
func (p *Postgres[S]) Load(ctx context.Context, kind string, id int64) (*S, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT state FROM entity_states WHERE kind = $1 AND id = $2`,
		kind, id,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // NOT ERROR, just not found
	}
	if err != nil {
		return nil, fmt.Errorf("querying state %s/%d: %w", kind, id, err)
	}

	var state S
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decoding state %s/%d: %w", kind, id, err)
	}
	return &state, nil
}

// Save upserts the snapshot.
func (p *Postgres[S]) Save(ctx context.Context, kind string, id int64, state *S) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state %s/%d: %w", kind, id, err)
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO entity_states (kind, id, state, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (kind, id) DO UPDATE
		 SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		kind, id, raw, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("saving state %s/%d: %w", kind, id, err)
	}
	return nil
}
