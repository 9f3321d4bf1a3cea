// Package store implements the persistence collaborators behind the actor
// runtime: loadState/saveState backends keyed by (kind, id), plus the account
// repository used by login.
package store

import (
	"context"
	"errors"
)

// Sentinel errors shared by all backends.
var (
	// ErrUnavailable means the backend rejected the call fast, without
	// touching storage (circuit open, pool closed).
	ErrUnavailable = errors.New("store unavailable")

	// ErrBadCredentials is returned by account authentication on login or
	// password mismatch.
	ErrBadCredentials = errors.New("bad credentials")
)

// Store persists entity state snapshots. Load returns (nil, nil) when no
// snapshot exists for the key; Save overwrites unconditionally. Both may be
// called concurrently for different keys; the actor runtime guarantees at most
// one in-flight call per key.
type Store[S any] interface {
	Load(ctx context.Context, kind string, id int64) (*S, error)
	Save(ctx context.Context, kind string, id int64, state *S) error
}
