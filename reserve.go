package volcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/meigma/volcache/store"
)

// Reserver claims the right to write an entry before it is packed.
//
// Reserve returns a release function on success. It returns an error
// wrapping ErrContended when another writer holds the claim.
type Reserver interface {
	Reserve(ctx context.Context, scope, name string) (release func() error, err error)
}

// NoReserver disables reservations. Concurrent saves of the same key
// both pack, and the last commit wins.
type NoReserver struct{}

// Reserve always succeeds.
func (NoReserver) Reserve(context.Context, string, string) (func() error, error) {
	return func() error { return nil }, nil
}

// LockReserver reserves entries with claim files in the store.
type LockReserver struct {
	store *store.Store
}

// NewLockReserver returns a Reserver backed by s.
func NewLockReserver(s *store.Store) *LockReserver {
	return &LockReserver{store: s}
}

// Reserve creates a claim file next to the entry.
func (r *LockReserver) Reserve(ctx context.Context, scope, name string) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err := r.store.Lock(scope, name)
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return nil, fmt.Errorf("%w: %w", ErrContended, err)
		}
		return nil, err
	}
	return l.Release, nil
}
