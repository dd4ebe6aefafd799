// Package noop discards page snapshots.
package noop

import "context"

// Store drops snapshots on the floor. Used when diagnosis persistence is
// not configured.
type Store struct{}

// New returns a no-op snapshot store.
func New() *Store {
	return &Store{}
}

// Put discards the snapshot and returns an empty URI.
func (Store) Put(context.Context, string, []byte) (string, error) {
	return "", nil
}
