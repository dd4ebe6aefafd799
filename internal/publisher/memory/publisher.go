// Package memory contains an in-memory package-update publisher.
package memory

import (
	"context"
	"sync"

	"github.com/parcelwatch/parcelwatch/internal/tracker"
)

// Publisher stores published updates for inspection. It is the default
// transport when no downstream consumers are configured.
type Publisher struct {
	mu      sync.RWMutex
	updates []tracker.PackageUpdate
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the update.
func (p *Publisher) Publish(_ context.Context, update tracker.PackageUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
	return nil
}

// Updates returns the recorded publishes.
func (p *Publisher) Updates() []tracker.PackageUpdate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]tracker.PackageUpdate, len(p.updates))
	copy(out, p.updates)
	return out
}

// Close is a no-op.
func (p *Publisher) Close() error {
	return nil
}
