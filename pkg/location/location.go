// Package location defines the location collaborator contract and a
// last-known-fix resolver used to annotate outbound messages.
package location

import (
	"context"
	"errors"
	"sync"
	"time"
)

// AcquireTimeout bounds a single fix acquisition. Slower providers fall
// back to the last known fix.
const AcquireTimeout = 5 * time.Second

var ErrNoFix = errors.New("no location fix available")

// Fix is one (latitude, longitude) position.
type Fix struct {
	Lat float64
	Lon float64
	At  time.Time
}

// Provider produces position fixes. Implementations may block; callers
// bound them with a context.
type Provider interface {
	Fix(ctx context.Context) (Fix, error)
}

// Static is a provider pinned to a configured coordinate, for nodes
// without positioning hardware.
type Static struct {
	Lat float64
	Lon float64
}

func (s Static) Fix(ctx context.Context) (Fix, error) {
	return Fix{Lat: s.Lat, Lon: s.Lon, At: time.Now()}, nil
}

// Resolver wraps a provider with the acquisition timeout and a last-known
// fallback. A nil provider resolver always reports no fix.
type Resolver struct {
	provider Provider

	mu        sync.Mutex
	lastKnown *Fix
}

// NewResolver creates a resolver over the given provider, which may be nil.
func NewResolver(p Provider) *Resolver {
	return &Resolver{provider: p}
}

// Locate returns the freshest fix obtainable within AcquireTimeout,
// falling back to the last known fix, or nil when neither exists.
func (r *Resolver) Locate(ctx context.Context) *Fix {
	if r == nil || r.provider == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, AcquireTimeout)
	defer cancel()

	type result struct {
		fix Fix
		err error
	}
	ch := make(chan result, 1)
	go func() {
		fix, err := r.provider.Fix(ctx)
		ch <- result{fix, err}
	}()

	select {
	case res := <-ch:
		if res.err == nil {
			r.mu.Lock()
			fix := res.fix
			r.lastKnown = &fix
			r.mu.Unlock()
			return &fix
		}
	case <-ctx.Done():
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastKnown == nil {
		return nil
	}
	fix := *r.lastKnown
	return &fix
}
