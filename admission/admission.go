// Package admission arbitrates populate requests: at most one in-flight
// fetch-and-store per key. A request that loses the race is rejected
// outright — never queued and never handed the winner's result — so
// callers can distinguish "someone is already on it" from a miss.
package admission

import (
	"sync"

	imagecache "github.com/wolfeidau/image-cache"
)

// Gate tracks which keys currently have an in-flight populate operation.
// Safe for concurrent use.
type Gate struct {
	mu     sync.Mutex
	active map[imagecache.Key]struct{}
}

// NewGate creates an empty admission gate.
func NewGate() *Gate {
	return &Gate{
		active: make(map[imagecache.Key]struct{}),
	}
}

// TryAdmit atomically marks key active and returns true, or returns false
// if the key is already active.
func (g *Gate) TryAdmit(key imagecache.Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, inFlight := g.active[key]; inFlight {
		return false
	}
	g.active[key] = struct{}{}
	return true
}

// Release clears the active marker for key. It must be called exactly once
// per admitted request, on every exit path. Releasing a key that is not
// active is a no-op.
func (g *Gate) Release(key imagecache.Key) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, key)
}

// InFlight returns the number of currently admitted keys.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
