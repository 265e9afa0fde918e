// ABOUTME: Shared round-robin cursor over the agent ring.
// ABOUTME: One cursor per relay; concurrent scans may interleave but never index out of range.

package agent

import (
	"sync/atomic"
)

// Router holds the position the next handoff scan starts from.
type Router struct {
	current atomic.Uint64
}

// NewRouter creates a Router starting at index zero.
func NewRouter() *Router {
	return &Router{}
}

// Start returns the scan start for a ring of n agents.
func (r *Router) Start(n int) int {
	if n <= 0 {
		return 0
	}
	return int(r.current.Load() % uint64(n))
}

// Advance moves the cursor just past index idx in a ring of n agents.
func (r *Router) Advance(idx, n int) {
	if n <= 0 {
		return
	}
	r.current.Store(uint64((idx + 1) % n))
}

// Set places the cursor at index idx in a ring of n agents.
func (r *Router) Set(idx, n int) {
	if n <= 0 {
		return
	}
	r.current.Store(uint64(idx % n))
}
