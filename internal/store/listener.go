package store

import (
	"sync"

	"github.com/MeKo-Tech/regionstore/internal/imageserver"
	"github.com/MeKo-Tech/regionstore/internal/region"
)

// Listener is notified after a tile is inserted into the cache
// (spec.md §6's TileListener). Implementations must be comparable with ==
// (in practice, a pointer to a struct): registerRequest deduplicates
// prefetch collections per listener identity (spec.md §4.6, invariant I3),
// and that comparison would panic on a non-comparable dynamic type such as
// a bare function value.
type Listener interface {
	TileAvailable(serverPath string, req region.Request, tile imageserver.Tile)
}

// listenerSet is the store's internally synchronized listener list. Fan-out
// iterates over a snapshot copy so the listener list can change
// concurrently without affecting an in-flight notification round
// (spec.md §5).
type listenerSet struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (s *listenerSet) add(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *listenerSet) remove(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Listener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

func (s *listenerSet) notify(serverPath string, req region.Request, tile imageserver.Tile) {
	for _, l := range s.snapshot() {
		l.TileAvailable(serverPath, req, tile)
	}
}
