package store

import (
	"sync"

	"github.com/MeKo-Tech/regionstore/internal/region"
)

// WaitingMap deduplicates concurrent requests for the same region
// (spec.md §3's Waiting Map, invariant I2): a RegionRequest is present iff
// some non-cancelled worker for it is queued or running.
type WaitingMap struct {
	mu sync.Mutex
	m  map[region.Request]*Worker
}

// NewWaitingMap creates an empty waiting map.
func NewWaitingMap() *WaitingMap {
	return &WaitingMap{m: make(map[region.Request]*Worker)}
}

// Get returns the worker currently registered for req, if any.
func (wm *WaitingMap) Get(req region.Request) (*Worker, bool) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	w, ok := wm.m[req]
	return w, ok
}

// Put registers w for req, overwriting any prior entry. Callers are
// expected to hold the façade monitor when this is used in combination
// with the cache, per spec.md §5.
func (wm *WaitingMap) Put(req region.Request, w *Worker) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.m[req] = w
}

// RemoveIfSame removes req's mapping only if it currently points at w,
// returning whether it removed anything. This is the guard
// workerComplete uses (spec.md §4.3 step 2) so a worker that lost a race
// against a newer worker for the same request never evicts the newer
// one's registration.
func (wm *WaitingMap) RemoveIfSame(req region.Request, w *Worker) bool {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	cur, ok := wm.m[req]
	if !ok || cur != w {
		return false
	}
	delete(wm.m, req)
	return true
}

// RemoveMatching removes every entry whose key satisfies match, returning
// the removed workers so the caller can cancel them.
func (wm *WaitingMap) RemoveMatching(match func(region.Request) bool) []*Worker {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	var removed []*Worker
	for k, w := range wm.m {
		if match(k) {
			removed = append(removed, w)
			delete(wm.m, k)
		}
	}
	return removed
}

// Clear empties the map, returning every worker that was registered so
// the caller can cancel them.
func (wm *WaitingMap) Clear() []*Worker {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	removed := make([]*Worker, 0, len(wm.m))
	for _, w := range wm.m {
		removed = append(removed, w)
	}
	wm.m = make(map[region.Request]*Worker)
	return removed
}

// Len returns the number of in-flight registrations.
func (wm *WaitingMap) Len() int {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return len(wm.m)
}
