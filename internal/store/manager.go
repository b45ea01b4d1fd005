package store

import (
	"sort"

	"github.com/MeKo-Tech/regionstore/internal/imageserver"
	"github.com/MeKo-Tech/regionstore/internal/region"
)

// defaultPrefetchConcurrency is nThreads from spec.md §4.6/§6.
const defaultPrefetchConcurrency = 10

// defaultMaxZSeparation is the default ceiling on zSeparation expansion
// from spec.md §6 ("max Z separation (default 10)").
const defaultMaxZSeparation = 10

// requestManager is the Tile Request Manager of spec.md §3/§4.6: a
// priority scheduler over active Collections that keeps at most nThreads
// prefetch workers busy, drawn from the most z-relevant registrations
// (oldest first within the same z-band, see priorityLess), without
// duplicating work already cached or in flight.
//
// Every method here assumes the owning Store's façade monitor (Store.mu)
// is already held — the manager has no lock of its own, matching
// spec.md §4.1's description of request-dispatch as one of the mutations
// serialized under the single façade monitor.
type requestManager struct {
	collections      []*Collection
	requestedWorkers map[region.Request]*Worker
	busyThreads      int
	nThreads         int
	maxZSeparation   int
}

func newRequestManager(nThreads, maxZSeparation int) *requestManager {
	if nThreads < 1 {
		nThreads = defaultPrefetchConcurrency
	}
	if maxZSeparation < 0 {
		maxZSeparation = defaultMaxZSeparation
	}
	return &requestManager{
		requestedWorkers: make(map[region.Request]*Worker),
		nThreads:         nThreads,
		maxZSeparation:   maxZSeparation,
	}
}

// register replaces any prior collection from this listener unless the new
// registration is identical, then re-sorts and replenishes the waiting map.
// It assumes s.mu is held and returns the dispatches assignTasks decided on;
// callers must submit those to their pools only after releasing s.mu.
func (m *requestManager) register(s *Store, listener Listener, server imageserver.Server, clip imageserver.Clip, downsample float64, z, t int) []pendingDispatch {
	for _, c := range m.collections {
		if c.sameRegistration(listener, clip, z, t) {
			return nil
		}
	}

	m.collections = slicesDeleteFunc(m.collections, func(c *Collection) bool {
		return c.Listener == listener
	})

	m.collections = append(m.collections, newCollection(listener, server, clip, downsample, z, t, m.maxZSeparation))
	m.sort()
	return m.assignTasks(s)
}

func slicesDeleteFunc(in []*Collection, match func(*Collection) bool) []*Collection {
	out := in[:0]
	for _, c := range in {
		if !match(c) {
			out = append(out, c)
		}
	}
	return out
}

func (m *requestManager) sort() {
	sort.SliceStable(m.collections, func(i, j int) bool {
		return priorityLess(m.collections[i], m.collections[j])
	})
}

// assignTasks fills idle prefetch slots from the highest-priority
// collections (spec.md §4.6's Assignment loop). It assumes s.mu is held.
// It only creates and registers Worker objects (newWorkerLocked, which
// never blocks); it does not submit them to a pool, since pool.Submit
// must never be called while s.mu is held (spec.md §5). Callers must
// submit the returned dispatches after releasing s.mu.
func (m *requestManager) assignTasks(s *Store) []pendingDispatch {
	var dispatches []pendingDispatch
	for m.busyThreads < m.nThreads {
		col := m.frontCollection()
		if col == nil {
			break
		}

		req, ok := col.NextRequest()
		if !ok {
			m.dropCollection(col)
			continue
		}

		if s.cache.ContainsKey(req) {
			continue // already cached; does not charge a thread
		}
		if w, waiting := s.waiting.Get(req); waiting && !w.Cancelled() {
			continue // already in flight elsewhere; does not charge a thread
		}

		w, pool := s.newWorkerLocked(col.Server, req, false)
		m.requestedWorkers[req] = w
		m.busyThreads++
		dispatches = append(dispatches, pendingDispatch{pool: pool, worker: w})
	}
	m.sort()
	return dispatches
}

// frontCollection returns the highest-priority collection with at least
// one chance of producing a request, dropping exhausted collections as it
// goes.
func (m *requestManager) frontCollection() *Collection {
	for len(m.collections) > 0 {
		c := m.collections[0]
		if c.Exhausted() {
			m.dropCollection(c)
			continue
		}
		return c
	}
	return nil
}

func (m *requestManager) dropCollection(c *Collection) {
	for i, existing := range m.collections {
		if existing == c {
			m.collections = append(m.collections[:i], m.collections[i+1:]...)
			return
		}
	}
}

// taskCompleted removes a manager-owned worker and re-fills its slot.
// Workers the manager did not itself dispatch (direct
// Store.requestImageTile callers) are not tracked here and do not affect scheduling. It assumes
// s.mu is held; see assignTasks for the dispatch-after-unlock contract.
func (m *requestManager) taskCompleted(s *Store, w *Worker) []pendingDispatch {
	if _, ok := m.requestedWorkers[w.req]; !ok {
		return nil
	}
	delete(m.requestedWorkers, w.req)
	m.busyThreads--
	m.sort()
	return m.assignTasks(s)
}

// abandon drops bookkeeping for a worker whose pool submission failed
// after assignTasks created it (the pool was closed or saturated between
// creation and submit). It does not re-run assignTasks: a failed
// submission only happens during shutdown or contention the next
// register/taskCompleted call will naturally revisit.
func (m *requestManager) abandon(req region.Request) {
	if _, ok := m.requestedWorkers[req]; ok {
		delete(m.requestedWorkers, req)
		m.busyThreads--
	}
}

// removeByListener drops any collection registered by listener, used when
// a listener is removed from the store entirely.
func (m *requestManager) removeByListener(listener Listener) {
	m.collections = slicesDeleteFunc(m.collections, func(c *Collection) bool {
		return c.Listener == listener
	})
}
