// Package store implements the region store's concurrent core: the
// weight-bounded cache's companion structures (waiting map, workers,
// executor pools), the prefetch scheduler, and the Store façade that
// external collaborators (spec.md §6) actually call.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MeKo-Tech/regionstore/internal/cache"
	"github.com/MeKo-Tech/regionstore/internal/diagnostics"
	"github.com/MeKo-Tech/regionstore/internal/imageserver"
	"github.com/MeKo-Tech/regionstore/internal/region"
)

// Config configures a Store. Zero values fall back to spec.md's defaults.
type Config struct {
	// MaxCacheBytes is the Tile Cache's aggregate byte budget.
	MaxCacheBytes int64
	// Weigher estimates a tile's byte weight. Defaults to 4 bytes/pixel.
	Weigher cache.Weigher
	// PrefetchConcurrency is nThreads, the Request Manager's worker budget.
	// Defaults to 10.
	PrefetchConcurrency int
	// MaxZSeparation caps how far a Collection expands its Z-search before
	// giving up (spec.md §6). Zero or negative means the default of 10.
	MaxZSeparation int
	// RemotePoolSize and LocalPoolSize override the executor pool sizes.
	// Zero means spec.md §4.5's computed defaults.
	RemotePoolSize int
	LocalPoolSize  int
	// MaxThumbnailSize and MinThumbnailSize override the thumbnail policy's
	// bounds (defaults 1024 and 16).
	MaxThumbnailSize int
	MinThumbnailSize int
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// Recorder optionally logs cache/worker lifecycle events for offline
	// inspection. Defaults to a no-op recorder.
	Recorder diagnostics.Recorder
}

func (c Config) withDefaults() Config {
	if c.MaxCacheBytes <= 0 {
		c.MaxCacheBytes = 256 * 1024 * 1024
	}
	if c.Weigher == nil {
		c.Weigher = imageserver.DefaultSizeEstimator
	}
	if c.PrefetchConcurrency <= 0 {
		c.PrefetchConcurrency = defaultPrefetchConcurrency
	}
	if c.MaxZSeparation <= 0 {
		c.MaxZSeparation = defaultMaxZSeparation
	}
	if c.RemotePoolSize <= 0 {
		c.RemotePoolSize = remotePoolSize()
	}
	if c.LocalPoolSize <= 0 {
		c.LocalPoolSize = localPoolSize()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Recorder == nil {
		c.Recorder = diagnostics.NoopRecorder{}
	}
	return c
}

// Store is the region store's façade (spec.md §4.1): the component
// external collaborators (the viewer, the repaint loop) actually see.
// It owns the cache, the waiting map, both executor pools, the request
// manager, and every collection/worker it has scheduled.
type Store struct {
	mu sync.Mutex // façade monitor; serializes clear/dispatch/close

	cache   *cache.Cache
	waiting *WaitingMap
	workers map[*Worker]struct{}

	remotePool *Pool
	localPool  *Pool

	manager   *requestManager
	listeners listenerSet
	thumbnail thumbnailPolicy

	clearingCache atomic.Bool
	closed        atomic.Bool

	logger   *slog.Logger
	recorder diagnostics.Recorder
}

// New constructs a Store. The returned Store must eventually be closed
// with Close.
func New(cfg Config) *Store {
	cfg = cfg.withDefaults()

	s := &Store{
		cache:      cache.New(cfg.MaxCacheBytes, cfg.Weigher),
		waiting:    NewWaitingMap(),
		workers:    make(map[*Worker]struct{}),
		remotePool: NewPool(cfg.RemotePoolSize),
		localPool:  NewPool(cfg.LocalPoolSize),
		manager:    newRequestManager(cfg.PrefetchConcurrency, cfg.MaxZSeparation),
		thumbnail:  newThumbnailPolicy(cfg.MaxThumbnailSize, cfg.MinThumbnailSize),
		logger:     cfg.Logger,
		recorder:   cfg.Recorder,
	}
	return s
}

// GetCachedTile returns the cached tile for req, if present. It never
// schedules work (spec.md §4.1).
func (s *Store) GetCachedTile(req region.Request) (imageserver.Tile, bool) {
	return s.cache.Get(req)
}

// GetCachedThumbnail returns the cached thumbnail tile for (server, z, t),
// if present.
func (s *Store) GetCachedThumbnail(server imageserver.Server, z, t int) (imageserver.Tile, bool) {
	return s.cache.Get(s.thumbnail.request(server, z, t))
}

// Thumbnail returns the thumbnail tile for (server, z, t), blocking if
// necessary (spec.md §4.1). If cached, it returns immediately. Otherwise
// it obtains the in-flight worker (or starts one) and waits; if that
// worker fails or is cancelled, it falls back to a direct synchronous
// read on the server, exactly as spec.md §7 describes as the only
// user-surfaced failure path.
func (s *Store) Thumbnail(ctx context.Context, server imageserver.Server, z, t int, addToCache bool) (imageserver.Tile, error) {
	req := s.thumbnail.request(server, z, t)

	result := s.requestImageTile(server, req, true)
	if result.hasTile {
		return result.tile, nil
	}
	if result.worker == nil {
		return s.directRead(ctx, server, req, addToCache)
	}

	tile, err := result.worker.Wait(ctx)
	if err == nil && tile.Image != nil {
		return tile, nil
	}

	s.logger.Warn("thumbnail worker failed or was cancelled, falling back to direct read",
		"request", req.String(), "error", err)
	return s.directRead(ctx, server, req, addToCache)
}

func (s *Store) directRead(ctx context.Context, server imageserver.Server, req region.Request, addToCache bool) (imageserver.Tile, error) {
	tile, err := server.ReadRegion(ctx, req)
	if err != nil {
		return imageserver.Tile{}, fmt.Errorf("direct thumbnail read failed: %w", err)
	}
	if addToCache && tile.Image != nil {
		s.cache.Put(req, tile)
		s.listeners.notify(server.Path(), req, tile)
	}
	return tile, nil
}

// dispatchResult is requestImageTile's polymorphic return (spec.md §4.2):
// either a cached tile, or a worker (freshly created or already in
// flight), or neither when the region is known-empty or the target pool
// has been shut down.
type dispatchResult struct {
	tile    imageserver.Tile
	hasTile bool
	worker  *Worker
}

// pendingDispatch is a Worker that has been created and registered
// (waiting map, workers set) but not yet submitted to its pool. Splitting
// creation from submission lets callers release s.mu before calling
// pool.Submit (spec.md §5): the façade monitor must never be held across
// a pool submission, since a pool worker goroutine can itself be blocked
// acquiring that same monitor inside workerComplete — held the other way
// round, that is a deadlock.
type pendingDispatch struct {
	pool   *Pool
	worker *Worker
}

// requestImageTile is the single gateway that preserves invariant I2 (at
// most one non-cancelled worker per RegionRequest): every path that might
// need a worker to read a region — Thumbnail and the request manager's
// assignTasks — ultimately funnels new-worker creation through
// newWorkerLocked, called while s.mu is held, and submits the result only
// after releasing it.
//
// ensureTileReturned is accepted for parity with the source API but has
// no differentiated behavior beyond the re-check-cache-then-read sequence
// every worker already performs (spec.md §9, open question O2).
func (s *Store) requestImageTile(server imageserver.Server, req region.Request, ensureTileReturned bool) dispatchResult {
	s.mu.Lock()

	if tile, ok := s.cache.Get(req); ok {
		s.mu.Unlock()
		return dispatchResult{tile: tile, hasTile: true}
	}
	if server.IsEmptyRegion(req) {
		s.mu.Unlock()
		return dispatchResult{}
	}
	if w, ok := s.waiting.Get(req); ok && !w.Cancelled() {
		s.mu.Unlock()
		return dispatchResult{worker: w}
	}

	w, pool := s.newWorkerLocked(server, req, ensureTileReturned)
	s.mu.Unlock()

	if !pool.Submit(w) {
		s.abandonWorker(w)
		return dispatchResult{}
	}
	s.recorder.Record(diagnostics.Event{Kind: diagnostics.EventDispatch, Request: req.String()})
	return dispatchResult{worker: w}
}

// newWorkerLocked creates a new Worker for req and registers it in the
// waiting map and worker set. Callers must hold s.mu. It never blocks and
// never fails; the caller is responsible for submitting the returned
// worker to the returned pool after releasing s.mu, and for calling
// abandonWorker if that submission fails.
func (s *Store) newWorkerLocked(server imageserver.Server, req region.Request, ensureTileReturned bool) (*Worker, *Pool) {
	pool := s.remotePool
	if server.Generating() {
		pool = s.localPool
	}

	w := newWorker(server, req, s.cache, ensureTileReturned, s.workerComplete, s.logger)
	s.waiting.Put(req, w)
	s.workers[w] = struct{}{}
	return w, pool
}

// submitDispatches submits each pending dispatch to its pool. Callers must
// not hold s.mu. Dispatches whose pool submission fails (shut down or
// momentarily saturated, spec.md §4.2 step 5) are abandoned.
func (s *Store) submitDispatches(dispatches []pendingDispatch) {
	for _, d := range dispatches {
		if !d.pool.Submit(d.worker) {
			s.abandonWorker(d.worker)
			continue
		}
		s.recorder.Record(diagnostics.Event{Kind: diagnostics.EventDispatch, Request: d.worker.req.String()})
	}
}

// abandonWorker undoes newWorkerLocked's registration for a worker whose
// pool submission never happened. Callers must not hold s.mu.
func (s *Store) abandonWorker(w *Worker) {
	s.mu.Lock()
	delete(s.workers, w)
	s.waiting.RemoveIfSame(w.req, w)
	s.manager.abandon(w.req)
	s.mu.Unlock()
	s.logger.Debug("pool unavailable, dropping dispatch", "request", w.req.String())
}

// workerComplete is TileWorker's done hook (spec.md §4.3): it always
// runs, hands control back to the store under the façade monitor, and
// (unless cancelled or superseded) publishes the result. Any follow-up
// dispatches the request manager decides on are submitted only after the
// façade monitor is released (spec.md §5).
func (s *Store) workerComplete(w *Worker) {
	s.mu.Lock()
	delete(s.workers, w)
	dispatches := s.manager.taskCompleted(s, w)
	removed := false
	if !w.Cancelled() {
		removed = s.waiting.RemoveIfSame(w.req, w)
	}
	s.mu.Unlock()

	s.submitDispatches(dispatches)

	if w.Cancelled() || !removed {
		s.recorder.Record(diagnostics.Event{Kind: diagnostics.EventCancelled, Request: w.req.String()})
		return
	}
	if w.err != nil || w.result.Image == nil {
		s.recorder.Record(diagnostics.Event{Kind: diagnostics.EventEmpty, Request: w.req.String()})
		return
	}

	s.cache.Put(w.req, w.result)
	s.recorder.Record(diagnostics.Event{Kind: diagnostics.EventInsert, Request: w.req.String()})
	s.listeners.notify(w.server.Path(), w.req, w.result)
}

// RegisterRequest enqueues (or replaces) a prefetch collection for this
// listener's visible area (spec.md §4.1, §4.6). It returns immediately;
// tiles arrive asynchronously via listener notification. Any dispatches
// the request manager assigns are submitted only after the façade monitor
// is released (spec.md §5).
func (s *Store) RegisterRequest(listener Listener, server imageserver.Server, clip imageserver.Clip, downsample float64, z, t int) {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return
	}
	dispatches := s.manager.register(s, listener, server, clip, downsample, z, t)
	s.mu.Unlock()

	s.submitDispatches(dispatches)
}

// AddTileListener registers a listener for tile-available notifications.
func (s *Store) AddTileListener(l Listener) {
	s.listeners.add(l)
}

// RemoveTileListener unregisters a listener and drops any prefetch
// collection it had registered.
func (s *Store) RemoveTileListener(l Listener) {
	s.listeners.remove(l)
	s.mu.Lock()
	s.manager.removeByListener(l)
	s.mu.Unlock()
}

// ClearCache cancels all active workers (when stopWaiting is true), empties
// the waiting map and worker list, and clears the cache (spec.md §4.7).
func (s *Store) ClearCache(stopWaiting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearingCache.Store(true)
	defer s.clearingCache.Store(false)

	if stopWaiting {
		for _, w := range s.waiting.Clear() {
			w.Cancel()
		}
		s.workers = make(map[*Worker]struct{})
	}
	s.cache.Clear()
}

// ClearCacheForServer removes all cache entries and cancels all waiting
// workers whose RegionRequest.ServerPath matches server's path
// (spec.md §4.7, property P5).
func (s *Store) ClearCacheForServer(server imageserver.Server) {
	path := server.Path()
	match := func(req region.Request) bool { return req.ServerPath == path }

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.waiting.RemoveMatching(match) {
		w.Cancel()
	}
	s.cache.RemoveMatching(match)
}

// ClearCacheForRequestOverlap removes cache entries and cancels workers
// whose RegionRequest overlaps req.
func (s *Store) ClearCacheForRequestOverlap(req region.Request) {
	match := func(other region.Request) bool { return req.Overlaps(other) }

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.waiting.RemoveMatching(match) {
		w.Cancel()
	}
	s.cache.RemoveMatching(match)
}

// Close cancels outstanding workers, shuts down both executor pools, and
// clears the cache. No operation is valid on a Store afterwards. Close is
// idempotent.
func (s *Store) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	for _, w := range s.waiting.Clear() {
		w.Cancel()
	}
	s.workers = make(map[*Worker]struct{})
	s.mu.Unlock()

	s.remotePool.Close()
	s.localPool.Close()
	s.cache.Clear()
}
