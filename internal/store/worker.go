package store

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MeKo-Tech/regionstore/internal/cache"
	"github.com/MeKo-Tech/regionstore/internal/imageserver"
	"github.com/MeKo-Tech/regionstore/internal/region"
)

type workerState int32

const (
	stateQueued workerState = iota
	stateRunning
	stateDone
	stateCancelled
)

// Worker is a one-shot, cancellable task that reads one region from an
// ImageServer and publishes it on completion (spec.md §3, §4.3). It is the
// TileWorker of the spec. A Worker is submitted as a unit of work to one of
// the store's two executor pools and runs exactly once.
type Worker struct {
	req                region.Request
	server             imageserver.Server
	cache              *cache.Cache
	ensureTileReturned bool

	state  atomic.Int32
	doneCh chan struct{}

	ctx      context.Context
	cancelFn context.CancelFunc

	result imageserver.Tile
	err    error

	onComplete func(*Worker)
	logger     *slog.Logger
}

func newWorker(server imageserver.Server, req region.Request, c *cache.Cache, ensureTileReturned bool, onComplete func(*Worker), logger *slog.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		req:                req,
		server:             server,
		cache:              c,
		ensureTileReturned: ensureTileReturned,
		doneCh:             make(chan struct{}),
		ctx:                ctx,
		cancelFn:           cancel,
		onComplete:         onComplete,
		logger:             logger,
	}
	w.state.Store(int32(stateQueued))
	return w
}

// Request returns the region this worker reads. RegionRequest equality is
// what the waiting map and cache key on.
func (w *Worker) Request() region.Request { return w.req }

// Cancelled reports whether this worker has been (or will be) discarded.
// A cancelled worker's result, even if already produced, is never
// inserted into the cache nor delivered to listeners (spec.md §5, P4).
func (w *Worker) Cancelled() bool {
	return workerState(w.state.Load()) == stateCancelled
}

// Cancel requests that the worker's run end and its result be discarded.
// It is safe to call from any goroutine, at any point in the worker's
// lifetime, any number of times.
func (w *Worker) Cancel() {
	w.cancelFn()
	for {
		cur := workerState(w.state.Load())
		if cur == stateDone || cur == stateCancelled {
			return
		}
		if w.state.CompareAndSwap(int32(cur), int32(stateCancelled)) {
			return
		}
	}
}

// run is the body submitted to an executor pool. It re-checks the cache
// (a concurrent insertion may have filled it since this worker was
// created), then falls back to a synchronous ImageServer.ReadRegion.
func (w *Worker) run() {
	if !w.state.CompareAndSwap(int32(stateQueued), int32(stateRunning)) {
		// Already cancelled before it got a chance to run.
		w.finish(imageserver.Tile{}, nil)
		return
	}

	if tile, ok := w.cache.Get(w.req); ok {
		w.finish(tile, nil)
		return
	}

	tile, err := w.server.ReadRegion(w.ctx, w.req)
	if err != nil {
		if w.logger != nil {
			w.logger.Error("tile read failed", "request", w.req.String(), "error", err)
		}
		w.finish(imageserver.Tile{}, nil)
		return
	}
	w.finish(tile, nil)
}

func (w *Worker) finish(tile imageserver.Tile, err error) {
	w.result = tile
	w.err = err
	for {
		cur := workerState(w.state.Load())
		if cur == stateCancelled || cur == stateDone {
			break
		}
		if w.state.CompareAndSwap(int32(cur), int32(stateDone)) {
			break
		}
	}
	close(w.doneCh)
	if w.onComplete != nil {
		w.onComplete(w)
	}
}

// Wait blocks until the worker completes or ctx is done, whichever comes
// first. It is the only blocking entry point the store itself uses
// (Store.Thumbnail); all other store operations are non-blocking.
func (w *Worker) Wait(ctx context.Context) (imageserver.Tile, error) {
	select {
	case <-w.doneCh:
		if w.Cancelled() {
			return imageserver.Tile{}, context.Canceled
		}
		return w.result, w.err
	case <-ctx.Done():
		return imageserver.Tile{}, ctx.Err()
	}
}
