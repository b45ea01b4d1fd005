package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/regionstore/internal/imageserver"
	"github.com/MeKo-Tech/regionstore/internal/region"
)

type waitingListener struct {
	ch chan region.Request
}

func newWaitingListener() *waitingListener {
	return &waitingListener{ch: make(chan region.Request, 64)}
}

func (l *waitingListener) TileAvailable(serverPath string, req region.Request, tile imageserver.Tile) {
	l.ch <- req
}

func (l *waitingListener) awaitAny(t *testing.T, timeout time.Duration) region.Request {
	t.Helper()
	select {
	case r := <-l.ch:
		return r
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a tile notification")
		return region.Request{}
	}
}

func TestStoreGetCachedTileMissThenHitAfterWorkerCompletes(t *testing.T) {
	s := New(Config{})
	defer s.Close()

	server := imageserver.NewGeneratingServer("s", 256, 256, 1, 1, 1)
	req := region.New("s", 1, 0, 0, 64, 64, 0, 0)

	_, ok := s.GetCachedTile(req)
	assert.False(t, ok)

	listener := newWaitingListener()
	s.AddTileListener(listener)
	result := s.requestImageTile(server, req, false)
	require.NotNil(t, result.worker)

	_ = listener.awaitAny(t, time.Second)

	tile, ok := s.GetCachedTile(req)
	require.True(t, ok)
	assert.NotNil(t, tile.Image)
}

func TestStoreDeduplicatesConcurrentRequestsForSameRegion(t *testing.T) {
	s := New(Config{})
	defer s.Close()

	var reads int32
	server := imageserver.NewBlockingServer("slow", 1024, 1024, 1, 1, 50*time.Millisecond)
	server.ReadHook = func(region.Request) { atomic.AddInt32(&reads, 1) }
	req := region.New("slow", 1, 0, 0, 64, 64, 0, 0)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := s.requestImageTile(server, req, false)
			if result.worker != nil {
				_, _ = result.worker.Wait(context.Background())
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&reads), "only one read should have reached the server")
}

func TestStoreClearCacheForServerCancelsAndEvicts(t *testing.T) {
	s := New(Config{})
	defer s.Close()

	server := imageserver.NewBlockingServer("to-clear", 1024, 1024, 1, 1, time.Hour)
	req := region.New("to-clear", 1, 0, 0, 64, 64, 0, 0)

	result := s.requestImageTile(server, req, false)
	require.NotNil(t, result.worker)

	s.ClearCacheForServer(server)

	assert.True(t, result.worker.Cancelled())
	_, ok := s.GetCachedTile(req)
	assert.False(t, ok)
}

func TestStoreClearCacheForRequestOverlapOnlyAffectsOverlapping(t *testing.T) {
	s := New(Config{})
	defer s.Close()

	server := imageserver.NewGeneratingServer("s", 512, 512, 1, 1, 1)
	overlapping := region.New("s", 1, 0, 0, 64, 64, 0, 0)
	distant := region.New("s", 1, 400, 400, 64, 64, 0, 0)

	s.cache.Put(overlapping, imageserver.Tile{Image: imageRGBA(64, 64)})
	s.cache.Put(distant, imageserver.Tile{Image: imageRGBA(64, 64)})

	s.ClearCacheForRequestOverlap(region.New("s", 1, 0, 0, 32, 32, 0, 0))

	_, ok := s.GetCachedTile(overlapping)
	assert.False(t, ok)
	_, ok = s.GetCachedTile(distant)
	assert.True(t, ok)
}

func TestStoreThumbnailFallsBackToDirectReadWhenWorkerCancelled(t *testing.T) {
	s := New(Config{})
	defer s.Close()

	// Latency is long enough to reliably cancel the in-flight worker before
	// it completes, but short enough that the direct-read fallback (issued
	// against the same server) finishes well within the outer deadline.
	server := imageserver.NewBlockingServer("t", 2048, 2048, 2, 1, 50*time.Millisecond)

	result := make(chan struct {
		tile imageserver.Tile
		err  error
	}, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		tile, err := s.Thumbnail(ctx, server, 0, 0, true)
		result <- struct {
			tile imageserver.Tile
			err  error
		}{tile, err}
	}()

	time.Sleep(5 * time.Millisecond)
	s.mu.Lock()
	req := s.thumbnail.request(server, 0, 0)
	w, ok := s.waiting.Get(req)
	s.mu.Unlock()
	require.True(t, ok)
	w.Cancel()

	select {
	case r := <-result:
		assert.NoError(t, r.err)
	case <-time.After(2 * time.Second):
		t.Fatal("Thumbnail never returned after its worker was cancelled")
	}
}

func TestStoreRegisterRequestNeverDeadlocksWhenPoolIsSaturated(t *testing.T) {
	// PrefetchConcurrency deliberately exceeds the local pool's job buffer
	// (LocalPoolSize 1 gives 1*4 = 4 slots) so assignTasks tries to dispatch more workers
	// than the pool can immediately accept. If Submit were called while
	// Store.mu were held, this would deadlock: pool goroutines calling
	// workerComplete would block on Store.mu while the registering
	// goroutine blocked on a full job channel inside that same lock.
	s := New(Config{
		PrefetchConcurrency: localPoolSize()*4 + 20,
		LocalPoolSize:       1,
	})
	defer s.Close()

	server := imageserver.NewGeneratingServer("s", 4096, 4096, 4, 1, 1)
	clip := imageserver.FullImageClip(server)
	listener := &recordingListener{}

	done := make(chan struct{})
	go func() {
		s.RegisterRequest(listener, server, clip, 1, 0, 0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("RegisterRequest deadlocked against a saturated pool")
	}
}

func TestStoreCloseIsIdempotentAndStopsDispatch(t *testing.T) {
	s := New(Config{})
	server := imageserver.NewGeneratingServer("s", 256, 256, 1, 1, 1)
	req := region.New("s", 1, 0, 0, 64, 64, 0, 0)

	s.Close()
	assert.NotPanics(t, func() { s.Close() })

	result := s.requestImageTile(server, req, false)
	assert.Nil(t, result.worker)
	assert.False(t, result.hasTile)
}
