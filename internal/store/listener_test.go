package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MeKo-Tech/regionstore/internal/imageserver"
	"github.com/MeKo-Tech/regionstore/internal/region"
)

type recordingListener struct {
	mu    sync.Mutex
	calls int
}

func (l *recordingListener) TileAvailable(serverPath string, req region.Request, tile imageserver.Tile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func TestListenerSetNotifiesAll(t *testing.T) {
	var set listenerSet
	a := &recordingListener{}
	b := &recordingListener{}
	set.add(a)
	set.add(b)

	set.notify("s", region.New("s", 1, 0, 0, 16, 16, 0, 0), imageserver.Tile{})

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
}

func TestListenerSetRemove(t *testing.T) {
	var set listenerSet
	a := &recordingListener{}
	b := &recordingListener{}
	set.add(a)
	set.add(b)
	set.remove(a)

	set.notify("s", region.New("s", 1, 0, 0, 16, 16, 0, 0), imageserver.Tile{})

	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, b.count())
}

func TestListenerSetSnapshotIsolatesConcurrentMutation(t *testing.T) {
	var set listenerSet
	a := &recordingListener{}
	set.add(a)

	snap := set.snapshot()
	set.remove(a)

	// snap must still reference a even though it was removed afterwards.
	assert.Len(t, snap, 1)
}
