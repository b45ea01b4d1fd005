package cache

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/regionstore/internal/imageserver"
	"github.com/MeKo-Tech/regionstore/internal/region"
)

func tile(w, h int) imageserver.Tile {
	return imageserver.Tile{Image: image.NewRGBA(image.Rect(0, 0, w, h))}
}

func TestCacheGetPutRoundTrip(t *testing.T) {
	c := New(1024*1024, nil)
	req := region.New("s", 1, 0, 0, 16, 16, 0, 0)

	_, ok := c.Get(req)
	assert.False(t, ok)

	c.Put(req, tile(16, 16))
	got, ok := c.Get(req)
	require.True(t, ok)
	assert.Equal(t, 16, got.Image.Bounds().Dx())
}

func TestCacheRejectsNilImage(t *testing.T) {
	c := New(1024*1024, nil)
	req := region.New("s", 1, 0, 0, 16, 16, 0, 0)
	c.Put(req, imageserver.Tile{})
	_, ok := c.Get(req)
	assert.False(t, ok)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	// Each 16x16 RGBA tile weighs 16*16*4 = 1024 bytes = 1 unit.
	// A 3-unit budget holds exactly three such tiles.
	c := New(3*1024, nil)

	reqs := make([]region.Request, 4)
	for i := range reqs {
		reqs[i] = region.New("s", 1, i*16, 0, 16, 16, 0, 0)
		c.Put(reqs[i], tile(16, 16))
	}

	// reqs[0] should have been evicted to make room for reqs[3].
	_, ok := c.Get(reqs[0])
	assert.False(t, ok)
	for _, r := range reqs[1:] {
		_, ok := c.Get(r)
		assert.True(t, ok)
	}
	assert.Equal(t, 3, c.Len())
}

func TestCacheGetRefreshesRecency(t *testing.T) {
	c := New(2*1024, nil)
	a := region.New("s", 1, 0, 0, 16, 16, 0, 0)
	b := region.New("s", 1, 16, 0, 16, 16, 0, 0)
	cc := region.New("s", 1, 32, 0, 16, 16, 0, 0)

	c.Put(a, tile(16, 16))
	c.Put(b, tile(16, 16))
	// touch a so b becomes the least recently used
	_, _ = c.Get(a)
	c.Put(cc, tile(16, 16))

	_, ok := c.Get(b)
	assert.False(t, ok, "b should have been evicted instead of a")
	_, ok = c.Get(a)
	assert.True(t, ok)
}

func TestCacheRejectsOversizedEntry(t *testing.T) {
	c := New(1024, nil) // 1 unit budget
	req := region.New("s", 1, 0, 0, 64, 64, 0, 0)
	c.Put(req, tile(64, 64)) // 64*64*4 = 16384 bytes, far over budget
	_, ok := c.Get(req)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCacheRemoveMatching(t *testing.T) {
	c := New(1024*1024, nil)
	a := region.New("server-a", 1, 0, 0, 16, 16, 0, 0)
	b := region.New("server-b", 1, 0, 0, 16, 16, 0, 0)
	c.Put(a, tile(16, 16))
	c.Put(b, tile(16, 16))

	c.RemoveMatching(func(r region.Request) bool { return r.ServerPath == "server-a" })

	_, ok := c.Get(a)
	assert.False(t, ok)
	_, ok = c.Get(b)
	assert.True(t, ok)
}

func TestCacheClear(t *testing.T) {
	c := New(1024*1024, nil)
	req := region.New("s", 1, 0, 0, 16, 16, 0, 0)
	c.Put(req, tile(16, 16))
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Weight())
}

func TestCacheTrim(t *testing.T) {
	c := New(4*1024, nil)
	for i := 0; i < 4; i++ {
		req := region.New("s", 1, i*16, 0, 16, 16, 0, 0)
		c.Put(req, tile(16, 16))
	}
	require.Equal(t, 4, c.Len())

	c.Trim(0.5)
	assert.LessOrEqual(t, c.Len(), 2)
}

func TestCacheContainsKeyDoesNotTouchRecency(t *testing.T) {
	c := New(2*1024, nil)
	a := region.New("s", 1, 0, 0, 16, 16, 0, 0)
	b := region.New("s", 1, 16, 0, 16, 16, 0, 0)
	cc := region.New("s", 1, 32, 0, 16, 16, 0, 0)

	c.Put(a, tile(16, 16))
	c.Put(b, tile(16, 16))
	assert.True(t, c.ContainsKey(a)) // must not promote a
	c.Put(cc, tile(16, 16))

	_, ok := c.Get(a)
	assert.False(t, ok, "ContainsKey must not have refreshed a's recency")
}
