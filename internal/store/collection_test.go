package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/regionstore/internal/imageserver"
)

func TestNewCollectionEnumeratesCurrentZ(t *testing.T) {
	server := imageserver.NewGeneratingServer("s", 512, 512, 3, 1, 1)
	clip := imageserver.FullImageClip(server)
	listener := &recordingListener{}

	c := newCollection(listener, server, clip, 1, 0, 0, defaultMaxZSeparation)
	require.NotEmpty(t, c.pending)
}

func TestCollectionNextRequestIsLIFO(t *testing.T) {
	// Single resolution level keeps enumeration simple: requests are
	// appended once, then popped from the back (most recently appended
	// first) — see the documented enumeration-order note in collection.go.
	server := imageserver.NewGeneratingServer("s", 512, 512, 1, 1, 1)
	clip := imageserver.FullImageClip(server)
	listener := &recordingListener{}

	c := newCollection(listener, server, clip, 1, 0, 0, defaultMaxZSeparation)
	want := c.pending[len(c.pending)-1]
	got, ok := c.NextRequest()
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestCollectionSameRegistration(t *testing.T) {
	server := imageserver.NewGeneratingServer("s", 512, 512, 1, 1, 1)
	clip := imageserver.FullImageClip(server)
	listener := &recordingListener{}

	c := newCollection(listener, server, clip, 1, 0, 0, defaultMaxZSeparation)
	assert.True(t, c.sameRegistration(listener, clip, 0, 0))
	assert.False(t, c.sameRegistration(listener, clip, 1, 0))
	assert.False(t, c.sameRegistration(&recordingListener{}, clip, 0, 0))
}

func TestCollectionExhaustionAndZExpansion(t *testing.T) {
	server := imageserver.NewGeneratingServer("s", 256, 256, 1, 3, 1) // 3 z-slices
	clip := imageserver.FullImageClip(server)
	listener := &recordingListener{}

	c := newCollection(listener, server, clip, 1, 1, 0, defaultMaxZSeparation) // middle z-slice
	assert.Equal(t, 2, c.maxZSeparation)

	var total int
	for {
		_, ok := c.NextRequest()
		if !ok {
			break
		}
		total++
		if total > 10_000 {
			t.Fatal("collection never exhausted")
		}
	}
	assert.True(t, c.Exhausted())
}

func TestCollectionPriorityOrdering(t *testing.T) {
	server := imageserver.NewGeneratingServer("s", 256, 256, 1, 1, 1)
	clip := imageserver.FullImageClip(server)

	a := newCollection(&recordingListener{}, server, clip, 1, 0, 0, defaultMaxZSeparation)
	b := newCollection(&recordingListener{}, server, clip, 1, 0, 0, defaultMaxZSeparation)
	a.zSeparation = 0
	b.zSeparation = 1

	assert.True(t, priorityLess(a, b))
	assert.False(t, priorityLess(b, a))

	b.zSeparation = 0
	a.Timestamp = 100
	b.Timestamp = 200
	assert.True(t, priorityLess(a, b))
}
