package store

import (
	"sort"
	"time"

	"github.com/MeKo-Tech/regionstore/internal/imageserver"
	"github.com/MeKo-Tech/regionstore/internal/region"
)

// Collection is one viewer's visible-area prefetch: the TileRequestCollection
// of spec.md §3/§4.6. It enumerates the ordered list of tile requests
// covering a clip shape, coarse-to-fine across resolution levels, then
// expands outward across neighbouring Z-slices once the current plane is
// drained.
type Collection struct {
	Listener   Listener
	Server     imageserver.Server
	Clip       imageserver.Clip
	Downsample float64
	Z, T       int
	Timestamp  int64 // creation time in epoch ms, used only to break priority ties

	zSeparation    int
	maxZSeparation int
	pending        []region.Request // stack; NextRequest pops from the back
}

// newCollection builds a collection and immediately enumerates the current
// Z-plane's tile-aligned requests, coarsest resolution first. zSeparationCap
// is the configured ceiling on how far zSeparation may expand (spec.md §6's
// "max Z separation", default 10).
func newCollection(listener Listener, server imageserver.Server, clip imageserver.Clip, downsample float64, z, t int, zSeparationCap int) *Collection {
	maxZSep := server.NZSlices() - 1
	if maxZSep > zSeparationCap {
		maxZSep = zSeparationCap
	}
	if maxZSep < 0 {
		maxZSep = 0
	}

	c := &Collection{
		Listener:       listener,
		Server:         server,
		Clip:           clip,
		Downsample:     downsample,
		Z:              z,
		T:              t,
		Timestamp:      time.Now().UnixMilli(),
		maxZSeparation: maxZSep,
	}
	c.enumerateCurrentZ()
	return c
}

// sameRegistration reports whether other targets the same listener, clip,
// z and t as c (spec.md §4.6 registration dedup; invariant I3).
func (c *Collection) sameRegistration(listener Listener, clip imageserver.Clip, z, t int) bool {
	return c.Listener == listener && c.Clip == clip && c.Z == z && c.T == t
}

// enumerateCurrentZ fills pending for the collection's own Z, walking
// resolution levels from coarsest down to the requested Downsample and
// appending at each level (spec.md §4.6). Because requests are appended
// coarse-first and popped from the back, the finest level's requests sit
// at the top of the stack and are served first — this is the documented
// enumeration order (open question O1: preserved as observed, despite
// "progressive display" language suggesting the opposite was intended).
func (c *Collection) enumerateCurrentZ() {
	downsamples := sortedDescending(c.Server.PreferredDownsamples())
	for _, ds := range downsamples {
		c.pending = imageserver.TilesForClip(c.Server, c.Clip, ds, c.Z, c.T, c.pending)
		if ds <= c.Downsample {
			break
		}
	}
}

func sortedDescending(in []float64) []float64 {
	out := make([]float64, len(in))
	copy(out, in)
	sort.Sort(sort.Reverse(sort.Float64Slice(out)))
	return out
}

// NextRequest pops the next pending request for this collection, driving
// Z-expansion when the current plane's list runs dry. It returns false
// once the collection has nothing left at all (current Z drained and Z
// separation has reached its cap).
func (c *Collection) NextRequest() (region.Request, bool) {
	for len(c.pending) == 0 {
		if !c.expandZ() {
			return region.Request{}, false
		}
	}
	n := len(c.pending)
	req := c.pending[n-1]
	c.pending = c.pending[:n-1]
	return req, true
}

// HasPending reports whether NextRequest would currently return a value
// without driving further Z-expansion, i.e. whether any region.Request
// is already enumerated and waiting.
func (c *Collection) HasPending() bool {
	return len(c.pending) > 0
}

// Exhausted reports whether the collection can never produce another
// request: no pending requests and Z separation has reached its cap.
func (c *Collection) Exhausted() bool {
	return len(c.pending) == 0 && c.zSeparation >= c.maxZSeparation
}

// expandZ increments zSeparation and enumerates coarse, degraded-resolution
// tiles for z±zSeparation (spec.md §4.6). It returns false once
// maxZSeparation has been reached and there is nothing further to expand.
func (c *Collection) expandZ() bool {
	if c.zSeparation >= c.maxZSeparation {
		return false
	}
	c.zSeparation++

	degraded := c.Downsample * maxFloat(5, float64(c.zSeparation*2))

	nZSlices := c.Server.NZSlices()
	for _, side := range [2]int{-1, 1} {
		z := c.Z + side*c.zSeparation
		if z < 0 || z >= nZSlices {
			continue
		}
		// stopBeforeDownsample: a single coarse pass only, never descending
		// to finer levels the way enumerateCurrentZ does for the focal plane.
		c.pending = imageserver.TilesForClip(c.Server, c.Clip, degraded, z, c.T, c.pending)
	}
	return true
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// priorityLess orders collections the way TileRequestComparator does
// (spec.md §4.6): zSeparation ascending (closer to the focal plane first),
// then timestamp ascending (older registrations first within the same
// z-band). The front of the list is the highest priority.
func priorityLess(a, b *Collection) bool {
	if a.zSeparation != b.zSeparation {
		return a.zSeparation < b.zSeparation
	}
	return a.Timestamp < b.Timestamp
}
