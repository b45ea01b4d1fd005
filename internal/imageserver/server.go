// Package imageserver defines the external collaborators the store reads
// from: the synchronous backend (Server), its optional cheap-synthesis
// capability, and the tile-geometry helper that enumerates which regions
// cover a clip shape at a given resolution.
package imageserver

import (
	"context"
	"image"

	"github.com/MeKo-Tech/regionstore/internal/region"
)

// Tile is the opaque raster a Server produces for one Request.
type Tile struct {
	Image image.Image
}

// SizeEstimator approximates the byte weight of a Tile for the cache's
// weigher. Callers typically estimate from bounds and color model rather
// than re-encoding the image.
type SizeEstimator func(t Tile) int64

// DefaultSizeEstimator assumes 4 bytes/pixel (RGBA), which is exact for
// image.RGBA/NRGBA and a reasonable upper bound for anything else.
func DefaultSizeEstimator(t Tile) int64 {
	if t.Image == nil {
		return 0
	}
	b := t.Image.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}

// Server is the synchronous backend the store reads tiles from. A Server
// is tagged as "generating" through Generating() rather than through a
// distinct type: the spec's GeneratingImageServer is a capability, not a
// subtype, so a plain boolean on the interface is the idiomatic Go
// encoding of it (see DESIGN.md).
type Server interface {
	// Path is this server's opaque identity, used as RegionRequest.ServerPath.
	Path() string
	// NResolutions is the number of precomputed pyramid levels.
	NResolutions() int
	// NZSlices is the number of focal planes.
	NZSlices() int
	// Width and Height are the full-resolution image dimensions.
	Width() int
	Height() int
	// PreferredDownsamples lists the server's native resolution levels,
	// coarsest typically last or first depending on implementation; callers
	// must not assume an order and should sort if they need one.
	PreferredDownsamples() []float64
	// IsEmptyRegion is a cheap predicate: true means ReadRegion would
	// produce nothing for this request. The store re-tests it on every
	// miss rather than memoizing the result (spec's "known-empty shortcut").
	IsEmptyRegion(req region.Request) bool
	// ReadRegion blocks until the region is read or ctx is done. A nil
	// Tile with a nil error means "no content" (treated like empty).
	ReadRegion(ctx context.Context, req region.Request) (Tile, error)
	// Generating reports whether tiles from this server are synthesized
	// cheaply in-process (routed to the local pool) rather than fetched
	// from a slow/remote backend (routed to the remote pool).
	Generating() bool
}
