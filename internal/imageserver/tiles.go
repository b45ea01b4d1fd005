package imageserver

import (
	"github.com/paulmach/orb"

	"github.com/MeKo-Tech/regionstore/internal/region"
)

// TileSize is the edge length, in server (native-resolution) pixels, of one
// tile-aligned region at downsample 1. Higher downsamples cover
// TileSize*downsample native pixels per tile, same as a standard pyramidal
// tile grid.
const TileSize = 256

// Clip is the visible-area shape a viewer asks to have covered. It is
// expressed in native-resolution server pixel coordinates, independent of
// the downsample being requested.
type Clip struct {
	X, Y, Width, Height int
}

func (c Clip) bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{float64(c.X), float64(c.Y)},
		Max: orb.Point{float64(c.X + c.Width), float64(c.Y + c.Height)},
	}
}

func boundsIntersect(a, b orb.Bound) bool {
	return a.Min[0] < b.Max[0] && b.Min[0] < a.Max[0] &&
		a.Min[1] < b.Max[1] && b.Min[1] < a.Max[1]
}

// TilesForClip returns existing augmented with every tile-aligned
// region.Request at (downsample, z, t) whose bounds intersect clip. It is
// the tile-geometry helper described in spec.md §6: given a server, a
// clip shape, a resolution, and a focal plane/timepoint, produce the
// region list covering it.
func TilesForClip(server Server, clip Clip, downsample float64, z, t int, existing []region.Request) []region.Request {
	if downsample <= 0 {
		downsample = 1
	}
	tileSpan := float64(TileSize) * downsample
	if tileSpan <= 0 {
		return existing
	}

	clipBound := clip.bound()

	minCol := int(clipBound.Min[0] / tileSpan)
	maxCol := int(clipBound.Max[0] / tileSpan)
	minRow := int(clipBound.Min[1] / tileSpan)
	maxRow := int(clipBound.Max[1] / tileSpan)

	serverW, serverH := server.Width(), server.Height()

	for row := minRow; row <= maxRow; row++ {
		y := int(float64(row) * tileSpan)
		if y >= serverH {
			continue
		}
		h := int(tileSpan)
		if y+h > serverH {
			h = serverH - y
		}
		if h <= 0 {
			continue
		}
		for col := minCol; col <= maxCol; col++ {
			x := int(float64(col) * tileSpan)
			if x >= serverW {
				continue
			}
			w := int(tileSpan)
			if x+w > serverW {
				w = serverW - x
			}
			if w <= 0 {
				continue
			}

			tileBound := orb.Bound{
				Min: orb.Point{float64(x), float64(y)},
				Max: orb.Point{float64(x + w), float64(y + h)},
			}
			if !boundsIntersect(clipBound, tileBound) {
				continue
			}

			existing = append(existing, region.New(server.Path(), downsample, x, y, w, h, z, t))
		}
	}

	return existing
}

// FullImageClip returns the clip shape covering a server's entire
// full-resolution extent, used by the CLI demo and tests.
func FullImageClip(server Server) Clip {
	return Clip{X: 0, Y: 0, Width: server.Width(), Height: server.Height()}
}
