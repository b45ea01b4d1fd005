package store

import (
	"math"

	"github.com/MeKo-Tech/regionstore/internal/imageserver"
	"github.com/MeKo-Tech/regionstore/internal/region"
)

// defaultMaxThumbnailSize and defaultMinThumbnailSize are the default bounds
// from spec.md §4.8 / §6. A Config overrides them through
// newThumbnailPolicy, which stores the chosen bounds per policy.
const (
	defaultMaxThumbnailSize = 1024
	defaultMinThumbnailSize = 16
)

// thumbnailPolicy computes the single canonical downsample used for a
// per-Z/T thumbnail request (spec.md §4.8).
type thumbnailPolicy struct {
	maxThumbnailSize float64
	minThumbnailSize float64
}

func newThumbnailPolicy(maxSize, minSize int) thumbnailPolicy {
	if maxSize <= 0 {
		maxSize = defaultMaxThumbnailSize
	}
	if minSize <= 0 {
		minSize = defaultMinThumbnailSize
	}
	return thumbnailPolicy{maxThumbnailSize: float64(maxSize), minThumbnailSize: float64(minSize)}
}

func (p thumbnailPolicy) downsample(server imageserver.Server) float64 {
	if server.NResolutions() <= 1 {
		return 1
	}

	w, h := float64(server.Width()), float64(server.Height())
	maxDim, minDim := w, h
	if minDim > maxDim {
		maxDim, minDim = minDim, maxDim
	}

	d := math.Min(maxDim/p.maxThumbnailSize, minDim/p.minThumbnailSize)
	return math.Max(1, d)
}

// request builds the full-image RegionRequest for a thumbnail at (z, t).
func (p thumbnailPolicy) request(server imageserver.Server, z, t int) region.Request {
	d := p.downsample(server)
	return region.New(server.Path(), d, 0, 0, server.Width(), server.Height(), z, t)
}
