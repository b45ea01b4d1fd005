package imageserver

import (
	"context"
	"image"
	"image/color"
	"math"

	"github.com/aquilax/go-perlin"
	"github.com/disintegration/gift"
	"golang.org/x/image/draw"

	"github.com/MeKo-Tech/regionstore/internal/region"
)

// maxNativeOversample caps how much finer than the requested tile size
// the noise field is sampled before being resized down. Degraded
// neighbour-Z requests (collection.go's expandZ) carry large Downsample
// values; without a cap the native raster would grow with them.
const maxNativeOversample = 4.0

// GeneratingServer is a demo GeneratingImageServer: it synthesizes tiles
// from Perlin noise instead of reading a remote backend, so it is cheap
// enough to run on the store's local pool (spec.md §4.5). It exists to
// give that routing decision something real to exercise.
type GeneratingServer struct {
	path               string
	width, height      int
	nResolutions       int
	nZSlices           int
	preferredDownsamples []float64

	noise *perlin.Perlin
	blur  *gift.GIFT
}

// NewGeneratingServer builds a synthetic pyramidal server. seed controls
// the Perlin field so repeated runs are reproducible.
func NewGeneratingServer(path string, width, height, nResolutions, nZSlices int, seed int64) *GeneratingServer {
	if nResolutions < 1 {
		nResolutions = 1
	}
	if nZSlices < 1 {
		nZSlices = 1
	}
	downsamples := make([]float64, nResolutions)
	for i := range downsamples {
		downsamples[i] = math.Pow(2, float64(i))
	}

	return &GeneratingServer{
		path:                 path,
		width:                width,
		height:               height,
		nResolutions:         nResolutions,
		nZSlices:             nZSlices,
		preferredDownsamples: downsamples,
		noise:                perlin.NewPerlin(2, 2, 3, seed),
		blur:                 gift.New(gift.GaussianBlur(0.6)),
	}
}

func (s *GeneratingServer) Path() string                     { return s.path }
func (s *GeneratingServer) NResolutions() int                 { return s.nResolutions }
func (s *GeneratingServer) NZSlices() int                     { return s.nZSlices }
func (s *GeneratingServer) Width() int                        { return s.width }
func (s *GeneratingServer) Height() int                       { return s.height }
func (s *GeneratingServer) PreferredDownsamples() []float64   { return s.preferredDownsamples }
func (s *GeneratingServer) Generating() bool                  { return true }

func (s *GeneratingServer) IsEmptyRegion(req region.Request) bool {
	return req.X >= s.width || req.Y >= s.height || req.Width <= 0 || req.Height <= 0
}

// ReadRegion synthesizes a tile by sampling a Perlin noise field at a
// native-resolution grid, running it through a small gift filter chain (a
// stand-in for whatever cheap post-processing a real in-process generator
// would apply), then resampling the result down to the requested tile size
// with golang.org/x/image/draw. Requests with a larger Downsample — in
// particular the degraded neighbour-Z requests collection.go's expandZ
// produces — sample a proportionally coarser native grid (capped by
// maxNativeOversample) and lean more on that final resampling step.
func (s *GeneratingServer) ReadRegion(ctx context.Context, req region.Request) (Tile, error) {
	if s.IsEmptyRegion(req) {
		return Tile{}, nil
	}
	select {
	case <-ctx.Done():
		return Tile{}, ctx.Err()
	default:
	}

	nativeFactor := req.Downsample
	if nativeFactor < 1 {
		nativeFactor = 1
	}
	if nativeFactor > maxNativeOversample {
		nativeFactor = maxNativeOversample
	}
	nativeW := maxInt(1, int(float64(req.Width)*nativeFactor))
	nativeH := maxInt(1, int(float64(req.Height)*nativeFactor))

	worldStep := req.Downsample / nativeFactor
	const noiseFreq = 0.01

	raw := image.NewGray(image.Rect(0, 0, nativeW, nativeH))
	for py := 0; py < nativeH; py++ {
		worldY := float64(req.Y) + float64(py)*worldStep
		for px := 0; px < nativeW; px++ {
			worldX := float64(req.X) + float64(px)*worldStep
			v := s.noise.Noise2D(worldX*noiseFreq, worldY*noiseFreq)
			gray := uint8((v + 1) / 2 * 255)
			raw.SetGray(px, py, color.Gray{Y: gray})
		}
	}

	blurred := image.NewRGBA(s.blur.Bounds(raw.Bounds()))
	s.blur.Draw(blurred, raw)

	dst := image.NewRGBA(image.Rect(0, 0, req.Width, req.Height))
	draw.BiLinear.Scale(dst, dst.Bounds(), blurred, blurred.Bounds(), draw.Over, nil)

	return Tile{Image: dst}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
