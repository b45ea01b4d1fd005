package imageserver

import (
	"context"
	"image"
	"image/color"
	"time"

	"github.com/MeKo-Tech/regionstore/internal/region"
)

// BlockingServer is a demo remote-style Server: ReadRegion sleeps for a
// configurable latency before returning a flat-colored tile, simulating a
// slow network image source. It is routed to the store's remote pool
// (Generating() is false) and exists so tests and the CLI demo can exercise
// dedup, cancellation, and the prefetch scheduler without real network IO.
type BlockingServer struct {
	path                 string
	width, height        int
	nResolutions         int
	nZSlices             int
	preferredDownsamples []float64
	latency              time.Duration

	// ReadHook, if set, is called synchronously at the start of every
	// ReadRegion call, before the latency sleep. Tests use it to observe
	// or count invocations without racing on shared state elsewhere.
	ReadHook func(req region.Request)
}

// NewBlockingServer builds a demo remote server. latency is the simulated
// per-region round-trip time.
func NewBlockingServer(path string, width, height, nResolutions, nZSlices int, latency time.Duration) *BlockingServer {
	if nResolutions < 1 {
		nResolutions = 1
	}
	if nZSlices < 1 {
		nZSlices = 1
	}
	downsamples := make([]float64, nResolutions)
	ds := 1.0
	for i := range downsamples {
		downsamples[i] = ds
		ds *= 2
	}
	return &BlockingServer{
		path:                 path,
		width:                width,
		height:               height,
		nResolutions:         nResolutions,
		nZSlices:             nZSlices,
		preferredDownsamples: downsamples,
		latency:              latency,
	}
}

func (s *BlockingServer) Path() string                   { return s.path }
func (s *BlockingServer) NResolutions() int               { return s.nResolutions }
func (s *BlockingServer) NZSlices() int                   { return s.nZSlices }
func (s *BlockingServer) Width() int                      { return s.width }
func (s *BlockingServer) Height() int                     { return s.height }
func (s *BlockingServer) PreferredDownsamples() []float64 { return s.preferredDownsamples }
func (s *BlockingServer) Generating() bool                { return false }

func (s *BlockingServer) IsEmptyRegion(req region.Request) bool {
	return req.X >= s.width || req.Y >= s.height || req.Width <= 0 || req.Height <= 0
}

func (s *BlockingServer) ReadRegion(ctx context.Context, req region.Request) (Tile, error) {
	if s.ReadHook != nil {
		s.ReadHook(req)
	}
	if s.IsEmptyRegion(req) {
		return Tile{}, nil
	}

	select {
	case <-time.After(s.latency):
	case <-ctx.Done():
		return Tile{}, ctx.Err()
	}

	shade := uint8((req.Z*37 + req.T*11) % 256)
	img := image.NewRGBA(image.Rect(0, 0, req.Width, req.Height))
	fill := color.RGBA{R: shade, G: 128, B: 255 - shade, A: 255}
	for y := 0; y < req.Height; y++ {
		for x := 0; x < req.Width; x++ {
			img.SetRGBA(x, y, fill)
		}
	}

	return Tile{Image: img}, nil
}
