package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/regionstore/internal/imageserver"
	"github.com/MeKo-Tech/regionstore/internal/region"
	"github.com/MeKo-Tech/regionstore/internal/store"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Register a visible-area prefetch against a synthetic generating server and report progress",
	RunE:  runDemo,
}

func init() {
	demoCmd.Flags().Int("width", 8192, "Synthetic server width in pixels")
	demoCmd.Flags().Int("height", 8192, "Synthetic server height in pixels")
	demoCmd.Flags().Int("resolutions", 5, "Number of resolution levels")
	demoCmd.Flags().Int("z-slices", 3, "Number of Z-slices")
	demoCmd.Flags().Duration("watch", 3*time.Second, "How long to watch prefetch progress before exiting")
	rootCmd.AddCommand(demoCmd)
}

// demoListener counts tile deliveries and prints the first few.
type demoListener struct {
	mu      sync.Mutex
	count   int
	printed int
}

func (l *demoListener) TileAvailable(serverPath string, req region.Request, tile imageserver.Tile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
	if l.printed < 5 {
		l.printed++
		fmt.Printf("tile ready: %s\n", req.String())
	}
}

func runDemo(cmd *cobra.Command, args []string) error {
	width, _ := cmd.Flags().GetInt("width")
	height, _ := cmd.Flags().GetInt("height")
	resolutions, _ := cmd.Flags().GetInt("resolutions")
	zSlices, _ := cmd.Flags().GetInt("z-slices")
	watch, _ := cmd.Flags().GetDuration("watch")

	s := store.New(store.Config{
		MaxCacheBytes:       viper.GetInt64("max-cache-bytes"),
		PrefetchConcurrency: viper.GetInt("prefetch-concurrency"),
		MaxZSeparation:      viper.GetInt("max-z-separation"),
		Logger:              logger,
	})
	defer s.Close()

	server := imageserver.NewGeneratingServer("demo-slide", width, height, resolutions, zSlices, 42)

	listener := &demoListener{}
	s.AddTileListener(listener)

	clip := imageserver.FullImageClip(server)
	s.RegisterRequest(listener, server, clip, 1, 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), watch)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			listener.mu.Lock()
			fmt.Printf("done: %d tiles delivered\n", listener.count)
			listener.mu.Unlock()
			return nil
		case <-ticker.C:
			listener.mu.Lock()
			fmt.Printf("progress: %d tiles delivered\n", listener.count)
			listener.mu.Unlock()
		}
	}
}
