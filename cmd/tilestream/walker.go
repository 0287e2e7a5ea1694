package main

import (
	"context"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"tilestream/internal/cache"
	"tilestream/internal/logging"
	"tilestream/internal/position"
	"tilestream/internal/viewport"
	"tilestream/internal/world"
	"tilestream/pkg/config"
)

// walker moves the viewpoint along a fixed path in place of player input.
type walker struct {
	path  string
	speed float32
}

const walkerExtent = 4096 // world units; side of the square, radius of the circle

func newWalker(cfg config.WalkerConfig) *walker {
	return &walker{path: cfg.Path, speed: cfg.Speed}
}

// At returns the viewpoint after elapsed time.
func (w *walker) At(elapsed time.Duration) mgl32.Vec2 {
	dist := w.speed * float32(elapsed.Seconds())
	switch w.path {
	case "square":
		side := float32(walkerExtent)
		d := float32(math.Mod(float64(dist), float64(4*side)))
		switch {
		case d < side:
			return mgl32.Vec2{d, 0}
		case d < 2*side:
			return mgl32.Vec2{side, d - side}
		case d < 3*side:
			return mgl32.Vec2{3*side - d, side}
		default:
			return mgl32.Vec2{0, 4*side - d}
		}
	case "circle":
		angle := float64(dist) / walkerExtent
		return mgl32.Vec2{
			float32(walkerExtent * math.Cos(angle)),
			float32(walkerExtent * math.Sin(angle)),
		}
	default:
		return mgl32.Vec2{dist, 0}
	}
}

// frameStats counts what a frame would draw.
type frameStats struct {
	resident     int
	placeholders int
}

// drawFrame resolves the texture for every visible chunk. Chunks whose
// texture is not on the device fall back to per-tile placeholders.
func drawFrame(vp *viewport.Viewport, rc *cache.ResourceCache, geom position.Geometry) frameStats {
	var st frameStats
	for _, c := range vp.VisibleChunks() {
		if tex, ok := rc.Lookup(position.ResourceID(c)); ok {
			tex.Release()
			st.resident++
			continue
		}
		base := geom.TileFromWorld(geom.ChunkOrigin(c))
		for y := 0; y < geom.ChunkSize; y++ {
			for x := 0; x < geom.ChunkSize; x++ {
				_ = rc.TextureForWorldPos(base.X+x, base.Y+y)
			}
		}
		st.placeholders++
	}
	return st
}

func frameLoop(ctx context.Context, cfg config.WalkerConfig, w *walker, vp *viewport.Viewport, streamer *world.Streamer, rc *cache.ResourceCache) error {
	fps := cfg.FPS
	if fps <= 0 {
		fps = 60
	}
	frameTime := time.Second / time.Duration(fps)
	ticker := time.NewTicker(frameTime)
	defer ticker.Stop()

	geom := vp.Geometry()
	var elapsed time.Duration
	var drawn frameStats

	for frame := 0; cfg.Frames == 0 || frame < cfg.Frames; frame++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		elapsed += frameTime
		pos := w.At(elapsed)
		vp.Update(pos)
		if vp.ChunkChanged(pos) {
			streamer.Update(ctx, vp.LastChunk())
		}

		st := drawFrame(vp, rc, geom)
		drawn.resident += st.resident
		drawn.placeholders += st.placeholders

		if frame%(fps*5) == 0 {
			deviceBytes, hostBytes := rc.MemoryStats()
			logging.Info(ctx, logging.ComponentMain, logging.ActionFrame, "frame", logging.Fields{
				"frame":        frame,
				"chunk":        vp.LastChunk().String(),
				"resident":     drawn.resident,
				"placeholders": drawn.placeholders,
				"device_bytes": deviceBytes,
				"host_bytes":   hostBytes,
			})
			drawn = frameStats{}
		}
	}

	streamer.Wait()
	return nil
}
