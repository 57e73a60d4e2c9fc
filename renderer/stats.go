package renderer

import (
	"time"

	"github.com/achilleasa/polaris-ddgi/frame"
)

// PassStat is the CPU time spent recording a frame pass.
type PassStat struct {
	Name       string
	RecordTime time.Duration
}

type FrameStats struct {
	// Frame counter of the last rendered frame.
	Frame uint64

	// Per-pass stats for the last rendered frame.
	Passes []PassStat

	// Time spent in the last call to Render, including waits for the
	// frame slot to become available.
	RenderTime time.Duration

	// Accumulated time spent inside Render.
	TotalTime time.Duration

	// Frame pacing stats.
	Sync frame.Stats
}

// AvgFrameTime returns the average time spent per submitted frame.
func (s FrameStats) AvgFrameTime() time.Duration {
	if s.Sync.Frames == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(s.Sync.Frames)
}
