package renderer

import (
	"time"

	"github.com/achilleasa/polaris-ddgi/gpu"
)

type Options struct {
	// Submit frames to this queue instead of the device queue.
	Queue gpu.Queue

	// Fixed camera time step per frame. When zero the wall clock time
	// between frames is used.
	TimeStep time.Duration
}
