package renderer

type Renderer interface {
	// Render frame.
	Render() error

	// Shutdown renderer and release its GPU resources.
	Close()

	// Get render statistics.
	Stats() FrameStats
}
