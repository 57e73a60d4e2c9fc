package gi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/achilleasa/polaris-ddgi/types"
)

func TestProbeCoordsInvertProbeIndex(t *testing.T) {
	g := Grid{Counts: [3]int{3, 2, 4}}
	for index := 0; index < g.ProbeCount(); index++ {
		i, j, k := g.ProbeCoords(index)
		assert.Equal(t, index, g.ProbeIndex(i, j, k))
	}
}

func TestLatticeIsCenteredOnOrigin(t *testing.T) {
	g := Grid{Origin: types.XYZ(0, 5, 0), Spacing: types.XYZ(2, 1, 1), Counts: [3]int{2, 1, 3}}

	assert.Equal(t, types.XYZ(-1, 5, -1), g.LatticePosition(g.ProbeIndex(0, 0, 0)))
	assert.Equal(t, types.XYZ(1, 5, 1), g.LatticePosition(g.ProbeIndex(1, 0, 2)))
	assert.Equal(t, types.XYZ(-1, 5, 0), g.LatticePosition(g.ProbeIndex(0, 0, 1)))
	assert.Equal(t, g.LatticePosition(0), g.Min())
}

func TestTileLayoutIsABijection(t *testing.T) {
	g := Grid{Counts: [3]int{3, 2, 4}}
	layout := NewTileLayout(g, 6)

	w, h := layout.AtlasSize()
	require.Equal(t, 3*4*8, w)
	require.Equal(t, 2*8, h)

	owned := make(map[int]int)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			probe, tx, ty, ok := layout.Locate(x, y)
			require.True(t, ok)
			ox, oy := layout.TileOrigin(probe)
			require.Equal(t, x, ox+tx, "texel (%d, %d)", x, y)
			require.Equal(t, y, oy+ty, "texel (%d, %d)", x, y)
			if !layout.IsBorder(tx, ty) {
				owned[probe]++
			}
		}
	}

	require.Len(t, owned, g.ProbeCount())
	for probe, n := range owned {
		assert.Equal(t, 36, n, "probe %d", probe)
	}

	_, _, _, ok := layout.Locate(w, 0)
	assert.False(t, ok)
	_, _, _, ok = layout.Locate(0, -1)
	assert.False(t, ok)
}

func TestTileRowsFollowTheYAxis(t *testing.T) {
	g := Grid{Counts: [3]int{2, 3, 2}}
	layout := NewTileLayout(g, 4)

	x, y := layout.TileOrigin(g.ProbeIndex(1, 2, 1))
	assert.Equal(t, (1+2*1)*6, x)
	assert.Equal(t, 2*6, y)
}
