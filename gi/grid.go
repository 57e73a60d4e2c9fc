package gi

import (
	"github.com/achilleasa/polaris-ddgi/types"
)

// Grid is a regular lattice of probes centered on Origin.
type Grid struct {
	Origin  types.Vec3
	Spacing types.Vec3
	Counts  [3]int
}

// ProbeCount returns the number of probes in the grid.
func (g Grid) ProbeCount() int {
	return g.Counts[0] * g.Counts[1] * g.Counts[2]
}

// ProbeIndex returns the linear index of the probe at lattice coords (i, j, k).
func (g Grid) ProbeIndex(i, j, k int) int {
	return i + g.Counts[0]*(j+g.Counts[1]*k)
}

// ProbeCoords is the inverse of ProbeIndex.
func (g Grid) ProbeCoords(index int) (i, j, k int) {
	i = index % g.Counts[0]
	j = (index / g.Counts[0]) % g.Counts[1]
	k = index / (g.Counts[0] * g.Counts[1])
	return i, j, k
}

// LatticePosition returns the world position of a probe before relocation.
func (g Grid) LatticePosition(index int) types.Vec3 {
	i, j, k := g.ProbeCoords(index)
	return g.latticePoint([3]int{i, j, k})
}

func (g Grid) latticePoint(c [3]int) types.Vec3 {
	var pos types.Vec3
	for axis := 0; axis < 3; axis++ {
		centered := float32(c[axis]) - float32(g.Counts[axis]-1)*0.5
		pos[axis] = g.Origin[axis] + centered*g.Spacing[axis]
	}
	return pos
}

// Min returns the position of probe (0, 0, 0).
func (g Grid) Min() types.Vec3 {
	return g.latticePoint([3]int{0, 0, 0})
}

// TileLayout maps probes to square tiles of an atlas. Tile columns walk the
// x axis and then the z axis; tile rows are the y layers of the grid.
type TileLayout struct {
	grid Grid

	// Interior texels per tile side.
	Texels int
}

// NewTileLayout returns the tile layout for probes with texels² interior
// texels and a 1-texel border.
func NewTileLayout(grid Grid, texels int) TileLayout {
	return TileLayout{grid: grid, Texels: texels}
}

// TileSize returns the tile side including the border.
func (l TileLayout) TileSize() int { return l.Texels + 2 }

// Columns returns the number of tile columns.
func (l TileLayout) Columns() int { return l.grid.Counts[0] * l.grid.Counts[2] }

// Rows returns the number of tile rows.
func (l TileLayout) Rows() int { return l.grid.Counts[1] }

// AtlasSize returns the atlas dimensions in texels.
func (l TileLayout) AtlasSize() (w, h int) {
	return l.Columns() * l.TileSize(), l.Rows() * l.TileSize()
}

// TileOrigin returns the top-left (border) texel of the probe's tile.
func (l TileLayout) TileOrigin(probe int) (x, y int) {
	i, j, k := l.grid.ProbeCoords(probe)
	column := i + l.grid.Counts[0]*k
	return column * l.TileSize(), j * l.TileSize()
}

// Locate returns the probe owning atlas texel (x, y) and the texel
// coordinates inside its tile. It returns false for texels outside the atlas.
func (l TileLayout) Locate(x, y int) (probe, tx, ty int, ok bool) {
	size := l.TileSize()
	w, h := l.AtlasSize()
	if x < 0 || y < 0 || x >= w || y >= h {
		return 0, 0, 0, false
	}
	column, row := x/size, y/size
	i, k := column%l.grid.Counts[0], column/l.grid.Counts[0]
	return l.grid.ProbeIndex(i, row, k), x % size, y % size, true
}

// IsBorder returns true if tile texel (tx, ty) lies on the tile border.
func (l TileLayout) IsBorder(tx, ty int) bool {
	last := l.TileSize() - 1
	return tx == 0 || ty == 0 || tx == last || ty == last
}
