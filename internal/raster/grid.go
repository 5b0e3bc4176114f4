// Package raster holds the in-memory grid model shared by every pipeline
// stage: float grids for continuous surfaces (elevation, slope, relative
// elevation) and int grids for categorical labels (flow direction codes,
// catchment IDs, stream masks).
//
// Grids are row-major, north to south, addressed by (col, row). The
// georeferencing follows the six-element geotransform convention:
//
//	x = T[0] + col*T[1] + row*T[2]
//	y = T[3] + col*T[4] + row*T[5]
//
// where (x, y) is the upper-left corner of the cell. All inputs are assumed
// to share one projected CRS with meter units; the package never reprojects.
package raster

import (
	"fmt"
	"math"
	"slices"
)

// Frame is the shared shape and georeferencing of a grid.
type Frame struct {
	NCols, NRows int
	Transform    [6]float64
}

// NewFrame builds a north-up frame from an upper-left corner and cell size.
func NewFrame(ncols, nrows int, originX, originY, cellSize float64) Frame {
	return Frame{
		NCols:     ncols,
		NRows:     nrows,
		Transform: [6]float64{originX, cellSize, 0, originY, 0, -cellSize},
	}
}

// CellSize returns the cell width in map units.
func (f Frame) CellSize() float64 { return f.Transform[1] }

// CellArea returns the area of one cell in map units squared.
func (f Frame) CellArea() float64 {
	return math.Abs(f.Transform[1] * f.Transform[5])
}

// Index returns the flat slice index for (col, row).
func (f Frame) Index(col, row int) int { return row*f.NCols + col }

// Contains reports whether (col, row) lies inside the frame.
func (f Frame) Contains(col, row int) bool {
	return col >= 0 && col < f.NCols && row >= 0 && row < f.NRows
}

// CellCenter returns the map coordinates of the center of (col, row).
func (f Frame) CellCenter(col, row int) (x, y float64) {
	fc, fr := float64(col)+0.5, float64(row)+0.5
	x = f.Transform[0] + fc*f.Transform[1] + fr*f.Transform[2]
	y = f.Transform[3] + fc*f.Transform[4] + fr*f.Transform[5]
	return x, y
}

// CellAt returns the cell containing map point (x, y), and whether that
// cell lies inside the frame. Only north-up transforms are supported.
func (f Frame) CellAt(x, y float64) (col, row int, ok bool) {
	col = int(math.Floor((x - f.Transform[0]) / f.Transform[1]))
	row = int(math.Floor((y - f.Transform[3]) / f.Transform[5]))
	return col, row, f.Contains(col, row)
}

// Same reports whether two frames have identical shape and geotransform.
func (f Frame) Same(o Frame) bool {
	return f.NCols == o.NCols && f.NRows == o.NRows && f.Transform == o.Transform
}

// Align returns an error naming the first grid whose frame differs from f.
func (f Frame) Align(names []string, frames ...Frame) error {
	for i, o := range frames {
		if !f.Same(o) {
			name := "grid"
			if i < len(names) {
				name = names[i]
			}
			return fmt.Errorf("%s frame %dx%d @%v does not match reference %dx%d @%v",
				name, o.NCols, o.NRows, o.Transform, f.NCols, f.NRows, f.Transform)
		}
	}
	return nil
}

// clipFrame returns the frame of the window starting at (col0, row0).
func (f Frame) clipFrame(col0, row0, ncols, nrows int) Frame {
	t := f.Transform
	t[0] = f.Transform[0] + float64(col0)*f.Transform[1] + float64(row0)*f.Transform[2]
	t[3] = f.Transform[3] + float64(col0)*f.Transform[4] + float64(row0)*f.Transform[5]
	return Frame{NCols: ncols, NRows: nrows, Transform: t}
}

func (f Frame) checkWindow(col0, row0, ncols, nrows int) error {
	if ncols <= 0 || nrows <= 0 {
		return fmt.Errorf("empty clip window %dx%d", ncols, nrows)
	}
	if col0 < 0 || row0 < 0 || col0+ncols > f.NCols || row0+nrows > f.NRows {
		return fmt.Errorf("clip window [%d:%d, %d:%d] outside grid %dx%d",
			col0, col0+ncols, row0, row0+nrows, f.NCols, f.NRows)
	}
	return nil
}

// Grid is a single-band float raster.
type Grid struct {
	Frame
	NoData float64
	Data   []float64
}

// NewGrid allocates a grid with every cell set to nodata.
func NewGrid(f Frame, nodata float64) *Grid {
	g := &Grid{Frame: f, NoData: nodata, Data: make([]float64, f.NCols*f.NRows)}
	for i := range g.Data {
		g.Data[i] = nodata
	}
	return g
}

// At returns the value at (col, row).
func (g *Grid) At(col, row int) float64 { return g.Data[g.Index(col, row)] }

// Set stores v at (col, row).
func (g *Grid) Set(col, row int, v float64) { g.Data[g.Index(col, row)] = v }

// IsNoData reports whether v is the grid's nodata value. NaN nodata
// matches NaN values.
func (g *Grid) IsNoData(v float64) bool {
	if math.IsNaN(g.NoData) {
		return math.IsNaN(v)
	}
	return v == g.NoData
}

// Valid reports whether the cell at (col, row) holds a data value.
func (g *Grid) Valid(col, row int) bool { return !g.IsNoData(g.At(col, row)) }

// Clip copies the window of ncols x nrows cells starting at (col0, row0)
// into a new grid. Cell size and nodata carry over unchanged.
func (g *Grid) Clip(col0, row0, ncols, nrows int) (*Grid, error) {
	if err := g.checkWindow(col0, row0, ncols, nrows); err != nil {
		return nil, err
	}
	out := &Grid{
		Frame:  g.clipFrame(col0, row0, ncols, nrows),
		NoData: g.NoData,
		Data:   make([]float64, ncols*nrows),
	}
	for r := 0; r < nrows; r++ {
		src := g.Index(col0, row0+r)
		copy(out.Data[r*ncols:(r+1)*ncols], g.Data[src:src+ncols])
	}
	return out, nil
}

// IntGrid is a single-band int32 raster used for labels and codes.
type IntGrid struct {
	Frame
	NoData int32
	Data   []int32
}

// NewIntGrid allocates an int grid with every cell set to nodata.
func NewIntGrid(f Frame, nodata int32) *IntGrid {
	g := &IntGrid{Frame: f, NoData: nodata, Data: make([]int32, f.NCols*f.NRows)}
	if nodata != 0 {
		for i := range g.Data {
			g.Data[i] = nodata
		}
	}
	return g
}

// At returns the value at (col, row).
func (g *IntGrid) At(col, row int) int32 { return g.Data[g.Index(col, row)] }

// Set stores v at (col, row).
func (g *IntGrid) Set(col, row int, v int32) { g.Data[g.Index(col, row)] = v }

// Valid reports whether the cell at (col, row) holds a data value.
func (g *IntGrid) Valid(col, row int) bool { return g.At(col, row) != g.NoData }

// Clip copies the window of ncols x nrows cells starting at (col0, row0)
// into a new int grid.
func (g *IntGrid) Clip(col0, row0, ncols, nrows int) (*IntGrid, error) {
	if err := g.checkWindow(col0, row0, ncols, nrows); err != nil {
		return nil, err
	}
	out := &IntGrid{
		Frame:  g.clipFrame(col0, row0, ncols, nrows),
		NoData: g.NoData,
		Data:   make([]int32, ncols*nrows),
	}
	for r := 0; r < nrows; r++ {
		src := g.Index(col0, row0+r)
		copy(out.Data[r*ncols:(r+1)*ncols], g.Data[src:src+ncols])
	}
	return out, nil
}

// Labels returns the sorted distinct positive values in the grid.
func (g *IntGrid) Labels() []int32 {
	seen := make(map[int32]struct{})
	for _, v := range g.Data {
		if v > 0 && v != g.NoData {
			seen[v] = struct{}{}
		}
	}
	out := make([]int32, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
