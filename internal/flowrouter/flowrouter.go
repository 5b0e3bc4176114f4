// Package flowrouter assigns watershed labels over a D8 flow-direction
// grid. Labeling runs twice per branch: once with reach outlet points to
// produce reach catchments keyed by HydroID, and once with every stream
// cell as its own outlet to produce pixel catchments for the relative
// elevation surface.
//
// The Labeler boundary has two implementations: an in-process walker and
// an HTTP client for an external routing service, selected by config.
package flowrouter

import (
	"context"

	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/raster"
)

// LabelNoData marks cells outside every watershed in label grids.
const LabelNoData = -9999

// D8 direction codes run 1..8 counter-clockwise from east. Code deltas are
// indexed by code; index 0 is unused.
var (
	d8Col = [9]int{0, 1, 1, 0, -1, -1, -1, 0, 1}
	d8Row = [9]int{0, 0, -1, -1, -1, 0, 1, 1, 1}
)

// Labeler assigns an outlet ID to every cell that drains through that
// outlet. Cells draining through several outlets take the nearest one
// downstream; cells reaching the grid edge or undefined flow take the
// label grid's nodata.
type Labeler interface {
	Label(ctx context.Context, flowdir *raster.IntGrid, outlets []domain.OutletPoint) (*raster.IntGrid, error)
}

// Downstream returns the cell one D8 step from (col, row), and whether
// code is a defined direction.
func Downstream(col, row int, code int32) (int, int, bool) {
	if code < 1 || code > 8 {
		return 0, 0, false
	}
	return col + d8Col[code], row + d8Row[code], true
}

// StreamCellOutlets enumerates every stream-mask cell as an outlet point,
// scanning row-major with IDs 1..n. The scan order is fixed so pixel
// catchment labels are reproducible run to run.
func StreamCellOutlets(flows *raster.IntGrid) []domain.OutletPoint {
	var outlets []domain.OutletPoint
	id := 0
	for row := 0; row < flows.NRows; row++ {
		for col := 0; col < flows.NCols; col++ {
			v := flows.At(col, row)
			if v == flows.NoData || v <= 0 {
				continue
			}
			id++
			x, y := flows.CellCenter(col, row)
			outlets = append(outlets, domain.OutletPoint{ID: id, X: x, Y: y})
		}
	}
	return outlets
}
