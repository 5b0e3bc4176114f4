// Package rem computes the relative elevation model for a branch: the
// height of every cell above the stream cell its pixel catchment drains
// to. Thresholding this surface at a stage depth yields the inundated
// footprint for that depth.
package rem

import (
	"fmt"

	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/flowrouter"
	"github.com/robgpita/inundation-mapping/internal/raster"
)

// NoData marks cells with no defined relative elevation.
const NoData = -9999.0

// Compute derives rem = dem - zone, where each pixel catchment's zone
// elevation is the DEM at its outlet stream cell. Stream cells are
// re-enumerated from the mask in the same row-major order the labeler
// used, so label k's outlet is the k-th stream cell.
func Compute(dem *raster.Grid, flows, pixels *raster.IntGrid) (*raster.Grid, error) {
	outlets := flowrouter.StreamCellOutlets(flows)
	if len(outlets) == 0 {
		return nil, &domain.PreconditionError{Stage: "rem", Reason: "no stream cells in mask"}
	}

	zone := make([]float64, len(outlets)+1)
	zoneValid := make([]bool, len(outlets)+1)
	for _, o := range outlets {
		col, row, ok := dem.CellAt(o.X, o.Y)
		if !ok {
			return nil, &domain.PreconditionError{
				Stage:  "rem",
				Reason: fmt.Sprintf("stream cell %d outside the DEM frame", o.ID),
			}
		}
		v := dem.At(col, row)
		if !dem.IsNoData(v) {
			zone[o.ID] = v
			zoneValid[o.ID] = true
		}
	}

	out := raster.NewGrid(dem.Frame, NoData)
	for row := 0; row < dem.NRows; row++ {
		for col := 0; col < dem.NCols; col++ {
			label := pixels.At(col, row)
			if label == pixels.NoData {
				continue
			}
			if label <= 0 || int(label) >= len(zone) {
				return nil, &domain.PreconditionError{
					Stage:  "rem",
					Reason: fmt.Sprintf("pixel label %d has no stream cell; stale label grid", label),
				}
			}
			v := dem.At(col, row)
			if dem.IsNoData(v) || !zoneValid[label] {
				continue
			}
			out.Set(col, row, v-zone[label])
		}
	}
	return out, nil
}

// ZeroAndMask clamps negative relative elevations to zero inside reach
// catchments and blanks everything outside them. Cells the pixel routing
// labeled but no reach catchment claims stay nodata rather than zero.
// Only positive labels count as catchments.
func ZeroAndMask(rem *raster.Grid, reaches *raster.IntGrid) *raster.Grid {
	out := raster.NewGrid(rem.Frame, NoData)
	for i, v := range rem.Data {
		if reaches.Data[i] <= 0 || reaches.Data[i] == reaches.NoData || rem.IsNoData(v) {
			continue
		}
		if v < 0 {
			v = 0
		}
		out.Data[i] = v
	}
	return out
}
