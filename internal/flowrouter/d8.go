package flowrouter

import (
	"context"
	"fmt"
	"math"

	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/raster"
)

// Cell states during the walk. Resolved cells hold an outlet ID or the
// grid nodata, both of which are above these sentinels.
const (
	unvisited  = math.MinInt32
	inProgress = math.MinInt32 + 1
)

// D8 labels watersheds in process by walking flow directions downstream.
// Each unresolved cell walks until it reaches a resolved cell, an outlet,
// the grid edge, or undefined flow, then the whole walked path takes that
// result. Every cell is visited once, so labeling is linear in grid size.
type D8 struct{}

// NewD8 returns the in-process labeler.
func NewD8() *D8 { return &D8{} }

// Label implements Labeler. When two outlets land in the same cell the
// later one wins.
func (l *D8) Label(ctx context.Context, flowdir *raster.IntGrid, outlets []domain.OutletPoint) (*raster.IntGrid, error) {
	if len(outlets) == 0 {
		return nil, &domain.PreconditionError{Stage: "label", Reason: "no outlet points"}
	}

	out := raster.NewIntGrid(flowdir.Frame, LabelNoData)
	labels := out.Data
	for i := range labels {
		labels[i] = unvisited
	}
	for _, o := range outlets {
		if o.ID <= 0 || o.ID > math.MaxInt32 {
			return nil, &domain.PreconditionError{
				Stage:  "label",
				Reason: fmt.Sprintf("outlet ID %d not a positive int32", o.ID),
			}
		}
		col, row, ok := flowdir.CellAt(o.X, o.Y)
		if !ok {
			return nil, &domain.PreconditionError{
				Stage:  "label",
				Reason: fmt.Sprintf("outlet %d at (%.1f, %.1f) outside grid", o.ID, o.X, o.Y),
			}
		}
		labels[flowdir.Index(col, row)] = int32(o.ID)
	}

	stack := make([]int, 0, 1024)
	for row := 0; row < flowdir.NRows; row++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for col := 0; col < flowdir.NCols; col++ {
			if labels[flowdir.Index(col, row)] != unvisited {
				continue
			}
			stack = stack[:0]
			c, r := col, row
			resolved := int32(LabelNoData)
			for {
				idx := flowdir.Index(c, r)
				if labels[idx] == inProgress {
					// Cycle in the flow grid; the looped path drains nowhere.
					break
				}
				if labels[idx] != unvisited {
					resolved = labels[idx]
					break
				}
				labels[idx] = inProgress
				stack = append(stack, idx)
				nc, nr, ok := Downstream(c, r, flowdir.Data[idx])
				if !ok || !flowdir.Contains(nc, nr) {
					break
				}
				c, r = nc, nr
			}
			for _, idx := range stack {
				labels[idx] = resolved
			}
		}
	}
	return out, nil
}
