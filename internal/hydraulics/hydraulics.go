// Package hydraulics derives synthetic rating curve geometry from the
// masked relative elevation surface. Every catchment's cells are swept
// over a shared stage ladder; a cell is inundated at a stage once its
// height above the drainage line is at or below it. Per-length channel
// properties divide the cell sums by the reach length, so the curve
// reads as an average cross section of the reach.
package hydraulics

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/raster"
)

const stageName = "rating"

// Exclusion records a catchment left out of the rating table. Excluded
// catchments are picked up downstream by the crosswalk, which adopts
// them into a neighboring segment instead of rating them.
type Exclusion struct {
	HydroID  int
	LengthKM float64
	Reason   string
}

// sample is one inundatable cell: its height above the drainage line
// and its contribution to the wetted bed, the cell area stretched by
// the local slope.
type sample struct {
	depth float64
	bed   float64
}

// catchment pairs a reach with its cell samples and footprint area.
type catchment struct {
	reach    domain.Reach
	samples  []sample
	areaSqKm float64
}

// Compute rates every labeled catchment over the stage ladder and
// returns the geometry rows ordered by (HydroID, stage). Catchments
// with no valid relative elevation cells, and reaches that claimed no
// cells at all, are excluded and reported. A labeled catchment with no
// reach attributes fails the branch: the raster and vector inputs no
// longer describe the same network.
func Compute(ctx context.Context, rem, slope *raster.Grid, labels *raster.IntGrid, reaches []domain.Reach, stages []float64, workers int) ([]domain.RatingRow, []Exclusion, error) {
	dA := labels.CellArea()

	cells := make(map[int32][]sample)
	counts := make(map[int32]int)
	for i, id := range labels.Data {
		if id <= 0 || id == labels.NoData {
			continue
		}
		counts[id]++
		v := rem.Data[i]
		if rem.IsNoData(v) {
			continue
		}
		s := slope.Data[i]
		if slope.IsNoData(s) {
			s = 0
		}
		cells[id] = append(cells[id], sample{depth: v, bed: dA * math.Sqrt(1+s*s)})
	}

	byID := make(map[int]domain.Reach, len(reaches))
	ids := make([]int, 0, len(reaches))
	for _, r := range reaches {
		byID[r.HydroID] = r
		ids = append(ids, r.HydroID)
	}
	for id := range counts {
		if _, ok := byID[int(id)]; !ok {
			return nil, nil, &domain.PreconditionError{
				Stage:  stageName,
				Reason: fmt.Sprintf("catchment %d labeled in raster but missing from reach layer", id),
			}
		}
	}
	sort.Ints(ids)

	var work []catchment
	var excluded []Exclusion
	for _, id := range ids {
		r := byID[id]
		if counts[int32(id)] == 0 {
			excluded = append(excluded, Exclusion{
				HydroID:  id,
				LengthKM: r.LengthKM,
				Reason:   "absent from reach catchment raster",
			})
			continue
		}
		if len(cells[int32(id)]) == 0 {
			excluded = append(excluded, Exclusion{
				HydroID:  id,
				LengthKM: r.LengthKM,
				Reason:   "no valid relative elevation cells",
			})
			continue
		}
		work = append(work, catchment{
			reach:    r,
			samples:  cells[int32(id)],
			areaSqKm: float64(counts[int32(id)]) * dA / 1e6,
		})
	}

	if workers < 1 {
		workers = 1
	}
	out := make([][]domain.RatingRow, len(work))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range work {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = rate(work[i], stages, dA)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	rows := make([]domain.RatingRow, 0, len(work)*len(stages))
	for _, rs := range out {
		rows = append(rows, rs...)
	}
	return rows, excluded, nil
}

// rate sweeps one catchment over the ladder. Samples are sorted by
// depth once and each stage reduces to a prefix sum, so surface area,
// bed area, and volume are non-decreasing in stage by construction.
func rate(c catchment, stages []float64, dA float64) []domain.RatingRow {
	slices.SortFunc(c.samples, func(a, b sample) int { return cmp.Compare(a.depth, b.depth) })
	depths := make([]float64, len(c.samples))
	bedSum := make([]float64, len(c.samples)+1)
	depthSum := make([]float64, len(c.samples)+1)
	for i, s := range c.samples {
		depths[i] = s.depth
		bedSum[i+1] = bedSum[i] + s.bed
		depthSum[i+1] = depthSum[i] + s.depth
	}

	lengthM := c.reach.LengthKM * 1000
	rows := make([]domain.RatingRow, 0, len(stages))
	for _, h := range stages {
		// Cells are inundated at depth <= h, inclusive.
		k := sort.Search(len(depths), func(i int) bool { return depths[i] > h })
		row := domain.RatingRow{
			HydroID:     c.reach.HydroID,
			Stage:       h,
			CellCount:   k,
			SurfaceArea: float64(k) * dA,
			BedArea:     bedSum[k],
			Volume:      (h*float64(k) - depthSum[k]) * dA,
			NextDownID:  c.reach.NextDownID,
			Order:       c.reach.Order,
			LakeID:      c.reach.LakeID,
			Slope:       c.reach.Slope,
			LengthKM:    c.reach.LengthKM,
			AreaSqKm:    c.areaSqKm,
		}
		if lengthM > 0 {
			row.TopWidth = row.SurfaceArea / lengthM
			row.WettedPerimeter = row.BedArea / lengthM
			row.WetArea = row.Volume / lengthM
		}
		if row.BedArea > 0 {
			row.HydraulicRadius = row.Volume / row.BedArea
		}
		rows = append(rows, row)
	}
	return rows
}
