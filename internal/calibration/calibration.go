// Package calibration adjusts hydro-table roughness from observed
// water-edge points. Each observation is located in a catchment, read
// against the relative elevation surface for its stage, and inverted
// through Manning's equation at the nearest rating stage. Catchment
// medians take precedence over per-feature means, which take precedence
// over values propagated downstream from calibrated neighbors. Every
// observation lands in the calibration diagnostics table, used or not.
package calibration

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
	"github.com/ctessum/geom/proj"
	"gonum.org/v1/gonum/stat"

	"github.com/robgpita/inundation-mapping/internal/adapter/hydrotable"
	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/raster"
)

const stageName = "calibration"

// Inverted roughness outside these bounds is flagged and discarded.
const (
	minRoughness = 0.001
	maxRoughness = 0.6
)

// Engine tunes the calibration pass.
type Engine struct {
	PropagateKM float64 // river distance a group value carries downstream
	MinPoints   int     // observations required before a catchment median applies
}

// Calibrate returns rows with roughness replaced by calibrated values
// where observations support them, plus one diagnostic record per
// observation. Catchments calibrated on a previous pass that no longer
// have supporting observations are reverted to the default curve.
func (e *Engine) Calibrate(rows []domain.RatingRow, points []domain.WaterEdgePoint, polys []domain.CatchmentPolygon, rem *raster.Grid) ([]domain.RatingRow, []hydrotable.CalibrationRecord) {
	byID := rowsByCatchment(rows)
	res := newResolver(rows, byID, polys, rem)

	recs := make([]hydrotable.CalibrationRecord, 0, len(points))
	samples := make(map[int][]float64)
	for _, p := range points {
		rec := res.observe(p)
		if rec.Used {
			samples[rec.HydroID] = append(samples[rec.HydroID], rec.ManningN)
		}
		recs = append(recs, rec)
	}

	minPoints := max(e.MinPoints, 1)
	hydroN := make(map[int]float64, len(samples))
	for id, ns := range samples {
		if len(ns) < minPoints {
			continue
		}
		sort.Float64s(ns)
		hydroN[id] = stat.Quantile(0.5, stat.Empirical, ns, nil)
	}
	for i := range recs {
		if _, ok := hydroN[recs[i].HydroID]; recs[i].Used && !ok {
			recs[i].Used = false
			recs[i].Reason = "below minimum observation count"
		}
	}

	return apply(rows, byID, e.adjustments(rows, hydroN)), recs
}

// adjustments merges the three estimate tiers per catchment: its own
// median, then the feature mean, then the propagated group value.
func (e *Engine) adjustments(rows []domain.RatingRow, hydroN map[int]float64) map[int]float64 {
	segs := segments(rows)
	featN := featureRoughness(segs, hydroN)
	groupN := groupRoughness(chains(segs), hydroN, e.PropagateKM)

	adjust := make(map[int]float64)
	for _, s := range segs {
		if n, ok := hydroN[s.hydroID]; ok {
			adjust[s.hydroID] = n
		} else if n, ok := featN[s.feature]; ok {
			adjust[s.hydroID] = n
		} else if n, ok := groupN[s.hydroID]; ok {
			adjust[s.hydroID] = n
		}
	}
	return adjust
}

// resolver turns raw observations into calibration records against one
// branch's catchments, relative elevation surface, and rating rows.
type resolver struct {
	rows  []domain.RatingRow
	byID  map[int][]int
	index *rtree.Rtree
	rem   *raster.Grid
}

// catchEntry adapts a catchment polygon to the spatial index.
type catchEntry struct {
	poly domain.CatchmentPolygon
}

func (c catchEntry) Bounds() *geom.Bounds { return c.poly.Geom.Bounds() }

// The remaining geom.Geom methods delegate to the wrapped footprint;
// rtree.Insert demands the full interface but only ever calls Bounds.

func (c catchEntry) Similar(g geom.Geom, tolerance float64) bool {
	return c.poly.Geom.Similar(g, tolerance)
}

func (c catchEntry) Transform(t proj.Transformer) (geom.Geom, error) {
	return c.poly.Geom.Transform(t)
}

func (c catchEntry) Len() int { return c.poly.Geom.Len() }

func (c catchEntry) Points() func() geom.Point { return c.poly.Geom.Points() }

func newResolver(rows []domain.RatingRow, byID map[int][]int, polys []domain.CatchmentPolygon, rem *raster.Grid) *resolver {
	index := rtree.NewTree(25, 50)
	for _, p := range polys {
		index.Insert(catchEntry{poly: p})
	}
	return &resolver{rows: rows, byID: byID, index: index, rem: rem}
}

// locate returns the catchment containing the point. Overlapping
// footprints resolve to the lowest HydroID.
func (r *resolver) locate(pt geom.Point) (int, bool) {
	box := &geom.Bounds{Min: pt, Max: pt}
	best := 0
	for _, hit := range r.index.SearchIntersect(box) {
		c := hit.(catchEntry)
		if !c.poly.ContainsPoint(pt) {
			continue
		}
		if best == 0 || c.poly.HydroID < best {
			best = c.poly.HydroID
		}
	}
	return best, best != 0
}

// observe resolves one water-edge point to a calibration record. The
// record's roughness sample counts only when Used is set.
func (r *resolver) observe(p domain.WaterEdgePoint) hydrotable.CalibrationRecord {
	rec := hydrotable.CalibrationRecord{X: p.X, Y: p.Y, FlowCMS: p.FlowCMS}

	id, ok := r.locate(geom.Point{X: p.X, Y: p.Y})
	if !ok {
		rec.Reason = "outside branch catchments"
		return rec
	}
	rec.HydroID = id

	idx, ok := r.byID[id]
	if !ok {
		rec.Reason = "catchment not in hydro table"
		return rec
	}
	col, row, ok := r.rem.CellAt(p.X, p.Y)
	if !ok {
		rec.Reason = "outside relative elevation raster"
		return rec
	}
	hand := r.rem.At(col, row)
	if r.rem.IsNoData(hand) {
		rec.Reason = "no relative elevation at point"
		return rec
	}

	m := r.rows[nearestStage(r.rows, idx, hand)]
	rec.Stage = m.Stage
	if m.LakeID != domain.NoLake {
		rec.Reason = "waterbody catchment excluded"
		return rec
	}
	if p.FlowCMS <= 0 {
		rec.Reason = "observed flow not positive"
		return rec
	}
	if m.Stage <= 0.1 || m.DefaultDischarge <= 0 {
		rec.Reason = "matched the dry end of the rating curve"
		return rec
	}

	rec.ManningN = domain.ManningN(m.WetArea, m.HydraulicRadius, m.Slope, p.FlowCMS)
	if rec.ManningN <= minRoughness || rec.ManningN >= maxRoughness {
		rec.Reason = fmt.Sprintf("roughness outside [%g, %g]", minRoughness, maxRoughness)
		return rec
	}
	rec.Used = true
	return rec
}

// nearestStage returns the index of the catchment row whose stage is
// closest to the observed value, taking the lower stage on ties.
func nearestStage(rows []domain.RatingRow, idx []int, hand float64) int {
	best := idx[0]
	bestGap := math.Abs(rows[best].Stage - hand)
	for _, i := range idx[1:] {
		if gap := math.Abs(rows[i].Stage - hand); gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best
}

// rowsByCatchment indexes rows per HydroID in ascending stage order.
func rowsByCatchment(rows []domain.RatingRow) map[int][]int {
	byID := make(map[int][]int)
	for i := range rows {
		byID[rows[i].HydroID] = append(byID[rows[i].HydroID], i)
	}
	for _, idx := range byID {
		slices.SortFunc(idx, func(a, b int) int {
			return cmp.Compare(rows[a].Stage, rows[b].Stage)
		})
	}
	return byID
}

// apply rewrites the table. Calibrated catchments take the adjusted
// roughness with a recomputed discharge; catchments flagged from a
// previous pass with no surviving adjustment revert to the default
// curve. The 0 and -999 discharge sentinels are preserved either way.
func apply(rows []domain.RatingRow, byID map[int][]int, adjust map[int]float64) []domain.RatingRow {
	out := slices.Clone(rows)
	reverted := make(map[int]float64)
	for i := range out {
		r := &out[i]
		if n, ok := adjust[r.HydroID]; ok {
			r.ManningN = n
			r.Discharge = sentinelDischarge(r, n)
			r.CalibApplied = true
			continue
		}
		if !r.CalibApplied {
			continue
		}
		n, cached := reverted[r.HydroID]
		if !cached {
			n = defaultRoughness(out, byID[r.HydroID])
			reverted[r.HydroID] = n
		}
		if n == 0 {
			continue
		}
		r.ManningN = n
		r.Discharge = r.DefaultDischarge
		r.CalibApplied = false
	}
	return out
}

// sentinelDischarge recomputes discharge with the calibrated roughness,
// keeping the 0 and -999 sentinels that dry and notched rows carry in
// default_discharge_cms.
func sentinelDischarge(r *domain.RatingRow, n float64) float64 {
	switch r.DefaultDischarge {
	case 0:
		return 0
	case -999:
		return -999
	}
	return domain.ManningDischarge(r.WetArea, r.HydraulicRadius, r.Slope, n)
}

// defaultRoughness recovers the pre-calibration roughness of a catchment
// by inverting the default discharge at its first wet row. Zero when the
// catchment has no wet row to invert.
func defaultRoughness(rows []domain.RatingRow, idx []int) float64 {
	for _, i := range idx {
		r := &rows[i]
		if n := domain.ManningN(r.WetArea, r.HydraulicRadius, r.Slope, r.DefaultDischarge); n > 0 {
			return n
		}
	}
	return 0
}

// spreadStats summarizes the accepted observations of one catchment for
// the run log.
type spreadStats struct {
	hydroID int
	count   int
	mean    float64
	stdDev  float64
}

func observationSpread(recs []hydrotable.CalibrationRecord) []spreadStats {
	byID := make(map[int][]float64)
	for _, r := range recs {
		if r.Used {
			byID[r.HydroID] = append(byID[r.HydroID], r.ManningN)
		}
	}
	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]spreadStats, 0, len(ids))
	for _, id := range ids {
		ns := byID[id]
		s := spreadStats{hydroID: id, count: len(ns), mean: stat.Mean(ns, nil)}
		if len(ns) > 1 {
			s.stdDev = stat.StdDev(ns, nil)
		}
		out = append(out, s)
	}
	return out
}
