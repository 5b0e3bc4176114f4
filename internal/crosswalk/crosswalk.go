// Package crosswalk maps branch reaches onto the national flow network
// and finishes the synthetic rating curve: feature assignment, roughness
// selection, Manning discharge, and bankfull channel classification.
//
// Matching prefers level-path coherence over raw proximity: after the
// nearest-flowline pass, an isolated disagreement between two agreeing
// neighbors on the same level path snaps to the neighbors' feature, and
// sub-threshold segments adopt an adjacent reach's match instead of
// standing alone as fragment curves. Every reassignment and every
// exclusion is written to a diagnostics table.
package crosswalk

import (
	"math"
	"slices"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
	"github.com/ctessum/geom/proj"

	"github.com/robgpita/inundation-mapping/internal/adapter/hydrotable"
	"github.com/robgpita/inundation-mapping/internal/domain"
)

const stageName = "crosswalk"

// Engine holds crosswalk policy: the match tolerance, the small-segment
// threshold, and the roughness and bankfull lookups.
type Engine struct {
	MaxDistanceM float64
	MinLengthKM  float64

	DefaultN   float64
	NByOrder   map[int]float64 // by stream order
	NOverrides map[int]float64 // by feature_id

	BankfullFlows map[int]float64 // 1.5yr flows by feature_id; nil skips bankfull
	ChannelN      float64         // composite roughness blend; 0 disables
	OverbankN     float64
}

// flowSeg is one flowline segment in the spatial index.
type flowSeg struct {
	feature int
	a, b    geom.Point
}

func (s flowSeg) Bounds() *geom.Bounds {
	return &geom.Bounds{
		Min: geom.Point{X: math.Min(s.a.X, s.b.X), Y: math.Min(s.a.Y, s.b.Y)},
		Max: geom.Point{X: math.Max(s.a.X, s.b.X), Y: math.Max(s.a.Y, s.b.Y)},
	}
}

// The remaining geom.Geom methods delegate to a LineString view of the
// segment; rtree.Insert demands the full interface but only ever calls
// Bounds.

func (s flowSeg) Similar(g geom.Geom, tolerance float64) bool {
	return geom.LineString{s.a, s.b}.Similar(g, tolerance)
}

func (s flowSeg) Transform(t proj.Transformer) (geom.Geom, error) {
	return geom.LineString{s.a, s.b}.Transform(t)
}

func (s flowSeg) Len() int { return geom.LineString{s.a, s.b}.Len() }

func (s flowSeg) Points() func() geom.Point { return geom.LineString{s.a, s.b}.Points() }

// Match assigns each reach the nearest flowline feature within the
// distance tolerance, then smooths isolated level-path disagreements.
// Reaches with no feature in range come back as mismatch records with
// the nearest distance found, or -1 when nothing was in the search box.
func (e *Engine) Match(reaches []domain.Reach, flowlines []domain.Flowline) ([]domain.CrosswalkRow, []hydrotable.MismatchRecord) {
	index := rtree.NewTree(25, 50)
	for _, fl := range flowlines {
		for i := 1; i < len(fl.Geom); i++ {
			index.Insert(flowSeg{feature: fl.FeatureID, a: fl.Geom[i-1], b: fl.Geom[i]})
		}
	}

	var rows []domain.CrosswalkRow
	var mismatches []hydrotable.MismatchRecord
	for _, r := range reaches {
		mid := r.Midpoint()
		feature, dist := e.nearest(index, mid)
		if feature == 0 || dist > e.MaxDistanceM {
			mismatches = append(mismatches, hydrotable.MismatchRecord{
				HydroID: r.HydroID, X: mid.X, Y: mid.Y, Distance: dist,
			})
			continue
		}
		rows = append(rows, domain.CrosswalkRow{
			HydroID: r.HydroID, FeatureID: feature, Distance: dist,
			Method: domain.MatchNearest,
		})
	}
	smooth(reaches, rows)
	return rows, mismatches
}

// nearest searches a MaxDistanceM box around the point and returns the
// feature of the closest segment. Equal distances break toward the
// lower feature id so re-runs match identically.
func (e *Engine) nearest(index *rtree.Rtree, p geom.Point) (int, float64) {
	box := &geom.Bounds{
		Min: geom.Point{X: p.X - e.MaxDistanceM, Y: p.Y - e.MaxDistanceM},
		Max: geom.Point{X: p.X + e.MaxDistanceM, Y: p.Y + e.MaxDistanceM},
	}
	best, bestDist := 0, -1.0
	for _, hit := range index.SearchIntersect(box) {
		seg := hit.(flowSeg)
		d := pointSegDist(p, seg.a, seg.b)
		if bestDist < 0 || d < bestDist || (d == bestDist && seg.feature < best) {
			best, bestDist = seg.feature, d
		}
	}
	return best, bestDist
}

// smooth snaps a single-reach feature disagreement between two agreeing
// level-path neighbors, keeping one natural flowline from fragmenting
// into alternating assignments. Neighbors order by HydroID, which the
// network derivation assigns sequentially along each level path.
func smooth(reaches []domain.Reach, rows []domain.CrosswalkRow) {
	level := make(map[int]int64, len(reaches))
	for _, r := range reaches {
		level[r.HydroID] = r.LevelPathID
	}
	groups := make(map[int64][]int)
	for i, row := range rows {
		lp := level[row.HydroID]
		groups[lp] = append(groups[lp], i)
	}
	for _, idx := range groups {
		slices.SortFunc(idx, func(a, b int) int { return rows[a].HydroID - rows[b].HydroID })
		for k := 1; k < len(idx)-1; k++ {
			prev, cur, next := &rows[idx[k-1]], &rows[idx[k]], &rows[idx[k+1]]
			if prev.FeatureID == next.FeatureID && cur.FeatureID != prev.FeatureID {
				cur.FeatureID = prev.FeatureID
				cur.Method = domain.MatchSmoothed
			}
		}
	}
}

// AdoptSmallSegments folds sub-threshold reaches, and reaches the rating
// stage excluded, onto an adjacent same-level-path neighbor's feature.
// An adopted reach that had been a mismatch stops being one. Every fold
// decision lands in the returned record set; a short reach with no
// matchable neighbor keeps its own assignment and no record is written.
func (e *Engine) AdoptSmallSegments(reaches []domain.Reach, rated map[int]bool, rows []domain.CrosswalkRow, mismatches []hydrotable.MismatchRecord) ([]domain.CrosswalkRow, []hydrotable.MismatchRecord, []hydrotable.SmallSegmentRecord) {
	matchIdx := make(map[int]int, len(rows))
	for i, x := range rows {
		matchIdx[x.HydroID] = i
	}
	byID := make(map[int]domain.Reach, len(reaches))
	for _, r := range reaches {
		byID[r.HydroID] = r
	}
	// Lowest-HydroID inflow on the same level path, for the upstream
	// fallback when a reach has no matchable downstream neighbor.
	upstream := make(map[int]int)
	for _, r := range reaches {
		d, ok := byID[r.NextDownID]
		if !ok || d.LevelPathID != r.LevelPathID {
			continue
		}
		if u, seen := upstream[d.HydroID]; !seen || r.HydroID < u {
			upstream[d.HydroID] = r.HydroID
		}
	}

	ordered := slices.Clone(reaches)
	slices.SortFunc(ordered, func(a, b domain.Reach) int { return a.HydroID - b.HydroID })

	var records []hydrotable.SmallSegmentRecord
	cleared := make(map[int]bool)
	for _, r := range ordered {
		short := r.LengthKM < e.MinLengthKM
		if rated[r.HydroID] && !short {
			continue
		}
		rec := hydrotable.SmallSegmentRecord{HydroID: r.HydroID, LengthKM: r.LengthKM}
		neighbor, ok := adoptiveNeighbor(r, byID, upstream, matchIdx)
		if ok {
			m := rows[matchIdx[neighbor]]
			rec.AdoptedFeatureID = m.FeatureID
			rec.AdoptedFrom = neighbor
			row := domain.CrosswalkRow{
				HydroID: r.HydroID, FeatureID: m.FeatureID, Distance: m.Distance,
				Method: domain.MatchSmallSegment,
			}
			if i, has := matchIdx[r.HydroID]; has {
				rows[i] = row
			} else {
				rows = append(rows, row)
				matchIdx[r.HydroID] = len(rows) - 1
				cleared[r.HydroID] = true
			}
			records = append(records, rec)
			continue
		}
		if !rated[r.HydroID] {
			// Nothing to adopt from; the exclusion still gets its record.
			records = append(records, rec)
		}
	}

	if len(cleared) > 0 {
		kept := make([]hydrotable.MismatchRecord, 0, len(mismatches))
		for _, m := range mismatches {
			if !cleared[m.HydroID] {
				kept = append(kept, m)
			}
		}
		mismatches = kept
	}
	return rows, mismatches, records
}

// adoptiveNeighbor prefers the downstream reach on the same level path,
// then the lowest upstream inflow, and requires a crosswalk match.
func adoptiveNeighbor(r domain.Reach, byID map[int]domain.Reach, upstream map[int]int, matchIdx map[int]int) (int, bool) {
	if d, ok := byID[r.NextDownID]; ok && d.LevelPathID == r.LevelPathID {
		if _, has := matchIdx[d.HydroID]; has {
			return d.HydroID, true
		}
	}
	if u, ok := upstream[r.HydroID]; ok {
		if _, has := matchIdx[u]; has {
			return u, true
		}
	}
	return 0, false
}

// Apply joins the crosswalk onto base rating rows: feature ids,
// roughness selection, and Manning discharge. Rows whose HydroID has no
// crosswalk entry are dropped; the caller has already recorded them.
func (e *Engine) Apply(rows []domain.RatingRow, xw []domain.CrosswalkRow) []domain.RatingRow {
	byID := make(map[int]domain.CrosswalkRow, len(xw))
	for _, x := range xw {
		byID[x.HydroID] = x
	}
	out := make([]domain.RatingRow, 0, len(rows))
	for _, r := range rows {
		x, ok := byID[r.HydroID]
		if !ok {
			continue
		}
		r.FeatureID = x.FeatureID
		r.ManningN = e.roughness(x.FeatureID, r.Order)
		r.Discharge = domain.ManningDischarge(r.WetArea, r.HydraulicRadius, r.Slope, r.ManningN)
		r.DefaultDischarge = r.Discharge
		out = append(out, r)
	}
	return out
}

// roughness picks Manning's n: per-feature override, then the
// stream-order table, then the global default.
func (e *Engine) roughness(featureID, order int) float64 {
	if n, ok := e.NOverrides[featureID]; ok {
		return n
	}
	if n, ok := e.NByOrder[order]; ok {
		return n
	}
	return e.DefaultN
}

// DischargeBreaks counts, per catchment, the stages where discharge
// drops below the previous stage's value. Rows must be sorted by
// (HydroID, stage). Breaks are reported, never repaired.
func DischargeBreaks(rows []domain.RatingRow) map[int]int {
	breaks := make(map[int]int)
	for i := 1; i < len(rows); i++ {
		if rows[i].HydroID == rows[i-1].HydroID && rows[i].Discharge < rows[i-1].Discharge {
			breaks[rows[i].HydroID]++
		}
	}
	return breaks
}

func pointSegDist(p, a, b geom.Point) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	len2 := dx*dx + dy*dy
	if len2 == 0 {
		return math.Hypot(p.X-a.X, p.Y-a.Y)
	}
	t := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / len2
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(p.X-(a.X+t*dx), p.Y-(a.Y+t*dy))
}
