// Package catchments converts the reach-watershed labeling into polygon
// footprints, one feature per HydroID. Boundary edges are traced with the
// catchment interior on the left, so outer rings come out counter-
// clockwise and hole rings clockwise; regions of one label touching only
// at a cell corner stay separate parts of the same feature.
package catchments

import (
	"cmp"
	"slices"

	"github.com/ctessum/geom"

	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/raster"
)

// Degenerate reports polygon parts of one catchment that collapsed below
// a representable ring. PartsKept == 0 means the catchment was excluded.
type Degenerate struct {
	HydroID      int
	PartsDropped int
	PartsKept    int
	Reason       string
}

// Polygonize builds one polygon feature per distinct positive label in
// the reach-catchment grid. Labels <= 0 and nodata cells never produce
// polygons. Catchments whose geometry collapses entirely are excluded
// from the result and reported.
func Polygonize(labels *raster.IntGrid) ([]domain.CatchmentPolygon, []Degenerate) {
	cells := make(map[int32][]int)
	for i, v := range labels.Data {
		if v > 0 && v != labels.NoData {
			cells[v] = append(cells[v], i)
		}
	}

	areaKm := labels.CellArea() / 1e6
	var polys []domain.CatchmentPolygon
	var degen []Degenerate
	for _, id := range labels.Labels() {
		mp, dropped := assemble(traceRings(labels, id, cells[id]), labels.CellSize())
		if dropped > 0 || len(mp) == 0 {
			kept := 0
			for _, p := range mp {
				kept += len(p)
			}
			reason := "degenerate ring"
			if len(mp) == 0 {
				reason = "all parts degenerate"
			}
			degen = append(degen, Degenerate{
				HydroID:      int(id),
				PartsDropped: dropped,
				PartsKept:    kept,
				Reason:       reason,
			})
		}
		if len(mp) == 0 {
			continue
		}
		polys = append(polys, domain.CatchmentPolygon{
			HydroID:  int(id),
			AreaSqKm: float64(len(cells[id])) * areaKm,
			Geom:     mp,
		})
	}
	return polys, degen
}

// Corner-grid vertex: map position (T[0] + C*T[1], T[3] + R*T[5]).
type vertex struct{ C, R int }

type edge struct{ from, to vertex }

// traceRings collects the directed boundary of one label and chains it
// into closed rings. Each cell side facing a foreign cell contributes one
// edge, oriented so the labeled region lies on its left.
func traceRings(g *raster.IntGrid, id int32, flat []int) [][]geom.Point {
	in := func(c, r int) bool {
		return g.Contains(c, r) && g.At(c, r) == id
	}

	var edges []edge
	starts := make(map[vertex][]int)
	add := func(f, t vertex) {
		starts[f] = append(starts[f], len(edges))
		edges = append(edges, edge{f, t})
	}
	for _, i := range flat {
		c, r := i%g.NCols, i/g.NCols
		if !in(c, r-1) {
			add(vertex{c + 1, r}, vertex{c, r})
		}
		if !in(c, r+1) {
			add(vertex{c, r + 1}, vertex{c + 1, r + 1})
		}
		if !in(c-1, r) {
			add(vertex{c, r}, vertex{c, r + 1})
		}
		if !in(c+1, r) {
			add(vertex{c + 1, r + 1}, vertex{c + 1, r})
		}
	}

	used := make([]bool, len(edges))
	var rings [][]geom.Point
	for i := range edges {
		if used[i] {
			continue
		}
		rings = append(rings, walkRing(g.Frame, edges, starts, used, i))
	}
	return rings
}

// walkRing follows edges from edges[start] until the loop closes. Where
// two boundaries cross at a pinched corner it takes the leftmost turn,
// keeping each diagonal region on its own ring.
func walkRing(f raster.Frame, edges []edge, starts map[vertex][]int, used []bool, start int) []geom.Point {
	first := edges[start].from
	var vs []vertex
	cur := start
	for {
		e := edges[cur]
		used[cur] = true
		vs = append(vs, e.from)
		if e.to == first {
			break
		}
		next, ok := leftmost(edges, starts, used, e)
		if !ok {
			break
		}
		cur = next
	}
	return simplify(f, vs)
}

// leftmost picks the unused edge leaving prev.to with the most counter-
// clockwise turn relative to prev's direction.
func leftmost(edges []edge, starts map[vertex][]int, used []bool, prev edge) (int, bool) {
	// Map-space direction: columns grow east, rows grow south.
	dx, dy := prev.to.C-prev.from.C, prev.from.R-prev.to.R
	best, bestTurn := -1, -2
	for _, i := range starts[prev.to] {
		if used[i] {
			continue
		}
		e := edges[i]
		ex, ey := e.to.C-e.from.C, e.from.R-e.to.R
		turn := dx*ey - dy*ex
		if turn > bestTurn {
			best, bestTurn = i, turn
		}
	}
	return best, best >= 0
}

// simplify drops collinear corners and converts the rest to map points.
func simplify(f raster.Frame, vs []vertex) []geom.Point {
	n := len(vs)
	pts := make([]geom.Point, 0, n)
	for i := 0; i < n; i++ {
		p, c, nx := vs[(i+n-1)%n], vs[i], vs[(i+1)%n]
		if c.C-p.C == nx.C-c.C && c.R-p.R == nx.R-c.R {
			continue
		}
		pts = append(pts, geom.Point{
			X: f.Transform[0] + float64(c.C)*f.Transform[1],
			Y: f.Transform[3] + float64(c.R)*f.Transform[5],
		})
	}
	return pts
}

// assemble splits rings into shells and holes by winding and nests each
// hole inside the smallest shell containing it. Rings below four corners
// or without area are dropped and counted.
func assemble(rings [][]geom.Point, cell float64) (geom.MultiPolygon, int) {
	type shell struct {
		ring []geom.Point
		area float64
	}
	var shells []shell
	var holes [][]geom.Point
	dropped := 0
	for _, r := range rings {
		a := ringArea(r)
		switch {
		case len(r) < 4 || a == 0:
			dropped++
		case a > 0:
			shells = append(shells, shell{ring: r, area: a})
		default:
			holes = append(holes, r)
		}
	}
	if len(shells) == 0 {
		return nil, dropped + len(holes)
	}

	// Smallest enclosing shell wins, so sort ascending by area.
	slices.SortStableFunc(shells, func(a, b shell) int {
		return cmp.Compare(a.area, b.area)
	})

	mp := make(geom.MultiPolygon, len(shells))
	for i, s := range shells {
		mp[i] = geom.Polygon{s.ring}
	}
	for _, h := range holes {
		p := interiorPoint(h, cell)
		placed := false
		for i, s := range shells {
			probe := domain.CatchmentPolygon{Geom: geom.MultiPolygon{{s.ring}}}
			if probe.ContainsPoint(p) {
				mp[i] = append(mp[i], h)
				placed = true
				break
			}
		}
		if !placed {
			dropped++
		}
	}
	return mp, dropped
}

// interiorPoint returns a point strictly inside a rectilinear ring. Ring
// corners sit on the cell lattice and the enclosed region fills at least
// the cell north-east of the lexicographically smallest corner.
func interiorPoint(ring []geom.Point, cell float64) geom.Point {
	best := ring[0]
	for _, p := range ring[1:] {
		if p.X < best.X || (p.X == best.X && p.Y < best.Y) {
			best = p
		}
	}
	return geom.Point{X: best.X + cell/2, Y: best.Y + cell/2}
}

func ringArea(ring []geom.Point) float64 {
	var sum float64
	for i := 0; i < len(ring); i++ {
		j := (i + 1) % len(ring)
		sum += ring[i].X*ring[j].Y - ring[j].X*ring[i].Y
	}
	return sum / 2
}
