package domain

import (
	"time"

	"github.com/ctessum/geom"
)

// CatchmentPolygon is the polygonized footprint of one reach catchment.
type CatchmentPolygon struct {
	HydroID  int
	AreaSqKm float64
	Geom     geom.MultiPolygon
}

// ContainsPoint reports whether p falls inside the catchment footprint.
func (c CatchmentPolygon) ContainsPoint(p geom.Point) bool {
	return pointInRings(c.Geom, p)
}

// BranchPolygon is one feature of the watershed branch-polygon layer: the
// clip footprint a branch working set is cut to.
type BranchPolygon struct {
	BranchID string
	Geom     geom.MultiPolygon
}

// ContainsPoint reports whether p falls inside the branch footprint.
func (b BranchPolygon) ContainsPoint(p geom.Point) bool {
	return pointInRings(b.Geom, p)
}

// pointInRings tests p against every ring with even-odd parity, so holes
// are respected regardless of ring orientation.
func pointInRings(mp geom.MultiPolygon, p geom.Point) bool {
	inside := false
	for _, poly := range mp {
		for _, ring := range poly {
			if ringCrossings(ring, p)%2 == 1 {
				inside = !inside
			}
		}
	}
	return inside
}

// ringCrossings counts how many ring edges a ray cast east from p crosses.
func ringCrossings(ring []geom.Point, p geom.Point) int {
	n := 0
	for i := 0; i < len(ring); i++ {
		a := ring[i]
		b := ring[(i+1)%len(ring)]
		if (a.Y > p.Y) == (b.Y > p.Y) {
			continue
		}
		x := a.X + (p.Y-a.Y)/(b.Y-a.Y)*(b.X-a.X)
		if x > p.X {
			n++
		}
	}
	return n
}

// WaterEdgePoint is one observed water-surface-edge measurement used for
// roughness calibration.
type WaterEdgePoint struct {
	X, Y        float64
	FlowCMS     float64
	Submitter   string
	CollectedAt time.Time
}
