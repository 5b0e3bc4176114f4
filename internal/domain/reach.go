package domain

import (
	"math"

	"github.com/ctessum/geom"
)

// NoLake is the LakeID sentinel for reaches outside any waterbody.
const NoLake = -999

// NoNextDown is the NextDownID sentinel for terminal (outlet) reaches.
const NoNextDown = -1

// Reach is one split stream segment with its network attributes.
type Reach struct {
	HydroID     int
	LevelPathID int64
	NextDownID  int
	Order       int
	LengthKM    float64
	Slope       float64
	LakeID      int
	Geom        geom.LineString
}

// DownstreamEnd returns the last vertex of the reach geometry. Reach
// geometries run upstream to downstream.
func (r Reach) DownstreamEnd() geom.Point {
	return r.Geom[len(r.Geom)-1]
}

// Midpoint returns the point halfway along the reach geometry by arc length.
func (r Reach) Midpoint() geom.Point {
	return r.PointAlong(lineLength(r.Geom) / 2)
}

// PointAlong returns the point at arc-length distance from the upstream
// end, clamped to the reach ends.
func (r Reach) PointAlong(distance float64) geom.Point {
	if len(r.Geom) == 0 {
		return geom.Point{}
	}
	if len(r.Geom) == 1 || distance <= 0 {
		return r.Geom[0]
	}
	var walked float64
	for i := 1; i < len(r.Geom); i++ {
		seg := dist(r.Geom[i-1], r.Geom[i])
		if walked+seg >= distance && seg > 0 {
			t := (distance - walked) / seg
			return geom.Point{
				X: r.Geom[i-1].X + t*(r.Geom[i].X-r.Geom[i-1].X),
				Y: r.Geom[i-1].Y + t*(r.Geom[i].Y-r.Geom[i-1].Y),
			}
		}
		walked += seg
	}
	return r.Geom[len(r.Geom)-1]
}

// GeomLengthM returns the geometric length of the reach in map units.
func (r Reach) GeomLengthM() float64 {
	return lineLength(r.Geom)
}

// InLake reports whether the reach runs through a waterbody.
func (r Reach) InLake() bool {
	return r.LakeID != NoLake
}

// Flowline is one national-network stream segment reaches crosswalk to.
type Flowline struct {
	FeatureID int
	Order     int
	Geom      geom.LineString
}

// OutletPoint marks a routing outlet: the labeler assigns ID to every cell
// draining through the cell containing (X, Y).
type OutletPoint struct {
	ID   int
	X, Y float64
}

func lineLength(ls geom.LineString) float64 {
	var total float64
	for i := 1; i < len(ls); i++ {
		total += dist(ls[i-1], ls[i])
	}
	return total
}

func dist(a, b geom.Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}
