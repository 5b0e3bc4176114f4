// Package shpfile reads and writes the pipeline's vector artifacts as
// shapefiles: split reaches, routing outlet points, national-network
// flowlines, branch clip footprints, and polygonized catchments. DBF
// field names stay within the 10-character shapefile limit, and integer
// identifiers (HydroID, feature_id) are written with precision 0 so they
// round-trip exactly.
package shpfile

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ctessum/geom"
	shp "github.com/jonas-p/go-shp"

	"github.com/robgpita/inundation-mapping/internal/domain"
)

// Reach attribute fields, in write order.
var reachFields = []shp.Field{
	shp.NumberField("HydroID", 12),
	shp.NumberField("LevelPathI", 16),
	shp.NumberField("NextDownID", 12),
	shp.NumberField("order_", 4),
	shp.FloatField("LENGTHKM", 14, 6),
	shp.FloatField("S0", 14, 8),
	shp.NumberField("LakeID", 12),
}

// ReadReaches loads a split-reach layer with its network attributes.
func ReadReaches(path string) ([]domain.Reach, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reaches %s: %w", path, err)
	}
	defer r.Close()

	idx := fieldIndex(r.Fields())
	var reaches []domain.Reach
	for r.Next() {
		n, p := r.Shape()
		line, ok := asLineString(p)
		if !ok {
			continue
		}
		reaches = append(reaches, domain.Reach{
			HydroID:     attrInt(r, n, idx, "HydroID"),
			LevelPathID: int64(attrInt(r, n, idx, "LevelPathI")),
			NextDownID:  attrInt(r, n, idx, "NextDownID"),
			Order:       attrInt(r, n, idx, "order_"),
			LengthKM:    attrFloat(r, n, idx, "LENGTHKM"),
			Slope:       attrFloat(r, n, idx, "S0"),
			LakeID:      attrInt(r, n, idx, "LakeID"),
			Geom:        line,
		})
	}
	return reaches, nil
}

// WriteReaches writes a split-reach layer.
func WriteReaches(path string, reaches []domain.Reach) error {
	w, err := shp.Create(path, shp.POLYLINE)
	if err != nil {
		return fmt.Errorf("create reaches %s: %w", path, err)
	}
	defer w.Close()
	w.SetFields(reachFields)

	for i, rc := range reaches {
		pl := shp.NewPolyLine([][]shp.Point{toShpPoints(rc.Geom)})
		w.Write(pl)
		w.WriteAttribute(i, 0, rc.HydroID)
		w.WriteAttribute(i, 1, int(rc.LevelPathID))
		w.WriteAttribute(i, 2, rc.NextDownID)
		w.WriteAttribute(i, 3, rc.Order)
		w.WriteAttribute(i, 4, rc.LengthKM)
		w.WriteAttribute(i, 5, rc.Slope)
		w.WriteAttribute(i, 6, rc.LakeID)
	}
	return nil
}

// ReadFlowlines loads a national-network flowline layer.
func ReadFlowlines(path string) ([]domain.Flowline, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open flowlines %s: %w", path, err)
	}
	defer r.Close()

	idx := fieldIndex(r.Fields())
	var lines []domain.Flowline
	for r.Next() {
		n, p := r.Shape()
		line, ok := asLineString(p)
		if !ok {
			continue
		}
		lines = append(lines, domain.Flowline{
			FeatureID: attrInt(r, n, idx, "feature_id"),
			Order:     attrInt(r, n, idx, "order_"),
			Geom:      line,
		})
	}
	return lines, nil
}

// WriteFlowlines writes a national-network flowline layer.
func WriteFlowlines(path string, lines []domain.Flowline) error {
	w, err := shp.Create(path, shp.POLYLINE)
	if err != nil {
		return fmt.Errorf("create flowlines %s: %w", path, err)
	}
	defer w.Close()
	w.SetFields([]shp.Field{
		shp.NumberField("feature_id", 12),
		shp.NumberField("order_", 4),
	})

	for i, fl := range lines {
		pl := shp.NewPolyLine([][]shp.Point{toShpPoints(fl.Geom)})
		w.Write(pl)
		w.WriteAttribute(i, 0, fl.FeatureID)
		w.WriteAttribute(i, 1, fl.Order)
	}
	return nil
}

// ReadPoints loads a routing outlet point layer.
func ReadPoints(path string) ([]domain.OutletPoint, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open points %s: %w", path, err)
	}
	defer r.Close()

	idx := fieldIndex(r.Fields())
	var pts []domain.OutletPoint
	for r.Next() {
		n, p := r.Shape()
		pt, ok := p.(*shp.Point)
		if !ok {
			continue
		}
		pts = append(pts, domain.OutletPoint{
			ID: attrInt(r, n, idx, "id"),
			X:  pt.X,
			Y:  pt.Y,
		})
	}
	return pts, nil
}

// WritePoints writes a routing outlet point layer.
func WritePoints(path string, pts []domain.OutletPoint) error {
	w, err := shp.Create(path, shp.POINT)
	if err != nil {
		return fmt.Errorf("create points %s: %w", path, err)
	}
	defer w.Close()
	w.SetFields([]shp.Field{shp.NumberField("id", 12)})

	for i, p := range pts {
		w.Write(&shp.Point{X: p.X, Y: p.Y})
		w.WriteAttribute(i, 0, p.ID)
	}
	return nil
}

// ReadBranchPolygons loads the branch clip-footprint layer. idField names
// the DBF attribute carrying the branch identifier.
func ReadBranchPolygons(path, idField string) ([]domain.BranchPolygon, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open branch polygons %s: %w", path, err)
	}
	defer r.Close()

	idx := fieldIndex(r.Fields())
	if _, ok := idx[idField]; !ok {
		return nil, fmt.Errorf("branch polygons %s: no %q attribute", path, idField)
	}
	var polys []domain.BranchPolygon
	for r.Next() {
		n, p := r.Shape()
		sp, ok := p.(*shp.Polygon)
		if !ok {
			continue
		}
		polys = append(polys, domain.BranchPolygon{
			BranchID: attrString(r, n, idx, idField),
			Geom:     fromShpPolygon(sp),
		})
	}
	if len(polys) == 0 {
		return nil, fmt.Errorf("branch polygons %s: no polygon records", path)
	}
	return polys, nil
}

// WriteBranchPolygons writes a branch clip-footprint layer keyed by idField.
func WriteBranchPolygons(path, idField string, polys []domain.BranchPolygon) error {
	w, err := shp.Create(path, shp.POLYGON)
	if err != nil {
		return fmt.Errorf("create branch polygons %s: %w", path, err)
	}
	defer w.Close()
	w.SetFields([]shp.Field{shp.StringField(idField, 32)})

	for i, bp := range polys {
		var parts [][]shp.Point
		for _, poly := range bp.Geom {
			for ri, ring := range poly {
				parts = append(parts, ringToShpPoints(ring, ri == 0))
			}
		}
		if len(parts) == 0 {
			continue
		}
		pg := shp.Polygon(*shp.NewPolyLine(parts))
		w.Write(&pg)
		w.WriteAttribute(i, 0, bp.BranchID)
	}
	return nil
}

// ReadCatchmentPolygons loads a polygonized catchment layer.
func ReadCatchmentPolygons(path string) ([]domain.CatchmentPolygon, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catchments %s: %w", path, err)
	}
	defer r.Close()

	idx := fieldIndex(r.Fields())
	var polys []domain.CatchmentPolygon
	for r.Next() {
		n, p := r.Shape()
		sp, ok := p.(*shp.Polygon)
		if !ok {
			continue
		}
		polys = append(polys, domain.CatchmentPolygon{
			HydroID:  attrInt(r, n, idx, "HydroID"),
			AreaSqKm: attrFloat(r, n, idx, "AREASQKM"),
			Geom:     fromShpPolygon(sp),
		})
	}
	if len(polys) == 0 {
		return nil, fmt.Errorf("catchments %s: no polygon records", path)
	}
	return polys, nil
}

// WriteCatchmentPolygons writes a polygonized catchment layer. Shells are
// written clockwise and holes counter-clockwise per the shapefile spec,
// whatever orientation the input rings carry.
func WriteCatchmentPolygons(path string, polys []domain.CatchmentPolygon) error {
	w, err := shp.Create(path, shp.POLYGON)
	if err != nil {
		return fmt.Errorf("create catchments %s: %w", path, err)
	}
	defer w.Close()
	w.SetFields([]shp.Field{
		shp.NumberField("HydroID", 12),
		shp.FloatField("AREASQKM", 14, 6),
	})

	for i, c := range polys {
		var parts [][]shp.Point
		for _, poly := range c.Geom {
			for ri, ring := range poly {
				shell := ri == 0
				parts = append(parts, ringToShpPoints(ring, shell))
			}
		}
		if len(parts) == 0 {
			continue
		}
		pg := shp.Polygon(*shp.NewPolyLine(parts))
		w.Write(&pg)
		w.WriteAttribute(i, 0, c.HydroID)
		w.WriteAttribute(i, 1, c.AreaSqKm)
	}
	return nil
}

// --- conversions ---

// asLineString flattens a polyline's parts into one linestring.
func asLineString(s shp.Shape) (geom.LineString, bool) {
	pl, ok := s.(*shp.PolyLine)
	if !ok {
		return nil, false
	}
	line := make(geom.LineString, 0, len(pl.Points))
	for _, p := range pl.Points {
		line = append(line, geom.Point{X: p.X, Y: p.Y})
	}
	if len(line) < 2 {
		return nil, false
	}
	return line, true
}

func toShpPoints(ls geom.LineString) []shp.Point {
	out := make([]shp.Point, len(ls))
	for i, p := range ls {
		out[i] = shp.Point{X: p.X, Y: p.Y}
	}
	return out
}

// ringToShpPoints closes the ring and forces shell/hole orientation.
func ringToShpPoints(ring []geom.Point, shell bool) []shp.Point {
	pts := make([]geom.Point, len(ring))
	copy(pts, ring)

	// Shapefile shells run clockwise (negative signed area, y-up).
	cw := signedArea(pts) < 0
	if shell != cw {
		reversePoints(pts)
	}

	out := make([]shp.Point, 0, len(pts)+1)
	for _, p := range pts {
		out = append(out, shp.Point{X: p.X, Y: p.Y})
	}
	if len(pts) > 0 && pts[0] != pts[len(pts)-1] {
		out = append(out, shp.Point{X: pts[0].X, Y: pts[0].Y})
	}
	return out
}

// fromShpPolygon rebuilds a multipolygon: clockwise rings open new
// polygons (shells), counter-clockwise rings attach as holes of the most
// recent shell. Closing vertices are stripped.
func fromShpPolygon(sp *shp.Polygon) geom.MultiPolygon {
	var mp geom.MultiPolygon
	for partIdx := 0; partIdx < len(sp.Parts); partIdx++ {
		start := int(sp.Parts[partIdx])
		end := len(sp.Points)
		if partIdx+1 < len(sp.Parts) {
			end = int(sp.Parts[partIdx+1])
		}
		ring := make([]geom.Point, 0, end-start)
		for i := start; i < end; i++ {
			ring = append(ring, geom.Point{X: sp.Points[i].X, Y: sp.Points[i].Y})
		}
		if len(ring) > 1 && ring[0] == ring[len(ring)-1] {
			ring = ring[:len(ring)-1]
		}
		if len(ring) < 3 {
			continue
		}
		if signedArea(ring) < 0 || len(mp) == 0 {
			mp = append(mp, geom.Polygon{ring})
		} else {
			mp[len(mp)-1] = append(mp[len(mp)-1], ring)
		}
	}
	return mp
}

// signedArea is the shoelace sum: positive for counter-clockwise rings
// in a y-up coordinate system.
func signedArea(ring []geom.Point) float64 {
	var sum float64
	for i := 0; i < len(ring); i++ {
		j := (i + 1) % len(ring)
		sum += ring[i].X*ring[j].Y - ring[j].X*ring[i].Y
	}
	return sum / 2
}

func reversePoints(pts []geom.Point) {
	for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
		pts[i], pts[j] = pts[j], pts[i]
	}
}

// --- attribute helpers ---

func fieldIndex(fields []shp.Field) map[string]int {
	idx := make(map[string]int, len(fields))
	for i, f := range fields {
		idx[strings.TrimSpace(f.String())] = i
	}
	return idx
}

func attrInt(r *shp.Reader, row int, idx map[string]int, name string) int {
	i, ok := idx[name]
	if !ok {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(r.ReadAttribute(row, i)))
	if err != nil {
		return 0
	}
	return v
}

func attrFloat(r *shp.Reader, row int, idx map[string]int, name string) float64 {
	i, ok := idx[name]
	if !ok {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(r.ReadAttribute(row, i)), 64)
	if err != nil || math.IsNaN(v) {
		return 0
	}
	return v
}

func attrString(r *shp.Reader, row int, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok {
		return ""
	}
	return strings.TrimSpace(r.ReadAttribute(row, i))
}
