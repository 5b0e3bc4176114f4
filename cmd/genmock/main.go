// Command genmock writes a synthetic watershed input tree that exercises
// every branch stage: a two-valley DEM with matching flow directions,
// split reaches on two level paths, national-network flowlines, branch
// polygons, bankfull and roughness CSVs, and a calibration point
// database. Observation flows are derived through the actual Manning
// helpers so the points invert to plausible roughness when calibrated.
//
// Usage:
//
//	go run ./cmd/genmock -out testdata/mock
//	go run ./cmd/fim run 12090301 --config testdata/mock/fim.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/ctessum/geom"
	"github.com/jonboulle/clockwork"

	"github.com/robgpita/inundation-mapping/internal/adapter/calibdb"
	"github.com/robgpita/inundation-mapping/internal/adapter/rasterio"
	"github.com/robgpita/inundation-mapping/internal/adapter/shpfile"
	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/raster"
)

// Grid layout: the main stem runs east along streamRow and exits the
// east edge; a tributary runs south along tribCol and joins it at
// (tribCol, streamRow). Cells inside the corridor drain laterally to
// the tributary, everything else drains straight to the main stem.
const (
	ncols    = 60
	nrows    = 40
	cellSize = 10.0
	originX  = 0.0
	originY  = 400.0

	streamRow   = 20
	tribCol     = 40
	corridorMin = 35
	corridorMax = 45

	// Valley walls rise lateralStepM per cell away from the channel.
	lateralStepM = 1.2
	mainBedSlope = 0.04
	tribBedSlope = 0.05
	hillslope    = 0.12

	nodata = -9999

	// Must match the stage ladder written to fim.yaml.
	stageIntervalM = 0.3048
	stageMaxM      = 12.0

	levelPathMain = 1948000001
	levelPathTrib = 1948000002
	featureMain   = 948000001
	featureTrib   = 948000002
)

// D8 direction codes, 1..8 counter-clockwise from east.
const (
	dirEast  = 1
	dirNorth = 3
	dirWest  = 5
	dirSouth = 7
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "directory to write the mock workspace under")
	huc := flag.String("huc", "12090301", "HUC code for the mock watershed")
	flag.Parse()

	if *out == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -out")
	}
	outDir, err := filepath.Abs(*out)
	if err != nil {
		return fmt.Errorf("resolve output dir: %w", err)
	}

	// Fix the clock so calibration point timestamps are reproducible.
	domain.SetClock(clockwork.NewFakeClockAt(
		time.Date(2025, time.March, 14, 15, 0, 0, 0, time.UTC),
	))
	defer domain.SetClock(nil)

	inputsDir := filepath.Join(outDir, "inputs")
	hucDir := filepath.Join(inputsDir, *huc)
	if err := os.MkdirAll(hucDir, 0o755); err != nil {
		return err
	}

	frame := raster.NewFrame(ncols, nrows, originX, originY, cellSize)
	dem := buildDEM(frame)
	mask := buildStreamMask(frame)

	rasters := []struct {
		name  string
		write func(path string) error
	}{
		{domain.RasterDEM, func(p string) error { return rasterio.WriteGrid(p, dem) }},
		{domain.RasterSlope, func(p string) error { return rasterio.WriteGrid(p, buildSlopes(frame)) }},
		{domain.RasterFlowDir, func(p string) error { return rasterio.WriteIntGrid(p, buildFlowDir(frame)) }},
		{domain.RasterFlows, func(p string) error { return rasterio.WriteIntGrid(p, mask) }},
	}
	for _, r := range rasters {
		path := filepath.Join(hucDir, r.name+".bil")
		if err := r.write(path); err != nil {
			return fmt.Errorf("write %s: %w", r.name, err)
		}
		log.Printf("wrote raster: %s", path)
	}

	reaches := mockReaches()
	if err := shpfile.WriteReaches(filepath.Join(hucDir, domain.VectorReaches+".shp"), reaches); err != nil {
		return fmt.Errorf("write reaches: %w", err)
	}
	if err := shpfile.WriteFlowlines(filepath.Join(hucDir, domain.VectorNWMFlows+".shp"), mockFlowlines()); err != nil {
		return fmt.Errorf("write flowlines: %w", err)
	}
	if err := shpfile.WriteBranchPolygons(
		filepath.Join(hucDir, domain.VectorBranchPoly+".shp"), "levpa_id", mockBranchPolygons()); err != nil {
		return fmt.Errorf("write branch polygons: %w", err)
	}
	log.Printf("wrote vectors: %d reaches, 2 flowlines, 3 branch polygons", len(reaches))

	bankfullCSV := filepath.Join(inputsDir, "bankfull_flows.csv")
	if err := os.WriteFile(bankfullCSV, []byte(fmt.Sprintf(
		"feature_id,bankfull_flow_cms\n%d,45\n%d,6.5\n", featureMain, featureTrib)), 0o644); err != nil {
		return fmt.Errorf("write bankfull flows: %w", err)
	}
	roughnessCSV := filepath.Join(inputsDir, "mannings_overrides.csv")
	if err := os.WriteFile(roughnessCSV, []byte(fmt.Sprintf(
		"feature_id,mannings_n\n%d,0.07\n", featureTrib)), 0o644); err != nil {
		return fmt.Errorf("write roughness overrides: %w", err)
	}

	points := mockPoints()
	dbPath := filepath.Join(outDir, "calib_points.db")
	if err := insertPoints(dbPath, *huc, points); err != nil {
		return err
	}
	log.Printf("wrote calibration db: %s (%d points)", dbPath, len(points))

	cfgPath := filepath.Join(outDir, "fim.yaml")
	if err := writeConfig(cfgPath, outDir, bankfullCSV, roughnessCSV, dbPath); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	log.Printf("wrote config: %s", cfgPath)

	printStats(*huc, outDir, dem, mask, reaches, points)
	return nil
}

// center returns the map coordinates of a cell center.
func center(col, row int) geom.Point {
	return geom.Point{
		X: originX + (float64(col)+0.5)*cellSize,
		Y: originY - (float64(row)+0.5)*cellSize,
	}
}

func isStream(col, row int) bool {
	return row == streamRow || (col == tribCol && row < streamRow)
}

func bedMain(col int) float64 {
	return 50 - mainBedSlope*cellSize*float64(col)
}

func bedTrib(row int) float64 {
	return bedMain(tribCol) + tribBedSlope*cellSize*float64(streamRow-row)
}

// demAt models two V-shaped valleys meeting at the junction: elevation
// climbs lateralStepM per cell away from the nearest channel.
func demAt(col, row int) float64 {
	main := bedMain(col) + lateralStepM*math.Abs(float64(row-streamRow))
	if row < streamRow && col >= corridorMin && col <= corridorMax {
		trib := bedTrib(row) + lateralStepM*math.Abs(float64(col-tribCol))
		return math.Min(main, trib)
	}
	return main
}

func flowDirAt(col, row int) int32 {
	switch {
	case row == streamRow:
		return dirEast
	case row > streamRow:
		return dirNorth
	case col == tribCol:
		return dirSouth
	case col >= corridorMin && col < tribCol:
		return dirEast
	case col > tribCol && col <= corridorMax:
		return dirWest
	default:
		return dirSouth
	}
}

func buildDEM(f raster.Frame) *raster.Grid {
	g := raster.NewGrid(f, nodata)
	for row := 0; row < f.NRows; row++ {
		for col := 0; col < f.NCols; col++ {
			g.Set(col, row, demAt(col, row))
		}
	}
	return g
}

func buildSlopes(f raster.Frame) *raster.Grid {
	g := raster.NewGrid(f, nodata)
	for row := 0; row < f.NRows; row++ {
		for col := 0; col < f.NCols; col++ {
			switch {
			case row == streamRow:
				g.Set(col, row, mainBedSlope)
			case isStream(col, row):
				g.Set(col, row, tribBedSlope)
			default:
				g.Set(col, row, hillslope)
			}
		}
	}
	return g
}

func buildFlowDir(f raster.Frame) *raster.IntGrid {
	g := raster.NewIntGrid(f, nodata)
	for row := 0; row < f.NRows; row++ {
		for col := 0; col < f.NCols; col++ {
			g.Set(col, row, flowDirAt(col, row))
		}
	}
	return g
}

func buildStreamMask(f raster.Frame) *raster.IntGrid {
	g := raster.NewIntGrid(f, nodata)
	for row := 0; row < f.NRows; row++ {
		for col := 0; col < f.NCols; col++ {
			v := int32(0)
			if isStream(col, row) {
				v = 1
			}
			g.Set(col, row, v)
		}
	}
	return g
}

// mockReaches splits the main stem in two and adds the tributary, so
// the watershed carries two level paths plus branch zero.
func mockReaches() []domain.Reach {
	reaches := []domain.Reach{
		{
			HydroID: 101, LevelPathID: levelPathMain, NextDownID: 102,
			Order: 1, Slope: mainBedSlope, LakeID: domain.NoLake,
			Geom: geom.LineString{center(0, streamRow), center(29, streamRow)},
		},
		{
			HydroID: 102, LevelPathID: levelPathMain, NextDownID: domain.NoNextDown,
			Order: 2, Slope: mainBedSlope, LakeID: domain.NoLake,
			Geom: geom.LineString{center(29, streamRow), center(ncols-1, streamRow)},
		},
		{
			HydroID: 201, LevelPathID: levelPathTrib, NextDownID: 102,
			Order: 1, Slope: tribBedSlope, LakeID: domain.NoLake,
			Geom: geom.LineString{center(tribCol, 0), center(tribCol, streamRow-1)},
		},
	}
	for i := range reaches {
		reaches[i].LengthKM = reaches[i].GeomLengthM() / 1000
	}
	return reaches
}

// mockFlowlines tracks the two channels a few meters off-axis, well
// inside the default crosswalk match distance.
func mockFlowlines() []domain.Flowline {
	return []domain.Flowline{
		{FeatureID: featureMain, Order: 2, Geom: geom.LineString{
			{X: -15, Y: 192}, {X: 615, Y: 192},
		}},
		{FeatureID: featureTrib, Order: 1, Geom: geom.LineString{
			{X: 408, Y: 412}, {X: 408, Y: 198},
		}},
	}
}

func mockBranchPolygons() []domain.BranchPolygon {
	return []domain.BranchPolygon{
		{BranchID: "0", Geom: rect(-10, -10, 610, 410)},
		{BranchID: fmt.Sprint(levelPathMain), Geom: rect(-10, 125, 610, 265)},
		{BranchID: fmt.Sprint(levelPathTrib), Geom: rect(345, 145, 465, 410)},
	}
}

func rect(x0, y0, x1, y1 float64) geom.MultiPolygon {
	return geom.MultiPolygon{{{
		{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1},
	}}}
}

// mockPoints seeds the calibration database. Two points support a
// catchment median on 101, single points on 102 and 201 fall below the
// default minimum, and the last point lands outside every catchment.
func mockPoints() []domain.WaterEdgePoint {
	collected := domain.Now().UTC()
	return []domain.WaterEdgePoint{
		{X: 150, Y: 225, FlowCMS: valleyFlow(3.6, 30, 0.29, mainBedSlope, 0.09),
			Submitter: "usgs-hwm", CollectedAt: collected.Add(-72 * time.Hour)},
		{X: 155, Y: 235, FlowCMS: valleyFlow(4.8, 30, 0.29, mainBedSlope, 0.08),
			Submitter: "usgs-hwm", CollectedAt: collected.Add(-71 * time.Hour)},
		{X: 450, Y: 215, FlowCMS: valleyFlow(2.4, 30, 0.3, mainBedSlope, 0.07),
			Submitter: "field-team", CollectedAt: collected.Add(-24 * time.Hour)},
		{X: 425, Y: 300, FlowCMS: valleyFlow(2.4, 20, 0.19, tribBedSlope, 0.075),
			Submitter: "field-team", CollectedAt: collected.Add(-23 * time.Hour)},
		{X: 5000, Y: 5000, FlowCMS: 99,
			Submitter: "field-team", CollectedAt: collected.Add(-1 * time.Hour)},
	}
}

// valleyFlow approximates the rating geometry of a V-shaped catchment
// at the ladder stage nearest remM and returns the discharge that
// inverts back to roughness n there. The estimate ignores corridor
// carve-outs, which shifts the inverted n a little but keeps it well
// inside the plausible range.
func valleyFlow(remM float64, channelCells int, lengthKM, bedSlope, n float64) float64 {
	h := math.Min(math.Round(remM/stageIntervalM)*stageIntervalM, stageMaxM)
	cellArea := cellSize * cellSize
	var volume, bed float64
	for k := -streamRow; k < nrows-streamRow; k++ {
		depth := lateralStepM * math.Abs(float64(k))
		if depth > h {
			continue
		}
		s := hillslope
		if k == 0 {
			s = bedSlope
		}
		volume += (h - depth) * cellArea * float64(channelCells)
		bed += cellArea * math.Sqrt(1+s*s) * float64(channelCells)
	}
	wetArea := volume / (lengthKM * 1000)
	hydraulicRadius := volume / bed
	return domain.ManningDischarge(wetArea, hydraulicRadius, bedSlope, n)
}

func insertPoints(dbPath, huc string, pts []domain.WaterEdgePoint) error {
	store, err := calibdb.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Insert(context.Background(), huc, pts); err != nil {
		return fmt.Errorf("insert calibration points: %w", err)
	}
	return nil
}

func writeConfig(path, outDir, bankfullCSV, roughnessCSV, dbPath string) error {
	cfg := fmt.Sprintf(`workspace:
  inputs: %s
  outputs: %s
stage:
  max_m: %g
bankfull:
  flows_csv: %s
roughness:
  overrides_csv: %s
calibration:
  db: %s
`,
		filepath.Join(outDir, "inputs"),
		filepath.Join(outDir, "outputs"),
		stageMaxM,
		bankfullCSV,
		roughnessCSV,
		dbPath,
	)
	return os.WriteFile(path, []byte(cfg), 0o644)
}

func printStats(huc, outDir string, dem *raster.Grid, mask *raster.IntGrid, reaches []domain.Reach, pts []domain.WaterEdgePoint) {
	streamCells := 0
	for _, v := range mask.Data {
		if v > 0 {
			streamCells++
		}
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range dem.Data {
		if dem.IsNoData(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	fmt.Println("\n=== Mock watershed summary ===")
	fmt.Printf("HUC: %s\n", huc)
	fmt.Printf("Grid: %dx%d cells at %gm, elevation %.1f-%.1f m\n", ncols, nrows, cellSize, lo, hi)
	fmt.Printf("Stream cells: %d\n", streamCells)
	fmt.Printf("Branches: 0 (full network), %d (main stem), %d (tributary)\n", levelPathMain, levelPathTrib)
	for _, r := range reaches {
		fmt.Printf("  reach %d: levelpath=%d next=%d order=%d length=%.2fkm slope=%g\n",
			r.HydroID, r.LevelPathID, r.NextDownID, r.Order, r.LengthKM, r.Slope)
	}
	fmt.Printf("Calibration points: %d (last one outside the watershed)\n", len(pts))
	for _, p := range pts {
		fmt.Printf("  (%.0f, %.0f) flow=%.1f cms by %s\n", p.X, p.Y, p.FlowCMS, p.Submitter)
	}
	fmt.Printf("\nRun the pipeline with:\n  fim run %s --config %s\n", huc, filepath.Join(outDir, "fim.yaml"))
}
