package partition

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robgpita/inundation-mapping/internal/adapter/rasterio"
	"github.com/robgpita/inundation-mapping/internal/adapter/shpfile"
	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/observability"
	"github.com/robgpita/inundation-mapping/internal/raster"
)

const testHUC = "12090301"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func observabilityForTest() *observability.Metrics {
	return observability.NewMetricsForTesting()
}

func rect(x0, y0, x1, y1 float64) geom.MultiPolygon {
	return geom.MultiPolygon{{{
		{X: x0, Y: y1}, {X: x1, Y: y1}, {X: x1, Y: y0}, {X: x0, Y: y0},
	}}}
}

// writeInputs lays down a 8x6 watershed with a main stem along y=45, a
// tributary dropping down x=25, and one branch polygon per branch.
func writeInputs(t *testing.T, dir string) []domain.Reach {
	t.Helper()
	hucIn := filepath.Join(dir, testHUC)
	require.NoError(t, os.MkdirAll(hucIn, 0o755))

	frame := raster.NewFrame(8, 6, 0, 60, 10)
	dem := raster.NewGrid(frame, -9999)
	slope := raster.NewGrid(frame, -9999)
	for i := range dem.Data {
		dem.Data[i] = 100 + float64(i)*0.1
		slope.Data[i] = 0.01
	}
	flowdir := raster.NewIntGrid(frame, -9999)
	flows := raster.NewIntGrid(frame, -9999)
	for i := range flowdir.Data {
		flowdir.Data[i] = 1
	}

	require.NoError(t, rasterio.WriteGrid(filepath.Join(hucIn, domain.RasterDEM+".bil"), dem))
	require.NoError(t, rasterio.WriteGrid(filepath.Join(hucIn, domain.RasterSlope+".bil"), slope))
	require.NoError(t, rasterio.WriteIntGrid(filepath.Join(hucIn, domain.RasterFlowDir+".bil"), flowdir))
	require.NoError(t, rasterio.WriteIntGrid(filepath.Join(hucIn, domain.RasterFlows+".bil"), flows))

	reaches := []domain.Reach{
		{
			HydroID: 10010001, LevelPathID: 1001, NextDownID: 10010002,
			Order: 2, LengthKM: 0.03, Slope: 0.001, LakeID: domain.NoLake,
			Geom: geom.LineString{{X: 5, Y: 45}, {X: 35, Y: 45}},
		},
		{
			HydroID: 10010002, LevelPathID: 1001, NextDownID: domain.NoNextDown,
			Order: 2, LengthKM: 0.04, Slope: 0.001, LakeID: domain.NoLake,
			Geom: geom.LineString{{X: 35, Y: 45}, {X: 75, Y: 45}},
		},
		{
			HydroID: 10020001, LevelPathID: 1002, NextDownID: 10010002,
			Order: 1, LengthKM: 0.01, Slope: 0.004, LakeID: domain.NoLake,
			Geom: geom.LineString{{X: 25, Y: 55}, {X: 25, Y: 45}},
		},
	}
	require.NoError(t, shpfile.WriteReaches(filepath.Join(hucIn, domain.VectorReaches+".shp"), reaches))

	flowlines := []domain.Flowline{
		{FeatureID: 948010001, Order: 2, Geom: geom.LineString{{X: 5, Y: 38}, {X: 75, Y: 38}}},
		{FeatureID: 948020001, Order: 1, Geom: geom.LineString{{X: 26, Y: 56}, {X: 26, Y: 46}}},
	}
	require.NoError(t, shpfile.WriteFlowlines(filepath.Join(hucIn, domain.VectorNWMFlows+".shp"), flowlines))

	require.NoError(t, writePolys(hucIn, []domain.BranchPolygon{
		{BranchID: "0", Geom: rect(0, 0, 80, 60)},
		{BranchID: "1001", Geom: rect(0, 34, 80, 56)},
		{BranchID: "1002", Geom: rect(20, 40, 30, 60)},
	}))
	return reaches
}

func writePolys(hucIn string, polys []domain.BranchPolygon) error {
	return shpfile.WriteBranchPolygons(
		filepath.Join(hucIn, domain.VectorBranchPoly+".shp"), "branch_id", polys)
}

func TestPartitionSplitsByLevelPath(t *testing.T) {
	inputs := t.TempDir()
	outputs := t.TempDir()
	writeInputs(t, inputs)

	metrics := observabilityForTest()
	p := New(inputs, 30, "branch_id", rasterio.NewCache(16, metrics), testLogger())
	branches, err := p.Partition(context.Background(), outputs, testHUC)
	require.NoError(t, err)

	require.Len(t, branches, 3)
	assert.Equal(t, "0", branches[0].ID)
	assert.Equal(t, "1001", branches[1].ID)
	assert.Equal(t, "1002", branches[2].ID)

	// Branch zero keeps the whole network, level-path branches only theirs.
	all, err := shpfile.ReadReaches(branches[0].VectorPath(domain.VectorReaches))
	require.NoError(t, err)
	assert.Len(t, all, 3)

	trib, err := shpfile.ReadReaches(branches[2].VectorPath(domain.VectorReaches))
	require.NoError(t, err)
	require.Len(t, trib, 1)
	assert.Equal(t, 10020001, trib[0].HydroID)
}

func TestPartitionSubsetsFlowlinesToWindow(t *testing.T) {
	inputs := t.TempDir()
	outputs := t.TempDir()
	writeInputs(t, inputs)

	metrics := observabilityForTest()
	p := New(inputs, 0, "branch_id", rasterio.NewCache(16, metrics), testLogger())
	branches, err := p.Partition(context.Background(), outputs, testHUC)
	require.NoError(t, err)

	// Unbuffered, the 1002 window spans x 20..30, y 40..60. The main stem
	// flowline runs along y=38 and stays out; the tributary feature
	// crosses the window.
	lines, err := shpfile.ReadFlowlines(branches[2].VectorPath(domain.VectorNWMFlows))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 948020001, lines[0].FeatureID)

	// Branch zero sees the whole watershed and keeps both.
	all, err := shpfile.ReadFlowlines(branches[0].VectorPath(domain.VectorNWMFlows))
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPartitionClipsToBufferedExtent(t *testing.T) {
	inputs := t.TempDir()
	outputs := t.TempDir()
	writeInputs(t, inputs)

	metrics := observabilityForTest()
	p := New(inputs, 10, "branch_id", rasterio.NewCache(16, metrics), testLogger())
	branches, err := p.Partition(context.Background(), outputs, testHUC)
	require.NoError(t, err)

	// The 1002 polygon spans x 20..30, y 40..60. Widened by 10 m the
	// window is cols 1..3 and rows 0..2 of the 8x6 source grid.
	dem, err := rasterio.ReadGrid(branches[2].RasterPath(domain.RasterDEM))
	require.NoError(t, err)
	assert.Equal(t, 3, dem.NCols)
	assert.Equal(t, 3, dem.NRows)
	assert.Equal(t, 10.0, dem.CellSize())
	assert.Equal(t, 10.0, dem.Transform[0], "origin shifted to the window")
	assert.Equal(t, 60.0, dem.Transform[3])

	// All four rasters share the clipped frame.
	for _, name := range []string{domain.RasterSlope} {
		g, err := rasterio.ReadGrid(branches[2].RasterPath(name))
		require.NoError(t, err)
		assert.True(t, g.Frame.Same(dem.Frame), name)
	}
	for _, name := range []string{domain.RasterFlowDir, domain.RasterFlows} {
		g, err := rasterio.ReadIntGrid(branches[2].RasterPath(name))
		require.NoError(t, err)
		assert.True(t, g.Frame.Same(dem.Frame), name)
	}
}

func TestPartitionMasksCellsOutsideFootprint(t *testing.T) {
	inputs := t.TempDir()
	outputs := t.TempDir()
	writeInputs(t, inputs)

	// Replace the 1002 footprint with an L shape: a bar along the top row
	// and a leg down the left column of its bounding box.
	lShape := geom.MultiPolygon{{{
		{X: 10, Y: 60}, {X: 40, Y: 60}, {X: 40, Y: 50},
		{X: 20, Y: 50}, {X: 20, Y: 30}, {X: 10, Y: 30},
	}}}
	require.NoError(t, writePolys(filepath.Join(inputs, testHUC), []domain.BranchPolygon{
		{BranchID: "0", Geom: rect(0, 0, 80, 60)},
		{BranchID: "1001", Geom: rect(0, 34, 80, 56)},
		{BranchID: "1002", Geom: lShape},
	}))

	metrics := observabilityForTest()
	p := New(inputs, 0, "branch_id", rasterio.NewCache(16, metrics), testLogger())
	branches, err := p.Partition(context.Background(), outputs, testHUC)
	require.NoError(t, err)

	dem, err := rasterio.ReadGrid(branches[2].RasterPath(domain.RasterDEM))
	require.NoError(t, err)
	require.Equal(t, 3, dem.NCols)
	require.Equal(t, 3, dem.NRows)

	// Top bar and left leg hold data; the notch is nodata.
	for _, c := range []int{0, 1, 2} {
		assert.True(t, dem.Valid(c, 0), "top bar col %d", c)
	}
	for _, r := range []int{1, 2} {
		assert.True(t, dem.Valid(0, r), "left leg row %d", r)
		assert.False(t, dem.Valid(1, r), "notch col 1 row %d", r)
		assert.False(t, dem.Valid(2, r), "notch col 2 row %d", r)
	}
}

func TestPartitionBranchPolygonExactlyOne(t *testing.T) {
	cases := []struct {
		name  string
		polys []domain.BranchPolygon
		want  string
	}{
		{
			name: "missing",
			polys: []domain.BranchPolygon{
				{BranchID: "0", Geom: rect(0, 0, 80, 60)},
				{BranchID: "1001", Geom: rect(0, 34, 80, 56)},
			},
			want: "branch 1002 matches 0 polygon features",
		},
		{
			name: "duplicate",
			polys: []domain.BranchPolygon{
				{BranchID: "0", Geom: rect(0, 0, 80, 60)},
				{BranchID: "1001", Geom: rect(0, 34, 80, 56)},
				{BranchID: "1002", Geom: rect(20, 40, 30, 60)},
				{BranchID: "1002", Geom: rect(20, 40, 30, 60)},
			},
			want: "branch 1002 matches 2 polygon features",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inputs := t.TempDir()
			outputs := t.TempDir()
			writeInputs(t, inputs)
			require.NoError(t, writePolys(filepath.Join(inputs, testHUC), tc.polys))

			metrics := observabilityForTest()
			p := New(inputs, 10, "branch_id", rasterio.NewCache(16, metrics), testLogger())
			_, err := p.Partition(context.Background(), outputs, testHUC)

			var precond *domain.PreconditionError
			require.ErrorAs(t, err, &precond)
			assert.Equal(t, "partition", precond.Stage)
			assert.Contains(t, precond.Reason, tc.want)
		})
	}
}

func TestPartitionOutletPointsPulledOffConfluence(t *testing.T) {
	inputs := t.TempDir()
	outputs := t.TempDir()
	writeInputs(t, inputs)

	metrics := observabilityForTest()
	p := New(inputs, 30, "branch_id", rasterio.NewCache(16, metrics), testLogger())
	branches, err := p.Partition(context.Background(), outputs, testHUC)
	require.NoError(t, err)

	pts, err := shpfile.ReadPoints(branches[0].VectorPath(domain.VectorReachPoints))
	require.NoError(t, err)
	require.Len(t, pts, 3)

	byID := map[int]domain.OutletPoint{}
	for _, pt := range pts {
		byID[pt.ID] = pt
	}
	// Reach 10010001 ends at the confluence (35,45); its outlet sits half
	// a cell back. The tributary ends there too but pulls back north.
	assert.InDelta(t, 30.0, byID[10010001].X, 1e-9)
	assert.InDelta(t, 45.0, byID[10010001].Y, 1e-9)
	assert.InDelta(t, 25.0, byID[10020001].X, 1e-9)
	assert.InDelta(t, 50.0, byID[10020001].Y, 1e-9)
}

func TestPartitionRejectsMisalignedRasters(t *testing.T) {
	inputs := t.TempDir()
	outputs := t.TempDir()
	writeInputs(t, inputs)

	// Overwrite the slope raster on a shifted frame.
	bad := raster.NewGrid(raster.NewFrame(8, 6, 5, 60, 10), -9999)
	require.NoError(t, rasterio.WriteGrid(
		filepath.Join(inputs, testHUC, domain.RasterSlope+".bil"), bad))

	metrics := observabilityForTest()
	p := New(inputs, 30, "branch_id", rasterio.NewCache(16, metrics), testLogger())
	_, err := p.Partition(context.Background(), outputs, testHUC)

	var precond *domain.PreconditionError
	require.ErrorAs(t, err, &precond)
	assert.Equal(t, "partition", precond.Stage)
	assert.Contains(t, precond.Reason, domain.RasterSlope)
}

func TestPartitionRejectsEmptyNetwork(t *testing.T) {
	inputs := t.TempDir()
	outputs := t.TempDir()
	writeInputs(t, inputs)
	require.NoError(t, shpfile.WriteReaches(
		filepath.Join(inputs, testHUC, domain.VectorReaches+".shp"), nil))

	metrics := observabilityForTest()
	p := New(inputs, 30, "branch_id", rasterio.NewCache(16, metrics), testLogger())
	_, err := p.Partition(context.Background(), outputs, testHUC)

	var precond *domain.PreconditionError
	require.ErrorAs(t, err, &precond)
	assert.Contains(t, precond.Reason, "no reaches")
}

func TestOutletPointsShortReachUsesMidpoint(t *testing.T) {
	r := domain.Reach{
		HydroID: 7,
		Geom:    geom.LineString{{X: 0, Y: 0}, {X: 6, Y: 0}},
	}
	// Half a cell (5 m) back from the end would pass the midpoint on a
	// 6 m reach, so the midpoint wins.
	pts := OutletPoints([]domain.Reach{r}, 10)
	require.Len(t, pts, 1)
	assert.InDelta(t, 3.0, pts[0].X, 1e-9)
}
