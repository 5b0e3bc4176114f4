package hydraulics

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/ctessum/geom"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robgpita/inundation-mapping/internal/adapter/hydrotable"
	"github.com/robgpita/inundation-mapping/internal/adapter/rasterio"
	"github.com/robgpita/inundation-mapping/internal/adapter/shpfile"
	"github.com/robgpita/inundation-mapping/internal/domain"
	"github.com/robgpita/inundation-mapping/internal/observability"
	"github.com/robgpita/inundation-mapping/internal/raster"
)

// Grids are 10 m cells (100 m² each), origin at the top-left.

func floatGrid(rows [][]float64) *raster.Grid {
	nr, nc := len(rows), len(rows[0])
	g := raster.NewGrid(raster.NewFrame(nc, nr, 0, float64(nr)*10, 10), -9999)
	for r, row := range rows {
		for c, v := range row {
			g.Set(c, r, v)
		}
	}
	return g
}

func labelGrid(rows [][]int32) *raster.IntGrid {
	nr, nc := len(rows), len(rows[0])
	g := raster.NewIntGrid(raster.NewFrame(nc, nr, 0, float64(nr)*10, 10), -9999)
	for r, row := range rows {
		for c, v := range row {
			g.Set(c, r, v)
		}
	}
	return g
}

func flatSlope(rows, cols int) *raster.Grid {
	g := raster.NewGrid(raster.NewFrame(cols, rows, 0, float64(rows)*10, 10), -9999)
	for i := range g.Data {
		g.Data[i] = 0
	}
	return g
}

func testReach(id int, lengthKM float64) domain.Reach {
	return domain.Reach{
		HydroID:     id,
		LevelPathID: 1001,
		NextDownID:  domain.NoNextDown,
		Order:       1,
		LengthKM:    lengthKM,
		Slope:       0.004,
		LakeID:      domain.NoLake,
		Geom:        geom.LineString{{X: 0, Y: 5}, {X: 40, Y: 5}},
	}
}

func TestComputeRatesFourCellCatchment(t *testing.T) {
	labels := labelGrid([][]int32{{101, 101, 101, 101}})
	rem := floatGrid([][]float64{{0.25, 0.5, 0.75, 1.0}})
	reaches := []domain.Reach{testReach(101, 0.02)}

	rows, excluded, err := Compute(context.Background(), rem, flatSlope(1, 4), labels,
		reaches, []float64{0, 0.5, 1.0}, 1)
	require.NoError(t, err)
	require.Empty(t, excluded)
	require.Len(t, rows, 3)

	dry := rows[0]
	assert.Equal(t, 0.0, dry.Stage)
	assert.Equal(t, 0, dry.CellCount)
	assert.Equal(t, 0.0, dry.SurfaceArea)
	assert.Equal(t, 0.0, dry.Volume)
	assert.Equal(t, 0.0, dry.HydraulicRadius)

	half := rows[1]
	assert.Equal(t, 2, half.CellCount)
	assert.Equal(t, 200.0, half.SurfaceArea)
	assert.Equal(t, 200.0, half.BedArea)
	assert.Equal(t, 25.0, half.Volume)
	assert.Equal(t, 10.0, half.TopWidth)
	assert.Equal(t, 10.0, half.WettedPerimeter)
	assert.Equal(t, 1.25, half.WetArea)
	assert.Equal(t, 0.125, half.HydraulicRadius)

	full := rows[2]
	assert.Equal(t, 4, full.CellCount)
	assert.Equal(t, 400.0, full.SurfaceArea, "all four cells inundate by a metre of stage")
	assert.Equal(t, 150.0, full.Volume)
	assert.Equal(t, 20.0, full.TopWidth)
	assert.Equal(t, 0.375, full.HydraulicRadius)
}

func TestComputeBedAreaStretchesWithSlope(t *testing.T) {
	labels := labelGrid([][]int32{{7}})
	rem := floatGrid([][]float64{{0}})
	slope := floatGrid([][]float64{{0.75}})

	rows, _, err := Compute(context.Background(), rem, slope, labels,
		[]domain.Reach{testReach(7, 0.01)}, []float64{1.0}, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// sqrt(1 + 0.75²) = 1.25, so the 100 m² cell carries 125 m² of bed.
	assert.Equal(t, 125.0, rows[0].BedArea)
	assert.Equal(t, 100.0, rows[0].SurfaceArea)
	assert.Equal(t, 0.8, rows[0].HydraulicRadius)
}

func TestComputeCountsCellAtExactStage(t *testing.T) {
	labels := labelGrid([][]int32{{7}})
	rem := floatGrid([][]float64{{1.0}})

	rows, _, err := Compute(context.Background(), rem, flatSlope(1, 1), labels,
		[]domain.Reach{testReach(7, 0.01)}, []float64{0.5, 1.0}, 1)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 0, rows[0].CellCount)
	assert.Equal(t, 1, rows[1].CellCount, "a cell at exactly the stage height is inundated")
}

func TestComputeGeometryMonotonicInStage(t *testing.T) {
	labels := labelGrid([][]int32{
		{55, 55, 55},
		{55, 55, 55},
	})
	rem := floatGrid([][]float64{
		{0, 0.3, 0.7},
		{1.1, 2.5, 4.9},
	})
	slope := floatGrid([][]float64{
		{0.01, 0.02, 0.3},
		{0.5, 0.04, 0.08},
	})

	rows, _, err := Compute(context.Background(), rem, slope, labels,
		[]domain.Reach{testReach(55, 0.1)}, domain.Stages(0, 5, 0.5), 1)
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	for i := 1; i < len(rows); i++ {
		assert.GreaterOrEqual(t, rows[i].Stage, rows[i-1].Stage)
		assert.GreaterOrEqual(t, rows[i].CellCount, rows[i-1].CellCount)
		assert.GreaterOrEqual(t, rows[i].SurfaceArea, rows[i-1].SurfaceArea)
		assert.GreaterOrEqual(t, rows[i].BedArea, rows[i-1].BedArea)
		assert.GreaterOrEqual(t, rows[i].Volume, rows[i-1].Volume)
	}
	assert.Equal(t, 6, rows[len(rows)-1].CellCount)
}

func TestComputeCarriesReachAttributes(t *testing.T) {
	labels := labelGrid([][]int32{{301, 301, 301}})
	rem := floatGrid([][]float64{{0.5, -9999, -9999}})
	r := testReach(301, 0.5)
	r.NextDownID = 302
	r.Order = 3

	rows, excluded, err := Compute(context.Background(), rem, flatSlope(1, 3), labels,
		[]domain.Reach{r}, []float64{0, 1.0}, 1)
	require.NoError(t, err)
	require.Empty(t, excluded)
	require.Len(t, rows, 2)

	for _, row := range rows {
		assert.Equal(t, 301, row.HydroID)
		assert.Equal(t, 302, row.NextDownID)
		assert.Equal(t, 3, row.Order)
		assert.Equal(t, domain.NoLake, row.LakeID)
		assert.Equal(t, 0.004, row.Slope)
		assert.Equal(t, 0.5, row.LengthKM)
		assert.InDelta(t, 0.0003, row.AreaSqKm, 1e-12,
			"footprint area counts masked cells too")
		assert.Zero(t, row.FeatureID)
		assert.Zero(t, row.Discharge)
	}
}

func TestComputeExcludesUnrateableCatchments(t *testing.T) {
	labels := labelGrid([][]int32{
		{201, 202},
		{201, 202},
	})
	rem := floatGrid([][]float64{
		{0.5, -9999},
		{1.5, -9999},
	})
	reaches := []domain.Reach{
		testReach(201, 0.4),
		testReach(202, 0.05),
		testReach(203, 0.02),
	}

	rows, excluded, err := Compute(context.Background(), rem, flatSlope(2, 2), labels,
		reaches, []float64{0, 1.0}, 1)
	require.NoError(t, err)

	require.Len(t, rows, 2, "only catchment 201 rates")
	for _, row := range rows {
		assert.Equal(t, 201, row.HydroID)
	}
	require.Len(t, excluded, 2)
	assert.Equal(t, 202, excluded[0].HydroID)
	assert.Equal(t, "no valid relative elevation cells", excluded[0].Reason)
	assert.Equal(t, 0.05, excluded[0].LengthKM)
	assert.Equal(t, 203, excluded[1].HydroID)
	assert.Equal(t, "absent from reach catchment raster", excluded[1].Reason)
}

func TestComputeFailsOnUnknownLabel(t *testing.T) {
	labels := labelGrid([][]int32{{999}})
	rem := floatGrid([][]float64{{0.5}})

	_, _, err := Compute(context.Background(), rem, flatSlope(1, 1), labels,
		[]domain.Reach{testReach(7, 0.01)}, []float64{1.0}, 1)

	var precond *domain.PreconditionError
	require.ErrorAs(t, err, &precond)
	assert.Equal(t, "rating", precond.Stage)
	assert.Contains(t, err.Error(), "999")
}

func TestComputeParallelMatchesSerial(t *testing.T) {
	labels := labelGrid([][]int32{
		{11, 12, 13, 14},
		{11, 12, 13, 14},
		{15, 15, 16, 16},
	})
	rem := floatGrid([][]float64{
		{0.25, 0.5, 0.75, 1.0},
		{1.25, 1.5, 1.75, 2.0},
		{0.5, 1.0, 1.5, 2.0},
	})
	var reaches []domain.Reach
	for id := 11; id <= 16; id++ {
		reaches = append(reaches, testReach(id, 0.03))
	}
	ladder := domain.Stages(0, 3, 0.5)

	serial, _, err := Compute(context.Background(), rem, flatSlope(3, 4), labels, reaches, ladder, 1)
	require.NoError(t, err)
	parallel, _, err := Compute(context.Background(), rem, flatSlope(3, 4), labels, reaches, ladder, 4)
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(serial, parallel))
	for i := 1; i < len(serial); i++ {
		prev, cur := serial[i-1], serial[i]
		assert.True(t, cur.HydroID > prev.HydroID ||
			(cur.HydroID == prev.HydroID && cur.Stage > prev.Stage),
			"rows ordered by (HydroID, stage)")
	}
}

func TestComputeHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	labels := labelGrid([][]int32{{101}})
	rem := floatGrid([][]float64{{0.5}})
	_, _, err := Compute(ctx, rem, flatSlope(1, 1), labels,
		[]domain.Reach{testReach(101, 0.01)}, []float64{1.0}, 2)
	require.ErrorIs(t, err, context.Canceled)
}

func writeRatingInputs(t *testing.T, b domain.Branch) {
	t.Helper()
	require.NoError(t, os.MkdirAll(b.Dir, 0o755))

	labels := labelGrid([][]int32{{101, 101, 101, 101}})
	rem := floatGrid([][]float64{{0.25, 0.5, 0.75, 1.0}})
	require.NoError(t, rasterio.WriteIntGrid(b.RasterPath(domain.RasterReachCatch), labels))
	require.NoError(t, rasterio.WriteGrid(b.RasterPath(domain.RasterREMMasked), rem))
	require.NoError(t, rasterio.WriteGrid(b.RasterPath(domain.RasterSlope), flatSlope(1, 4)))
	require.NoError(t, shpfile.WriteReaches(b.VectorPath(domain.VectorReaches),
		[]domain.Reach{testReach(101, 0.02)}))
}

func TestStageWritesBaseTable(t *testing.T) {
	b := domain.NewBranch(t.TempDir(), "12090301", "1001")
	writeRatingInputs(t, b)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()
	cache := rasterio.NewCache(8, metrics)
	s := NewStage(cache, domain.Stages(0, 1, 0.5), 2, metrics, logger)
	require.NoError(t, s.Run(context.Background(), b))

	raw, err := os.ReadFile(b.TablePath(domain.TableSRCBase))
	require.NoError(t, err)
	recs, err := csv.NewReader(strings.NewReader(string(raw))).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 4, "header plus one row per ladder stage")
	assert.Equal(t, hydrotable.BaseHeader, recs[0])

	last := recs[3]
	assert.Equal(t, "101", last[0])
	assert.Equal(t, "1", last[1])
	assert.Equal(t, "4", last[2])
	assert.Equal(t, "400", last[3])
	vol, err := strconv.ParseFloat(last[5], 64)
	require.NoError(t, err)
	assert.Equal(t, 150.0, vol)
	assert.Equal(t, "0.004", last[10])
	assert.Equal(t, "-1", last[13])

	// A re-run reproduces the table byte for byte.
	require.NoError(t, s.Run(context.Background(), b))
	again, err := os.ReadFile(b.TablePath(domain.TableSRCBase))
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestStageFailsWhenNothingRateable(t *testing.T) {
	b := domain.NewBranch(t.TempDir(), "12090301", "0")
	require.NoError(t, os.MkdirAll(b.Dir, 0o755))

	labels := labelGrid([][]int32{{101, 101}})
	rem := floatGrid([][]float64{{-9999, -9999}})
	require.NoError(t, rasterio.WriteIntGrid(b.RasterPath(domain.RasterReachCatch), labels))
	require.NoError(t, rasterio.WriteGrid(b.RasterPath(domain.RasterREMMasked), rem))
	require.NoError(t, rasterio.WriteGrid(b.RasterPath(domain.RasterSlope), flatSlope(1, 2)))
	require.NoError(t, shpfile.WriteReaches(b.VectorPath(domain.VectorReaches),
		[]domain.Reach{testReach(101, 0.02)}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()
	s := NewStage(rasterio.NewCache(8, metrics),
		domain.Stages(0, 1, 0.5), 1, metrics, logger)
	err := s.Run(context.Background(), b)

	var precond *domain.PreconditionError
	require.ErrorAs(t, err, &precond)
	assert.Equal(t, "rating", precond.Stage)
	assert.Contains(t, precond.Reason, "no rateable catchments")
}

func TestStageRejectsMisalignedRasters(t *testing.T) {
	b := domain.NewBranch(t.TempDir(), "12090301", "1001")
	writeRatingInputs(t, b)

	shifted := raster.NewGrid(raster.NewFrame(4, 1, 5, 10, 10), -9999)
	require.NoError(t, rasterio.WriteGrid(b.RasterPath(domain.RasterSlope), shifted))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()
	s := NewStage(rasterio.NewCache(8, metrics),
		domain.Stages(0, 1, 0.5), 1, metrics, logger)
	err := s.Run(context.Background(), b)

	var precond *domain.PreconditionError
	require.ErrorAs(t, err, &precond)
	assert.Contains(t, precond.Reason, domain.RasterSlope)
}

func TestStageRejectsEmptyLadder(t *testing.T) {
	b := domain.NewBranch(t.TempDir(), "12090301", "0")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()
	s := NewStage(rasterio.NewCache(8, metrics), nil, 1, metrics, logger)

	err := s.Run(context.Background(), b)
	var precond *domain.PreconditionError
	require.ErrorAs(t, err, &precond)
	assert.Contains(t, precond.Reason, "stage ladder")
}
