package rasterio_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robgpita/inundation-mapping/internal/adapter/rasterio"
	"github.com/robgpita/inundation-mapping/internal/observability"
	"github.com/robgpita/inundation-mapping/internal/raster"
)

func TestGrid_WriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dem_meters_0.bil")

	g := raster.NewGrid(raster.NewFrame(4, 3, 500000, 4400000, 10), -9999)
	g.Set(0, 0, 101.25)
	g.Set(3, 2, 98.5)
	g.Set(1, 1, -3.75)

	require.NoError(t, rasterio.WriteGrid(path, g))

	got, err := rasterio.ReadGrid(path)
	require.NoError(t, err)

	assert.Equal(t, g.NCols, got.NCols)
	assert.Equal(t, g.NRows, got.NRows)
	assert.Equal(t, g.CellSize(), got.CellSize())
	assert.Equal(t, g.NoData, got.NoData)
	assert.Equal(t, g.Transform, got.Transform)
	if diff := cmp.Diff(g.Data, got.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestGrid_ClipWriteReadPreservesCellSizeAndNoData(t *testing.T) {
	dir := t.TempDir()

	g := raster.NewGrid(raster.NewFrame(8, 8, 100, 900, 0.3048), -32768)
	for i := range g.Data {
		g.Data[i] = float64(i) * 0.5
	}

	clip, err := g.Clip(2, 3, 4, 4)
	require.NoError(t, err)

	path := filepath.Join(dir, "clip.bil")
	require.NoError(t, rasterio.WriteGrid(path, clip))

	got, err := rasterio.ReadGrid(path)
	require.NoError(t, err)
	assert.Equal(t, g.CellSize(), got.CellSize())
	assert.Equal(t, g.NoData, got.NoData)
}

func TestGrid_RewriteIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rem_0.bil")

	g := raster.NewGrid(raster.NewFrame(5, 5, 0, 50, 10), -9999)
	g.Set(2, 2, 1.2345)

	require.NoError(t, rasterio.WriteGrid(path, g))
	first, err := os.ReadFile(path)
	require.NoError(t, err)
	firstHdr, err := os.ReadFile(filepath.Join(dir, "rem_0.hdr"))
	require.NoError(t, err)

	// Read back and rewrite: the float32 payload and header must not drift.
	got, err := rasterio.ReadGrid(path)
	require.NoError(t, err)
	require.NoError(t, rasterio.WriteGrid(path, got))

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	secondHdr, err := os.ReadFile(filepath.Join(dir, "rem_0.hdr"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, firstHdr, secondHdr)
}

func TestIntGrid_WriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gw_catchments_reaches_0.bil")

	g := raster.NewIntGrid(raster.NewFrame(3, 3, 0, 30, 10), -9999)
	g.Set(0, 0, 10010001)
	g.Set(2, 2, 10010002)

	require.NoError(t, rasterio.WriteIntGrid(path, g))

	got, err := rasterio.ReadIntGrid(path)
	require.NoError(t, err)
	assert.Equal(t, g.NoData, got.NoData)
	assert.Equal(t, g.Data, got.Data)
	assert.Equal(t, g.Transform, got.Transform)
}

func TestReadGrid_PixelTypeMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "labels.bil")

	g := raster.NewIntGrid(raster.NewFrame(2, 2, 0, 20, 10), -9999)
	require.NoError(t, rasterio.WriteIntGrid(path, g))

	_, err := rasterio.ReadGrid(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pixel type")
}

func TestReadGrid_TruncatedPayload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dem.bil")

	g := raster.NewGrid(raster.NewFrame(4, 4, 0, 40, 10), -9999)
	require.NoError(t, rasterio.WriteGrid(path, g))
	require.NoError(t, os.WriteFile(path, []byte{0, 1, 2, 3}, 0o644))

	_, err := rasterio.ReadGrid(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload")
}

func TestCache_ReadThroughAndEviction(t *testing.T) {
	dir := t.TempDir()
	metrics := observability.NewMetricsForTesting()

	paths := make([]string, 3)
	for i := range paths {
		paths[i] = filepath.Join(dir, "g"+string(rune('a'+i))+".bil")
		g := raster.NewGrid(raster.NewFrame(2, 2, 0, 20, 10), -9999)
		g.Set(0, 0, float64(i))
		require.NoError(t, rasterio.WriteGrid(paths[i], g))
	}

	c := rasterio.NewCache(2, metrics)

	a1, err := c.Grid(paths[0])
	require.NoError(t, err)
	a2, err := c.Grid(paths[0])
	require.NoError(t, err)
	assert.Same(t, a1, a2, "second read should hit the cache")

	// Fill past capacity; the oldest entry is evicted and re-read fresh.
	_, err = c.Grid(paths[1])
	require.NoError(t, err)
	_, err = c.Grid(paths[2])
	require.NoError(t, err)

	a3, err := c.Grid(paths[0])
	require.NoError(t, err)
	assert.NotSame(t, a1, a3, "evicted entry should be re-read")
}

func TestCache_MissingFile(t *testing.T) {
	c := rasterio.NewCache(2, observability.NewMetricsForTesting())
	_, err := c.Grid(filepath.Join(t.TempDir(), "absent.bil"))
	assert.Error(t, err)
}
