package shpfile_test

import (
	"path/filepath"
	"testing"

	"github.com/ctessum/geom"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robgpita/inundation-mapping/internal/adapter/shpfile"
	"github.com/robgpita/inundation-mapping/internal/domain"
)

func TestReaches_WriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demDerived_reaches_split_1001.shp")

	want := []domain.Reach{
		{
			HydroID:     10010001,
			LevelPathID: 1001,
			NextDownID:  10010002,
			Order:       2,
			LengthKM:    0.3,
			Slope:       0.015,
			LakeID:      domain.NoLake,
			Geom:        geom.LineString{{X: 500005, Y: 4399995}, {X: 500305, Y: 4399995}},
		},
		{
			HydroID:     10010002,
			LevelPathID: 1001,
			NextDownID:  domain.NoNextDown,
			Order:       2,
			LengthKM:    0.29,
			Slope:       0.012,
			LakeID:      4800017,
			Geom:        geom.LineString{{X: 500305, Y: 4399995}, {X: 500595, Y: 4399995}},
		},
	}
	require.NoError(t, shpfile.WriteReaches(path, want))

	got, err := shpfile.ReadReaches(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Integer identifiers must survive exactly.
	assert.Equal(t, want[0].HydroID, got[0].HydroID)
	assert.Equal(t, want[0].LevelPathID, got[0].LevelPathID)
	assert.Equal(t, want[1].NextDownID, got[1].NextDownID)
	assert.Equal(t, want[1].LakeID, got[1].LakeID)
	assert.Equal(t, want[0].Order, got[0].Order)

	assert.InDelta(t, want[0].LengthKM, got[0].LengthKM, 1e-6)
	assert.InDelta(t, want[0].Slope, got[0].Slope, 1e-8)

	if diff := cmp.Diff(want[0].Geom, got[0].Geom); diff != "" {
		t.Fatalf("geometry mismatch (-want +got):\n%s", diff)
	}
}

func TestPoints_WriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demDerived_reaches_split_points_0.shp")

	want := []domain.OutletPoint{
		{ID: 10010001, X: 500305, Y: 4399995},
		{ID: 10010002, X: 500595, Y: 4399995},
	}
	require.NoError(t, shpfile.WritePoints(path, want))

	got, err := shpfile.ReadPoints(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFlowlines_WriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nwm_flows.shp")

	want := []domain.Flowline{
		{FeatureID: 948010001, Order: 2, Geom: geom.LineString{{X: 0, Y: 5}, {X: 600, Y: 5}}},
	}
	require.NoError(t, shpfile.WriteFlowlines(path, want))

	got, err := shpfile.ReadFlowlines(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 948010001, got[0].FeatureID)
	assert.Equal(t, 2, got[0].Order)
}

func TestCatchmentPolygons_WriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw_catchments_reaches_poly_0.shp")

	// Shell with a hole; ring orientations here are the polygonizer's
	// (counter-clockwise shell, clockwise hole).
	want := []domain.CatchmentPolygon{{
		HydroID:  10010001,
		AreaSqKm: 0.0096,
		Geom: geom.MultiPolygon{{
			{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 0, Y: 100}},
			{{X: 40, Y: 40}, {X: 40, Y: 60}, {X: 60, Y: 60}, {X: 60, Y: 40}},
		}},
	}}
	require.NoError(t, shpfile.WriteCatchmentPolygons(path, want))

	got, err := shpfile.ReadCatchmentPolygons(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 10010001, got[0].HydroID)
	assert.InDelta(t, 0.0096, got[0].AreaSqKm, 1e-6)

	require.Len(t, got[0].Geom, 1, "one polygon")
	require.Len(t, got[0].Geom[0], 2, "shell plus hole")

	// Containment semantics survive regardless of ring orientation churn.
	assert.True(t, got[0].ContainsPoint(geom.Point{X: 20, Y: 20}))
	assert.False(t, got[0].ContainsPoint(geom.Point{X: 50, Y: 50}), "hole is outside")
}

func TestReadReaches_MissingFile(t *testing.T) {
	_, err := shpfile.ReadReaches(filepath.Join(t.TempDir(), "absent.shp"))
	assert.Error(t, err)
}
