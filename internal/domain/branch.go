package domain

import (
	"fmt"
	"path/filepath"
)

// BranchZero identifies the whole-network branch.
const BranchZero = "0"

// Raster artifact base names. Branch paths append "_<branch-id>.bil".
const (
	RasterDEM        = "dem_meters"
	RasterFlowDir    = "flowdir_d8"
	RasterSlope      = "slopes_d8"
	RasterFlows      = "flows_grid_boolean"
	RasterPixelCatch = "gw_catchments_pixels"
	RasterReachCatch = "gw_catchments_reaches"
	RasterREM        = "rem"
	RasterREMMasked  = "rem_zeroed_masked"
)

// Vector artifact base names (.shp plus .shx/.dbf sidecars).
const (
	VectorReaches     = "demDerived_reaches_split"
	VectorReachPoints = "demDerived_reaches_split_points"
	VectorCatchPoly   = "gw_catchments_reaches_poly"
	VectorNWMFlows    = "nwm_flows"
	VectorBranchPoly  = "branch_polygons"
)

// Table artifact base names.
const (
	TableSRCBase        = "src_base"
	TableSRCFull        = "src_full_crosswalked"
	TableHydro          = "hydroTable"
	TableSRCJSON        = "src"
	TableCrosswalk      = "crosswalk_table"
	TableDegenerate     = "degenerate_catchments"
	TableMismatches     = "crosswalk_mismatches"
	TableSmallSegments  = "small_segments"
	TableCalibration    = "calibration_points"
	AggregateHydroTable = "hydroTable.csv"
	RunSummaryFile      = "run_summary.json"
)

// Branch locates one branch's artifacts inside a HUC output tree.
type Branch struct {
	HUC string
	ID  string
	Dir string
}

// BranchesDir returns the directory holding every branch of a HUC.
func BranchesDir(outputsDir, huc string) string {
	return filepath.Join(outputsDir, huc, "branches")
}

// NewBranch builds the branch for id under outputsDir/huc/branches/id.
func NewBranch(outputsDir, huc, id string) Branch {
	return Branch{
		HUC: huc,
		ID:  id,
		Dir: filepath.Join(BranchesDir(outputsDir, huc), id),
	}
}

// RasterPath returns the .bil path for a raster artifact base name.
func (b Branch) RasterPath(name string) string {
	return filepath.Join(b.Dir, fmt.Sprintf("%s_%s.bil", name, b.ID))
}

// VectorPath returns the .shp path for a vector artifact base name.
func (b Branch) VectorPath(name string) string {
	return filepath.Join(b.Dir, fmt.Sprintf("%s_%s.shp", name, b.ID))
}

// TablePath returns the .csv path for a table artifact base name.
func (b Branch) TablePath(name string) string {
	return filepath.Join(b.Dir, fmt.Sprintf("%s_%s.csv", name, b.ID))
}

// JSONPath returns the .json path for a table artifact base name.
func (b Branch) JSONPath(name string) string {
	return filepath.Join(b.Dir, fmt.Sprintf("%s_%s.json", name, b.ID))
}

// HUCDir returns the parent HUC directory (two levels above the branch dir).
func (b Branch) HUCDir() string {
	return filepath.Dir(filepath.Dir(b.Dir))
}
