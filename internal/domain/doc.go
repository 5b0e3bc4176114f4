// Package domain models the height-above-nearest-drainage (HAND) rating
// workflow: stream branches, reaches, catchments, stage ladders, and the
// synthetic rating curve rows that become the hydro-table.
//
// # Branches
//
// A watershed (HUC) is partitioned into branches. Each level path, a
// headwater-to-outlet chain of reaches sharing one LevelPathID, becomes its
// own branch, identified by the decimal LevelPathID. Branch "0" covers the
// complete network at once and backstops reaches that belong to no level
// path. Branch artifacts live under <outputs>/<huc>/branches/<branch-id>/
// and carry the branch id as a filename suffix (rem_1001.bil,
// hydroTable_1001.csv).
//
// # Flow direction encoding
//
// Flow direction grids use the eight-direction (D8) convention with codes
// counted counter-clockwise from east:
//
//	1 E   2 NE   3 N   4 NW   5 W   6 SW   7 S   8 SE
//
// A cell's code points at the one neighbor it drains to. Cells with nodata
// direction terminate routing.
//
// # Stage ladder
//
// Rating curves are evaluated on a ladder of stages from zero to a
// configured maximum, stepping by a fixed interval (default 0.3048 m, one
// foot). When the interval does not divide the maximum, the ladder still
// ends exactly at the maximum rather than overshooting or stopping short,
// so downstream interpolation always covers the full configured range.
//
// # Rating rows
//
// One RatingRow per (HydroID, stage). Grid-accumulated quantities:
//
//	CellCount        wet cells (rem <= stage)
//	SurfaceArea (m²) wet cell area
//	BedArea (m²)     wet cell area corrected by bed slope: dA·sqrt(1+s²)
//	Volume (m³)      sum of (stage - rem)·dA over wet cells
//
// Per-length derivations over reach length L (m):
//
//	TopWidth        = SurfaceArea / L
//	WettedPerimeter = BedArea / L
//	WetArea         = Volume / L
//	HydraulicRadius = WetArea / WettedPerimeter   (0 when dry)
//	Discharge       = WetArea · HydraulicRadius^(2/3) · sqrt(S) / n
//
// Rows are ordered by (HydroID, stage) everywhere: in memory, in CSVs, and
// in the aggregated hydro-table. Rewriting an unchanged branch must produce
// byte-identical tables.
//
// # Failure taxonomy
//
// Stages distinguish four failure shapes. PreconditionError aborts a
// branch (misaligned grids, missing inputs, broken monotonicity).
// DegenerateGeometryError, CrosswalkMismatchError, and SmallSegmentWarning
// never abort: the affected HydroID is excluded or repaired and the event is
// recorded in the branch diagnostics CSVs, exactly once per HydroID. Silent
// drops are a defect.
package domain
