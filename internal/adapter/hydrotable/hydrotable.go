// Package hydrotable reads and writes the pipeline's tabular artifacts:
// synthetic rating curve CSVs, the hydro-table consumed by inundation
// tooling, the crosswalk table, and diagnostics CSVs.
//
// All writers emit rows ordered by (HydroID, stage) and write through a
// temporary file so a re-run replaces tables atomically and
// byte-identically. Floats are formatted with the shortest representation
// that round-trips, so read-modify-rewrite of an unchanged table
// reproduces the input bytes.
package hydrotable

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/robgpita/inundation-mapping/internal/domain"
)

// Column headers, exported so artifact validation can check schemas.
var (
	BaseHeader = []string{
		"HydroID", "stage", "Number of Cells", "SurfaceArea (m2)",
		"BedArea (m2)", "Volume (m3)", "TopWidth (m)", "WettedPerimeter (m)",
		"WetArea (m2)", "HydraulicRadius (m)", "SLOPE", "LENGTHKM",
		"AREASQKM", "NextDownID", "order_", "LakeID",
	}

	FullHeader = []string{
		"HydroID", "feature_id", "stage", "Number of Cells",
		"SurfaceArea (m2)", "BedArea (m2)", "Volume (m3)", "TopWidth (m)",
		"WettedPerimeter (m)", "WetArea (m2)", "HydraulicRadius (m)",
		"SLOPE", "LENGTHKM", "AREASQKM", "ManningN",
		"default_discharge_cms", "discharge_cms", "bankfull_stage_m",
		"channel_volume_ratio", "channel_hradius_ratio", "channel_surf_ratio",
		"bankfull_applied",
	}

	HydroHeader = []string{
		"HUC", "branch_id", "feature_id", "HydroID", "NextDownID", "order_",
		"LakeID", "stage", "discharge_cms", "default_discharge_cms",
		"ManningN", "SLOPE", "LENGTHKM", "AREASQKM", "Number of Cells",
		"SurfaceArea (m2)", "BedArea (m2)", "Volume (m3)", "TopWidth (m)",
		"WettedPerimeter (m)", "WetArea (m2)", "HydraulicRadius (m)",
		"bankfull_applied", "calb_applied",
	}

	CrosswalkHeader = []string{"HydroID", "feature_id", "distance_m", "method"}
)

// WriteBase writes the geometry-only rating table (src_base).
func WriteBase(path string, rows []domain.RatingRow) error {
	return writeCSV(path, BaseHeader, sortRows(rows), func(r domain.RatingRow) []string {
		return []string{
			itoa(r.HydroID), ftoa(r.Stage), itoa(r.CellCount),
			ftoa(r.SurfaceArea), ftoa(r.BedArea), ftoa(r.Volume),
			ftoa(r.TopWidth), ftoa(r.WettedPerimeter), ftoa(r.WetArea),
			ftoa(r.HydraulicRadius), ftoa(r.Slope), ftoa(r.LengthKM),
			ftoa(r.AreaSqKm), itoa(r.NextDownID), itoa(r.Order), itoa(r.LakeID),
		}
	})
}

// ReadBase reads a geometry-only rating table back into rating rows.
func ReadBase(path string) ([]domain.RatingRow, error) {
	records, err := readCSV(path, BaseHeader)
	if err != nil {
		return nil, err
	}
	rows := make([]domain.RatingRow, 0, len(records))
	for i, rec := range records {
		var r domain.RatingRow
		fields := []struct {
			col int
			dst any
		}{
			{0, &r.HydroID}, {1, &r.Stage}, {2, &r.CellCount},
			{3, &r.SurfaceArea}, {4, &r.BedArea}, {5, &r.Volume},
			{6, &r.TopWidth}, {7, &r.WettedPerimeter}, {8, &r.WetArea},
			{9, &r.HydraulicRadius}, {10, &r.Slope}, {11, &r.LengthKM},
			{12, &r.AreaSqKm}, {13, &r.NextDownID}, {14, &r.Order},
			{15, &r.LakeID},
		}
		for _, f := range fields {
			if err := parseField(rec[f.col], f.dst); err != nil {
				return nil, fmt.Errorf("%s row %d col %s: %w",
					path, i+2, BaseHeader[f.col], err)
			}
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// WriteFull writes the crosswalked rating table (src_full_crosswalked).
func WriteFull(path string, rows []domain.RatingRow) error {
	return writeCSV(path, FullHeader, sortRows(rows), func(r domain.RatingRow) []string {
		return []string{
			itoa(r.HydroID), itoa(r.FeatureID), ftoa(r.Stage), itoa(r.CellCount),
			ftoa(r.SurfaceArea), ftoa(r.BedArea), ftoa(r.Volume),
			ftoa(r.TopWidth), ftoa(r.WettedPerimeter), ftoa(r.WetArea),
			ftoa(r.HydraulicRadius), ftoa(r.Slope), ftoa(r.LengthKM),
			ftoa(r.AreaSqKm), ftoa(r.ManningN), ftoa(r.DefaultDischarge),
			ftoa(r.Discharge), ftoa(r.BankfullStage), ftoa(r.ChannVolumeRatio),
			ftoa(r.ChannHRadiusRatio), ftoa(r.ChannSurfRatio), btoa(r.BankfullApplied),
		}
	})
}

// WriteHydro writes the branch hydro-table.
func WriteHydro(path, huc, branchID string, rows []domain.RatingRow) error {
	return writeCSV(path, HydroHeader, sortRows(rows), func(r domain.RatingRow) []string {
		return []string{
			huc, branchID, itoa(r.FeatureID), itoa(r.HydroID),
			itoa(r.NextDownID), itoa(r.Order), itoa(r.LakeID), ftoa(r.Stage),
			ftoa(r.Discharge), ftoa(r.DefaultDischarge), ftoa(r.ManningN),
			ftoa(r.Slope), ftoa(r.LengthKM), ftoa(r.AreaSqKm),
			itoa(r.CellCount), ftoa(r.SurfaceArea), ftoa(r.BedArea),
			ftoa(r.Volume), ftoa(r.TopWidth), ftoa(r.WettedPerimeter),
			ftoa(r.WetArea), ftoa(r.HydraulicRadius),
			btoa(r.BankfullApplied), btoa(r.CalibApplied),
		}
	})
}

// ReadHydro reads a branch hydro-table back into rating rows. The HUC and
// branch columns are checked against the expected values so a table copied
// between branch directories is caught rather than silently rewritten.
func ReadHydro(path, huc, branchID string) ([]domain.RatingRow, error) {
	records, err := readCSV(path, HydroHeader)
	if err != nil {
		return nil, err
	}
	rows := make([]domain.RatingRow, 0, len(records))
	for i, rec := range records {
		if rec[0] != huc || rec[1] != branchID {
			return nil, fmt.Errorf("%s row %d: huc/branch %s/%s, want %s/%s",
				path, i+2, rec[0], rec[1], huc, branchID)
		}
		var r domain.RatingRow
		var err error
		fields := []struct {
			col int
			dst any
		}{
			{2, &r.FeatureID}, {3, &r.HydroID}, {4, &r.NextDownID},
			{5, &r.Order}, {6, &r.LakeID}, {7, &r.Stage}, {8, &r.Discharge},
			{9, &r.DefaultDischarge}, {10, &r.ManningN}, {11, &r.Slope},
			{12, &r.LengthKM}, {13, &r.AreaSqKm}, {14, &r.CellCount},
			{15, &r.SurfaceArea}, {16, &r.BedArea}, {17, &r.Volume},
			{18, &r.TopWidth}, {19, &r.WettedPerimeter}, {20, &r.WetArea},
			{21, &r.HydraulicRadius}, {22, &r.BankfullApplied},
			{23, &r.CalibApplied},
		}
		for _, f := range fields {
			if err = parseField(rec[f.col], f.dst); err != nil {
				return nil, fmt.Errorf("%s row %d col %s: %w",
					path, i+2, HydroHeader[f.col], err)
			}
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// WriteCrosswalk writes the HydroID to feature_id mapping table.
func WriteCrosswalk(path string, rows []domain.CrosswalkRow) error {
	sorted := slices.Clone(rows)
	slices.SortFunc(sorted, func(a, b domain.CrosswalkRow) int {
		return a.HydroID - b.HydroID
	})
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(CrosswalkHeader); err != nil {
		return err
	}
	for _, r := range sorted {
		rec := []string{itoa(r.HydroID), itoa(r.FeatureID), ftoa(r.Distance), r.Method}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return atomicWrite(path, buf.Bytes())
}

// ReadCrosswalk reads a crosswalk table.
func ReadCrosswalk(path string) ([]domain.CrosswalkRow, error) {
	records, err := readCSV(path, CrosswalkHeader)
	if err != nil {
		return nil, err
	}
	rows := make([]domain.CrosswalkRow, 0, len(records))
	for i, rec := range records {
		var r domain.CrosswalkRow
		for col, dst := range map[int]any{0: &r.HydroID, 1: &r.FeatureID, 2: &r.Distance} {
			if err := parseField(rec[col], dst); err != nil {
				return nil, fmt.Errorf("%s row %d col %s: %w", path, i+2, CrosswalkHeader[col], err)
			}
		}
		r.Method = rec[3]
		rows = append(rows, r)
	}
	return rows, nil
}

// srcEntry is one catchment's curve in the src JSON consumed by the
// inundation lookup service.
type srcEntry struct {
	StageList []float64 `json:"stage_list"`
	QList     []float64 `json:"q_list"`
}

// WriteSRCJSON writes rating curves keyed by HydroID as JSON. Map keys are
// emitted in sorted order, so output is stable across runs.
func WriteSRCJSON(path string, rows []domain.RatingRow) error {
	sorted := sortRows(rows)
	curves := make(map[string]*srcEntry)
	for _, r := range sorted {
		key := itoa(r.HydroID)
		e, ok := curves[key]
		if !ok {
			e = &srcEntry{}
			curves[key] = e
		}
		e.StageList = append(e.StageList, r.Stage)
		e.QList = append(e.QList, r.Discharge)
	}
	data, err := json.MarshalIndent(curves, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return atomicWrite(path, append(data, '\n'))
}

// ReadBankfullFlows reads the per-feature 1.5-year recurrence flows used
// for bankfull classification. Expected columns: feature_id, bankfull_flow_cms.
func ReadBankfullFlows(path string) (map[int]float64, error) {
	records, err := readCSV(path, []string{"feature_id", "bankfull_flow_cms"})
	if err != nil {
		return nil, err
	}
	flows := make(map[int]float64, len(records))
	for i, rec := range records {
		var id int
		var q float64
		if err := parseField(rec[0], &id); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		if err := parseField(rec[1], &q); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		flows[id] = q
	}
	return flows, nil
}

// ReadRoughnessOverrides reads per-feature Manning's n overrides.
// Expected columns: feature_id, mannings_n.
func ReadRoughnessOverrides(path string) (map[int]float64, error) {
	records, err := readCSV(path, []string{"feature_id", "mannings_n"})
	if err != nil {
		return nil, err
	}
	overrides := make(map[int]float64, len(records))
	for i, rec := range records {
		var id int
		var n float64
		if err := parseField(rec[0], &id); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		if err := parseField(rec[1], &n); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("%s row %d: mannings_n %v not positive", path, i+2, n)
		}
		overrides[id] = n
	}
	return overrides, nil
}

// Aggregate concatenates branch hydro-tables into one watershed table.
// Branch order is the caller's order; rows within a branch keep their
// (HydroID, stage) order.
func Aggregate(path string, branchTables []string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(HydroHeader); err != nil {
		return err
	}
	for _, table := range branchTables {
		records, err := readCSV(table, HydroHeader)
		if err != nil {
			return fmt.Errorf("aggregate: %w", err)
		}
		if err := w.WriteAll(records); err != nil {
			return fmt.Errorf("aggregate %s: %w", table, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return atomicWrite(path, buf.Bytes())
}

// sortRows returns a copy of rows ordered by (HydroID, stage), the order
// every rating table is written in.
func sortRows(rows []domain.RatingRow) []domain.RatingRow {
	sorted := slices.Clone(rows)
	slices.SortFunc(sorted, func(a, b domain.RatingRow) int {
		if a.HydroID != b.HydroID {
			return a.HydroID - b.HydroID
		}
		switch {
		case a.Stage < b.Stage:
			return -1
		case a.Stage > b.Stage:
			return 1
		}
		return 0
	})
	return sorted
}

func writeCSV(path string, header []string, rows []domain.RatingRow, record func(domain.RatingRow) []string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		if err := w.Write(record(r)); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return atomicWrite(path, buf.Bytes())
}

// readCSV reads path and checks the header matches exactly.
func readCSV(path string, header []string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(header)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("read %s: empty file", path)
	}
	if !slices.Equal(records[0], header) {
		return nil, fmt.Errorf("read %s: header %v, want %v", path, records[0], header)
	}
	return records[1:], nil
}

func parseField(s string, dst any) error {
	switch d := dst.(type) {
	case *int:
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*d = v
	case *float64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*d = v
	case *bool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		*d = v
	default:
		return fmt.Errorf("unsupported field type %T", dst)
	}
	return nil
}

func itoa(v int) string { return strconv.Itoa(v) }

// ftoa formats with the shortest decimal that parses back to the same
// float64, which keeps rewrite-after-read byte-identical.
func ftoa(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func btoa(v bool) string { return strconv.FormatBool(v) }

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
