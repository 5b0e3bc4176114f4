package hydrotable

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"slices"
)

// Diagnostics records. Every exclusion or adjustment a branch stage makes
// lands in one of these tables; nothing is dropped silently.

// DegenerateRecord notes a catchment whose polygon parts collapsed below
// the vertex minimum. PartsKept == 0 means the whole catchment was excluded.
type DegenerateRecord struct {
	HydroID      int
	PartsDropped int
	PartsKept    int
	Reason       string
}

// MismatchRecord notes a reach that could not be crosswalked. Distance is
// the gap to the nearest flowline, or -1 when the network was empty.
type MismatchRecord struct {
	HydroID  int
	X, Y     float64
	Distance float64
}

// SmallSegmentRecord notes a reach below the length threshold that adopted
// a neighbor's feature match.
type SmallSegmentRecord struct {
	HydroID          int
	LengthKM         float64
	AdoptedFeatureID int
	AdoptedFrom      int // HydroID whose match was adopted
}

// CalibrationRecord notes one water-edge observation and whether it
// contributed to the calibrated roughness.
type CalibrationRecord struct {
	HydroID  int
	X, Y     float64
	FlowCMS  float64
	Stage    float64
	ManningN float64
	Used     bool
	Reason   string
}

func WriteDegenerate(path string, recs []DegenerateRecord) error {
	header := []string{"HydroID", "parts_dropped", "parts_kept", "reason"}
	return writeDiagnostics(path, header, recs,
		func(r DegenerateRecord) int { return r.HydroID },
		func(r DegenerateRecord) []string {
			return []string{itoa(r.HydroID), itoa(r.PartsDropped), itoa(r.PartsKept), r.Reason}
		})
}

func WriteMismatches(path string, recs []MismatchRecord) error {
	header := []string{"HydroID", "midpoint_x", "midpoint_y", "nearest_distance_m"}
	return writeDiagnostics(path, header, recs,
		func(r MismatchRecord) int { return r.HydroID },
		func(r MismatchRecord) []string {
			return []string{itoa(r.HydroID), ftoa(r.X), ftoa(r.Y), ftoa(r.Distance)}
		})
}

func WriteSmallSegments(path string, recs []SmallSegmentRecord) error {
	header := []string{"HydroID", "length_km", "adopted_feature_id", "adopted_from"}
	return writeDiagnostics(path, header, recs,
		func(r SmallSegmentRecord) int { return r.HydroID },
		func(r SmallSegmentRecord) []string {
			return []string{itoa(r.HydroID), ftoa(r.LengthKM), itoa(r.AdoptedFeatureID), itoa(r.AdoptedFrom)}
		})
}

func WriteCalibrationPoints(path string, recs []CalibrationRecord) error {
	header := []string{"HydroID", "x", "y", "flow_cms", "stage_m", "mannings_n", "used", "reason"}
	return writeDiagnostics(path, header, recs,
		func(r CalibrationRecord) int { return r.HydroID },
		func(r CalibrationRecord) []string {
			return []string{
				itoa(r.HydroID), ftoa(r.X), ftoa(r.Y), ftoa(r.FlowCMS),
				ftoa(r.Stage), ftoa(r.ManningN), btoa(r.Used), r.Reason,
			}
		})
}

// writeDiagnostics sorts by HydroID (stable, so multiple records for one
// catchment keep insertion order) and writes atomically. An empty record
// set still writes the header so downstream tooling can tell "ran clean"
// from "never ran".
func writeDiagnostics[T any](path string, header []string, recs []T, key func(T) int, record func(T) []string) error {
	sorted := slices.Clone(recs)
	slices.SortStableFunc(sorted, func(a, b T) int { return key(a) - key(b) })

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range sorted {
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
