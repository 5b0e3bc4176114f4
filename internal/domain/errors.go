package domain

import "fmt"

// PreconditionError reports an input contract violation that aborts the
// branch: misaligned grid frames, missing artifacts, empty inputs, or a
// broken internal invariant.
type PreconditionError struct {
	Stage  string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s precondition failed: %s", e.Stage, e.Reason)
}

// DegenerateGeometryError reports a catchment polygon part that cannot be
// represented (too few vertices or zero area). Recorded in diagnostics;
// only a catchment whose every part is degenerate is excluded.
type DegenerateGeometryError struct {
	HydroID int
	Reason  string
}

func (e *DegenerateGeometryError) Error() string {
	return fmt.Sprintf("catchment %d degenerate geometry: %s", e.HydroID, e.Reason)
}

// CrosswalkMismatchError reports a reach with no national-network feature
// within the match tolerance. Distance is the nearest candidate found, or
// -1 when no candidate existed at all.
type CrosswalkMismatchError struct {
	HydroID  int
	Distance float64
}

func (e *CrosswalkMismatchError) Error() string {
	if e.Distance < 0 {
		return fmt.Sprintf("reach %d matched no flowline", e.HydroID)
	}
	return fmt.Sprintf("reach %d nearest flowline at %.1f m exceeds tolerance", e.HydroID, e.Distance)
}

// SmallSegmentWarning reports a reach below the minimum length that was
// folded into a neighboring reach on the same level path.
type SmallSegmentWarning struct {
	HydroID    int
	LengthKM   float64
	MergedInto int
}

func (e *SmallSegmentWarning) Error() string {
	return fmt.Sprintf("reach %d (%.4f km) below minimum length, adopted feature of reach %d",
		e.HydroID, e.LengthKM, e.MergedInto)
}
