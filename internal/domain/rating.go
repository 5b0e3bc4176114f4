package domain

import "math"

// minSlope is the floor applied to reach slope in Manning's equation,
// keeping discharge finite on flat derived reaches.
const minSlope = 1e-5

// Stages builds the stage ladder: ascending from minStage by interval,
// ending exactly at maxStage even when the interval does not divide the
// span. Returns nil when the interval is non-positive, minStage is
// negative, or the span is empty.
func Stages(minStage, maxStage, interval float64) []float64 {
	if interval <= 0 || minStage < 0 || maxStage <= minStage {
		return nil
	}
	span := maxStage - minStage
	n := int(math.Floor(span / interval))
	stages := make([]float64, 0, n+2)
	for i := 0; i <= n; i++ {
		v := minStage + float64(i)*interval
		if v > maxStage-interval*1e-9 {
			break
		}
		stages = append(stages, v)
	}
	return append(stages, maxStage)
}

// RatingRow is one synthetic rating curve sample for a catchment at a stage.
// Geometry fields are filled by the hydraulic property engine; feature,
// roughness, and discharge fields are filled by the crosswalk.
type RatingRow struct {
	HydroID int
	Stage   float64

	CellCount       int
	SurfaceArea     float64 // m²
	BedArea         float64 // m²
	Volume          float64 // m³
	TopWidth        float64 // m
	WettedPerimeter float64 // m
	WetArea         float64 // m²
	HydraulicRadius float64 // m

	// Reach attributes carried onto every row of the catchment.
	FeatureID  int
	NextDownID int
	Order      int
	LakeID     int
	Slope      float64
	LengthKM   float64
	AreaSqKm   float64

	ManningN         float64
	Discharge        float64 // m³/s with ManningN
	DefaultDischarge float64 // m³/s with the uncalibrated n

	// Bankfull classification (set when bankfull flows are supplied).
	BankfullStage     float64
	ChannVolumeRatio  float64
	ChannHRadiusRatio float64
	ChannSurfRatio    float64
	BankfullApplied   bool

	CalibApplied bool
}

// ManningDischarge evaluates Manning's equation for a rating row sample.
// Slope is floored at 1e-5; a dry row (zero hydraulic radius) rates zero.
func ManningDischarge(wetArea, hydraulicRadius, slope, n float64) float64 {
	if wetArea <= 0 || hydraulicRadius <= 0 || n <= 0 {
		return 0
	}
	s := math.Max(slope, minSlope)
	return wetArea * math.Pow(hydraulicRadius, 2.0/3.0) * math.Sqrt(s) / n
}

// ManningN inverts Manning's equation: the roughness that yields the
// given discharge at a rating row sample. Zero when the row is dry or
// the discharge is not positive.
func ManningN(wetArea, hydraulicRadius, slope, discharge float64) float64 {
	if wetArea <= 0 || hydraulicRadius <= 0 || discharge <= 0 {
		return 0
	}
	s := math.Max(slope, minSlope)
	return wetArea * math.Pow(hydraulicRadius, 2.0/3.0) * math.Sqrt(s) / discharge
}

// CrosswalkRow records how one HydroID mapped to a national-network feature.
type CrosswalkRow struct {
	HydroID   int
	FeatureID int
	Distance  float64 // meters from reach midpoint to matched flowline
	Method    string  // nearest | order-smoothed | small-segment
}

// Crosswalk match methods.
const (
	MatchNearest      = "nearest"
	MatchSmoothed     = "order-smoothed"
	MatchSmallSegment = "small-segment"
)
