package crosswalk

import (
	"math"

	"github.com/robgpita/inundation-mapping/internal/domain"
)

// ApplyBankfull classifies each catchment's curve against its feature's
// 1.5-year recurrence flow. The bankfull stage is the positive-stage row
// whose discharge lands closest to that flow; each row then carries the
// ratio of bankfull geometry to its own (capped at 1, so sub-bankfull
// rows read 1 and the in-channel share shrinks above bankfull). Features
// with a missing or non-positive flow get zero ratios and stay
// unflagged. With composite roughness configured, in-channel and
// overbank n blend by the hydraulic radius ratio and the rows re-rate.
//
// Rows must be sorted by (HydroID, stage). No-op when no bankfull flow
// table was loaded.
func (e *Engine) ApplyBankfull(rows []domain.RatingRow) {
	if e.BankfullFlows == nil {
		return
	}
	for start := 0; start < len(rows); {
		end := start
		for end < len(rows) && rows[end].HydroID == rows[start].HydroID {
			end++
		}
		e.bankfullCatchment(rows[start:end])
		start = end
	}
	if e.ChannelN > 0 && e.OverbankN > 0 {
		for i := range rows {
			r := &rows[i]
			r.ManningN = e.ChannelN*r.ChannHRadiusRatio + e.OverbankN*(1-r.ChannHRadiusRatio)
			r.Discharge = domain.ManningDischarge(r.WetArea, r.HydraulicRadius, r.Slope, r.ManningN)
			r.DefaultDischarge = r.Discharge
		}
	}
}

func (e *Engine) bankfullCatchment(rows []domain.RatingRow) {
	flow, ok := e.BankfullFlows[rows[0].FeatureID]
	if !ok || flow <= 0 {
		for i := range rows {
			rows[i].ChannVolumeRatio = 0
			rows[i].ChannHRadiusRatio = 0
			rows[i].ChannSurfRatio = 0
		}
		return
	}

	best := -1
	for i := range rows {
		if rows[i].Stage <= 0 {
			continue
		}
		if best < 0 || math.Abs(flow-rows[i].Discharge) < math.Abs(flow-rows[best].Discharge) {
			best = i
		}
	}
	if best < 0 {
		for i := range rows {
			rows[i].ChannVolumeRatio = 0
			rows[i].ChannHRadiusRatio = 0
			rows[i].ChannSurfRatio = 0
		}
		return
	}

	bf := rows[best]
	for i := range rows {
		r := &rows[i]
		r.BankfullStage = bf.Stage
		r.ChannVolumeRatio = channelRatio(r.Stage, bf.Volume, r.Volume)
		r.ChannHRadiusRatio = channelRatio(r.Stage, bf.HydraulicRadius, r.HydraulicRadius)
		r.ChannSurfRatio = channelRatio(r.Stage, bf.SurfaceArea, r.SurfaceArea)
		r.BankfullApplied = true
	}
}

// channelRatio is 1 at stage zero and on dry rows, otherwise the
// bankfull value over the row value capped at 1.
func channelRatio(stage, bankfull, value float64) float64 {
	if stage == 0 || value <= 0 {
		return 1
	}
	return math.Min(bankfull/value, 1)
}
